// Package config loads the guestscope configuration file.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"guestscope/pkg/cache"
	"guestscope/pkg/emu"
	"guestscope/pkg/logflags"
	"guestscope/pkg/wire"
)

const (
	// Dir holds the config file, the REPL history and the default catalog.
	Dir         = ".guestscope"
	FileName    = "config.toml"
	HistoryFile = ".gsc_history"
	CatalogFile = "addrs.yaml"
)

// Duration is a time.Duration spelled like "5s" in the file.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) D() time.Duration { return time.Duration(d) }

type Client struct {
	// Address of the wire agent, host:port.
	Address          string   `toml:"address"`
	DialTimeout      Duration `toml:"dial_timeout"`
	ReconnectTimeout Duration `toml:"reconnect_timeout"`
}

type Agent struct {
	Listen         string   `toml:"listen"`
	SampleInterval Duration `toml:"sample_interval"`
}

type Cache struct {
	ChunkSize uint64 `toml:"chunk_size"`
}

type Emulation struct {
	MaxInsns int  `toml:"max_insns"`
	Verbose  bool `toml:"verbose"`
}

type Catalog struct {
	Path string `toml:"path"`
}

type Log struct {
	Debug      bool   `toml:"debug"`
	Components string `toml:"components"`
	// Output is empty for stderr, a file descriptor number or a path.
	Output string `toml:"output"`
}

// Service is where the session server listens for clients.
type Service struct {
	Listen    string `toml:"listen"`
	Transport string `toml:"transport"`
}

type REPL struct {
	// Pager receives command output taller than the terminal. Empty means
	// $PAGER, then less.
	Pager string `toml:"pager"`
}

type Config struct {
	Client    Client    `toml:"client"`
	Agent     Agent     `toml:"agent"`
	Cache     Cache     `toml:"cache"`
	Emulation Emulation `toml:"emulation"`
	Catalog   Catalog   `toml:"catalog"`
	Log       Log       `toml:"log"`
	Service   Service   `toml:"service"`
	REPL      REPL      `toml:"repl"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Client: Client{
			Address:          "127.0.0.1:8000",
			DialTimeout:      Duration(wire.DefaultDialTimeout),
			ReconnectTimeout: Duration(wire.DefaultReconnectTimeout),
		},
		Agent: Agent{
			Listen:         "127.0.0.1:8000",
			SampleInterval: Duration(wire.DefaultSampleInterval),
		},
		Cache:     Cache{ChunkSize: cache.DefaultChunkSize},
		Emulation: Emulation{MaxInsns: emu.DefaultMaxInsns},
		Catalog:   Catalog{Path: filepath.Join("~", Dir, CatalogFile)},
		Log:       Log{Components: logflags.DefaultComponents},
		Service:   Service{Listen: "127.0.0.1:8080", Transport: "http"},
	}
}

// DefaultPath is ~/.guestscope/config.toml.
func DefaultPath() string {
	return filepath.Join("~", Dir, FileName)
}

// Expand replaces a leading ~ with the user's home directory.
func Expand(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// Load reads the file at path over the defaults. A missing file is not an
// error when it is the default path.
func Load(path string) (*Config, error) {
	c := Default()
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	md, err := toml.DecodeFile(Expand(path), c)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return c, nil
		}
		return nil, fmt.Errorf("decode config file %q: %w", path, err)
	}
	if err := checkUndecoded(md); err != nil {
		return nil, fmt.Errorf("config file %q: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config file %q: %w", path, err)
	}
	return c, nil
}

// Parse decodes configuration text over the defaults.
func Parse(text string) (*Config, error) {
	c := Default()
	md, err := toml.Decode(text, c)
	if err != nil {
		return nil, err
	}
	if err := checkUndecoded(md); err != nil {
		return nil, err
	}
	return c, c.Validate()
}

func checkUndecoded(md toml.MetaData) error {
	keys := md.Undecoded()
	if len(keys) == 0 {
		return nil
	}
	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = k.String()
	}
	sort.Strings(names)
	return fmt.Errorf("unknown keys: %s", strings.Join(names, ", "))
}

func (c *Config) Validate() error {
	if n := c.Cache.ChunkSize; n == 0 || n&(n-1) != 0 {
		return fmt.Errorf("cache.chunk_size %#x is not a power of two", n)
	}
	if c.Emulation.MaxInsns <= 0 {
		return fmt.Errorf("emulation.max_insns must be positive, got %d", c.Emulation.MaxInsns)
	}
	if c.Client.DialTimeout < 0 || c.Client.ReconnectTimeout < 0 {
		return fmt.Errorf("client timeouts must not be negative")
	}
	switch c.Service.Transport {
	case "http", "grpc":
	default:
		return fmt.Errorf("service.transport %q: want http or grpc", c.Service.Transport)
	}
	return nil
}

// Encode writes c as TOML.
func (c *Config) Encode(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}

// SetupLogging applies the [log] section.
func (c *Config) SetupLogging() error {
	return logflags.Setup(c.Log.Debug, c.Log.Components, c.Log.Output)
}

func (c *Config) WireOptions() wire.Options {
	return wire.Options{
		DialTimeout:      c.Client.DialTimeout.D(),
		ReconnectTimeout: c.Client.ReconnectTimeout.D(),
	}
}

func (c *Config) AgentOptions() wire.AgentOptions {
	return wire.AgentOptions{SampleInterval: c.Agent.SampleInterval.D()}
}

func (c *Config) CacheOptions() []cache.Option {
	return []cache.Option{cache.WithChunkSize(c.Cache.ChunkSize)}
}

func (c *Config) EmuOptions() emu.Options {
	return emu.Options{MaxInsns: c.Emulation.MaxInsns, Verbose: c.Emulation.Verbose}
}

// HistoryPath is where the REPL keeps its history.
func HistoryPath() string {
	return Expand(filepath.Join("~", Dir, HistoryFile))
}
