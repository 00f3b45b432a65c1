package terminal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/derekparker/trie"
	"github.com/go-delve/liner"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	"guestscope/service"
)

const (
	prompt                      = "(gsc) "
	terminalHighlightEscapeCode = "\033[%2dm"
	terminalResetEscapeCode     = "\033[0m"
	terminalRed                 = 31
	defaultPager                = "less -RFX"
)

// Config is what the REPL takes from the user's configuration.
type Config struct {
	HistoryPath string
	Pager       string
}

type Term struct {
	client       service.Client
	prompt       string
	line         *liner.State
	cmds         *Commands
	aliases      *trie.Trie
	historyPath  string
	historyFile  *os.File
	stdout       *transcriptWriter
	stderr       io.Writer
	colorEscapes bool
}

func New(client service.Client, conf Config) *Term {
	pw := &pagingWriter{w: colorable.NewColorableStdout()}
	t := &Term{
		client:      client,
		line:        liner.NewLiner(),
		prompt:      prompt,
		historyPath: conf.HistoryPath,
		stdout:      &transcriptWriter{pw: pw},
		stderr:      colorable.NewColorableStderr(),
		cmds:        NewCommands(client),
	}
	if fd := os.Stdout.Fd(); isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd) {
		t.colorEscapes = true
		pw.lines = terminalHeight(fd)
		pw.pager = conf.Pager
		if pw.pager == "" {
			pw.pager = os.Getenv("PAGER")
		}
		if pw.pager == "" {
			pw.pager = defaultPager
		}
	}
	t.aliases = aliasTrie(t.cmds)
	return t
}

func aliasTrie(cmds *Commands) *trie.Trie {
	aliases := trie.New()
	for _, cmd := range cmds.cmds {
		for _, alias := range cmd.aliases {
			aliases.Add(alias, nil)
		}
	}
	return aliases
}

func (t *Term) sigintGuard(ch <-chan os.Signal) {
	for range ch {
		fmt.Fprintf(t.stdout, "received SIGINT, type exit to leave\n")
	}
}

// complete offers command names for the first word and catalog names for
// a last word starting a term. After an @ only the part following it is
// completed; fields, indices and offsets are not.
func (t *Term) complete(line string) []string {
	cmd, _, found := strings.Cut(line, " ")
	if !found {
		return t.aliases.PrefixSearch(cmd)
	}

	i := strings.LastIndexAny(line, " @.+-:[")
	head, word := line[:i+1], line[i+1:]
	if c := line[i]; c != ' ' && c != '@' {
		return nil
	}
	names, err := t.client.Complete(word)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(names))
	for _, name := range names {
		out = append(out, head+name)
	}
	return out
}

func (t *Term) Run() error {
	defer t.Close()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT)
	go t.sigintGuard(ch)
	defer signal.Stop(ch)

	t.line.SetCompleter(t.complete)

	if err := t.openHistory(); err != nil {
		fmt.Fprintf(t.stderr, "Unable to open history file: %v. History will not be saved for this session.\n", err)
	}

	fmt.Fprintln(t.stdout, "Type 'help' for list of commands.")
	t.stdout.Flush()

	for {
		cmd, err := t.promptForInput()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, liner.ErrPromptAborted) {
				fmt.Fprintln(t.stdout, "exit")
				t.stdout.Flush()
				return t.handleExit()
			}
			return fmt.Errorf("prompt for input failed: %w", err)
		}
		t.stdout.Echo(t.prompt + cmd + "\n")

		if strings.TrimSpace(cmd) == "" {
			continue
		}

		if err = t.cmds.Call(cmd, t); err != nil {
			if _, ok := err.(ExitRequestError); ok {
				t.stdout.Flush()
				return t.handleExit()
			}
			t.printError(err)
		}

		t.stdout.Flush()
		t.stdout.pw.Reset()
	}
}

func (t *Term) printError(err error) {
	t.stdout.Echo("Command failed: " + err.Error() + "\n")
	if t.colorEscapes {
		fmt.Fprintf(t.stderr, terminalHighlightEscapeCode+"Command failed: %s"+terminalResetEscapeCode+"\n", terminalRed, err)
		return
	}
	fmt.Fprintf(t.stderr, "Command failed: %s\n", err)
}

func (t *Term) openHistory() error {
	if t.historyPath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(t.historyPath), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(t.historyPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return err
	}
	if _, err := t.line.ReadHistory(f); err != nil {
		f.Close()
		return err
	}
	t.historyFile = f
	return nil
}

func (t *Term) Close() {
	t.line.Close()
	if err := t.stdout.CloseTranscript(); err != nil {
		fmt.Fprintf(os.Stderr, "error closing transcript file: %v\n", err)
	}
}

func (t *Term) promptForInput() (string, error) {
	l, err := t.line.Prompt(t.prompt)
	if err != nil {
		return "", err
	}

	l = strings.TrimSuffix(l, "\n")
	if l != "" {
		t.line.AppendHistory(l)
	}

	return l, nil
}

func (t *Term) handleExit() error {
	if t.historyFile == nil {
		return nil
	}
	defer func() {
		t.historyFile.Close()
		t.historyFile = nil
	}()
	if err := t.historyFile.Truncate(0); err != nil {
		return fmt.Errorf("readline history error: %w", err)
	}
	if _, err := t.historyFile.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("readline history error: %w", err)
	}
	if _, err := t.line.WriteHistory(t.historyFile); err != nil {
		return fmt.Errorf("readline history error: %w", err)
	}
	return nil
}

// RedirectTo redirects the output of this terminal to the specified writer.
func (t *Term) RedirectTo(w io.Writer) {
	t.stdout.pw.w = w
}
