// Package cache batches guest reads into aligned chunks that live for the
// duration of a caller-defined scope.
package cache

import (
	"fmt"

	"github.com/google/btree"

	"guestscope/pkg/logflags"
	"guestscope/pkg/proc"
)

const DefaultChunkSize = 0x100

type chunk struct {
	addr uint64
	data []byte
}

func chunkLess(a, b *chunk) bool { return a.addr < b.addr }

// Stats counts cache activity since construction.
type Stats struct {
	Hits          int
	Misses        int
	BackendReads  int
	BackendWrites int
	Evictions     int
}

// Cache is a proc.Memory that memoizes chunk-aligned reads while at least one
// scope is open. It is not safe for concurrent use.
//
// In overlay mode the cache is permanently active and writes land in the
// cached chunks only; the backing memory is never written.
type Cache struct {
	backing   proc.Memory
	chunkSize uint64
	chunks    *btree.BTreeG[*chunk]
	depth     int
	overlay   bool
	stats     Stats
	log       logflags.Logger
}

type Option func(*Cache)

// WithChunkSize sets the chunk size, which must be a power of two.
func WithChunkSize(n uint64) Option {
	return func(c *Cache) {
		if n == 0 || n&(n-1) != 0 {
			panic(fmt.Sprintf("cache: chunk size %#x is not a power of two", n))
		}
		c.chunkSize = n
	}
}

func WithLogger(l logflags.Logger) Option {
	return func(c *Cache) { c.log = l }
}

func New(backing proc.Memory, opts ...Option) *Cache {
	c := &Cache{
		backing:   backing,
		chunkSize: DefaultChunkSize,
		chunks:    btree.NewG(16, chunkLess),
		log:       logflags.CacheLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewOverlay returns a cache that is already active, never clears, and keeps
// every write to itself.
func NewOverlay(backing proc.Memory, opts ...Option) *Cache {
	c := New(backing, opts...)
	c.overlay = true
	c.depth = 1
	return c
}

func (c *Cache) Backing() proc.Memory { return c.backing }
func (c *Cache) ChunkSize() uint64    { return c.chunkSize }
func (c *Cache) Overlay() bool        { return c.overlay }
func (c *Cache) Depth() int           { return c.depth }
func (c *Cache) Active() bool         { return c.depth > 0 }
func (c *Cache) Stats() Stats         { return c.stats }
func (c *Cache) Len() int             { return c.chunks.Len() }

// Enter opens a scope. The first open scope starts caching.
func (c *Cache) Enter() {
	c.depth++
}

// Exit closes a scope; closing the last one discards every chunk.
func (c *Cache) Exit() {
	if c.overlay && c.depth == 1 {
		return
	}
	if c.depth == 0 {
		panic("cache: Exit without matching Enter")
	}
	c.depth--
	if c.depth == 0 {
		c.log.Debugf("scope closed, dropping %d chunks", c.chunks.Len())
		c.chunks.Clear(false)
	}
}

// Do runs fn inside a scope.
func (c *Cache) Do(fn func() error) error {
	c.Enter()
	defer c.Exit()
	return fn()
}

// Flush discards every cached chunk without changing the depth. Overlay
// caches refuse, since their chunks are the only copy of overlay writes.
func (c *Cache) Flush() {
	if c.overlay {
		return
	}
	c.chunks.Clear(false)
}

// Prefetch pulls [addr, addr+size) into the cache in one coalesced pass.
func (c *Cache) Prefetch(addr, size uint64) error {
	_, err := c.TryRead(addr, size)
	return err
}

// Cached reports whether the chunk holding addr is present.
func (c *Cache) Cached(addr uint64) bool {
	_, ok := c.chunks.Get(&chunk{addr: c.align(addr)})
	return ok
}

func (c *Cache) align(addr uint64) uint64 {
	return addr &^ (c.chunkSize - 1)
}

func (c *Cache) lookup(addr uint64) *chunk {
	ch, _ := c.chunks.Get(&chunk{addr: addr})
	return ch
}

func (c *Cache) TryRead(addr, size uint64) ([]byte, error) {
	if c.depth == 0 {
		c.stats.BackendReads++
		return c.backing.TryRead(addr, size)
	}

	size = proc.ClampSize(addr, size)
	if size == 0 {
		return []byte{}, nil
	}
	end := addr + size
	start := c.align(addr)

	out := make([]byte, 0, end-start)
	cur := start
	for cur < end {
		var data []byte
		want := c.chunkSize
		if ch := c.lookup(cur); ch != nil {
			c.stats.Hits++
			data = ch.data
		} else {
			want = c.missingRun(cur, end)
			c.stats.Misses++
			c.stats.BackendReads++
			var err error
			data, err = c.backing.TryRead(cur, want)
			if err != nil {
				return nil, err
			}
			if uint64(len(data)) > want {
				data = data[:want]
			}
			c.log.Debugf("fetched %#x bytes at %#x (wanted %#x)", len(data), cur, want)
			c.store(cur, data)
		}
		out = append(out, data...)

		if uint64(len(data)) < want {
			if cur+uint64(len(data)) < addr {
				// unreadable bytes sit in the alignment padding ahead of the
				// request, so the chunk view says nothing about it
				c.stats.BackendReads++
				return c.backing.TryRead(addr, size)
			}
			break
		}
		if next := cur + want; next > cur {
			cur = next
		} else {
			break
		}
	}

	skip := addr - start
	if uint64(len(out)) <= skip {
		return []byte{}, nil
	}
	out = out[skip:]
	if uint64(len(out)) > size {
		out = out[:size]
	}
	return out, nil
}

// missingRun is the length of the run of uncached chunks starting at cur
// that a single backend read should cover.
func (c *Cache) missingRun(cur, end uint64) uint64 {
	run := c.chunkSize
	for {
		next := cur + run
		if next >= end || next < cur || c.lookup(next) != nil {
			break
		}
		run += c.chunkSize
	}
	return proc.ClampSize(cur, run)
}

// store caches data read at the chunk-aligned cur. A trailing partial
// chunk is kept short; hitting it later ends the read there.
func (c *Cache) store(cur uint64, data []byte) {
	for off := uint64(0); off < uint64(len(data)); off += c.chunkSize {
		n := min(c.chunkSize, uint64(len(data))-off)
		buf := make([]byte, n)
		copy(buf, data[off:off+n])
		c.chunks.ReplaceOrInsert(&chunk{addr: cur + off, data: buf})
	}
}

func (c *Cache) TryWrite(addr uint64, data []byte) (int, error) {
	if c.overlay {
		return c.writeOverlay(addr, data)
	}
	if len(data) == 0 {
		return 0, nil
	}

	end := addr + proc.ClampSize(addr, uint64(len(data)))
	var evict []*chunk
	c.chunks.AscendRange(&chunk{addr: c.align(addr)}, &chunk{addr: end}, func(ch *chunk) bool {
		evict = append(evict, ch)
		return true
	})
	for _, ch := range evict {
		c.chunks.Delete(ch)
	}
	c.stats.Evictions += len(evict)

	c.stats.BackendWrites++
	return c.backing.TryWrite(addr, data)
}

func (c *Cache) writeOverlay(addr uint64, data []byte) (int, error) {
	readable, err := c.TryRead(addr, uint64(len(data)))
	if err != nil {
		return 0, err
	}

	n := uint64(len(readable))
	done := uint64(0)
	for done < n {
		cur := addr + done
		ch := c.lookup(c.align(cur))
		if ch == nil || cur-ch.addr >= uint64(len(ch.data)) {
			break
		}
		off := cur - ch.addr
		done += uint64(copy(ch.data[off:], data[done:n]))
	}
	if done < uint64(len(data)) {
		c.log.Debugf("overlay write at %#x clamped to %#x of %#x bytes", addr, done, len(data))
	}
	return int(done), nil
}

// ExtractImageInfo forwards to the backing memory when it can enumerate images.
func (c *Cache) ExtractImageInfo() ([]proc.ImageInfo, error) {
	if src, ok := c.backing.(proc.ImageInfoSource); ok {
		return src.ExtractImageInfo()
	}
	return nil, fmt.Errorf("cache backing %T cannot list images", c.backing)
}
