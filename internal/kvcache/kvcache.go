package kvcache

import (
	"errors"
	"fmt"

	"github.com/23skdu/longbow-tllama/internal/metrics"
	"github.com/23skdu/longbow-tllama/internal/quant"
)

// ErrCapacity matches every *CapacityError.
var ErrCapacity = errors.New("kv cache capacity exceeded")

// CapacityError reports an append past the end of the cache.
type CapacityError struct {
	Layer int
	Len   int
	Cap   int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("kv cache full: layer %d at position %d of %d", e.Layer, e.Len, e.Cap)
}

func (e *CapacityError) Is(target error) bool {
	return target == ErrCapacity
}

// Cache stores the attention keys and values of one session. Positions are
// appended per layer during a forward step and become visible to the next
// step on Commit. Entries are packed with a quant.Kind, so a cache may hold
// F16 or Q8_0 rows instead of F32. A Cache is not safe for concurrent
// mutation; concurrent Read calls between mutations are fine.
type Cache struct {
	layers   int
	maxCtx   int
	kvDim    int
	kind     quant.Kind
	rowBytes int

	// per layer, position-major [pos*rowBytes : (pos+1)*rowBytes]
	k, v [][]byte

	n       int
	pending []int
	closed  bool
}

// New creates an empty cache for maxCtx positions of kvDim values, packed
// as kind. Buffers grow as positions are written, up to the fixed capacity.
func New(layers, maxCtx, kvDim int, kind quant.Kind) (*Cache, error) {
	if layers <= 0 || maxCtx <= 0 || kvDim <= 0 {
		return nil, fmt.Errorf("invalid kv cache geometry: layers=%d ctx=%d kv_dim=%d", layers, maxCtx, kvDim)
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("invalid kv cache type %s", kind)
	}
	if kvDim%kind.BlockSize() != 0 {
		return nil, fmt.Errorf("kv cache type %s needs a width divisible by %d, have %d", kind, kind.BlockSize(), kvDim)
	}
	c := &Cache{
		layers:   layers,
		maxCtx:   maxCtx,
		kvDim:    kvDim,
		kind:     kind,
		rowBytes: kind.RowBytes(kvDim),
		k:        make([][]byte, layers),
		v:        make([][]byte, layers),
		pending:  make([]int, layers),
	}
	metrics.RecordKVCacheAlloc(c.Bytes())
	return c, nil
}

// Len is the number of committed positions.
func (c *Cache) Len() int { return c.n }

// Cap is the maximum number of positions.
func (c *Cache) Cap() int { return c.maxCtx }

func (c *Cache) Layers() int { return c.layers }

func (c *Cache) KVDim() int { return c.kvDim }

// Kind is the packing of the stored rows.
func (c *Cache) Kind() quant.Kind { return c.kind }

// Bytes is the size of the cache at full capacity.
func (c *Cache) Bytes() int64 {
	return c.bytesFor(c.maxCtx)
}

// UsedBytes is the size of the committed positions.
func (c *Cache) UsedBytes() int64 {
	return c.bytesFor(c.n)
}

func (c *Cache) bytesFor(n int) int64 {
	return int64(c.layers) * 2 * int64(n) * int64(c.rowBytes)
}

// Remaining is the number of positions that can still be committed.
func (c *Cache) Remaining() int { return c.maxCtx - c.n }

// Append writes one position for layer after the committed prefix and the
// positions already pending for that layer.
func (c *Cache) Append(layer int, k, v []float32) error {
	if layer < 0 || layer >= c.layers {
		return fmt.Errorf("kv cache: layer %d out of range [0,%d)", layer, c.layers)
	}
	if len(k) != c.kvDim || len(v) != c.kvDim {
		return fmt.Errorf("kv cache: entry width %d/%d, want %d", len(k), len(v), c.kvDim)
	}
	pos := c.n + c.pending[layer]
	if pos >= c.maxCtx {
		return &CapacityError{Layer: layer, Len: pos, Cap: c.maxCtx}
	}
	off, end := pos*c.rowBytes, (pos+1)*c.rowBytes
	c.k[layer] = extend(c.k[layer], end)
	c.v[layer] = extend(c.v[layer], end)
	c.kind.QuantizeTo(c.k[layer][off:end], k)
	c.kind.QuantizeTo(c.v[layer][off:end], v)
	c.pending[layer]++
	return nil
}

func extend(b []byte, n int) []byte {
	if n <= len(b) {
		return b
	}
	return append(b, make([]byte, n-len(b))...)
}

// Pending is the number of uncommitted positions of layer.
func (c *Cache) Pending(layer int) int {
	return c.pending[layer]
}

// Commit publishes the pending positions. Every layer must have appended
// the same number of positions.
func (c *Cache) Commit() error {
	p := c.pending[0]
	for l, n := range c.pending {
		if n != p {
			return fmt.Errorf("kv cache: uneven commit, layer 0 has %d pending, layer %d has %d", p, l, n)
		}
	}
	c.n += p
	clear(c.pending)
	metrics.RecordKVCacheUsage(c.bytesFor(p))
	return nil
}

// Rollback discards pending positions.
func (c *Cache) Rollback() {
	clear(c.pending)
}

// Read returns the keys and values of layer for every committed position
// plus those pending in the current step. The views alias the cache and
// are invalidated by the next mutation.
func (c *Cache) Read(layer int) (k, v View) {
	n := c.n + c.pending[layer]
	end := n * c.rowBytes
	return View{c.kind, c.k[layer][:end], c.rowBytes, n},
		View{c.kind, c.v[layer][:end], c.rowBytes, n}
}

// Truncate keeps the first n committed positions and drops pending ones.
func (c *Cache) Truncate(n int) error {
	if n < 0 || n > c.n {
		return fmt.Errorf("kv cache: cannot truncate to %d, have %d", n, c.n)
	}
	c.Rollback()
	metrics.RecordKVCacheUsage(-c.bytesFor(c.n - n))
	c.n = n
	return nil
}

// Reset empties the cache, keeping its buffers.
func (c *Cache) Reset() {
	_ = c.Truncate(0)
}

// Release drops the buffers. The cache is empty afterwards and may be
// reused, but its capacity is no longer accounted for.
func (c *Cache) Release() {
	if c.closed {
		return
	}
	c.Reset()
	for l := range c.k {
		c.k[l], c.v[l] = nil, nil
	}
	c.closed = true
	metrics.RecordKVCacheAlloc(-c.Bytes())
}

// View is one layer's keys or values, position-major. Element offsets and
// widths passed to its methods must be multiples of the kind's block size.
type View struct {
	kind   quant.Kind
	data   []byte
	stride int
	n      int
}

// Len is the number of positions in the view.
func (v View) Len() int { return v.n }

// Dot returns the dot product of x with the len(x) values of position pos
// starting at element off, without unpacking them.
func (v View) Dot(pos, off int, x []float32) float32 {
	start := pos*v.stride + v.kind.RowBytes(off)
	return v.kind.Dot(v.data[start:start+v.kind.RowBytes(len(x))], x)
}

// Row unpacks the len(dst) values of position pos starting at element off.
func (v View) Row(pos, off int, dst []float32) {
	start := pos*v.stride + v.kind.RowBytes(off)
	v.kind.DequantizeBlock(dst, v.data[start:start+v.kind.RowBytes(len(dst))])
}
