package cpu

import (
	"sync"
	"sync/atomic"

	"github.com/23skdu/longbow-tllama/internal/metrics"
)

// Pool is a fixed set of worker goroutines shared by every session in the
// process. Work is handed out as index ranges; the calling goroutine always
// takes part, so a saturated or closed pool degrades to inline execution
// instead of blocking.
type Pool struct {
	workers int
	helpers chan func()
	quit    chan struct{}
	wg      sync.WaitGroup
	closed  atomic.Bool
}

// NewPool starts workers-1 helper goroutines; the caller is the last worker.
func NewPool(workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	p := &Pool{
		workers: workers,
		helpers: make(chan func(), workers*4),
		quit:    make(chan struct{}),
	}
	for i := 0; i < workers-1; i++ {
		p.wg.Add(1)
		go p.loop()
	}
	return p
}

func (p *Pool) loop() {
	defer p.wg.Done()
	for {
		select {
		case fn := <-p.helpers:
			fn()
		case <-p.quit:
			return
		}
	}
}

// Workers reports the degree of parallelism.
func (p *Pool) Workers() int {
	if p == nil {
		return 1
	}
	return p.workers
}

// For runs fn over [0, n) split into contiguous chunks of at least grain
// items and returns when every chunk is done. Chunks never overlap, so fn
// may write to disjoint output ranges without locking.
func (p *Pool) For(n, grain int, fn func(start, end int)) {
	if n <= 0 {
		return
	}
	if grain < 1 {
		grain = 1
	}
	if p == nil || p.workers == 1 || n <= grain || p.closed.Load() {
		fn(0, n)
		return
	}

	chunks := p.workers * 4
	size := (n + chunks - 1) / chunks
	if size < grain {
		size = grain
	}
	chunks = (n + size - 1) / size

	var next atomic.Int64
	work := func() {
		for {
			c := int(next.Add(1) - 1)
			if c >= chunks {
				return
			}
			start := c * size
			end := min(start+size, n)
			fn(start, end)
		}
	}

	// Helpers that are dequeued after the caller finished see done and
	// return without touching fn; only helpers that started are awaited.
	var (
		mu      sync.Mutex
		done    bool
		running sync.WaitGroup
	)
	helper := func() {
		mu.Lock()
		if done {
			mu.Unlock()
			return
		}
		running.Add(1)
		mu.Unlock()
		defer running.Done()
		work()
	}

	helpers := min(p.workers-1, chunks-1)
	for i := 0; i < helpers; i++ {
		select {
		case p.helpers <- helper:
		default:
		}
	}
	metrics.PoolTasks.Add(float64(chunks))

	work()
	mu.Lock()
	done = true
	mu.Unlock()
	running.Wait()
}

// Close stops the helpers. Later calls to For run inline.
func (p *Pool) Close() {
	if p == nil || !p.closed.CompareAndSwap(false, true) {
		return
	}
	close(p.quit)
	p.wg.Wait()
}
