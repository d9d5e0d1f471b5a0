// Package modelpool keeps loaded models shared between requests.
package modelpool

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/23skdu/longbow-tllama/internal/cpu"
	"github.com/23skdu/longbow-tllama/internal/discover"
	"github.com/23skdu/longbow-tllama/internal/engine"
	"github.com/23skdu/longbow-tllama/internal/logger"
	"github.com/23skdu/longbow-tllama/internal/metrics"
	"github.com/23skdu/longbow-tllama/internal/model"
	"github.com/23skdu/longbow-tllama/internal/quant"
	"github.com/23skdu/longbow-tllama/internal/template"
)

var (
	ErrClosed    = errors.New("model pool closed")
	ErrNotLoaded = errors.New("model not loaded")
)

// Entry is a loaded model with everything a session needs from it. Every
// Entry returned by Get holds a reference; call Release when done.
type Entry struct {
	Name     string
	Info     discover.Model
	Model    *model.Model
	Engine   *engine.Engine
	Template *template.Template
	// System is the default system prompt shipped with the model.
	System string

	pool *Pool
	// guarded by pool.mu
	refs    int
	evicted bool
}

// Release drops the reference taken by Get. The model is unmapped once it
// has been unloaded and the last reference is gone.
func (e *Entry) Release() {
	p := e.pool
	p.mu.Lock()
	if e.refs <= 0 {
		p.mu.Unlock()
		panic("modelpool: entry released more often than acquired")
	}
	e.refs--
	last := e.refs == 0 && e.evicted
	p.mu.Unlock()
	if last {
		if err := e.unmap(); err != nil {
			logger.Log.Warn("model unmap failed", "model", e.Name, "error", err)
		}
	}
}

func (e *Entry) unmap() error {
	logger.Log.Info("model unloaded", "model", e.Name)
	return e.Model.Close()
}

// Resolver maps a model name to a file.
type Resolver func(ctx context.Context, name string) (discover.Model, error)

type Option func(*Pool)

// WithCacheKind sets the storage kind for the key/value caches of every
// engine the pool builds.
func WithCacheKind(k quant.Kind) Option {
	return func(p *Pool) { p.cacheKind = k }
}

type Pool struct {
	resolve   Resolver
	cpu       *cpu.Pool
	cacheKind quant.Kind

	mu      sync.Mutex
	entries map[string]*Entry
	closed  bool
	group   singleflight.Group
}

func New(resolve Resolver, workers *cpu.Pool, opts ...Option) *Pool {
	p := &Pool{
		resolve:   resolve,
		cpu:       workers,
		cacheKind: quant.F16,
		entries:   make(map[string]*Entry),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Get returns the model called name, loading it on first use. Concurrent
// callers asking for the same model share one load.
func (p *Pool) Get(ctx context.Context, name string) (*Entry, error) {
	for {
		e, err := p.acquire(name)
		if err != nil || e != nil {
			return e, err
		}
		_, err, _ = p.group.Do(name, func() (any, error) {
			p.mu.Lock()
			_, ok := p.entries[name]
			p.mu.Unlock()
			if ok {
				return nil, nil
			}

			info, err := p.resolve(ctx, name)
			if err != nil {
				return nil, err
			}
			e, err := p.load(name, info)
			if err != nil {
				return nil, err
			}

			p.mu.Lock()
			defer p.mu.Unlock()
			if p.closed {
				_ = e.Model.Close()
				return nil, ErrClosed
			}
			p.entries[name] = e
			metrics.ModelsLoaded.Inc()
			return nil, nil
		})
		if err != nil {
			return nil, err
		}
		// Loaded; an Unload racing with us sends us round again.
	}
}

// acquire references a loaded entry. It returns nil, nil when name is not
// loaded.
func (p *Pool) acquire(name string) (*Entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	e, ok := p.entries[name]
	if !ok {
		return nil, nil
	}
	e.refs++
	return e, nil
}

func (p *Pool) load(name string, info discover.Model) (*Entry, error) {
	m, err := model.Load(info.Path)
	if err != nil {
		return nil, err
	}

	tmpl := template.ForModel(m.ChatTemplate)
	if info.Template != "" {
		if t, err := template.Parse(info.Template); err == nil {
			tmpl = t
		} else {
			logger.Log.Warn("model template rejected, using GGUF template", "model", name, "error", err)
		}
	}
	eng := engine.New(m, p.cpu, engine.WithCacheKind(p.cacheKind))
	logger.Log.Info("model ready",
		"model", name,
		"path", info.Path,
		"template", tmpl.Name(),
		"kv_cache", strings.ToLower(eng.CacheKind().String()))
	return &Entry{
		Name:     name,
		Info:     info,
		Model:    m,
		Engine:   eng,
		Template: tmpl,
		System:   info.System,
		pool:     p,
	}, nil
}

// Unload forgets the model called name. Sessions still holding it keep it
// mapped until they release it; the next Get loads it afresh.
func (p *Pool) Unload(name string) error {
	p.mu.Lock()
	e, ok := p.entries[name]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotLoaded, name)
	}
	delete(p.entries, name)
	metrics.ModelsLoaded.Dec()
	e.evicted = true
	busy := e.refs
	p.mu.Unlock()

	if busy > 0 {
		logger.Log.Info("model unload waits for sessions", "model", name, "sessions", busy)
		return nil
	}
	return e.unmap()
}

// Loaded lists the names of loaded models.
func (p *Pool) Loaded() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.entries))
	for n := range p.entries {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Entries lists the loaded models by name without referencing them; only
// the descriptive fields are safe to read.
func (p *Pool) Entries() []*Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Entry, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b *Entry) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Close unloads every model. Models still referenced are unmapped when
// their last holder releases them.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	var idle []*Entry
	for name, e := range p.entries {
		e.evicted = true
		if e.refs == 0 {
			idle = append(idle, e)
		}
		metrics.ModelsLoaded.Dec()
		delete(p.entries, name)
	}
	p.mu.Unlock()

	var errs []error
	for _, e := range idle {
		if err := e.unmap(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
