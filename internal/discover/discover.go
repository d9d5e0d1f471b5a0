// Package discover finds GGUF checkpoints on the local machine.
package discover

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"sync"

	"github.com/agnivade/levenshtein"
	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-tllama/internal/config"
	"github.com/23skdu/longbow-tllama/internal/gguf"
	"github.com/23skdu/longbow-tllama/internal/logger"
	"github.com/23skdu/longbow-tllama/internal/ollama"
)

const (
	SourcePath        = "path"
	SourceOllama      = "ollama"
	SourceHuggingFace = "huggingface"
)

type Model struct {
	Name   string
	Path   string
	Size   int64
	Source string
	// Template is a Go prompt template shipped with the model, if any.
	Template string
	System   string
}

type Options struct {
	// Paths are searched recursively for .gguf files.
	Paths     []string
	OllamaDir string
	HFDir     string
	// All adds the HuggingFace cache.
	All     bool
	MinSize int64
	// Concurrency bounds the header checks, 0 for GOMAXPROCS.
	Concurrency int
}

// DefaultOptions searches the configured model paths, ./models and the
// ollama store.
func DefaultOptions(s config.Settings) Options {
	opts := Options{
		Paths:   append(slices.Clone(s.ModelPaths), "models"),
		MinSize: s.DiscoverMinSize,
	}
	if dir, err := ollama.GetOllamaDir(); err == nil {
		opts.OllamaDir = dir
	}
	opts.HFDir = os.Getenv("HF_HOME")
	if opts.HFDir == "" {
		if dir, err := os.UserCacheDir(); err == nil {
			opts.HFDir = filepath.Join(dir, "huggingface")
		}
	}
	if opts.HFDir != "" {
		opts.HFDir = filepath.Join(opts.HFDir, "hub")
	}
	return opts
}

// Scan lists every model reachable through opts, sorted by name. A file
// counts as a model when it is at least MinSize bytes and starts with a
// valid GGUF header.
func Scan(ctx context.Context, opts Options) ([]Model, error) {
	var candidates []Model
	for _, root := range opts.Paths {
		candidates = append(candidates, walk(root, SourcePath, opts.MinSize, func(rel string) string {
			return strings.TrimSuffix(filepath.Base(rel), filepath.Ext(rel))
		})...)
	}
	if opts.All && opts.HFDir != "" {
		candidates = append(candidates, walk(opts.HFDir, SourceHuggingFace, opts.MinSize, hfName)...)
	}

	limit := opts.Concurrency
	if limit <= 0 {
		limit = runtime.GOMAXPROCS(0)
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	var mu sync.Mutex
	var found []Model
	for _, c := range candidates {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if !isGGUF(c.Path) {
				return nil
			}
			mu.Lock()
			found = append(found, c)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if opts.OllamaDir != "" {
		pulled, err := ollama.List(opts.OllamaDir)
		if err != nil {
			logger.Log.Warn("ollama store unreadable", "dir", opts.OllamaDir, "error", err)
		}
		for _, m := range pulled {
			if m.Size < opts.MinSize || !isGGUF(m.Path) {
				continue
			}
			found = append(found, Model{
				Name:     m.Name,
				Path:     m.Path,
				Size:     m.Size,
				Source:   SourceOllama,
				Template: m.Template,
				System:   m.System,
			})
		}
	}

	slices.SortFunc(found, func(a, b Model) int {
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return strings.Compare(a.Path, b.Path)
	})
	found = slices.CompactFunc(found, func(a, b Model) bool { return a.Path == b.Path })
	logger.Log.Debug("discovery finished", "candidates", len(candidates), "models", len(found))
	return found, nil
}

// walk collects .gguf files of at least minSize under root. Missing roots
// are skipped silently.
func walk(root, source string, minSize int64, name func(rel string) string) []Model {
	var out []Model
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() && path != root {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if base := d.Name(); path != root && (strings.HasPrefix(base, ".") || base == "node_modules") {
				return fs.SkipDir
			}
			return nil
		}
		if !strings.EqualFold(filepath.Ext(path), ".gguf") {
			return nil
		}
		// HuggingFace snapshots are symlinks into blobs
		info, err := os.Stat(path)
		if err != nil || info.Size() < minSize {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			rel = path
		}
		out = append(out, Model{Name: name(rel), Path: path, Size: info.Size(), Source: source})
		return nil
	})
	return out
}

// hfName turns models--owner--repo/snapshots/<rev>/file.gguf into
// owner/repo/file.
func hfName(rel string) string {
	parts := strings.Split(filepath.ToSlash(rel), "/")
	file := strings.TrimSuffix(parts[len(parts)-1], filepath.Ext(parts[len(parts)-1]))
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "models--") {
		return file
	}
	repo := strings.ReplaceAll(strings.TrimPrefix(parts[0], "models--"), "--", "/")
	return repo + "/" + file
}

func isGGUF(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	_, err = gguf.ReadHeader(f)
	return err == nil
}

// NotFoundError reports an unknown model name with the closest known name.
type NotFoundError struct {
	Name       string
	Suggestion string
}

func (e *NotFoundError) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("model %q not found, did you mean %q?", e.Name, e.Suggestion)
	}
	return fmt.Sprintf("model %q not found", e.Name)
}

// Resolve maps a user supplied model reference to a model: an existing file
// path, an ollama name or the name of a discovered model.
func Resolve(ctx context.Context, name string, opts Options) (Model, error) {
	if info, err := os.Stat(name); err == nil && !info.IsDir() {
		if !isGGUF(name) {
			return Model{}, gguf.WithPath(gguf.NewLoadError(gguf.ErrBadMagic, "not a GGUF file"), name)
		}
		return Model{
			Name:   strings.TrimSuffix(filepath.Base(name), filepath.Ext(name)),
			Path:   name,
			Size:   info.Size(),
			Source: SourcePath,
		}, nil
	}

	if opts.OllamaDir != "" {
		m, err := ollama.Resolve(opts.OllamaDir, name)
		if err == nil {
			return Model{Name: m.Name, Path: m.Path, Size: m.Size, Source: SourceOllama, Template: m.Template, System: m.System}, nil
		}
		if !errors.Is(err, ollama.ErrNotFound) {
			logger.Log.Debug("ollama lookup failed", "name", name, "error", err)
		}
	}

	models, err := Scan(ctx, opts)
	if err != nil {
		return Model{}, err
	}
	for _, m := range models {
		if m.Name == name {
			return m, nil
		}
	}
	names := make([]string, len(models))
	for i, m := range models {
		names[i] = m.Name
	}
	return Model{}, &NotFoundError{Name: name, Suggestion: Suggest(name, names)}
}

// Suggest returns the candidate closest to name, or "" when nothing is
// reasonably close.
func Suggest(name string, candidates []string) string {
	best, score := "", -1
	for _, c := range candidates {
		d := levenshtein.ComputeDistance(strings.ToLower(name), strings.ToLower(c))
		if score < 0 || d < score {
			best, score = c, d
		}
	}
	if score < 0 || score > max(3, len(name)/2) {
		return ""
	}
	return best
}
