// Package ollama reads models pulled by an ollama installation.
package ollama

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const (
	DefaultHost      = "registry.ollama.ai"
	DefaultNamespace = "library"
	DefaultTag       = "latest"

	MediaTypeModel    = "application/vnd.ollama.image.model"
	MediaTypeTemplate = "application/vnd.ollama.image.template"
	MediaTypeSystem   = "application/vnd.ollama.image.system"
)

var ErrNotFound = errors.New("ollama model not found")

type Manifest struct {
	SchemaVersion int     `json:"schemaVersion"`
	Layers        []Layer `json:"layers"`
}

type Layer struct {
	MediaType string `json:"mediaType"`
	Digest    string `json:"digest"`
	Size      int64  `json:"size"`
}

func (m *Manifest) layer(mediaType string) (Layer, bool) {
	for _, l := range m.Layers {
		if l.MediaType == mediaType {
			return l, true
		}
	}
	return Layer{}, false
}

// Size is the total size of all layers.
func (m *Manifest) Size() int64 {
	var n int64
	for _, l := range m.Layers {
		n += l.Size
	}
	return n
}

// Model is a pulled model: its GGUF blob and the prompt template and system
// prompt layers when present.
type Model struct {
	Name     string
	Path     string
	Size     int64
	Template string
	System   string
}

// GetOllamaDir returns $OLLAMA_MODELS or ~/.ollama/models.
func GetOllamaDir() (string, error) {
	if env := os.Getenv("OLLAMA_MODELS"); env != "" {
		return env, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".ollama", "models"), nil
}

// Name is a parsed model reference such as "llama3", "llama3:8b" or
// "example.com/team/model:tag".
type Name struct {
	Host      string
	Namespace string
	Model     string
	Tag       string
}

func ParseName(s string) (Name, error) {
	n := Name{Host: DefaultHost, Namespace: DefaultNamespace, Tag: DefaultTag}
	if i := strings.LastIndex(s, ":"); i > strings.LastIndex(s, "/") {
		n.Tag = s[i+1:]
		s = s[:i]
	}
	parts := strings.Split(s, "/")
	switch len(parts) {
	case 1:
		n.Model = parts[0]
	case 2:
		n.Namespace, n.Model = parts[0], parts[1]
	case 3:
		n.Host, n.Namespace, n.Model = parts[0], parts[1], parts[2]
	default:
		return Name{}, fmt.Errorf("invalid ollama model name %q", s)
	}
	if n.Model == "" || n.Tag == "" || n.Namespace == "" || n.Host == "" {
		return Name{}, fmt.Errorf("invalid ollama model name %q", s)
	}
	return n, nil
}

// String is the short display form: library models drop host and namespace.
func (n Name) String() string {
	switch {
	case n.Host == DefaultHost && n.Namespace == DefaultNamespace:
		return n.Model + ":" + n.Tag
	case n.Host == DefaultHost:
		return n.Namespace + "/" + n.Model + ":" + n.Tag
	default:
		return n.Host + "/" + n.Namespace + "/" + n.Model + ":" + n.Tag
	}
}

func (n Name) manifestPath(baseDir string) string {
	return filepath.Join(baseDir, "manifests", n.Host, n.Namespace, n.Model, n.Tag)
}

// Resolve finds the model called name under baseDir.
func Resolve(baseDir, name string) (Model, error) {
	n, err := ParseName(name)
	if err != nil {
		return Model{}, err
	}
	return load(baseDir, n.manifestPath(baseDir), n)
}

// ResolveModelPath finds the GGUF blob of name in the default store.
func ResolveModelPath(name string) (string, error) {
	dir, err := GetOllamaDir()
	if err != nil {
		return "", err
	}
	m, err := Resolve(dir, name)
	if err != nil {
		return "", err
	}
	return m.Path, nil
}

func load(baseDir, manifestPath string, n Name) (Model, error) {
	data, err := os.ReadFile(manifestPath)
	if errors.Is(err, fs.ErrNotExist) {
		return Model{}, fmt.Errorf("%w: %s", ErrNotFound, n)
	}
	if err != nil {
		return Model{}, err
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Model{}, fmt.Errorf("manifest %s: %w", manifestPath, err)
	}

	layer, ok := m.layer(MediaTypeModel)
	if !ok {
		return Model{}, fmt.Errorf("manifest %s: no model layer", manifestPath)
	}
	blob := blobPath(baseDir, layer.Digest)
	if _, err := os.Stat(blob); err != nil {
		return Model{}, fmt.Errorf("%w: blob %s: %v", ErrNotFound, blob, err)
	}

	model := Model{Name: n.String(), Path: blob, Size: m.Size()}
	if l, ok := m.layer(MediaTypeTemplate); ok {
		if b, err := os.ReadFile(blobPath(baseDir, l.Digest)); err == nil {
			model.Template = string(b)
		}
	}
	if l, ok := m.layer(MediaTypeSystem); ok {
		if b, err := os.ReadFile(blobPath(baseDir, l.Digest)); err == nil {
			model.System = string(b)
		}
	}
	return model, nil
}

// blobPath maps "sha256:hash" to blobs/sha256-hash.
func blobPath(baseDir, digest string) string {
	return filepath.Join(baseDir, "blobs", strings.Replace(digest, ":", "-", 1))
}

// List returns every model with a readable manifest and blob under
// baseDir. Broken manifests are skipped.
func List(baseDir string) ([]Model, error) {
	root := filepath.Join(baseDir, "manifests")
	var models []Model
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		parts := strings.Split(filepath.ToSlash(rel), "/")
		if len(parts) != 4 {
			return nil
		}
		n := Name{Host: parts[0], Namespace: parts[1], Model: parts[2], Tag: parts[3]}
		if m, err := load(baseDir, path, n); err == nil {
			models = append(models, m)
		}
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return models, err
}
