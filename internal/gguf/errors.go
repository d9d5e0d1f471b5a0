package gguf

import (
	"errors"
	"fmt"
)

// Load failure classes. A *LoadError always wraps exactly one of these.
var (
	ErrBadMagic              = errors.New("bad magic")
	ErrUnsupportedVersion    = errors.New("unsupported version")
	ErrTruncated             = errors.New("truncated data")
	ErrUnknownQuantKind      = errors.New("unknown quantization kind")
	ErrShapeMismatch         = errors.New("shape mismatch")
	ErrMissingTensor         = errors.New("missing tensor")
	ErrMissingHyperparameter = errors.New("missing hyperparameter")
	ErrUnsupportedModel      = errors.New("unsupported architecture")
)

// LoadError reports why a checkpoint could not be loaded.
type LoadError struct {
	Kind   error  // one of the Err* sentinels above
	Path   string // file path, empty for in-memory sources
	Detail string
	Err    error // underlying cause, may be nil
}

func (e *LoadError) Error() string {
	msg := "load"
	if e.Path != "" {
		msg += " " + e.Path
	}
	msg += ": " + e.Kind.Error()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *LoadError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewLoadError builds a LoadError of the given class.
func NewLoadError(kind error, format string, args ...any) *LoadError {
	return &LoadError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// WithPath returns a copy of err with Path set when it is a *LoadError.
func WithPath(err error, path string) error {
	if err == nil {
		return nil
	}
	var le *LoadError
	if errors.As(err, &le) {
		cp := *le
		cp.Path = path
		return &cp
	}
	return err
}

var classes = []struct {
	err  error
	name string
}{
	{ErrBadMagic, "bad_magic"},
	{ErrUnsupportedVersion, "unsupported_version"},
	{ErrTruncated, "truncated"},
	{ErrUnknownQuantKind, "unknown_quant_kind"},
	{ErrShapeMismatch, "shape_mismatch"},
	{ErrMissingTensor, "missing_tensor"},
	{ErrMissingHyperparameter, "missing_hyperparameter"},
	{ErrUnsupportedModel, "unsupported_model"},
}

// Class is a short label for the failure class of err, used as a metric
// label. Errors that are not load errors report "io".
func Class(err error) string {
	for _, c := range classes {
		if errors.Is(err, c.err) {
			return c.name
		}
	}
	return "io"
}
