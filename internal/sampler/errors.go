package sampler

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfig is wrapped by configuration validation failures.
	ErrInvalidConfig = errors.New("invalid sampling configuration")
	// ErrNonFiniteLogits is wrapped when the forward pass produced no
	// usable distribution.
	ErrNonFiniteLogits = errors.New("non-finite logits")
)

// GenerationError is raised by the decode loop: bad sampling parameters,
// unusable logits or a failed forward step.
type GenerationError struct {
	// Param names the offending parameter for configuration errors.
	Param string
	// Step is the number of tokens generated before the failure.
	Step int
	Err  error
}

func (e *GenerationError) Error() string {
	switch {
	case e.Param != "":
		return fmt.Sprintf("generation: %s: %v", e.Param, e.Err)
	case e.Step > 0:
		return fmt.Sprintf("generation failed after %d tokens: %v", e.Step, e.Err)
	default:
		return fmt.Sprintf("generation: %v", e.Err)
	}
}

func (e *GenerationError) Unwrap() error { return e.Err }

func invalid(param, format string, args ...any) error {
	return &GenerationError{
		Param: param,
		Err:   fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...)),
	}
}
