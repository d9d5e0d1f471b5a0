package openai

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/23skdu/longbow-tllama/internal/discover"
	"github.com/23skdu/longbow-tllama/internal/kvcache"
	"github.com/23skdu/longbow-tllama/internal/sampler"
	"github.com/23skdu/longbow-tllama/internal/tokenizer"
)

const (
	TypeInvalidRequest = "invalid_request_error"
	TypeNotFound       = "not_found_error"
	TypeAPI            = "api_error"
	TypeOverloaded     = "overloaded_error"
)

// RequestError is a failure reported to an API client.
type RequestError struct {
	Status  int     `json:"-"`
	Message string  `json:"message"`
	Type    string  `json:"type"`
	Param   any     `json:"param"`
	Code    *string `json:"code"`
}

func (e *RequestError) Error() string {
	if p, ok := e.Param.(string); ok && p != "" {
		return fmt.Sprintf("%s: %s", p, e.Message)
	}
	return e.Message
}

type ErrorResponse struct {
	Error *RequestError `json:"error"`
	// Partial carries what a generation produced before it failed.
	Partial *Partial `json:"partial,omitempty"`
}

type Partial struct {
	Content string `json:"content"`
	Usage   Usage  `json:"usage"`
}

func NewError(status int, message string) *RequestError {
	var etype string
	switch status {
	case http.StatusBadRequest:
		etype = TypeInvalidRequest
	case http.StatusNotFound:
		etype = TypeNotFound
	case http.StatusServiceUnavailable:
		etype = TypeOverloaded
	default:
		etype = TypeAPI
	}
	return &RequestError{Status: status, Message: message, Type: etype}
}

// Invalid reports a bad value for param.
func Invalid(param, format string, args ...any) *RequestError {
	e := NewError(http.StatusBadRequest, fmt.Sprintf(format, args...))
	e.Param = param
	return e
}

func withCode(e *RequestError, code string) *RequestError {
	e.Code = &code
	return e
}

// FromError maps an error out of the model pool or the decode loop to the
// error shown to the client.
func FromError(err error) *RequestError {
	var re *RequestError
	if errors.As(err, &re) {
		return re
	}
	var nf *discover.NotFoundError
	if errors.As(err, &nf) {
		e := withCode(NewError(http.StatusNotFound, nf.Error()), "model_not_found")
		e.Param = "model"
		return e
	}
	var ge *sampler.GenerationError
	if errors.As(err, &ge) && ge.Param != "" {
		return Invalid(ge.Param, "%v", ge.Err)
	}
	// a prompt that does not fit; capacity errors during decoding are
	// handled by the overflow policy and never get here
	if errors.Is(err, kvcache.ErrCapacity) {
		return withCode(Invalid("messages", "%v", err), "context_length_exceeded")
	}
	var te *tokenizer.TokenizeError
	if errors.As(err, &te) {
		return Invalid("messages", "%v", err)
	}
	return NewError(http.StatusInternalServerError, err.Error())
}
