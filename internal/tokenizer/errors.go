package tokenizer

import (
	"errors"
	"fmt"
)

// ErrUnencodable is wrapped by TokenizeError when a piece of text has no
// token, no byte fallback and the vocabulary has no unknown token.
var ErrUnencodable = errors.New("text cannot be encoded")

// TokenizeError reports input that no tokenizer path can represent.
type TokenizeError struct {
	Piece  string
	Offset int
	Err    error
}

func (e *TokenizeError) Error() string {
	return fmt.Sprintf("tokenize: piece %q at byte %d: %v", e.Piece, e.Offset, e.Err)
}

func (e *TokenizeError) Unwrap() error { return e.Err }
