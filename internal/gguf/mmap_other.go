//go:build !unix

package gguf

import (
	"errors"
	"os"
)

func mmapFile(*os.File, int64) ([]byte, func() error, error) {
	return nil, nil, errors.ErrUnsupported
}
