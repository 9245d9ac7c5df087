package tabular

import (
	"fmt"

	"github.com/go-faster/errors"
)

// ErrInvalidInput marks malformed input files and records.
var ErrInvalidInput = errors.New("invalid input")

// RowError reports a malformed record and where it was found.
type RowError struct {
	Line int
	Err  error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *RowError) Unwrap() error { return e.Err }

func (e *RowError) Is(target error) bool { return target == ErrInvalidInput }

// Invalidf builds a RowError for line.
func Invalidf(line int, format string, args ...any) error {
	return &RowError{Line: line, Err: errors.Errorf(format, args...)}
}
