package operation

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidRange = errors.New("invalid range")
	ErrInvalidValue = errors.New("invalid value")
)

// RangeError reports a text range that does not fit the field it targets.
type RangeError struct {
	Field       Field
	Start       int
	Length      int
	FieldLength int
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("invalid range: [%d,%d) on %s of length %d", e.Start, e.Start+e.Length, e.Field, e.FieldLength)
}

func (e *RangeError) Is(target error) bool {
	return target == ErrInvalidRange
}

// ValueError reports a value outside a field's domain.
type ValueError struct {
	Field  Field
	Value  string
	Reason string
}

func (e *ValueError) Error() string {
	return fmt.Sprintf("invalid value for %s: %s", e.Field, e.Reason)
}

func (e *ValueError) Is(target error) bool {
	return target == ErrInvalidValue
}
