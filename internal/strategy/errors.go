package strategy

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientData means the history is shorter than the strategy needs.
	ErrInsufficientData = errors.New("insufficient price history")
	// ErrInvalidPrice flags a zero, negative or non-finite price.
	ErrInvalidPrice = errors.New("invalid price")
	// ErrDuplicateTimestamp flags two samples sharing a timestamp.
	ErrDuplicateTimestamp = errors.New("duplicate timestamp")
	// ErrUnorderedTimestamps flags a sample older than its predecessor.
	ErrUnorderedTimestamps = errors.New("timestamps not increasing")
)

// DataError describes why a price series could not be evaluated.
type DataError struct {
	Kind   error
	Index  int
	Detail string
}

func (e *DataError) Error() string {
	if e.Detail == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *DataError) Unwrap() error { return e.Kind }

func insufficient(required, available int) error {
	return &DataError{
		Kind:   ErrInsufficientData,
		Index:  available,
		Detail: fmt.Sprintf("required %d, available %d", required, available),
	}
}
