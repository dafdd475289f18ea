package worker

import (
	"errors"
	"fmt"

	"github.com/salevine/scrape-edu/internal/crawler"
)

// ErrMissingEntity is returned by Run when the worker has no entity slug.
var ErrMissingEntity = errors.New("worker entity slug is required")

// PhaseError wraps a failure raised by one phase handler.
type PhaseError struct {
	Phase crawler.Phase
	Err   error
	// Panic holds the recovered value when the handler panicked.
	Panic any
}

func (e *PhaseError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("phase %s panicked: %v", e.Phase, e.Panic)
	}
	return fmt.Sprintf("phase %s: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}

// Message is the text recorded in the entity's error log.
func (e *PhaseError) Message() string {
	if e.Panic != nil {
		return fmt.Sprintf("panic: %v", e.Panic)
	}
	return e.Err.Error()
}
