package framework

import (
	"fmt"
	"strings"
)

// AggregatedError collects the errors of parts stopped together, like the
// Runnables of a Runner or the devices released at shutdown.
type AggregatedError struct {
	Errors []error
}

// Error lists the collected errors, one per line.
func (e *AggregatedError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d errors:", len(e.Errors))
	for _, err := range e.Errors {
		sb.WriteString("\n  ")
		sb.WriteString(err.Error())
	}
	return sb.String()
}

// Unwrap exposes every collected error to errors.Is and errors.As.
func (e *AggregatedError) Unwrap() []error {
	return e.Errors
}

// Add collects errors, skipping nil.
func (e *AggregatedError) Add(errs ...error) *AggregatedError {
	for _, err := range errs {
		if err != nil {
			e.Errors = append(e.Errors, err)
		}
	}
	return e
}

// AddFrom collects err prefixed by the part it came from.
func (e *AggregatedError) AddFrom(part string, err error) *AggregatedError {
	if err != nil {
		e.Errors = append(e.Errors, fmt.Errorf("%s: %w", part, err))
	}
	return e
}

// Aggregate returns nil when nothing was collected, the error itself when
// only one was, and e otherwise.
func (e *AggregatedError) Aggregate() error {
	switch len(e.Errors) {
	case 0:
		return nil
	case 1:
		return e.Errors[0]
	}
	return e
}
