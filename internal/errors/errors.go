// Package errors holds the structured error types shared by the build
// pipeline and a collector for errors from failed rebuild passes.
package errors

import (
	"sync"
	"time"
)

// PassError is an error that aborted one transform pass.
type PassError struct {
	Pass      int
	Err       error
	Timestamp time.Time
}

// Error implements the error interface
func (pe *PassError) Error() string {
	return pe.Err.Error()
}

func (pe *PassError) Unwrap() error {
	return pe.Err
}

// ErrorCollector collects errors from failed passes, keeping at most limit entries.
type ErrorCollector struct {
	errors []PassError
	limit  int
	mutex  sync.RWMutex
}

// NewErrorCollector creates a new error collector. A limit <= 0 keeps every error.
func NewErrorCollector(limit int) *ErrorCollector {
	return &ErrorCollector{
		errors: make([]PassError, 0),
		limit:  limit,
	}
}

// Add records err for the given pass number. Nil errors are ignored.
func (ec *ErrorCollector) Add(pass int, err error) {
	if err == nil {
		return
	}
	ec.mutex.Lock()
	defer ec.mutex.Unlock()
	ec.errors = append(ec.errors, PassError{Pass: pass, Err: err, Timestamp: time.Now()})
	if ec.limit > 0 && len(ec.errors) > ec.limit {
		ec.errors = ec.errors[len(ec.errors)-ec.limit:]
	}
}

// GetErrors returns a copy of the collected errors, oldest first
func (ec *ErrorCollector) GetErrors() []PassError {
	ec.mutex.RLock()
	defer ec.mutex.RUnlock()
	result := make([]PassError, len(ec.errors))
	copy(result, ec.errors)
	return result
}

// Last returns the most recent error, or nil.
func (ec *ErrorCollector) Last() *PassError {
	ec.mutex.RLock()
	defer ec.mutex.RUnlock()
	if len(ec.errors) == 0 {
		return nil
	}
	last := ec.errors[len(ec.errors)-1]
	return &last
}

// HasErrors returns true if there are any errors
func (ec *ErrorCollector) HasErrors() bool {
	ec.mutex.RLock()
	defer ec.mutex.RUnlock()
	return len(ec.errors) > 0
}

// Clear clears all errors
func (ec *ErrorCollector) Clear() {
	ec.mutex.Lock()
	defer ec.mutex.Unlock()
	ec.errors = ec.errors[:0]
}
