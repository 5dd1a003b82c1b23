package errors

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"syscall"
)

// ErrorType represents different categories of errors.
type ErrorType string

const (
	ErrorTypeConfig ErrorType = "config"
	ErrorTypeBuild  ErrorType = "build"
)

// StitchError is a structured error type with context.
type StitchError struct {
	Type      ErrorType
	Code      string
	Message   string
	Cause     error
	Component string
	FilePath  string
}

// Error implements the error interface.
func (e *StitchError) Error() string {
	var parts []string

	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("[%s]", e.Code))
	}

	if e.Component != "" {
		parts = append(parts, "component:"+e.Component)
	}

	if e.FilePath != "" {
		parts = append(parts, e.FilePath)
	}

	parts = append(parts, e.Message)

	result := strings.Join(parts, " ")

	if e.Cause != nil {
		result += fmt.Sprintf(": %v", e.Cause)
	}

	return result
}

// Unwrap returns the underlying cause error.
func (e *StitchError) Unwrap() error {
	return e.Cause
}

// Is implements error comparison on type and code.
func (e *StitchError) Is(target error) bool {
	var t *StitchError
	if errors.As(target, &t) {
		return e.Type == t.Type && e.Code == t.Code
	}

	return false
}

// WithComponent adds component context.
func (e *StitchError) WithComponent(component string) *StitchError {
	e.Component = component

	return e
}

// NewConfigError creates a configuration error.
func NewConfigError(code, message string) *StitchError {
	return &StitchError{
		Type:    ErrorTypeConfig,
		Code:    code,
		Message: message,
	}
}

// NewBuildError creates a build error.
func NewBuildError(code, message string, cause error) *StitchError {
	return &StitchError{
		Type:    ErrorTypeBuild,
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// FileError records a filesystem operation that failed on a path.
type FileError struct {
	Op   string
	Path string
	Err  error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FileError) Unwrap() error {
	return e.Err
}

// NewFileError wraps err with the operation and path. A nil err yields nil.
// An *fs.PathError is replaced by its cause so the path is not repeated.
func NewFileError(op, path string, err error) error {
	if err == nil {
		return nil
	}
	if pe, ok := err.(*fs.PathError); ok {
		err = pe.Err
	}
	return &FileError{Op: op, Path: path, Err: err}
}

// IsNotExist reports whether err, or anything it wraps, means the path does
// not exist. A path running through a regular file (ENOTDIR) counts.
func IsNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR)
}

// IsFileError reports whether err wraps a *FileError.
func IsFileError(err error) bool {
	var fe *FileError
	return errors.As(err, &fe)
}
