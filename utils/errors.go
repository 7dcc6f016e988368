package utils

import (
	"github.com/pkg/errors"
)

// Sentinel errors for the pipeline failure taxonomy. Every error produced by the constructors
// below wraps exactly one of these, so callers can match with errors.Is.
var (
	// ErrResourceNotFound means a model file was missing from every search location.
	ErrResourceNotFound = errors.New("resource not found")
	// ErrUnsupportedConfiguration means the requested configuration cannot be decoded or run.
	ErrUnsupportedConfiguration = errors.New("unsupported configuration")
	// ErrShapeMismatch means a tensor did not have the shape it was declared with.
	ErrShapeMismatch = errors.New("shape mismatch")
	// ErrInferenceFailure means the inference engine failed to load a graph or run a forward pass.
	ErrInferenceFailure = errors.New("inference failure")
)

// NewResourceNotFoundError is used when a model file is missing from all searched paths.
func NewResourceNotFoundError(name string, searched ...string) error {
	return errors.Wrapf(ErrResourceNotFound, "%q (searched %q)", name, searched)
}

// NewUnsupportedConfigurationError is used when a configuration cannot be processed.
func NewUnsupportedConfigurationError(format string, args ...interface{}) error {
	return errors.Wrapf(ErrUnsupportedConfiguration, format, args...)
}

// NewShapeMismatchError is used when an actual tensor or image shape differs from the expected one.
func NewShapeMismatchError(what string, expected, actual interface{}) error {
	return errors.Wrapf(ErrShapeMismatch, "%s: expected %v but got %v", what, expected, actual)
}

// NewInferenceFailureError marks err as a failure of the inference engine.
func NewInferenceFailureError(err error, msg string) error {
	if err == nil {
		return errors.Wrap(ErrInferenceFailure, msg)
	}
	return &inferenceFailure{cause: err, msg: msg}
}

// inferenceFailure keeps the engine's error in the chain while still matching ErrInferenceFailure.
type inferenceFailure struct {
	cause error
	msg   string
}

func (e *inferenceFailure) Error() string {
	return e.msg + ": " + ErrInferenceFailure.Error() + ": " + e.cause.Error()
}

func (e *inferenceFailure) Unwrap() error {
	return e.cause
}

func (e *inferenceFailure) Is(target error) bool {
	return target == ErrInferenceFailure
}

// NewUnexpectedTypeError is used when there is a type mismatch.
func NewUnexpectedTypeError(expected interface{}, actual interface{}) error {
	return errors.Errorf("expected %T but got %T", expected, actual)
}
