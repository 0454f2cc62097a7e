package clinical

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput  = errors.New("invalid input")
	ErrNotFound      = errors.New("not found")
	ErrUnit          = errors.New("unit error")
	ErrConfiguration = errors.New("configuration error")
)

// InputError describes a rejected request field
type InputError struct {
	Field  string
	Reason string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *InputError) Unwrap() error {
	return ErrInvalidInput
}

// NotFoundError names a drug or protocol missing from the catalog
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// ConfigurationError reports a profile that cannot serve a request or could
// not be compiled
type ConfigurationError struct {
	DrugID string
	Mode   Mode
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	msg := "drug " + e.DrugID
	if e.Mode != "" {
		msg += " mode " + string(e.Mode)
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigurationError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrConfiguration, e.Err}
	}
	return []error{ErrConfiguration}
}
