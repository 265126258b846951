package models

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationError is one failed check on one field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (v ValidationError) Error() string {
	if v.Field == "" {
		return v.Message
	}
	return v.Field + ": " + v.Message
}

// ValidationErrors collects every failed check of a record so callers see
// all problems at once. It matches ErrValidation under errors.Is.
type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

// Require records message against field unless ok holds.
func (v *ValidationErrors) Require(ok bool, field, message string) {
	if !ok {
		v.AddMessage(field, message)
	}
}

// Add records err against field. Nested ValidationErrors are flattened
// with dotted field names.
func (v *ValidationErrors) Add(field string, err error) {
	if err == nil {
		return
	}
	var nested *ValidationErrors
	if !errors.As(err, &nested) {
		v.Errors = append(v.Errors, ValidationError{Field: field, Message: err.Error(), Cause: err})
		return
	}
	for _, sub := range nested.Errors {
		sub.Field = joinField(field, sub.Field)
		v.Errors = append(v.Errors, sub)
	}
}

// AddMessage records a plain message against field.
func (v *ValidationErrors) AddMessage(field, message string) {
	if message != "" {
		v.Errors = append(v.Errors, ValidationError{Field: field, Message: message})
	}
}

// Err returns v, or nil when nothing failed.
func (v *ValidationErrors) Err() error {
	if v == nil || len(v.Errors) == 0 {
		return nil
	}
	return v
}

// Fields maps each failed field to its first message.
func (v *ValidationErrors) Fields() map[string]string {
	if v == nil {
		return nil
	}
	out := make(map[string]string, len(v.Errors))
	for _, e := range v.Errors {
		if _, seen := out[e.Field]; !seen {
			out[e.Field] = e.Message
		}
	}
	return out
}

func (v *ValidationErrors) Error() string {
	if v == nil || len(v.Errors) == 0 {
		return ErrValidation.Error()
	}
	parts := make([]string, len(v.Errors))
	for i, e := range v.Errors {
		parts[i] = e.Error()
	}
	return strings.Join(parts, "; ")
}

// Is matches ErrValidation and the cause of any entry.
func (v *ValidationErrors) Is(target error) bool {
	if v == nil {
		return false
	}
	if target == ErrValidation {
		return true
	}
	for _, e := range v.Errors {
		if e.Cause != nil && errors.Is(e.Cause, target) {
			return true
		}
	}
	return false
}

// Invalid builds a single-field validation error.
func Invalid(field, message string) error {
	return &ValidationErrors{Errors: []ValidationError{{Field: field, Message: message}}}
}

// Invalidf is Invalid with a formatted message.
func Invalidf(field, format string, args ...any) error {
	return Invalid(field, fmt.Sprintf(format, args...))
}

func joinField(prefix, field string) string {
	switch {
	case prefix == "":
		return field
	case field == "":
		return prefix
	default:
		return prefix + "." + field
	}
}
