package entwire

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
)

// Sentinel errors. Every typed error below reports true for errors.Is
// against its sentinel, so callers can branch without type assertions.
var (
	// ErrSchemaConfiguration is returned when a schema cannot be built or
	// fails validation. It is a static misconfiguration, never transient.
	ErrSchemaConfiguration = errors.New("entwire: schema configuration error")

	// ErrArgumentNull is returned when a required argument is nil.
	ErrArgumentNull = errors.New("entwire: argument is nil")

	// ErrReferenceResolution is returned when a type name cannot be resolved.
	ErrReferenceResolution = errors.New("entwire: reference resolution failed")

	// ErrMissingIdentity is returned when an identity operation is requested
	// on a schema without an identity field.
	ErrMissingIdentity = errors.New("entwire: schema has no identity field")

	// ErrInvalidOperation is returned when an operation cannot run in the
	// current state of its receiver.
	ErrInvalidOperation = errors.New("entwire: invalid operation")

	// ErrStorageRequired is returned by relation operations that need a
	// storage backend when none is bound.
	ErrStorageRequired = NewInvalidOperationError("", "storage is required")

	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("entwire: entity not found")

	// ErrMalformed is returned by codecs when the input stream is corrupt.
	ErrMalformed = errors.New("entwire: malformed input")
)

// SchemaConfigurationError describes why a schema for a type could not be
// built. Field is empty when the problem concerns the type as a whole.
type SchemaConfigurationError struct {
	Type   reflect.Type
	Field  string
	Reason string
}

// Error returns the error string.
func (e *SchemaConfigurationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("entwire: schema %s: field %q: %s", typeString(e.Type), e.Field, e.Reason)
	}
	return fmt.Sprintf("entwire: schema %s: %s", typeString(e.Type), e.Reason)
}

// Is reports whether the target error matches ErrSchemaConfiguration.
func (e *SchemaConfigurationError) Is(err error) bool {
	return err == ErrSchemaConfiguration
}

// NewSchemaConfigurationError returns a new SchemaConfigurationError.
func NewSchemaConfigurationError(t reflect.Type, field, reason string) *SchemaConfigurationError {
	return &SchemaConfigurationError{Type: t, Field: field, Reason: reason}
}

// IsSchemaConfiguration returns true if the error is a SchemaConfigurationError.
func IsSchemaConfiguration(err error) bool {
	if err == nil {
		return false
	}
	var e *SchemaConfigurationError
	return errors.As(err, &e) || errors.Is(err, ErrSchemaConfiguration)
}

// ArgumentNullError represents a caller contract violation: a nil graph,
// source, field set or required relation.
type ArgumentNullError struct {
	Name string
}

// Error returns the error string.
func (e *ArgumentNullError) Error() string {
	return fmt.Sprintf("entwire: argument %q is nil", e.Name)
}

// Is reports whether the target error matches ErrArgumentNull.
func (e *ArgumentNullError) Is(err error) bool {
	return err == ErrArgumentNull
}

// NewArgumentNullError returns a new ArgumentNullError.
func NewArgumentNullError(name string) *ArgumentNullError {
	return &ArgumentNullError{Name: name}
}

// IsArgumentNull returns true if the error is an ArgumentNullError.
func IsArgumentNull(err error) bool {
	if err == nil {
		return false
	}
	var e *ArgumentNullError
	return errors.As(err, &e) || errors.Is(err, ErrArgumentNull)
}

// ReferenceResolutionError is returned when a textual type reference has no
// registered type.
type ReferenceResolutionError struct {
	Name string
}

// Error returns the error string.
func (e *ReferenceResolutionError) Error() string {
	return fmt.Sprintf("entwire: cannot resolve type reference %q", e.Name)
}

// Is reports whether the target error matches ErrReferenceResolution.
func (e *ReferenceResolutionError) Is(err error) bool {
	return err == ErrReferenceResolution
}

// NewReferenceResolutionError returns a new ReferenceResolutionError.
func NewReferenceResolutionError(name string) *ReferenceResolutionError {
	return &ReferenceResolutionError{Name: name}
}

// IsReferenceResolution returns true if the error is a ReferenceResolutionError.
func IsReferenceResolution(err error) bool {
	if err == nil {
		return false
	}
	var e *ReferenceResolutionError
	return errors.As(err, &e) || errors.Is(err, ErrReferenceResolution)
}

// MissingIdentityError is returned by identity operations on schemas that do
// not declare an identity field.
type MissingIdentityError struct {
	Type reflect.Type
}

// Error returns the error string.
func (e *MissingIdentityError) Error() string {
	return fmt.Sprintf("entwire: schema %s has no identity field", typeString(e.Type))
}

// Is reports whether the target error matches ErrMissingIdentity.
func (e *MissingIdentityError) Is(err error) bool {
	return err == ErrMissingIdentity
}

// NewMissingIdentityError returns a new MissingIdentityError.
func NewMissingIdentityError(t reflect.Type) *MissingIdentityError {
	return &MissingIdentityError{Type: t}
}

// IsMissingIdentity returns true if the error is a MissingIdentityError.
func IsMissingIdentity(err error) bool {
	if err == nil {
		return false
	}
	var e *MissingIdentityError
	return errors.As(err, &e) || errors.Is(err, ErrMissingIdentity)
}

// InvalidOperationError is returned when an operation is attempted in a
// state that does not allow it.
type InvalidOperationError struct {
	Op     string
	Reason string
}

// Error returns the error string.
func (e *InvalidOperationError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("entwire: %s: %s", e.Op, e.Reason)
	}
	return fmt.Sprintf("entwire: %s", e.Reason)
}

// Is reports whether the target error matches ErrInvalidOperation.
func (e *InvalidOperationError) Is(err error) bool {
	return err == ErrInvalidOperation
}

// NewInvalidOperationError returns a new InvalidOperationError.
func NewInvalidOperationError(op, reason string) *InvalidOperationError {
	return &InvalidOperationError{Op: op, Reason: reason}
}

// IsInvalidOperation returns true if the error is an InvalidOperationError.
func IsInvalidOperation(err error) bool {
	if err == nil {
		return false
	}
	var e *InvalidOperationError
	return errors.As(err, &e) || errors.Is(err, ErrInvalidOperation)
}

// NotFoundError represents an error when an entity is not found.
type NotFoundError struct {
	label string
	id    any
}

// Error returns the error string.
func (e *NotFoundError) Error() string {
	if e.id != nil {
		return fmt.Sprintf("entwire: %s not found (id=%v)", e.label, e.id)
	}
	return fmt.Sprintf("entwire: %s not found", e.label)
}

// Is reports whether the target error matches ErrNotFound.
func (e *NotFoundError) Is(err error) bool {
	return err == ErrNotFound
}

// Label returns the entity label.
func (e *NotFoundError) Label() string {
	return e.label
}

// ID returns the ID that was searched for, if available.
func (e *NotFoundError) ID() any {
	return e.id
}

// NewNotFoundError returns a new NotFoundError for the given entity type.
func NewNotFoundError(label string) *NotFoundError {
	return &NotFoundError{label: label}
}

// NewNotFoundErrorWithID returns a new NotFoundError with the ID that was searched for.
func NewNotFoundErrorWithID(label string, id any) *NotFoundError {
	return &NotFoundError{label: label, id: id}
}

// IsNotFound returns true if the error is a NotFoundError.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	var e *NotFoundError
	return errors.As(err, &e) || errors.Is(err, ErrNotFound)
}

// ConstraintError represents a storage constraint violation, such as adding
// an entity whose identity already exists.
type ConstraintError struct {
	msg  string
	wrap error
}

// Error returns the error string.
func (e ConstraintError) Error() string {
	return fmt.Sprintf("entwire: constraint failed: %s", e.msg)
}

// Unwrap returns the underlying error.
func (e ConstraintError) Unwrap() error {
	return e.wrap
}

// NewConstraintError returns a new ConstraintError with the given message.
func NewConstraintError(msg string, wrap error) error {
	return ConstraintError{msg: msg, wrap: wrap}
}

// IsConstraintError returns true if the error is a ConstraintError.
func IsConstraintError(err error) bool {
	if err == nil {
		return false
	}
	var e ConstraintError
	return errors.As(err, &e)
}

// DecodeError wraps a failure to decode a stream in a given format.
type DecodeError struct {
	Format string
	Err    error
}

// Error returns the error string.
func (e *DecodeError) Error() string {
	return fmt.Sprintf("entwire: decode %s: %v", e.Format, e.Err)
}

// Unwrap returns the underlying error.
func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Is reports whether the target error matches ErrMalformed.
func (e *DecodeError) Is(err error) bool {
	return err == ErrMalformed
}

// NewDecodeError returns a new DecodeError.
func NewDecodeError(format string, err error) *DecodeError {
	return &DecodeError{Format: format, Err: err}
}

// IsDecodeError returns true if the error is a DecodeError.
func IsDecodeError(err error) bool {
	if err == nil {
		return false
	}
	var e *DecodeError
	return errors.As(err, &e)
}

// AggregateError represents multiple errors collected during an operation.
type AggregateError struct {
	Errors []error
}

// Error returns the error string.
func (e *AggregateError) Error() string {
	if len(e.Errors) == 0 {
		return "entwire: no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	var sb strings.Builder
	sb.WriteString("entwire: multiple errors:")
	for i, err := range e.Errors {
		fmt.Fprintf(&sb, "\n  [%d] %v", i+1, err)
	}
	return sb.String()
}

// Unwrap returns the collected errors so errors.Is/As can inspect them.
func (e *AggregateError) Unwrap() []error {
	return e.Errors
}

// NewAggregateError returns a new AggregateError if there are errors,
// otherwise returns nil.
func NewAggregateError(errs ...error) error {
	var filtered []error
	for _, err := range errs {
		if err != nil {
			filtered = append(filtered, err)
		}
	}
	if len(filtered) == 0 {
		return nil
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &AggregateError{Errors: filtered}
}

func typeString(t reflect.Type) string {
	if t == nil {
		return "<nil>"
	}
	return t.String()
}
