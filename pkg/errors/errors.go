package errors

import (
	"errors"
	"fmt"
)

// Error codes surfaced by the report pipeline.
const (
	CodeConfigurationMissing   = "CONFIGURATION_MISSING"
	CodeInvalidDocument        = "INVALID_DOCUMENT"
	CodeNoMainDataSource       = "NO_MAIN_DATA_SOURCE"
	CodeDataSourceUnresolvable = "DATA_SOURCE_UNRESOLVABLE"
	CodeMalformedPath          = "MALFORMED_PATH"
	CodeTypeCoercion           = "TYPE_COERCION"
	CodeRenderFailed           = "RENDER_FAILED"
	CodeTemplateMissing        = "TEMPLATE_MISSING"
	CodeQueryFailed            = "QUERY_FAILED"
	CodeDerivedColumn          = "DERIVED_COLUMN_FAILED"
)

var (
	// ErrConfigurationMissing indicates that no configuration exists for the requested report
	ErrConfigurationMissing = errors.New("report configuration not found")

	// ErrInvalidDocument indicates that the input is not a JSON object or array
	ErrInvalidDocument = errors.New("invalid JSON document")

	// ErrNoMainDataSource indicates that a configuration names no main data source
	ErrNoMainDataSource = errors.New("no main data source configured")

	// ErrDataSourceUnresolvable indicates that the main data source path did not resolve
	ErrDataSourceUnresolvable = errors.New("data source unresolvable")

	// ErrMalformedPath indicates that a configured path could not be parsed
	ErrMalformedPath = errors.New("malformed path")

	// ErrTypeCoercion indicates that a cell value could not be converted to its column type
	ErrTypeCoercion = errors.New("type coercion failed")

	// ErrRenderFailed indicates that the rendering collaborator failed
	ErrRenderFailed = errors.New("render failed")

	// ErrTemplateMissing indicates that the report template file does not exist
	ErrTemplateMissing = errors.New("template not found")

	// ErrQueryFailed indicates that a SQL data source query failed
	ErrQueryFailed = errors.New("query failed")

	// ErrDerivedColumn indicates that derived column expressions could not be evaluated
	ErrDerivedColumn = errors.New("derived column evaluation failed")
)

var sentinels = map[string]error{
	CodeConfigurationMissing:   ErrConfigurationMissing,
	CodeInvalidDocument:        ErrInvalidDocument,
	CodeNoMainDataSource:       ErrNoMainDataSource,
	CodeDataSourceUnresolvable: ErrDataSourceUnresolvable,
	CodeMalformedPath:          ErrMalformedPath,
	CodeTypeCoercion:           ErrTypeCoercion,
	CodeRenderFailed:           ErrRenderFailed,
	CodeTemplateMissing:        ErrTemplateMissing,
	CodeQueryFailed:            ErrQueryFailed,
	CodeDerivedColumn:          ErrDerivedColumn,
}

// Error represents a structured pipeline error
type Error struct {
	// Code is a machine-readable error code
	Code string

	// Message is a human-readable error message
	Message string

	// Err is the underlying error, if any
	Err error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel error registered for the error code, so callers can
// write errors.Is(err, ErrTemplateMissing) without caring how it was wrapped.
func (e *Error) Is(target error) bool {
	s, ok := sentinels[e.Code]
	return ok && s == target
}

// NewError creates a new pipeline error
func NewError(code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// CodeOf returns the code of the first *Error in the chain, or "" if there is none.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsConfigurationMissing checks if an error is a missing configuration error
func IsConfigurationMissing(err error) bool {
	return errors.Is(err, ErrConfigurationMissing)
}

// IsInvalidDocument checks if an error is an invalid document error
func IsInvalidDocument(err error) bool {
	return errors.Is(err, ErrInvalidDocument)
}

// IsClientError reports whether the error was caused by the request rather than the service.
func IsClientError(err error) bool {
	switch CodeOf(err) {
	case CodeConfigurationMissing, CodeInvalidDocument, CodeNoMainDataSource, CodeTemplateMissing:
		return true
	}
	return false
}
