// Package compose contains pure functions for reading container-group
// descriptors (Docker Compose files) shipped inside a project.
package compose

import "errors"

// =============================================================================
// Error Types
// =============================================================================

// Errors returned while reading a descriptor. They are wrapped in a
// ParseError naming the offending field where one applies.
var (
	ErrEmptyInput         = errors.New("compose descriptor is empty")
	ErrInvalidYAML        = errors.New("invalid YAML syntax")
	ErrNoServices         = errors.New("compose descriptor must define at least one service")
	ErrServiceNoImage     = errors.New("service must have image or build")
	ErrServiceInvalidPort = errors.New("invalid port configuration")
	ErrCircularDependency = errors.New("circular dependency detected")
)

// ParseError locates a descriptor problem by its dotted field path.
type ParseError struct {
	Field   string // e.g. "services.web.ports[0]"
	Message string
	Err     error
}

func (e *ParseError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func (e *ParseError) Unwrap() error { return e.Err }

// NewParseError creates a new ParseError.
func NewParseError(field, message string, err error) *ParseError {
	return &ParseError{Field: field, Message: message, Err: err}
}
