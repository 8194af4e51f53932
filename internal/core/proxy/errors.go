package proxy

import (
	"fmt"
	"net/http"
)

// ErrorType classifies why a request could not be proxied.
type ErrorType int

const (
	ErrorNotFound ErrorType = iota
	ErrorStopped
	ErrorUnavailable
)

// ProxyError is returned when a hostname cannot be served.
type ProxyError struct {
	Type       ErrorType
	Hostname   string
	Message    string
	StatusCode int
}

func (e ProxyError) Error() string {
	return e.Message
}

// NewNotFoundError is for hostnames that map to no deployment.
func NewNotFoundError(hostname string) ProxyError {
	return ProxyError{
		Type:       ErrorNotFound,
		Hostname:   hostname,
		Message:    fmt.Sprintf("no deployment for %s", hostname),
		StatusCode: http.StatusNotFound,
	}
}

// NewStoppedError is for deployments that exist but are not serving.
func NewStoppedError(hostname string) ProxyError {
	return ProxyError{
		Type:       ErrorStopped,
		Hostname:   hostname,
		Message:    fmt.Sprintf("deployment is not running: %s", hostname),
		StatusCode: http.StatusServiceUnavailable,
	}
}

// NewUnavailableError is for a routable deployment whose server did not answer.
func NewUnavailableError(hostname string) ProxyError {
	return ProxyError{
		Type:       ErrorUnavailable,
		Hostname:   hostname,
		Message:    fmt.Sprintf("deployment unavailable: %s", hostname),
		StatusCode: http.StatusBadGateway,
	}
}
