// Package handler implements the request handlers from spec.md §4.4: the
// protocol-agnostic Handler contract plus the `file` and `sqlite_update`
// implementations. Both the HTTP and TFTP servers (internal/httpd,
// internal/tftp) dispatch through the same Handler values, each offered a
// request in declared order until one claims it (spec.md §2 "first
// handler that claims it produces bytes").
package handler

import (
	"io"
	"net/netip"
)

// RequestInfo is the protocol metadata passed through to a handler and, for
// the `file` handler, into template rendering context as `request_info`
// (spec.md §4.4/§4.7).
type RequestInfo struct {
	ClientAddress netip.Addr
	ServerAddress netip.Addr
	URI           string
	// Method and Headers are only populated for HTTP requests.
	Method  string
	Headers map[string][]string
}

// Request is what a Handler is offered. Body is nil for TFTP, where
// requests never carry one.
type Request struct {
	Info RequestInfo
	Body io.Reader
}

// Response is what a Handler produces on success. Exactly one of Body or
// Buffer-backed reading applies: callers read from Body until EOF or Size
// bytes, whichever comes first if Size >= 0.
type Response struct {
	Body        io.ReadCloser
	Size        int64 // -1 if unknown
	ContentType string
	// Status overrides the HTTP status code the httpd adapter would
	// otherwise default to (200 for a body-bearing response). TFTP ignores
	// it entirely -- it has no notion of a status code, only success or
	// ERROR. Zero means "use the adapter's default".
	Status int
}

// Handler is the contract every request handler implements. CanHandle is
// cheap and side-effect free; Handle does the actual work and may fail with
// one of the sentinel/typed errors in internal/verr, which the owning
// server translates into the right wire-level status.
type Handler interface {
	CanHandle(uri string) bool
	Handle(req Request) (Response, error)
}

// methodNotAllowedError is returned by a handler offered a request whose
// method it does not support (spec.md §4.6 "GET, HEAD, POST").
type methodNotAllowedError struct{ method string }

func (e *methodNotAllowedError) Error() string { return "method not allowed: " + e.method }

// ErrMethodNotAllowed builds the error marking method as disallowed.
func ErrMethodNotAllowed(method string) error { return &methodNotAllowedError{method: method} }

// IsMethodNotAllowed reports whether err was produced by ErrMethodNotAllowed.
func IsMethodNotAllowed(err error) bool {
	_, ok := err.(*methodNotAllowedError)
	return ok
}
