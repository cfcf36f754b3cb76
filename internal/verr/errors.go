// Package verr defines Vinegar's error taxonomy (spec.md §7). Each error
// kind is a distinct type so callers can dispatch on it with errors.As
// instead of string-matching messages.
package verr

import "fmt"

// ConfigError marks a configuration problem. Fatal at startup: the process
// logs it and exits 1.
type ConfigError struct {
	Msg string
	Err error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("config: %s", e.Msg)
}

func (e *ConfigError) Unwrap() error { return e.Err }

func NewConfigError(msg string, err error) *ConfigError {
	return &ConfigError{Msg: msg, Err: err}
}

// TransformError marks a transform invoked with a wrong-kind argument or
// input, as opposed to a value the transform simply rejects.
type TransformError struct {
	Transform string
	Msg       string
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("transform %s: %s", e.Transform, e.Msg)
}

func NewTransformError(name, msg string) *TransformError {
	return &TransformError{Transform: name, Msg: msg}
}

// DataSourceError marks a recoverable per-request failure inside a data
// source (I/O, parse, template). The handler's data_source_error_action
// decides what happens next.
type DataSourceError struct {
	Source string
	Err    error
}

func (e *DataSourceError) Error() string {
	return fmt.Sprintf("data source %s: %v", e.Source, e.Err)
}

func (e *DataSourceError) Unwrap() error { return e.Err }

func NewDataSourceError(source string, err error) *DataSourceError {
	return &DataSourceError{Source: source, Err: err}
}

// TemplateError marks a per-request template rendering failure.
type TemplateError struct {
	Path string
	Err  error
}

func (e *TemplateError) Error() string {
	return fmt.Sprintf("template %s: %v", e.Path, e.Err)
}

func (e *TemplateError) Unwrap() error { return e.Err }

func NewTemplateError(path string, err error) *TemplateError {
	return &TemplateError{Path: path, Err: err}
}

// LookupError marks a system that could not be resolved from a lookup
// value. Handled per lookup_no_result_action.
type LookupError struct {
	Key   string
	Value string
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("no system found for %s=%q", e.Key, e.Value)
}

// ErrAccessDenied marks a client address mismatch against an access
// control rule.
var ErrAccessDenied = fmt.Errorf("access denied")

// ErrNotFound marks a path that does not resolve under a handler's
// root_dir.
var ErrNotFound = fmt.Errorf("not found")

// ProtocolError marks malformed HTTP/TFTP input. The server replies with
// 400 / ERROR code 4 and terminates only the offending connection or
// transfer.
type ProtocolError struct {
	Msg string
}

func (e *ProtocolError) Error() string { return fmt.Sprintf("protocol error: %s", e.Msg) }

func NewProtocolError(msg string) *ProtocolError { return &ProtocolError{Msg: msg} }
