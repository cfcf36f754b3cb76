// Package template implements the Engine adapter from spec.md §4.7: a
// template engine that takes a template path plus a context and returns
// rendered bytes, with dependency tracking so that a reload watcher knows
// which template files a cached render depends on. The default engine is
// built on stdlib text/template, the same "plain function wrapping stdlib
// templating" style the teacher uses for its graph.TemplateRenderer
// (internal/graph/sqlite_graph.go), generalized to the file-inclusion,
// YAML/JSON filter, and transform-accessor requirements spec.md adds.
package template

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	gotemplate "text/template"

	billy "github.com/go-git/go-billy/v5"
	"gopkg.in/yaml.v3"

	"github.com/vinegar-boot/vinegar/internal/transform"
	"github.com/vinegar-boot/vinegar/internal/verr"
)

// Context is the data passed to a template: spec.md §4 mandates
// {id, data, request_info} in scope for file-handler renders, but other
// callers (the yaml_target data source) populate only id and data.
type Context map[string]any

// Engine renders templates and reports their include-time dependencies.
type Engine interface {
	Render(templatePath string, ctx Context) ([]byte, error)
	ResolveDependencies(templatePath string) ([]string, error)
}

// StdEngine is the bundled Engine implementation.
type StdEngine struct {
	fs      billy.Filesystem
	funcs   gotemplate.FuncMap
	maxSize int64
}

// Options configures a StdEngine. HostFuncs is the language-agnostic
// stand-in for the original's provide_python_modules allow-list: an
// explicit, named set of extra functions the deployment wants available
// inside templates, beyond the built-in raise/transform/toYAML/toJSON.
type Options struct {
	HostFuncs map[string]any
	MaxSize   int64
}

// New builds a StdEngine that resolves relative template paths against fs.
func New(fs billy.Filesystem, opts Options) *StdEngine {
	e := &StdEngine{fs: fs, maxSize: opts.MaxSize}
	if e.maxSize <= 0 {
		e.maxSize = 16 << 20
	}
	e.funcs = gotemplate.FuncMap{
		"raise":   raiseFunc,
		"toYAML":  toYAMLFunc,
		"toJSON":  toJSONFunc,
		"fromYAML": fromYAMLFunc,
		"transform": transformFunc,
	}
	for name, fn := range opts.HostFuncs {
		e.funcs[name] = fn
	}
	return e
}

func raiseFunc(msg string) (string, error) {
	return "", fmt.Errorf("%s", msg)
}

func toYAMLFunc(v any) (string, error) {
	out, err := yaml.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func fromYAMLFunc(s string) (any, error) {
	var v any
	if err := yaml.Unmarshal([]byte(s), &v); err != nil {
		return nil, err
	}
	return v, nil
}

func toJSONFunc(v any) (string, error) {
	out, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// transformFunc exposes the transform registry to templates. Jinja's
// bracket syntax (transform['name'](value, ...)) has no Go template
// equivalent, so this is called as {{transform "name" value arg1 arg2}}.
func transformFunc(name string, rest ...any) (any, error) {
	fn, ok := transform.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("unknown transform %q", name)
	}
	if len(rest) == 0 {
		return nil, fmt.Errorf("transform %q requires a value argument", name)
	}
	return fn(rest[0], rest[1:])
}

// renderState tracks the files an in-flight render has visited, for
// ResolveDependencies' reload-invalidation use.
type renderState struct {
	deps map[string]bool
}

// Render loads templatePath relative to the engine's filesystem, parses it
// (along with every file it transitively {{include}}s), and executes it
// against ctx.
func (e *StdEngine) Render(templatePath string, ctx Context) ([]byte, error) {
	state := &renderState{deps: map[string]bool{}}
	out, err := e.render(templatePath, ctx, state)
	if err != nil {
		return nil, verr.NewTemplateError(templatePath, err)
	}
	return out, nil
}

func (e *StdEngine) render(templatePath string, ctx Context, state *renderState) ([]byte, error) {
	state.deps[templatePath] = true
	src, err := e.readFile(templatePath)
	if err != nil {
		return nil, err
	}

	funcs := gotemplate.FuncMap{}
	for name, fn := range e.funcs {
		funcs[name] = fn
	}
	funcs["include"] = func(relPath string) (string, error) {
		resolved := resolveRelative(templatePath, relPath)
		sub, err := e.render(resolved, ctx, state)
		if err != nil {
			return "", err
		}
		return string(sub), nil
	}

	tmpl, err := gotemplate.New(templatePath).Funcs(funcs).Parse(string(src))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", templatePath, err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, map[string]any(ctx)); err != nil {
		return nil, fmt.Errorf("render %s: %w", templatePath, err)
	}
	return buf.Bytes(), nil
}

func (e *StdEngine) readFile(templatePath string) ([]byte, error) {
	f, err := e.fs.Open(templatePath)
	if err != nil {
		return nil, fmt.Errorf("open template %s: %w", templatePath, err)
	}
	defer f.Close()

	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, err := f.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if int64(len(buf)) > e.maxSize {
				return nil, fmt.Errorf("template %s exceeds maximum size", templatePath)
			}
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("read template %s: %w", templatePath, err)
		}
	}
	return buf, nil
}

// ResolveDependencies renders templatePath with an empty context purely to
// discover which files it includes, for a reload watcher deciding whether
// a cached render is still valid. Rendering with an empty context may
// itself fail (a template that requires data in its context); in that
// case the dependencies gathered before the failure are still returned,
// since every included file was read before the failure could occur in
// it.
func (e *StdEngine) ResolveDependencies(templatePath string) ([]string, error) {
	state := &renderState{deps: map[string]bool{}}
	_, renderErr := e.render(templatePath, Context{}, state)
	deps := make([]string, 0, len(state.deps))
	for d := range state.deps {
		deps = append(deps, d)
	}
	if renderErr != nil && len(deps) == 0 {
		return nil, renderErr
	}
	return deps, nil
}

func resolveRelative(from, rel string) string {
	if len(rel) > 0 && rel[0] == '/' {
		return rel[1:]
	}
	dir := dirOf(from)
	if dir == "" {
		return rel
	}
	return dir + "/" + rel
}

func dirOf(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return p[:i]
		}
	}
	return ""
}
