package template

import (
	"strings"
	"testing"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
)

func TestEngine_RenderVariableAndInclude(t *testing.T) {
	fs := memfs.New()
	mustWrite(t, fs, "greeting.yaml.tmpl", "hello {{.id}}\n{{include \"suffix.tmpl\"}}")
	mustWrite(t, fs, "suffix.tmpl", "done")

	e := New(fs, Options{})
	out, err := e.Render("greeting.yaml.tmpl", Context{"id": "host1"})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if got := string(out); got != "hello host1\ndone" {
		t.Errorf("got %q", got)
	}
}

func TestEngine_Raise(t *testing.T) {
	fs := memfs.New()
	mustWrite(t, fs, "t.tmpl", `{{if not .id}}{{raise "missing id"}}{{end}}`)

	e := New(fs, Options{})
	_, err := e.Render("t.tmpl", Context{})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "missing id") {
		t.Errorf("error %v does not mention the raised message", err)
	}
}

func TestEngine_ToYAMLFilter(t *testing.T) {
	fs := memfs.New()
	mustWrite(t, fs, "t.tmpl", `{{toYAML .data}}`)

	e := New(fs, Options{})
	out, err := e.Render("t.tmpl", Context{"data": map[string]any{"a": 1}})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(string(out), "a: 1") {
		t.Errorf("got %q", out)
	}
}

func TestEngine_ResolveDependencies(t *testing.T) {
	fs := memfs.New()
	mustWrite(t, fs, "top.tmpl", `{{include "sub/a.tmpl"}}`)
	mustWrite(t, fs, "sub/a.tmpl", "leaf")

	e := New(fs, Options{})
	deps, err := e.ResolveDependencies("top.tmpl")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	want := map[string]bool{"top.tmpl": true, "sub/a.tmpl": true}
	if len(deps) != len(want) {
		t.Fatalf("deps = %v, want keys of %v", deps, want)
	}
	for _, d := range deps {
		if !want[d] {
			t.Errorf("unexpected dependency %q", d)
		}
	}
}

func mustWrite(t *testing.T, fs billy.Filesystem, name, content string) {
	t.Helper()
	if err := util.WriteFile(fs, name, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}
