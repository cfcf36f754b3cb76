package handler

import (
	"io"
	"net/netip"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"

	"github.com/vinegar-boot/vinegar/internal/datasource"
	"github.com/vinegar-boot/vinegar/internal/datatree"
	"github.com/vinegar-boot/vinegar/internal/verr"
)

type fakeSource struct {
	name string
	data map[string]datatree.Value
	rev  map[string]string
}

func (f *fakeSource) Name() string { return f.name }
func (f *fakeSource) GetData(systemID string, _ datatree.Value) (datatree.Value, datasource.Version, error) {
	v, ok := f.data[systemID]
	if !ok {
		return datatree.Absent, 0, nil
	}
	return v, 1, nil
}
func (f *fakeSource) Version(systemID string, _ datatree.Value) (datasource.Version, error) {
	if _, ok := f.data[systemID]; !ok {
		return 0, nil
	}
	return 1, nil
}
func (f *fakeSource) FindSystem(key, value string) (string, bool, error) {
	id, ok := f.rev[key+"="+value]
	return id, ok, nil
}
func (f *fakeSource) SupportsFindSystem() bool { return true }

func TestFileHandler_DirectoryModeServesFile(t *testing.T) {
	fs := memfs.New()
	util.WriteFile(fs, "menu.cfg", []byte("hello"), 0o644)

	h, err := NewFile(FileConfig{RequestPath: "/prefix", RootDir: "."}, nil, fs)
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	if !h.CanHandle("/prefix/menu.cfg") {
		t.Fatal("expected CanHandle to match")
	}
	resp, err := h.Handle(Request{Info: RequestInfo{URI: "/prefix/menu.cfg", Method: "GET"}})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if string(b) != "hello" {
		t.Errorf("body = %q", b)
	}
}

func TestFileHandler_RejectsTraversal(t *testing.T) {
	fs := memfs.New()
	util.WriteFile(fs, "secret.txt", []byte("x"), 0o644)

	h, err := NewFile(FileConfig{RequestPath: "/prefix", RootDir: "."}, nil, fs)
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	_, err = h.Handle(Request{Info: RequestInfo{URI: "/prefix/../secret.txt", Method: "GET"}})
	if err != verr.ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestFileHandler_LookupValueResolvesSystem(t *testing.T) {
	fs := memfs.New()
	util.WriteFile(fs, "config.txt", []byte("{{ id }}"), 0o644)
	tmpl := "default"

	src := &fakeSource{
		name: "text_file",
		data: map[string]datatree.Value{"myhost": datatree.Map()},
		rev:  map[string]string{"net:mac_addr=AA": "myhost"},
	}
	composite := datasource.NewComposite([]datasource.DataSource{src}, false)

	h, err := NewFile(FileConfig{
		RequestPath: "/prefix/.../file",
		RootDir:     ".",
		LookupKey:   "net:mac_addr",
		Template:    &tmpl,
	}, composite, fs)
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	util.WriteFile(fs, "config.txt", []byte("{{ id }}"), 0o644)

	resp, err := h.Handle(Request{Info: RequestInfo{URI: "/prefix/AA/file/config.txt", Method: "GET"}})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if string(b) != "myhost" {
		t.Errorf("body = %q", b)
	}
}

func TestFileHandler_LookupNoResultFailsByDefault(t *testing.T) {
	fs := memfs.New()
	src := &fakeSource{name: "text_file", rev: map[string]string{}}
	composite := datasource.NewComposite([]datasource.DataSource{src}, false)

	h, err := NewFile(FileConfig{
		RequestPath: "/prefix/...",
		RootDir:     ".",
		LookupKey:   "net:mac_addr",
	}, composite, fs)
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	util.WriteFile(fs, "file.txt", []byte("x"), 0o644)
	_, err = h.Handle(Request{Info: RequestInfo{URI: "/prefix/unknown/file.txt", Method: "GET"}})
	if err != verr.ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestFileHandler_AccessControlDeniesUnlistedClient(t *testing.T) {
	fs := memfs.New()
	util.WriteFile(fs, "secret.cfg", []byte("x"), 0o644)

	src := &fakeSource{
		name: "text_file",
		data: map[string]datatree.Value{
			"myhost": datatree.Map(datatree.KV{Key: "net", Value: datatree.Map(
				datatree.KV{Key: "ip_addr", Value: datatree.String("192.0.2.1")},
			)}),
		},
		rev: map[string]string{"net:mac_addr=AA": "myhost"},
	}
	composite := datasource.NewComposite([]datasource.DataSource{src}, false)

	h, err := NewFile(FileConfig{
		RequestPath:      "/prefix/...",
		RootDir:          ".",
		LookupKey:        "net:mac_addr",
		ClientAddressKey: "net:ip_addr",
	}, composite, fs)
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}

	other := netip.MustParseAddr("198.51.100.1")
	_, err = h.Handle(Request{Info: RequestInfo{URI: "/prefix/AA/secret.cfg", Method: "GET", ClientAddress: other}})
	if err != verr.ErrAccessDenied {
		t.Errorf("expected ErrAccessDenied, got %v", err)
	}

	allowed := netip.MustParseAddr("192.0.2.1")
	resp, err := h.Handle(Request{Info: RequestInfo{URI: "/prefix/AA/secret.cfg", Method: "GET", ClientAddress: allowed}})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	resp.Body.Close()
}

func TestFileHandler_RejectsPostMethod(t *testing.T) {
	fs := memfs.New()
	h, err := NewFile(FileConfig{RequestPath: "/prefix", RootDir: "."}, nil, fs)
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	_, err = h.Handle(Request{Info: RequestInfo{URI: "/prefix/file", Method: "POST"}})
	if !IsMethodNotAllowed(err) {
		t.Errorf("expected method-not-allowed, got %v", err)
	}
}
