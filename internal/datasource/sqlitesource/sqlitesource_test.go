package sqlitesource

import (
	"path/filepath"
	"testing"

	"github.com/vinegar-boot/vinegar/internal/datatree"
	"github.com/vinegar-boot/vinegar/internal/store"
)

func newTestSource(t *testing.T, cfg Config) *Source {
	t.Helper()
	cfg.DBFile = filepath.Join(t.TempDir(), "state.db")
	src, err := New("sqlite", cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = src.Close() })
	return src
}

func TestSource_GetData(t *testing.T) {
	src := newTestSource(t, Config{})
	if err := src.store.Set("host1", "netboot_enabled", "true", store.TypeBool); err != nil {
		t.Fatalf("seed: %v", err)
	}

	data, _, err := src.GetData("host1", datatree.Absent)
	if err != nil {
		t.Fatalf("GetData: %v", err)
	}
	v, ok := data.Field("netboot_enabled").Bool()
	if !ok || !v {
		t.Errorf("netboot_enabled = %v, %v", v, ok)
	}
}

func TestSource_GetData_NoRows(t *testing.T) {
	src := newTestSource(t, Config{})
	data, _, err := src.GetData("nobody", datatree.Absent)
	if err != nil {
		t.Fatalf("GetData: %v", err)
	}
	if !data.IsAbsent() {
		t.Errorf("expected Absent, got %v", data)
	}
}

func TestSource_KeyPrefix(t *testing.T) {
	src := newTestSource(t, Config{KeyPrefix: "abc:def"})
	if err := src.store.Set("host1", "123", "456", store.TypeString); err != nil {
		t.Fatalf("seed: %v", err)
	}

	data, _, err := src.GetData("host1", datatree.Absent)
	if err != nil {
		t.Fatalf("GetData: %v", err)
	}
	if got := data.Get("abc:def:123").String(); got != "456" {
		t.Errorf("got %q", got)
	}
}

func TestSource_FindSystem(t *testing.T) {
	src := newTestSource(t, Config{})
	if err := src.store.Set("host1", "net:ipv4_addr", "192.0.2.1", store.TypeString); err != nil {
		t.Fatalf("seed: %v", err)
	}

	id, ok, err := src.FindSystem("net:ipv4_addr", "192.0.2.1")
	if err != nil || !ok || id != "host1" {
		t.Errorf("FindSystem = %q, %v, %v", id, ok, err)
	}
}

func TestSource_FindSystem_NotUnique(t *testing.T) {
	src := newTestSource(t, Config{})
	if err := src.store.Set("host1", "net:ipv4_addr", "192.0.2.1", store.TypeString); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := src.store.Set("host2", "net:ipv4_addr", "192.0.2.1", store.TypeString); err != nil {
		t.Fatalf("seed: %v", err)
	}

	_, ok, err := src.FindSystem("net:ipv4_addr", "192.0.2.1")
	if err != nil {
		t.Fatalf("FindSystem: %v", err)
	}
	if ok {
		t.Error("expected FindSystem to fail on a non-unique match")
	}
}

func TestSource_FindSystem_Disabled(t *testing.T) {
	disabled := false
	src := newTestSource(t, Config{FindSystemEnabled: &disabled})
	if err := src.store.Set("host1", "k", "v", store.TypeString); err != nil {
		t.Fatalf("seed: %v", err)
	}

	_, ok, err := src.FindSystem("k", "v")
	if err != nil || ok {
		t.Errorf("FindSystem with find_system_enabled=false should never match, got ok=%v err=%v", ok, err)
	}
}
