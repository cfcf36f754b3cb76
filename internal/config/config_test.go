package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "vinegar.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
data_sources:
  - name: text_file
    file: /tmp/hosts.txt
    regular_expression: "(?P<id>\\S+)"
    system_id:
      source: id
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTP.BindAddress != "::" || cfg.HTTP.BindPort != 80 {
		t.Errorf("http defaults = %+v", cfg.HTTP)
	}
	if cfg.TFTP.BindAddress != "::" || cfg.TFTP.BindPort != 69 {
		t.Errorf("tftp defaults = %+v", cfg.TFTP)
	}
	if cfg.DataSourcesMergeLists {
		t.Error("data_sources_merge_lists should default to false")
	}
	if len(cfg.DataSources) != 1 || cfg.DataSources[0].Name != "text_file" {
		t.Fatalf("data sources = %+v", cfg.DataSources)
	}
	if cfg.DataSources[0].TextFile.File != "/tmp/hosts.txt" {
		t.Errorf("text_file.file = %q", cfg.DataSources[0].TextFile.File)
	}
}

func TestLoad_FileHandler(t *testing.T) {
	path := writeConfig(t, `
data_sources:
  - name: text_file
    file: /tmp/hosts.txt
    regular_expression: "(?P<id>\\S+)"
    system_id:
      source: id
http:
  bind_port: 8080
  request_handlers:
    - name: file
      request_path: /boot/...
      root_dir: /srv/tftp
      lookup_key: id
      lookup_value_transform:
        - string.to_lower
      client_address_list:
        - 192.0.2.0/24
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTP.BindPort != 8080 {
		t.Errorf("bind_port = %d", cfg.HTTP.BindPort)
	}
	if len(cfg.HTTP.RequestHandlers) != 1 {
		t.Fatalf("request_handlers = %+v", cfg.HTTP.RequestHandlers)
	}
	h := cfg.HTTP.RequestHandlers[0]
	if h.RequestPath != "/boot/..." || h.RootDir != "/srv/tftp" || h.LookupKey != "id" {
		t.Errorf("handler = %+v", h)
	}
	if h.LookupValueTransform == nil || h.LookupValueTransform.Len() != 1 {
		t.Fatalf("lookup_value_transform not decoded: %+v", h.LookupValueTransform)
	}
	fc := h.ToFileConfig()
	if fc.RequestPath != h.RequestPath || fc.LookupValueTransform != h.LookupValueTransform {
		t.Errorf("ToFileConfig did not carry fields through: %+v", fc)
	}
}

func TestLoad_SQLiteUpdateHandlerRequiresDBFile(t *testing.T) {
	path := writeConfig(t, `
data_sources:
  - name: sqlite
    db_file: /tmp/state.db
http:
  request_handlers:
    - name: sqlite_update
      request_path: /update
      action: delete_data
      db_file: /tmp/state.db
      key: provisioned
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	uc := cfg.HTTP.RequestHandlers[0].ToSQLiteUpdateConfig()
	if uc.Action != "delete_data" || uc.RequestPath != "/update" {
		t.Errorf("ToSQLiteUpdateConfig = %+v", uc)
	}

	path2 := writeConfig(t, `
data_sources:
  - name: sqlite
    db_file: /tmp/state.db
http:
  request_handlers:
    - name: sqlite_update
      request_path: /update
      action: delete_data
`)
	if _, err := Load(path2); err == nil {
		t.Fatal("expected an error for missing db_file on the handler")
	}
}

func TestLoad_RejectsUnknownDataSourceType(t *testing.T) {
	path := writeConfig(t, `
data_sources:
  - name: carrier_pigeon
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for an unknown data source type")
	}
}

func TestLoad_RejectsEmptyDataSources(t *testing.T) {
	path := writeConfig(t, `
data_sources: []
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for no data sources at all")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/vinegar.yaml"); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}
