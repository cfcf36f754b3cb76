// Package config decodes and validates the top-level YAML configuration
// document (spec.md §6 "Configuration file"): data sources, the HTTP and
// TFTP server sections, and each request handler's keys. It follows the
// decode-then-validate shape the teacher uses for its own typed config,
// one Validate method per section, with translator methods turning the
// YAML-shaped structs into the constructor inputs internal/handler and
// internal/datasource/* already expect.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/vinegar-boot/vinegar/internal/datasource/sqlitesource"
	"github.com/vinegar-boot/vinegar/internal/datasource/textfile"
	"github.com/vinegar-boot/vinegar/internal/datasource/yamltarget"
	"github.com/vinegar-boot/vinegar/internal/handler"
	"github.com/vinegar-boot/vinegar/internal/transform"
	"github.com/vinegar-boot/vinegar/internal/verr"
)

// Config is the decoded top-level document.
type Config struct {
	DataSources           []DataSourceConfig `yaml:"data_sources"`
	DataSourcesMergeLists bool               `yaml:"data_sources_merge_lists"`
	HTTP                  ServerConfig       `yaml:"http"`
	TFTP                  ServerConfig       `yaml:"tftp"`
	LoggingConfigFile     string             `yaml:"logging_config_file"`
	LoggingLevel          string             `yaml:"logging_level"`
}

// DataSourceConfig is one entry of the data_sources list: the common name
// key plus one of the source-specific key sets, which live alongside
// name rather than nested under it (spec.md §6).
type DataSourceConfig struct {
	Name string

	TextFile   textfile.Config
	YAMLTarget yamltarget.Config
	SQLite     sqlitesource.Config
}

// UnmarshalYAML decodes the shared name key, then re-decodes the whole
// node into whichever source-specific struct name selects.
func (d *DataSourceConfig) UnmarshalYAML(node *yaml.Node) error {
	type named struct {
		Name string `yaml:"name"`
	}
	var n named
	if err := node.Decode(&n); err != nil {
		return err
	}
	d.Name = n.Name

	switch n.Name {
	case "text_file":
		return node.Decode(&d.TextFile)
	case "yaml_target":
		return node.Decode(&d.YAMLTarget)
	case "sqlite":
		return node.Decode(&d.SQLite)
	default:
		return verr.NewConfigError(fmt.Sprintf("unknown data source type %q", n.Name), nil)
	}
}

// ServerConfig is the shared shape of the http and tftp sections
// (spec.md §6).
type ServerConfig struct {
	BindAddress     string          `yaml:"bind_address"`
	BindPort        int             `yaml:"bind_port"`
	RequestHandlers []HandlerConfig `yaml:"request_handlers"`
}

// HandlerConfig is one entry of a request_handlers list: the common name
// key plus the keys belonging to either the file or sqlite_update
// handler (spec.md §6). Like DataSourceConfig, the specific keys live
// alongside name rather than nested under it.
type HandlerConfig struct {
	Name string `yaml:"name"`

	// file handler keys (internal/handler.FileConfig)
	RequestPath           string            `yaml:"request_path"`
	RootDir               string            `yaml:"root_dir"`
	LookupKey             string            `yaml:"lookup_key"`
	LookupValueTransform  *transform.Chain  `yaml:"lookup_value_transform"`
	Template              *string           `yaml:"template"`
	DataSourceErrorAction string            `yaml:"data_source_error_action"`
	LookupNoResultAction  string            `yaml:"lookup_no_result_action"`
	FileSuffix            string            `yaml:"file_suffix"`
	ContentType           string            `yaml:"content_type"`
	ContentTypeMap        map[string]string `yaml:"content_type_map"`

	// sqlite_update handler keys (internal/handler.SQLiteUpdateConfig)
	DBFile string `yaml:"db_file"`
	Action string `yaml:"action"`
	Key    string `yaml:"key"`
	Value  string `yaml:"value"`

	// shared access-control keys
	ClientAddressKey  string   `yaml:"client_address_key"`
	ClientAddressList []string `yaml:"client_address_list"`
}

// ToFileConfig translates the decoded YAML shape into the handler
// package's constructor input. Only meaningful when h.Name == "file".
func (h HandlerConfig) ToFileConfig() handler.FileConfig {
	return handler.FileConfig{
		RequestPath:           h.RequestPath,
		RootDir:               h.RootDir,
		LookupKey:             h.LookupKey,
		LookupValueTransform:  h.LookupValueTransform,
		Template:              h.Template,
		DataSourceErrorAction: h.DataSourceErrorAction,
		LookupNoResultAction:  h.LookupNoResultAction,
		ClientAddressKey:      h.ClientAddressKey,
		ClientAddressList:     h.ClientAddressList,
		FileSuffix:            h.FileSuffix,
		ContentType:           h.ContentType,
		ContentTypeMap:        h.ContentTypeMap,
	}
}

// ToSQLiteUpdateConfig translates the decoded YAML shape into the
// handler package's constructor input. Only meaningful when
// h.Name == "sqlite_update".
func (h HandlerConfig) ToSQLiteUpdateConfig() handler.SQLiteUpdateConfig {
	return handler.SQLiteUpdateConfig{
		RequestPath:       h.RequestPath,
		Action:            h.Action,
		Key:               h.Key,
		Value:             h.Value,
		ClientAddressKey:  h.ClientAddressKey,
		ClientAddressList: h.ClientAddressList,
	}
}

// Load reads, parses, and validates the configuration file at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, verr.NewConfigError(fmt.Sprintf("read %s", path), err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, verr.NewConfigError(fmt.Sprintf("parse %s", path), err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate applies section defaults and checks the cross-field
// invariants a bare yaml.Unmarshal cannot express (spec.md §6/§7
// ConfigError).
func (c *Config) Validate() error {
	c.HTTP.applyDefaults("::", 80)
	c.TFTP.applyDefaults("::", 69)

	if len(c.DataSources) == 0 {
		return verr.NewConfigError("data_sources must list at least one source", nil)
	}
	for _, ds := range c.DataSources {
		if ds.Name == "" {
			return verr.NewConfigError("data source missing name", nil)
		}
	}

	for _, h := range c.HTTP.RequestHandlers {
		if err := h.validate(); err != nil {
			return err
		}
	}
	for _, h := range c.TFTP.RequestHandlers {
		if err := h.validate(); err != nil {
			return err
		}
	}
	return nil
}

func (s *ServerConfig) applyDefaults(addr string, port int) {
	if s.BindAddress == "" {
		s.BindAddress = addr
	}
	if s.BindPort == 0 {
		s.BindPort = port
	}
}

func (h *HandlerConfig) validate() error {
	switch h.Name {
	case "file":
		if h.RequestPath == "" {
			return verr.NewConfigError("file handler: request_path is required", nil)
		}
		if h.RootDir == "" {
			return verr.NewConfigError("file handler: root_dir is required", nil)
		}
	case "sqlite_update":
		if h.RequestPath == "" {
			return verr.NewConfigError("sqlite_update handler: request_path is required", nil)
		}
		if h.DBFile == "" {
			return verr.NewConfigError("sqlite_update handler: db_file is required", nil)
		}
	default:
		return verr.NewConfigError(fmt.Sprintf("unknown request handler type %q", h.Name), nil)
	}
	return nil
}
