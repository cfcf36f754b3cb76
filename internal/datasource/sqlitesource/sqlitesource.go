// Package sqlitesource implements the sqlite data source (spec.md §4.3):
// a DataSource backed by internal/store, for configuration values that
// need safe concurrent updates from the sqlite_update request handler.
// Grounded on the original's vinegar/data_source/sqlite.py, adapted to
// Vinegar's Go store.Store rather than a bespoke Python sqlite wrapper.
package sqlitesource

import (
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/vinegar-boot/vinegar/internal/datasource"
	"github.com/vinegar-boot/vinegar/internal/datatree"
	"github.com/vinegar-boot/vinegar/internal/store"
)

// Config is the sqlite source's configuration.
type Config struct {
	DBFile            string `yaml:"db_file"`
	FindSystemEnabled *bool  `yaml:"find_system_enabled"`
	KeyPrefix         string `yaml:"key_prefix"`
}

func (c *Config) findSystemEnabled() bool {
	if c.FindSystemEnabled == nil {
		return false
	}
	return *c.FindSystemEnabled
}

// Source is the sqlite data source. Unlike text_file and yaml_target, it
// performs no caching: every call hits the database directly, since the
// whole point of this source is letting the sqlite_update handler make
// immediately-visible writes (spec.md §4.3, "no caching").
type Source struct {
	name  string
	cfg   Config
	store *store.Store
}

// New opens the backing store and returns a configured Source.
func New(name string, cfg Config) (*Source, error) {
	if cfg.DBFile == "" {
		return nil, fmt.Errorf("sqlite source %s: db_file is required", name)
	}
	st, err := store.Open(cfg.DBFile)
	if err != nil {
		return nil, fmt.Errorf("sqlite source %s: %w", name, err)
	}
	return &Source{name: name, cfg: cfg, store: st}, nil
}

func (s *Source) Name() string { return s.name }

// Close releases the backing database connection. Most callers let the
// source live for the server's entire lifetime and never call this; it
// exists mainly for tests that create and discard many sources.
func (s *Source) Close() error { return s.store.Close() }

func (s *Source) SupportsFindSystem() bool { return s.cfg.findSystemEnabled() }

func (s *Source) GetData(systemID string, preceding datatree.Value) (datatree.Value, datasource.Version, error) {
	rows, err := s.store.List(systemID)
	if err != nil {
		return datatree.Absent, 0, err
	}
	if len(rows) == 0 {
		return datatree.Absent, 0, nil
	}

	data := datatree.Map()
	for _, row := range rows {
		v, err := decodeValue(row)
		if err != nil {
			return datatree.Absent, 0, fmt.Errorf("sqlite source %s: key %s: %w", s.name, row.Key, err)
		}
		data = data.Set(row.Key, v)
	}

	if s.cfg.KeyPrefix != "" {
		data = wrapInPrefix(s.cfg.KeyPrefix, data)
	}
	return data, rowsVersion(rows), nil
}

// Version reports systemID's current version without decoding its rows
// into a data tree. preceding is ignored, matching GetData: the sqlite
// source's own rows are the only thing its output depends on.
func (s *Source) Version(systemID string, preceding datatree.Value) (datasource.Version, error) {
	rows, err := s.store.List(systemID)
	if err != nil {
		return 0, err
	}
	return rowsVersion(rows), nil
}

func rowsVersion(rows []store.Row) datasource.Version {
	if len(rows) == 0 {
		return 0
	}
	h := fnv.New64a()
	for _, row := range rows {
		_, _ = h.Write([]byte(row.Key))
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(row.Value))
		_, _ = h.Write([]byte{0})
	}
	return datasource.Version(h.Sum64())
}

func (s *Source) FindSystem(lookupKey, lookupValue string) (string, bool, error) {
	if !s.cfg.findSystemEnabled() {
		return "", false, nil
	}
	if s.cfg.KeyPrefix != "" {
		prefix := s.cfg.KeyPrefix + ":"
		if !strings.HasPrefix(lookupKey, prefix) {
			return "", false, nil
		}
		lookupKey = strings.TrimPrefix(lookupKey, prefix)
	}
	matches, err := s.store.FindAllByKeyValue(lookupKey, lookupValue)
	if err != nil {
		return "", false, err
	}
	if len(matches) != 1 {
		return "", false, nil
	}
	return matches[0], true, nil
}

// decodeValue converts a stored (value, type) pair back into a data tree
// value, per the type tag store.Set recorded when it was written.
func decodeValue(row store.Row) (datatree.Value, error) {
	switch row.Type {
	case store.TypeString:
		return datatree.String(row.Value), nil
	case store.TypeBool:
		return datatree.Bool(row.Value == "true"), nil
	case store.TypeInt:
		var n int64
		if _, err := fmt.Sscanf(row.Value, "%d", &n); err != nil {
			return datatree.Absent, fmt.Errorf("invalid int value %q", row.Value)
		}
		return datatree.Int(n), nil
	case store.TypeFloat:
		var f float64
		if _, err := fmt.Sscanf(row.Value, "%g", &f); err != nil {
			return datatree.Absent, fmt.Errorf("invalid float value %q", row.Value)
		}
		return datatree.Float(f), nil
	case store.TypeJSON:
		return datatree.FromJSON([]byte(row.Value))
	default:
		return datatree.String(row.Value), nil
	}
}

// wrapInPrefix nests data inside a chain of single-key maps, one per
// colon-separated component of prefix, innermost-last so that
// key_prefix "abc:def" turns {x: 1} into {abc: {def: {x: 1}}}.
func wrapInPrefix(prefix string, data datatree.Value) datatree.Value {
	components := strings.Split(prefix, ":")
	out := data
	for i := len(components) - 1; i >= 0; i-- {
		out = datatree.Map(datatree.KV{Key: components[i], Value: out})
	}
	return out
}
