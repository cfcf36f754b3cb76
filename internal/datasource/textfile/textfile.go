// Package textfile implements the text_file data source (spec.md §4.3):
// one line per system, matched against a regular expression with named
// groups, projected into a system ID and a set of key paths through
// per-field transform chains.
package textfile

import (
	"bufio"
	"fmt"
	"hash/fnv"
	"log"
	"os"
	"regexp"
	"strconv"
	"sync"

	"github.com/vinegar-boot/vinegar/internal/datasource"
	"github.com/vinegar-boot/vinegar/internal/datatree"
	"github.com/vinegar-boot/vinegar/internal/transform"
)

// MismatchAction controls what happens when a line matches neither the
// main regular expression nor the ignore regular expression.
type MismatchAction string

const (
	ActionWarn  MismatchAction = "warn"
	ActionError MismatchAction = "error"
	ActionIgnore MismatchAction = "ignore"
)

// VariableConfig describes how to extract one piece of data (or the
// system ID) from a matched line: which capture group feeds it, and what
// transform chain to apply.
type VariableConfig struct {
	Source              string          `yaml:"source"`
	Transform           *transform.Chain `yaml:"transform"`
	TransformNoneValue  bool            `yaml:"transform_none_value"`
	UseNoneValue        bool            `yaml:"use_none_value"`
}

// Config is the text_file source's configuration (spec.md §6 / §4.3).
type Config struct {
	File                     string                    `yaml:"file"`
	RegularExpression        string                    `yaml:"regular_expression"`
	RegularExpressionIgnore  string                    `yaml:"regular_expression_ignore"`
	SystemID                 VariableConfig            `yaml:"system_id"`
	Variables                map[string]VariableConfig `yaml:"variables"`
	CacheEnabled             *bool                     `yaml:"cache_enabled"`
	DuplicateSystemIDAction  MismatchAction             `yaml:"duplicate_system_id_action"`
	FindFirstMatch           bool                      `yaml:"find_first_match"`
	MismatchAction           MismatchAction             `yaml:"mismatch_action"`
}

func (c *Config) cacheEnabled() bool {
	if c.CacheEnabled == nil {
		return true
	}
	return *c.CacheEnabled
}

func (c *Config) duplicateAction() MismatchAction {
	if c.DuplicateSystemIDAction == "" {
		return ActionWarn
	}
	return c.DuplicateSystemIDAction
}

func (c *Config) mismatchAction() MismatchAction {
	if c.MismatchAction == "" {
		return ActionWarn
	}
	return c.MismatchAction
}

// Source is the text_file data source.
type Source struct {
	name string
	cfg  Config
	re   *regexp.Regexp
	reIg *regexp.Regexp
	log  *log.Logger

	mu           sync.Mutex
	fileVersion  string
	systemData   map[string]datatree.Value
	systemVer    map[string]datasource.Version
	reverseIndex map[string][]string // "key=value" -> system IDs, in file order
}

// New validates the configuration and compiles its regular expressions.
func New(name string, cfg Config, logger *log.Logger) (*Source, error) {
	if cfg.File == "" {
		return nil, fmt.Errorf("text_file source %s: file is required", name)
	}
	re, err := regexp.Compile(fullMatchPattern(cfg.RegularExpression))
	if err != nil {
		return nil, fmt.Errorf("text_file source %s: invalid regular_expression: %w", name, err)
	}
	var reIg *regexp.Regexp
	if cfg.RegularExpressionIgnore != "" {
		reIg, err = regexp.Compile(fullMatchPattern(cfg.RegularExpressionIgnore))
		if err != nil {
			return nil, fmt.Errorf("text_file source %s: invalid regular_expression_ignore: %w", name, err)
		}
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Source{name: name, cfg: cfg, re: re, reIg: reIg, log: logger}, nil
}

func (s *Source) Name() string { return s.name }

func (s *Source) SupportsFindSystem() bool { return true }

func (s *Source) GetData(systemID string, preceding datatree.Value) (datatree.Value, datasource.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.reloadLocked(); err != nil {
		return datatree.Absent, 0, err
	}
	data, ok := s.systemData[systemID]
	if !ok {
		return datatree.Absent, 0, nil
	}
	return data, s.systemVer[systemID], nil
}

// Version reports systemID's current version without building its data
// tree. text_file never consults preceding, so it's ignored here just as
// GetData ignores it. reloadLocked only re-parses the file when its mtime
// or size changed since the last call, so this is cheap on the common
// path where nothing has changed.
func (s *Source) Version(systemID string, preceding datatree.Value) (datasource.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.reloadLocked(); err != nil {
		return 0, err
	}
	return s.systemVer[systemID], nil
}

func (s *Source) FindSystem(lookupKey, lookupValue string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.reloadLocked(); err != nil {
		return "", false, err
	}
	matches := s.reverseIndex[lookupKey+"="+lookupValue]
	switch {
	case len(matches) == 0:
		return "", false, nil
	case len(matches) == 1:
		return matches[0], true, nil
	case s.cfg.FindFirstMatch:
		return matches[0], true, nil
	default:
		return "", false, nil
	}
}

// reloadLocked checks the backing file's mtime+size and, if it changed
// since the last parse, re-reads and re-parses it. Called with s.mu held.
func (s *Source) reloadLocked() error {
	if s.cfg.cacheEnabled() {
		version, err := statVersion(s.cfg.File)
		if err != nil {
			return fmt.Errorf("stat %s: %w", s.cfg.File, err)
		}
		if version == s.fileVersion {
			return nil
		}
	}

	systemData := make(map[string]datatree.Value)
	systemVer := make(map[string]datasource.Version)
	systemLine := make(map[string]int)
	reverseIndex := make(map[string][]string)

	f, err := os.Open(s.cfg.File)
	if err != nil {
		return fmt.Errorf("open %s: %w", s.cfg.File, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()

		if s.reIg != nil && s.reIg.MatchString(line) {
			continue
		}
		match := s.re.FindStringSubmatch(line)
		if match == nil {
			switch s.cfg.mismatchAction() {
			case ActionError:
				return fmt.Errorf("%s line %d: %q does not match the configured format", s.cfg.File, lineNo, line)
			case ActionIgnore:
				continue
			default:
				s.log.Printf("text_file %s: %s line %d: %q does not match the configured format", s.name, s.cfg.File, lineNo, line)
				continue
			}
		}

		systemID, err := s.extractString(s.cfg.SystemID, match, false)
		if err != nil {
			return fmt.Errorf("%s line %d: %w", s.cfg.File, lineNo, err)
		}
		if systemID == "" {
			return fmt.Errorf("%s line %d: line does not specify a system ID", s.cfg.File, lineNo)
		}

		if prevLine, dup := systemLine[systemID]; dup {
			switch s.cfg.duplicateAction() {
			case ActionError:
				return fmt.Errorf("%s line %d: system ID %q already specified in line %d", s.cfg.File, lineNo, systemID, prevLine)
			case ActionIgnore:
				continue
			default:
				s.log.Printf("text_file %s: %s line %d: system ID %q already specified in line %d, ignoring", s.name, s.cfg.File, lineNo, systemID, prevLine)
				continue
			}
		}

		data := datatree.Map()
		keys := sortedVariableNames(s.cfg.Variables)
		for _, key := range keys {
			varCfg := s.cfg.Variables[key]
			value, err := s.extractValue(varCfg, match)
			if err != nil {
				return fmt.Errorf("%s line %d: %w", s.cfg.File, lineNo, err)
			}
			if value.IsAbsent() {
				continue
			}
			data = data.Set(key, value)
			reverseIndex[key+"="+value.String()] = append(reverseIndex[key+"="+value.String()], systemID)
		}

		systemData[systemID] = data
		systemVer[systemID] = versionForString(line)
		systemLine[systemID] = lineNo
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read %s: %w", s.cfg.File, err)
	}

	s.systemData = systemData
	s.systemVer = systemVer
	s.reverseIndex = reverseIndex

	if s.cfg.cacheEnabled() {
		version, err := statVersion(s.cfg.File)
		if err != nil {
			return fmt.Errorf("stat %s: %w", s.cfg.File, err)
		}
		s.fileVersion = version
	}
	return nil
}

// extractValue resolves a variable's group, applies its transform chain,
// and returns Absent when the group had no value and use_none_value is
// not set.
func (s *Source) extractValue(cfg VariableConfig, match []string) (datatree.Value, error) {
	raw, hasValue := groupValue(s.re, match, cfg.Source)
	var current any
	if hasValue {
		current = raw
	} else if !cfg.TransformNoneValue {
		if !cfg.UseNoneValue {
			return datatree.Absent, nil
		}
		return datatree.Null, nil
	}

	out, err := cfg.Transform.Apply(current)
	if err != nil {
		return datatree.Absent, err
	}
	if out == nil {
		if !cfg.UseNoneValue {
			return datatree.Absent, nil
		}
		return datatree.Null, nil
	}
	return datatree.FromNative(out), nil
}

// extractString is like extractValue but requires a non-empty string
// result, for the mandatory system_id configuration.
func (s *Source) extractString(cfg VariableConfig, match []string, optional bool) (string, error) {
	v, err := s.extractValue(cfg, match)
	if err != nil {
		return "", err
	}
	if v.IsAbsent() && !optional {
		return "", fmt.Errorf("capture group %q has no value", cfg.Source)
	}
	return v.String(), nil
}

// groupValue resolves a VariableConfig's "source" (a capture group name
// or a numeric index) against a completed match.
func groupValue(re *regexp.Regexp, match []string, source string) (string, bool) {
	idx := -1
	if n, err := strconv.Atoi(source); err == nil {
		idx = n
	} else {
		idx = re.SubexpIndex(source)
	}
	if idx < 0 || idx >= len(match) {
		return "", false
	}
	if match[idx] == "" {
		// A regexp.FindStringSubmatch result can't distinguish "matched
		// empty string" from "group did not participate"; Vinegar treats
		// both as "no value", matching the original's None-based model.
		return "", false
	}
	return match[idx], true
}

func sortedVariableNames(vars map[string]VariableConfig) []string {
	names := make([]string, 0, len(vars))
	for k := range vars {
		names = append(names, k)
	}
	// Deterministic order keeps each system's data tree keys in a stable
	// order; sort lexically since YAML map order is not preserved by Go's
	// map type.
	for i := 1; i < len(names); i++ {
		for j := i; j > 0 && names[j-1] > names[j]; j-- {
			names[j-1], names[j] = names[j], names[j-1]
		}
	}
	return names
}

// fullMatchPattern anchors a user-supplied pattern so that Go's
// unanchored FindStringSubmatch behaves like Python's re.fullmatch, which
// this source's configuration semantics (spec.md §4.3 "matched against a
// regular expression") are defined in terms of.
func fullMatchPattern(pattern string) string {
	return "^(?:" + pattern + ")$"
}

func statVersion(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d-%d", info.ModTime().UnixNano(), info.Size()), nil
}

func versionForString(s string) datasource.Version {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return datasource.Version(h.Sum64())
}
