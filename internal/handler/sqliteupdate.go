package handler

import (
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"net/url"
	"strings"

	"github.com/vinegar-boot/vinegar/internal/datasource"
	"github.com/vinegar-boot/vinegar/internal/datatree"
	"github.com/vinegar-boot/vinegar/internal/store"
	"github.com/vinegar-boot/vinegar/internal/verr"
)

// Actions accepted by the sqlite_update handler (spec.md §6).
const (
	ActionDeleteData             = "delete_data"
	ActionSetValue               = "set_value"
	ActionSetJSONFromRequestBody = "set_json_value_from_request_body"
	ActionSetTextFromRequestBody = "set_text_value_from_request_body"
)

// SQLiteUpdateConfig is the sqlite_update handler's configuration
// (spec.md §6): `request_path`, `db_file` (resolved to a *store.Store by
// the caller), `action`, `key`, optional `value`, `client_address_key`,
// `client_address_list`.
type SQLiteUpdateConfig struct {
	RequestPath       string
	Action            string
	Key               string
	Value             string
	ClientAddressKey  string
	ClientAddressList []string
}

// SQLiteUpdateHandler applies one configured mutation to the state store
// for the system named by the request path's final segment (spec.md §4.4
// "sqlite_update handler").
type SQLiteUpdateHandler struct {
	cfg       SQLiteUpdateConfig
	store     *store.Store
	composite *datasource.Composite
	prefix    string // RequestPath with exactly one trailing "/"
}

// NewSQLiteUpdate builds a SQLiteUpdateHandler. composite is only
// consulted when cfg.ClientAddressKey is set; it may be nil otherwise.
func NewSQLiteUpdate(cfg SQLiteUpdateConfig, st *store.Store, composite *datasource.Composite) (*SQLiteUpdateHandler, error) {
	if !strings.HasPrefix(cfg.RequestPath, "/") {
		return nil, verr.NewConfigError(fmt.Sprintf("sqlite_update handler: request_path %q must start with \"/\"", cfg.RequestPath), nil)
	}
	switch cfg.Action {
	case ActionDeleteData:
	case ActionSetValue:
		if cfg.Key == "" {
			return nil, verr.NewConfigError("sqlite_update handler: action set_value requires key", nil)
		}
	case ActionSetJSONFromRequestBody, ActionSetTextFromRequestBody:
		if cfg.Key == "" {
			return nil, verr.NewConfigError(fmt.Sprintf("sqlite_update handler: action %s requires key", cfg.Action), nil)
		}
	default:
		return nil, verr.NewConfigError(fmt.Sprintf("sqlite_update handler: invalid action %q", cfg.Action), nil)
	}
	if cfg.ClientAddressKey != "" && composite == nil {
		return nil, verr.NewConfigError("sqlite_update handler: client_address_key requires a data source", nil)
	}

	prefix := cfg.RequestPath
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &SQLiteUpdateHandler{cfg: cfg, store: st, composite: composite, prefix: prefix}, nil
}

func (h *SQLiteUpdateHandler) systemIDFor(uri string) (string, bool) {
	p := uri
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	decoded, err := url.PathUnescape(p)
	if err != nil || strings.Contains(decoded, "\x00") {
		return "", false
	}
	if !strings.HasPrefix(decoded, h.prefix) {
		return "", false
	}
	systemID := decoded[len(h.prefix):]
	if systemID == "" {
		return "", false
	}
	return systemID, true
}

func (h *SQLiteUpdateHandler) CanHandle(uri string) bool {
	_, ok := h.systemIDFor(uri)
	return ok
}

func (h *SQLiteUpdateHandler) Handle(req Request) (Response, error) {
	if req.Info.Method != "" && req.Info.Method != "POST" {
		return Response{}, ErrMethodNotAllowed(req.Info.Method)
	}
	systemID, ok := h.systemIDFor(req.Info.URI)
	if !ok {
		return Response{}, verr.ErrNotFound
	}

	if err := h.checkAccess(systemID, req.Info.ClientAddress); err != nil {
		return Response{}, err
	}

	switch h.cfg.Action {
	case ActionDeleteData:
		if err := h.store.DeleteAll(systemID); err != nil {
			return Response{}, err
		}
	case ActionSetValue:
		if err := h.store.Set(systemID, h.cfg.Key, h.cfg.Value, store.TypeString); err != nil {
			return Response{}, err
		}
	case ActionSetJSONFromRequestBody:
		body, err := readBody(req.Body)
		if err != nil {
			return Response{}, err
		}
		if _, err := datatree.FromJSON(body); err != nil {
			return Response{}, verr.NewProtocolError(fmt.Sprintf("request body is not valid JSON: %v", err))
		}
		if err := h.store.Set(systemID, h.cfg.Key, string(body), store.TypeJSON); err != nil {
			return Response{}, err
		}
	case ActionSetTextFromRequestBody:
		body, err := readBody(req.Body)
		if err != nil {
			return Response{}, err
		}
		if err := h.store.Set(systemID, h.cfg.Key, string(body), store.TypeString); err != nil {
			return Response{}, err
		}
	}

	return Response{Status: http.StatusNoContent, Size: 0}, nil
}

func readBody(body io.Reader) ([]byte, error) {
	if body == nil {
		return nil, verr.NewProtocolError("request has no body")
	}
	return io.ReadAll(body)
}

// checkAccess mirrors the `file` handler's client_address_key /
// client_address_list union check, but reports ErrNotFound rather than
// ErrAccessDenied when the backing data source cannot be consulted at
// all (spec.md §4.4 "404 if the system ID cannot be resolved and access
// control therefore cannot be evaluated").
func (h *SQLiteUpdateHandler) checkAccess(systemID string, client netip.Addr) error {
	if h.cfg.ClientAddressKey == "" && len(h.cfg.ClientAddressList) == 0 {
		return nil
	}
	expected := append([]string{}, h.cfg.ClientAddressList...)
	if h.cfg.ClientAddressKey != "" {
		data, err := h.composite.CachedOrFetch(systemID)
		if err != nil {
			return verr.ErrNotFound
		}
		if data.IsAbsent() {
			return verr.ErrNotFound
		}
		expected = append(expected, addressStrings(data.Get(h.cfg.ClientAddressKey))...)
	}
	if !addressMatchesAny(expected, client) {
		return verr.ErrAccessDenied
	}
	return nil
}
