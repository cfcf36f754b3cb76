package handler

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"net/netip"
	"net/url"
	"path"
	"strings"

	billy "github.com/go-git/go-billy/v5"

	"github.com/vinegar-boot/vinegar/internal/datasource"
	"github.com/vinegar-boot/vinegar/internal/datatree"
	"github.com/vinegar-boot/vinegar/internal/template"
	"github.com/vinegar-boot/vinegar/internal/transform"
	"github.com/vinegar-boot/vinegar/internal/verr"
	"github.com/vinegar-boot/vinegar/internal/vfs"
)

// systemIDSentinel is the lookup_key value that means "use the extracted
// value as the system ID directly, skip find_system" (spec.md §6).
const systemIDSentinel = ":system_id:"

// lookupValuePlaceholder marks the variable segment of a configured
// request_path (spec.md §4.4 example: "/prefix/...").
const lookupValuePlaceholder = "..."

// FileConfig is the `file` handler's configuration (spec.md §6).
type FileConfig struct {
	RequestPath            string
	RootDir                string
	LookupKey              string
	LookupValueTransform   *transform.Chain
	Template               *string
	DataSourceErrorAction  string // fail|warn|continue, default fail
	LookupNoResultAction   string // fail|continue, default fail
	ClientAddressKey       string
	ClientAddressList      []string
	FileSuffix             string
	ContentType            string
	ContentTypeMap         map[string]string
}

func (c *FileConfig) errorAction() string {
	if c.DataSourceErrorAction == "" {
		return "fail"
	}
	return c.DataSourceErrorAction
}

func (c *FileConfig) noResultAction() string {
	if c.LookupNoResultAction == "" {
		return "fail"
	}
	return c.LookupNoResultAction
}

// FileHandler serves files from a directory tree, optionally identifying
// the requesting system from the request path and rendering the served
// file as a template with that system's data in scope (spec.md §4.4).
type FileHandler struct {
	cfg       FileConfig
	composite *datasource.Composite
	fs        billy.Filesystem
	engine    template.Engine

	extractLookup  bool
	prefixSegments []string
	phPrefix       string
	phSuffix       string
	suffixSegments []string
}

// NewFile builds a FileHandler. fs is the billy.Filesystem rooted at
// cfg.RootDir (typically vfs.New(cfg.RootDir) in production, vfs.NewMemory()
// or a memfs.New() seeded in tests); composite may be nil only if
// cfg.LookupKey is empty.
func NewFile(cfg FileConfig, composite *datasource.Composite, fs billy.Filesystem) (*FileHandler, error) {
	if cfg.RootDir == "" {
		return nil, verr.NewConfigError("file handler: root_dir is required", nil)
	}
	if cfg.ClientAddressKey != "" && cfg.LookupKey == "" {
		return nil, verr.NewConfigError("file handler: client_address_key requires lookup_key", nil)
	}
	switch cfg.errorAction() {
	case "fail", "warn", "continue":
	default:
		return nil, verr.NewConfigError(fmt.Sprintf("file handler: invalid data_source_error_action %q", cfg.DataSourceErrorAction), nil)
	}
	switch cfg.noResultAction() {
	case "fail", "continue":
	default:
		return nil, verr.NewConfigError(fmt.Sprintf("file handler: invalid lookup_no_result_action %q", cfg.LookupNoResultAction), nil)
	}

	extract := cfg.LookupKey != ""
	prefixSegs, phPrefix, phSuffix, suffixSegs, err := parseRequestPath(cfg.RequestPath, extract)
	if err != nil {
		return nil, verr.NewConfigError("file handler", err)
	}

	var engine template.Engine
	if cfg.Template != nil && *cfg.Template != "" && *cfg.Template != "none" {
		engine = template.New(fs, template.Options{})
	}

	return &FileHandler{
		cfg:            cfg,
		composite:      composite,
		fs:             fs,
		engine:         engine,
		extractLookup:  extract,
		prefixSegments: prefixSegs,
		phPrefix:       phPrefix,
		phSuffix:       phSuffix,
		suffixSegments: suffixSegs,
	}, nil
}

// parseRequestPath splits a configured request_path into the segments
// preceding the "..." placeholder, the literal prefix/suffix glued to the
// placeholder segment itself, and the segments following it. Grounded on
// the original's _init_request_path, simplified to a single hardcoded
// placeholder string.
func parseRequestPath(requestPath string, extractLookup bool) (prefix []string, phPrefix, phSuffix string, suffix []string, err error) {
	if !strings.HasPrefix(requestPath, "/") {
		return nil, "", "", nil, fmt.Errorf("request_path %q must start with \"/\"", requestPath)
	}
	if requestPath == "/" {
		requestPath = ""
	} else if strings.HasSuffix(requestPath, "/") {
		return nil, "", "", nil, fmt.Errorf("request_path %q must not end with \"/\"", requestPath)
	}
	segs := strings.Split(requestPath, "/")
	if !extractLookup {
		return segs, "", "", nil, nil
	}

	phIndex := -1
	for i, seg := range segs {
		if strings.Contains(seg, lookupValuePlaceholder) {
			if phIndex != -1 {
				return nil, "", "", nil, fmt.Errorf("request_path %q contains the placeholder more than once", requestPath)
			}
			phIndex = i
		}
	}
	if phIndex == -1 {
		return nil, "", "", nil, fmt.Errorf("request_path %q does not contain the \"...\" placeholder required by lookup_key", requestPath)
	}
	parts := strings.SplitN(segs[phIndex], lookupValuePlaceholder, 2)
	if strings.Count(segs[phIndex], lookupValuePlaceholder) > 1 {
		return nil, "", "", nil, fmt.Errorf("request_path %q contains the placeholder more than once", requestPath)
	}
	return segs[:phIndex], parts[0], parts[1], segs[phIndex+1:], nil
}

// fileContext is what prepareContext extracts from a request URI before
// CanHandle/Handle decide what to do with it.
type fileContext struct {
	matches        bool
	lookupRawValue string
	extraPath      string // root-relative, no leading slash; "" if none
}

func (h *FileHandler) prepareContext(uri string) fileContext {
	var ctx fileContext
	if strings.Contains(uri, "\x00") || strings.Contains(uri, "%00") {
		return ctx
	}
	p := uri
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	decoded, err := url.PathUnescape(p)
	if err != nil {
		return ctx
	}
	p = decoded

	segs := strings.Split(p, "/")
	if len(segs) < len(h.prefixSegments) {
		return ctx
	}
	for i, exp := range h.prefixSegments {
		if segs[i] != exp {
			return ctx
		}
	}
	segs = segs[len(h.prefixSegments):]

	if h.extractLookup {
		if len(segs) == 0 {
			return ctx
		}
		seg := segs[0]
		if !strings.HasPrefix(seg, h.phPrefix) || !strings.HasSuffix(seg, h.phSuffix) || len(seg) < len(h.phPrefix)+len(h.phSuffix) {
			return ctx
		}
		segs = segs[1:]
		if len(segs) < len(h.suffixSegments) {
			return ctx
		}
		for i, exp := range h.suffixSegments {
			if segs[i] != exp {
				return ctx
			}
		}
		segs = segs[len(h.suffixSegments):]

		raw := seg[len(h.phPrefix) : len(seg)-len(h.phSuffix)]
		if raw == "" {
			return ctx
		}
		ctx.lookupRawValue = raw
	}

	if len(segs) == 0 {
		return ctx
	}
	ctx.extraPath = strings.Join(segs, "/")
	ctx.matches = true
	return ctx
}

func (h *FileHandler) CanHandle(uri string) bool {
	return h.prepareContext(uri).matches
}

func (h *FileHandler) Handle(req Request) (Response, error) {
	if req.Info.Method != "" && req.Info.Method != "GET" && req.Info.Method != "HEAD" {
		return Response{}, ErrMethodNotAllowed(req.Info.Method)
	}

	ctx := h.prepareContext(req.Info.URI)
	if !ctx.matches {
		return Response{}, verr.ErrNotFound
	}

	var systemID string
	haveSystemID := false
	data := datatree.Absent

	if h.extractLookup {
		rawValue, err := h.cfg.LookupValueTransform.Apply(ctx.lookupRawValue)
		if err != nil {
			return Response{}, err
		}
		lookupValue := fmt.Sprintf("%v", rawValue)

		if h.cfg.LookupKey == systemIDSentinel {
			systemID, haveSystemID = lookupValue, true
		} else {
			id, ok, err := h.composite.FindSystem(h.cfg.LookupKey, lookupValue)
			if err != nil {
				switch h.cfg.errorAction() {
				case "fail":
					return Response{}, err
				case "warn":
					log.Printf("file handler: find_system(%s, %s) failed, continuing without a system id: %v", h.cfg.LookupKey, lookupValue, err)
				}
				ok = false
			}
			if ok {
				systemID, haveSystemID = id, true
			}
		}

		if haveSystemID && (h.cfg.ClientAddressKey != "" || h.engine != nil) {
			d, err := h.composite.CachedOrFetch(systemID)
			if err != nil {
				switch h.cfg.errorAction() {
				case "fail":
					return Response{}, err
				case "warn":
					log.Printf("file handler: get_data(%s) failed, continuing without system data: %v", systemID, err)
				}
			} else {
				data = d
			}
		}
	}

	if err := h.checkAccess(haveSystemID, data, req.Info.ClientAddress); err != nil {
		return Response{}, err
	}

	if h.extractLookup && h.cfg.noResultAction() == "fail" && !haveSystemID {
		return Response{}, verr.ErrNotFound
	}

	filePath, ok := h.translatePath(ctx.extraPath)
	if !ok {
		return Response{}, verr.ErrNotFound
	}

	if h.engine != nil {
		tctx := template.Context{"request_info": req.Info}
		if haveSystemID {
			tctx["id"] = systemID
		}
		if !data.IsAbsent() {
			tctx["data"] = data.Native()
		}
		out, err := h.engine.Render(filePath, tctx)
		if err != nil {
			return Response{}, err
		}
		return Response{
			Body:        io.NopCloser(bytes.NewReader(out)),
			Size:        int64(len(out)),
			ContentType: h.contentType(filePath),
		}, nil
	}

	f, err := h.fs.Open(filePath)
	if err != nil {
		return Response{}, verr.ErrNotFound
	}
	info, err := h.fs.Stat(filePath)
	if err != nil || info.IsDir() {
		f.Close()
		return Response{}, verr.ErrNotFound
	}
	return Response{Body: f, Size: info.Size(), ContentType: h.contentType(filePath)}, nil
}

// translatePath turns a context's root-relative extraPath into a cleaned
// path safe to pass to h.fs, appending file_suffix if configured.
func (h *FileHandler) translatePath(extraPath string) (string, bool) {
	if extraPath == "" {
		return "", false
	}
	cleaned, err := vfs.Clean(extraPath)
	if err != nil || cleaned == "" {
		return "", false
	}
	if h.cfg.FileSuffix != "" {
		cleaned += h.cfg.FileSuffix
	}
	return cleaned, true
}

func (h *FileHandler) contentType(filePath string) string {
	if len(h.cfg.ContentTypeMap) > 0 {
		base := path.Base(filePath)
		if v, ok := h.cfg.ContentTypeMap[base]; ok {
			return v
		}
		if v, ok := h.cfg.ContentTypeMap["."+strings.TrimPrefix(path.Ext(base), ".")]; ok {
			return v
		}
	}
	if h.cfg.ContentType != "" {
		return h.cfg.ContentType
	}
	if h.engine != nil {
		return "text/plain; charset=UTF-8"
	}
	return "application/octet-stream"
}

// checkAccess enforces client_address_key / client_address_list
// (spec.md §4.4 access restrictions): the union of both sources of
// allowed addresses must contain the requesting client, unless neither
// option is configured at all.
func (h *FileHandler) checkAccess(haveSystemID bool, data datatree.Value, client netip.Addr) error {
	if h.cfg.ClientAddressKey == "" && len(h.cfg.ClientAddressList) == 0 {
		return nil
	}
	expected := append([]string{}, h.cfg.ClientAddressList...)
	if h.cfg.ClientAddressKey != "" && haveSystemID {
		expected = append(expected, addressStrings(data.Get(h.cfg.ClientAddressKey))...)
	}
	if !addressMatchesAny(expected, client) {
		return verr.ErrAccessDenied
	}
	return nil
}

// addressStrings flattens a data-tree value that may be a single address
// string or a sequence of them (spec.md §4.4 "string ... or a list").
func addressStrings(v datatree.Value) []string {
	if v.IsAbsent() || v.IsNull() {
		return nil
	}
	if seq, ok := v.Seq(); ok {
		out := make([]string, 0, len(seq))
		for _, e := range seq {
			out = append(out, e.String())
		}
		return out
	}
	return []string{v.String()}
}

// addressMatchesAny reports whether client matches any entry in expected,
// where an entry may be a bare IP address or a CIDR subnet.
func addressMatchesAny(expected []string, client netip.Addr) bool {
	for _, e := range expected {
		if prefix, err := netip.ParsePrefix(e); err == nil {
			if prefix.Contains(client) {
				return true
			}
			continue
		}
		if addr, err := netip.ParseAddr(e); err == nil && addr == client {
			return true
		}
	}
	return false
}
