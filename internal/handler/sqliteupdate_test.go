package handler

import (
	"net/netip"
	"path/filepath"
	"strings"
	"testing"

	"github.com/vinegar-boot/vinegar/internal/datasource"
	"github.com/vinegar-boot/vinegar/internal/datatree"
	"github.com/vinegar-boot/vinegar/internal/store"
	"github.com/vinegar-boot/vinegar/internal/verr"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "state.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestSQLiteUpdateHandler_SetValue(t *testing.T) {
	st := newTestStore(t)
	h, err := NewSQLiteUpdate(SQLiteUpdateConfig{
		RequestPath: "/update",
		Action:      ActionSetValue,
		Key:         "provisioned",
		Value:       "true",
	}, st, nil)
	if err != nil {
		t.Fatalf("NewSQLiteUpdate: %v", err)
	}

	if !h.CanHandle("/update/myhost") {
		t.Fatal("expected CanHandle to match")
	}
	resp, err := h.Handle(Request{Info: RequestInfo{URI: "/update/myhost", Method: "POST"}})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if resp.Status != 204 {
		t.Errorf("status = %d, want 204", resp.Status)
	}

	row, ok, err := st.Get("myhost", "provisioned")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if row.Value != "true" || row.Type != store.TypeString {
		t.Errorf("row = %+v", row)
	}
}

func TestSQLiteUpdateHandler_DeleteData(t *testing.T) {
	st := newTestStore(t)
	if err := st.Set("myhost", "k1", "v1", store.TypeString); err != nil {
		t.Fatalf("seed Set: %v", err)
	}
	if err := st.Set("myhost", "k2", "v2", store.TypeString); err != nil {
		t.Fatalf("seed Set: %v", err)
	}

	h, err := NewSQLiteUpdate(SQLiteUpdateConfig{
		RequestPath: "/update",
		Action:      ActionDeleteData,
	}, st, nil)
	if err != nil {
		t.Fatalf("NewSQLiteUpdate: %v", err)
	}

	resp, err := h.Handle(Request{Info: RequestInfo{URI: "/update/myhost", Method: "POST"}})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if resp.Status != 204 {
		t.Errorf("status = %d, want 204", resp.Status)
	}

	rows, err := st.List("myhost")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("rows after delete = %+v, want none", rows)
	}
}

func TestSQLiteUpdateHandler_SetJSONFromRequestBody(t *testing.T) {
	st := newTestStore(t)
	h, err := NewSQLiteUpdate(SQLiteUpdateConfig{
		RequestPath: "/update",
		Action:      ActionSetJSONFromRequestBody,
		Key:         "tags",
	}, st, nil)
	if err != nil {
		t.Fatalf("NewSQLiteUpdate: %v", err)
	}

	resp, err := h.Handle(Request{
		Info: RequestInfo{URI: "/update/myhost", Method: "POST"},
		Body: strings.NewReader(`["a","b"]`),
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if resp.Status != 204 {
		t.Errorf("status = %d, want 204", resp.Status)
	}

	row, ok, err := st.Get("myhost", "tags")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if row.Type != store.TypeJSON || row.Value != `["a","b"]` {
		t.Errorf("row = %+v", row)
	}
}

func TestSQLiteUpdateHandler_SetJSONFromRequestBody_RejectsMalformed(t *testing.T) {
	st := newTestStore(t)
	h, err := NewSQLiteUpdate(SQLiteUpdateConfig{
		RequestPath: "/update",
		Action:      ActionSetJSONFromRequestBody,
		Key:         "tags",
	}, st, nil)
	if err != nil {
		t.Fatalf("NewSQLiteUpdate: %v", err)
	}

	_, err = h.Handle(Request{
		Info: RequestInfo{URI: "/update/myhost", Method: "POST"},
		Body: strings.NewReader(`not json`),
	})
	if err == nil {
		t.Fatal("expected an error for malformed JSON body")
	}
	if _, ok := err.(*verr.ProtocolError); !ok {
		t.Errorf("expected *verr.ProtocolError, got %T: %v", err, err)
	}
}

func TestSQLiteUpdateHandler_RejectsGetMethod(t *testing.T) {
	st := newTestStore(t)
	h, err := NewSQLiteUpdate(SQLiteUpdateConfig{
		RequestPath: "/update",
		Action:      ActionDeleteData,
	}, st, nil)
	if err != nil {
		t.Fatalf("NewSQLiteUpdate: %v", err)
	}

	_, err = h.Handle(Request{Info: RequestInfo{URI: "/update/myhost", Method: "GET"}})
	if !IsMethodNotAllowed(err) {
		t.Errorf("expected method-not-allowed, got %v", err)
	}
}

func TestSQLiteUpdateHandler_AccessControl(t *testing.T) {
	st := newTestStore(t)
	src := &fakeSource{
		name: "text_file",
		data: map[string]datatree.Value{
			"myhost": datatree.Map(datatree.KV{Key: "net", Value: datatree.Map(
				datatree.KV{Key: "ip_addr", Value: datatree.String("192.0.2.1")},
			)}),
		},
	}
	composite := datasource.NewComposite([]datasource.DataSource{src}, false)

	h, err := NewSQLiteUpdate(SQLiteUpdateConfig{
		RequestPath:      "/update",
		Action:           ActionDeleteData,
		ClientAddressKey: "net:ip_addr",
	}, st, composite)
	if err != nil {
		t.Fatalf("NewSQLiteUpdate: %v", err)
	}

	other := netip.MustParseAddr("198.51.100.1")
	_, err = h.Handle(Request{Info: RequestInfo{URI: "/update/myhost", Method: "POST", ClientAddress: other}})
	if err != verr.ErrAccessDenied {
		t.Errorf("expected ErrAccessDenied, got %v", err)
	}

	allowed := netip.MustParseAddr("192.0.2.1")
	resp, err := h.Handle(Request{Info: RequestInfo{URI: "/update/myhost", Method: "POST", ClientAddress: allowed}})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if resp.Status != 204 {
		t.Errorf("status = %d, want 204", resp.Status)
	}
}

func TestSQLiteUpdateHandler_UnresolvableSystemIs404(t *testing.T) {
	st := newTestStore(t)
	src := &fakeSource{name: "text_file", data: map[string]datatree.Value{}}
	composite := datasource.NewComposite([]datasource.DataSource{src}, false)

	h, err := NewSQLiteUpdate(SQLiteUpdateConfig{
		RequestPath:      "/update",
		Action:           ActionDeleteData,
		ClientAddressKey: "net:ip_addr",
	}, st, composite)
	if err != nil {
		t.Fatalf("NewSQLiteUpdate: %v", err)
	}

	_, err = h.Handle(Request{Info: RequestInfo{URI: "/update/unknownhost", Method: "POST"}})
	if err != verr.ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
