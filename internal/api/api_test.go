package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/foxzi/audiences/internal/config"
	"github.com/foxzi/audiences/internal/db"
	"github.com/foxzi/audiences/internal/metrics"
	"github.com/foxzi/audiences/internal/staging"
)

const testAPIKey = "test-api-key-0123456789"

type testEnv struct {
	t       *testing.T
	server  *Server
	db      *db.DB
	uploads *staging.Store
	metrics *metrics.Metrics
}

func newTestEnv(t *testing.T, mutate ...func(*config.Config)) *testEnv {
	t.Helper()

	cfg := &config.Config{}
	cfg.API.APIKey = testAPIKey
	cfg.Import.MaxFileBytes = 1 << 20
	cfg.Import.PreviewRows = 5
	cfg.Metrics.Enabled = true
	cfg.Metrics.Path = "/metrics"
	for _, m := range mutate {
		m(cfg)
	}

	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db.New() error = %v", err)
	}
	if err := database.Migrate(); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	t.Cleanup(func() { database.Close() })

	uploads, err := staging.Open(filepath.Join(t.TempDir(), "staging.db"))
	if err != nil {
		t.Fatalf("staging.Open() error = %v", err)
	}
	t.Cleanup(func() { uploads.Close() })

	m := metrics.New()
	metrics.SetGlobal(m)
	t.Cleanup(func() { metrics.SetGlobal(nil) })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &testEnv{
		t:       t,
		server:  NewServer(cfg, database.DB, uploads, m, logger),
		db:      database,
		uploads: uploads,
		metrics: m,
	}
}

// do sends an authenticated request; body may be nil, a string or a value
// to encode as JSON
func (e *testEnv) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	e.t.Helper()

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			e.t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

// upload posts a multipart form with a file part and optional fields
func (e *testEnv) upload(path, filename, content string, fields map[string]string) *httptest.ResponseRecorder {
	e.t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		e.t.Fatalf("CreateFormFile() error = %v", err)
	}
	part.Write([]byte(content))
	for k, v := range fields {
		mw.WriteField(k, v)
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-API-Key", testAPIKey)
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("status = %d, want %d; body = %s", rec.Code, want, rec.Body.String())
	}
}

// setupAudience creates an organization with one list and returns the
// list's base path
func (e *testEnv) setupAudience() string {
	e.t.Helper()

	rec := e.do(http.MethodPost, "/api/v1/organizations", map[string]string{"name": "Acme"})
	expectStatus(e.t, rec, http.StatusCreated)
	var org struct{ ID string }
	decode(e.t, rec, &org)

	rec = e.do(http.MethodPost, "/api/v1/organizations/"+org.ID+"/audiences", map[string]string{"name": "Customers"})
	expectStatus(e.t, rec, http.StatusCreated)
	var list struct{ ID string }
	decode(e.t, rec, &list)

	return "/api/v1/organizations/" + org.ID + "/audiences/" + list.ID
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	expectStatus(t, rec, http.StatusOK)

	var resp HealthResponse
	decode(t, rec, &resp)
	if resp.Status != "ok" || resp.Version != Version {
		t.Errorf("health = %+v", resp)
	}
}

func TestAuthMiddleware(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		header string
		value  string
		want   int
	}{
		{"missing", "", "", http.StatusUnauthorized},
		{"wrong bearer", "Authorization", "Bearer nope", http.StatusUnauthorized},
		{"bearer", "Authorization", "Bearer " + testAPIKey, http.StatusOK},
		{"x-api-key", "X-API-Key", testAPIKey, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/organizations", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rec := httptest.NewRecorder()
			env.server.Handler().ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestOrganizationsAndAudiences(t *testing.T) {
	env := newTestEnv(t)
	base := env.setupAudience()
	orgPath := base[:strings.Index(base, "/audiences/")]

	rec := env.do(http.MethodPost, "/api/v1/organizations", map[string]string{})
	expectStatus(t, rec, http.StatusBadRequest)
	if !strings.Contains(rec.Body.String(), "name is required") {
		t.Errorf("validation message = %s", rec.Body.String())
	}

	expectStatus(t, env.do(http.MethodGet, orgPath, nil), http.StatusOK)
	expectStatus(t, env.do(http.MethodGet, "/api/v1/organizations/missing", nil), http.StatusNotFound)

	rec = env.do(http.MethodPut, base, map[string]string{"name": "Renamed", "description": "VIPs"})
	expectStatus(t, rec, http.StatusOK)

	rec = env.do(http.MethodGet, orgPath+"/audiences?search=ren", nil)
	expectStatus(t, rec, http.StatusOK)
	var lists struct {
		Audiences []struct{ Name string }
		Total     int
	}
	decode(t, rec, &lists)
	if lists.Total != 1 || lists.Audiences[0].Name != "Renamed" {
		t.Errorf("audiences = %+v", lists)
	}

	// a list is only reachable through its own organization
	rec = env.do(http.MethodPost, "/api/v1/organizations", map[string]string{"name": "Other"})
	var other struct{ ID string }
	decode(t, rec, &other)
	foreign := "/api/v1/organizations/" + other.ID + base[strings.Index(base, "/audiences/"):]
	expectStatus(t, env.do(http.MethodGet, foreign, nil), http.StatusNotFound)

	expectStatus(t, env.do(http.MethodDelete, base, nil), http.StatusNoContent)
	expectStatus(t, env.do(http.MethodGet, base, nil), http.StatusNotFound)
}

func TestContacts(t *testing.T) {
	env := newTestEnv(t)
	base := env.setupAudience()

	contacts := []map[string]interface{}{
		{"email": "jane@example.com", "firstName": "Jane", "lastName": "Smith", "defaultAddressCountryCode": "US", "tags": "vip,beta"},
		{"email": "john@example.com", "firstName": "John", "lastName": "Doe", "defaultAddressCountryCode": "CA", "tags": "vip"},
		{"email": "jen@acme.io", "firstName": "Jen", "lastName": "Stone", "defaultAddressCountryCode": "US", "defaultAddressCompany": "Acme"},
	}
	var janeID string
	for _, c := range contacts {
		rec := env.do(http.MethodPost, base+"/contacts", c)
		expectStatus(t, rec, http.StatusCreated)
		if c["firstName"] == "Jane" {
			var created struct{ ID string }
			decode(t, rec, &created)
			janeID = created.ID
		}
	}

	expectStatus(t, env.do(http.MethodPost, base+"/contacts", contacts[0]), http.StatusConflict)
	expectStatus(t, env.do(http.MethodPost, base+"/contacts",
		map[string]string{"email": "not-an-email", "firstName": "A", "lastName": "B"}), http.StatusBadRequest)

	tests := []struct {
		query string
		want  int
	}{
		{"", 3},
		{"?searchValue=j&countries=US", 2},
		{"?searchValue=JANE", 1},
		{"?tags=vip", 2},
		{"?tags=vip,beta", 1},
		{"?countries=US&countries=CA", 3},
		{"?organizations=Acme", 1},
		{"?dateRange=7d", 3},
		{"?limit=1", 3},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			rec := env.do(http.MethodGet, base+"/contacts"+tt.query, nil)
			expectStatus(t, rec, http.StatusOK)
			var resp ContactsResponse
			decode(t, rec, &resp)
			if resp.Total != tt.want {
				t.Errorf("total = %d, want %d", resp.Total, tt.want)
			}
		})
	}

	expectStatus(t, env.do(http.MethodGet, base+"/contacts?dateRange=2w", nil), http.StatusBadRequest)

	rec := env.do(http.MethodGet, base+"/filters", nil)
	expectStatus(t, rec, http.StatusOK)
	var opts struct {
		Tags      []string
		Countries []string
	}
	decode(t, rec, &opts)
	if len(opts.Tags) != 2 || len(opts.Countries) != 2 {
		t.Errorf("filter options = %+v", opts)
	}

	expectStatus(t, env.do(http.MethodGet, base+"/contacts/"+janeID, nil), http.StatusOK)
	expectStatus(t, env.do(http.MethodDelete, base+"/contacts/"+janeID, nil), http.StatusNoContent)
	expectStatus(t, env.do(http.MethodGet, base+"/contacts/"+janeID, nil), http.StatusNotFound)

	rec = env.do(http.MethodGet, base, nil)
	var list struct {
		ContactCount int `json:"contact_count"`
	}
	decode(t, rec, &list)
	if list.ContactCount != 2 {
		t.Errorf("contact_count = %d, want 2", list.ContactCount)
	}
}

func TestSegments(t *testing.T) {
	env := newTestEnv(t)
	base := env.setupAudience()

	var ids []string
	for _, c := range []map[string]string{
		{"email": "a@example.com", "firstName": "Ann", "lastName": "Lee", "defaultAddressCountryCode": "US"},
		{"email": "b@example.com", "firstName": "Bob", "lastName": "Ray", "defaultAddressCountryCode": "DE"},
	} {
		rec := env.do(http.MethodPost, base+"/contacts", c)
		expectStatus(t, rec, http.StatusCreated)
		var created struct{ ID string }
		decode(t, rec, &created)
		ids = append(ids, created.ID)
	}

	rec := env.do(http.MethodPost, base+"/segments", map[string]interface{}{
		"name":           "US",
		"filterCriteria": map[string]interface{}{"countries": []string{"US"}},
	})
	expectStatus(t, rec, http.StatusCreated)
	var dynamic struct {
		ID   string
		Type string
	}
	decode(t, rec, &dynamic)
	if dynamic.Type != "dynamic" {
		t.Errorf("type = %q", dynamic.Type)
	}

	expectStatus(t, env.do(http.MethodPost, base+"/segments", map[string]interface{}{
		"name":           "Both",
		"filterCriteria": map[string]interface{}{},
		"contactIds":     []string{ids[0]},
	}), http.StatusBadRequest)
	expectStatus(t, env.do(http.MethodPost, base+"/segments", map[string]interface{}{
		"name": "Typo", "type": "smart", "contactIds": []string{},
	}), http.StatusBadRequest)

	segmentCount := func(id string) int {
		t.Helper()
		rec := env.do(http.MethodGet, base+"/segments/"+id+"/contacts", nil)
		expectStatus(t, rec, http.StatusOK)
		var resp ContactsResponse
		decode(t, rec, &resp)
		return resp.Total
	}
	if n := segmentCount(dynamic.ID); n != 1 {
		t.Errorf("dynamic segment contacts = %d, want 1", n)
	}

	// a new matching contact shows up without touching the segment
	expectStatus(t, env.do(http.MethodPost, base+"/contacts", map[string]string{
		"email": "c@example.com", "firstName": "Cy", "lastName": "Moe", "defaultAddressCountryCode": "US",
	}), http.StatusCreated)
	if n := segmentCount(dynamic.ID); n != 2 {
		t.Errorf("dynamic segment contacts = %d, want 2", n)
	}

	rec = env.do(http.MethodPut, base+"/segments/"+dynamic.ID, map[string]interface{}{
		"name":       "Picked",
		"contactIds": []string{ids[1]},
	})
	expectStatus(t, rec, http.StatusOK)
	if n := segmentCount(dynamic.ID); n != 1 {
		t.Errorf("static segment contacts = %d, want 1", n)
	}

	rec = env.do(http.MethodGet, base+"/segments", nil)
	expectStatus(t, rec, http.StatusOK)
	if !strings.Contains(rec.Body.String(), `"Picked"`) {
		t.Errorf("segments = %s", rec.Body.String())
	}

	expectStatus(t, env.do(http.MethodDelete, base+"/segments/"+dynamic.ID, nil), http.StatusNoContent)
	expectStatus(t, env.do(http.MethodGet, base+"/segments/"+dynamic.ID, nil), http.StatusNotFound)

	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	expectStatus(t, rec, http.StatusOK)
	for _, want := range []string{`audiences_segment_evaluations_total{kind="dynamic"}`, "audiences_api_requests_total"} {
		if !strings.Contains(rec.Body.String(), want) {
			t.Errorf("metrics missing %s", want)
		}
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	env := newTestEnv(t)
	handler := env.server.recoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil).WithContext(context.Background()))
	expectStatus(t, rec, http.StatusInternalServerError)
}

func TestAllowedIPs(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.API.AllowedIPs = []string{"10.1.0.0/16"}
		cfg.API.TrustedProxies = []string{"127.0.0.1"}
	})

	tests := []struct {
		name       string
		remoteAddr string
		realIP     string
		want       int
	}{
		{"outside", "192.0.2.1:1234", "", http.StatusForbidden},
		{"inside", "10.1.2.3:1234", "", http.StatusOK},
		{"behind proxy", "127.0.0.1:1234", "10.1.9.9", http.StatusOK},
		{"proxy forwarding outsider", "127.0.0.1:1234", "192.0.2.1", http.StatusForbidden},
		{"spoofed header", "192.0.2.1:1234", "10.1.9.9", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/organizations", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.realIP != "" {
				req.Header.Set("X-Real-IP", tt.realIP)
			}
			req.Header.Set("X-API-Key", testAPIKey)
			rec := httptest.NewRecorder()
			env.server.Handler().ServeHTTP(rec, req)
			expectStatus(t, rec, tt.want)
		})
	}

	// health stays reachable for monitoring
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	env.server.Handler().ServeHTTP(rec, req)
	expectStatus(t, rec, http.StatusOK)
}
