package conversion

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/Medical-Mettles/hl7v2-fhir-converter/internal/platform/mapper"
	"github.com/Medical-Mettles/hl7v2-fhir-converter/internal/platform/script"
)

func newTestServer(t *testing.T, repo Repository) *echo.Echo {
	t.Helper()
	e := echo.New()
	h := NewHandler(NewService(newTestEngine(t), repo, zerolog.Nop()))
	h.RegisterRoutes(e.Group("/api/v1"))
	return e
}

func doRequest(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHandler_Convert_OK(t *testing.T) {
	e := newTestServer(t, nil)
	rec := doRequest(e, http.MethodPost, "/api/v1/convert", sampleADT)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	var bundle map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &bundle); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if bundle["resourceType"] != "Bundle" {
		t.Errorf("resourceType = %v, want Bundle", bundle["resourceType"])
	}
}

func TestHandler_Convert_EmptyBody(t *testing.T) {
	e := newTestServer(t, nil)
	rec := doRequest(e, http.MethodPost, "/api/v1/convert", "")

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "OperationOutcome") {
		t.Errorf("expected OperationOutcome body, got %s", rec.Body.String())
	}
}

func TestHandler_Convert_ParseError(t *testing.T) {
	e := newTestServer(t, nil)
	rec := doRequest(e, http.MethodPost, "/api/v1/convert", "not an hl7 message")

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandler_Convert_TemplateFault(t *testing.T) {
	// A template set whose deferred attribute defers again is a template
	// bug, surfaced as 422 rather than 400.
	files := map[string][]byte{
		"thing.yml": []byte(`
resourceType: Thing
outer:
  type: NESTED
  evaluateLater: true
  expressionsMap:
    inner:
      evaluateLater: true
      valueOf: PID.3.1
`),
		"adt.yml": []byte("messageType: ADT_A01\nresources:\n  - name: thing\n    resource: Thing\n"),
	}
	reg, err := mapper.LoadBytes(files)
	if err != nil {
		t.Fatalf("load templates: %v", err)
	}
	e := echo.New()
	h := NewHandler(NewService(mapper.New(reg, script.Default()), nil, zerolog.Nop()))
	h.RegisterRoutes(e.Group("/api/v1"))

	rec := doRequest(e, http.MethodPost, "/api/v1/convert", sampleADT)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422 (body %s)", rec.Code, rec.Body.String())
	}
}

func TestHandler_List_NoRepository(t *testing.T) {
	e := newTestServer(t, nil)
	rec := doRequest(e, http.MethodGet, "/api/v1/conversions", "")

	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("status = %d, want 501", rec.Code)
	}
}

func TestHandler_List_WithRepository(t *testing.T) {
	repo := &stubRepo{list: []*Record{{ID: uuid.New(), Status: StatusCompleted}}, total: 1}
	e := newTestServer(t, repo)
	rec := doRequest(e, http.MethodGet, "/api/v1/conversions?status=completed", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	var resp struct {
		Total int `json:"total"`
		Limit int `json:"limit"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Total != 1 || resp.Limit != 20 {
		t.Errorf("total/limit = %d/%d, want 1/20", resp.Total, resp.Limit)
	}
}

func TestHandler_Get(t *testing.T) {
	want := &Record{ID: uuid.New(), Status: StatusCompleted}
	repo := &stubRepo{byID: want}
	e := newTestServer(t, repo)

	rec := doRequest(e, http.MethodGet, "/api/v1/conversions/"+want.ID.String(), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	rec = doRequest(e, http.MethodGet, "/api/v1/conversions/not-a-uuid", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}

	e = newTestServer(t, nil)
	rec = doRequest(e, http.MethodGet, "/api/v1/conversions/"+uuid.NewString(), "")
	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("status = %d, want 501", rec.Code)
	}
}
