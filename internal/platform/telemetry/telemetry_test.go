package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewProvider_DefaultServiceName(t *testing.T) {
	p := NewProvider(Config{Enabled: true})
	if p.cfg.ServiceName != "vaxtrack" {
		t.Errorf("expected default service name, got %q", p.cfg.ServiceName)
	}
}

func TestNewProvider_IndependentRegistries(t *testing.T) {
	// Two providers in one process must not panic on duplicate registration.
	a := NewProvider(Config{Enabled: true})
	b := NewProvider(Config{Enabled: true})
	if a.Registry() == b.Registry() {
		t.Error("expected separate registries")
	}
}

func TestMetricsMiddleware_RecordsRequest(t *testing.T) {
	p := NewProvider(Config{Enabled: true})
	e := echo.New()
	e.Use(p.MetricsMiddleware())
	e.GET("/api/v1/patients/:id", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "patient not found")
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/patients/abc", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	got := testutil.ToFloat64(p.httpRequests.WithLabelValues(http.MethodGet, "/api/v1/patients/:id", "404"))
	if got != 1 {
		t.Errorf("expected 1 request recorded under route pattern, got %v", got)
	}
	if active := testutil.ToFloat64(p.httpActive); active != 0 {
		t.Errorf("expected no in-flight requests, got %v", active)
	}
}

func TestMetricsMiddleware_Disabled(t *testing.T) {
	p := NewProvider(Config{Enabled: false})
	e := echo.New()
	e.Use(p.MetricsMiddleware())
	e.GET("/ok", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ok", nil))

	if n := testutil.CollectAndCount(p.httpRequests); n != 0 {
		t.Errorf("expected no series when disabled, got %d", n)
	}
}

func TestRecordMutation(t *testing.T) {
	p := NewProvider(Config{Enabled: true})
	p.RecordMutation("toggle_vaccine", "ok")
	p.RecordMutation("toggle_vaccine", "ok")
	p.RecordMutation("toggle_vaccine", "not_found")

	if got := testutil.ToFloat64(p.mutations.WithLabelValues("toggle_vaccine", "ok")); got != 2 {
		t.Errorf("ok count = %v, want 2", got)
	}
	if got := testutil.ToFloat64(p.mutations.WithLabelValues("toggle_vaccine", "not_found")); got != 1 {
		t.Errorf("not_found count = %v, want 1", got)
	}
}

func TestNilProvider_IsNoop(t *testing.T) {
	var p *Provider
	p.RecordMutation("register", "ok")
	p.SetPatientsTotal(3)
	p.RecordEvent("schedule.updated")
	if p.Enabled() {
		t.Error("nil provider should report disabled")
	}
	if p.Registry() != nil {
		t.Error("nil provider should have no registry")
	}
}

func TestPrometheusHandler_Exposition(t *testing.T) {
	p := NewProvider(Config{ServiceName: "vaxtrack-test", Enabled: true})
	p.SetPatientsTotal(4)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := p.PrometheusHandler()(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `patients_registered{service="vaxtrack-test"} 4`) {
		t.Errorf("expected patients gauge in exposition, got:\n%s", body)
	}
}
