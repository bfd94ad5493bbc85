package components

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/harunnryd/kanri/internal/config"
	"github.com/harunnryd/kanri/internal/daemon"
)

type fakeReporter struct {
	status     daemon.HealthStatus
	components map[string]*daemon.ComponentHealth
}

func (f fakeReporter) Health() daemon.HealthStatus { return f.status }
func (f fakeReporter) Uptime() time.Duration       { return 90 * time.Second }
func (f fakeReporter) ComponentHealth() map[string]*daemon.ComponentHealth {
	return f.components
}

func TestNewHTTPServerComponent_DefaultDependencies(t *testing.T) {
	comp := NewHTTPServerComponent(nil, &config.ServerConfig{Port: 8080}, nil)
	deps := comp.Dependencies()

	if len(deps) != len(defaultHTTPDependencies) {
		t.Fatalf("dependencies length = %d, want %d", len(deps), len(defaultHTTPDependencies))
	}
	for i := range defaultHTTPDependencies {
		if deps[i] != defaultHTTPDependencies[i] {
			t.Fatalf("dependency[%d] = %s, want %s", i, deps[i], defaultHTTPDependencies[i])
		}
	}
}

func TestNewHTTPServerComponentWithDependencies_Copy(t *testing.T) {
	custom := []string{"Onboarding"}
	comp := NewHTTPServerComponentWithDependencies(nil, &config.ServerConfig{Port: 8080}, nil, custom)

	custom[0] = "Mutated"

	deps := comp.Dependencies()
	if len(deps) != 1 || deps[0] != "Onboarding" {
		t.Fatalf("dependencies = %v, want [Onboarding]", deps)
	}

	deps[0] = "MutatedAgain"
	if comp.Dependencies()[0] != "Onboarding" {
		t.Fatal("Dependencies() must return a copy")
	}
}

func TestHandleHealth(t *testing.T) {
	tests := []struct {
		name       string
		reporter   fakeReporter
		wantCode   int
		wantStatus string
	}{
		{
			name: "all healthy",
			reporter: fakeReporter{status: daemon.StatusRunning, components: map[string]*daemon.ComponentHealth{
				"StateStore": daemon.Healthy("StateStore"),
			}},
			wantCode:   http.StatusOK,
			wantStatus: "ok",
		},
		{
			name: "component down",
			reporter: fakeReporter{status: daemon.StatusRunning, components: map[string]*daemon.ComponentHealth{
				"ConfigDocument": daemon.Unhealthy("ConfigDocument", errors.New("corrupt")),
			}},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "degraded",
		},
		{
			name:       "stopping",
			reporter:   fakeReporter{status: daemon.StatusStopping},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "stopping",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			comp := NewHTTPServerComponent(tt.reporter, &config.ServerConfig{Port: 8080}, nil)
			rec := httptest.NewRecorder()
			comp.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			if rec.Code != tt.wantCode {
				t.Fatalf("code = %d, want %d", rec.Code, tt.wantCode)
			}
			var body healthResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if body.Status != tt.wantStatus {
				t.Fatalf("status = %q, want %q", body.Status, tt.wantStatus)
			}
			if body.UptimeSec != 90 {
				t.Fatalf("uptime = %d, want 90", body.UptimeSec)
			}
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	telemetry := NewTelemetryComponent()
	if err := telemetry.Init(t.Context()); err != nil {
		t.Fatal(err)
	}
	telemetry.Metrics().ObserveExisting()

	comp := NewHTTPServerComponent(nil, &config.ServerConfig{Port: 8080}, telemetry)
	rec := httptest.NewRecorder()
	comp.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `kanri_provision_total{result="existing"} 1`) {
		t.Fatalf("metrics body missing provision counter:\n%s", rec.Body.String())
	}
}
