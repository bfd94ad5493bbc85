package components

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/harunnryd/kanri/internal/config"
	"github.com/harunnryd/kanri/internal/daemon"
)

// HealthReporter is the part of the daemon the health endpoint reads.
type HealthReporter interface {
	Health() daemon.HealthStatus
	Uptime() time.Duration
	ComponentHealth() map[string]*daemon.ComponentHealth
}

type HTTPServerComponent struct {
	reporter     HealthReporter
	cfg          *config.ServerConfig
	telemetry    *TelemetryComponent
	dependencies []string
	server       *http.Server
	listener     net.Listener
	shutdownTTL  time.Duration
	initialized  bool
	started      bool
	mu           sync.RWMutex
}

var defaultHTTPDependencies = []string{"Telemetry", "StateStore", "ConfigDocument", "Onboarding", "Scheduler", "Watcher"}

func NewHTTPServerComponent(reporter HealthReporter, cfg *config.ServerConfig, telemetry *TelemetryComponent) *HTTPServerComponent {
	return NewHTTPServerComponentWithDependencies(reporter, cfg, telemetry, defaultHTTPDependencies)
}

func NewHTTPServerComponentWithDependencies(reporter HealthReporter, cfg *config.ServerConfig, telemetry *TelemetryComponent, dependencies []string) *HTTPServerComponent {
	return &HTTPServerComponent{
		reporter:     reporter,
		cfg:          cfg,
		telemetry:    telemetry,
		dependencies: append([]string(nil), dependencies...),
	}
}

func (h *HTTPServerComponent) Name() string {
	return "HTTPServer"
}

func (h *HTTPServerComponent) Dependencies() []string {
	return append([]string(nil), h.dependencies...)
}

func (h *HTTPServerComponent) Init(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	readTimeout, err := config.DurationOrDefault(h.cfg.ReadTimeout, config.DefaultServerReadTimeout)
	if err != nil {
		return fmt.Errorf("parse server read timeout: %w", err)
	}
	writeTimeout, err := config.DurationOrDefault(h.cfg.WriteTimeout, config.DefaultServerWriteTimeout)
	if err != nil {
		return fmt.Errorf("parse server write timeout: %w", err)
	}
	idleTimeout, err := config.DurationOrDefault(h.cfg.IdleTimeout, config.DefaultServerIdleTimeout)
	if err != nil {
		return fmt.Errorf("parse server idle timeout: %w", err)
	}
	shutdownTimeout, err := config.DurationOrDefault(h.cfg.ShutdownTimeout, config.DefaultServerShutdownTimeout)
	if err != nil {
		return fmt.Errorf("parse server shutdown timeout: %w", err)
	}

	h.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", h.cfg.Port),
		Handler:      h.routes(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
	h.shutdownTTL = shutdownTimeout

	h.initialized = true
	slog.Info("HTTPServer initialized", "component", h.Name(), "port", h.cfg.Port)
	return nil
}

func (h *HTTPServerComponent) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.handleHealth)
	if h.telemetry != nil && h.telemetry.Metrics() != nil {
		mux.Handle("GET /metrics", h.telemetry.Metrics().Handler())
	}
	return mux
}

func (h *HTTPServerComponent) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.initialized {
		return fmt.Errorf("HTTPServer not initialized")
	}

	ln, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", h.server.Addr, err)
	}
	h.listener = ln

	go func() {
		slog.Info("HTTP server listening", "component", h.Name(), "addr", ln.Addr().String())
		if err := h.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server failed", "component", h.Name(), "error", err)
		}
	}()

	h.started = true
	return nil
}

func (h *HTTPServerComponent) Stop(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.started {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, h.shutdownTTL)
	defer cancel()

	if err := h.server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTPServer shutdown error", "component", h.Name(), "error", err)
		return err
	}

	h.started = false
	slog.Info("HTTPServer stopped", "component", h.Name())
	return nil
}

func (h *HTTPServerComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if !h.initialized {
		return daemon.Unhealthy(h.Name(), errNotInitialized), nil
	}
	if !h.started {
		return daemon.Unhealthy(h.Name(), errNotStarted), nil
	}
	return daemon.Healthy(h.Name()), nil
}

// Addr returns the bound address once started.
func (h *HTTPServerComponent) Addr() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.listener == nil {
		return ""
	}
	return h.listener.Addr().String()
}

type componentStatus struct {
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

type healthResponse struct {
	Status     string                     `json:"status"`
	UptimeSec  int64                      `json:"uptime_seconds"`
	Components map[string]componentStatus `json:"components"`
}

func (h *HTTPServerComponent) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Components: map[string]componentStatus{}}
	code := http.StatusOK

	if h.reporter != nil {
		resp.UptimeSec = int64(h.reporter.Uptime().Seconds())
		if h.reporter.Health() != daemon.StatusRunning {
			resp.Status = string(h.reporter.Health())
			code = http.StatusServiceUnavailable
		}
		for name, ch := range h.reporter.ComponentHealth() {
			status := componentStatus{Healthy: ch.Healthy}
			if ch.Error != nil {
				status.Error = ch.Error.Error()
			}
			if !ch.Healthy {
				resp.Status = "degraded"
				code = http.StatusServiceUnavailable
			}
			resp.Components[name] = status
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(resp)
}
