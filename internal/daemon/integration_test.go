package daemon_test

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/harunnryd/kanri/internal/config"
	"github.com/harunnryd/kanri/internal/daemon"
	"github.com/harunnryd/kanri/internal/daemon/components"
	"github.com/harunnryd/kanri/internal/provisioner"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func loadTestConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("KANRI_PATHS_STATE_DIR", t.TempDir())

	cfg, err := config.Load(nil)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.Server.Port = freePort(t)
	return cfg
}

func TestDaemonFullLifecycle(t *testing.T) {
	cfg := loadTestConfig(t)

	d, err := daemon.NewDaemon(cfg)
	if err != nil {
		t.Fatalf("Failed to create daemon: %v", err)
	}

	tool := provisioner.NewFake()
	telemetry := components.NewTelemetryComponent()
	stateComp := components.NewStateStoreComponent(cfg)
	docComp := components.NewConfigDocumentComponent(cfg)
	toolComp := components.NewProvisionerComponentWithTool(tool)
	onboardingComp := components.NewOnboardingComponent(cfg, stateComp, docComp, toolComp, telemetry)
	schedulerComp := components.NewSchedulerComponent(cfg, onboardingComp)
	watcherComp := components.NewWatcherComponent(cfg, onboardingComp)
	httpComp := components.NewHTTPServerComponent(d, &cfg.Server, telemetry)

	d.AddComponent(telemetry)
	d.AddComponent(stateComp)
	d.AddComponent(docComp)
	d.AddComponent(toolComp)
	d.AddComponent(onboardingComp)
	d.AddComponent(schedulerComp)
	d.AddComponent(watcherComp)
	d.AddComponent(httpComp)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	startDone := make(chan error, 1)
	go func() {
		startDone <- d.Start(ctx)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for d.Health() != daemon.StatusRunning {
		if time.Now().After(deadline) {
			t.Fatalf("daemon never reached running, health = %v", d.Health())
		}
		time.Sleep(20 * time.Millisecond)
	}

	result, err := onboardingComp.Service().Provision(ctx, "+15550001111")
	if err != nil {
		t.Fatalf("Provision() error = %v", err)
	}
	if !result.Created || !strings.HasPrefix(result.AgentID, "user_") {
		t.Errorf("unexpected result %+v", result)
	}
	if len(tool.Agents()) != 1 {
		t.Errorf("tool agents = %v, want one", tool.Agents())
	}

	report, err := schedulerComp.GetScheduler().Trigger(ctx, true)
	if err != nil {
		t.Fatalf("Trigger() error = %v", err)
	}
	if !report.Empty() {
		t.Errorf("expected a clean report after provisioning, got %+v", report.Counts())
	}

	base := "http://" + httpComp.Addr()
	if body, code := get(t, base+"/health"); code != http.StatusOK {
		t.Errorf("health code = %d, body = %s", code, body)
	}
	if body, _ := get(t, base+"/metrics"); !strings.Contains(body, `kanri_provision_total{result="created"} 1`) {
		t.Errorf("metrics missing provision counter")
	}

	cancel()

	select {
	case err := <-startDone:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Daemon.Start() returned %v, want context.Canceled", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop")
	}

	if d.Health() != daemon.StatusStopped {
		t.Errorf("Health = %v, want StatusStopped", d.Health())
	}
}

func get(t *testing.T, url string) (string, int) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body), resp.StatusCode
}
