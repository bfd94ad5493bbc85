package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/harunnryd/kanri/internal/config"
)

type mockComponent struct {
	name         string
	dependencies []string
	initCalled   bool
	startCalled  bool
	stopCalled   bool
	initError    error
	startError   error
	stopError    error
	healthError  error
	healthResult *ComponentHealth
	order        *[]string
}

func newMockComponent(name string, dependencies []string) *mockComponent {
	return &mockComponent{
		name:         name,
		dependencies: dependencies,
		healthResult: Healthy(name),
	}
}

func (m *mockComponent) Name() string {
	return m.name
}

func (m *mockComponent) Dependencies() []string {
	return m.dependencies
}

func (m *mockComponent) Init(ctx context.Context) error {
	m.initCalled = true
	if m.order != nil {
		*m.order = append(*m.order, "init:"+m.name)
	}
	return m.initError
}

func (m *mockComponent) Start(ctx context.Context) error {
	m.startCalled = true
	return m.startError
}

func (m *mockComponent) Stop(ctx context.Context) error {
	m.stopCalled = true
	if m.order != nil {
		*m.order = append(*m.order, "stop:"+m.name)
	}
	return m.stopError
}

func (m *mockComponent) Health(ctx context.Context) (*ComponentHealth, error) {
	return m.healthResult, m.healthError
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Server: config.ServerConfig{Port: 8080},
		Paths:  config.PathsConfig{StateDir: filepath.Join(t.TempDir(), "state")},
	}
}

func TestNewDaemon(t *testing.T) {
	if _, err := NewDaemon(nil); err == nil {
		t.Fatal("NewDaemon(nil) should fail")
	}

	d, err := NewDaemon(testConfig(t))
	if err != nil {
		t.Fatalf("NewDaemon() error = %v", err)
	}
	if len(d.components) != 0 {
		t.Errorf("components = %v, want 0", len(d.components))
	}
	if d.Health() != StatusStarting {
		t.Errorf("Health = %v, want StatusStarting", d.Health())
	}
}

func TestValidateConfigCreatesStateDir(t *testing.T) {
	cfg := testConfig(t)
	d, _ := NewDaemon(cfg)

	if err := d.validateConfig(); err != nil {
		t.Fatalf("validateConfig() failed: %v", err)
	}
	if _, err := os.Stat(cfg.Paths.StateDir); err != nil {
		t.Fatalf("expected state dir at %s: %v", cfg.Paths.StateDir, err)
	}
}

func TestValidateConfigRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"port zero", func(c *config.Config) { c.Server.Port = 0 }},
		{"port too high", func(c *config.Config) { c.Server.Port = 70000 }},
		{"empty state dir", func(c *config.Config) { c.Paths.StateDir = "" }},
		{"bad duration", func(c *config.Config) { c.Lock.Timeout = "soon" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.mutate(cfg)
			d, _ := NewDaemon(cfg)
			if err := d.validateConfig(); err == nil {
				t.Fatal("validateConfig() should fail")
			}
		})
	}
}

func TestPreInitChecksRemovesStaleLock(t *testing.T) {
	cfg := testConfig(t)
	if err := os.MkdirAll(cfg.Paths.StateDir, 0o755); err != nil {
		t.Fatal(err)
	}
	lockPath := cfg.ConfigDocumentPath() + ".lock"
	if err := os.WriteFile(lockPath, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(lockPath, old, old); err != nil {
		t.Fatal(err)
	}

	d, _ := NewDaemon(cfg)
	if err := d.preInitChecks(context.Background(), true); err != nil {
		t.Fatalf("preInitChecks() error = %v", err)
	}
	if _, err := os.Stat(lockPath); !os.IsNotExist(err) {
		t.Fatalf("lock file should be removed, stat err = %v", err)
	}
}

func TestAddComponent(t *testing.T) {
	d, _ := NewDaemon(testConfig(t))

	d.AddComponent(newMockComponent("Comp1", []string{}))
	d.AddComponent(newMockComponent("Comp2", []string{"Comp1"}))

	if len(d.components) != 2 {
		t.Errorf("components = %v, want 2", len(d.components))
	}
	if d.shutdownOrder[0] != "Comp2" {
		t.Errorf("shutdownOrder[0] = %v, want Comp2", d.shutdownOrder[0])
	}
}

func TestInitializeComponentsLeafFirst(t *testing.T) {
	d, _ := NewDaemon(testConfig(t))
	var order []string

	onboarding := newMockComponent("Onboarding", []string{"StateStore", "ConfigDocument"})
	state := newMockComponent("StateStore", nil)
	doc := newMockComponent("ConfigDocument", nil)
	for _, c := range []*mockComponent{onboarding, state, doc} {
		c.order = &order
		d.AddComponent(c)
	}

	if err := d.initializeComponents(context.Background()); err != nil {
		t.Fatalf("initializeComponents() error = %v", err)
	}

	want := []string{"init:StateStore", "init:ConfigDocument", "init:Onboarding"}
	if fmt.Sprint(order) != fmt.Sprint(want) {
		t.Errorf("init order = %v, want %v", order, want)
	}
}

func TestInitializeComponentsCircularDependency(t *testing.T) {
	d, _ := NewDaemon(testConfig(t))
	d.AddComponent(newMockComponent("Comp1", []string{"Comp2"}))
	d.AddComponent(newMockComponent("Comp2", []string{"Comp1"}))

	if err := d.initializeComponents(context.Background()); err == nil {
		t.Error("Expected error for circular dependency, got nil")
	}
}

func TestInitializeComponentsMissingDependency(t *testing.T) {
	d, _ := NewDaemon(testConfig(t))
	d.AddComponent(newMockComponent("Comp", []string{"NonExistent"}))

	if err := d.initializeComponents(context.Background()); err == nil {
		t.Error("Expected error for missing dependency, got nil")
	}
}

func TestShutdownComponentsReverseOrder(t *testing.T) {
	d, _ := NewDaemon(testConfig(t))
	var order []string

	comp1 := newMockComponent("Comp1", nil)
	comp2 := newMockComponent("Comp2", nil)
	comp2.stopError = fmt.Errorf("stuck")
	comp1.order, comp2.order = &order, &order
	d.AddComponent(comp1)
	d.AddComponent(comp2)

	err := d.shutdownComponents(context.Background())
	if err == nil {
		t.Error("shutdownComponents() should report the failed stop")
	}
	if fmt.Sprint(order) != fmt.Sprint([]string{"stop:Comp2", "stop:Comp1"}) {
		t.Errorf("stop order = %v", order)
	}
	if d.Health() != StatusStopped {
		t.Errorf("Health = %v, want StatusStopped", d.Health())
	}
}

func TestComponentHealth(t *testing.T) {
	d, _ := NewDaemon(testConfig(t))

	comp1 := newMockComponent("Comp1", nil)
	comp2 := newMockComponent("Comp2", nil)
	comp2.healthResult = Unhealthy("Comp2", fmt.Errorf("mock error"))
	comp3 := newMockComponent("Comp3", nil)
	comp3.healthResult = nil
	comp3.healthError = fmt.Errorf("probe failed")

	d.AddComponent(comp1)
	d.AddComponent(comp2)
	d.AddComponent(comp3)

	healths := d.ComponentHealth()
	if len(healths) != 3 {
		t.Fatalf("ComponentHealth() returned %v healths, want 3", len(healths))
	}
	if !healths["Comp1"].Healthy {
		t.Error("Comp1 should be healthy")
	}
	if healths["Comp2"].Healthy || healths["Comp2"].Error == nil {
		t.Error("Comp2 should be unhealthy with an error")
	}
	if healths["Comp3"].Healthy || healths["Comp3"].Error == nil {
		t.Error("Comp3 should be unhealthy with the probe error")
	}
}

func TestStartRollsBackOnInitFailure(t *testing.T) {
	d, _ := NewDaemon(testConfig(t))

	comp1 := newMockComponent("Comp1", nil)
	comp2 := newMockComponent("Comp2", []string{"Comp1"})
	comp2.initError = fmt.Errorf("cannot open")
	d.AddComponent(comp1)
	d.AddComponent(comp2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Start(ctx); err == nil {
		t.Fatal("Start() should fail")
	}
	if !comp1.stopCalled {
		t.Error("Comp1.Stop() was not called during rollback")
	}
	if comp2.startCalled {
		t.Error("Comp2 should never start")
	}
	if d.Health() != StatusStopped {
		t.Errorf("Health = %v, want StatusStopped", d.Health())
	}
}
