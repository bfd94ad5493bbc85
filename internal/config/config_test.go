package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
)

func TestLoadDefaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("OPENCLAW_STATE_DIR", "")

	// We pass nil for cmd to skip flags
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Server.Port != DefaultServerPort {
		t.Errorf("Expected default port %d, got %d", DefaultServerPort, cfg.Server.Port)
	}
	wantStateDir := filepath.Join(home, ".openclaw")
	if cfg.Paths.StateDir != wantStateDir {
		t.Errorf("Expected state dir %s, got %s", wantStateDir, cfg.Paths.StateDir)
	}
	if got := cfg.ConfigDocumentPath(); got != filepath.Join(wantStateDir, DefaultConfigDocumentName) {
		t.Errorf("Unexpected config document path %s", got)
	}
	if got := cfg.StateDBPath(); got != filepath.Join(wantStateDir, DefaultStateDBName) {
		t.Errorf("Unexpected state db path %s", got)
	}
	if cfg.Lock.MaxRetry != DefaultLockMaxRetry {
		t.Errorf("Expected default lock max retry %d, got %d", DefaultLockMaxRetry, cfg.Lock.MaxRetry)
	}
	if cfg.Provisioner.Command != DefaultProvisionerCommand {
		t.Errorf("Expected default provisioner command %s, got %s", DefaultProvisionerCommand, cfg.Provisioner.Command)
	}
	if cfg.Sandbox.TimeoutMs != DefaultSandboxTimeoutMs {
		t.Errorf("Expected default sandbox timeout %d, got %d", DefaultSandboxTimeoutMs, cfg.Sandbox.TimeoutMs)
	}
	if cfg.Sandbox.PolicyGeneration != DefaultSandboxPolicyGeneration {
		t.Errorf("Expected default policy generation %d, got %d", DefaultSandboxPolicyGeneration, cfg.Sandbox.PolicyGeneration)
	}
	if cfg.Onboarding.InitialStatus != DefaultOnboardingInitialStatus {
		t.Errorf("Expected default initial status %s, got %s", DefaultOnboardingInitialStatus, cfg.Onboarding.InitialStatus)
	}
	if cfg.Reconcile.Schedule != DefaultReconcileSchedule {
		t.Errorf("Expected default reconcile schedule %s, got %s", DefaultReconcileSchedule, cfg.Reconcile.Schedule)
	}
	if cfg.Reconcile.ManagedPrefix != DefaultReconcileManagedPrefix {
		t.Errorf("Expected default managed prefix %s, got %s", DefaultReconcileManagedPrefix, cfg.Reconcile.ManagedPrefix)
	}
	if !cfg.Provisioner.ReloadGateway {
		t.Errorf("Expected gateway reload to be on by default")
	}
	if got := cfg.SessionsPath(); got != filepath.Join(wantStateDir, "agents", DefaultWatcherAgentID, "sessions", "sessions.json") {
		t.Errorf("Unexpected default sessions path %s", got)
	}
	if cfg.Watcher.CacheSize != DefaultWatcherCacheSize {
		t.Errorf("Expected default watcher cache size %d, got %d", DefaultWatcherCacheSize, cfg.Watcher.CacheSize)
	}

	d, err := cfg.ParseDurations()
	if err != nil {
		t.Fatalf("parse durations: %v", err)
	}
	if d.StaleThreshold != 24*time.Hour {
		t.Errorf("Expected stale threshold 24h, got %s", d.StaleThreshold)
	}
	if d.ToolTimeout != 30*time.Second {
		t.Errorf("Expected tool timeout 30s, got %s", d.ToolTimeout)
	}
	if d.OAuthExpiryWindow != 90*24*time.Hour {
		t.Errorf("Expected oauth expiry window 90 days, got %s", d.OAuthExpiryWindow)
	}
	if cfg.Onboarding.OAuthHealthSchedule != DefaultOnboardingOAuthHealthSchedule {
		t.Errorf("Expected oauth health schedule %q, got %q", DefaultOnboardingOAuthHealthSchedule, cfg.Onboarding.OAuthHealthSchedule)
	}
}

func TestLoadWithConfigFlag(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	content := []byte(`
server:
  port: 9191
sandbox:
  policy_generation: 2
reconcile:
  stale_threshold: 48h
`)
	if err := os.WriteFile(configPath, content, 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cmd := &cobra.Command{}
	cmd.Flags().String("config", "", "config file path")
	if err := cmd.Flags().Set("config", configPath); err != nil {
		t.Fatalf("failed to set config flag: %v", err)
	}

	cfg, err := Load(cmd)
	if err != nil {
		t.Fatalf("failed to load config with --config: %v", err)
	}

	if cfg.Server.Port != 9191 {
		t.Fatalf("expected port 9191, got %d", cfg.Server.Port)
	}
	if cfg.Sandbox.PolicyGeneration != 2 {
		t.Fatalf("expected policy generation 2, got %d", cfg.Sandbox.PolicyGeneration)
	}
	if cfg.Reconcile.StaleThreshold != "48h" {
		t.Fatalf("expected stale threshold 48h, got %s", cfg.Reconcile.StaleThreshold)
	}
}

func TestLoadWithMissingConfigFlagReturnsError(t *testing.T) {
	cmd := &cobra.Command{}
	cmd.Flags().String("config", "", "config file path")
	if err := cmd.Flags().Set("config", filepath.Join(t.TempDir(), "missing.yaml")); err != nil {
		t.Fatalf("failed to set config flag: %v", err)
	}

	if _, err := Load(cmd); err == nil {
		t.Fatal("expected error when --config points to missing file")
	}
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("KANRI_PROVISIONER_COMMAND", "/opt/openclaw/bin/openclaw --profile test")
	t.Setenv("KANRI_PATHS_STATE_DIR", "/srv/openclaw")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.Provisioner.Command != "/opt/openclaw/bin/openclaw --profile test" {
		t.Fatalf("provisioner command = %q", cfg.Provisioner.Command)
	}
	if cfg.Paths.StateDir != "/srv/openclaw" {
		t.Fatalf("state dir = %q", cfg.Paths.StateDir)
	}
	if cfg.StateDBPath() != filepath.Join("/srv/openclaw", DefaultStateDBName) {
		t.Fatalf("state db path = %q", cfg.StateDBPath())
	}
}

func TestLoad_ExpandsConfiguredPaths(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)

	configPath := filepath.Join(tmpDir, "config.yaml")
	content := []byte(`
paths:
  state_dir: ~/.openclaw-test
  config_document: ~/.openclaw-test/custom.json
onboarding:
  template_dir: ~/templates
`)
	if err := os.WriteFile(configPath, content, 0644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	cmd := &cobra.Command{}
	cmd.Flags().String("config", "", "config file path")
	if err := cmd.Flags().Set("config", configPath); err != nil {
		t.Fatalf("set config flag: %v", err)
	}

	cfg, err := Load(cmd)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	wantStateDir := filepath.Join(tmpDir, ".openclaw-test")
	if cfg.Paths.StateDir != wantStateDir {
		t.Fatalf("state dir = %q, want %q", cfg.Paths.StateDir, wantStateDir)
	}
	if cfg.ConfigDocumentPath() != filepath.Join(wantStateDir, "custom.json") {
		t.Fatalf("config document = %q", cfg.ConfigDocumentPath())
	}
	if cfg.Onboarding.TemplateDir != filepath.Join(tmpDir, "templates") {
		t.Fatalf("template dir = %q", cfg.Onboarding.TemplateDir)
	}
}

func TestParseDurationsReportsInvalidKey(t *testing.T) {
	cfg := &Config{Lock: LockConfig{Timeout: "soon"}}

	_, err := cfg.ParseDurations()
	if err == nil {
		t.Fatal("expected error for invalid lock timeout")
	}
	if got := err.Error(); len(got) < len("lock.timeout") || got[:len("lock.timeout")] != "lock.timeout" {
		t.Fatalf("error %q does not name the key", got)
	}
}

func TestDurationOrDefault(t *testing.T) {
	d, err := DurationOrDefault("", "5s")
	if err != nil || d != 5*time.Second {
		t.Fatalf("fallback = %s, %v", d, err)
	}
	if _, err := DurationOrDefault("-1s", ""); err == nil {
		t.Fatal("expected negative duration to be rejected")
	}
	if _, err := DurationOrDefault(" ", " "); err == nil {
		t.Fatal("expected empty duration to be rejected")
	}
}
