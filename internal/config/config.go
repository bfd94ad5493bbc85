package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/harunnryd/kanri/internal/pathutil"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/cobra"
)

type Config struct {
	Server      ServerConfig      `koanf:"server" yaml:"server"`
	Paths       PathsConfig       `koanf:"paths" yaml:"paths"`
	Lock        LockConfig        `koanf:"lock" yaml:"lock"`
	Provisioner ProvisionerConfig `koanf:"provisioner" yaml:"provisioner"`
	Sandbox     SandboxConfig     `koanf:"sandbox" yaml:"sandbox"`
	Onboarding  OnboardingConfig  `koanf:"onboarding" yaml:"onboarding"`
	Reconcile   ReconcileConfig   `koanf:"reconcile" yaml:"reconcile"`
	Watcher     WatcherConfig     `koanf:"watcher" yaml:"watcher"`
	Daemon      DaemonConfig      `koanf:"daemon" yaml:"daemon"`
}

type ServerConfig struct {
	Port            int    `koanf:"port" yaml:"port"`
	LogLevel        string `koanf:"log_level" yaml:"log_level"`
	ReadTimeout     string `koanf:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    string `koanf:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     string `koanf:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout string `koanf:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// PathsConfig locates the config document and the state store.
// Empty ConfigDocument/StateDB resolve under StateDir.
type PathsConfig struct {
	StateDir       string `koanf:"state_dir" yaml:"state_dir"`
	ConfigDocument string `koanf:"config_document" yaml:"config_document"`
	StateDB        string `koanf:"state_db" yaml:"state_db"`
}

type LockConfig struct {
	Timeout    string `koanf:"timeout" yaml:"timeout"`
	Retry      string `koanf:"retry" yaml:"retry"`
	MaxRetry   int    `koanf:"max_retry" yaml:"max_retry"`
	StaleAfter string `koanf:"stale_after" yaml:"stale_after"`
}

type ProvisionerConfig struct {
	Command             string `koanf:"command" yaml:"command"`
	Timeout             string `koanf:"timeout" yaml:"timeout"`
	BreakerMaxFailures  int    `koanf:"breaker_max_failures" yaml:"breaker_max_failures"`
	BreakerOpenDuration string `koanf:"breaker_open_duration" yaml:"breaker_open_duration"`
	ReloadGateway       bool   `koanf:"reload_gateway" yaml:"reload_gateway"`
}

type SandboxConfig struct {
	Mode             string `koanf:"mode" yaml:"mode"`
	Scope            string `koanf:"scope" yaml:"scope"`
	Image            string `koanf:"image" yaml:"image"`
	Network          string `koanf:"network" yaml:"network"`
	Memory           string `koanf:"memory" yaml:"memory"`
	CPUs             string `koanf:"cpus" yaml:"cpus"`
	PidsLimit        int    `koanf:"pids_limit" yaml:"pids_limit"`
	TimeoutMs        int    `koanf:"timeout_ms" yaml:"timeout_ms"`
	WorkspaceAccess  string `koanf:"workspace_access" yaml:"workspace_access"`
	PolicyGeneration int    `koanf:"policy_generation" yaml:"policy_generation"`
	ConfigDirRoot    string `koanf:"config_dir_root" yaml:"config_dir_root"`
}

type OnboardingConfig struct {
	InitialStatus string `koanf:"initial_status" yaml:"initial_status"`
	Expiry        string `koanf:"expiry" yaml:"expiry"`
	OAuthEnabled  bool   `koanf:"oauth_enabled" yaml:"oauth_enabled"`
	TemplateDir   string `koanf:"template_dir" yaml:"template_dir"`
	Channel       string `koanf:"channel" yaml:"channel"`
	AgentName     string `koanf:"agent_name" yaml:"agent_name"`
	// OAuthHealthSchedule is empty to disable the token health sweep.
	OAuthHealthSchedule string `koanf:"oauth_health_schedule" yaml:"oauth_health_schedule"`
	OAuthExpiryWindow   string `koanf:"oauth_expiry_window" yaml:"oauth_expiry_window"`
}

type ReconcileConfig struct {
	Enabled         bool   `koanf:"enabled" yaml:"enabled"`
	Schedule        string `koanf:"schedule" yaml:"schedule"`
	StaleThreshold  string `koanf:"stale_threshold" yaml:"stale_threshold"`
	RunOnStart      bool   `koanf:"run_on_start" yaml:"run_on_start"`
	ManagedPrefix   string `koanf:"managed_prefix" yaml:"managed_prefix"`
	ShutdownTimeout string `koanf:"shutdown_timeout" yaml:"shutdown_timeout"`
	HistoryPath     string `koanf:"history_path" yaml:"history_path"`
	HistoryLimit    int    `koanf:"history_limit" yaml:"history_limit"`
}

type WatcherConfig struct {
	Enabled      bool    `koanf:"enabled" yaml:"enabled"`
	SessionsPath string  `koanf:"sessions_path" yaml:"sessions_path"`
	AgentID      string  `koanf:"agent_id" yaml:"agent_id"`
	PollInterval string  `koanf:"poll_interval" yaml:"poll_interval"`
	CacheSize    int     `koanf:"cache_size" yaml:"cache_size"`
	RatePerSec   float64 `koanf:"rate_per_sec" yaml:"rate_per_sec"`
	Burst        int     `koanf:"burst" yaml:"burst"`
}

type DaemonConfig struct {
	ShutdownTimeout        string `koanf:"shutdown_timeout" yaml:"shutdown_timeout"`
	HealthCheckInterval    string `koanf:"health_check_interval" yaml:"health_check_interval"`
	StartupShutdownTimeout string `koanf:"startup_shutdown_timeout" yaml:"startup_shutdown_timeout"`
	PreflightTimeout       string `koanf:"preflight_timeout" yaml:"preflight_timeout"`
}

const (
	DefaultServerPort                    = 9090
	DefaultServerLogLevel                = "info"
	DefaultServerReadTimeout             = "10s"
	DefaultServerWriteTimeout            = "10s"
	DefaultServerIdleTimeout             = "60s"
	DefaultServerShutdownTimeout         = "5s"
	DefaultConfigDocumentName            = "openclaw.json"
	DefaultStateDBName                   = "onboarding.db"
	DefaultLockTimeout                   = "10s"
	DefaultLockRetry                     = "100ms"
	DefaultLockMaxRetry                  = 50
	DefaultLockStaleAfter                = "5m"
	DefaultProvisionerCommand            = "openclaw"
	DefaultProvisionerTimeout            = "30s"
	DefaultProvisionerBreakerMaxFailures = 5
	DefaultProvisionerBreakerOpen        = "30s"
	DefaultProvisionerReloadGateway      = true
	DefaultSandboxMode                   = "all"
	DefaultSandboxScope                  = "agent"
	DefaultSandboxImage                  = "openclaw-sandbox:bookworm-slim"
	DefaultSandboxNetwork                = "bridge"
	DefaultSandboxMemory                 = "512m"
	DefaultSandboxCPUs                   = "0.5"
	DefaultSandboxPidsLimit              = 100
	DefaultSandboxTimeoutMs              = 30000
	DefaultSandboxWorkspaceAccess        = "ro"
	DefaultSandboxPolicyGeneration       = 1
	DefaultSandboxConfigDirRoot          = "/home/node/.gog"
	DefaultOnboardingInitialStatus       = "new"
	DefaultOnboardingExpiry              = "24h"
	DefaultOnboardingOAuthEnabled        = false
	DefaultOnboardingChannel             = "whatsapp"
	DefaultOnboardingAgentName           = "User Agent"
	DefaultOnboardingOAuthHealthSchedule = "@daily"
	DefaultOnboardingOAuthExpiryWindow   = "2160h"
	DefaultReconcileEnabled              = true
	DefaultReconcileSchedule             = "@hourly"
	DefaultReconcileStaleThreshold       = "24h"
	DefaultReconcileRunOnStart           = false
	DefaultReconcileManagedPrefix        = "user_"
	DefaultReconcileShutdownTimeout      = "30s"
	DefaultReconcileHistoryName          = "kanri-reconcile.json"
	DefaultReconcileHistoryLimit         = 50
	DefaultReconcileInFlightPoll         = "100ms"
	DefaultWatcherEnabled                = false
	DefaultWatcherAgentID                = "welcome"
	DefaultWatcherPollInterval           = "5s"
	DefaultWatcherCacheSize              = 10000
	DefaultWatcherRatePerSec             = 2.0
	DefaultWatcherBurst                  = 4
	DefaultDaemonShutdownTimeout         = "30s"
	DefaultDaemonHealthCheckInterval     = "30s"
	DefaultDaemonStartupShutdownTimeout  = "10s"
	DefaultDaemonPreflightTimeout        = "10s"
)

// DefaultStateDir is ~/.openclaw, or $OPENCLAW_STATE_DIR when set.
func DefaultStateDir() string {
	if dir := strings.TrimSpace(os.Getenv("OPENCLAW_STATE_DIR")); dir != "" {
		return dir
	}
	dir, err := pathutil.Expand("~/.openclaw")
	if err != nil {
		return ".openclaw"
	}
	return dir
}

func Load(cmd *cobra.Command) (*Config, error) {
	k := koanf.New(".")

	defaults := map[string]interface{}{
		"server.port":                       DefaultServerPort,
		"server.log_level":                  DefaultServerLogLevel,
		"server.read_timeout":               DefaultServerReadTimeout,
		"server.write_timeout":              DefaultServerWriteTimeout,
		"server.idle_timeout":               DefaultServerIdleTimeout,
		"server.shutdown_timeout":           DefaultServerShutdownTimeout,
		"paths.state_dir":                   DefaultStateDir(),
		"paths.config_document":             "",
		"paths.state_db":                    "",
		"lock.timeout":                      DefaultLockTimeout,
		"lock.retry":                        DefaultLockRetry,
		"lock.max_retry":                    DefaultLockMaxRetry,
		"lock.stale_after":                  DefaultLockStaleAfter,
		"provisioner.command":               DefaultProvisionerCommand,
		"provisioner.timeout":               DefaultProvisionerTimeout,
		"provisioner.breaker_max_failures":  DefaultProvisionerBreakerMaxFailures,
		"provisioner.breaker_open_duration": DefaultProvisionerBreakerOpen,
		"provisioner.reload_gateway":        DefaultProvisionerReloadGateway,
		"sandbox.mode":                      DefaultSandboxMode,
		"sandbox.scope":                     DefaultSandboxScope,
		"sandbox.image":                     DefaultSandboxImage,
		"sandbox.network":                   DefaultSandboxNetwork,
		"sandbox.memory":                    DefaultSandboxMemory,
		"sandbox.cpus":                      DefaultSandboxCPUs,
		"sandbox.pids_limit":                DefaultSandboxPidsLimit,
		"sandbox.timeout_ms":                DefaultSandboxTimeoutMs,
		"sandbox.workspace_access":          DefaultSandboxWorkspaceAccess,
		"sandbox.policy_generation":         DefaultSandboxPolicyGeneration,
		"sandbox.config_dir_root":           DefaultSandboxConfigDirRoot,
		"onboarding.initial_status":         DefaultOnboardingInitialStatus,
		"onboarding.expiry":                 DefaultOnboardingExpiry,
		"onboarding.oauth_enabled":          DefaultOnboardingOAuthEnabled,
		"onboarding.template_dir":           "",
		"onboarding.channel":                DefaultOnboardingChannel,
		"onboarding.agent_name":             DefaultOnboardingAgentName,
		"onboarding.oauth_health_schedule":  DefaultOnboardingOAuthHealthSchedule,
		"onboarding.oauth_expiry_window":    DefaultOnboardingOAuthExpiryWindow,
		"reconcile.enabled":                 DefaultReconcileEnabled,
		"reconcile.schedule":                DefaultReconcileSchedule,
		"reconcile.stale_threshold":         DefaultReconcileStaleThreshold,
		"reconcile.run_on_start":            DefaultReconcileRunOnStart,
		"reconcile.managed_prefix":          DefaultReconcileManagedPrefix,
		"reconcile.shutdown_timeout":        DefaultReconcileShutdownTimeout,
		"reconcile.history_path":            "",
		"reconcile.history_limit":           DefaultReconcileHistoryLimit,
		"watcher.enabled":                   DefaultWatcherEnabled,
		"watcher.sessions_path":             "",
		"watcher.agent_id":                  DefaultWatcherAgentID,
		"watcher.poll_interval":             DefaultWatcherPollInterval,
		"watcher.cache_size":                DefaultWatcherCacheSize,
		"watcher.rate_per_sec":              DefaultWatcherRatePerSec,
		"watcher.burst":                     DefaultWatcherBurst,
		"daemon.shutdown_timeout":           DefaultDaemonShutdownTimeout,
		"daemon.health_check_interval":      DefaultDaemonHealthCheckInterval,
		"daemon.startup_shutdown_timeout":   DefaultDaemonStartupShutdownTimeout,
		"daemon.preflight_timeout":          DefaultDaemonPreflightTimeout,
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	configPath := ""
	if cmd != nil {
		if flag := cmd.Flags().Lookup("config"); flag != nil {
			configPath = strings.TrimSpace(flag.Value.String())
		}
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, err
		}
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			globalPath := filepath.Join(home, ".kanri", "config.yaml")
			if err := k.Load(file.Provider(globalPath), yaml.Parser()); err != nil {
				slog.Debug("Global config not found or invalid", "path", globalPath, "error", err)
			}
		}
	}

	// KANRI_PATHS_STATE_DIR -> paths.state_dir
	k.Load(env.Provider("KANRI_", ".", func(s string) string {
		key := strings.ToLower(strings.TrimPrefix(s, "KANRI_"))
		section, rest, found := strings.Cut(key, "_")
		if !found {
			return key
		}
		return section + "." + rest
	}), nil)

	if cmd != nil {
		k.Load(posflag.Provider(cmd.Flags(), ".", k), nil)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	if err := normalizePathFields(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ConfigDocumentPath returns the resolved config document path.
func (c *Config) ConfigDocumentPath() string {
	if c.Paths.ConfigDocument != "" {
		return c.Paths.ConfigDocument
	}
	return filepath.Join(c.Paths.StateDir, DefaultConfigDocumentName)
}

// StateDBPath returns the resolved state store path.
func (c *Config) StateDBPath() string {
	if c.Paths.StateDB != "" {
		return c.Paths.StateDB
	}
	return filepath.Join(c.Paths.StateDir, DefaultStateDBName)
}

// ReconcileHistoryPath returns where scheduled reconciliation runs are recorded.
func (c *Config) ReconcileHistoryPath() string {
	if c.Reconcile.HistoryPath != "" {
		return c.Reconcile.HistoryPath
	}
	return filepath.Join(c.Paths.StateDir, DefaultReconcileHistoryName)
}

// SessionsPath returns the welcome agent's sessions file watched for new identities.
func (c *Config) SessionsPath() string {
	if c.Watcher.SessionsPath != "" {
		return c.Watcher.SessionsPath
	}
	agentID := c.Watcher.AgentID
	if agentID == "" {
		agentID = DefaultWatcherAgentID
	}
	return filepath.Join(c.Paths.StateDir, "agents", agentID, "sessions", "sessions.json")
}

func normalizePathFields(cfg *Config) error {
	if cfg == nil {
		return nil
	}

	fields := []*string{
		&cfg.Paths.StateDir,
		&cfg.Paths.ConfigDocument,
		&cfg.Paths.StateDB,
		&cfg.Onboarding.TemplateDir,
		&cfg.Watcher.SessionsPath,
		&cfg.Reconcile.HistoryPath,
	}
	for _, field := range fields {
		expanded, err := pathutil.Expand(*field)
		if err != nil {
			return err
		}
		*field = expanded
	}

	if cfg.Paths.StateDir == "" {
		cfg.Paths.StateDir = DefaultStateDir()
	}

	return nil
}
