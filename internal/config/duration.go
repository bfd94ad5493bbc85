package config

import (
	"fmt"
	"strings"
	"time"
)

// DurationOrDefault parses a duration string and falls back to defaultValue when empty.
func DurationOrDefault(value string, defaultValue string) (time.Duration, error) {
	candidate := strings.TrimSpace(value)
	if candidate == "" {
		candidate = strings.TrimSpace(defaultValue)
	}
	if candidate == "" {
		return 0, fmt.Errorf("duration value is empty")
	}

	d, err := time.ParseDuration(candidate)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", candidate, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("duration %q is negative", candidate)
	}
	return d, nil
}

// Durations holds the parsed timing knobs shared by several components.
type Durations struct {
	LockTimeout         time.Duration
	LockRetry           time.Duration
	LockStaleAfter      time.Duration
	ToolTimeout         time.Duration
	BreakerOpen         time.Duration
	OnboardingExpiry    time.Duration
	OAuthExpiryWindow   time.Duration
	StaleThreshold      time.Duration
	WatcherPoll         time.Duration
	ShutdownTimeout     time.Duration
	HealthInterval      time.Duration
	PreflightTimeout    time.Duration
	HTTPReadTimeout     time.Duration
	HTTPWriteTimeout    time.Duration
	HTTPIdleTimeout     time.Duration
	HTTPShutdownTimeout time.Duration
}

// ParseDurations resolves every duration field, reporting the first invalid one by key.
func (c *Config) ParseDurations() (Durations, error) {
	var d Durations
	fields := []struct {
		key      string
		value    string
		fallback string
		dst      *time.Duration
	}{
		{"lock.timeout", c.Lock.Timeout, DefaultLockTimeout, &d.LockTimeout},
		{"lock.retry", c.Lock.Retry, DefaultLockRetry, &d.LockRetry},
		{"lock.stale_after", c.Lock.StaleAfter, DefaultLockStaleAfter, &d.LockStaleAfter},
		{"provisioner.timeout", c.Provisioner.Timeout, DefaultProvisionerTimeout, &d.ToolTimeout},
		{"provisioner.breaker_open_duration", c.Provisioner.BreakerOpenDuration, DefaultProvisionerBreakerOpen, &d.BreakerOpen},
		{"onboarding.expiry", c.Onboarding.Expiry, DefaultOnboardingExpiry, &d.OnboardingExpiry},
		{"onboarding.oauth_expiry_window", c.Onboarding.OAuthExpiryWindow, DefaultOnboardingOAuthExpiryWindow, &d.OAuthExpiryWindow},
		{"reconcile.stale_threshold", c.Reconcile.StaleThreshold, DefaultReconcileStaleThreshold, &d.StaleThreshold},
		{"watcher.poll_interval", c.Watcher.PollInterval, DefaultWatcherPollInterval, &d.WatcherPoll},
		{"daemon.shutdown_timeout", c.Daemon.ShutdownTimeout, DefaultDaemonShutdownTimeout, &d.ShutdownTimeout},
		{"daemon.health_check_interval", c.Daemon.HealthCheckInterval, DefaultDaemonHealthCheckInterval, &d.HealthInterval},
		{"daemon.preflight_timeout", c.Daemon.PreflightTimeout, DefaultDaemonPreflightTimeout, &d.PreflightTimeout},
		{"server.read_timeout", c.Server.ReadTimeout, DefaultServerReadTimeout, &d.HTTPReadTimeout},
		{"server.write_timeout", c.Server.WriteTimeout, DefaultServerWriteTimeout, &d.HTTPWriteTimeout},
		{"server.idle_timeout", c.Server.IdleTimeout, DefaultServerIdleTimeout, &d.HTTPIdleTimeout},
		{"server.shutdown_timeout", c.Server.ShutdownTimeout, DefaultServerShutdownTimeout, &d.HTTPShutdownTimeout},
	}

	for _, f := range fields {
		parsed, err := DurationOrDefault(f.value, f.fallback)
		if err != nil {
			return Durations{}, fmt.Errorf("%s: %w", f.key, err)
		}
		*f.dst = parsed
	}
	return d, nil
}
