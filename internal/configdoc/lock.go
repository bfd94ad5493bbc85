package configdoc

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/harunnryd/kanri/internal/config"
	kerrors "github.com/harunnryd/kanri/internal/errors"

	"github.com/avast/retry-go/v5"
	"github.com/gofrs/flock"
)

type LockConfig struct {
	Timeout  time.Duration
	Retry    time.Duration
	MaxRetry int
}

func DefaultLockConfig() LockConfig {
	timeout, _ := config.DurationOrDefault(config.DefaultLockTimeout, config.DefaultLockTimeout)
	retryDelay, _ := config.DurationOrDefault(config.DefaultLockRetry, config.DefaultLockRetry)

	return LockConfig{
		Timeout:  timeout,
		Retry:    retryDelay,
		MaxRetry: config.DefaultLockMaxRetry,
	}
}

// Lock is the cross-process lock guarding one config document. Every
// operation that touches the canonical file goes through it.
type Lock struct {
	path string
	cfg  LockConfig
}

// NewLock fills zero fields of cfg from DefaultLockConfig.
func NewLock(documentPath string, cfg LockConfig) *Lock {
	def := DefaultLockConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Retry <= 0 {
		cfg.Retry = def.Retry
	}
	if cfg.MaxRetry <= 0 {
		cfg.MaxRetry = def.MaxRetry
	}
	return &Lock{path: documentPath + ".lock", cfg: cfg}
}

func (l *Lock) Path() string {
	return l.path
}

var errLockBusy = kerrors.New("config document lock is held")

// Acquire takes the exclusive lock with bounded retries. The returned
// release func is safe to call once.
func (l *Lock) Acquire(ctx context.Context) (func(), error) {
	const op = "configdoc.Lock.Acquire"

	if l.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.cfg.Timeout)
		defer cancel()
	}

	fl := flock.New(l.path)
	busy := false

	err := retry.New(
		retry.Context(ctx),
		retry.Attempts(uint(l.cfg.MaxRetry)),
		retry.Delay(l.cfg.Retry),
		retry.DelayType(retry.FixedDelay),
		retry.RetryIf(func(err error) bool {
			return err == errLockBusy
		}),
	).Do(func() error {
		locked, err := fl.TryLock()
		if err != nil {
			return err
		}
		if !locked {
			busy = true
			return errLockBusy
		}
		busy = false
		return nil
	})

	if err != nil {
		if busy || ctx.Err() != nil {
			return nil, kerrors.LockTimeout(op,
				fmt.Sprintf("%s held by another writer after %d attempts", l.path, l.cfg.MaxRetry), ctx.Err())
		}
		return nil, kerrors.Internal(op, "attempt lock", err)
	}

	acquiredAt := time.Now()
	slog.Debug("Config document lock acquired", "path", l.path)

	released := false
	return func() {
		if released {
			return
		}
		released = true
		if err := fl.Unlock(); err != nil {
			slog.Error("Failed to release config document lock", "path", l.path, "error", err)
			return
		}
		slog.Debug("Config document lock released",
			"path", l.path,
			"held_duration_ms", time.Since(acquiredAt).Milliseconds(),
		)
	}, nil
}

// CleanupStale removes a lock file nobody holds and temp files left by
// interrupted writes, when older than maxAge. Without force it only reports.
func CleanupStale(documentPath string, maxAge time.Duration, force bool) error {
	lockPath := documentPath + ".lock"
	if err := cleanupStaleLock(lockPath, maxAge, force); err != nil {
		return err
	}

	matches, err := filepath.Glob(documentPath + tempInfix + "*")
	if err != nil {
		return err
	}
	for _, tmp := range matches {
		if !strings.HasPrefix(filepath.Base(tmp), filepath.Base(documentPath)+tempInfix) {
			continue
		}
		info, err := os.Stat(tmp)
		if err != nil {
			continue
		}
		age := time.Since(info.ModTime())
		if age <= maxAge {
			continue
		}
		slog.Warn("Found orphaned temp file", "path", tmp, "age", age)
		if !force {
			continue
		}
		if err := os.Remove(tmp); err != nil && !os.IsNotExist(err) {
			slog.Error("Failed to remove orphaned temp file", "path", tmp, "error", err)
			return err
		}
		slog.Info("Orphaned temp file removed", "path", tmp)
	}
	return nil
}

func cleanupStaleLock(lockPath string, maxAge time.Duration, force bool) error {
	info, err := os.Stat(lockPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	age := time.Since(info.ModTime())
	if age <= maxAge {
		return nil
	}

	slog.Warn("Found stale lock file",
		"path", lockPath,
		"age", age,
		"max_age", maxAge,
	)

	if !force {
		slog.Info("Stale lock detected but not cleaning (use --force-clean-locks to remove)", "path", lockPath)
		return nil
	}

	fl := flock.New(lockPath)
	locked, err := fl.TryLock()
	if err != nil {
		return err
	}
	if !locked {
		slog.Info("Lock file is old but still held, leaving it", "path", lockPath)
		return nil
	}
	defer fl.Unlock()

	if err := os.Remove(lockPath); err != nil {
		slog.Error("Failed to remove stale lock file", "path", lockPath, "error", err)
		return err
	}

	slog.Info("Stale lock file removed", "path", lockPath)
	return nil
}
