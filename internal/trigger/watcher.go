// Package trigger turns identities seen by the front-door agent into
// provisioning requests.
package trigger

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/kanri/internal/concurrency"
	"github.com/harunnryd/kanri/internal/config"
	kerrors "github.com/harunnryd/kanri/internal/errors"
	"github.com/harunnryd/kanri/internal/identity"
	"github.com/harunnryd/kanri/internal/logger"
	"github.com/harunnryd/kanri/internal/onboarding"

	"golang.org/x/time/rate"
)

type Provisioner interface {
	Provision(ctx context.Context, identity string) (onboarding.Result, error)
}

type Options struct {
	PollInterval time.Duration
	RatePerSec   float64
	Burst        int
}

// PollResult summarises one pass over the source.
type PollResult struct {
	Seen     int
	Skipped  int
	Invalid  int
	Created  int
	Existing int
	Failed   int
}

type Watcher struct {
	source  Source
	prov    Provisioner
	known   *KnownIdentities
	busy    *concurrency.KeyedLocks
	limiter *rate.Limiter

	pollInterval time.Duration

	mu      sync.RWMutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	lastErr error
}

func NewWatcher(source Source, prov Provisioner, known *KnownIdentities, opts Options) *Watcher {
	if opts.PollInterval <= 0 {
		d, err := config.DurationOrDefault("", config.DefaultWatcherPollInterval)
		if err == nil {
			opts.PollInterval = d
		}
	}
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = config.DefaultWatcherRatePerSec
	}
	if opts.Burst <= 0 {
		opts.Burst = config.DefaultWatcherBurst
	}
	if known == nil {
		known = NewKnownIdentities(config.DefaultWatcherCacheSize)
	}

	return &Watcher{
		source:       source,
		prov:         prov,
		known:        known,
		busy:         concurrency.NewKeyedLocks(),
		limiter:      rate.NewLimiter(rate.Limit(opts.RatePerSec), opts.Burst),
		pollInterval: opts.PollInterval,
	}
}

func (w *Watcher) Known() *KnownIdentities {
	return w.known
}

func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running = true

	var changes <-chan struct{}
	if n, ok := w.source.(Notifier); ok {
		ch, err := n.Notify(loopCtx)
		if err != nil {
			slog.Warn("File notifications unavailable, polling only", "error", err)
		} else {
			changes = ch
		}
	}

	done := w.done
	concurrency.SafeGo("trigger.watcher", func() {
		defer close(done)
		w.loop(loopCtx, changes)
	}, nil)

	slog.Info("Watcher started", "poll_interval", w.pollInterval)
	return nil
}

func (w *Watcher) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.cancel()
	done := w.done
	w.mu.Unlock()

	select {
	case <-done:
		slog.Info("Watcher stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Watcher) Health(ctx context.Context) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if !w.running {
		return kerrors.Internal("trigger.Health", "watcher not running", nil)
	}
	if kerrors.Is(w.lastErr, kerrors.ErrCorruptDocument) {
		return w.lastErr
	}
	return nil
}

func (w *Watcher) loop(ctx context.Context, changes <-chan struct{}) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	w.pollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.pollOnce(ctx)
		case _, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			w.pollOnce(ctx)
		}
	}
}

func (w *Watcher) pollOnce(ctx context.Context) {
	res, err := w.Poll(ctx)

	w.mu.Lock()
	w.lastErr = err
	w.mu.Unlock()

	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("Watcher poll failed", "error", err, "category", kerrors.Category(err))
		}
		return
	}
	if res.Created > 0 || res.Failed > 0 {
		slog.Info("Watcher poll finished",
			"seen", res.Seen,
			"created", res.Created,
			"existing", res.Existing,
			"failed", res.Failed,
		)
	}
}

// Poll reads the source once and provisions every valid identity that is
// not cached yet. Provisioning runs concurrently, paced by the rate limiter.
func (w *Watcher) Poll(ctx context.Context) (PollResult, error) {
	raw, err := w.source.Identities(ctx)
	if err != nil {
		return PollResult{}, err
	}

	var (
		res PollResult
		mu  sync.Mutex
		wg  sync.WaitGroup
	)
	res.Seen = len(raw)

	for _, r := range raw {
		id, err := identity.Normalize(r)
		if err != nil {
			res.Invalid++
			slog.Debug("Skipping session with invalid identity", "raw", logger.RedactIdentity(r))
			continue
		}
		if w.known.Contains(id) || !w.busy.TryLock(id) {
			res.Skipped++
			continue
		}

		if err := w.limiter.Wait(ctx); err != nil {
			w.busy.Unlock(id)
			wg.Wait()
			return res, err
		}

		wg.Add(1)
		concurrency.SafeGo("trigger.provision", func() {
			defer wg.Done()
			defer w.busy.Unlock(id)

			outcome := w.provision(ctx, id)
			mu.Lock()
			switch outcome {
			case outcomeCreated:
				res.Created++
			case outcomeExisting:
				res.Existing++
			default:
				res.Failed++
			}
			mu.Unlock()
		}, nil)
	}

	wg.Wait()
	return res, nil
}

type outcome int

const (
	outcomeFailed outcome = iota
	outcomeCreated
	outcomeExisting
)

func (w *Watcher) provision(ctx context.Context, id string) outcome {
	ctx = logger.WithIdentity(ctx, id)
	log := logger.From(ctx)

	result, err := w.prov.Provision(ctx, id)
	if err != nil {
		log.Warn("Provisioning from session failed",
			"error", err,
			"category", kerrors.Category(err),
			"retryable", kerrors.IsRetryable(err),
		)
		return outcomeFailed
	}

	w.known.Add(id)
	if !result.Created {
		log.Debug("Identity already onboarded", "agent_id", result.AgentID)
		return outcomeExisting
	}
	log.Info("Agent provisioned from session", "agent_id", result.AgentID)
	return outcomeCreated
}
