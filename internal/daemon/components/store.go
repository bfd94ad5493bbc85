package components

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/harunnryd/kanri/internal/config"
	"github.com/harunnryd/kanri/internal/configdoc"
	"github.com/harunnryd/kanri/internal/daemon"
	"github.com/harunnryd/kanri/internal/statestore"
)

var (
	errNotInitialized = errors.New("not initialized")
	errNotStarted     = errors.New("not started")
)

// StateStoreComponent opens the onboarding database.
type StateStoreComponent struct {
	cfg         *config.Config
	store       *statestore.Store
	initialized bool
	mu          sync.RWMutex
}

func NewStateStoreComponent(cfg *config.Config) *StateStoreComponent {
	return &StateStoreComponent{cfg: cfg}
}

func (s *StateStoreComponent) Name() string {
	return "StateStore"
}

func (s *StateStoreComponent) Dependencies() []string {
	return []string{}
}

func (s *StateStoreComponent) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-ctx.Done():
		return fmt.Errorf("StateStore init cancelled: %w", ctx.Err())
	default:
	}

	expiry, err := config.DurationOrDefault(s.cfg.Onboarding.Expiry, config.DefaultOnboardingExpiry)
	if err != nil {
		return fmt.Errorf("parse onboarding expiry: %w", err)
	}

	store, err := statestore.Open(ctx, s.cfg.StateDBPath(), statestore.WithExpiry(expiry))
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}

	s.store = store
	s.initialized = true
	slog.Info("StateStore initialized", "component", s.Name(), "path", s.cfg.StateDBPath())
	return nil
}

func (s *StateStoreComponent) Start(ctx context.Context) error {
	return nil
}

func (s *StateStoreComponent) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return nil
	}
	s.initialized = false
	return s.store.Close()
}

func (s *StateStoreComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return daemon.Unhealthy(s.Name(), errNotInitialized), nil
	}
	if err := s.store.Ping(ctx); err != nil {
		return daemon.Unhealthy(s.Name(), err), nil
	}
	return daemon.Healthy(s.Name()), nil
}

func (s *StateStoreComponent) Store() *statestore.Store {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.store
}

// ConfigDocumentComponent guards the shared config document.
type ConfigDocumentComponent struct {
	cfg   *config.Config
	store *configdoc.Store
}

func NewConfigDocumentComponent(cfg *config.Config) *ConfigDocumentComponent {
	return &ConfigDocumentComponent{cfg: cfg}
}

func (c *ConfigDocumentComponent) Name() string {
	return "ConfigDocument"
}

func (c *ConfigDocumentComponent) Dependencies() []string {
	return []string{}
}

func (c *ConfigDocumentComponent) Init(ctx context.Context) error {
	d, err := c.cfg.ParseDurations()
	if err != nil {
		return err
	}
	maxRetry := c.cfg.Lock.MaxRetry
	if maxRetry <= 0 {
		maxRetry = config.DefaultLockMaxRetry
	}

	c.store = configdoc.NewStore(c.cfg.ConfigDocumentPath(), configdoc.LockConfig{
		Timeout:  d.LockTimeout,
		Retry:    d.LockRetry,
		MaxRetry: maxRetry,
	})
	if err := c.store.EnsureExists(ctx); err != nil {
		return fmt.Errorf("prepare config document: %w", err)
	}

	slog.Info("ConfigDocument initialized", "component", c.Name(), "path", c.store.Path())
	return nil
}

func (c *ConfigDocumentComponent) Start(ctx context.Context) error {
	return nil
}

func (c *ConfigDocumentComponent) Stop(ctx context.Context) error {
	return nil
}

// Health reads the document, so a corrupt file or a wedged lock shows up
// here before a workflow trips over it.
func (c *ConfigDocumentComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	if c.store == nil {
		return daemon.Unhealthy(c.Name(), errNotInitialized), nil
	}
	if _, err := c.store.Read(ctx); err != nil {
		return daemon.Unhealthy(c.Name(), err), nil
	}
	return daemon.Healthy(c.Name()), nil
}

func (c *ConfigDocumentComponent) Store() *configdoc.Store {
	return c.store
}
