package provisioner

import (
	"context"
	"sort"
	"sync"
)

// Fake is an in-memory Tool for tests and dry runs.
type Fake struct {
	mu        sync.Mutex
	agents    map[string]bool
	removeErr map[string]error
	calls     []string

	// CreateErr fails every CreateAgent call when set.
	CreateErr error
}

func NewFake() *Fake {
	return &Fake{
		agents:    map[string]bool{},
		removeErr: map[string]error{},
	}
}

// FailRemove makes RemoveAgent(agentID) return err.
func (f *Fake) FailRemove(agentID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeErr[agentID] = err
}

func (f *Fake) CreateAgent(_ context.Context, agentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "create "+agentID)
	if f.CreateErr != nil {
		return f.CreateErr
	}
	f.agents[agentID] = true
	return nil
}

func (f *Fake) RemoveAgent(_ context.Context, agentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "remove "+agentID)
	if err := f.removeErr[agentID]; err != nil {
		return err
	}
	delete(f.agents, agentID)
	return nil
}

func (f *Fake) ReloadGateway(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "reload")
	return nil
}

func (f *Fake) Version(context.Context) (string, error) {
	return "fake 0.0.0", nil
}

// Agents returns the ids currently created, sorted.
func (f *Fake) Agents() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.agents))
	for id := range f.agents {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Calls returns the recorded invocations in order.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}
