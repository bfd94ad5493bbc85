package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	kerrors "github.com/harunnryd/kanri/internal/errors"

	"github.com/fsnotify/fsnotify"
	"github.com/tidwall/jsonc"
)

// Source yields raw identities seen by the front-door agent.
type Source interface {
	Identities(ctx context.Context) ([]string, error)
}

// Notifier is implemented by sources that can signal changes between polls.
type Notifier interface {
	Notify(ctx context.Context) (<-chan struct{}, error)
}

// SessionFileSource reads the gateway's sessions file for the welcome agent.
// Keys look like agent:<agentID>:<channel>:dm:<identity>.
type SessionFileSource struct {
	path   string
	prefix string
}

func NewSessionFileSource(path, agentID, channel string) *SessionFileSource {
	return &SessionFileSource{
		path:   path,
		prefix: SessionKeyPrefix(agentID, channel),
	}
}

func SessionKeyPrefix(agentID, channel string) string {
	return fmt.Sprintf("agent:%s:%s:dm:", agentID, channel)
}

func (s *SessionFileSource) Path() string {
	return s.path
}

// Identities returns the raw identity suffix of every matching session key,
// sorted. A missing file yields no identities.
func (s *SessionFileSource) Identities(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	content, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, kerrors.Internal("trigger.SessionFileSource", "read sessions file", err)
	}
	if len(strings.TrimSpace(string(content))) == 0 {
		return nil, nil
	}

	var sessions map[string]json.RawMessage
	if err := json.Unmarshal(jsonc.ToJSON(content), &sessions); err != nil {
		return nil, kerrors.CorruptDocument("trigger.SessionFileSource", "parse sessions file", err)
	}

	var out []string
	for key := range sessions {
		raw, ok := strings.CutPrefix(key, s.prefix)
		if !ok || raw == "" {
			continue
		}
		out = append(out, raw)
	}
	sort.Strings(out)
	return out, nil
}

// Notify signals whenever the sessions file is written or replaced. The
// parent directory is watched because the gateway replaces the file by
// rename. The channel closes when ctx ends.
func (s *SessionFileSource) Notify(ctx context.Context) (<-chan struct{}, error) {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	base := filepath.Base(s.path)
	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		defer fw.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fw.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != base {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				select {
				case out <- struct{}{}:
				default:
				}
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				slog.Warn("Sessions file watch error", "path", s.path, "error", err)
			}
		}
	}()
	return out, nil
}
