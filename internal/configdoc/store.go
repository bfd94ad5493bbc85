package configdoc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	kerrors "github.com/harunnryd/kanri/internal/errors"

	"github.com/natefinch/atomic"
	"github.com/oklog/ulid/v2"
	"github.com/tidwall/jsonc"
)

const (
	tempInfix   = ".tmp-"
	backupInfix = ".backup_"
	fileMode    = 0o600
)

// BackupHandle identifies one backup file. It is the file's path.
type BackupHandle string

type Backup struct {
	Handle    BackupHandle `json:"handle" yaml:"handle"`
	CreatedAt time.Time    `json:"created_at" yaml:"created_at"`
	Size      int64        `json:"size" yaml:"size"`
}

// Store owns the config document at one path.
type Store struct {
	path string
	lock *Lock

	// mu serialises in-process callers before they contend on the file lock.
	mu sync.Mutex

	// beforeRename runs after the temp file is durable and before it
	// replaces the canonical document.
	beforeRename func(tmpPath string) error
}

func NewStore(path string, lockCfg LockConfig) *Store {
	return &Store{
		path: path,
		lock: NewLock(path, lockCfg),
	}
}

func (s *Store) Path() string {
	return s.path
}

// withLock runs fn holding both the in-process mutex and the file lock.
func (s *Store) withLock(ctx context.Context, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	release, err := s.lock.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	return fn()
}

// EnsureExists writes an empty document when none exists yet.
func (s *Store) EnsureExists(ctx context.Context) error {
	return s.withLock(ctx, func() error {
		if _, err := os.Stat(s.path); err == nil {
			return nil
		} else if !os.IsNotExist(err) {
			return kerrors.Internal("configdoc.EnsureExists", "stat document", err)
		}
		if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
			return kerrors.Internal("configdoc.EnsureExists", "create document dir", err)
		}
		slog.Info("Creating empty config document", "path", s.path)
		return s.writeLocked(&Document{})
	})
}

// Read returns a freshly parsed snapshot. Callers own the result.
func (s *Store) Read(ctx context.Context) (*Document, error) {
	var doc *Document
	err := s.withLock(ctx, func() error {
		var err error
		doc, err = s.readLocked()
		return err
	})
	return doc, err
}

// WriteAtomic replaces the canonical document with doc.
func (s *Store) WriteAtomic(ctx context.Context, doc *Document) error {
	return s.withLock(ctx, func() error {
		return s.writeLocked(doc)
	})
}

// Backup copies the canonical document to a new, uniquely named side file.
func (s *Store) Backup(ctx context.Context) (BackupHandle, error) {
	const op = "configdoc.Backup"

	var handle BackupHandle
	err := s.withLock(ctx, func() error {
		src, err := os.Open(s.path)
		if err != nil {
			if os.IsNotExist(err) {
				return kerrors.NotFound(op, s.path)
			}
			return kerrors.Internal(op, "open document", err)
		}
		defer src.Close()

		now := time.Now()
		name := fmt.Sprintf("%s%s%d_%s", s.path, backupInfix, now.UnixMilli(), ulid.Make())
		dst, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, fileMode)
		if err != nil {
			return kerrors.Internal(op, "create backup", err)
		}

		if _, err := io.Copy(dst, src); err != nil {
			dst.Close()
			os.Remove(name)
			return kerrors.Internal(op, "copy backup", err)
		}
		if err := dst.Sync(); err != nil {
			dst.Close()
			os.Remove(name)
			return kerrors.Internal(op, "sync backup", err)
		}
		if err := dst.Close(); err != nil {
			os.Remove(name)
			return kerrors.Internal(op, "close backup", err)
		}

		handle = BackupHandle(name)
		return nil
	})
	if err != nil {
		return "", err
	}

	slog.Debug("Config document backed up", "backup", handle)
	return handle, nil
}

// Restore renames the backup over the canonical document. The backup is
// consumed.
func (s *Store) Restore(ctx context.Context, handle BackupHandle) error {
	const op = "configdoc.Restore"

	if err := s.checkHandle(handle); err != nil {
		return err
	}

	err := s.withLock(ctx, func() error {
		if _, err := os.Stat(string(handle)); err != nil {
			if os.IsNotExist(err) {
				return kerrors.NotFound(op, string(handle))
			}
			return kerrors.Internal(op, "stat backup", err)
		}
		if err := atomic.ReplaceFile(string(handle), s.path); err != nil {
			return kerrors.Internal(op, "replace document", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	slog.Info("Config document restored from backup", "backup", handle)
	return nil
}

// RollbackOutcome reports how RollbackAgent undid an agent addition.
type RollbackOutcome int

const (
	// RollbackRestored means the backup was renamed over the document.
	RollbackRestored RollbackOutcome = iota + 1
	// RollbackCompensated means other writers changed the document after
	// the backup, so only agentID's entry and bindings were removed.
	RollbackCompensated
)

func (o RollbackOutcome) String() string {
	switch o {
	case RollbackRestored:
		return "restored"
	case RollbackCompensated:
		return "compensated"
	default:
		return "unknown"
	}
}

// RollbackAgent undoes the addition of agentID that happened after handle
// was taken. When the document differs from the backup only by that agent
// the backup is restored byte for byte. Otherwise a concurrent writer
// committed in between, so the agent is removed in place and the backup
// discarded.
func (s *Store) RollbackAgent(ctx context.Context, handle BackupHandle, agentID string) (RollbackOutcome, error) {
	const op = "configdoc.RollbackAgent"

	if err := s.checkHandle(handle); err != nil {
		return 0, err
	}

	var outcome RollbackOutcome
	err := s.withLock(ctx, func() error {
		backupRaw, err := os.ReadFile(string(handle))
		if err != nil {
			if os.IsNotExist(err) {
				return kerrors.NotFound(op, string(handle))
			}
			return kerrors.Internal(op, "read backup", err)
		}

		current, err := s.readLocked()
		if err != nil && !kerrors.Is(err, kerrors.ErrCorruptDocument) {
			return err
		}
		if err == nil {
			same, err := onlyAgentDiffers(backupRaw, current, agentID)
			if err != nil {
				return kerrors.Internal(op, "compare with backup", err)
			}
			if !same {
				if _, changed := removeAgent(current, agentID); changed {
					if err := s.writeLocked(current); err != nil {
						return err
					}
				}
				outcome = RollbackCompensated
				if err := os.Remove(string(handle)); err != nil && !os.IsNotExist(err) {
					slog.Warn("Backup not removed after compensation", "backup", handle, "error", err)
				}
				return nil
			}
		}

		if err := atomic.ReplaceFile(string(handle), s.path); err != nil {
			return kerrors.Internal(op, "replace document", err)
		}
		outcome = RollbackRestored
		return nil
	})
	if err != nil {
		return 0, err
	}

	slog.Info("Config document rolled back", "agent_id", agentID, "outcome", outcome.String())
	return outcome, nil
}

// Discard deletes a backup that is no longer needed.
func (s *Store) Discard(handle BackupHandle) error {
	if err := s.checkHandle(handle); err != nil {
		return err
	}
	if err := os.Remove(string(handle)); err != nil && !os.IsNotExist(err) {
		return kerrors.Internal("configdoc.Discard", "remove backup", err)
	}
	return nil
}

// ListBackups returns backups of this document, newest first.
func (s *Store) ListBackups() ([]Backup, error) {
	matches, err := filepath.Glob(s.path + backupInfix + "*")
	if err != nil {
		return nil, kerrors.Internal("configdoc.ListBackups", "glob", err)
	}

	backups := make([]Backup, 0, len(matches))
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil {
			continue
		}
		backups = append(backups, Backup{
			Handle:    BackupHandle(m),
			CreatedAt: backupTime(m, s.path, info.ModTime()),
			Size:      info.Size(),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		if backups[i].CreatedAt.Equal(backups[j].CreatedAt) {
			return backups[i].Handle > backups[j].Handle
		}
		return backups[i].CreatedAt.After(backups[j].CreatedAt)
	})
	return backups, nil
}

// AddAgent appends entry and binding in one locked read-modify-write.
func (s *Store) AddAgent(ctx context.Context, entry AgentEntry, binding Binding) error {
	const op = "configdoc.AddAgent"

	if entry.ID == "" {
		return kerrors.InvalidInput(op, "agent id is empty")
	}
	if binding.AgentID != entry.ID {
		return kerrors.InvalidInput(op, fmt.Sprintf("binding agent %q does not match entry %q", binding.AgentID, entry.ID))
	}

	return s.Mutate(ctx, func(doc *Document) (bool, error) {
		if _, exists := doc.FindAgent(entry.ID); exists {
			return false, kerrors.Conflict(op, fmt.Sprintf("agent %s already in document", entry.ID))
		}
		doc.Agents.List = append(doc.Agents.List, entry)
		doc.Bindings = append(doc.Bindings, binding)
		return true, nil
	})
}

// RemoveAgent drops the agent entry and every binding that points at it.
func (s *Store) RemoveAgent(ctx context.Context, agentID string) (bool, error) {
	removed := false
	err := s.Mutate(ctx, func(doc *Document) (bool, error) {
		var changed bool
		removed, changed = removeAgent(doc, agentID)
		return changed, nil
	})
	return removed, err
}

// RemoveBindings drops every binding matching drop and returns them.
func (s *Store) RemoveBindings(ctx context.Context, drop func(Binding) bool) ([]Binding, error) {
	var dropped []Binding
	err := s.Mutate(ctx, func(doc *Document) (bool, error) {
		for _, b := range doc.Bindings {
			if drop(b) {
				dropped = append(dropped, b)
			}
		}
		if len(dropped) == 0 {
			return false, nil
		}
		doc.Bindings = filterBindings(doc.Bindings, drop)
		return true, nil
	})
	return dropped, err
}

// Mutate reads, applies fn and writes back under one lock hold. fn returns
// false to skip the write.
func (s *Store) Mutate(ctx context.Context, fn func(doc *Document) (bool, error)) error {
	return s.withLock(ctx, func() error {
		doc, err := s.readLocked()
		if err != nil {
			return err
		}
		changed, err := fn(doc)
		if err != nil {
			return err
		}
		if !changed {
			return nil
		}
		return s.writeLocked(doc)
	})
}

func (s *Store) readLocked() (*Document, error) {
	const op = "configdoc.Read"

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, kerrors.NotFound(op, s.path)
		}
		return nil, kerrors.Internal(op, "read document", err)
	}
	return decode(raw)
}

func (s *Store) writeLocked(doc *Document) error {
	const op = "configdoc.WriteAtomic"

	data, err := encode(doc)
	if err != nil {
		return kerrors.Internal(op, "encode document", err)
	}

	tmp := s.path + tempInfix + ulid.Make().String()
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, fileMode)
	if err != nil {
		return kerrors.Internal(op, "create temp file", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return kerrors.Internal(op, "write temp file", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return kerrors.Internal(op, "sync temp file", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return kerrors.Internal(op, "close temp file", err)
	}

	if s.beforeRename != nil {
		if err := s.beforeRename(tmp); err != nil {
			return kerrors.Internal(op, "interrupted before rename", err)
		}
	}

	if err := atomic.ReplaceFile(tmp, s.path); err != nil {
		os.Remove(tmp)
		return kerrors.Internal(op, "rename temp file", err)
	}
	return nil
}

func (s *Store) checkHandle(handle BackupHandle) error {
	name := string(handle)
	if filepath.Dir(name) != filepath.Dir(s.path) ||
		!strings.HasPrefix(filepath.Base(name), filepath.Base(s.path)+backupInfix) {
		return kerrors.InvalidInput("configdoc.Backup", fmt.Sprintf("%q is not a backup of %s", name, s.path))
	}
	return nil
}

func decode(raw []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(jsonc.ToJSON(raw), &doc); err != nil {
		return nil, kerrors.CorruptDocument("configdoc.Read", "parse document", err)
	}
	return &doc, nil
}

func encode(doc *Document) ([]byte, error) {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// removeAgent drops agentID's entry and bindings from doc. It reports
// whether the entry existed and whether anything changed.
func removeAgent(doc *Document, agentID string) (removed, changed bool) {
	kept := doc.Agents.List[:0]
	for _, a := range doc.Agents.List {
		if a.ID == agentID {
			removed = true
			continue
		}
		kept = append(kept, a)
	}
	doc.Agents.List = kept

	n := len(doc.Bindings)
	doc.Bindings = filterBindings(doc.Bindings, func(b Binding) bool { return b.AgentID == agentID })
	return removed, removed || n != len(doc.Bindings)
}

// onlyAgentDiffers reports whether current, minus agentID, encodes the same
// as the backup.
func onlyAgentDiffers(backupRaw []byte, current *Document, agentID string) (bool, error) {
	backup, err := decode(backupRaw)
	if err != nil {
		return false, err
	}
	want, err := encode(backup)
	if err != nil {
		return false, err
	}

	// Round-trip current so both sides carry sandbox sections the same way.
	curRaw, err := encode(current)
	if err != nil {
		return false, err
	}
	trimmed, err := decode(curRaw)
	if err != nil {
		return false, err
	}
	removeAgent(trimmed, agentID)
	got, err := encode(trimmed)
	if err != nil {
		return false, err
	}
	return bytes.Equal(want, got), nil
}

func filterBindings(bindings []Binding, drop func(Binding) bool) []Binding {
	kept := make([]Binding, 0, len(bindings))
	for _, b := range bindings {
		if !drop(b) {
			kept = append(kept, b)
		}
	}
	return kept
}

// backupTime reads the millisecond stamp from a backup name, falling back to mtime.
func backupTime(name, docPath string, fallback time.Time) time.Time {
	rest := strings.TrimPrefix(filepath.Base(name), filepath.Base(docPath)+backupInfix)
	stamp, _, _ := strings.Cut(rest, "_")
	ms, err := strconv.ParseInt(stamp, 10, 64)
	if err != nil {
		return fallback
	}
	return time.UnixMilli(ms)
}
