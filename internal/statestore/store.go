package statestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	kerrors "github.com/harunnryd/kanri/internal/errors"
	"github.com/harunnryd/kanri/internal/logger"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

type Store struct {
	db     *sql.DB
	now    func() time.Time
	expiry time.Duration
}

type Option func(*Store)

// WithClock replaces time.Now for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithExpiry sets how long after creation a record's expires_at falls.
// Zero leaves expires_at unset.
func WithExpiry(d time.Duration) Option {
	return func(s *Store) { s.expiry = d }
}

func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		db.Close()
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	if err := ApplyMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const recordColumns = `id, identity, agent_id, status, name, email, created_at, updated_at, expires_at, oauth_nonce, oauth_status`

// currentID selects the newest record for an identity.
const currentID = `(SELECT MAX(id) FROM onboarding_records WHERE identity = ?)`

// Get returns the current record for identity.
func (s *Store) Get(ctx context.Context, identity string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM onboarding_records WHERE id = `+currentID, identity)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, kerrors.NotFound("statestore.Get", "no record for identity")
	}
	if err != nil {
		return Record{}, kerrors.Internal("statestore.Get", "scan record", err)
	}
	return rec, nil
}

// GetByAgentID returns the record that owns agentID.
func (s *Store) GetByAgentID(ctx context.Context, agentID string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM onboarding_records WHERE agent_id = ?`, agentID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, kerrors.NotFound("statestore.GetByAgentID", agentID)
	}
	if err != nil {
		return Record{}, kerrors.Internal("statestore.GetByAgentID", "scan record", err)
	}
	return rec, nil
}

// FindByNonce returns the live record holding nonce.
func (s *Store) FindByNonce(ctx context.Context, nonce string) (Record, error) {
	if nonce == "" {
		return Record{}, kerrors.InvalidInput("statestore.FindByNonce", "nonce is empty")
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM onboarding_records WHERE oauth_nonce = ? AND status != 'cancelled'`, nonce)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, kerrors.NotFound("statestore.FindByNonce", "unknown nonce")
	}
	if err != nil {
		return Record{}, kerrors.Internal("statestore.FindByNonce", "scan record", err)
	}
	return rec, nil
}

// Create inserts a new live record. A second live record for the same
// identity fails with a Conflict error from the unique index, never from
// a prior read.
func (s *Store) Create(ctx context.Context, identity, agentID string, status Status) (Record, error) {
	const op = "statestore.Create"

	if strings.TrimSpace(identity) == "" || strings.TrimSpace(agentID) == "" {
		return Record{}, kerrors.InvalidInput(op, "identity and agent id are required")
	}
	if !status.Valid() || status.Terminal() {
		return Record{}, kerrors.InvalidInput(op, fmt.Sprintf("invalid initial status %q", status))
	}

	now := s.now().UTC()
	var expiresAt *time.Time
	if s.expiry > 0 {
		v := now.Add(s.expiry)
		expiresAt = &v
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, kerrors.Internal(op, "begin tx", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `
INSERT INTO onboarding_records(identity, agent_id, status, created_at, updated_at, expires_at)
VALUES (?, ?, ?, ?, ?, ?)
`, identity, agentID, string(status), ts(now), ts(now), nullableTS(expiresAt))
	if err != nil {
		if isUniqueErr(err) {
			return Record{}, kerrors.Conflict(op, "identity already has a live record")
		}
		return Record{}, kerrors.Internal(op, "insert record", err)
	}
	if err := appendTransition(ctx, tx, identity, "", status, now); err != nil {
		return Record{}, kerrors.Internal(op, "append transition", err)
	}
	if err := tx.Commit(); err != nil {
		return Record{}, kerrors.Internal(op, "commit", err)
	}

	id, _ := res.LastInsertId()
	return Record{
		ID:        id,
		Identity:  identity,
		AgentID:   agentID,
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: expiresAt,
	}, nil
}

// Update applies a partial update to the current record. Empty fields are a no-op.
func (s *Store) Update(ctx context.Context, identity string, f Fields) error {
	const op = "statestore.Update"

	if f.Empty() {
		return nil
	}

	sets := []string{}
	args := []any{}
	if f.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *f.Name)
	}
	if f.Email != nil {
		sets = append(sets, "email = ?")
		args = append(args, *f.Email)
	}
	if f.ExpiresAt != nil {
		sets = append(sets, "expires_at = ?")
		args = append(args, ts(*f.ExpiresAt))
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, ts(s.now()), identity)

	res, err := s.db.ExecContext(ctx, `UPDATE onboarding_records SET `+strings.Join(sets, ", ")+` WHERE id = `+currentID, args...)
	if err != nil {
		return kerrors.Internal(op, "update record", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return kerrors.NotFound(op, "no record for identity")
	}
	return nil
}

// SetStatus moves the current record to status and appends the transition
// in the same transaction. Leaving a terminal status is logged and
// ignored. A missing record is logged as a transition from nothing.
func (s *Store) SetStatus(ctx context.Context, identity string, status Status) error {
	const op = "statestore.SetStatus"

	if !status.Valid() {
		return kerrors.InvalidInput(op, fmt.Sprintf("unknown status %q", status))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return kerrors.Internal(op, "begin tx", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var (
		id   int64
		from string
	)
	err = tx.QueryRowContext(ctx, `SELECT id, status FROM onboarding_records WHERE id = `+currentID, identity).Scan(&id, &from)
	now := s.now().UTC()

	switch {
	case errors.Is(err, sql.ErrNoRows):
		logger.From(ctx).Warn("Status change for unknown identity", "identity", logger.RedactIdentity(identity), "to", status)
		if err := appendTransition(ctx, tx, identity, "", status, now); err != nil {
			return kerrors.Internal(op, "append transition", err)
		}
		if err := tx.Commit(); err != nil {
			return kerrors.Internal(op, "commit", err)
		}
		return nil
	case err != nil:
		return kerrors.Internal(op, "read current status", err)
	}

	current := Status(from)
	if current == status {
		return nil
	}
	if current.Terminal() {
		logger.From(ctx).Warn("Ignoring status change on terminal record",
			"identity", logger.RedactIdentity(identity),
			"from", current,
			"to", status,
		)
		return nil
	}
	if !CanTransition(current, status) {
		return kerrors.InvalidTransition(op, string(current), string(status))
	}

	if _, err := tx.ExecContext(ctx, `UPDATE onboarding_records SET status = ?, updated_at = ? WHERE id = ?`, string(status), ts(now), id); err != nil {
		if isUniqueErr(err) {
			return kerrors.Conflict(op, "identity already has a live record")
		}
		return kerrors.Internal(op, "update status", err)
	}
	if err := appendTransition(ctx, tx, identity, current, status, now); err != nil {
		return kerrors.Internal(op, "append transition", err)
	}
	if err := tx.Commit(); err != nil {
		return kerrors.Internal(op, "commit", err)
	}
	return nil
}

// Cancel moves the live record for identity to cancelled, including a
// complete one, and logs the transition. When agentID is set the record
// must still belong to it. It reports false when nothing was cancelled.
func (s *Store) Cancel(ctx context.Context, identity, agentID string) (bool, error) {
	const op = "statestore.Cancel"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, kerrors.Internal(op, "begin tx", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var (
		id    int64
		from  string
		owner string
	)
	err = tx.QueryRowContext(ctx, `SELECT id, status, agent_id FROM onboarding_records WHERE id = `+currentID, identity).Scan(&id, &from, &owner)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, kerrors.Internal(op, "read current status", err)
	}
	if Status(from) == StatusCancelled || (agentID != "" && owner != agentID) {
		return false, nil
	}

	now := s.now().UTC()
	if _, err := tx.ExecContext(ctx, `UPDATE onboarding_records SET status = ?, updated_at = ? WHERE id = ?`, string(StatusCancelled), ts(now), id); err != nil {
		return false, kerrors.Internal(op, "update status", err)
	}
	if err := appendTransition(ctx, tx, identity, Status(from), StatusCancelled, now); err != nil {
		return false, kerrors.Internal(op, "append transition", err)
	}
	if err := tx.Commit(); err != nil {
		return false, kerrors.Internal(op, "commit", err)
	}
	return true, nil
}

// SetOAuthNonce stores nonce on the live record and marks the flow pending.
func (s *Store) SetOAuthNonce(ctx context.Context, identity, nonce string) error {
	const op = "statestore.SetOAuthNonce"

	if nonce == "" {
		return kerrors.InvalidInput(op, "nonce is empty")
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE onboarding_records SET oauth_nonce = ?, oauth_status = ?, updated_at = ?
WHERE id = `+currentID+` AND status != 'cancelled'
`, nonce, OAuthPending, ts(s.now()), identity)
	if err != nil {
		if isUniqueErr(err) {
			return kerrors.Conflict(op, "nonce already issued")
		}
		return kerrors.Internal(op, "update nonce", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return kerrors.NotFound(op, "no live record for identity")
	}
	return nil
}

// ConsumeOAuthNonce clears the nonce and completes the OAuth flow only when
// nonce matches exactly. The conditional update makes it single-use.
func (s *Store) ConsumeOAuthNonce(ctx context.Context, identity, nonce string) (bool, error) {
	if nonce == "" {
		return false, nil
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE onboarding_records SET oauth_nonce = NULL, oauth_status = ?, updated_at = ?
WHERE identity = ? AND oauth_nonce = ? AND status != 'cancelled'
`, OAuthComplete, ts(s.now()), identity, nonce)
	if err != nil {
		return false, kerrors.Internal("statestore.ConsumeOAuthNonce", "consume nonce", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, kerrors.Internal("statestore.ConsumeOAuthNonce", "rows affected", err)
	}
	return n == 1, nil
}

// SetOAuthStatus sets the OAuth sub-status without touching status.
func (s *Store) SetOAuthStatus(ctx context.Context, identity, oauthStatus string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE onboarding_records SET oauth_status = ?, updated_at = ? WHERE id = `+currentID,
		oauthStatus, ts(s.now()), identity)
	if err != nil {
		return kerrors.Internal("statestore.SetOAuthStatus", "update oauth status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return kerrors.NotFound("statestore.SetOAuthStatus", "no record for identity")
	}
	return nil
}

// List returns every record, oldest first.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	return s.query(ctx, "statestore.List", `SELECT `+recordColumns+` FROM onboarding_records ORDER BY id`)
}

// ListPendingNonce returns live, unfinished records that have no nonce and
// have not completed or failed OAuth. A NULL oauth status counts as pending.
func (s *Store) ListPendingNonce(ctx context.Context) ([]Record, error) {
	return s.query(ctx, "statestore.ListPendingNonce", `
SELECT `+recordColumns+` FROM onboarding_records
WHERE status NOT IN ('complete','cancelled') AND oauth_nonce IS NULL
  AND (oauth_status IS NULL OR oauth_status = ?)
ORDER BY id`, OAuthPending)
}

// Transitions returns the log for identity, oldest first.
func (s *Store) Transitions(ctx context.Context, identity string) ([]Transition, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, identity, from_status, to_status, created_at FROM state_transitions
WHERE identity = ? ORDER BY id`, identity)
	if err != nil {
		return nil, kerrors.Internal("statestore.Transitions", "query", err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var (
			t         Transition
			from      sql.NullString
			to        string
			createdAt string
		)
		if err := rows.Scan(&t.ID, &t.Identity, &from, &to, &createdAt); err != nil {
			return nil, kerrors.Internal("statestore.Transitions", "scan", err)
		}
		t.From = Status(from.String)
		t.To = Status(to)
		if t.CreatedAt, err = parseTS(createdAt); err != nil {
			return nil, kerrors.Internal("statestore.Transitions", "parse created_at", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, kerrors.Internal("statestore.Transitions", "iterate", err)
	}
	return out, nil
}

func (s *Store) query(ctx context.Context, op, q string, args ...any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, kerrors.Internal(op, "query", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, kerrors.Internal(op, "scan record", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, kerrors.Internal(op, "iterate", err)
	}
	return out, nil
}

func appendTransition(ctx context.Context, tx *sql.Tx, identity string, from, to Status, at time.Time) error {
	var fromVal any
	if from != "" {
		fromVal = string(from)
	}
	_, err := tx.ExecContext(ctx, `
INSERT INTO state_transitions(identity, from_status, to_status, created_at)
VALUES (?, ?, ?, ?)
`, identity, fromVal, string(to), ts(at))
	if err == nil {
		slog.Debug("State transition recorded", "identity", logger.RedactIdentity(identity), "from", from, "to", to)
	}
	return err
}

func scanRecord(scanner interface{ Scan(dest ...any) error }) (Record, error) {
	var (
		rec         Record
		status      string
		name        sql.NullString
		email       sql.NullString
		createdAt   string
		updatedAt   string
		expiresAt   sql.NullString
		oauthNonce  sql.NullString
		oauthStatus sql.NullString
	)
	if err := scanner.Scan(&rec.ID, &rec.Identity, &rec.AgentID, &status, &name, &email,
		&createdAt, &updatedAt, &expiresAt, &oauthNonce, &oauthStatus); err != nil {
		return Record{}, err
	}

	rec.Status = Status(status)
	rec.Name = name.String
	rec.Email = email.String
	rec.OAuthNonce = oauthNonce.String
	rec.OAuthStatus = oauthStatus.String

	var err error
	if rec.CreatedAt, err = parseTS(createdAt); err != nil {
		return Record{}, fmt.Errorf("parse created_at: %w", err)
	}
	if rec.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return Record{}, fmt.Errorf("parse updated_at: %w", err)
	}
	if expiresAt.Valid {
		v, err := parseTS(expiresAt.String)
		if err != nil {
			return Record{}, fmt.Errorf("parse expires_at: %w", err)
		}
		rec.ExpiresAt = &v
	}
	return rec, nil
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullableTS(v *time.Time) any {
	if v == nil {
		return nil
	}
	return ts(*v)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// isUniqueErr matches unique and primary-key violations by result code.
func isUniqueErr(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}
