package statestore

import "time"

// Record is one onboarding record. The newest record for an identity is
// its current one; at most one record per identity is not cancelled.
type Record struct {
	ID          int64      `json:"id" yaml:"id"`
	Identity    string     `json:"identity" yaml:"identity"`
	AgentID     string     `json:"agent_id" yaml:"agent_id"`
	Status      Status     `json:"status" yaml:"status"`
	Name        string     `json:"name,omitempty" yaml:"name,omitempty"`
	Email       string     `json:"email,omitempty" yaml:"email,omitempty"`
	CreatedAt   time.Time  `json:"created_at" yaml:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" yaml:"updated_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
	OAuthNonce  string     `json:"-" yaml:"-"`
	OAuthStatus string     `json:"oauth_status,omitempty" yaml:"oauth_status,omitempty"`
}

func (r Record) Live() bool {
	return r.Status != StatusCancelled
}

// Fields is a partial update. Nil fields are left unchanged.
type Fields struct {
	Name      *string
	Email     *string
	ExpiresAt *time.Time
}

func (f Fields) Empty() bool {
	return f.Name == nil && f.Email == nil && f.ExpiresAt == nil
}

// Transition is one append-only status log entry. From is empty when the
// identity had no record.
type Transition struct {
	ID        int64     `json:"id" yaml:"id"`
	Identity  string    `json:"identity" yaml:"identity"`
	From      Status    `json:"from,omitempty" yaml:"from,omitempty"`
	To        Status    `json:"to" yaml:"to"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}
