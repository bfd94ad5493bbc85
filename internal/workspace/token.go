package workspace

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"time"

	"github.com/harunnryd/kanri/internal/pathutil"

	"github.com/tidwall/jsonc"
)

// TokenFile is the OAuth token file, relative to the agent dir.
const TokenFile = ".gog/tokens.json"

// DefaultTokenWindow is how far ahead an expiry counts as unhealthy.
const DefaultTokenWindow = 90 * 24 * time.Hour

// Reasons reported by CheckToken.
const (
	TokenMissing    = "token file not found"
	TokenUnreadable = "token file unreadable"
	TokenExpired    = "token expired"
	TokenExpiring   = "token expires soon"
)

// TokenHealth is the state of one agent's OAuth tokens.
type TokenHealth struct {
	Healthy bool
	Reason  string
}

type tokenFile struct {
	Expiry json.RawMessage `json:"expiry"`
}

// CheckToken inspects agentID's token file. A token is unhealthy when the
// file is missing or unreadable, or when its expiry is within window of
// now. Without an expiry field the file's age is measured against window.
// Only an invalid agent id is returned as an error.
func (m *Manager) CheckToken(agentID string, now time.Time, window time.Duration) (TokenHealth, error) {
	layout, err := m.LayoutFor(agentID)
	if err != nil {
		return TokenHealth{}, err
	}
	if window <= 0 {
		window = DefaultTokenWindow
	}

	path, err := pathutil.Join(layout.AgentDir, TokenFile)
	if err != nil {
		return TokenHealth{Reason: TokenUnreadable}, nil
	}
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return TokenHealth{Reason: TokenMissing}, nil
	}
	if err != nil {
		return TokenHealth{Reason: TokenUnreadable}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return TokenHealth{Reason: TokenUnreadable}, nil
	}

	var tf tokenFile
	if err := json.Unmarshal(jsonc.ToJSON(data), &tf); err != nil {
		return TokenHealth{Reason: TokenUnreadable}, nil
	}

	expiry, ok, err := parseExpiry(tf.Expiry)
	if err != nil {
		return TokenHealth{Reason: TokenUnreadable}, nil
	}
	if !ok {
		if now.Sub(info.ModTime()) >= window {
			return TokenHealth{Reason: TokenExpired}, nil
		}
		return TokenHealth{Healthy: true}, nil
	}

	switch {
	case !expiry.After(now):
		return TokenHealth{Reason: TokenExpired}, nil
	case expiry.Sub(now) < window:
		return TokenHealth{Reason: TokenExpiring}, nil
	}
	return TokenHealth{Healthy: true}, nil
}

// parseExpiry accepts epoch milliseconds or an RFC 3339 string. A missing,
// null or zero expiry reports ok=false.
func parseExpiry(raw json.RawMessage) (time.Time, bool, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, false, nil
	}

	var ms int64
	if err := json.Unmarshal(raw, &ms); err == nil {
		if ms == 0 {
			return time.Time{}, false, nil
		}
		return time.UnixMilli(ms), true, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return time.Time{}, false, err
	}
	if s == "" {
		return time.Time{}, false, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}
