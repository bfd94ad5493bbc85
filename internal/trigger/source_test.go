package trigger

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	kerrors "github.com/harunnryd/kanri/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleSessions = `{
  // written by the gateway
  "agent:welcome:whatsapp:dm:+15550000002": {"updatedAt": 1},
  "agent:welcome:whatsapp:dm:+15550000001": {"updatedAt": 2},
  "agent:welcome:telegram:dm:+15550000003": {},
  "agent:user_abc:whatsapp:dm:+15550000004": {},
  "agent:welcome:whatsapp:group:123": {},
}`

func TestSessionFileSourceFiltersKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	require.NoError(t, os.WriteFile(path, []byte(sampleSessions), 0o600))

	src := NewSessionFileSource(path, "welcome", "whatsapp")
	ids, err := src.Identities(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"+15550000001", "+15550000002"}, ids)
}

func TestSessionFileSourceMissingFile(t *testing.T) {
	src := NewSessionFileSource(filepath.Join(t.TempDir(), "absent.json"), "welcome", "whatsapp")
	ids, err := src.Identities(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestSessionFileSourceCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	require.NoError(t, os.WriteFile(path, []byte(`["not", "an", "object"]`), 0o600))

	_, err := NewSessionFileSource(path, "welcome", "whatsapp").Identities(context.Background())
	require.Error(t, err)
	assert.True(t, kerrors.Is(err, kerrors.ErrCorruptDocument))
}
