package sandboxpolicy

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"path"
	"strings"
)

// Template holds the fixed settings every provisioned agent starts from.
type Template struct {
	Mode            string
	Scope           string
	Image           string
	Network         string
	Memory          string
	CPUs            string
	PidsLimit       int
	TimeoutMs       int
	WorkspaceAccess string
	ConfigDirRoot   string
}

// Builder produces the policy for a new agent.
type Builder struct {
	tmpl   Template
	secret func() (string, error)
}

func NewBuilder(tmpl Template) *Builder {
	return &Builder{tmpl: tmpl, secret: RandomSecret}
}

// WithSecretSource replaces the keyring secret generator.
func (b *Builder) WithSecretSource(fn func() (string, error)) *Builder {
	b.secret = fn
	return b
}

// Build returns the policy for identity. Everything except the keyring
// secret is a pure function of the template and identity.
func (b *Builder) Build(identity string) (*Policy, error) {
	secret, err := b.secret()
	if err != nil {
		return nil, fmt.Errorf("generate keyring secret: %w", err)
	}

	return &Policy{
		Mode:            b.tmpl.Mode,
		Scope:           b.tmpl.Scope,
		WorkspaceAccess: b.tmpl.WorkspaceAccess,
		TimeoutMs:       b.tmpl.TimeoutMs,
		Docker: Docker{
			Image: b.tmpl.Image,
			Env: map[string]string{
				"GOG_KEYRING_PASSWORD": secret,
				"GOG_CONFIG_DIR":       ConfigDirFor(b.tmpl.ConfigDirRoot, identity),
			},
			Network:   b.tmpl.Network,
			Memory:    b.tmpl.Memory,
			CPUs:      b.tmpl.CPUs,
			PidsLimit: b.tmpl.PidsLimit,
			CapDrop:   []string{CapAll},
		},
	}, nil
}

// ConfigDirFor maps +15551234567 to <root>/plus_15551234567.
func ConfigDirFor(root, identity string) string {
	return path.Join(root, "plus_"+strings.TrimPrefix(identity, "+"))
}

// RandomSecret returns 32 random bytes, base64url encoded.
func RandomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
