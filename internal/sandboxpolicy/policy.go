// Package sandboxpolicy builds and validates the isolation settings that an
// agent entry carries into the config document.
package sandboxpolicy

import "fmt"

// Workspace access levels.
const (
	AccessNone = "none"
	AccessRO   = "ro"
	AccessRW   = "rw"
)

// CapAll is the capability-drop token meaning every capability is dropped.
const CapAll = "ALL"

// MinTimeoutMs is the lowest execution timeout a policy may carry.
const MinTimeoutMs = 5000

type Policy struct {
	Mode            string `json:"mode"`
	Scope           string `json:"scope,omitempty"`
	WorkspaceAccess string `json:"workspaceAccess"`
	TimeoutMs       int    `json:"timeoutMs,omitempty"`
	Docker          Docker `json:"docker"`
}

type Docker struct {
	Image      string            `json:"image"`
	Env        map[string]string `json:"env,omitempty"`
	Network    string            `json:"network,omitempty"`
	Memory     string            `json:"memory,omitempty"`
	CPUs       string            `json:"cpus,omitempty"`
	PidsLimit  int               `json:"pids_limit,omitempty"`
	Privileged bool              `json:"privileged,omitempty"`
	CapDrop    []string          `json:"capDrop,omitempty"`
	Binds      []string          `json:"binds,omitempty"`
}

// Generation is a versioned set of allowed workspace access levels.
type Generation struct {
	Version       int
	AllowedAccess []string
}

var (
	// Generation1 shipped with read-only workspaces only.
	Generation1 = Generation{Version: 1, AllowedAccess: []string{AccessNone, AccessRO}}
	// Generation2 allows agents to write to their own workspace.
	Generation2 = Generation{Version: 2, AllowedAccess: []string{AccessNone, AccessRO, AccessRW}}
)

// GenerationFor returns the allowed-access set for a configured version.
func GenerationFor(version int) (Generation, error) {
	switch version {
	case 0, 1:
		return Generation1, nil
	case 2:
		return Generation2, nil
	default:
		return Generation{}, fmt.Errorf("unknown sandbox policy generation %d", version)
	}
}

func (g Generation) Allows(access string) bool {
	for _, a := range g.AllowedAccess {
		if a == access {
			return true
		}
	}
	return false
}
