package sandboxpolicy

import (
	"fmt"
	"strings"

	kerrors "github.com/harunnryd/kanri/internal/errors"
)

// Rule names reported in violations.
const (
	RuleNoPrivileged     = "no-privileged"
	RuleDropAll          = "drop-all-capabilities"
	RuleNoSocketMount    = "no-container-socket-mount"
	RuleWorkspaceAccess  = "workspace-access"
	RuleMinimumTimeout   = "minimum-timeout"
	RuleImageRequired    = "image-required"
	RulePolicyNotPresent = "policy-present"
)

// controlSockets are host container-runtime control sockets.
var controlSockets = []string{
	"docker.sock",
	"containerd.sock",
	"podman.sock",
	"crio.sock",
	"dockershim.sock",
}

type Violation struct {
	Rule   string
	Detail string
}

func (v Violation) String() string {
	return v.Rule + ": " + v.Detail
}

// Violations is the ordered list of broken rules for one policy.
type Violations []Violation

func (vs Violations) Error() string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = v.String()
	}
	return strings.Join(parts, "; ")
}

// Rules returns the rule names in report order.
func (vs Violations) Rules() []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = v.Rule
	}
	return out
}

type Validator struct {
	generation Generation
}

func NewValidator(generation Generation) *Validator {
	return &Validator{generation: generation}
}

// Validate checks every rule and returns a PolicyViolation wrapping all
// violations in a fixed order. It never modifies p.
func (v *Validator) Validate(p *Policy) error {
	vs := v.Check(p)
	if len(vs) == 0 {
		return nil
	}
	return kerrors.E(kerrors.KindPolicyViolation, "sandboxpolicy.Validate", "sandbox policy rejected", vs)
}

// Check returns the violations without wrapping them.
func (v *Validator) Check(p *Policy) Violations {
	if p == nil {
		return Violations{{Rule: RulePolicyNotPresent, Detail: "agent entry has no sandbox policy"}}
	}

	var vs Violations

	if p.Docker.Privileged {
		vs = append(vs, Violation{Rule: RuleNoPrivileged, Detail: "privileged mode is not allowed"})
	}

	if !dropsAll(p.Docker.CapDrop) {
		vs = append(vs, Violation{
			Rule:   RuleDropAll,
			Detail: fmt.Sprintf("capDrop %v must include %s", p.Docker.CapDrop, CapAll),
		})
	}

	for _, bind := range p.Docker.Binds {
		if socket, ok := mountsControlSocket(bind); ok {
			vs = append(vs, Violation{
				Rule:   RuleNoSocketMount,
				Detail: fmt.Sprintf("bind %q mounts %s", bind, socket),
			})
		}
	}

	if !v.generation.Allows(p.WorkspaceAccess) {
		vs = append(vs, Violation{
			Rule: RuleWorkspaceAccess,
			Detail: fmt.Sprintf("workspaceAccess %q not in %v (generation %d)",
				p.WorkspaceAccess, v.generation.AllowedAccess, v.generation.Version),
		})
	}

	if p.TimeoutMs < MinTimeoutMs {
		vs = append(vs, Violation{
			Rule:   RuleMinimumTimeout,
			Detail: fmt.Sprintf("timeoutMs %d below %d", p.TimeoutMs, MinTimeoutMs),
		})
	}

	if strings.TrimSpace(p.Docker.Image) == "" {
		vs = append(vs, Violation{Rule: RuleImageRequired, Detail: "docker image is empty"})
	}

	return vs
}

// ViolationsOf extracts the violation list from a Validate error.
func ViolationsOf(err error) Violations {
	var vs Violations
	if kerrors.As(err, &vs) {
		return vs
	}
	return nil
}

func dropsAll(capDrop []string) bool {
	for _, c := range capDrop {
		if strings.EqualFold(strings.TrimSpace(c), CapAll) {
			return true
		}
	}
	return false
}

func mountsControlSocket(bind string) (string, bool) {
	// host:container[:mode]; either side counts.
	lower := strings.ToLower(bind)
	for _, socket := range controlSockets {
		if strings.Contains(lower, socket) {
			return socket, true
		}
	}
	return "", false
}
