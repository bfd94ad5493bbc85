// Package provisioner drives the external agent provisioning tool.
package provisioner

import (
	"context"
	"fmt"
	"regexp"
)

// Tool creates and removes agents outside this process.
type Tool interface {
	CreateAgent(ctx context.Context, agentID string) error
	RemoveAgent(ctx context.Context, agentID string) error
	ReloadGateway(ctx context.Context) error
	Version(ctx context.Context) (string, error)
}

var agentIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// ValidateAgentID rejects ids that could be read as flags or paths.
func ValidateAgentID(agentID string) error {
	if !agentIDPattern.MatchString(agentID) {
		return fmt.Errorf("invalid agent id %q", agentID)
	}
	return nil
}
