// Package workspace creates the on-disk state a provisioned agent needs.
package workspace

import (
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	kerrors "github.com/harunnryd/kanri/internal/errors"
	"github.com/harunnryd/kanri/internal/pathutil"
)

// Layout is where one agent's files live.
type Layout struct {
	Workspace string
	AgentDir  string
}

type Manager struct {
	root        string
	templateDir string

	// mkdir is os.MkdirAll; replaced in tests to force failures.
	mkdir func(path string, perm os.FileMode) error
}

func NewManager(stateDir, templateDir string) *Manager {
	return &Manager{root: stateDir, templateDir: templateDir, mkdir: os.MkdirAll}
}

// LayoutFor returns the paths for agentID without touching the disk.
func (m *Manager) LayoutFor(agentID string) (Layout, error) {
	if agentID == "" || strings.ContainsAny(agentID, `/\`) || strings.Contains(agentID, "..") {
		return Layout{}, kerrors.InvalidInput("workspace.Layout", fmt.Sprintf("invalid agent id %q", agentID))
	}
	ws, err := pathutil.Join(m.root, "workspace-"+agentID)
	if err != nil {
		return Layout{}, kerrors.InvalidInput("workspace.Layout", err.Error())
	}
	agentDir, err := pathutil.Join(m.root, "agents", agentID, "agent")
	if err != nil {
		return Layout{}, kerrors.InvalidInput("workspace.Layout", err.Error())
	}
	return Layout{Workspace: ws, AgentDir: agentDir}, nil
}

// Create makes the agent's directories and copies template files into the
// workspace. Directory failures are returned; template copy failures are
// logged and skipped.
func (m *Manager) Create(agentID string) (Layout, error) {
	const op = "workspace.Create"

	layout, err := m.LayoutFor(agentID)
	if err != nil {
		return Layout{}, err
	}

	for _, dir := range []string{layout.Workspace, layout.AgentDir} {
		if err := m.mkdir(dir, 0o700); err != nil {
			return Layout{}, kerrors.Internal(op, fmt.Sprintf("create %s", dir), err)
		}
	}

	copied := m.copyTemplates(layout.Workspace)
	slog.Info("Agent workspace created",
		"agent_id", agentID,
		"workspace", layout.Workspace,
		"templates", copied,
	)
	return layout, nil
}

// Remove deletes the agent's directories. Missing directories are fine.
func (m *Manager) Remove(agentID string) error {
	layout, err := m.LayoutFor(agentID)
	if err != nil {
		return err
	}
	agentRoot := filepath.Dir(layout.AgentDir)
	for _, dir := range []string{layout.Workspace, agentRoot} {
		if err := os.RemoveAll(dir); err != nil {
			return kerrors.Internal("workspace.Remove", fmt.Sprintf("remove %s", dir), err)
		}
	}
	return nil
}

// WriteFile writes a small file into the agent's workspace.
func (m *Manager) WriteFile(agentID, name string, data []byte) error {
	layout, err := m.LayoutFor(agentID)
	if err != nil {
		return err
	}
	path, err := pathutil.Join(layout.Workspace, name)
	if err != nil {
		return kerrors.InvalidInput("workspace.WriteFile", err.Error())
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return kerrors.Internal("workspace.WriteFile", path, err)
	}
	return nil
}

func (m *Manager) copyTemplates(dst string) int {
	if m.templateDir == "" {
		return 0
	}

	entries, err := os.ReadDir(m.templateDir)
	if err != nil {
		slog.Warn("Template directory unreadable, skipping templates", "dir", m.templateDir, "error", err)
		return 0
	}

	copied := 0
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		src := filepath.Join(m.templateDir, entry.Name())
		if err := copyFile(src, filepath.Join(dst, entry.Name())); err != nil {
			slog.Warn("Template copy failed", "template", entry.Name(), "error", err)
			continue
		}
		copied++
	}
	return copied
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, fs.FileMode(0o600))
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
