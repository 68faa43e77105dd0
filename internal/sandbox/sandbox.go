// Package sandbox wraps shell commands in an OS-level write sandbox.
// On macOS commands run under sandbox-exec with a generated seatbelt
// profile; other platforms pass through unchanged.
package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/google/uuid"
)

// Command is an argv vector ready for exec.
type Command struct {
	Path string
	Args []string

	// profilePath is set when a temporary profile file backs this command.
	profilePath string
}

// Manager builds sandboxed command wrappers. ProfileDir holds the
// temporary profile files; they are deleted after each command.
type Manager struct {
	ProfileDir string
	DataDir    string
	Disabled   bool
}

func NewManager(profileDir, dataDir string) *Manager {
	return &Manager{ProfileDir: profileDir, DataDir: dataDir}
}

// Wrap returns the argv to run cmd under the platform sandbox. cwd is the
// working directory writes are re-allowed under. On non-darwin platforms,
// or when disabled, the command runs unwrapped.
func (m *Manager) Wrap(shell, cmd, cwd string) (Command, error) {
	if m.Disabled || runtime.GOOS != "darwin" {
		return Command{Path: shell, Args: []string{shell, "-c", cmd}}, nil
	}

	profile := WriteProfile(cwd, m.DataDir)
	if err := os.MkdirAll(m.ProfileDir, 0700); err != nil {
		return Command{}, fmt.Errorf("create profile dir: %w", err)
	}
	path := filepath.Join(m.ProfileDir, "profile-"+uuid.NewString()+".sb")
	if err := os.WriteFile(path, []byte(profile), 0600); err != nil {
		return Command{}, fmt.Errorf("write profile: %w", err)
	}

	return Command{
		Path:        "/usr/bin/sandbox-exec",
		Args:        []string{"/usr/bin/sandbox-exec", "-f", path, shell, "-c", cmd},
		profilePath: path,
	}, nil
}

// Cleanup removes the temporary profile file, if any.
func (c Command) Cleanup() {
	if c.profilePath != "" {
		os.Remove(c.profilePath)
	}
}
