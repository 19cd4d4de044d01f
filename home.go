package legion

import (
	"os"
	"path/filepath"
)

// Home returns the Legion home directory.
// It defaults to ~/.legion but can be overridden with the LEGION_HOME environment variable.
func Home() string {
	if v := os.Getenv("LEGION_HOME"); v != "" {
		return v
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".legion")
}

// DefaultDBPath returns the default SQLite archive path (~/.legion/legion.db).
func DefaultDBPath() string {
	return filepath.Join(Home(), "legion.db")
}

// DefaultProfileDir returns the default profile definitions directory.
func DefaultProfileDir() string {
	return filepath.Join(Home(), "profiles")
}

// EnsureHome creates the Legion home and profile directories if they don't exist.
func EnsureHome() error {
	return os.MkdirAll(DefaultProfileDir(), 0o755)
}
