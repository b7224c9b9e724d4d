// Package paths resolves where meshclaw keeps its config and database.
// It imports only the standard library so every package can use it.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// ConfigFileName is the name of the JSON config file.
	ConfigFileName = "meshclaw.json"
	// DatabaseFileName is the default SQLite file name.
	DatabaseFileName = "meshclaw.db"
	// HomeEnv overrides the data directory.
	HomeEnv = "MESHCLAW_HOME"
)

// BaseDir returns the data directory: $MESHCLAW_HOME, else ~/.meshclaw.
func BaseDir() (string, error) {
	if dir := strings.TrimSpace(os.Getenv(HomeEnv)); dir != "" {
		return ExpandTilde(dir)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".meshclaw"), nil
}

// DataPath joins subpath onto the data directory.
func DataPath(subpath string) (string, error) {
	base, err := BaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, subpath), nil
}

// ConfigPath finds the config file to load: ./meshclaw.json first, then
// the data directory. ("", nil) means no file exists, which is fine; the
// defaults and environment are used.
func ConfigPath() (string, error) {
	if _, err := os.Stat(ConfigFileName); err == nil {
		return filepath.Abs(ConfigFileName)
	}

	global, err := DataPath(ConfigFileName)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(global); err == nil {
		return global, nil
	}
	return "", nil
}

// DefaultConfigPath is where `meshclaw config init` writes.
func DefaultConfigPath() (string, error) {
	return DataPath(ConfigFileName)
}

// DefaultDatabasePath is the SQLite file used when store.path is unset.
func DefaultDatabasePath() (string, error) {
	return DataPath(DatabaseFileName)
}

// EnsureParentDir creates the directory holding filePath (0750).
func EnsureParentDir(filePath string) error {
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return nil
}

// ExpandTilde replaces a leading "~" or "~/" with the home directory.
// "~user" forms are returned unchanged.
func ExpandTilde(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
