package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	. "github.com/roelfdiedericks/meshclaw/internal/logging"
)

// AtomicWriteJSON writes data as indented JSON via AtomicWrite.
func AtomicWriteJSON(path string, data any, perm os.FileMode) error {
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return AtomicWrite(path, append(raw, '\n'), perm)
}

// AtomicWrite writes data to a temp file beside path, syncs it and renames
// it over path. Readers see either the old or the new contents.
func AtomicWrite(path string, data []byte, perm os.FileMode) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".meshclaw-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if err = tmp.Chmod(perm); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if _, err = tmp.Write(data); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}

// Save validates cfg and writes it to path. An existing file is kept as
// path.bak first; a failed backup is logged and the save continues.
func Save(cfg *Config, path string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if prev, err := os.ReadFile(path); err == nil {
		if err := AtomicWrite(path+".bak", prev, 0600); err != nil {
			L_warn("config: backup failed, continuing with save", "error", err)
		}
	}
	if err := AtomicWriteJSON(path, cfg, 0600); err != nil {
		return err
	}
	L_debug("config: saved", "path", path)
	return nil
}
