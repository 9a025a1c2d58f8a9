package syntax

import (
	"os"
	"path/filepath"
)

// WriteFile writes content to path atomically: a reader sees the old file or the complete new one.
func WriteFile(path, content string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return &WriteError{Path: path, Cause: err}
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return &WriteError{Path: path, Cause: err}
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.WriteString(content); err != nil {
		_ = tmp.Close()
		return &WriteError{Path: path, Cause: err}
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return &WriteError{Path: path, Cause: err}
	}
	if err := tmp.Close(); err != nil {
		return &WriteError{Path: path, Cause: err}
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		return &WriteError{Path: path, Cause: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		return &WriteError{Path: path, Cause: err}
	}
	return nil
}
