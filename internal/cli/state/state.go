// Package state persists what judgectl remembers between sessions.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// State is the bearer token plus the submission most recently created from this client.
type State struct {
	AccessToken      string `json:"access_token"`
	LastSubmissionID string `json:"last_submission_id,omitempty"`
}

// Load reads path. A missing or empty file is an empty state.
func Load(path string) (State, error) {
	var st State
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return st, nil
	case err != nil:
		return st, fmt.Errorf("read state failed: %w", err)
	case len(data) == 0:
		return st, nil
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return st, fmt.Errorf("parse state %s failed: %w", path, err)
	}
	return st, nil
}

// Save replaces path through a temp file and rename so a crash never leaves half a token.
func Save(path string, st State) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create state dir failed: %w", err)
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state failed: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".judgectl-state-*")
	if err != nil {
		return fmt.Errorf("create temp state failed: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write state failed: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write state failed: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace state failed: %w", err)
	}
	return nil
}
