// Package store provides the atomic JSON persistence shared by every
// coordinator: one file per coordinator, written temp-file-then-rename so a
// crash mid-write never leaves a torn document on disk.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

// SaveJSON marshals v and atomically replaces path's contents. The
// temporary file is created in the same directory as path so the final
// rename is on the same filesystem (required for os.Rename to be atomic).
func SaveJSON(path string, v any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		if closeErr := tmp.Close(); closeErr != nil {
			log.Warn().Err(closeErr).Str("file", tmpName).Msg("failed to close temp file after write error")
		}
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file for %s: %w", path, err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename into place %s: %w", path, err)
	}

	log.Debug().Str("path", path).Int("bytes", len(data)).Msg("persisted document")
	return nil
}

// LoadJSON reads path into v. A missing file is not an error: v is left at
// its zero value so callers can fall through to defaults.
func LoadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", path, err)
	}
	return nil
}

// Document wraps a typed value with a side-channel of fields this version
// of the code doesn't know about, so persisted state round-trips forward
// compatibly instead of silently dropping unknown keys on a save.
type Document[T any] struct {
	Known   T
	Unknown map[string]json.RawMessage
}

// MarshalJSON flattens Known's own JSON object together with Unknown,
// Known's fields taking precedence on key collision.
func (d Document[T]) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(d.Known)
	if err != nil {
		return nil, err
	}
	merged := map[string]json.RawMessage{}
	for k, v := range d.Unknown {
		merged[k] = v
	}
	var knownFields map[string]json.RawMessage
	if err := json.Unmarshal(known, &knownFields); err != nil {
		return nil, err
	}
	for k, v := range knownFields {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// UnmarshalJSON populates Known via the struct tags and stashes every field
// not present on T into Unknown.
func (d *Document[T]) UnmarshalJSON(data []byte) error {
	if err := json.Unmarshal(data, &d.Known); err != nil {
		return err
	}

	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}

	knownData, err := json.Marshal(d.Known)
	if err != nil {
		return err
	}
	var knownFields map[string]json.RawMessage
	if err := json.Unmarshal(knownData, &knownFields); err != nil {
		return err
	}

	d.Unknown = map[string]json.RawMessage{}
	for k, v := range all {
		if _, ok := knownFields[k]; !ok {
			d.Unknown[k] = v
		}
	}
	return nil
}
