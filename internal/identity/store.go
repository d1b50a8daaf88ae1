package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

var (
	// ErrMappingIO wraps failures reading or writing the mapping file.
	ErrMappingIO = errors.New("mapping file i/o")
	// ErrMalformedMapping is returned when the file is not a valid mapping.
	ErrMalformedMapping = errors.New("malformed mapping")
)

// Save writes m as indented JSON with sorted keys, replacing path whole
// through a temp file and rename. Assumes a single writer.
func Save(m *Mapping, path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal: %v", ErrMappingIO, err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrMappingIO, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMappingIO, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: write %s: %v", ErrMappingIO, tmp.Name(), err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %v", ErrMappingIO, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrMappingIO, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("%w: rename to %s: %v", ErrMappingIO, path, err)
	}
	return nil
}

// Load reads a mapping saved by Save. Missing sections load as empty maps.
func Load(path string) (*Mapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMappingIO, err)
	}

	var m Mapping
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedMapping, path, err)
	}
	if m.UserMappings == nil {
		m.UserMappings = make(map[string]string)
	}
	if m.RoomMappings == nil {
		m.RoomMappings = make(map[string]string)
	}
	if m.RoomAliases == nil {
		m.RoomAliases = make(map[string]string)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedMapping, path, err)
	}
	return &m, nil
}

// Validate checks every entry against the identifier grammar.
func (m *Mapping) Validate() error {
	var errs []error
	for legacyID, id := range m.UserMappings {
		if !ValidUserID(id) {
			errs = append(errs, fmt.Errorf("user %s: invalid user id %q", legacyID, id))
		}
	}
	for legacyID, id := range m.RoomMappings {
		if !ValidRoomID(id) {
			errs = append(errs, fmt.Errorf("room %s: invalid room id %q", legacyID, id))
		}
	}
	for legacyID, alias := range m.RoomAliases {
		if !ValidAlias(alias) {
			errs = append(errs, fmt.Errorf("room %s: invalid alias %q", legacyID, alias))
		}
	}
	return errors.Join(errs...)
}
