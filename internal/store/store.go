// Package store persists the profile set as a JSON document in the data
// directory.
package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/loykin/runsh/internal/profile"
)

const (
	FileName   = "profiles.json"
	BackupName = "profiles.bak"
	LockName   = ".runsh.lock"
)

// ErrCorrupt is returned by Load when the profile file cannot be decoded.
// A byte-identical copy of the file is left at BackupPath before it is returned.
var ErrCorrupt = errors.New("profile store is corrupt")

// Store reads and writes the profile file under a data directory.
type Store struct {
	dir  string
	lock *dirLock
}

// New returns a Store rooted at dir, creating the directory if needed.
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("store: empty data directory")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	return &Store{dir: abs, lock: newDirLock(filepath.Join(abs, LockName))}, nil
}

func (s *Store) Dir() string        { return s.dir }
func (s *Store) Path() string       { return filepath.Join(s.dir, FileName) }
func (s *Store) BackupPath() string { return filepath.Join(s.dir, BackupName) }
func (s *Store) LogDir() string     { return filepath.Join(s.dir, profile.LogDirName) }

// EnsureLogDir creates the default log directory and returns its path.
func (s *Store) EnsureLogDir() (string, error) {
	dir := s.LogDir()
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", err
	}
	return dir, nil
}

// Load returns every stored profile with its paths normalized. A missing file
// yields an empty set.
func (s *Store) Load() ([]profile.Profile, error) {
	raw, err := os.ReadFile(s.Path())
	if errors.Is(err, fs.ErrNotExist) {
		return []profile.Profile{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read profiles: %w", err)
	}
	profiles, err := decode(raw)
	if err != nil {
		if berr := writeFileAtomic(s.BackupPath(), raw, 0o600); berr != nil {
			return nil, fmt.Errorf("%w: %v (backup failed: %v)", ErrCorrupt, err, berr)
		}
		return nil, fmt.Errorf("%w: %v (copy saved to %s)", ErrCorrupt, err, s.BackupPath())
	}
	for i := range profiles {
		if err := profiles[i].EnsurePaths(s.dir); err != nil {
			return nil, err
		}
	}
	return profiles, nil
}

// Save atomically replaces the profile file with profiles. Paths are
// normalized in place first so callers see the persisted log paths.
func (s *Store) Save(profiles []profile.Profile) error {
	for i := range profiles {
		if err := profiles[i].EnsurePaths(s.dir); err != nil {
			return err
		}
	}
	data, err := encode(profiles)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(s.Path(), data, 0o600); err != nil {
		return fmt.Errorf("write profiles: %w", err)
	}
	return nil
}

func decode(raw []byte) ([]profile.Profile, error) {
	var out []profile.Profile
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, errors.New("empty document")
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []profile.Profile{}
	}
	return out, nil
}

func encode(profiles []profile.Profile) ([]byte, error) {
	if profiles == nil {
		profiles = []profile.Profile{}
	}
	data, err := json.MarshalIndent(profiles, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// writeFileAtomic writes data to a temp file next to path and renames it over
// path, so readers never observe a partial file.
func writeFileAtomic(path string, data []byte, perm os.FileMode) (err error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()
	if _, err = tmp.Write(data); err != nil {
		return err
	}
	if err = tmp.Chmod(perm); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	syncDir(dir)
	return nil
}

func syncDir(dir string) {
	d, err := os.Open(dir) // #nosec G304 -- data directory
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
