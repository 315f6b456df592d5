// Package secretstore persists the raw hidden payload of each watermarked
// document instance under a configured root directory.
//
// Each instance is identified by a hex string and stored at
// "<root>/<instance>.secret" with mode 0600. The store never creates or
// removes the root itself.
package secretstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"watermarkd/internal/security"
)

// MaxRecordSize bounds the size of a single record.
const MaxRecordSize = 64 * 1024

const recordExt = ".secret"

var (
	// ErrNotFound is returned when no record exists for an instance.
	ErrNotFound = errors.New("secretstore: record not found")

	// ErrInvalidInstance is returned for instance ids that are not hex.
	ErrInvalidInstance = errors.New("secretstore: invalid instance id")
)

// Store is a directory of secret records.
type Store struct {
	root string
}

// Open returns a Store rooted at an existing directory.
func Open(root string) (*Store, error) {
	abs, err := security.DefaultPathValidator().ValidatePath(root)
	if err != nil {
		return nil, fmt.Errorf("secretstore: root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("secretstore: root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("secretstore: root %s is not a directory", abs)
	}
	return &Store{root: abs}, nil
}

// Root returns the absolute root directory.
func (s *Store) Root() string {
	return s.root
}

// Location returns the deterministic path of the record for instance.
func (s *Store) Location(instance string) (string, error) {
	if err := security.ValidateHexString(instance, 0); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidInstance, err)
	}
	return filepath.Join(s.root, instance+recordExt), nil
}

// Put writes content as the record for instance, replacing any previous
// record (last writer wins).
func (s *Store) Put(instance, content string) error {
	path, err := s.Location(instance)
	if err != nil {
		return err
	}
	if len(content) > MaxRecordSize {
		return fmt.Errorf("secretstore: record of %d bytes exceeds limit", len(content))
	}

	lock, err := security.LockDir(s.root, true)
	if err != nil {
		return fmt.Errorf("secretstore: %w", err)
	}
	defer lock.Unlock()

	if err := security.WriteSecretFile(path, []byte(content)); err != nil {
		return fmt.Errorf("secretstore: write %s: %w", filepath.Base(path), err)
	}
	return nil
}

// Get returns the record for instance, or ErrNotFound.
func (s *Store) Get(instance string) (string, error) {
	path, err := s.Location(instance)
	if err != nil {
		return "", err
	}

	lock, err := security.LockDir(s.root, false)
	if err != nil {
		return "", fmt.Errorf("secretstore: %w", err)
	}
	defer lock.Unlock()

	data, err := security.ReadSecretFile(path, MaxRecordSize)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("secretstore: read %s: %w", filepath.Base(path), err)
	}
	return string(data), nil
}

// Delete removes the record for instance. Deleting a missing record is
// not an error.
func (s *Store) Delete(instance string) error {
	path, err := s.Location(instance)
	if err != nil {
		return err
	}

	lock, err := security.LockDir(s.root, true)
	if err != nil {
		return fmt.Errorf("secretstore: %w", err)
	}
	defer lock.Unlock()

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("secretstore: delete: %w", err)
	}
	return nil
}

// Instances lists the instance ids that currently have records.
func (s *Store) Instances() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.root, "*"+recordExt))
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		base := filepath.Base(m)
		ids = append(ids, base[:len(base)-len(recordExt)])
	}
	return ids, nil
}
