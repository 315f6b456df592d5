package identity

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"watermarkd/internal/security"
)

const pubSuffix = ".pub"

// Directory maps identity names to registered public keys. Each identity
// is stored as <root>/<identity>.pub.
type Directory struct {
	root string
}

// OpenDirectory opens an identity directory, creating it if needed.
func OpenDirectory(root string) (*Directory, error) {
	if root == "" {
		return nil, errors.New("identity: empty directory path")
	}
	if err := os.MkdirAll(root, security.PermPublicDir); err != nil {
		return nil, fmt.Errorf("identity directory: %w", err)
	}
	return &Directory{root: root}, nil
}

// Root returns the directory path.
func (d *Directory) Root() string { return d.root }

func (d *Directory) path(identity string) (string, error) {
	if err := security.ValidateName(identity); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnknownIdentity, err)
	}
	return filepath.Join(d.root, identity+pubSuffix), nil
}

// PublicKey resolves identity to its registered key.
func (d *Directory) PublicKey(identity string) (ed25519.PublicKey, error) {
	p, err := d.path(identity)
	if err != nil {
		return nil, err
	}
	pub, err := LoadPublicKey(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrUnknownIdentity
		}
		return nil, err
	}
	return pub, nil
}

// Enroll registers pub under identity. An existing registration is only
// replaced when overwrite is set.
func (d *Directory) Enroll(identity string, pub ed25519.PublicKey, overwrite bool) error {
	if len(pub) != ed25519.PublicKeySize {
		return ErrUnsupportedKey
	}
	p, err := d.path(identity)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(p); err == nil {
			return ErrIdentityExists
		}
	}
	line, err := MarshalPublicKey(pub, identity)
	if err != nil {
		return err
	}
	return security.WriteFileAtomic(p, line, security.PermPublicFile)
}

// Remove deletes an identity. Removing an unknown identity is not an error.
func (d *Directory) Remove(identity string) error {
	p, err := d.path(identity)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Identities lists registered identity names in sorted order.
func (d *Directory) Identities() ([]string, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), pubSuffix) {
			continue
		}
		name := strings.TrimSuffix(e.Name(), pubSuffix)
		if security.ValidateName(name) == nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}
