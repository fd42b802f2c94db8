package keystore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"sync"
)

// Custodian stores and retrieves opaque secret bytes by name.
type Custodian interface {
	Store(ctx context.Context, name string, secret []byte) error
	Retrieve(ctx context.Context, name string) ([]byte, error)
}

var namePattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

func checkName(name string) error {
	if !namePattern.MatchString(name) || name == "." || name == ".." {
		return ErrInvalidName
	}
	return nil
}

// FileCustodian seals each secret into <dir>/<name>.key.
type FileCustodian struct {
	mu         sync.Mutex
	dir        string
	passphrase string
	cfg        Config
}

// NewFileCustodian returns a custodian rooted at dir. The passphrase is checked
// against cfg's policy on every Store.
func NewFileCustodian(dir, passphrase string, cfg Config) *FileCustodian {
	return &FileCustodian{dir: dir, passphrase: passphrase, cfg: cfg}
}

func (f *FileCustodian) path(name string) string {
	return filepath.Join(f.dir, name+".key")
}

// Store seals secret under name. Existing secrets are never overwritten.
func (f *FileCustodian) Store(ctx context.Context, name string, secret []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkName(name); err != nil {
		return err
	}
	sealed, err := f.cfg.seal(f.passphrase, secret)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(f.dir, 0o700); err != nil {
		return err
	}
	fh, err := os.OpenFile(f.path(name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if errors.Is(err, os.ErrExist) {
		return ErrExists
	}
	if err != nil {
		return err
	}
	if _, err := fh.Write(sealed); err != nil {
		_ = fh.Close()
		_ = os.Remove(f.path(name))
		return err
	}
	return fh.Close()
}

// Retrieve opens the secret stored under name.
func (f *FileCustodian) Retrieve(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkName(name); err != nil {
		return nil, err
	}

	f.mu.Lock()
	b, err := os.ReadFile(f.path(name))
	f.mu.Unlock()

	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return f.cfg.open(f.passphrase, b)
}

// MemoryCustodian keeps secrets in process memory (tests, ephemeral devices).
type MemoryCustodian struct {
	mu      sync.Mutex
	secrets map[string][]byte
}

// NewMemoryCustodian constructs an empty MemoryCustodian.
func NewMemoryCustodian() *MemoryCustodian {
	return &MemoryCustodian{secrets: make(map[string][]byte)}
}

func (m *MemoryCustodian) Store(ctx context.Context, name string, secret []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkName(name); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.secrets[name]; ok {
		return ErrExists
	}
	m.secrets[name] = append([]byte(nil), secret...)
	return nil
}

func (m *MemoryCustodian) Retrieve(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.secrets[name]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), s...), nil
}
