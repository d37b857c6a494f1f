// Package scriptstore keeps uploaded script files on disk.
package scriptstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrExtension = errors.New("only .py files are allowed")
	ErrBadRef    = errors.New("invalid script reference")
)

const allowedExt = ".py"

// Store saves scripts under a single directory. References handed out by
// Save are bare file names inside that directory.
type Store struct {
	dir string
}

// New creates the directory if needed.
func New(dir string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		dir = "uploads"
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("script dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create script dir: %w", err)
	}
	return &Store{dir: abs}, nil
}

func (s *Store) Dir() string { return s.dir }

// CheckName reports whether an uploaded file name is acceptable.
func CheckName(name string) error {
	if !strings.EqualFold(filepath.Ext(strings.TrimSpace(name)), allowedExt) {
		return ErrExtension
	}
	return nil
}

// Save writes src under a collision-free name derived from the upload name
// and returns its reference.
func (s *Store) Save(uploadName string, src []byte) (string, error) {
	if err := CheckName(uploadName); err != nil {
		return "", err
	}
	ref := uuid.NewString() + "_" + Sanitize(uploadName)
	path := filepath.Join(s.dir, ref)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("save script: %w", err)
	}
	if _, err := f.Write(src); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("save script: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("save script: %w", err)
	}
	return ref, nil
}

// Path resolves ref to an absolute path inside the store directory.
func (s *Store) Path(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" || ref != filepath.Base(ref) || ref == "." || ref == ".." || strings.ContainsAny(ref, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrBadRef, ref)
	}
	return filepath.Join(s.dir, ref), nil
}

// Read returns the stored script content.
func (s *Store) Read(ref string) ([]byte, error) {
	path, err := s.Path(ref)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

// Remove deletes the stored script. A missing file is not an error.
func (s *Store) Remove(ref string) error {
	path, err := s.Path(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove script: %w", err)
	}
	return nil
}

// Sanitize reduces an upload name to a safe ASCII file name, keeping the
// extension.
func Sanitize(name string) string {
	name = filepath.Base(strings.ReplaceAll(strings.TrimSpace(name), `\`, "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteByte('_')
		}
	}
	out := strings.TrimLeft(b.String(), "._")
	if out == "" || strings.EqualFold(out, allowedExt[1:]) || strings.EqualFold(out, allowedExt) {
		out = "script" + allowedExt
	}
	if !strings.EqualFold(filepath.Ext(out), allowedExt) {
		out += allowedExt
	}
	return out
}
