package settings

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSecret is accepted until the credential is changed.
const DefaultSecret = "admin123"

var (
	// ErrWrongPassword means the old secret did not match.
	ErrWrongPassword = errors.New("current password is incorrect")
	// ErrEmptyPassword means the new secret was blank.
	ErrEmptyPassword = errors.New("new password must not be empty")
	// ErrConfirmMismatch means the confirmation differs from the new secret.
	ErrConfirmMismatch = errors.New("password confirmation does not match")
)

type credential struct {
	Salt   string `yaml:"salt"`
	SHA256 string `yaml:"sha256"`
}

type document struct {
	Credential credential `yaml:"credential"`
	UpdatedAt  time.Time  `yaml:"updated_at"`
}

// Store persists the unlock credential as a salted digest in a YAML file.
type Store struct {
	path  string
	clock func() time.Time

	mu  sync.RWMutex
	doc document
	// persisted is false while the built-in default is in effect.
	persisted bool
}

// Open loads the settings file, falling back to the default secret when it is missing.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("settings path must not be empty")
	}
	s := &Store{path: path, clock: time.Now}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read settings: %w", err)
	case len(bytes.TrimSpace(data)) > 0:
		if err := yaml.Unmarshal(data, &s.doc); err != nil {
			return nil, fmt.Errorf("parse settings: %w", err)
		}
		if s.doc.Credential.SHA256 != "" {
			s.persisted = true
		}
	}
	if !s.persisted {
		cred, err := newCredential(DefaultSecret)
		if err != nil {
			return nil, err
		}
		s.doc.Credential = cred
	}
	return s, nil
}

// Path returns the settings file location.
func (s *Store) Path() string { return s.path }

// IsDefault reports whether the built-in secret is still in effect.
func (s *Store) IsDefault() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.persisted
}

// Verify reports whether secret exactly equals the configured credential.
func (s *Store) Verify(secret string) bool {
	s.mu.RLock()
	cred := s.doc.Credential
	s.mu.RUnlock()
	return cred.matches(secret)
}

// Update replaces the credential after checking old and the confirmation.
func (s *Store) Update(old, next, confirm string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.doc.Credential.matches(old) {
		return ErrWrongPassword
	}
	if next == "" {
		return ErrEmptyPassword
	}
	if next != confirm {
		return ErrConfirmMismatch
	}
	cred, err := newCredential(next)
	if err != nil {
		return err
	}
	doc := document{Credential: cred, UpdatedAt: s.clock().UTC()}
	if err := writeDocument(s.path, doc); err != nil {
		return err
	}
	s.doc = doc
	s.persisted = true
	return nil
}

func newCredential(secret string) (credential, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return credential{}, fmt.Errorf("generate salt: %w", err)
	}
	return credential{Salt: hex.EncodeToString(salt), SHA256: digest(salt, secret)}, nil
}

func (c credential) matches(secret string) bool {
	salt, err := hex.DecodeString(c.Salt)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(digest(salt, secret)), []byte(c.SHA256)) == 1
}

func digest(salt []byte, secret string) string {
	h := sha256.New()
	h.Write(salt)
	h.Write([]byte(secret))
	return hex.EncodeToString(h.Sum(nil))
}

func writeDocument(path string, doc document) error {
	encoded, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".settings-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp settings: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(encoded); err != nil {
		tmp.Close()
		return fmt.Errorf("write settings: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close settings: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace settings: %w", err)
	}
	return nil
}
