package secret

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"
	"filippo.io/age/armor"
)

// AgeSealer encrypts passwords to an X25519 identity kept in a separate
// file. The identity is not passphrase protected: sync runs unattended.
type AgeSealer struct {
	identityPath string
}

var _ Sealer = (*AgeSealer)(nil)

// NewAgeSealer creates an AgeSealer using the identity at identityPath.
func NewAgeSealer(identityPath string) *AgeSealer {
	return &AgeSealer{identityPath: identityPath}
}

// Setup generates the identity file unless it already exists.
func (s *AgeSealer) Setup() error {
	if s.IsConfigured() {
		return nil
	}
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return fmt.Errorf("generating identity: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.identityPath), 0700); err != nil {
		return fmt.Errorf("creating identity directory: %w", err)
	}
	if err := os.WriteFile(s.identityPath, []byte(identity.String()+"\n"), 0600); err != nil {
		return fmt.Errorf("writing identity: %w", err)
	}
	return nil
}

// IsConfigured returns true if the identity file exists.
func (s *AgeSealer) IsConfigured() bool {
	_, err := os.Stat(s.identityPath)
	return err == nil
}

// Seal encrypts plaintext and returns it ASCII armored.
func (s *AgeSealer) Seal(plaintext string) (string, error) {
	identity, err := s.loadIdentity()
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	aw := armor.NewWriter(&buf)
	w, err := age.Encrypt(aw, identity.Recipient())
	if err != nil {
		return "", fmt.Errorf("creating encrypted writer: %w", err)
	}
	if _, err := io.WriteString(w, plaintext); err != nil {
		return "", fmt.Errorf("encrypting password: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalizing encryption: %w", err)
	}
	if err := aw.Close(); err != nil {
		return "", fmt.Errorf("finalizing armor: %w", err)
	}
	return buf.String(), nil
}

// Open decrypts an armored password produced by Seal.
func (s *AgeSealer) Open(sealed string) (string, error) {
	identity, err := s.loadIdentity()
	if err != nil {
		return "", err
	}

	r, err := age.Decrypt(armor.NewReader(strings.NewReader(sealed)), identity)
	if err != nil {
		return "", fmt.Errorf("decrypting password: %w", err)
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("reading decrypted password: %w", err)
	}
	return string(b), nil
}

func (s *AgeSealer) loadIdentity() (*age.X25519Identity, error) {
	data, err := os.ReadFile(s.identityPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("age identity %s not found; run `wsync setup garmin` again", s.identityPath)
	}
	if err != nil {
		return nil, fmt.Errorf("reading identity: %w", err)
	}
	identity, err := age.ParseX25519Identity(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("parsing identity: %w", err)
	}
	return identity, nil
}
