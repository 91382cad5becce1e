// Package secret seals the Garmin password stored in the config file.
package secret

import (
	"encoding/base64"
	"fmt"

	"weightsync/internal/config"
)

// Sealer converts a password to and from its stored form.
type Sealer interface {
	Seal(plaintext string) (string, error)
	Open(sealed string) (string, error)
}

// Base64Sealer stores passwords base64 encoded. This keeps them out of
// casual view and is compatible with existing config files; it is not
// encryption.
type Base64Sealer struct{}

var _ Sealer = Base64Sealer{}

func (Base64Sealer) Seal(plaintext string) (string, error) {
	return base64.StdEncoding.EncodeToString([]byte(plaintext)), nil
}

func (Base64Sealer) Open(sealed string) (string, error) {
	b, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("decoding base64 password: %w", err)
	}
	return string(b), nil
}

// NewSealerFromConfig creates a Sealer for the given password encoding.
func NewSealerFromConfig(encoding string, cfg config.SecretsConfig) (Sealer, error) {
	switch encoding {
	case "base64", "":
		return Base64Sealer{}, nil
	case "age":
		return NewAgeSealer(cfg.IdentityPath), nil
	default:
		return nil, fmt.Errorf("unknown password encoding: %q", encoding)
	}
}
