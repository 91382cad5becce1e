package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"weightsync/internal/wsync"
)

// Config represents the main configuration for wsync.
type Config struct {
	BaseDir            string `toml:"base_dir"`
	LogDir             string `toml:"log_dir"`
	HTTPTimeoutSeconds int    `toml:"http_timeout_seconds"`

	Withings WithingsConfig `toml:"withings"`
	Garmin   GarminConfig   `toml:"garmin"`
	Smashrun SmashrunConfig `toml:"smashrun"`
	Database DatabaseConfig `toml:"database"`
	Archive  ArchiveConfig  `toml:"archive"`
	Secrets  SecretsConfig  `toml:"secrets"`
}

// WithingsConfig holds the application credentials and the user's OAuth2
// tokens. Tokens are rewritten after every command that used them.
type WithingsConfig struct {
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
	CallbackURI  string `toml:"callback_uri"`
	AccessToken  string `toml:"access_token"`
	RefreshToken string `toml:"refresh_token"`
	TokenType    string `toml:"token_type"`
	TokenExpiry  int64  `toml:"token_expiry"` // unix seconds
	UserID       string `toml:"user_id"`

	// Endpoint overrides, empty for the production API.
	AuthURL  string `toml:"auth_url,omitempty"`
	TokenURL string `toml:"token_url,omitempty"`
	APIURL   string `toml:"api_url,omitempty"`

	// Blocked suspends every sync until new tokens are set up.
	Blocked *BlockConfig `toml:"blocked,omitempty"`
}

// GarminConfig holds the Connect login and its sync state.
type GarminConfig struct {
	Username         string `toml:"username"`
	Password         string `toml:"password"`          // sealed, see PasswordEncoding
	PasswordEncoding string `toml:"password_encoding"` // "base64" (default) or "age"

	SSOURL     string `toml:"sso_url,omitempty"`
	ConnectURL string `toml:"connect_url,omitempty"`

	LastSync int64        `toml:"last_sync"`
	Blocked  *BlockConfig `toml:"blocked,omitempty"`
}

// SmashrunConfig holds Smashrun credentials and sync state.
// This uses a tagged union pattern - the Type field determines which credential fields are relevant.
type SmashrunConfig struct {
	Type string `toml:"type"` // "implicit" or "code"

	// implicit flow
	Token string `toml:"token,omitempty"`

	// code flow
	ClientID     string `toml:"client_id,omitempty"`
	ClientSecret string `toml:"client_secret,omitempty"`
	RefreshToken string `toml:"refresh_token,omitempty"`

	BaseURL  string `toml:"base_url,omitempty"`
	TokenURL string `toml:"token_url,omitempty"`

	LastSync int64        `toml:"last_sync"`
	Blocked  *BlockConfig `toml:"blocked,omitempty"`
}

// BlockConfig records why automated sync to a destination is suspended.
type BlockConfig struct {
	Kind    string `toml:"kind"`
	Scope   string `toml:"scope"`
	Message string `toml:"message"`
	Since   int64  `toml:"since"` // unix seconds
}

// DatabaseConfig represents configuration for the sync history database.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// ArchiveConfig represents configuration for the uploaded-payload archive.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type ArchiveConfig struct {
	Type string `toml:"type"` // "none", "memory", "filesystem" or "s3"

	// FileSystem-specific fields (only used when Type == "filesystem")
	FSRoot string `toml:"fs_root,omitempty"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket   string `toml:"s3_bucket,omitempty"`
	S3Prefix   string `toml:"s3_prefix,omitempty"`
	S3Region   string `toml:"s3_region,omitempty"`
	S3Endpoint string `toml:"s3_endpoint,omitempty"`

	// Static credentials. When empty the default AWS credential chain is used.
	S3AccessKeyID     string `toml:"s3_access_key_id,omitempty"`
	S3SecretAccessKey string `toml:"s3_secret_access_key,omitempty"`
}

// SecretsConfig locates the age identity used when PasswordEncoding is "age".
type SecretsConfig struct {
	IdentityPath string `toml:"identity_path"`
}

// NewConfig creates a new Config with defaults rooted at baseDir.
func NewConfig(baseDir string) *Config {
	return &Config{
		BaseDir:            baseDir,
		LogDir:             filepath.Join(baseDir, "log"),
		HTTPTimeoutSeconds: 30,
		Garmin:             GarminConfig{PasswordEncoding: "base64"},
		Smashrun:           SmashrunConfig{Type: "implicit"},
		Database:           DatabaseConfig{Type: "sqlite", DataDir: filepath.Join(baseDir, "db")},
		Archive:            ArchiveConfig{Type: "none"},
		Secrets:            SecretsConfig{IdentityPath: filepath.Join(baseDir, "keys", "wsync.key")},
	}
}

// HTTPTimeout returns the per-request timeout for provider calls.
func (c *Config) HTTPTimeout() time.Duration {
	if c.HTTPTimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.HTTPTimeoutSeconds) * time.Second
}

// LastSync returns the stored watermark for a destination.
func (c *Config) LastSync(dest string) (int64, error) {
	switch dest {
	case "garmin":
		return c.Garmin.LastSync, nil
	case "smashrun":
		return c.Smashrun.LastSync, nil
	}
	return 0, fmt.Errorf("unknown destination %q", dest)
}

// SetLastSync stores the watermark for a destination.
func (c *Config) SetLastSync(dest string, v int64) error {
	switch dest {
	case "garmin":
		c.Garmin.LastSync = v
	case "smashrun":
		c.Smashrun.LastSync = v
	default:
		return fmt.Errorf("unknown destination %q", dest)
	}
	return nil
}

// Blocked returns the block recorded for withings or a destination, if any.
func (c *Config) Blocked(dest string) (*BlockConfig, error) {
	switch dest {
	case "withings":
		return c.Withings.Blocked, nil
	case "garmin":
		return c.Garmin.Blocked, nil
	case "smashrun":
		return c.Smashrun.Blocked, nil
	}
	return nil, fmt.Errorf("unknown destination %q", dest)
}

// SetBlocked records or, with nil, clears the block for withings or a
// destination.
func (c *Config) SetBlocked(dest string, b *BlockConfig) error {
	switch dest {
	case "withings":
		c.Withings.Blocked = b
	case "garmin":
		c.Garmin.Blocked = b
	case "smashrun":
		c.Smashrun.Blocked = b
	default:
		return fmt.Errorf("unknown destination %q", dest)
	}
	return nil
}

// Validate rejects values no command can work with.
func (c *Config) Validate() error {
	if c.HTTPTimeoutSeconds < 0 {
		return fmt.Errorf("http_timeout_seconds must not be negative, got %d", c.HTTPTimeoutSeconds)
	}
	for _, dest := range []string{"garmin", "smashrun"} {
		wm, _ := c.LastSync(dest)
		if err := wsync.Watermark(wm).Validate(); err != nil {
			return fmt.Errorf("%s.last_sync: %w", dest, err)
		}
	}
	for _, dest := range []string{"withings", "garmin", "smashrun"} {
		b, _ := c.Blocked(dest)
		if b == nil {
			continue
		}
		if _, err := wsync.ParseKind(b.Kind); err != nil {
			return fmt.Errorf("%s.blocked: %w", dest, err)
		}
		if b.Scope != string(wsync.ScopeAccount) && b.Scope != string(wsync.ScopeService) {
			return fmt.Errorf("%s.blocked: scope must be account or service, got %q", dest, b.Scope)
		}
	}

	checks := []struct {
		field, value string
		allowed      []string
	}{
		{"garmin.password_encoding", c.Garmin.PasswordEncoding, []string{"", "base64", "age"}},
		{"smashrun.type", c.Smashrun.Type, []string{"", "implicit", "code"}},
		{"database.type", c.Database.Type, []string{"", "sqlite", "memory"}},
		{"archive.type", c.Archive.Type, []string{"", "none", "memory", "filesystem", "s3"}},
	}
	for _, chk := range checks {
		if !oneOf(chk.value, chk.allowed) {
			return fmt.Errorf("unknown %s %q", chk.field, chk.value)
		}
	}
	return nil
}

func oneOf(v string, allowed []string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes and validates a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// WriteToFile replaces the config file atomically: the new content is
// written to a temp file in the same directory, synced and renamed over
// path. The file holds tokens, so it is only readable by the owner.
func WriteToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".wsync-config-*")
	if err != nil {
		return fmt.Errorf("failed to create temp config file: %w", err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if err := tmp.Chmod(0600); err != nil {
		return fmt.Errorf("failed to set config permissions: %w", err)
	}
	m := &Manager{}
	if err := m.Write(tmp, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to replace config: %w", err)
	}
	success = true
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	// Check if config already exists
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := WriteToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
