package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// Defaults are the locations used when the command line does not name a
// config file.
type Defaults struct {
	ConfigPath string
	BaseDir    string // root for the log, history database and age identity
}

// GetDefaults resolves the default locations. Each is looked up in order:
//   - config: $WSYNC_CONFIG_PATH, $XDG_CONFIG_HOME/wsync.toml, ~/.config/wsync.toml
//   - base dir: $WSYNC_HOME, $XDG_DATA_HOME/wsync, ~/.local/share/wsync
func GetDefaults() (Defaults, error) {
	configPath, err := lookupPath("WSYNC_CONFIG_PATH", "XDG_CONFIG_HOME", "wsync.toml", ".config")
	if err != nil {
		return Defaults{}, err
	}
	baseDir, err := lookupPath("WSYNC_HOME", "XDG_DATA_HOME", "wsync", ".local", "share")
	if err != nil {
		return Defaults{}, err
	}
	return Defaults{ConfigPath: configPath, BaseDir: baseDir}, nil
}

// LogDir is where a fresh config puts the log file.
func (d Defaults) LogDir() string {
	return filepath.Join(d.BaseDir, "log")
}

func lookupPath(override, xdgVar, name string, homeRel ...string) (string, error) {
	if p := os.Getenv(override); p != "" {
		return p, nil
	}
	if dir := os.Getenv(xdgVar); dir != "" && filepath.IsAbs(dir) {
		return filepath.Join(dir, name), nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(append(append([]string{homeDir}, homeRel...), name)...), nil
}
