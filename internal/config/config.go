// Package config loads tether's optional on-disk defaults file.
//
// Precedence (highest first): CLI flags > config.yaml > built-in defaults.
// The one setting that environment variables also supply, the session
// directory, is the exception: a socket_dir from config.yaml is tried
// before ABDUCO_SOCKET_DIR and the other environment candidates. This
// package only produces the config.yaml layer; callers merge flags over it
// themselves, field by field, rather than trusting the file wholesale.
package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds the fields a user may pin in config.yaml.
type Config struct {
	// DetachKey overrides the default detach hotkey. Accepts either a
	// literal single character or the "^X" caret notation.
	DetachKey string `yaml:"detach_key"`

	// Quiet suppresses informational messages by default.
	Quiet bool `yaml:"quiet"`

	// SocketDir, if set, is tried first when resolving the session
	// directory (still subject to the full ownership/probe verification).
	SocketDir string `yaml:"socket_dir"`

	// Scrollback is the number of trailing output lines the server keeps
	// in memory to replay to newly attaching clients. Zero disables it.
	Scrollback int `yaml:"scrollback"`
}

// defaultScrollback matches the conservative cap used by the original
// implementation's screen buffer.
const defaultScrollback = 200

// Default returns the built-in configuration used when no config.yaml is
// present or none of its fields apply.
func Default() Config {
	return Config{
		DetachKey: "^\\",
		Scrollback: defaultScrollback,
	}
}

// Path returns the config file location: $XDG_CONFIG_HOME/tether/config.yaml
// if set, else ~/.config/tether/config.yaml.
func Path() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "tether", "config.yaml")
}

// Load reads config.yaml (if present) and overlays it, field by field, onto
// the built-in defaults. A missing file is not an error; a malformed one is.
func Load() (Config, error) {
	cfg := Default()

	path := Path()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	var file Config
	if err := yaml.Unmarshal(data, &file); err != nil {
		return cfg, err
	}

	if file.DetachKey != "" {
		cfg.DetachKey = file.DetachKey
	}
	if file.Quiet {
		cfg.Quiet = true
	}
	if file.SocketDir != "" {
		cfg.SocketDir = file.SocketDir
	}
	// Scrollback is looked up separately so an explicit 0 (disable) is told
	// apart from an absent key.
	var present struct {
		Scrollback *int `yaml:"scrollback"`
	}
	if err := yaml.Unmarshal(data, &present); err == nil && present.Scrollback != nil {
		cfg.Scrollback = *present.Scrollback
	}
	return cfg, nil
}

// ResolveDetachKey turns a configured/CLI detach-key string into the raw
// byte the client scans its input for as the hotkey, applying the "^X" caret convention
// used by the original -e flag.
func ResolveDetachKey(s string) byte {
	if s == "" {
		return 0x1C // Ctrl-\, the built-in default
	}
	if len(s) >= 2 && s[0] == '^' {
		return s[1] & 0x1F
	}
	return s[0]
}
