// Package config handles keysmith.toml configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/chazu/keysmith/editor"
	"github.com/chazu/keysmith/gateway"
)

// FileName is the configuration file looked for by FindAndLoad.
const FileName = "keysmith.toml"

// Config represents a keysmith.toml configuration.
type Config struct {
	Server   Server   `toml:"server"`
	Catalog  Catalog  `toml:"catalog"`
	Gateway  Gateway  `toml:"gateway"`
	Executor Executor `toml:"executor"`
	Editor   Editor   `toml:"editor"`
	Log      Log      `toml:"log"`

	// Dir is the directory containing the keysmith.toml file (set at load time).
	Dir string `toml:"-"`
}

// Server configures the editing server.
type Server struct {
	Addr          string        `toml:"addr"`
	SessionTTL    time.Duration `toml:"session_ttl"`
	SweepInterval time.Duration `toml:"sweep_interval"`
}

// Catalog says where block definitions come from. With URL set the remote
// catalog service is used; otherwise the builtin vocabulary, optionally
// replaced by File, with custom blocks kept in Custom.
type Catalog struct {
	URL    string `toml:"url"`
	File   string `toml:"file"`
	Custom string `toml:"custom"`
	Cache  string `toml:"cache"`
}

// Gateway configures text generation and parsing. Without a URL the
// in-process template generator is used and sync to blocks is unavailable.
type Gateway struct {
	URL        string        `toml:"url"`
	Entrypoint string        `toml:"entrypoint"`
	ArgName    string        `toml:"arg_name"`
	Timeout    time.Duration `toml:"timeout"`
}

// Executor configures program execution.
type Executor struct {
	URL     string        `toml:"url"`
	Timeout time.Duration `toml:"timeout"`
}

// Editor configures editing sessions.
type Editor struct {
	Placeholder string `toml:"placeholder"`
}

// Log configures logging.
type Log struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// Default returns the configuration used when no file is found.
func Default() *Config {
	return &Config{
		Server: Server{
			Addr:          "127.0.0.1:8723",
			SessionTTL:    30 * time.Minute,
			SweepInterval: time.Minute,
		},
		Gateway: Gateway{
			Entrypoint: gateway.DefaultEntrypoint,
			ArgName:    gateway.DefaultArgName,
			Timeout:    10 * time.Second,
		},
		Executor: Executor{
			Timeout: 30 * time.Second,
		},
		Editor: Editor{
			Placeholder: editor.DefaultPlaceholder,
		},
	}
}

// Load parses a keysmith.toml file from the given directory.
func Load(dir string) (*Config, error) {
	return LoadFile(filepath.Join(dir, FileName))
}

// LoadFile parses a configuration file. Settings it leaves out keep their
// defaults; relative paths are resolved against the file's directory.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	c := Default()
	if err := toml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	c.Dir, err = filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", path, err)
	}
	c.Catalog.File = c.resolve(c.Catalog.File)
	c.Catalog.Custom = c.resolve(c.Catalog.Custom)
	c.Catalog.Cache = c.resolve(c.Catalog.Cache)
	c.Log.File = c.resolve(c.Log.File)

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// FindAndLoad walks up from startDir to find a keysmith.toml file,
// then loads and returns the configuration. Returns nil if no file is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// Validate reports settings that cannot work together.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is empty")
	}
	if c.Server.SessionTTL < 0 || c.Server.SweepInterval < 0 {
		return fmt.Errorf("server durations must not be negative")
	}
	if c.Catalog.URL != "" && (c.Catalog.File != "" || c.Catalog.Custom != "") {
		return fmt.Errorf("catalog.url cannot be combined with catalog.file or catalog.custom")
	}
	return nil
}

// EditorOptions returns the options for new editing sessions.
func (c *Config) EditorOptions() editor.Options {
	return editor.Options{
		Placeholder:     c.Editor.Placeholder,
		Entrypoint:      c.Gateway.Entrypoint,
		ArgName:         c.Gateway.ArgName,
		GenerateTimeout: c.Gateway.Timeout,
	}
}

func (c *Config) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Dir, p)
}
