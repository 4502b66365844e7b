// Package config defines the daemon's command-line configuration and
// the on-disk layout it implies (§6).
package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
)

// Config holds the daemon's runtime configuration.
type Config struct {
	DataDir string // root data directory (default ~/.hi-boss)
}

// DefineFlags registers command-line flags for daemon configuration.
// Call flag.Parse() separately after defining all flags.
func DefineFlags() *Config {
	c := &Config{}
	flag.StringVar(&c.DataDir, "data-dir", DefaultDataDir(), "data directory")
	return c
}

// Validate checks the configuration values and ensures required
// directories exist.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data-dir is required")
	}
	if err := os.MkdirAll(c.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	return nil
}

// DefaultDataDir returns the platform default data directory
// (~/.hi-boss), used both as the daemon's default and by hibossctl to
// locate the running daemon's socket.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".hi-boss")
	}
	return filepath.Join(home, ".hi-boss")
}

// DBPath returns the path to the SQLite database file.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "hiboss.db")
}

// SocketPath returns the path to the Unix domain socket the RPC
// server listens on.
func (c *Config) SocketPath() string {
	return filepath.Join(c.DataDir, "hiboss.sock")
}

// PIDPath returns the path to the advisory lock/PID file that
// enforces the single-daemon-instance invariant (§5).
func (c *Config) PIDPath() string {
	return filepath.Join(c.DataDir, "hiboss.pid")
}

// LogPath returns the path to the daemon's log file.
func (c *Config) LogPath() string {
	return filepath.Join(c.DataDir, "hiboss.log")
}
