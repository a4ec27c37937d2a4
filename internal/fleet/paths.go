// Package fleet defines the on-disk layout and naming rules for managed
// clients. Each client is identified by its phone number and owns one
// directory under the base dir; the only persisted state in there is the
// session credential database written by whatsmeow.
package fleet

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.wafleet.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".wafleet")
}

// ClientDir returns the directory owned by one client number.
func ClientDir(number string) string {
	return filepath.Join(BaseDir(), "clients", number)
}

// SessionDBPath returns the whatsmeow credential database for a client.
func SessionDBPath(number string) string {
	return filepath.Join(ClientDir(number), "session.db")
}

// MediaDir returns the temp directory for persisted heavy media files.
func MediaDir() string {
	return filepath.Join(BaseDir(), "media")
}

// LockPath returns the daemon lock file path.
func LockPath() string {
	return filepath.Join(BaseDir(), "LOCK")
}

// LogDir returns the daemon log directory.
func LogDir() string {
	return filepath.Join(BaseDir(), "logs")
}

// LogPath returns the daemon log file path.
func LogPath() string {
	return filepath.Join(LogDir(), "wafleetd.log")
}

// ConfigPath returns the daemon config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureBase creates the shared directory tree with proper permissions.
func EnsureBase() error {
	dirs := []string{
		BaseDir(),
		LogDir(),
		MediaDir(),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}

// EnsureClientDir creates the per-client directory.
func EnsureClientDir(number string) error {
	return os.MkdirAll(ClientDir(number), 0700)
}
