package paths

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.zapcoach.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".zapcoach")
}

// CacheDBPath returns the local cache database path.
func CacheDBPath() string {
	return filepath.Join(BaseDir(), "cache.db")
}

// LogDir returns the daemon log directory.
func LogDir() string {
	return filepath.Join(BaseDir(), "logs")
}

// LogPath returns the daemon log file path.
func LogPath() string {
	return filepath.Join(LogDir(), "zapcoachd.log")
}

// ConfigPath returns the config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDirs creates the data directory tree with proper permissions.
func EnsureDirs() error {
	dirs := []string{
		BaseDir(),
		LogDir(),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
