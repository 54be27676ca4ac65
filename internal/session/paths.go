package session

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.arashan-chat.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".arashan-chat")
}

// Dir returns the profile-specific directory.
func Dir(profile string) string {
	return filepath.Join(BaseDir(), "profiles", profile)
}

// CacheDBPath returns the local history cache path for a profile.
func CacheDBPath(profile string) string {
	return filepath.Join(Dir(profile), "cache.db")
}

// LockPath returns the lock file path for a profile.
func LockPath(profile string) string {
	return filepath.Join(Dir(profile), "LOCK")
}

// LogDir returns the log directory for a profile.
func LogDir(profile string) string {
	return filepath.Join(Dir(profile), "logs")
}

// LogPath returns the client log file path.
func LogPath(profile string) string {
	return filepath.Join(LogDir(profile), "chat.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the profile directory tree with proper permissions.
func EnsureDir(profile string) error {
	dirs := []string{
		Dir(profile),
		LogDir(profile),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
