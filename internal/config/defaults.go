package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// PlatformDataDir returns the platform-specific data directory.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/modelhist/
//   - Linux:   $XDG_DATA_HOME/modelhist/ or ~/.local/share/modelhist/
//   - Windows: %APPDATA%\modelhist\
//
// Falls back to ~/.modelhist if platform detection fails.
func PlatformDataDir() string {
	home, _ := os.UserHomeDir()
	switch runtime.GOOS {
	case "darwin":
		if home != "" {
			return filepath.Join(home, "Library", "Application Support", "modelhist")
		}
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "modelhist")
		}
	default:
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			return filepath.Join(xdg, "modelhist")
		}
		if home != "" {
			return filepath.Join(home, ".local", "share", "modelhist")
		}
	}
	return fallbackDataDir(home)
}

func fallbackDataDir(home string) string {
	if home == "" {
		return filepath.Join(os.TempDir(), "modelhist")
	}
	return filepath.Join(home, ".modelhist")
}

// SupportedConfigFormats returns the recognized config file extensions.
func SupportedConfigFormats() []string {
	return []string{".toml", ".json", ".yaml", ".yml"}
}

// FindConfigFile returns the first config file found in the working
// directory or DataDir, or "" when there is none.
func FindConfigFile() string {
	for _, dir := range []string{".", DataDir()} {
		for _, ext := range SupportedConfigFormats() {
			path := filepath.Join(dir, "modelhist"+ext)
			if dir == DataDir() {
				path = filepath.Join(dir, "config"+ext)
			}
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}
