package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// PlatformDataDir returns the platform-specific data directory.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/entropyguard/
//   - Linux:   ~/.local/share/entropyguard/
//   - Windows: %APPDATA%\entropyguard\
//
// Falls back to ~/.entropyguard if platform detection fails.
func PlatformDataDir() string {
	switch runtime.GOOS {
	case "darwin":
		return macOSDataDir()
	case "linux":
		return linuxDataDir()
	case "windows":
		return windowsDataDir()
	default:
		return fallbackDataDir()
	}
}

// PlatformConfigDir returns the platform-specific config directory.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/entropyguard/
//   - Linux:   ~/.config/entropyguard/
//   - Windows: %APPDATA%\entropyguard\
func PlatformConfigDir() string {
	switch runtime.GOOS {
	case "darwin":
		return macOSDataDir()
	case "linux":
		return linuxConfigDir()
	case "windows":
		return windowsDataDir()
	default:
		return fallbackDataDir()
	}
}

func macOSDataDir() string {
	home := os.Getenv("HOME")
	return filepath.Join(home, "Library", "Application Support", "entropyguard")
}

// Linux paths follow the XDG Base Directory Specification.

func linuxDataDir() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "entropyguard")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "entropyguard")
}

func linuxConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "entropyguard")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "entropyguard")
}

func windowsDataDir() string {
	if appData := os.Getenv("APPDATA"); appData != "" {
		return filepath.Join(appData, "entropyguard")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "AppData", "Roaming", "entropyguard")
}

func fallbackDataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".entropyguard")
}

// DefaultExcludePatterns returns default exclude patterns. Editor swap
// files and VCS internals churn constantly and are never user data.
func DefaultExcludePatterns() []string {
	return []string{
		// Temporary files
		"*~",
		"*.swp",
		"*.swo",
		"*.tmp",

		// Version control
		".git",
		".svn",
		".hg",

		// Dependency trees
		"node_modules",
		"__pycache__",

		// macOS / Windows metadata
		".DS_Store",
		"Thumbs.db",
	}
}

// SupportedConfigFormats returns the list of supported config file formats.
func SupportedConfigFormats() []string {
	return []string{"toml", "json", "yaml", "yml"}
}

// FindConfigFile searches for a config file in the current directory and
// then the platform config directory. It returns "" if none is found.
func FindConfigFile() string {
	for _, dir := range []string{".", PlatformConfigDir()} {
		for _, ext := range SupportedConfigFormats() {
			path := filepath.Join(dir, "config."+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}
