package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
)

// PlatformDataDir returns the platform-specific data directory.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/auradrive/
//   - Linux:   $XDG_DATA_HOME/auradrive/ or ~/.local/share/auradrive/
//
// Falls back to ~/.auradrive if the home directory is unknown.
func PlatformDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(os.TempDir(), ".auradrive")
	}
	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support", "auradrive")
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "auradrive")
	}
	return filepath.Join(home, ".local", "share", "auradrive")
}

// PlatformConfigDir returns the platform-specific config directory.
func PlatformConfigDir() string {
	if runtime.GOOS == "darwin" {
		return PlatformDataDir()
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "auradrive")
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return PlatformDataDir()
	}
	return filepath.Join(home, ".config", "auradrive")
}

// PlatformRuntimeDir returns the directory for the control socket.
//
//   - Linux:   $XDG_RUNTIME_DIR/auradrive/ or /tmp/auradrive-$UID/
//   - others:  /tmp/auradrive-$UID/
func PlatformRuntimeDir() string {
	if runtime.GOOS == "linux" {
		if xdg := os.Getenv("XDG_RUNTIME_DIR"); xdg != "" {
			return filepath.Join(xdg, "auradrive")
		}
	}
	return filepath.Join(os.TempDir(), "auradrive-"+strconv.Itoa(os.Getuid()))
}

// DefaultSocketPath returns the default control socket path.
func DefaultSocketPath() string {
	return filepath.Join(PlatformRuntimeDir(), "auradrive.sock")
}

// DefaultTPMPath returns the TPM device to probe, preferring the resource manager.
func DefaultTPMPath() string {
	if runtime.GOOS != "linux" {
		return ""
	}
	if _, err := os.Stat("/dev/tpmrm0"); err == nil {
		return "/dev/tpmrm0"
	}
	return "/dev/tpm0"
}

// SupportedConfigFormats returns the recognised config file extensions.
func SupportedConfigFormats() []string {
	return []string{"toml", "json", "yaml", "yml"}
}

// FindConfigFile searches the current directory, then the config directory.
// Returns the path to the first found config file, or empty string if none found.
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
