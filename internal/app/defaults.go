package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// GetDefaults returns application default paths, checking environment variables first.
// Environment variables:
//   - TIERSTORE_CONFIG_PATH: config file location (default: ~/.config/tierstore.toml)
//   - TIERSTORE_HOME: base directory for tierstore data (default: ~/.local/share/tierstore)
func GetDefaults() (map[string]string, error) {
	configPath, err := getConfigPath()
	if err != nil {
		return nil, err
	}

	baseDir, err := getBaseDir()
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"config_path": configPath,
		"base_dir":    baseDir,
		"log_dir":     filepath.Join(baseDir, "log"),
	}, nil
}

// Passphrase returns the passphrase that unlocks the private key, if set.
func Passphrase() string {
	return os.Getenv("TIERSTORE_PASSPHRASE")
}

// getConfigPath returns the config file path, checking TIERSTORE_CONFIG_PATH first,
// then falling back to the default ~/.config/tierstore.toml.
func getConfigPath() (string, error) {
	if path := os.Getenv("TIERSTORE_CONFIG_PATH"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "tierstore.toml"), nil
}

// getBaseDir returns the base directory for tierstore data, checking TIERSTORE_HOME first,
// then falling back to the XDG default ~/.local/share/tierstore.
func getBaseDir() (string, error) {
	if path := os.Getenv("TIERSTORE_HOME"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "tierstore"), nil
}
