package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const (
	// EnvGithubToken is the environment variable name for a seed GitHub API token
	EnvGithubToken = "SHIPHUB_GITHUB_TOKEN"

	// DefaultSyncDelaySeconds is the base polling interval for active entities
	DefaultSyncDelaySeconds = 60
)

// Config represents the application configuration
type Config struct {
	// Path to the SQLite database file
	DatabasePath string `json:"database_path"`

	// Address the webhook endpoint listens on
	ListenAddr string `json:"listen_addr"`

	// Externally reachable base URL of the webhook endpoint, embedded
	// into hook registrations
	PublicURL string `json:"public_url"`

	// Base polling interval in seconds; idle entities deactivate after
	// three missed intervals
	SyncDelaySeconds int `json:"sync_delay_seconds"`

	// Seed GitHub API tokens used to bootstrap accounts into the
	// database (optional, can be extended via SHIPHUB_GITHUB_TOKEN)
	GitHubTokens []string `json:"github_tokens"`

	// Override for the GitHub API base URL (GitHub Enterprise)
	GitHubBaseURL string `json:"github_base_url,omitempty"`
}

// LoadConfig loads the configuration from a JSON file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Check for a seed GitHub token in the environment
	if envToken := os.Getenv(EnvGithubToken); envToken != "" {
		config.GitHubTokens = append(config.GitHubTokens, envToken)
	}

	if config.DatabasePath == "" {
		config.DatabasePath = "shiphub_sync.db"
	}
	if config.ListenAddr == "" {
		config.ListenAddr = ":8291"
	}
	if config.PublicURL == "" {
		config.PublicURL = "http://localhost:8291"
	}
	if config.SyncDelaySeconds <= 0 {
		config.SyncDelaySeconds = DefaultSyncDelaySeconds
	}

	// Make database path absolute if it's relative
	if !filepath.IsAbs(config.DatabasePath) {
		configDir := filepath.Dir(path)
		config.DatabasePath = filepath.Join(configDir, config.DatabasePath)
	}

	return &config, nil
}

// SaveConfig saves the configuration to a JSON file
func SaveConfig(config *Config, path string) error {
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// CreateDefaultConfig creates a default configuration file if it doesn't exist
func CreateDefaultConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil // File exists, don't overwrite
	}

	config := &Config{
		DatabasePath:     "shiphub_sync.db",
		ListenAddr:       ":8291",
		PublicURL:        "http://localhost:8291",
		SyncDelaySeconds: DefaultSyncDelaySeconds,
		GitHubTokens:     []string{},
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	return SaveConfig(config, path)
}
