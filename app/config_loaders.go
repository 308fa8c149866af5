package chatsync

import (
	"fmt"

	"github.com/joho/godotenv"
)

type ConfigLoader interface {
	Load() (*Config, error)
}

// FileConfigLoader loads the configuration from a YAML file and the environment.
type FileConfigLoader struct {
	Path string
}

func (l *FileConfigLoader) Load() (*Config, error) {
	return LoadConfig(l.Path)
}

// EnvConfigLoader loads .env files into the environment before loading the configuration.
// Variables already set in the environment win over the files.
// CHATSYNC_AUTH_USERNAME and CHATSYNC_AUTH_TOKEN carry the identity;
// CHATSYNC_SERVER_URL the endpoint of the remote.
type EnvConfigLoader struct {
	// Files defaults to .env in the working directory.
	Files []string
}

func (l *EnvConfigLoader) Load() (*Config, error) {
	if err := godotenv.Load(l.Files...); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}
	return LoadConfig("")
}

// DefaultConfigLoader returns the defaults with the given identity.
type DefaultConfigLoader struct {
	Username string
	Token    string
}

func (l *DefaultConfigLoader) Load() (*Config, error) {
	config := DefaultConfig()
	config.Auth.Username = l.Username
	config.Auth.Token = l.Token
	return config, nil
}
