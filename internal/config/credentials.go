package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

// Token sources reported by ResolveToken.
const (
	TokenSourceConfig  = "config"
	TokenSourceEnv     = "env"
	TokenSourceEnvFile = ".env"
)

var tokenEnvKeys = []string{"GH_TOKEN", "GITHUB_TOKEN"}

// EnvFilePath returns the optional .env file in the data directory.
func EnvFilePath() string {
	return filepath.Join(DataDir(), ".env")
}

// ResolveToken finds a GitHub token: the config file first, then the
// GH_TOKEN and GITHUB_TOKEN environment variables, then the same keys in
// the data directory's .env file. It returns an empty token when none is
// found.
func ResolveToken(cfg *Config) (token, source string) {
	if cfg != nil {
		if t := strings.TrimSpace(cfg.GitHub.Token); t != "" {
			return t, TokenSourceConfig
		}
	}
	for _, key := range tokenEnvKeys {
		if t := strings.TrimSpace(os.Getenv(key)); t != "" {
			return t, TokenSourceEnv
		}
	}
	env, err := godotenv.Read(EnvFilePath())
	if err != nil {
		return "", ""
	}
	for _, key := range tokenEnvKeys {
		if t := strings.TrimSpace(env[key]); t != "" {
			return t, TokenSourceEnvFile
		}
	}
	return "", ""
}
