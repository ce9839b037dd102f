package config

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Environment names accepted in APP_ENV. Aliases collapse to the canonical
// name so ".env.production" serves both "production" and "prod".
const (
	EnvProduction = "production"
	EnvStaging    = "staging"
	EnvTest       = "test"
	EnvDefault    = "default"
)

// CurrentEnv returns the canonical environment name from APP_ENV.
func CurrentEnv() string {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("APP_ENV"))) {
	case "production", "prod":
		return EnvProduction
	case "staging", "stage":
		return EnvStaging
	case "test":
		return EnvTest
	default:
		return EnvDefault
	}
}

// LoadEnvFiles loads the dotenv cascade from dir. Later files win over
// earlier ones, and variables already present in the real environment always
// win over every file, so each layer is loaded lowest-priority first with
// godotenv.Load (which never overwrites).
//
// Order (highest priority last): .env, .env.local, .env.<env>, .env.<env>.local.
// godotenv.Load skips nothing that is already set, so the cascade is applied
// by loading in reverse: most specific file first.
func LoadEnvFiles(dir string) {
	env := CurrentEnv()

	files := []string{
		".env." + env + ".local",
		".env." + env,
		".env.local",
		".env",
	}
	for _, name := range files {
		path := name
		if dir != "" {
			path = dir + string(os.PathSeparator) + name
		}
		if _, err := os.Stat(path); err != nil {
			continue
		}
		// Load never overwrites existing variables, so earlier (more
		// specific) files and the real environment take precedence.
		_ = godotenv.Load(path)
	}
}
