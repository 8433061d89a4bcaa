package config

import (
	"log/slog"

	"github.com/joho/godotenv"
)

// envFiles are attempted in order; the first one that parses wins.
// Existing process environment variables are never overwritten, so a
// service-manager-provided PATH or session marker always takes precedence.
var envFiles = []string{".env", ".env.local"}

// LoadEnvFiles loads environment variables from the supported env files.
// Absence of every file is the normal case and not logged.
func LoadEnvFiles() {
	for _, path := range envFiles {
		if err := godotenv.Load(path); err == nil {
			slog.Debug("Loaded environment variables", "file", path)
			return
		}
	}
}
