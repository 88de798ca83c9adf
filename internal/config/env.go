package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"github.com/joho/godotenv"
)

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// LoadDotEnv loads env vars from the provided file if it exists.
// Existing process env vars are not overwritten.
func LoadDotEnv(path string) error {
	_, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}

		return fmt.Errorf("stat %s: %w", path, err)
	}

	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}

	return nil
}

// ExpandEnvVars replaces ${VAR} patterns with environment variable values.
// Unset variables are left as they are.
func ExpandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]

		if value, ok := os.LookupEnv(name); ok {
			return value
		}

		return match
	})
}

func expandAliasEnvVars(alias *Alias) {
	alias.Endpoint = ExpandEnvVars(alias.Endpoint)
	alias.Region = ExpandEnvVars(alias.Region)
	alias.Bucket = ExpandEnvVars(alias.Bucket)
	alias.Prefix = ExpandEnvVars(alias.Prefix)
	alias.AccessKey = ExpandEnvVars(alias.AccessKey)
	alias.SecretKey = ExpandEnvVars(alias.SecretKey)
}
