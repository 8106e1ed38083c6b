package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

const defaultEnvFile = ".env"

// LoadEnvFile reads a dotenv file into the process environment before Load.
// Variables already set in the environment are left untouched.
//
// The file named by AERO_SIGNALING_RELAY_ENV_FILE must exist. Without it,
// ./.env is read when present. The returned path is "" when nothing was read.
func LoadEnvFile(lookup func(string) (string, bool)) (string, error) {
	path, explicit := lookup(EnvVarEnvFile)
	path = strings.TrimSpace(path)
	if path == "" {
		explicit = false
		path = defaultEnvFile
	}

	if _, err := os.Stat(path); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("%s %q: %w", EnvVarEnvFile, path, err)
	}
	if err := godotenv.Load(path); err != nil {
		return "", fmt.Errorf("load env file %q: %w", path, err)
	}
	return path, nil
}
