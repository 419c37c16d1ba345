package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	"github.com/r2gencmn/r2gen/envconfig"
)

// LoadDotEnv loads environment variables from the .env file in the r2gen
// home directory. Variables already set in the environment win. A missing
// file is not an error.
func LoadDotEnv() error {
	envPath := filepath.Join(envconfig.Home(), ".env")

	if _, err := os.Stat(envPath); errors.Is(err, fs.ErrNotExist) {
		return nil
	} else if err != nil {
		return fmt.Errorf("failed to check if .env file exists: %w", err)
	}

	if err := godotenv.Load(envPath); err != nil {
		return fmt.Errorf("could not load %s: %w", envPath, err)
	}

	return nil
}
