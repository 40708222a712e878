package ops

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/IggyIkenna/basis-strategy-v1/pkg/exception"
	"github.com/joho/godotenv"
)

// Environment variables read on top of the JSON config.
const (
	EnvDatabaseDSN = "BASIS_DATABASE_DSN"
	EnvDataDir     = "BASIS_DATA_DIR"
)

// Environment merges .env files with the process environment. Missing
// files are skipped; process variables win over file values.
func Environment(files ...string) (map[string]string, error) {
	env := make(map[string]string)
	for _, f := range files {
		values, err := godotenv.Read(f)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, exception.Configuration(component, exception.CodeConfigInvalid, "read env file").
				With("path", f).
				Wrap(err)
		}
		for k, v := range values {
			env[k] = v
		}
	}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && strings.HasPrefix(k, "BASIS_") {
			env[k] = v
		}
	}
	return env, nil
}

func overlay(cfg *FileConfig, env map[string]string) {
	if v := env[EnvDatabaseDSN]; v != "" {
		cfg.Sink.PostgresDSN = v
	}
	if v := env[EnvDataDir]; v != "" {
		cfg.Backtest.DataDir = v
	}
}
