package envconfig

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"

	"github.com/BurntSushi/toml"

	"github.com/r2gencmn/r2gen/api"
)

// GetConfigPaths returns the list of possible options file paths for the current OS
func GetConfigPaths() []string {
	var paths []string
	if p := ConfigPath(); p != "" {
		paths = append(paths, p)
	}

	paths = append(paths, filepath.Join(Home(), "config.toml"))

	switch runtime.GOOS {
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			paths = append(paths, filepath.Join(appData, "r2gen", "config.toml"))
		}
	default:
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			paths = append(paths, filepath.Join(xdgConfig, "r2gen", "config.toml"))
		}
		paths = append(paths, "/etc/r2gen/config.toml")
	}

	return paths
}

// LoadOptions overlays the TOML file at path on api.DefaultOptions. An empty
// path loads the first existing file from GetConfigPaths, or the defaults
// when there is none. R2GEN_SEED replaces the file's seed when set.
func LoadOptions(path string) (api.Options, error) {
	opts := api.DefaultOptions()

	if path == "" {
		for _, p := range GetConfigPaths() {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}

	if path != "" {
		md, err := toml.DecodeFile(path, &opts)
		if err != nil {
			return api.Options{}, fmt.Errorf("error parsing config file %s: %w", path, err)
		}

		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return api.Options{}, fmt.Errorf("%w: unknown keys %v in %s", api.ErrInvalidOptions, undecoded, path)
		}

		slog.Debug("loaded config file", "path", path)
	}

	if seed := Seed(); seed != 0 {
		opts.Seed = seed
	}

	if err := opts.Validate(); err != nil {
		return api.Options{}, err
	}

	return opts, nil
}

// WriteExampleConfig writes GenerateExampleConfig to path unless it exists.
func WriteExampleConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s: %w", path, os.ErrExist)
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, []byte(GenerateExampleConfig()), 0o644)
}

// GenerateExampleConfig returns a commented example TOML configuration
func GenerateExampleConfig() string {
	return `# Report model options. Unset keys keep their defaults.

# "iu_xray" concatenates the features of two views, other datasets use a
# single view unless use_rebuild_data is set.
dataset_name = "iu_xray"
use_rebuild_data = false
# One token per line; line n is token id n+1, id 0 is reserved.
# vocab_path = "/path/to/vocab.txt"

# Visual extractor
image_size = 224
visual_grid = 7
visual_pool = 4
d_vf = 2048
freeze_visual_extractor = false

# Encoder-decoder
d_model = 512
d_ff = 512
num_heads = 8
num_layers = 3

# Cross-modal memory
topk = 32
cmm_size = 2048
cmm_dim = 512

# Sampling
max_seq_length = 60
sample_method = "greedy"
temperature = 1.0
beam_size = 1

seed = 9233
`
}
