package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/errors"
)

// FileName is the config file searched for in the working directory tree.
const FileName = "sdrs.toml"

// EnvPrefix prefixes every environment override, e.g. SDRS_POOL_SIZE.
const EnvPrefix = "SDRS"

// Load reads configuration from path, or from the first discovered config
// file when path is empty, applies environment overrides and validates the
// result. A missing file is not an error: defaults plus environment apply.
func Load(path string) (*Config, error) {
	v := newViper()

	if path == "" {
		path = Discover()
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config file %s", path)
		}
	}

	return unmarshal(v)
}

// LoadWithViper loads configuration using a provided Viper instance
func LoadWithViper(v *viper.Viper) (*Config, error) {
	return unmarshal(v)
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	return &cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	BindSensitiveEnvVars(v)
	SetDefaults(v)
	return v
}

// Discover returns the config file to use when none was given explicitly.
// Precedence: sdrs.toml walking up from the working directory, then
// ~/.sdrs/sdrs.toml, then /etc/sdrs/sdrs.toml. Returns "" when none exists.
func Discover() string {
	if dir, err := os.Getwd(); err == nil {
		for {
			candidate := filepath.Join(dir, FileName)
			if _, err := os.Stat(candidate); err == nil {
				return candidate
			}
			parent := filepath.Dir(dir)
			if parent == dir {
				break
			}
			dir = parent
		}
	}

	var candidates []string
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".sdrs", FileName))
	}
	candidates = append(candidates, filepath.Join("/etc/sdrs", FileName))

	for _, candidate := range candidates {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}
