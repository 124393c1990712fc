package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	configFileName = "config"
	EnvPrefix      = "TWINSYNC"
)

// NewViper reads the config file at path, or searches ~/.twinsync and
// ~/.config/twinsync when path is empty. A missing file is not an error; the
// record then comes from env and flags alone and Validate reports what is
// missing. Env vars use the TWINSYNC_ prefix, e.g. TWINSYNC_STATE_DIR.
func NewViper(path string) (*viper.Viper, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(DefaultConfigDir)
		v.AddConfigPath(filepath.Join(home, ".config", "twinsync"))
		v.SetConfigName(configFileName)
		v.SetConfigType("yaml")
	}

	v.SetDefault("state_dir", DefaultStateDir)
	v.SetDefault("state_format", StateFormatJSON)
	v.SetDefault("workers", DefaultWorkers)
	v.SetDefault("ignore_folders", []string{})
	v.SetDefault("ignore_file", "")
	v.SetDefault("displace", "")
	v.SetDefault("temp_dir", "")
	v.SetDefault("log_file", "")
	v.SetDefault("simulate", false)
	v.SetDefault("verbose", false)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		_, ok := err.(viper.ConfigFileNotFoundError)
		if !enoent && !ok {
			return nil, fmt.Errorf("config read '%s': %w", v.ConfigFileUsed(), err)
		}
	}

	return v, nil
}

// Load decodes the settings held by v into a validated Config.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	cfg.Path = v.ConfigFileUsed()
	cfg.expandEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFile is NewViper followed by Load.
func LoadFile(path string) (*Config, error) {
	v, err := NewViper(path)
	if err != nil {
		return nil, err
	}
	return Load(v)
}
