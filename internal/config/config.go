package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/openmined/twinsync/internal/backend"
	"github.com/openmined/twinsync/internal/backend/s3"
	"github.com/openmined/twinsync/internal/backend/webdav"
	"github.com/openmined/twinsync/internal/snapshot"
	"github.com/openmined/twinsync/internal/utils"
	"gopkg.in/yaml.v3"
)

var (
	home, _            = os.UserHomeDir()
	DefaultConfigDir   = filepath.Join(home, ".twinsync")
	DefaultConfigPath  = filepath.Join(DefaultConfigDir, "config.yaml")
	DefaultStateDir    = filepath.Join(DefaultConfigDir, "state")
	DefaultLogFilePath = filepath.Join(DefaultConfigDir, "logs", "twinsync.log")
)

const (
	BackendLocal  = "local"
	BackendS3     = "s3"
	BackendWebDAV = "webdav"

	StateFormatJSON   = "json"
	StateFormatSQLite = "sqlite"

	DefaultWorkers = 1
)

var ErrInvalidConfig = errors.New("invalid config")

// BackendConfig declares one side of the pair. Exactly one of Root, S3 or
// WebDAV is used, depending on Type.
type BackendConfig struct {
	ID     string         `mapstructure:"id" yaml:"id"`
	Label  string         `mapstructure:"label" yaml:"label,omitempty"`
	Type   string         `mapstructure:"type" yaml:"type"`
	Root   string         `mapstructure:"root" yaml:"root,omitempty"`
	S3     *s3.Config     `mapstructure:"s3" yaml:"s3,omitempty"`
	WebDAV *webdav.Config `mapstructure:"webdav" yaml:"webdav,omitempty"`
}

// DisplayLabel is the name used in conflict copies, the ID when no label is
// set.
func (b *BackendConfig) DisplayLabel() string {
	if b.Label != "" {
		return b.Label
	}
	return b.ID
}

type Config struct {
	Backends      []BackendConfig `mapstructure:"backends" yaml:"backends"`
	StateDir      string          `mapstructure:"state_dir" yaml:"state_dir"`
	StateFormat   string          `mapstructure:"state_format" yaml:"state_format"`
	IgnoreFolders []string        `mapstructure:"ignore_folders" yaml:"ignore_folders,omitempty"`
	IgnoreFile    string          `mapstructure:"ignore_file" yaml:"ignore_file,omitempty"`
	Displace      string          `mapstructure:"displace" yaml:"displace,omitempty"`
	Workers       int             `mapstructure:"workers" yaml:"workers"`
	TempDir       string          `mapstructure:"temp_dir" yaml:"temp_dir,omitempty"`
	LogFile       string          `mapstructure:"log_file" yaml:"log_file,omitempty"`
	Simulate      bool            `mapstructure:"simulate" yaml:"-"`
	Verbose       bool            `mapstructure:"verbose" yaml:"-"`
	Path          string          `mapstructure:"-" yaml:"-"`
}

// Template is written by `twinsync init`: a local folder paired with a
// NextCloud collection.
func Template() *Config {
	return &Config{
		Backends: []BackendConfig{
			{ID: "a", Label: "local", Type: BackendLocal, Root: filepath.Join(home, "TwinSync")},
			{ID: "b", Label: "nextcloud", Type: BackendWebDAV, WebDAV: &webdav.Config{
				URL:      "https://cloud.example.com/remote.php/dav/files/USER/TwinSync",
				Username: "USER",
				Password: "${TWINSYNC_WEBDAV_PASSWORD}",
			}},
		},
		StateDir:    DefaultStateDir,
		StateFormat: StateFormatJSON,
		Workers:     DefaultWorkers,
	}
}

// IDs returns the backend IDs in declaration order.
func (c *Config) IDs() []backend.ID {
	ids := make([]backend.ID, len(c.Backends))
	for i, b := range c.Backends {
		ids[i] = backend.ID(b.ID)
	}
	return ids
}

// Validate fills in defaults, resolves paths and checks the record. Every
// failure wraps ErrInvalidConfig and names the offending field.
func (c *Config) Validate() error {
	c.applyDefaults()

	if len(c.Backends) != 2 {
		return invalid("backends", fmt.Errorf("want exactly 2, got %d", len(c.Backends)))
	}

	seen := make(map[string]bool, 2)
	for i := range c.Backends {
		b := &c.Backends[i]
		field := fmt.Sprintf("backends[%d]", i)
		if err := b.validate(); err != nil {
			return invalid(field, err)
		}
		if seen[b.ID] {
			return invalid(field+".id", fmt.Errorf("duplicate id %q", b.ID))
		}
		seen[b.ID] = true
	}

	if c.Displace != "" && !seen[c.Displace] {
		return invalid("displace", fmt.Errorf("%q is not a backend id", c.Displace))
	}

	switch c.StateFormat {
	case StateFormatJSON, StateFormatSQLite:
	default:
		return invalid("state_format", fmt.Errorf("unsupported format %q", c.StateFormat))
	}

	if c.Workers < 1 {
		return invalid("workers", fmt.Errorf("must be at least 1, got %d", c.Workers))
	}

	var err error
	if c.StateDir, err = utils.ResolvePath(c.StateDir); err != nil {
		return invalid("state_dir", err)
	}
	if c.IgnoreFile != "" {
		if c.IgnoreFile, err = utils.ResolvePath(c.IgnoreFile); err != nil {
			return invalid("ignore_file", err)
		}
	}
	if c.TempDir != "" {
		if c.TempDir, err = utils.ResolvePath(c.TempDir); err != nil {
			return invalid("temp_dir", err)
		}
	}
	if c.LogFile != "" {
		if c.LogFile, err = utils.ResolvePath(c.LogFile); err != nil {
			return invalid("log_file", err)
		}
	}

	return nil
}

func (c *Config) applyDefaults() {
	if c.StateDir == "" {
		c.StateDir = DefaultStateDir
	}
	if c.StateFormat == "" {
		c.StateFormat = StateFormatJSON
	}
	c.StateFormat = strings.ToLower(c.StateFormat)
	if c.Workers == 0 {
		c.Workers = DefaultWorkers
	}
}

func (b *BackendConfig) validate() error {
	if b.ID == "" {
		return errors.New("id is required")
	}
	if strings.ContainsAny(b.ID, "/\\") {
		return fmt.Errorf("id %q must not contain a path separator", b.ID)
	}
	if snapshot.ReservedID(backend.ID(b.ID)) {
		return fmt.Errorf("id %q is reserved", b.ID)
	}

	switch b.Type {
	case BackendLocal:
		if b.Root == "" {
			return errors.New("root is required for a local backend")
		}
		root, err := utils.ResolvePath(b.Root)
		if err != nil {
			return fmt.Errorf("root: %w", err)
		}
		b.Root = root
	case BackendS3:
		if b.S3 == nil {
			return errors.New("s3 section is required")
		}
		return b.S3.Validate()
	case BackendWebDAV:
		if b.WebDAV == nil {
			return errors.New("webdav section is required")
		}
		return b.WebDAV.Validate()
	default:
		return fmt.Errorf("unsupported type %q", b.Type)
	}
	return nil
}

// expandEnv substitutes ${VAR} references in the fields that usually carry
// credentials, so secrets can live in the environment or a .env file.
func (c *Config) expandEnv() {
	for i := range c.Backends {
		b := &c.Backends[i]
		b.Root = os.ExpandEnv(b.Root)
		if b.S3 != nil {
			b.S3.Bucket = os.ExpandEnv(b.S3.Bucket)
			b.S3.Endpoint = os.ExpandEnv(b.S3.Endpoint)
			b.S3.AccessKey = os.ExpandEnv(b.S3.AccessKey)
			b.S3.SecretKey = os.ExpandEnv(b.S3.SecretKey)
		}
		if b.WebDAV != nil {
			b.WebDAV.URL = os.ExpandEnv(b.WebDAV.URL)
			b.WebDAV.Username = os.ExpandEnv(b.WebDAV.Username)
			b.WebDAV.Password = os.ExpandEnv(b.WebDAV.Password)
		}
	}
}

// Save writes the config as YAML. The file may hold credentials and is
// readable by the owner only.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := utils.WriteFileAtomic(path, data, 0o600); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	c.Path = path
	return nil
}

func invalid(field string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrInvalidConfig, field, err)
}
