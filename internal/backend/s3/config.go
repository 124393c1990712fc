package s3

import (
	"errors"
	"strings"
)

var ErrMissingBucket = errors.New("s3: bucket is required")

// Config locates the sync root inside a bucket. Endpoint switches to path
// style addressing, for MinIO and other S3 compatible stores.
type Config struct {
	Bucket        string `mapstructure:"bucket" yaml:"bucket" json:"bucket"`
	Prefix        string `mapstructure:"prefix" yaml:"prefix,omitempty" json:"prefix,omitempty"`
	Region        string `mapstructure:"region" yaml:"region,omitempty" json:"region,omitempty"`
	Endpoint      string `mapstructure:"endpoint" yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	AccessKey     string `mapstructure:"access_key" yaml:"access_key,omitempty" json:"-"`
	SecretKey     string `mapstructure:"secret_key" yaml:"secret_key,omitempty" json:"-"`
	UseAccelerate bool   `mapstructure:"use_accelerate" yaml:"use_accelerate,omitempty" json:"use_accelerate,omitempty"`
}

func (c *Config) Validate() error {
	if c.Bucket == "" {
		return ErrMissingBucket
	}
	return nil
}

// keyPrefix is the object key prefix of the sync root, "" or ending in "/".
func (c *Config) keyPrefix() string {
	p := strings.Trim(c.Prefix, "/")
	if p == "" {
		return ""
	}
	return p + "/"
}
