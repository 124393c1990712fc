package webdav

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

var ErrMissingURL = errors.New("webdav: url is required")

// Config points at the collection used as sync root, for NextCloud
// https://<host>/remote.php/dav/files/<user>/<folder>.
type Config struct {
	URL      string `mapstructure:"url" yaml:"url" json:"url"`
	Username string `mapstructure:"username" yaml:"username,omitempty" json:"username,omitempty"`
	Password string `mapstructure:"password" yaml:"password,omitempty" json:"-"`
	// Timeout caps the wait for the server's response headers, one minute by
	// default. It does not limit how long a body transfer may take.
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout,omitempty" json:"timeout,omitempty"`
	// DisableInfinity walks the tree one level at a time instead of a single
	// "Depth: infinity" PROPFIND, which many servers refuse.
	DisableInfinity bool `mapstructure:"disable_infinity" yaml:"disable_infinity,omitempty" json:"disable_infinity,omitempty"`
}

func (c *Config) Validate() error {
	if c.URL == "" {
		return ErrMissingURL
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("webdav: invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("webdav: unsupported scheme %q", u.Scheme)
	}
	return nil
}
