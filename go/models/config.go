package models

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v8"
	"github.com/pkg/errors"
)

// EnvFlag is set by any non-empty environment value, like LD_BIND_NOW.
type EnvFlag bool

func (f *EnvFlag) UnmarshalText(text []byte) error {
	*f = len(text) > 0
	return nil
}

var DefaultSearchDirs = []string{"/lib", "/usr/lib", "/usr/local/lib"}

type Config struct {
	BindNow     EnvFlag  `env:"BIND_NOW"`
	Trace       EnvFlag  `env:"TRACE"`
	NoPrebind   EnvFlag  `env:"NOPREBIND"`
	Debug       EnvFlag  `env:"DEBUG"`
	LibraryPath []string `env:"LIBRARY_PATH" envSeparator:":"`
	TraceFile   string   `env:"TRACE_FILE"`

	Color          bool
	LoadPrefix     string
	SearchDirs     []string
	Verbose        bool
	AllowUndefined bool
	// load and list objects without relocating or running them
	ListOnly bool
}

func (c *Config) Init() *Config {
	if c.SearchDirs == nil {
		c.SearchDirs = DefaultSearchDirs
	}
	return c
}

// ParseEnv reads LD_* settings from environ (os.Environ() format).
func (c *Config) ParseEnv(environ []string) error {
	vars := make(map[string]string, len(environ))
	for _, kv := range environ {
		if k, v, ok := strings.Cut(kv, "="); ok {
			vars[k] = v
		}
	}
	err := env.ParseWithOptions(c, env.Options{Prefix: "LD_", Environment: vars})
	return errors.Wrap(err, "parsing LD_ environment")
}

func (c *Config) resolveSymlink(path, target string, force bool) string {
	link, err := os.Lstat(target)
	if err == nil && link.Mode()&os.ModeSymlink != 0 {
		if linked, err := os.Readlink(target); err == nil {
			if !filepath.IsAbs(linked) {
				return filepath.Join(filepath.Dir(target), linked)
			}
			return c.PrefixPath(linked, force)
		}
	}
	exists := !os.IsNotExist(err)
	if force || exists {
		return target
	}
	return path
}

// PrefixPath maps an absolute guest path under LoadPrefix if it exists there.
func (c *Config) PrefixPath(path string, force bool) string {
	if c.LoadPrefix == "" {
		return path
	}
	target := path
	if filepath.IsAbs(path) {
		target = filepath.Join(c.LoadPrefix, path)
	}
	return c.resolveSymlink(path, target, force)
}

// Search returns the ordered directories used for a bare library name.
func (c *Config) Search(rpath []string) []string {
	dirs := make([]string, 0, len(c.LibraryPath)+len(rpath)+len(c.SearchDirs))
	dirs = append(dirs, c.LibraryPath...)
	dirs = append(dirs, rpath...)
	dirs = append(dirs, c.SearchDirs...)
	return dirs
}
