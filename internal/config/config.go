package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// DefaultFile is looked up in the working directory when no --config is given
const DefaultFile = "cloudctl.toml"

// Config is the project file, cloudctl.toml
type Config struct {
	EnvID    string `toml:"env_id"`
	Region   string `toml:"region"`
	// Endpoint overrides the per-product API host, mostly for testing
	Endpoint string `toml:"endpoint"`

	Functions []Function `toml:"functions"`
	Services  []Service  `toml:"services"`
	Storage   Storage    `toml:"storage"`
	Admin     Admin      `toml:"admin"`

	// Path is where the file was read from, empty when no file exists
	Path string `toml:"-"`
}

// Function describes one cloud function deployable from this project
type Function struct {
	Name     string            `toml:"name"`
	Dir      string            `toml:"dir"`
	Runtime  string            `toml:"runtime"`
	Handler  string            `toml:"handler"`
	Timeout  int               `toml:"timeout"`
	MemoryMB int               `toml:"memory"`
	Env      map[string]string `toml:"env"`
	Layers   []string          `toml:"layers"`
	Ignore   []string          `toml:"ignore"`
}

// Service describes one container service
type Service struct {
	Name         string            `toml:"name"`
	Dir          string            `toml:"dir"`
	Port         int               `toml:"port"`
	CPU          float64           `toml:"cpu"`
	MemGB        float64           `toml:"mem"`
	MinInstances int               `toml:"min_instances"`
	MaxInstances int               `toml:"max_instances"`
	Dockerfile   string            `toml:"dockerfile"`
	Env          map[string]string `toml:"env"`
	Ignore       []string          `toml:"ignore"`
}

// Storage configures the S3-compatible bucket used for code packages
type Storage struct {
	Bucket    string `toml:"bucket"`
	Region    string `toml:"region"`
	Endpoint  string `toml:"endpoint"`
	Prefix    string `toml:"prefix"`
	PathStyle bool   `toml:"path_style"`
}

// Admin configures the admin gateway server
type Admin struct {
	Host       string   `toml:"host"`
	Port       string   `toml:"port"`
	DBPath     string   `toml:"db_path"`
	TokenHash  string   `toml:"token_hash"`
	ExportDir  string   `toml:"export_dir"`
	Workers    int      `toml:"workers"`
	JobTimeout Duration `toml:"job_timeout"`
}

// Duration lets durations be written as "90s" in TOML
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// Load reads the config file at path. A missing file at the default
// location is not an error and yields an empty config; an explicitly
// requested file must exist.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = os.Getenv("CLOUDCTL_CONFIG")
		explicit = path != ""
	}
	if path == "" {
		path = DefaultFile
	}

	cfg := &Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			cfg.applyDefaults()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	cfg.Path = path

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	cfg.applyDefaults()

	return cfg, nil
}

// Dir returns the directory relative paths in the config are resolved against
func (c *Config) Dir() string {
	if c.Path == "" {
		return "."
	}
	return filepath.Dir(c.Path)
}

// Function looks up a function entry by name
func (c *Config) Function(name string) (*Function, bool) {
	for i := range c.Functions {
		if c.Functions[i].Name == name {
			return &c.Functions[i], true
		}
	}
	return nil, false
}

// Service looks up a service entry by name
func (c *Config) Service(name string) (*Service, bool) {
	for i := range c.Services {
		if c.Services[i].Name == name {
			return &c.Services[i], true
		}
	}
	return nil, false
}

// FunctionNames lists configured function names in file order
func (c *Config) FunctionNames() []string {
	names := make([]string, 0, len(c.Functions))
	for _, fn := range c.Functions {
		names = append(names, fn.Name)
	}
	return names
}

// ServiceNames lists configured service names in file order
func (c *Config) ServiceNames() []string {
	names := make([]string, 0, len(c.Services))
	for _, svc := range c.Services {
		names = append(names, svc.Name)
	}
	return names
}

func (c *Config) validate() error {
	seen := map[string]bool{}
	for _, fn := range c.Functions {
		if fn.Name == "" {
			return errors.New("function entry without name")
		}
		if seen["fn:"+fn.Name] {
			return fmt.Errorf("duplicate function %q", fn.Name)
		}
		seen["fn:"+fn.Name] = true
	}
	for _, svc := range c.Services {
		if svc.Name == "" {
			return errors.New("service entry without name")
		}
		if seen["svc:"+svc.Name] {
			return fmt.Errorf("duplicate service %q", svc.Name)
		}
		seen["svc:"+svc.Name] = true
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Region == "" {
		c.Region = "ap-shanghai"
	}
	for i := range c.Functions {
		fn := &c.Functions[i]
		if fn.Dir == "" {
			fn.Dir = filepath.Join("functions", fn.Name)
		}
		if fn.Runtime == "" {
			fn.Runtime = "Nodejs16.13"
		}
		if fn.Handler == "" {
			fn.Handler = "index.main"
		}
		if fn.Timeout == 0 {
			fn.Timeout = 10
		}
		if fn.MemoryMB == 0 {
			fn.MemoryMB = 256
		}
	}
	for i := range c.Services {
		svc := &c.Services[i]
		if svc.Dir == "" {
			svc.Dir = "."
		}
		if svc.Port == 0 {
			svc.Port = 80
		}
		if svc.CPU == 0 {
			svc.CPU = 0.5
		}
		if svc.MemGB == 0 {
			svc.MemGB = 1
		}
		if svc.MaxInstances == 0 {
			svc.MaxInstances = 5
		}
		if svc.Dockerfile == "" {
			svc.Dockerfile = "Dockerfile"
		}
	}
	if c.Admin.Host == "" {
		c.Admin.Host = "localhost"
	}
	if c.Admin.Port == "" {
		c.Admin.Port = "8080"
	}
	if c.Admin.DBPath == "" {
		c.Admin.DBPath = "cloudctl-admin.db"
	}
	if c.Admin.ExportDir == "" {
		c.Admin.ExportDir = "exports"
	}
	if c.Admin.Workers == 0 {
		c.Admin.Workers = 2
	}
	if c.Admin.JobTimeout.Duration == 0 {
		c.Admin.JobTimeout.Duration = 10 * time.Minute
	}
}

// EnvName is the environment variable consulted for a parameter, e.g.
// "env-id" -> CLOUDCTL_ENV_ID
func EnvName(param string) string {
	return "CLOUDCTL_" + strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(param))
}

// Source records where a resolved value came from
type Source string

const (
	SourceNone   Source = ""
	SourceFlag   Source = "flag"
	SourceEnv    Source = "env"
	SourceConfig Source = "config"
)

// Resolve returns the first non-empty value of flag, CLOUDCTL_<PARAM> and
// the config value, together with where it came from.
func Resolve(param, flagValue, configValue string) (string, Source) {
	if flagValue != "" {
		return flagValue, SourceFlag
	}
	if v := os.Getenv(EnvName(param)); v != "" {
		return v, SourceEnv
	}
	if configValue != "" {
		return configValue, SourceConfig
	}
	return "", SourceNone
}
