package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	StoreMemory = "memory"
	StoreBolt   = "bolt"
	StoreAppcmd = "appcmd"
)

type Config struct {
	Env     string `yaml:"env"`
	Service string `yaml:"service"`
	LogDir  string `yaml:"log_dir"`

	Site struct {
		Name       string `yaml:"name"`
		RootFolder string `yaml:"root_folder"`
	} `yaml:"site"`

	Store struct {
		Driver     string `yaml:"driver"`
		Path       string `yaml:"path"`
		AppcmdPath string `yaml:"appcmd_path"`
	} `yaml:"store"`

	Publish struct {
		Root string `yaml:"root"`
		// OCIRef selects the OCI publisher when set, e.g.
		// registry.local:5000/testapps/web:1.0.
		OCIRef      string `yaml:"oci_ref"`
		OCIUsername string `yaml:"oci_username"`
		OCIToken    string `yaml:"oci_token"`
	} `yaml:"publish"`

	Journal struct {
		Path string `yaml:"path"`
	} `yaml:"journal"`

	Telemetry struct {
		Exporter string `yaml:"exporter"`
		Endpoint string `yaml:"endpoint"`
	} `yaml:"telemetry"`

	Broker struct {
		URL           string `yaml:"url"`
		SubjectPrefix string `yaml:"subject_prefix"`
	} `yaml:"broker"`

	API struct {
		Addr string `yaml:"addr"`
	} `yaml:"api"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Env == "" {
		c.Env = "development"
	}
	if c.Service == "" {
		c.Service = "testhost"
	}
	if c.Site.Name == "" {
		c.Site.Name = "HttpTestSite"
	}
	if c.Site.RootFolder == "" {
		c.Site.RootFolder = `%SystemDrive%\inetpub\wwwroot`
	}
	if c.Store.Driver == "" {
		c.Store.Driver = StoreBolt
	}
	if c.Store.Path == "" {
		c.Store.Path = "testhost.db"
	}
	if c.Publish.Root == "" {
		c.Publish.Root = os.TempDir()
	}
	if c.Journal.Path == "" {
		c.Journal.Path = ".testhost/journal.json"
	}
	if c.Telemetry.Exporter == "" {
		c.Telemetry.Exporter = "none"
	}
	if c.Broker.SubjectPrefix == "" {
		c.Broker.SubjectPrefix = "testhost.deployments"
	}
	if c.API.Addr == "" {
		c.API.Addr = ":8090"
	}
}

func (c *Config) Validate() error {
	switch c.Store.Driver {
	case StoreMemory, StoreBolt, StoreAppcmd:
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	return nil
}

// LoadConfig reads a YAML config file and fills in defaults for anything it
// leaves out. An empty path yields the defaults.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
