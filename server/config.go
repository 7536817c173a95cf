package server

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config holds the server settings, loadable from a YAML file.
type Config struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen"`

	// Path is the index directory.
	Path string `yaml:"path"`

	// DefaultField is the field unqualified query terms search in.
	DefaultField string `yaml:"default_field"`
}

func (c Config) withDefaults() Config {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	return c
}

// LoadConfig reads a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, errors.Wrap(err, "failed to parse config file")
	}
	if config.Path == "" {
		return nil, errors.New("config is missing the index path")
	}
	return &config, nil
}
