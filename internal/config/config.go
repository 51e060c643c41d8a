// Package config loads the wasmdock configuration file.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the runtime configuration, loaded from wasmdock.yml.
type Config struct {
	DataDir  string        `yaml:"data_dir"`
	LogLevel string        `yaml:"log_level"`
	Network  NetworkConfig `yaml:"network"`
}

// NetworkConfig configures the virtual networks created at startup.
type NetworkConfig struct {
	BridgeSubnet string            `yaml:"bridge_subnet"`
	Networks     map[string]string `yaml:"networks"` // name -> subnet
}

// Load reads the config file at path, falling back to defaults when the
// file does not exist. An empty path searches ./wasmdock.yml then the user
// config directory.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	dataDir := "wasmdock-data"
	if cacheDir, err := os.UserCacheDir(); err == nil {
		dataDir = filepath.Join(cacheDir, "wasmdock")
	}
	return &Config{
		DataDir:  dataDir,
		LogLevel: "info",
	}
}

func findConfigFile() string {
	candidates := []string{"wasmdock.yml"}
	if userConfigDir, err := os.UserConfigDir(); err == nil {
		candidates = append(candidates, filepath.Join(userConfigDir, "wasmdock", "wasmdock.yml"))
	}
	for _, candidate := range candidates {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

func (c *Config) validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.Network.BridgeSubnet != "" {
		if _, err := netip.ParsePrefix(c.Network.BridgeSubnet); err != nil {
			return fmt.Errorf("network.bridge_subnet %q: %w", c.Network.BridgeSubnet, err)
		}
	}
	for name, subnet := range c.Network.Networks {
		if _, err := netip.ParsePrefix(subnet); err != nil {
			return fmt.Errorf("network.networks.%s %q: %w", name, subnet, err)
		}
	}
	return nil
}

// ImageDir returns the image cache directory under the data dir.
func (c *Config) ImageDir() string {
	return filepath.Join(c.DataDir, "images")
}
