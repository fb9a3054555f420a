package main

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/quince-io/quince/transport"
)

// fileConfig is the optional on-disk shape for --config: a YAML
// overlay on top of transport.NewConfig()'s defaults.
type fileConfig struct {
	ALPNProtocols  []string      `yaml:"alpnProtocols"`
	Certificates   []string      `yaml:"certificates"`
	RequireRetry   bool          `yaml:"requireRetry"`
	CIDLength      int           `yaml:"cidLength"`
	MaxIdleTimeout time.Duration `yaml:"maxIdleTimeout"`
}

func loadConfig(path string) (*transport.Config, error) {
	cfg := transport.NewConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, err
	}
	if len(fc.ALPNProtocols) > 0 {
		cfg.ALPNProtocols = fc.ALPNProtocols
	}
	if len(fc.Certificates) > 0 {
		cfg.Certificates = fc.Certificates
	}
	if fc.CIDLength > 0 {
		cfg.CIDLength = fc.CIDLength
	}
	if fc.MaxIdleTimeout > 0 {
		cfg.Params.MaxIdleTimeout = fc.MaxIdleTimeout
	}
	cfg.RequireRetry = fc.RequireRetry
	return cfg, nil
}
