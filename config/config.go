package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds the daemon level settings.
type ServerConfig struct {
	Listen          string `yaml:"listen"`          // bind address, form host:port or tftp://host:port. * means 0.0.0.0
	MaxConnections  int    `yaml:"maxConnections"`  // hard cap on concurrent transfers
	PayloadPoolSize int    `yaml:"payloadPoolSize"` // number of payload chunks in the ring pool
	Debug           bool   `yaml:"debug"`           // verbose tracing
	PoolDebug       bool   `yaml:"poolDebug"`       // ring pool debug setting
	RootDir         string `yaml:"rootDir"`         // directory served by the daemon main
}

// ConnectionConfig holds the per transfer settings.
type ConnectionConfig struct {
	BlockSize         int `yaml:"blockSize"`         // default DATA payload size before negotiation
	Retries           int `yaml:"retries"`           // retransmit budget per connection
	RetransmitTimeout int `yaml:"retransmitTimeout"` // seconds between retransmits
}

func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Listen:          "*:69",
		MaxConnections:  1000,
		PayloadPoolSize: 2000,
		Debug:           false,
		PoolDebug:       false,
		RootDir:         ".",
	}
}

func DefaultConnectionConfig() *ConnectionConfig {
	return &ConnectionConfig{
		BlockSize:         512,
		Retries:           3,
		RetransmitTimeout: 2,
	}
}

// fileConfig mirrors the layout of config.yaml.
type fileConfig struct {
	Server     ServerConfig     `yaml:"server"`
	Connection ConnectionConfig `yaml:"connection"`
}

// LoadConfig reads the YAML configuration file and returns the server and
// connection configurations. Missing fields keep their default values.
func LoadConfig(path string) (*ServerConfig, *ConnectionConfig, error) {
	fc := fileConfig{
		Server:     *DefaultServerConfig(),
		Connection: *DefaultConnectionConfig(),
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("error reading config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(content, &fc); err != nil {
		return nil, nil, fmt.Errorf("error parsing config file %s: %w", path, err)
	}

	srvConfig := fc.Server
	connConfig := fc.Connection
	if err := connConfig.Validate(); err != nil {
		return nil, nil, err
	}

	return &srvConfig, &connConfig, nil
}

// Validate rejects settings the protocol cannot operate with.
func (c *ConnectionConfig) Validate() error {
	if c.BlockSize < 8 || c.BlockSize > 65464 {
		return fmt.Errorf("blockSize %d is outside the valid range [8, 65464]", c.BlockSize)
	}
	if c.Retries < 0 {
		return fmt.Errorf("retries must not be negative, got %d", c.Retries)
	}
	if c.RetransmitTimeout < 1 {
		return fmt.Errorf("retransmitTimeout must be at least 1 second, got %d", c.RetransmitTimeout)
	}
	return nil
}
