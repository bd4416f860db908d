package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// File is the optional YAML form of the CLI surface. Flags given on the
// command line take precedence over file values.
type File struct {
	Listen     string `yaml:"listen"`
	MasterURL  string `yaml:"master_url"`
	ReplicaURL string `yaml:"replica_url"`

	Username string `yaml:"username"`
	Password string `yaml:"password"`

	ConnectTimeoutMS uint64 `yaml:"connect_timeout_ms"`
	ReplicaTimeoutMS uint64 `yaml:"replica_timeout_ms"`
}

// LoadFile reads and parses a YAML config file.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse config file %q: %w", path, err)
	}
	return &f, nil
}
