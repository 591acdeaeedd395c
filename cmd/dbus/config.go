package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// serviceConfig describes the bus identity a long-running `dbus serve`
// process presents. It intentionally does not describe interfaces or
// methods: those are Go functions wired with Conn.Export/Conn.Handle,
// and cannot be produced from a data file.
type serviceConfig struct {
	// Names are the well-known bus names to request ownership of at
	// startup, in order. Failure to claim a name is fatal.
	Names []string `yaml:"names"`
}

func loadServiceConfig(path string) (*serviceConfig, error) {
	bs, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading service config: %w", err)
	}
	var cfg serviceConfig
	if err := yaml.Unmarshal(bs, &cfg); err != nil {
		return nil, fmt.Errorf("parsing service config %s: %w", path, err)
	}
	return &cfg, nil
}
