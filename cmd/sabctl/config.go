package main

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nmxmxh/sabproxy/kernel/threads/sab"
)

// Config is the sabctl configuration file.
type Config struct {
	Region  RegionConfig   `yaml:"region"`
	Schema  string         `yaml:"schema,omitempty"`
	Objects []ObjectConfig `yaml:"objects,omitempty"`
	Log     LogConfig      `yaml:"log"`
	Metrics MetricsConfig  `yaml:"metrics"`
}

type RegionConfig struct {
	Path string `yaml:"path"`
	Size uint64 `yaml:"size"`
}

// ObjectConfig names a schema-typed object placed in the region.
type ObjectConfig struct {
	Name   string `yaml:"name"`
	Type   string `yaml:"type"`
	Offset uint64 `yaml:"offset"`
	// Capacity is the slot count when the object is a message queue
	// created by init.
	Capacity uint32 `yaml:"capacity,omitempty"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type MetricsConfig struct {
	Addr      string        `yaml:"addr"`
	Namespace string        `yaml:"namespace"`
	Shutdown  time.Duration `yaml:"shutdown_timeout"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		Region: RegionConfig{
			Path: sab.DefaultSharedMemoryPath(),
			Size: sab.REGION_SIZE_DEFAULT,
		},
		Log: LogConfig{Level: "info"},
		Metrics: MetricsConfig{
			Addr:      ":9464",
			Namespace: "sabproxy",
			Shutdown:  5 * time.Second,
		},
	}
}

// LoadConfig overlays the YAML file at path onto the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks sizes and object names.
func (c Config) Validate() error {
	if c.Region.Path == "" {
		return fmt.Errorf("region.path is empty")
	}
	if c.Region.Size < sab.REGION_SIZE_MIN || c.Region.Size > sab.REGION_SIZE_MAX {
		return fmt.Errorf("region.size %d outside [%d, %d]", c.Region.Size, sab.REGION_SIZE_MIN, sab.REGION_SIZE_MAX)
	}
	seen := make(map[string]bool)
	for _, o := range c.Objects {
		if o.Name == "" || o.Type == "" {
			return fmt.Errorf("object needs name and type: %+v", o)
		}
		if seen[o.Name] {
			return fmt.Errorf("object %q declared twice", o.Name)
		}
		seen[o.Name] = true
		if o.Offset < sab.OFFSET_DATA {
			return fmt.Errorf("object %q at %#x is below the data area %#x", o.Name, o.Offset, sab.OFFSET_DATA)
		}
	}
	return nil
}

// Object returns the named object.
func (c Config) Object(name string) (ObjectConfig, bool) {
	for _, o := range c.Objects {
		if o.Name == name {
			return o, true
		}
	}
	return ObjectConfig{}, false
}
