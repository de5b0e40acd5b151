// Package config loads the region manifest the ripc-demo CLI operates on:
// which named regions to create or open, their kind, sizing, and
// SharedMessage wait policy/mode. Grounded on feeder/config's flat
// TOML-unmarshal-into-struct shape, repointed at region descriptions
// instead of exchange credentials.
package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Config is the top-level region manifest.
type Config struct {
	Messages map[string]MessageConfig `toml:"messages"`
	Queues   map[string]QueueConfig   `toml:"queues"`
}

// MessageConfig describes one SharedMessage region to create or open.
type MessageConfig struct {
	// Size is the total region size in bytes (header + payload capacity).
	Size int `toml:"size"`
	// Policy is one of "all", "count", or "" (defaults to "count" with K=0,
	// i.e. fire-and-forget).
	Policy string `toml:"policy"`
	// K is the reader-ack count for the "count" policy.
	K uint32 `toml:"k"`
	// WriteAsync/ReadAsync select WriteMode/ReadMode.
	WriteAsync bool `toml:"write_async"`
	ReadAsync  bool `toml:"read_async"`
}

// QueueConfig describes one SharedCircularQueue region to create or open.
type QueueConfig struct {
	MaxElementSize int `toml:"max_element_size"`
	Capacity       int `toml:"capacity"`
}

// Load reads and parses a region manifest from path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %q: %w", path, err)
	}

	var c Config
	if err := toml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	return &c, nil
}
