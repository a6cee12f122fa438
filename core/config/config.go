// Package config loads and validates engine configuration. The document is
// JSON, validated against an embedded schema before use; the capability
// allow/deny lists can be reloaded at runtime by watching the file.
package config

import (
	"bytes"
	"encoding/json"
	"os"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"

	"github.com/opal-lang/vela/core/fault"
)

// Config is the process-wide configuration surface the engine reads.
type Config struct {
	// MaxAllowedSpaceUsage is the disk-space guard limit in bytes; 0
	// disables the guard.
	MaxAllowedSpaceUsage uint64 `json:"max_allowed_space_usage"`
	// SequenceBatch is the default batch size for sequence allocation.
	SequenceBatch uint32 `json:"sequence_batch"`
	// TreeCacheSize is the capacity of the index tree-node cache.
	TreeCacheSize int `json:"tree_cache_size"`
	// Capabilities gate function execution.
	Capabilities Capabilities `json:"capabilities"`
}

// Capabilities are the function allow/deny lists. An empty allow list
// permits everything not denied; deny wins.
type Capabilities struct {
	AllowFunctions []string `json:"allow_functions"`
	DenyFunctions  []string `json:"deny_functions"`
}

const schemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "max_allowed_space_usage": {"type": "integer", "minimum": 0},
    "sequence_batch": {"type": "integer", "minimum": 1},
    "tree_cache_size": {"type": "integer", "minimum": 1},
    "capabilities": {
      "type": "object",
      "properties": {
        "allow_functions": {"type": "array", "items": {"type": "string"}},
        "deny_functions": {"type": "array", "items": {"type": "string"}}
      },
      "additionalProperties": false
    }
  },
  "additionalProperties": false
}`

var schema = jsonschema.MustCompileString("config.json", schemaJSON)

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		SequenceBatch: 250,
		TreeCacheSize: 1000,
	}
}

// Parse validates and decodes a configuration document.
func Parse(data []byte) (Config, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return Config{}, fault.New(fault.KindThrown, "configuration is not valid JSON: %v", err)
	}
	if err := schema.Validate(doc); err != nil {
		return Config{}, fault.New(fault.KindThrown, "configuration is invalid: %v", err)
	}
	cfg := Default()
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fault.New(fault.KindThrown, "configuration decode failed: %v", err)
	}
	return cfg, nil
}

// Load reads and parses a configuration file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fault.New(fault.KindThrown, "cannot read configuration: %v", err)
	}
	return Parse(data)
}

// Watch re-loads the file on change and hands the parsed result to apply.
// Invalid intermediate states are logged and skipped; the previous
// configuration stays in effect. The returned stop function ends the watch.
func Watch(path string, log *zap.Logger, apply func(Config)) (func(), error) {
	if log == nil {
		log = zap.NewNop()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fault.New(fault.KindThrown, "cannot watch configuration: %v", err)
	}
	if err := watcher.Add(path); err != nil {
		_ = watcher.Close()
		return nil, fault.New(fault.KindThrown, "cannot watch configuration: %v", err)
	}
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					log.Warn("ignoring invalid configuration reload", zap.Error(err))
					continue
				}
				log.Info("configuration reloaded", zap.String("path", path))
				apply(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn("configuration watcher error", zap.Error(err))
			}
		}
	}()
	return func() {
		close(done)
		_ = watcher.Close()
	}, nil
}
