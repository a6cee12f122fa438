package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, uint32(250), cfg.SequenceBatch)
	assert.Equal(t, 1000, cfg.TreeCacheSize)
	assert.Zero(t, cfg.MaxAllowedSpaceUsage)
}

func TestParseFull(t *testing.T) {
	cfg, err := Parse([]byte(`{
		"max_allowed_space_usage": 1048576,
		"sequence_batch": 50,
		"tree_cache_size": 10,
		"capabilities": {
			"allow_functions": ["count"],
			"deny_functions": ["vector::"]
		}
	}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(1048576), cfg.MaxAllowedSpaceUsage)
	assert.Equal(t, uint32(50), cfg.SequenceBatch)
	assert.Equal(t, []string{"count"}, cfg.Capabilities.AllowFunctions)
	assert.Equal(t, []string{"vector::"}, cfg.Capabilities.DenyFunctions)
}

func TestParseRejectsInvalid(t *testing.T) {
	cases := []string{
		`not json`,
		`{"unknown_field": 1}`,
		`{"sequence_batch": 0}`,
		`{"max_allowed_space_usage": -1}`,
		`{"capabilities": {"allow_functions": [1]}}`,
	}
	for _, c := range cases {
		_, err := Parse([]byte(c))
		assert.Error(t, err, "input %q", c)
	}
}

func TestWatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"sequence_batch": 10}`), 0o600))

	applied := make(chan Config, 4)
	stop, err := Watch(path, nil, func(cfg Config) { applied <- cfg })
	require.NoError(t, err)
	defer stop()

	require.NoError(t, os.WriteFile(path, []byte(`{"sequence_batch": 20}`), 0o600))
	select {
	case cfg := <-applied:
		assert.Equal(t, uint32(20), cfg.SequenceBatch)
	case <-time.After(5 * time.Second):
		t.Fatal("reload was not observed")
	}

	// An invalid rewrite is skipped; the watcher stays alive.
	require.NoError(t, os.WriteFile(path, []byte(`bogus`), 0o600))
	require.NoError(t, os.WriteFile(path, []byte(`{"sequence_batch": 30}`), 0o600))
	deadline := time.After(5 * time.Second)
	for {
		select {
		case cfg := <-applied:
			if cfg.SequenceBatch == 30 {
				return
			}
		case <-deadline:
			t.Fatal("valid rewrite after an invalid one was not observed")
		}
	}
}
