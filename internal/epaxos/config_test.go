package epaxos

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fiveReplicaConfig() *Config {
	config := DefaultConfig()
	config.Addresses = []string{"r0", "r1", "r2", "r3", "r4"}
	return config
}

func TestValidateConfig(t *testing.T) {
	assert.NoError(t, validateConfig(fiveReplicaConfig()))

	config := fiveReplicaConfig()
	config.Addresses = nil
	assert.ErrorIs(t, validateConfig(config), ErrInvalidConfig)

	config = fiveReplicaConfig()
	config.ReplicaIndex = 5
	assert.ErrorIs(t, validateConfig(config), ErrInvalidConfig)

	config = fiveReplicaConfig()
	config.TransportKind = "carrier-pigeon"
	assert.ErrorIs(t, validateConfig(config), ErrInvalidConfig)

	config = fiveReplicaConfig()
	config.Interference = "none"
	assert.ErrorIs(t, validateConfig(config), ErrInvalidConfig)

	config = fiveReplicaConfig()
	config.ResendInterval = 0
	assert.ErrorIs(t, validateConfig(config), ErrInvalidConfig)

	config = fiveReplicaConfig()
	config.RecoveryBackoffMax = config.RecoveryBackoffBase / 2
	assert.ErrorIs(t, validateConfig(config), ErrInvalidConfig)
}

func TestQuorumSizes(t *testing.T) {
	tests := []struct {
		n          int
		f          int
		slowQuorum int
		fastQuorum int
	}{
		{3, 1, 2, 3},
		{5, 2, 3, 4},
		{7, 3, 4, 6},
		{9, 4, 5, 7},
	}

	for _, tc := range tests {
		config := DefaultConfig()
		config.Addresses = make([]string, tc.n)
		assert.Equal(t, tc.n, config.N())
		assert.Equal(t, tc.f, config.F(), "N=%d", tc.n)
		assert.Equal(t, tc.slowQuorum, config.SlowQuorum(), "N=%d", tc.n)
		assert.Equal(t, tc.fastQuorum, config.FastQuorum(), "N=%d", tc.n)
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cluster.yaml")
	content := `
replica_index: 1
addresses:
  - "127.0.0.1:7070"
  - "127.0.0.1:7071"
  - "127.0.0.1:7072"
transport: tcp
interference: kv
resend_interval: 250ms
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	config, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 1, config.ReplicaIndex)
	assert.Equal(t, 3, config.N())
	assert.Equal(t, "tcp", config.TransportKind)
	assert.Equal(t, "kv", config.Interference)
	assert.Equal(t, 250*time.Millisecond, config.ResendInterval)
	// Defaults survive a partial file
	assert.Equal(t, 5*time.Second, config.CommitTimeout)
	assert.NoError(t, validateConfig(config))
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
