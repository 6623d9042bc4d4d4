package epaxos

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds the replica configuration
type Config struct {
	// ReplicaIndex is this replica's position in Addresses
	ReplicaIndex int `yaml:"replica_index"`

	// Addresses lists every replica in the cluster; a replica's index in this
	// list is its identity in ballots and instances
	Addresses []string `yaml:"addresses"`

	// BindAddr is the address this replica binds to. Defaults to
	// Addresses[ReplicaIndex].
	BindAddr string `yaml:"bind_addr"`

	// TransportKind selects the wire transport: "udp" or "tcp"
	TransportKind string `yaml:"transport"`

	// Interference selects the conflict predicate: "all" or "kv"
	Interference string `yaml:"interference"`

	// ResendInterval is how often PreAccepts, Accepts and Prepares are re-sent
	// to replicas that have not answered
	ResendInterval time.Duration `yaml:"resend_interval"`

	// SlowPathTimeout is how long a leader holding a slow quorum of
	// PreAcceptOks waits for a fast quorum before defaulting to the slow path
	SlowPathTimeout time.Duration `yaml:"slow_path_timeout"`

	// CommitTimeout is how long an acceptor waits for a PreAccepted or
	// Accepted instance to commit before suspecting the leader and starting
	// recovery
	CommitTimeout time.Duration `yaml:"commit_timeout"`

	// RecoveryBackoffBase and RecoveryBackoffMax bound the randomised
	// exponential backoff between a Nack and the next Prepare attempt
	RecoveryBackoffBase time.Duration `yaml:"recovery_backoff_base"`
	RecoveryBackoffMax  time.Duration `yaml:"recovery_backoff_max"`

	// Logger for debugging
	Logger Logger `yaml:"-"`
}

// DefaultConfig returns a Config with sensible default values
func DefaultConfig() *Config {
	return &Config{
		TransportKind:       "udp",
		Interference:        "all",
		ResendInterval:      500 * time.Millisecond,
		SlowPathTimeout:     50 * time.Millisecond,
		CommitTimeout:       5 * time.Second,
		RecoveryBackoffBase: 50 * time.Millisecond,
		RecoveryBackoffMax:  2 * time.Second,
		Logger:              &defaultLogger{},
	}
}

// LoadConfig reads a YAML config file on top of the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return config, nil
}

// validateConfig validates the configuration
func validateConfig(config *Config) error {
	if len(config.Addresses) == 0 {
		return fmt.Errorf("%w: Addresses list is required", ErrInvalidConfig)
	}
	if config.ReplicaIndex < 0 || config.ReplicaIndex >= len(config.Addresses) {
		return fmt.Errorf("%w: ReplicaIndex %d out of range for %d addresses",
			ErrInvalidConfig, config.ReplicaIndex, len(config.Addresses))
	}
	if config.TransportKind != "udp" && config.TransportKind != "tcp" {
		return fmt.Errorf("%w: unknown transport %q", ErrInvalidConfig, config.TransportKind)
	}
	if config.Interference != "all" && config.Interference != "kv" {
		return fmt.Errorf("%w: unknown interference predicate %q", ErrInvalidConfig, config.Interference)
	}
	if config.ResendInterval <= 0 || config.SlowPathTimeout <= 0 || config.CommitTimeout <= 0 {
		return fmt.Errorf("%w: timer intervals must be positive", ErrInvalidConfig)
	}
	if config.RecoveryBackoffBase <= 0 || config.RecoveryBackoffMax < config.RecoveryBackoffBase {
		return fmt.Errorf("%w: recovery backoff bounds must satisfy 0 < base <= max", ErrInvalidConfig)
	}
	return nil
}

// N is the number of replicas in the cluster.
func (c *Config) N() int {
	return len(c.Addresses)
}

// F is the number of tolerated failures, N/2.
func (c *Config) F() int {
	return c.N() / 2
}

// SlowQuorum is the simple majority N/2+1 required by the Accept and Prepare
// phases.
func (c *Config) SlowQuorum() int {
	return c.N()/2 + 1
}

// FastQuorum is N - N/4 total PreAcceptOks (the leader's own included)
// required before a fast-path commit may be considered.
func (c *Config) FastQuorum() int {
	return c.N() - c.N()/4
}
