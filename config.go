package streamq

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

// KVBucketConfig configures the NATS JetStream KV bucket names used by the
// coordination store.
type KVBucketConfig struct {
	// LeaseBucket holds the leader lease. Bucket TTL = LeaseTTL.
	LeaseBucket string `yaml:"leaseBucket"`

	// OffsetBucket holds committed high-water marks (no TTL).
	OffsetBucket string `yaml:"offsetBucket"`

	// LockBucket holds idempotency locks. Bucket TTL = LockTTL.
	LockBucket string `yaml:"lockBucket"`

	// TopicBucket holds the topic registry (no TTL).
	TopicBucket string `yaml:"topicBucket"`
}

// Config is the configuration for a Broker.
//
// All duration fields accept standard Go duration strings like "10s", "5m".
type Config struct {
	// BrokerID uniquely identifies this broker process. Defaults to
	// "broker-<hostname>-<random suffix>".
	BrokerID string `yaml:"brokerId"`

	// DataDir is the root directory for partition log files. Logs live
	// under <DataDir>/<BrokerID>/ so co-located leader and follower
	// copies never collide.
	DataDir string `yaml:"dataDir"`

	// FollowerURL is the base URL of the follower's internal replication
	// endpoint. When empty the broker runs in single-node mode and
	// commits writes without replication.
	FollowerURL string `yaml:"followerUrl"`

	// LeaseTTL is the leader lease duration. An unrenewed lease expires
	// after this long, bounding failover latency.
	LeaseTTL time.Duration `yaml:"leaseTtl"`

	// RenewInterval is the lease renewal and watch cadence.
	// Defaults to LeaseTTL/2 so a leader survives one missed renewal.
	RenewInterval time.Duration `yaml:"renewInterval"`

	// ReplicationTimeout bounds each replication round-trip to the
	// follower, independently of the lease timers.
	ReplicationTimeout time.Duration `yaml:"replicationTimeout"`

	// LockTTL bounds the idempotency deduplication window. Duplicates
	// arriving after expiry are treated as new messages.
	LockTTL time.Duration `yaml:"lockTtl"`

	// DefaultPartitions is the partition count for topics created
	// implicitly on first produce.
	DefaultPartitions int `yaml:"defaultPartitions"`

	// StartupTimeout bounds bucket creation and the initial election
	// during Start.
	StartupTimeout time.Duration `yaml:"startupTimeout"`

	// KVBuckets names the coordination store buckets.
	KVBuckets KVBucketConfig `yaml:"kvBuckets"`
}

// DefaultConfig returns the default broker configuration.
func DefaultConfig() Config {
	return Config{
		DataDir:            "data",
		LeaseTTL:           10 * time.Second,
		ReplicationTimeout: 3 * time.Second,
		LockTTL:            time.Hour,
		DefaultPartitions:  3,
		StartupTimeout:     30 * time.Second,
		KVBuckets: KVBucketConfig{
			LeaseBucket:  "streamq-lease",
			OffsetBucket: "streamq-offsets",
			LockBucket:   "streamq-locks",
			TopicBucket:  "streamq-topics",
		},
	}
}

// SetDefaults fills in missing configuration values with defaults.
func SetDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.BrokerID == "" {
		cfg.BrokerID = defaultBrokerID()
	}
	if cfg.DataDir == "" {
		cfg.DataDir = defaults.DataDir
	}
	if cfg.LeaseTTL == 0 {
		cfg.LeaseTTL = defaults.LeaseTTL
	}
	if cfg.RenewInterval == 0 {
		// Heartbeat margin: renew twice per lease lifetime.
		cfg.RenewInterval = cfg.LeaseTTL / 2
	}
	if cfg.ReplicationTimeout == 0 {
		cfg.ReplicationTimeout = defaults.ReplicationTimeout
	}
	if cfg.LockTTL == 0 {
		cfg.LockTTL = defaults.LockTTL
	}
	if cfg.DefaultPartitions == 0 {
		cfg.DefaultPartitions = defaults.DefaultPartitions
	}
	if cfg.StartupTimeout == 0 {
		cfg.StartupTimeout = defaults.StartupTimeout
	}
	if cfg.KVBuckets.LeaseBucket == "" {
		cfg.KVBuckets.LeaseBucket = defaults.KVBuckets.LeaseBucket
	}
	if cfg.KVBuckets.OffsetBucket == "" {
		cfg.KVBuckets.OffsetBucket = defaults.KVBuckets.OffsetBucket
	}
	if cfg.KVBuckets.LockBucket == "" {
		cfg.KVBuckets.LockBucket = defaults.KVBuckets.LockBucket
	}
	if cfg.KVBuckets.TopicBucket == "" {
		cfg.KVBuckets.TopicBucket = defaults.KVBuckets.TopicBucket
	}
}

// Validate checks configuration invariants.
func (cfg *Config) Validate() error {
	if cfg.BrokerID == "" {
		return fmt.Errorf("%w: BrokerID is required", ErrInvalidConfig)
	}
	if cfg.LeaseTTL <= 0 {
		return fmt.Errorf("%w: LeaseTTL must be > 0, got %v", ErrInvalidConfig, cfg.LeaseTTL)
	}
	if cfg.RenewInterval <= 0 || cfg.RenewInterval >= cfg.LeaseTTL {
		return fmt.Errorf(
			"%w: RenewInterval (%v) must be > 0 and < LeaseTTL (%v) to renew before expiry",
			ErrInvalidConfig, cfg.RenewInterval, cfg.LeaseTTL,
		)
	}
	if cfg.ReplicationTimeout <= 0 {
		return fmt.Errorf("%w: ReplicationTimeout must be > 0, got %v", ErrInvalidConfig, cfg.ReplicationTimeout)
	}
	if cfg.LockTTL <= 0 {
		return fmt.Errorf("%w: LockTTL must be > 0, got %v", ErrInvalidConfig, cfg.LockTTL)
	}
	if cfg.DefaultPartitions <= 0 {
		return fmt.Errorf("%w: DefaultPartitions must be > 0, got %d", ErrInvalidConfig, cfg.DefaultPartitions)
	}

	return nil
}

// defaultBrokerID builds a process-unique broker identity.
func defaultBrokerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}

	return fmt.Sprintf("broker-%s-%s", host, uuid.NewString()[:8])
}
