package types

// MetricsCollector defines methods for recording operational metrics.
//
// Implementations should be non-blocking and handle failures gracefully.
// All methods may be called from request handlers and internal goroutines
// and must be thread-safe.
//
// This interface composes smaller, domain-focused interfaces.
type MetricsCollector interface {
	ElectionMetrics
	ProduceMetrics
	ConsumeMetrics
	StoreMetrics
}

// ElectionMetrics defines metrics for lease and election events.
type ElectionMetrics interface {
	// RecordElectionWon records a successful lease acquisition.
	RecordElectionWon()

	// RecordLeadershipChange records an observed leadership change.
	RecordLeadershipChange(newLeader string)
}

// ProduceMetrics defines metrics for the write path.
type ProduceMetrics interface {
	// RecordProduce records an accepted produce request.
	// duplicate is true when the request was an idempotency hit.
	RecordProduce(topic string, duplicate bool)

	// RecordReplication records a completed leader-to-follower replication.
	RecordReplication(success bool)

	// RecordHighWaterMark sets the committed high-water mark gauge.
	RecordHighWaterMark(topic string, partition int, hwm int64)
}

// ConsumeMetrics defines metrics for the read path.
type ConsumeMetrics interface {
	// RecordConsume records messages served to a consumer.
	RecordConsume(topic string, count int)
}

// StoreMetrics defines metrics for coordination store operations.
type StoreMetrics interface {
	// RecordStoreOperation records a coordination store operation latency.
	//
	// Parameters:
	//   - op: Operation type ("acquire", "renew", "release", "hwm", "lock", "topic")
	//   - seconds: Time taken in seconds
	RecordStoreOperation(op string, seconds float64)
}
