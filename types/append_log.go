package types

// AppendLog is an append-only, per-(topic, partition) ordered message store
// with monotonic offsets.
//
// Offsets are 0-based, dense and strictly increasing within a partition;
// there are no gaps and no reuse. Appends to the same partition are
// serialized by the implementation; different partitions may append
// concurrently. Physical backing (flat files, embedded store) is an
// implementation detail.
type AppendLog interface {
	// Append stores msg at the next offset of (topic, partition) and
	// returns the assigned offset.
	Append(topic string, partition int, msg Message) (int64, error)

	// AppendAt stores msg at exactly the given offset. Used by the
	// replication-receive path: replicas never assign offsets themselves.
	// Returns an error wrapping ErrOffsetMismatch when offset is not the
	// next offset of the partition.
	AppendAt(topic string, partition int, msg Message, offset int64) error

	// Truncate removes the records at and above offset from the partition.
	// Used by the leader to roll back an append whose replication failed;
	// replicas accept offsets strictly in order, so the tail from the failed
	// offset on is uncommitted everywhere. Truncating at or past the end is
	// a no-op.
	Truncate(topic string, partition int, from int64) error

	// Read returns messages in [from, upperExclusive). The result is empty
	// when from >= upperExclusive or from is out of range. Returns an error
	// wrapping ErrUnknownTopicPartition when the partition was never
	// created.
	Read(topic string, partition int, from, upperExclusive int64) ([]Message, error)

	// Length returns the number of messages appended to the partition,
	// committed or not. Returns 0 for partitions that were never created.
	Length(topic string, partition int) int64

	// Close releases any resources held by the log.
	Close() error
}
