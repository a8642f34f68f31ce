package types

import "encoding/json"

// Message is a single record in a partition log.
//
// The ID is the producer-supplied idempotency key. Offset is assigned by the
// leader on append and is authoritative; replicas must store the message at
// exactly that offset. A message is immutable once appended.
type Message struct {
	// ID is the producer-supplied idempotency key, unique per logical message.
	ID string `json:"id"`

	// Topic is the topic this message was produced to.
	Topic string `json:"topic"`

	// Partition is the partition index within the topic.
	Partition int `json:"partition"`

	// Key is the routing key used for partition selection. May be empty,
	// in which case the message was routed to the default partition.
	Key string `json:"key,omitempty"`

	// Payload is the opaque message body.
	Payload json.RawMessage `json:"payload"`

	// Timestamp is the broker-side receive time in Unix milliseconds.
	Timestamp int64 `json:"timestamp"`

	// Offset is the position of the message within its partition,
	// assigned on append. 0-based, dense, strictly increasing.
	Offset int64 `json:"offset"`
}

// TopicInfo describes a registered topic.
type TopicInfo struct {
	// Name is the unique topic name.
	Name string `json:"name"`

	// Partitions is the fixed partition count, set at creation.
	Partitions int `json:"partitions"`
}
