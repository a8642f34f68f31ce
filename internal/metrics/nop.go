// Package metrics provides the no-op metrics collector used as the default
// when no collector option is provided.
package metrics

import "github.com/arloliu/streamq/types"

// Nop is a metrics collector that records nothing.
type Nop struct{}

var _ types.MetricsCollector = (*Nop)(nil)

// NewNop creates a no-op metrics collector.
func NewNop() *Nop {
	return &Nop{}
}

func (*Nop) RecordElectionWon()                     {}
func (*Nop) RecordLeadershipChange(string)          {}
func (*Nop) RecordProduce(string, bool)             {}
func (*Nop) RecordReplication(bool)                 {}
func (*Nop) RecordHighWaterMark(string, int, int64) {}
func (*Nop) RecordConsume(string, int)              {}
func (*Nop) RecordStoreOperation(string, float64)   {}
