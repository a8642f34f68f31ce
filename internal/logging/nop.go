package logging

import "github.com/arloliu/streamq/types"

// NopLogger discards all log output.
type NopLogger struct{}

var _ types.Logger = (*NopLogger)(nil)

// NewNop creates a logger that discards everything. Used as the default
// when no logger option is provided.
func NewNop() *NopLogger {
	return &NopLogger{}
}

func (*NopLogger) Debug(string, ...any) {}
func (*NopLogger) Info(string, ...any)  {}
func (*NopLogger) Warn(string, ...any)  {}
func (*NopLogger) Error(string, ...any) {}
func (*NopLogger) Fatal(string, ...any) {}
