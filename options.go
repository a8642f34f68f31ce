package streamq

import "github.com/arloliu/streamq/types"

// Option configures a Broker during construction.
type Option func(*Broker)

// WithLogger sets the logger. Defaults to a no-op logger.
//
// Use logging.NewSlogDefault() to log through the standard library's slog.
func WithLogger(logger types.Logger) Option {
	return func(b *Broker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithMetrics sets the metrics collector. Defaults to a no-op collector.
func WithMetrics(collector types.MetricsCollector) Option {
	return func(b *Broker) {
		if collector != nil {
			b.metrics = collector
		}
	}
}

// WithHooks registers lifecycle hooks.
//
// Hooks run asynchronously; a slow hook never blocks the election loop or
// the produce path.
func WithHooks(hooks *types.Hooks) Option {
	return func(b *Broker) {
		b.hooks = hooks
	}
}

// WithStore overrides the coordination store. When set, the NATS connection
// passed to NewBroker may be nil. Intended for tests and alternative
// coordination backends.
func WithStore(store types.CoordinationStore) Option {
	return func(b *Broker) {
		b.store = store
	}
}

// WithReplicator overrides the follower replicator built from
// Config.FollowerURL. Intended for tests.
func WithReplicator(replicator types.Replicator) Option {
	return func(b *Broker) {
		b.replicator = replicator
	}
}

// WithAppendLog overrides the file-backed partition log. Intended for tests
// and alternative storage backends.
func WithAppendLog(log types.AppendLog) Option {
	return func(b *Broker) {
		b.log = log
	}
}
