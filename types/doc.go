// Package types defines the shared types and capability interfaces of the
// streamq broker: messages, roles, sentinel errors, and the contracts for
// the coordination store, append log, replicator, logger, metrics collector
// and lifecycle hooks.
//
// Keeping interfaces here lets implementations live in internal packages
// while consumers depend only on small, mockable contracts.
package types
