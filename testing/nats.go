// Package testing provides helpers for broker tests: an embedded NATS
// server with JetStream enabled and KV bucket shortcuts.
package testing

import (
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// StartEmbeddedNATS starts an in-process NATS server with JetStream enabled.
//
// The server stores data in a test temp directory and listens on a random
// port, so parallel tests never collide. Server and connection are cleaned
// up automatically when the test completes.
//
// Returns:
//   - *server.Server: the embedded NATS server
//   - *nats.Conn: a connected client
//
// Example:
//
//	func TestLeaderLease(t *testing.T) {
//	    _, nc := streamqtest.StartEmbeddedNATS(t)
//	    // Exercise coordination store code against nc.
//	}
func StartEmbeddedNATS(t *testing.T) (*server.Server, *nats.Conn) {
	t.Helper()

	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      -1, // random available port
		JetStream: true,
		StoreDir:  t.TempDir(),
		NoLog:     true,
		Debug:     false,
		Trace:     false,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		t.Fatalf("failed to create embedded NATS server: %v", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		t.Fatal("embedded NATS server not ready within timeout")
	}

	nc, err := nats.Connect(ns.ClientURL(),
		nats.Timeout(2*time.Second),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(3),
	)
	if err != nil {
		ns.Shutdown()
		t.Fatalf("failed to connect to embedded NATS server: %v", err)
	}

	t.Cleanup(func() {
		nc.Close()
		ns.Shutdown()
		ns.WaitForShutdown()
	})

	return ns, nc
}

// CreateKV creates an in-memory JetStream KV bucket with an optional TTL.
//
// A zero ttl creates a bucket whose keys never expire. Intended for tests
// that exercise KV semantics directly rather than through the broker.
func CreateKV(t *testing.T, nc *nats.Conn, bucket string, ttl time.Duration) jetstream.KeyValue {
	t.Helper()

	js, err := jetstream.New(nc)
	if err != nil {
		t.Fatalf("failed to create jetstream context: %v", err)
	}

	kv, err := js.CreateKeyValue(t.Context(), jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: fmt.Sprintf("test bucket %s", bucket),
		TTL:         ttl,
		Storage:     jetstream.MemoryStorage,
		Replicas:    1,
	})
	if err != nil {
		t.Fatalf("failed to create KV bucket %s: %v", bucket, err)
	}

	return kv
}
