// Command streamq runs one broker node.
//
// A deployment runs two instances against the same NATS server, each
// pointing --follower-url at the other. Whichever wins the leader lease
// serves client traffic; the other accepts replicated appends and takes
// over when the lease expires.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/arloliu/streamq"
	"github.com/arloliu/streamq/internal/logging"
	"github.com/arloliu/streamq/metrics"
	"github.com/arloliu/streamq/server"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := streamq.DefaultConfig()

	var (
		natsURL    string
		listenAddr string
	)

	cmd := &cobra.Command{
		Use:   "streamq",
		Short: "Run a streamq broker node",
		Long: `Run a streamq broker node.

The broker joins leader election through the NATS JetStream KV store at
--nats-url and serves the HTTP API on --listen. With --follower-url set,
produces are replicated synchronously to the peer before they commit;
without it the broker runs in single-node mode.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cfg, natsURL, listenAddr)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfg.BrokerID, "broker-id", "", "broker identity (default: derived from hostname)")
	flags.StringVar(&listenAddr, "listen", ":9001", "HTTP listen address")
	flags.StringVar(&cfg.FollowerURL, "follower-url", "", "base URL of the peer broker (empty: single-node mode)")
	flags.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "root directory for partition log files")
	flags.StringVar(&natsURL, "nats-url", nats.DefaultURL, "NATS server URL for the coordination store")
	flags.DurationVar(&cfg.LeaseTTL, "lease-ttl", cfg.LeaseTTL, "leader lease duration")
	flags.DurationVar(&cfg.RenewInterval, "renew-interval", 0, "lease renewal cadence (default: half the lease TTL)")
	flags.DurationVar(&cfg.ReplicationTimeout, "replication-timeout", cfg.ReplicationTimeout, "follower replication round-trip bound")
	flags.DurationVar(&cfg.LockTTL, "lock-ttl", cfg.LockTTL, "idempotency deduplication window")
	flags.IntVar(&cfg.DefaultPartitions, "partitions", cfg.DefaultPartitions, "partition count for implicitly created topics")

	return cmd
}

func run(ctx context.Context, cfg streamq.Config, natsURL, listenAddr string) error {
	logger := logging.NewSlogDefault()

	nc, err := nats.Connect(natsURL,
		nats.Timeout(5*time.Second),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", natsURL, err)
	}
	defer nc.Close()

	collector := metrics.NewPrometheus(prometheus.DefaultRegisterer)

	broker, err := streamq.NewBroker(cfg, nc,
		streamq.WithLogger(logger),
		streamq.WithMetrics(collector),
	)
	if err != nil {
		return err
	}

	if err := broker.Start(ctx); err != nil {
		return err
	}

	srv := server.New(broker, listenAddr, server.WithLogger(logger))

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(srv.ListenAndServe)

	group.Go(func() error {
		<-groupCtx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown failed", "error", err)
		}

		return broker.Stop(shutdownCtx)
	})

	return group.Wait()
}
