package streamq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/arloliu/streamq/internal/coord"
	"github.com/arloliu/streamq/internal/dedup"
	"github.com/arloliu/streamq/internal/lease"
	"github.com/arloliu/streamq/internal/logging"
	"github.com/arloliu/streamq/internal/metrics"
	"github.com/arloliu/streamq/internal/replication"
	"github.com/arloliu/streamq/internal/router"
	"github.com/arloliu/streamq/internal/storage"
	"github.com/arloliu/streamq/types"
)

// Topic names become coordination store keys and log file names, so the
// accepted alphabet is the intersection of both.
var topicNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ProduceRequest is a client request to append one message.
type ProduceRequest struct {
	// ID is the producer-chosen idempotency key. Required.
	ID string `json:"id"`

	// Topic receives the message, created on first use. Required.
	Topic string `json:"topic"`

	// Key selects the partition. Empty keys route to partition 0.
	Key string `json:"key,omitempty"`

	// Payload is an opaque JSON document.
	Payload json.RawMessage `json:"payload"`
}

// ProduceResult reports the outcome of a produce.
type ProduceResult struct {
	Topic     string `json:"topic"`
	Partition int    `json:"partition"`

	// Offset is the assigned log offset, or -1 for a suppressed duplicate.
	Offset int64 `json:"offset"`

	// Duplicate is true when the message id was already accepted within
	// the deduplication window and the append was suppressed.
	Duplicate bool `json:"duplicate"`

	BrokerID string `json:"broker_id"`
}

// ConsumeResult is a batch of committed messages from one partition.
type ConsumeResult struct {
	Messages []types.Message `json:"messages"`

	// NextOffset is the offset to pass on the next poll.
	NextOffset int64 `json:"next_offset"`

	// HighWaterMark is the committed bound (exclusive) at read time.
	HighWaterMark int64 `json:"high_water_mark"`
}

// HealthStatus reports broker liveness and coordination connectivity.
type HealthStatus struct {
	Status         string `json:"status"`
	BrokerID       string `json:"broker_id"`
	Role           string `json:"role"`
	LeaderID       string `json:"leader_id,omitempty"`
	StoreConnected bool   `json:"store_connected"`
}

// Broker is a streamq broker node.
//
// A broker participates in lease-based leader election and serves one of two
// roles at a time. The leader accepts produces (idempotent by message id,
// replicated synchronously to the follower before commit) and serves
// consumes bounded by the committed high-water mark. A follower accepts only
// replicated appends from the leader and rejects client traffic with the
// leader's identity.
//
// All methods are safe for concurrent use after Start returns.
//
// Example:
//
//	nc, err := nats.Connect(nats.DefaultURL)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	cfg := streamq.DefaultConfig()
//	cfg.BrokerID = "broker-1"
//	cfg.FollowerURL = "http://localhost:9002"
//
//	broker, err := streamq.NewBroker(cfg, nc,
//		streamq.WithLogger(logging.NewSlogDefault()),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := broker.Start(context.Background()); err != nil {
//		log.Fatal(err)
//	}
//	defer broker.Stop(context.Background())
type Broker struct {
	cfg  Config
	conn *nats.Conn

	logger  types.Logger
	metrics types.MetricsCollector
	hooks   *types.Hooks

	store      types.CoordinationStore
	log        types.AppendLog
	replicator types.Replicator
	router     *router.Router
	guard      *dedup.Guard
	coord      *lease.Coordinator

	// windows holds the per-partition commit windows, keyed
	// "<topic>-<partition>". Lazily created from the persisted high-water
	// mark and discarded on step-down so a re-promoted leader rebuilds
	// them from the store.
	windows  *xsync.Map[string, *replication.Window]
	windowMu sync.Mutex

	mu      sync.Mutex
	started atomic.Bool
}

// NewBroker creates a broker from cfg over the given NATS connection.
//
// Missing configuration values are filled with defaults before validation.
// The connection may be nil only when WithStore supplies a coordination
// store. The broker does not serve until Start is called.
//
// Parameters:
//   - cfg: broker configuration, see Config
//   - nc: NATS connection used for the JetStream KV coordination store
//   - opts: optional overrides, see Option
//
// Returns:
//   - *Broker: the constructed broker
//   - error: ErrInvalidConfig or ErrConnRequired on bad inputs
func NewBroker(cfg Config, nc *nats.Conn, opts ...Option) (*Broker, error) {
	SetDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	b := &Broker{
		cfg:     cfg,
		conn:    nc,
		logger:  logging.NewNop(),
		metrics: metrics.NewNop(),
		windows: xsync.NewMap[string, *replication.Window](),
	}

	for _, opt := range opts {
		opt(b)
	}

	if b.store == nil && nc == nil {
		return nil, types.ErrConnRequired
	}

	return b, nil
}

// Start opens the partition log, connects the coordination store and begins
// the election loop. A lone broker becomes leader before Start returns.
func (b *Broker) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.started.Load() {
		return types.ErrAlreadyStarted
	}

	startCtx, cancel := context.WithTimeout(ctx, b.cfg.StartupTimeout)
	defer cancel()

	if b.store == nil {
		store, err := coord.NewNATSStore(startCtx, b.conn, coord.Config{
			LeaseBucket:  b.cfg.KVBuckets.LeaseBucket,
			LeaseTTL:     b.cfg.LeaseTTL,
			OffsetBucket: b.cfg.KVBuckets.OffsetBucket,
			LockBucket:   b.cfg.KVBuckets.LockBucket,
			LockTTL:      b.cfg.LockTTL,
			TopicBucket:  b.cfg.KVBuckets.TopicBucket,
		})
		if err != nil {
			return fmt.Errorf("failed to create coordination store: %w", err)
		}
		store.SetMetrics(b.metrics)
		b.store = store
	}

	if b.log == nil {
		log, err := storage.Open(b.cfg.DataDir, b.cfg.BrokerID)
		if err != nil {
			return fmt.Errorf("failed to open partition log: %w", err)
		}
		b.log = log
	}

	if b.replicator == nil && b.cfg.FollowerURL != "" {
		b.replicator = replication.NewHTTPReplicator(b.cfg.FollowerURL, b.cfg.ReplicationTimeout)
	}

	b.router = router.New(b.store, b.cfg.DefaultPartitions)
	b.guard = dedup.New(b.store)
	b.coord = lease.New(b.store, b.cfg.BrokerID, b.cfg.RenewInterval, b.logger, b.metrics, b.hooks)
	b.coord.SetRoleListener(b.onRoleTransition)

	if err := b.coord.Start(startCtx); err != nil {
		return err
	}

	b.started.Store(true)
	b.logger.Info("broker started",
		"broker_id", b.cfg.BrokerID,
		"role", b.coord.Role().String(),
		"data_dir", b.cfg.DataDir,
	)

	return nil
}

// Stop halts the election loop, releases the lease when held and closes the
// partition log files. A stopped broker cannot be restarted; create a new
// one to rejoin.
func (b *Broker) Stop(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.started.Load() {
		return types.ErrNotStarted
	}
	b.started.Store(false)

	if err := b.coord.Stop(ctx); err != nil && !errors.Is(err, types.ErrNotStarted) {
		b.logger.Error("failed to stop election coordinator", "error", err)
	}

	if err := b.log.Close(); err != nil {
		return fmt.Errorf("failed to close partition log: %w", err)
	}

	b.logger.Info("broker stopped", "broker_id", b.cfg.BrokerID)

	return nil
}

// Produce appends one message through the leader write path.
//
// The flow is: role check, topic provisioning, key-based partition routing,
// idempotency check, local append, synchronous replication to the follower,
// then high-water mark advancement. A message becomes visible to consumers
// only after the follower acknowledged it.
//
// Duplicates within the deduplication window succeed without re-appending;
// the result carries Duplicate=true and Offset=-1. A produce that fails
// after the idempotency check rolls back before returning: the appended
// record is cut from the log and the id is released, so the producer's
// resend is accepted as a new message.
//
// Parameters:
//   - ctx: request context, also bounds the replication round-trip together
//     with Config.ReplicationTimeout
//   - req: the produce request; ID and Topic are required
//
// Returns:
//   - ProduceResult: assignment outcome
//   - error: ErrNotLeader on a follower, ErrInvalidMessage on a malformed
//     request, ErrReplicationFailed when the follower did not acknowledge
func (b *Broker) Produce(ctx context.Context, req ProduceRequest) (ProduceResult, error) {
	if !b.started.Load() {
		return ProduceResult{}, types.ErrNotStarted
	}
	if !b.coord.IsLeader() {
		return ProduceResult{}, types.ErrNotLeader
	}

	if err := validateProduce(req); err != nil {
		return ProduceResult{}, err
	}

	count, err := b.router.EnsureTopic(ctx, req.Topic)
	if err != nil {
		return ProduceResult{}, err
	}
	partition := router.PartitionFor(req.Key, count)

	window, err := b.window(ctx, req.Topic, partition)
	if err != nil {
		return ProduceResult{}, err
	}

	if err := b.guard.Accept(ctx, req.ID); err != nil {
		if errors.Is(err, types.ErrDuplicateMessage) {
			b.metrics.RecordProduce(req.Topic, true)
			b.logger.Debug("suppressed duplicate produce", "id", req.ID, "topic", req.Topic)

			return ProduceResult{
				Topic:     req.Topic,
				Partition: partition,
				Offset:    -1,
				Duplicate: true,
				BrokerID:  b.cfg.BrokerID,
			}, nil
		}

		return ProduceResult{}, err
	}

	msg := types.Message{
		ID:        req.ID,
		Topic:     req.Topic,
		Partition: partition,
		Key:       req.Key,
		Payload:   req.Payload,
		Timestamp: time.Now().UnixMilli(),
	}

	offset, err := b.log.Append(req.Topic, partition, msg)
	if err != nil {
		b.releaseClaim(ctx, req.ID)

		return ProduceResult{}, fmt.Errorf("failed to append message: %w", err)
	}
	msg.Offset = offset

	if b.replicator != nil {
		repCtx, cancel := context.WithTimeout(ctx, b.cfg.ReplicationTimeout)
		err = b.replicator.Replicate(repCtx, msg)
		cancel()
		if err != nil {
			b.metrics.RecordReplication(false)
			b.logger.Error("replication failed, message not committed",
				"topic", req.Topic, "partition", partition, "offset", offset, "error", err)
			b.rollback(ctx, req.Topic, partition, offset, req.ID)
			b.fireError(ctx, err)

			return ProduceResult{}, err
		}
		b.metrics.RecordReplication(true)
	}

	if err := b.commit(ctx, req.Topic, partition, offset, window); err != nil {
		return ProduceResult{}, err
	}

	b.metrics.RecordProduce(req.Topic, false)

	return ProduceResult{
		Topic:     req.Topic,
		Partition: partition,
		Offset:    offset,
		BrokerID:  b.cfg.BrokerID,
	}, nil
}

// Consume reads committed messages from one partition, starting at offset.
//
// Only messages below the high-water mark are returned: an appended message
// whose replication has not completed is invisible. Reading at the high-water
// mark returns an empty batch, not an error.
//
// Returns ErrNotLeader on a follower and ErrUnknownTopicPartition when the
// topic was never created or the partition index is out of range.
func (b *Broker) Consume(ctx context.Context, topic string, partition int, offset int64) (ConsumeResult, error) {
	if !b.started.Load() {
		return ConsumeResult{}, types.ErrNotStarted
	}
	if !b.coord.IsLeader() {
		return ConsumeResult{}, types.ErrNotLeader
	}

	count, err := b.router.Partitions(ctx, topic)
	if err != nil {
		return ConsumeResult{}, err
	}
	if partition < 0 || partition >= count {
		return ConsumeResult{}, fmt.Errorf("partition %d of topic %s (%d partitions): %w",
			partition, topic, count, types.ErrUnknownTopicPartition)
	}

	window, err := b.window(ctx, topic, partition)
	if err != nil {
		return ConsumeResult{}, err
	}
	hwm := window.HighWaterMark()

	msgs, err := b.log.Read(topic, partition, offset, hwm)
	if err != nil && !errors.Is(err, types.ErrUnknownTopicPartition) {
		// A registered partition with no local appends yet reads as empty.
		return ConsumeResult{}, err
	}

	next := offset
	if next < 0 {
		next = 0
	}
	if len(msgs) > 0 {
		next = msgs[len(msgs)-1].Offset + 1
	}

	b.metrics.RecordConsume(topic, len(msgs))

	return ConsumeResult{
		Messages:      msgs,
		NextOffset:    next,
		HighWaterMark: hwm,
	}, nil
}

// Replicate applies a leader-assigned append to the local replica log.
//
// The offset must equal the replica's next local offset; a mismatch returns
// ErrOffsetMismatch and the leader fails the produce. Returns ErrNotFollower
// when this broker holds leadership.
func (b *Broker) Replicate(ctx context.Context, topic string, partition int, offset int64, msg types.Message) error {
	if !b.started.Load() {
		return types.ErrNotStarted
	}
	if b.coord.IsLeader() {
		return types.ErrNotFollower
	}

	count, err := b.router.EnsureTopic(ctx, topic)
	if err != nil {
		return err
	}
	if partition < 0 || partition >= count {
		return fmt.Errorf("partition %d of topic %s (%d partitions): %w",
			partition, topic, count, types.ErrUnknownTopicPartition)
	}

	msg.Topic = topic
	msg.Partition = partition

	if err := b.log.AppendAt(topic, partition, msg, offset); err != nil {
		return err
	}

	b.logger.Debug("replicated append", "topic", topic, "partition", partition, "offset", offset)

	return nil
}

// EnsureTopic registers a topic with an explicit partition count.
//
// Registration is create-if-absent: when the topic already exists the stored
// partition count wins and is returned unchanged. A partitions value <= 0
// uses Config.DefaultPartitions.
func (b *Broker) EnsureTopic(ctx context.Context, name string, partitions int) (types.TopicInfo, error) {
	if !b.started.Load() {
		return types.TopicInfo{}, types.ErrNotStarted
	}
	if !topicNamePattern.MatchString(name) {
		return types.TopicInfo{}, fmt.Errorf("%w: topic name %q", types.ErrInvalidMessage, name)
	}

	if partitions <= 0 {
		partitions = b.cfg.DefaultPartitions
	}

	count, err := b.store.EnsureTopic(ctx, name, partitions)
	if err != nil {
		return types.TopicInfo{}, fmt.Errorf("failed to ensure topic %s: %w", name, err)
	}

	return types.TopicInfo{Name: name, Partitions: count}, nil
}

// Topics lists all registered topics.
func (b *Broker) Topics(ctx context.Context) ([]types.TopicInfo, error) {
	if !b.started.Load() {
		return nil, types.ErrNotStarted
	}

	return b.router.Topics(ctx)
}

// Health reports liveness and coordination store connectivity.
//
// A broker with an unreachable store reports degraded but keeps serving
// reads; the election loop handles step-down separately.
func (b *Broker) Health(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status:   "healthy",
		BrokerID: b.cfg.BrokerID,
	}

	if !b.started.Load() {
		status.Status = "stopped"

		return status
	}

	status.Role = b.coord.Role().String()
	status.LeaderID = b.coord.LeaderID()
	status.StoreConnected = true

	if err := b.store.Ping(ctx); err != nil {
		status.Status = "degraded"
		status.StoreConnected = false
	}

	return status
}

// BrokerID returns this broker's identity.
func (b *Broker) BrokerID() string {
	return b.cfg.BrokerID
}

// Role returns the current election role.
func (b *Broker) Role() types.Role {
	if !b.started.Load() {
		return types.RoleFollower
	}

	return b.coord.Role()
}

// IsLeader returns true if this broker currently holds the lease.
func (b *Broker) IsLeader() bool {
	return b.Role() == types.RoleLeader
}

// LeaderID returns the last observed lease holder, or "" when unknown.
func (b *Broker) LeaderID() string {
	if !b.started.Load() {
		return ""
	}

	return b.coord.LeaderID()
}

// commit acknowledges a replicated offset and persists the high-water mark
// when the contiguous committed prefix advanced. Persistence goes through
// the window so racing commits on one partition cannot write a lower mark
// over a higher one.
func (b *Broker) commit(ctx context.Context, topic string, partition int, offset int64, window *replication.Window) error {
	hwm, advanced := window.Ack(offset)
	if !advanced {
		return nil
	}

	persisted, err := window.Persist(hwm, func(mark int64) error {
		return b.store.SetHighWaterMark(ctx, topic, partition, mark)
	})
	if err != nil {
		return fmt.Errorf("failed to persist high-water mark: %w", err)
	}
	if persisted {
		b.metrics.RecordHighWaterMark(topic, partition, hwm)
	}

	return nil
}

// window returns the commit window for (topic, partition), creating it from
// the persisted high-water mark on first use.
func (b *Broker) window(ctx context.Context, topic string, partition int) (*replication.Window, error) {
	key := fmt.Sprintf("%s-%d", topic, partition)
	if w, ok := b.windows.Load(key); ok {
		return w, nil
	}

	b.windowMu.Lock()
	defer b.windowMu.Unlock()

	if w, ok := b.windows.Load(key); ok {
		return w, nil
	}

	hwm, err := b.store.HighWaterMark(ctx, topic, partition)
	if err != nil {
		return nil, fmt.Errorf("failed to load high-water mark: %w", err)
	}

	w := replication.NewWindow(hwm)
	b.windows.Store(key, w)

	return w, nil
}

// onRoleTransition runs synchronously inside the election state machine on
// every role change. Step-down discards the commit windows before follower
// duty begins, so a later re-promotion rebuilds them from the persisted
// high-water marks instead of reusing stale in-memory state.
func (b *Broker) onRoleTransition(_, to types.Role) {
	if to != types.RoleFollower {
		return
	}

	b.windows.Range(func(key string, _ *replication.Window) bool {
		b.windows.Delete(key)

		return true
	})
}

// rollback undoes a failed produce attempt: the appended record is cut from
// the log and the idempotency claim is released so the resend is accepted.
func (b *Broker) rollback(ctx context.Context, topic string, partition int, offset int64, id string) {
	if err := b.log.Truncate(topic, partition, offset); err != nil {
		b.logger.Error("failed to roll back uncommitted append",
			"topic", topic, "partition", partition, "offset", offset, "error", err)
	}
	b.releaseClaim(ctx, id)
}

// releaseClaim returns the message id to the dedup guard.
func (b *Broker) releaseClaim(ctx context.Context, id string) {
	if err := b.guard.Release(ctx, id); err != nil {
		b.logger.Error("failed to release idempotency claim", "id", id, "error", err)
	}
}

// fireError invokes the user error hook asynchronously.
func (b *Broker) fireError(ctx context.Context, err error) {
	if b.hooks == nil || b.hooks.OnError == nil {
		return
	}

	hook := b.hooks.OnError
	go func() {
		if hookErr := hook(ctx, err); hookErr != nil {
			b.logger.Error("error hook failed", "error", hookErr)
		}
	}()
}

// validateProduce checks required request fields.
func validateProduce(req ProduceRequest) error {
	if req.ID == "" {
		return fmt.Errorf("%w: message id is required", types.ErrInvalidMessage)
	}
	if req.Topic == "" {
		return fmt.Errorf("%w: topic is required", types.ErrInvalidMessage)
	}
	if !topicNamePattern.MatchString(req.Topic) {
		return fmt.Errorf("%w: topic name %q", types.ErrInvalidMessage, req.Topic)
	}

	return nil
}
