package replication

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/arloliu/streamq/types"
)

// Request is the wire format of the internal replicate endpoint.
//
// The offset travels separately from the message so the follower can
// validate it explicitly: a replica must append at exactly the
// leader-assigned offset or reject.
type Request struct {
	Topic     string        `json:"topic"`
	Partition int           `json:"partition"`
	Offset    int64         `json:"offset"`
	Message   types.Message `json:"message"`
}

// HTTPReplicator forwards appends to the follower's internal replicate
// endpoint over HTTP/JSON.
//
// The client timeout bounds every replication round-trip independently of
// the lease timers. A timeout or non-200 response is a replication
// failure; the caller surfaces it to the producer without retrying.
type HTTPReplicator struct {
	baseURL string
	client  *http.Client
}

// Compile-time assertion that HTTPReplicator implements Replicator.
var _ types.Replicator = (*HTTPReplicator)(nil)

// NewHTTPReplicator creates a replicator targeting the follower at baseURL.
func NewHTTPReplicator(baseURL string, timeout time.Duration) *HTTPReplicator {
	return &HTTPReplicator{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// Replicate posts msg to the follower and waits for its acknowledgment.
func (r *HTTPReplicator) Replicate(ctx context.Context, msg types.Message) error {
	body, err := json.Marshal(Request{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Message:   msg,
	})
	if err != nil {
		return fmt.Errorf("failed to encode replication request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/internal/replicate", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build replication request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: follower unreachable: %w", types.ErrReplicationFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

		return fmt.Errorf("%w: follower returned %d: %s", types.ErrReplicationFailed, resp.StatusCode, bytes.TrimSpace(detail))
	}

	return nil
}
