package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/arloliu/streamq"
	"github.com/arloliu/streamq/internal/replication"
	"github.com/arloliu/streamq/types"
)

// errorResponse is the body of every non-200 response.
type errorResponse struct {
	Error string `json:"error"`

	// LeaderID is set on not-leader rejections when the leader is known,
	// so clients can redirect without a metadata round-trip.
	LeaderID string `json:"leader_id,omitempty"`
}

type topicsResponse struct {
	Topics []types.TopicInfo `json:"topics"`
}

type createTopicRequest struct {
	Name       string `json:"name"`
	Partitions int    `json:"partitions"`
}

type leaderResponse struct {
	LeaderID string `json:"leader_id"`
	BrokerID string `json:"broker_id"`
	Role     string `json:"role"`
	IsLeader bool   `json:"is_leader"`
}

func (s *Server) handleProduce(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, r)

		return
	}

	var req streamq.ProduceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body: " + err.Error()})

		return
	}

	result, err := s.broker.Produce(r.Context(), req)
	if err != nil {
		s.writeError(w, err)

		return
	}

	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleConsume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, r)

		return
	}

	query := r.URL.Query()

	topic := query.Get("topic")
	if topic == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "topic query parameter is required"})

		return
	}

	partition, err := strconv.Atoi(query.Get("partition"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "partition query parameter must be an integer"})

		return
	}

	offset := int64(0)
	if raw := query.Get("offset"); raw != "" {
		offset, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "offset query parameter must be an integer"})

			return
		}
	}

	result, err := s.broker.Consume(r.Context(), topic, partition, offset)
	if err != nil {
		s.writeError(w, err)

		return
	}

	// An empty batch marshals as [], not null.
	if result.Messages == nil {
		result.Messages = []types.Message{}
	}

	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleTopics(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		topics, err := s.broker.Topics(r.Context())
		if err != nil {
			s.writeError(w, err)

			return
		}
		if topics == nil {
			topics = []types.TopicInfo{}
		}

		s.writeJSON(w, http.StatusOK, topicsResponse{Topics: topics})

	case http.MethodPost:
		var req createTopicRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body: " + err.Error()})

			return
		}

		info, err := s.broker.EnsureTopic(r.Context(), req.Name, req.Partitions)
		if err != nil {
			s.writeError(w, err)

			return
		}

		s.writeJSON(w, http.StatusOK, info)

	default:
		s.methodNotAllowed(w, r)
	}
}

func (s *Server) handleLeader(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, r)

		return
	}

	s.writeJSON(w, http.StatusOK, leaderResponse{
		LeaderID: s.broker.LeaderID(),
		BrokerID: s.broker.BrokerID(),
		Role:     s.broker.Role().String(),
		IsLeader: s.broker.IsLeader(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, r)

		return
	}

	health := s.broker.Health(r.Context())

	status := http.StatusOK
	if health.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}

	s.writeJSON(w, status, health)
}

func (s *Server) handleReplicate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, r)

		return
	}

	var req replication.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body: " + err.Error()})

		return
	}

	if err := s.broker.Replicate(r.Context(), req.Topic, req.Partition, req.Offset, req.Message); err != nil {
		s.writeError(w, err)

		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeError maps broker errors onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	resp := errorResponse{Error: err.Error()}

	var status int
	switch {
	case errors.Is(err, streamq.ErrNotLeader):
		resp.LeaderID = s.broker.LeaderID()
		if resp.LeaderID == "" {
			status = http.StatusServiceUnavailable
		} else {
			status = http.StatusBadRequest
		}
	case errors.Is(err, streamq.ErrInvalidMessage), errors.Is(err, streamq.ErrNotFollower):
		status = http.StatusBadRequest
	case errors.Is(err, streamq.ErrUnknownTopicPartition):
		status = http.StatusNotFound
	case errors.Is(err, streamq.ErrOffsetMismatch):
		status = http.StatusConflict
	case errors.Is(err, types.ErrNotStarted):
		status = http.StatusServiceUnavailable
	default:
		// Replication and coordination store failures surface as 500: the
		// request was valid but the cluster could not commit it.
		status = http.StatusInternalServerError
	}

	s.writeJSON(w, status, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusMethodNotAllowed, errorResponse{
		Error: r.Method + " is not supported on " + r.URL.Path,
	})
}
