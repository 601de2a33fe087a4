package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flowstack/engine/common/config"
	"github.com/flowstack/engine/common/logger"
	"github.com/flowstack/engine/common/redisx"
)

// RunRequest is one queued execution
type RunRequest struct {
	RunID       string         `json:"runId"`
	WorkflowID  string         `json:"workflowId"`
	RevisionID  string         `json:"revisionId,omitempty"`
	Environment string         `json:"environment"`
	Workspace   string         `json:"workspace,omitempty"`
	Trigger     map[string]any `json:"trigger,omitempty"`
	Attempt     int            `json:"attempt"`
	Deployed    bool           `json:"deployed,omitempty"`
	EnqueuedAt  time.Time      `json:"enqueuedAt"`
}

// Queue is the Redis Streams run queue. Producers enqueue admitted
// runs; execution workers consume through a consumer group so each run
// is delivered to exactly one worker.
type Queue struct {
	redis *redisx.Client
	cfg   config.QueueConfig
	log   *logger.Logger
}

// New builds a queue on the configured stream
func New(redis *redisx.Client, cfg config.QueueConfig, log *logger.Logger) *Queue {
	return &Queue{redis: redis, cfg: cfg, log: log}
}

// EnsureGroup creates the consumer group if it does not exist
func (q *Queue) EnsureGroup(ctx context.Context) error {
	return q.redis.CreateStreamGroup(ctx, q.cfg.Stream, q.cfg.ConsumerGroup)
}

// Enqueue appends a run request to the stream and returns the stream id
func (q *Queue) Enqueue(ctx context.Context, req *RunRequest) (string, error) {
	if req.EnqueuedAt.IsZero() {
		req.EnqueuedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal run request: %w", err)
	}

	id, err := q.redis.AddToStream(ctx, q.cfg.Stream, map[string]interface{}{
		"run_id":  req.RunID,
		"attempt": req.Attempt,
		"payload": string(payload),
	})
	if err != nil {
		return "", fmt.Errorf("enqueue run %s: %w", req.RunID, err)
	}

	q.log.Info("run enqueued",
		"run_id", req.RunID,
		"workflow_id", req.WorkflowID,
		"stream_id", id)
	return id, nil
}

// Handler processes one dequeued run. A nil return acknowledges the
// message; an error leaves it pending for redelivery.
type Handler func(ctx context.Context, req *RunRequest) error

// Consume reads the stream until the context ends, dispatching each
// message to the handler. Messages are acknowledged only after the
// handler accepts them, so a crashed worker's runs are redelivered.
func (q *Queue) Consume(ctx context.Context, consumer string, handle Handler) error {
	if err := q.EnsureGroup(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		streams, err := q.redis.ReadFromStreamGroup(ctx, q.cfg.ConsumerGroup, consumer, q.cfg.Stream, 1, q.cfg.ConsumerBlockTime)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			q.log.Error("queue read failed", "error", err)
			time.Sleep(time.Second)
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				req, err := decodeMessage(msg.Values)
				if err != nil {
					// Poisoned message: ack so it stops redelivering
					q.log.Error("drop undecodable queue message",
						"stream_id", msg.ID,
						"error", err)
					if ackErr := q.redis.AckStreamMessage(ctx, q.cfg.Stream, q.cfg.ConsumerGroup, msg.ID); ackErr != nil {
						q.log.Error("ack failed", "stream_id", msg.ID, "error", ackErr)
					}
					continue
				}

				if err := handle(ctx, req); err != nil {
					q.log.Error("run handler failed, leaving message pending",
						"run_id", req.RunID,
						"stream_id", msg.ID,
						"error", err)
					continue
				}

				if err := q.redis.AckStreamMessage(ctx, q.cfg.Stream, q.cfg.ConsumerGroup, msg.ID); err != nil {
					q.log.Error("ack failed", "stream_id", msg.ID, "error", err)
				}
			}
		}
	}
}

func decodeMessage(values map[string]interface{}) (*RunRequest, error) {
	raw, ok := values["payload"].(string)
	if !ok {
		return nil, fmt.Errorf("message has no payload field")
	}
	var req RunRequest
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		return nil, fmt.Errorf("unmarshal run request: %w", err)
	}
	if req.RunID == "" {
		return nil, fmt.Errorf("run request missing run id")
	}
	return &req, nil
}
