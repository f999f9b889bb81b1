package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// JobAsk is a single persona answering a question with its tools.
	JobAsk = "ask"
	// JobRoundtable is several personas discussing a topic.
	JobRoundtable = "roundtable"
)

// SessionJob asks a worker to run one conversation and report back to the
// chat it came from.
type SessionJob struct {
	JobID      string    `json:"job_id"`
	Kind       string    `json:"kind"`
	ChatID     int64     `json:"chat_id"`
	UserID     int64     `json:"user_id"`
	MessageID  int64     `json:"message_id"`
	Topic      string    `json:"topic"`
	Personas   []string  `json:"personas"`
	MaxTurns   int       `json:"max_turns,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Attempts   int       `json:"attempts"`
}

type StreamQueue struct {
	redis    *redis.Client
	stream   string
	group    string
	consumer string
	block    time.Duration
}

// Message is one delivered entry. Err is set when the payload could not be
// decoded; such entries should be acked and dropped.
type Message struct {
	ID  string
	Job SessionJob
	Err error
}

func NewStreamQueue(rdb *redis.Client, stream, group, consumer string, block time.Duration) *StreamQueue {
	return &StreamQueue{
		redis:    rdb,
		stream:   stream,
		group:    group,
		consumer: consumer,
		block:    block,
	}
}

func (q *StreamQueue) EnsureGroup(ctx context.Context) error {
	if q == nil {
		return fmt.Errorf("queue is nil")
	}
	err := q.redis.XGroupCreateMkStream(ctx, q.stream, q.group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create stream group: %w", err)
	}
	return nil
}

// Enqueue appends job to the stream and returns the job with its id and
// enqueue time filled in.
func (q *StreamQueue) Enqueue(ctx context.Context, job SessionJob) (SessionJob, error) {
	if strings.TrimSpace(job.JobID) == "" {
		job.JobID = uuid.NewString()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return job, fmt.Errorf("marshal job: %w", err)
	}

	if err := q.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{"payload": payload},
	}).Err(); err != nil {
		return job, fmt.Errorf("enqueue: %w", err)
	}
	return job, nil
}

func (q *StreamQueue) Read(ctx context.Context, count int64) ([]Message, error) {
	res, err := q.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{q.stream, ">"},
		Count:    count,
		Block:    q.block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}

	out := make([]Message, 0)
	for _, s := range res {
		for _, m := range s.Messages {
			out = append(out, decode(m))
		}
	}
	return out, nil
}

func decode(m redis.XMessage) Message {
	msg := Message{ID: m.ID}
	var b []byte
	switch v := m.Values["payload"].(type) {
	case string:
		b = []byte(v)
	case []byte:
		b = v
	default:
		msg.Err = fmt.Errorf("entry %s has no payload", m.ID)
		return msg
	}
	if err := json.Unmarshal(b, &msg.Job); err != nil {
		msg.Err = fmt.Errorf("decode entry %s: %w", m.ID, err)
	}
	return msg
}

func (q *StreamQueue) Ack(ctx context.Context, messageID string) error {
	if err := q.redis.XAck(ctx, q.stream, q.group, messageID).Err(); err != nil {
		return fmt.Errorf("xack: %w", err)
	}
	if err := q.redis.XDel(ctx, q.stream, messageID).Err(); err != nil {
		return fmt.Errorf("xdel: %w", err)
	}
	return nil
}

// Requeue acks the delivered entry and appends a copy with one more
// attempt recorded.
func (q *StreamQueue) Requeue(ctx context.Context, msg Message) (SessionJob, error) {
	job := msg.Job
	job.Attempts++
	job, err := q.Enqueue(ctx, job)
	if err != nil {
		return job, err
	}
	return job, q.Ack(ctx, msg.ID)
}

func (q *StreamQueue) Consumer() string {
	return q.consumer
}

// Ping backs the readiness check.
func (q *StreamQueue) Ping(ctx context.Context) error {
	return q.redis.Ping(ctx).Err()
}
