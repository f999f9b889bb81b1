package worker

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"roundtable/internal/catalog"
	"roundtable/internal/conversation"
	"roundtable/internal/crypto"
	"roundtable/internal/metrics"
	"roundtable/internal/orchestrator"
	"roundtable/internal/queue"
	"roundtable/internal/storage"
)

const testCatalog = `
providers:
  - name: offline
    kind: scripted
personas:
  - name: alpha
    provider: offline
    model: none
  - name: beta
    provider: offline
    model: none
    tools: [get_ticket_price]
`

func newTestRunner(t *testing.T) (*Runner, *storage.Store) {
	t.Helper()
	ctx := context.Background()
	store, err := storage.Open(ctx, "sqlite", filepath.Join(t.TempDir(), "w.db"), true)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	keys, err := crypto.NewKeyring("k1", map[string][]byte{"k1": make([]byte, 32)})
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}
	c, err := catalog.Parse(strings.NewReader(testCatalog))
	if err != nil {
		t.Fatalf("parse catalog: %v", err)
	}
	if _, err := c.Sync(ctx, store, keys, nil); err != nil {
		t.Fatalf("sync catalog: %v", err)
	}

	orch := orchestrator.New(orchestrator.Options{
		Logger:   zerolog.Nop(),
		Metrics:  metrics.New(nil),
		Defaults: orchestrator.Config{MaxTurns: 4},
	})
	return NewRunner(RunnerConfig{Store: store, Keys: keys, Orchestrator: orch, Logger: zerolog.Nop()}), store
}

func TestRunnerRunsAndArchives(t *testing.T) {
	ctx := context.Background()
	r, store := newTestRunner(t)

	res, err := r.Run(ctx, RunRequest{SessionID: "s1", ChatID: 3, UserID: 4, Topic: "Plan a trip", Personas: []string{"alpha", "beta"}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.State != orchestrator.StateCompleted || res.Turns != 4 || len(res.Transcript) != 5 {
		t.Fatalf("unexpected result: state=%s turns=%d messages=%d", res.State, res.Turns, len(res.Transcript))
	}
	authors := []string{conversation.HumanAuthor, "alpha", "beta", "alpha", "beta"}
	for i, m := range res.Transcript {
		if m.Author != authors[i] {
			t.Fatalf("message %d author = %q, want %q", i, m.Author, authors[i])
		}
	}

	rec, err := store.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if rec.State != "completed" || rec.ChatID != 3 || rec.Turns != 4 {
		t.Fatalf("unexpected archive: %+v", rec)
	}
	msgs, err := store.LoadTranscript(ctx, "s1")
	if err != nil || len(msgs) != 5 {
		t.Fatalf("archived transcript: %d %v", len(msgs), err)
	}
}

func TestRunnerUnknownPersona(t *testing.T) {
	r, _ := newTestRunner(t)
	_, err := r.Run(context.Background(), RunRequest{Topic: "hi", Personas: []string{"alpha", "gamma"}})
	var unknown *UnknownPersonaError
	if !errors.As(err, &unknown) || unknown.Name != "gamma" {
		t.Fatalf("expected unknown persona gamma, got %v", err)
	}
}

func TestRunnerRejectsEmptyTopicAsFailedSession(t *testing.T) {
	r, _ := newTestRunner(t)
	res, err := r.Run(context.Background(), RunRequest{SessionID: "s2", Topic: "  ", Personas: []string{"alpha"}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	var cfgErr *orchestrator.ConfigurationError
	if res.State != orchestrator.StateFailed || !errors.As(res.Err, &cfgErr) {
		t.Fatalf("expected failed session with configuration error, got %s %v", res.State, res.Err)
	}
}

type recordingNotifier struct {
	mu       sync.Mutex
	finished []orchestrator.Result
	failed   []string
	done     chan struct{}
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{done: make(chan struct{}, 8)}
}

func (n *recordingNotifier) SessionFinished(_ context.Context, _ queue.SessionJob, res orchestrator.Result) error {
	n.mu.Lock()
	n.finished = append(n.finished, res)
	n.mu.Unlock()
	n.done <- struct{}{}
	return nil
}

func (n *recordingNotifier) JobFailed(_ context.Context, _ queue.SessionJob, reason string) error {
	n.mu.Lock()
	n.failed = append(n.failed, reason)
	n.mu.Unlock()
	n.done <- struct{}{}
	return nil
}

func TestWorkerConsumesStream(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	runner, _ := newTestRunner(t)
	q := queue.NewStreamQueue(rdb, "test:sessions", "workers", "w1", 20*time.Millisecond)
	notifier := newRecordingNotifier()
	w := New(Config{Queue: q, Runner: runner, Notifier: notifier, MaxJobRetries: 1, Logger: zerolog.Nop(), Metrics: metrics.New(nil)})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := q.EnsureGroup(ctx); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	if _, err := q.Enqueue(ctx, queue.SessionJob{Kind: queue.JobRoundtable, Topic: "Weekend in Berlin", Personas: []string{"alpha", "beta"}, MaxTurns: 2}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Enqueue(ctx, queue.SessionJob{Kind: queue.JobAsk, Topic: "hi", Personas: []string{"nobody"}}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	stopped := make(chan error, 1)
	go func() { stopped <- w.Start(ctx, 2) }()

	for i := 0; i < 2; i++ {
		select {
		case <-notifier.done:
		case <-time.After(5 * time.Second):
			t.Fatal("worker did not report both jobs")
		}
	}
	cancel()
	if err := <-stopped; err != nil {
		t.Fatalf("start: %v", err)
	}

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.finished) != 1 || notifier.finished[0].Turns != 2 {
		t.Fatalf("unexpected finished sessions: %+v", notifier.finished)
	}
	if len(notifier.failed) != 1 || !strings.Contains(notifier.failed[0], `unknown persona "nobody"`) {
		t.Fatalf("unexpected failures: %v", notifier.failed)
	}
}

type flakyStore struct {
	Store
	err error
}

func (s flakyStore) GetPersonaWithProvider(context.Context, string) (storage.PersonaWithProvider, error) {
	return storage.PersonaWithProvider{}, s.err
}

type fakeQueue struct {
	acked    []string
	requeued []queue.SessionJob
}

func (q *fakeQueue) EnsureGroup(context.Context) error { return nil }
func (q *fakeQueue) Read(context.Context, int64) ([]queue.Message, error) {
	return nil, nil
}
func (q *fakeQueue) Ack(_ context.Context, id string) error {
	q.acked = append(q.acked, id)
	return nil
}
func (q *fakeQueue) Requeue(_ context.Context, msg queue.Message) (queue.SessionJob, error) {
	job := msg.Job
	job.Attempts++
	q.requeued = append(q.requeued, job)
	return job, nil
}

func TestWorkerRetriesInfrastructureErrors(t *testing.T) {
	runner := NewRunner(RunnerConfig{
		Store:        flakyStore{err: errors.New("connection refused")},
		Orchestrator: orchestrator.New(orchestrator.Options{Logger: zerolog.Nop()}),
		Logger:       zerolog.Nop(),
	})
	fq := &fakeQueue{}
	notifier := newRecordingNotifier()
	w := New(Config{Queue: fq, Runner: runner, Notifier: notifier, MaxJobRetries: 2, Logger: zerolog.Nop(), Metrics: metrics.New(nil)})
	ctx := context.Background()
	log := zerolog.Nop()

	w.handle(ctx, log, queue.Message{ID: "1-0", Job: queue.SessionJob{JobID: "j", Topic: "t", Personas: []string{"alpha"}}})
	if len(fq.requeued) != 1 || fq.requeued[0].Attempts != 1 || len(fq.acked) != 0 {
		t.Fatalf("expected a requeue, got requeued=%v acked=%v", fq.requeued, fq.acked)
	}

	w.handle(ctx, log, queue.Message{ID: "2-0", Job: queue.SessionJob{JobID: "j", Topic: "t", Personas: []string{"alpha"}, Attempts: 2}})
	if len(fq.requeued) != 1 || len(fq.acked) != 1 || fq.acked[0] != "2-0" {
		t.Fatalf("expected terminal ack, got requeued=%v acked=%v", fq.requeued, fq.acked)
	}
	if len(notifier.failed) != 1 {
		t.Fatalf("expected requester to be told, got %v", notifier.failed)
	}

	w.handle(ctx, log, queue.Message{ID: "3-0", Err: errors.New("bad payload")})
	if len(fq.acked) != 2 || fq.acked[1] != "3-0" {
		t.Fatalf("expected undecodable entry to be acked, got %v", fq.acked)
	}
}
