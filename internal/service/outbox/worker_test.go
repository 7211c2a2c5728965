package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/subplat/internal/domain"
)

func TestWorker_ProcessOnce_MarkSent(t *testing.T) {
	t.Parallel()

	repo := &stubOutboxRepo{
		pending: []domain.OutboxMessage{
			{
				ID:            "msg-1",
				AggregateType: "cart",
				AggregateID:   "cart-1",
				EventType:     "checkout.succeeded",
				Payload:       []byte(`{"state":"success"}`),
			},
		},
	}
	publisher := &stubPublisher{}

	worker := NewWorker(
		repo,
		publisher,
		WithRetryBaseDelay(0),
		WithMaxAttempts(3),
	)

	worker.ProcessOnce(context.Background())

	if got := len(repo.sentIDs); got != 1 {
		t.Fatalf("expected 1 sent mark, got %d", got)
	}
	if repo.sentIDs[0] != "msg-1" {
		t.Fatalf("expected sent id msg-1, got %s", repo.sentIDs[0])
	}
	if got := len(repo.failedIDs); got != 0 {
		t.Fatalf("expected 0 failed marks, got %d", got)
	}
	if got := publisher.calls(); got != 1 {
		t.Fatalf("expected 1 publish call, got %d", got)
	}
}

func TestWorker_ProcessOnce_MarkFailedAndDLQAfterRetries(t *testing.T) {
	t.Parallel()

	repo := &stubOutboxRepo{
		pending: []domain.OutboxMessage{
			{
				ID:            "msg-2",
				AggregateType: "cart",
				AggregateID:   "cart-2",
				EventType:     "checkout.failed",
				Payload:       []byte(`{"state":"fail"}`),
			},
		},
	}
	publisher := &stubPublisher{err: errors.New("publish failed")}
	dlqPublisher := &stubPublisher{}

	worker := NewWorker(
		repo,
		publisher,
		WithDLQPublisher(dlqPublisher),
		WithRetryBaseDelay(0),
		WithMaxAttempts(3),
	)

	worker.ProcessOnce(context.Background())

	if got := publisher.calls(); got != 3 {
		t.Fatalf("expected 3 publish attempts, got %d", got)
	}
	if got := len(repo.sentIDs); got != 0 {
		t.Fatalf("expected 0 sent marks, got %d", got)
	}
	if got := len(repo.failedIDs); got != 1 {
		t.Fatalf("expected 1 failed mark, got %d", got)
	}
	if repo.failedIDs[0] != "msg-2" {
		t.Fatalf("expected failed id msg-2, got %s", repo.failedIDs[0])
	}
	if got := dlqPublisher.calls(); got != 1 {
		t.Fatalf("expected 1 DLQ publish, got %d", got)
	}
}

func TestWorker_ProcessOnce_SuccessAfterRetry(t *testing.T) {
	t.Parallel()

	repo := &stubOutboxRepo{
		pending: []domain.OutboxMessage{
			{
				ID:            "msg-3",
				AggregateType: "cart",
				AggregateID:   "cart-3",
				EventType:     "checkout.succeeded",
				Payload:       []byte(`{"state":"success"}`),
			},
		},
	}
	publisher := &stubPublisher{
		sequenceErrors: []error{
			errors.New("attempt 1"),
			errors.New("attempt 2"),
			nil,
		},
	}

	worker := NewWorker(
		repo,
		publisher,
		WithRetryBaseDelay(0),
		WithMaxAttempts(3),
	)

	worker.ProcessOnce(context.Background())

	if got := publisher.calls(); got != 3 {
		t.Fatalf("expected 3 publish attempts, got %d", got)
	}
	if got := len(repo.sentIDs); got != 1 {
		t.Fatalf("expected 1 sent mark, got %d", got)
	}
	if got := len(repo.failedIDs); got != 0 {
		t.Fatalf("expected 0 failed marks, got %d", got)
	}
}

func TestWorker_DLQPayloadCarriesPublishError(t *testing.T) {
	t.Parallel()

	repo := &stubOutboxRepo{
		pending: []domain.OutboxMessage{
			{
				ID:            "msg-4",
				AggregateType: "cart",
				AggregateID:   "cart-4",
				EventType:     "cart.created",
				Payload:       []byte(`{"cart_id":"cart-4"}`),
			},
		},
	}
	publisher := &stubPublisher{err: errors.New("broker down")}
	dlqPublisher := &stubPublisher{}

	worker := NewWorker(
		repo,
		publisher,
		WithDLQPublisher(dlqPublisher),
		WithRetryBaseDelay(0),
		WithMaxAttempts(2),
	)

	worker.ProcessOnce(context.Background())

	if dlqPublisher.calls() != 1 {
		t.Fatalf("expected 1 DLQ publish, got %d", dlqPublisher.calls())
	}

	dlqMsg := dlqPublisher.lastMessage()
	if dlqMsg.ID != "msg-4" || dlqMsg.AggregateID != "cart-4" {
		t.Fatalf("DLQ message must preserve identifiers, got %+v", dlqMsg)
	}

	var payload map[string]any
	if err := json.Unmarshal(dlqMsg.Payload, &payload); err != nil {
		t.Fatalf("decode DLQ payload: %v", err)
	}
	publishError, _ := payload["publish_error"].(string)
	if !strings.Contains(publishError, "broker down") {
		t.Fatalf("DLQ payload must carry publish error, got %q", publishError)
	}
	if payload["outbox_id"] != "msg-4" {
		t.Fatalf("DLQ payload must carry outbox id, got %v", payload["outbox_id"])
	}
}

func TestWorker_RetryBackoffDoubles(t *testing.T) {
	t.Parallel()

	worker := NewWorker(&stubOutboxRepo{}, &stubPublisher{}, WithRetryBaseDelay(10*time.Millisecond))

	if got := worker.retryBackoff(1); got != 10*time.Millisecond {
		t.Fatalf("attempt 1: expected base delay, got %s", got)
	}
	if got := worker.retryBackoff(2); got != 20*time.Millisecond {
		t.Fatalf("attempt 2: expected doubled delay, got %s", got)
	}
	if got := worker.retryBackoff(4); got != 80*time.Millisecond {
		t.Fatalf("attempt 4: expected 8x delay, got %s", got)
	}
}

func TestNewWorker_NormalizesOptions(t *testing.T) {
	t.Parallel()

	worker := NewWorker(
		&stubOutboxRepo{},
		&stubPublisher{},
		WithPollInterval(-time.Second),
		WithBatchSize(-1),
		WithMaxAttempts(0),
		WithRetryBaseDelay(-time.Second),
	)

	if worker.pollInterval != defaultPollInterval {
		t.Fatalf("expected default poll interval, got %s", worker.pollInterval)
	}
	if worker.batchSize != defaultBatchSize {
		t.Fatalf("expected default batch size, got %d", worker.batchSize)
	}
	if worker.maxAttempts != defaultMaxAttempts {
		t.Fatalf("expected default max attempts, got %d", worker.maxAttempts)
	}
	if worker.retryBaseDelay != 0 {
		t.Fatalf("expected zero retry delay, got %s", worker.retryBaseDelay)
	}
}

type stubOutboxRepo struct {
	pending   []domain.OutboxMessage
	sentIDs   []string
	failedIDs []string
}

func (s *stubOutboxRepo) Enqueue(msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	return msg, nil
}

func (s *stubOutboxRepo) PullPending(limit int) ([]domain.OutboxMessage, error) {
	if limit <= 0 || limit >= len(s.pending) {
		return append([]domain.OutboxMessage(nil), s.pending...), nil
	}
	return append([]domain.OutboxMessage(nil), s.pending[:limit]...), nil
}

func (s *stubOutboxRepo) Stats() (domain.OutboxStats, error) {
	stats := domain.OutboxStats{
		PendingCount: len(s.pending),
	}
	if len(s.pending) > 0 {
		stats.OldestPendingAt = time.Now().UTC().Add(-time.Second)
	}
	return stats, nil
}

func (s *stubOutboxRepo) MarkSent(id string) error {
	s.sentIDs = append(s.sentIDs, id)
	return nil
}

func (s *stubOutboxRepo) MarkFailed(id string) error {
	s.failedIDs = append(s.failedIDs, id)
	return nil
}

type stubPublisher struct {
	mu             sync.Mutex
	err            error
	sequenceErrors []error
	callCount      int
	last           domain.OutboxMessage
}

func (s *stubPublisher) Publish(msg domain.OutboxMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.callCount++
	s.last = msg
	if len(s.sequenceErrors) > 0 {
		err := s.sequenceErrors[0]
		s.sequenceErrors = s.sequenceErrors[1:]
		return err
	}

	return s.err
}

func (s *stubPublisher) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callCount
}

func (s *stubPublisher) lastMessage() domain.OutboxMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

var _ domain.OutboxRepository = (*stubOutboxRepo)(nil)
var _ domain.OutboxPublisher = (*stubPublisher)(nil)

func TestWorker_Run_StopsOnContextCancel(t *testing.T) {
	t.Parallel()

	repo := &stubOutboxRepo{}
	publisher := &stubPublisher{}

	worker := NewWorker(
		repo,
		publisher,
		WithPollInterval(5*time.Millisecond),
		WithRetryBaseDelay(0),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(ctx)
	}()

	time.Sleep(15 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Fatal("worker did not stop on context cancel")
	}
}
