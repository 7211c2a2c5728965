package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/IBM/sarama"
)

func TestParseBrokers(t *testing.T) {
	brokers := parseBrokers(" broker-1:9092, ,broker-2:9092 ")
	if len(brokers) != 2 {
		t.Fatalf("unexpected brokers count: got=%d want=2", len(brokers))
	}
	if brokers[0] != "broker-1:9092" || brokers[1] != "broker-2:9092" {
		t.Fatalf("unexpected brokers: %+v", brokers)
	}
}

func TestConfigValidate(t *testing.T) {
	valid := config{
		brokers:     []string{"broker:9092"},
		sourceTopic: "subplat.cart.dlq",
		targetTopic: "subplat.cart.events",
		limit:       10,
		idleTimeout: time.Second,
	}
	if err := valid.validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name    string
		mutate  func(*config)
		wantErr string
	}{
		{"no brokers", func(c *config) { c.brokers = nil }, "kafka brokers are required"},
		{"no source topic", func(c *config) { c.sourceTopic = " " }, "source-topic is required"},
		{"no target topic", func(c *config) { c.targetTopic = "" }, "target-topic is required"},
		{"zero limit", func(c *config) { c.limit = 0 }, "limit must be > 0"},
		{"zero idle timeout", func(c *config) { c.idleTimeout = 0 }, "idle-timeout must be > 0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)

			err := cfg.validate()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestReadConfig_FromFlags(t *testing.T) {
	withFlagArgs(t, []string{
		"-brokers=broker-1:9092,broker-2:9092",
		"-source-topic=subplat.cart.dlq",
		"-target-topic=subplat.cart.events",
		"-limit=10",
		"-execute=true",
		"-from-newest=true",
		"-idle-timeout=3s",
	}, func() {
		cfg, err := readConfig()
		if err != nil {
			t.Fatalf("readConfig failed: %v", err)
		}
		if len(cfg.brokers) != 2 {
			t.Fatalf("unexpected brokers count: %d", len(cfg.brokers))
		}
		if cfg.limit != 10 {
			t.Fatalf("unexpected limit: %d", cfg.limit)
		}
		if !cfg.execute || !cfg.fromNewest {
			t.Fatalf("expected execute and from-newest flags set: %+v", cfg)
		}
		if cfg.idleTimeout != 3*time.Second {
			t.Fatalf("unexpected idle-timeout: %s", cfg.idleTimeout)
		}
	})
}

func TestReadConfig_MissingBrokers(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "")

	withFlagArgs(t, []string{"-brokers="}, func() {
		_, err := readConfig()
		if err == nil || !strings.Contains(err.Error(), "kafka brokers are required") {
			t.Fatalf("expected brokers validation error, got: %v", err)
		}
	})
}

func TestExtractReplayMessage_RebuildsReplayEnvelope(t *testing.T) {
	message := &sarama.ConsumerMessage{Value: dlqFixture("cart-1")}

	got, ok, err := extractReplayMessage(message, "subplat.cart.events")
	if err != nil {
		t.Fatalf("extractReplayMessage failed: %v", err)
	}
	if !ok {
		t.Fatal("expected replay candidate")
	}
	if got.topic != "subplat.cart.events" {
		t.Fatalf("unexpected topic: %s", got.topic)
	}
	if got.key != "cart-1" {
		t.Fatalf("unexpected key: %s", got.key)
	}

	var replay replayEnvelope
	if err := json.Unmarshal(got.value, &replay); err != nil {
		t.Fatalf("decode replay envelope: %v", err)
	}
	if replay.ID != "out-cart-1" || replay.AggregateID != "cart-1" {
		t.Fatalf("unexpected replay identifiers: %+v", replay)
	}
	if replay.EventType != "checkout.succeeded" {
		t.Fatalf("unexpected event type: %s", replay.EventType)
	}
	if string(replay.Payload) != `{"cart_id":"cart-1"}` {
		t.Fatalf("unexpected original payload: %s", string(replay.Payload))
	}
	if replay.PublishedAt.IsZero() {
		t.Fatal("replay envelope must carry a fresh published_at")
	}
}

func TestExtractReplayMessage_MissingNestedPayload(t *testing.T) {
	raw := []byte(`{
		"id": "out-1",
		"aggregate_type": "cart",
		"aggregate_id": "cart-1",
		"event_type": "checkout.succeeded",
		"payload": {
			"outbox_id": "out-1",
			"aggregate_id": "cart-1",
			"event_type": "checkout.succeeded"
		}
	}`)

	_, ok, err := extractReplayMessage(&sarama.ConsumerMessage{Value: raw}, "subplat.cart.events")
	if err == nil {
		t.Fatal("expected error for missing nested payload")
	}
	if ok {
		t.Fatal("expected no replay candidate")
	}
}

func TestExtractReplayMessage_UnknownPayload(t *testing.T) {
	message := &sarama.ConsumerMessage{Value: []byte(`{"foo":"bar"}`)}

	_, ok, err := extractReplayMessage(message, "subplat.cart.events")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected message to be skipped")
	}
}

func TestFirstNonEmpty(t *testing.T) {
	if got := firstNonEmpty("", "  ", "x", "y"); got != "x" {
		t.Fatalf("unexpected first non-empty value: %q", got)
	}
	if got := firstNonEmpty("", " "); got != "" {
		t.Fatalf("expected empty result, got %q", got)
	}
}

func TestPublishReplay(t *testing.T) {
	if err := publishReplay(nil, replayCandidate{}); err == nil {
		t.Fatal("expected error for nil producer")
	}

	producer := &stubReplayProducer{}
	err := publishReplay(producer, replayCandidate{topic: "topic", key: "key", value: []byte(`{"x":1}`)})
	if err != nil {
		t.Fatalf("publishReplay failed: %v", err)
	}
	if producer.calls != 1 {
		t.Fatalf("unexpected producer calls: %d", producer.calls)
	}
	if producer.lastMsg == nil || producer.lastMsg.Topic != "topic" {
		t.Fatalf("unexpected last message: %+v", producer.lastMsg)
	}

	producer.sendErr = errors.New("send failed")
	if err := publishReplay(producer, replayCandidate{topic: "topic"}); err == nil {
		t.Fatal("expected publishReplay error")
	}
}

func TestDrainPartition_DryRun(t *testing.T) {
	deps := newStubDeps(map[int32][]*sarama.ConsumerMessage{
		0: {{Partition: 0, Offset: 0, Value: dlqFixture("cart-1")}},
	})

	cfg := replayTestConfig()
	stats, err := drainPartition(context.Background(), deps, cfg, 0, 10)
	if err != nil {
		t.Fatalf("drainPartition failed: %v", err)
	}
	if stats.scanned != 1 || stats.replayed != 1 || stats.skipped != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	source := deps.consumer.(*stubPartitionConsumerSource)
	if len(source.calls) != 1 || source.calls[0].offset != 0 {
		t.Fatalf("unexpected consume calls: %+v", source.calls)
	}
}

func TestDrainPartition_Execute(t *testing.T) {
	deps := newStubDeps(map[int32][]*sarama.ConsumerMessage{
		0: {{Partition: 0, Offset: 0, Value: dlqFixture("cart-1")}},
	})
	producer := &stubReplayProducer{}
	deps.producer = producer

	cfg := replayTestConfig()
	cfg.execute = true

	stats, err := drainPartition(context.Background(), deps, cfg, 0, 10)
	if err != nil {
		t.Fatalf("drainPartition failed: %v", err)
	}
	if stats.replayed != 1 {
		t.Fatalf("expected replayed=1, got %+v", stats)
	}
	if producer.calls != 1 {
		t.Fatalf("expected one producer call, got %d", producer.calls)
	}
}

func TestDrainPartition_ErrorBranches(t *testing.T) {
	cfg := replayTestConfig()
	cfg.execute = true

	t.Run("offset error", func(t *testing.T) {
		deps := newStubDeps(nil)
		deps.client.(*stubOffsetClient).offsetErr = map[int32]error{0: errors.New("offset")}
		deps.producer = &stubReplayProducer{}

		if _, err := drainPartition(context.Background(), deps, cfg, 0, 1); err == nil {
			t.Fatal("expected offset error")
		}
	})

	t.Run("consume error", func(t *testing.T) {
		deps := newStubDeps(nil)
		deps.consumer = &stubPartitionConsumerSource{consumeErr: errors.New("consume")}
		deps.producer = &stubReplayProducer{}

		if _, err := drainPartition(context.Background(), deps, cfg, 0, 1); err == nil {
			t.Fatal("expected consume error")
		}
	})

	t.Run("consumer error channel", func(t *testing.T) {
		pc := &stubPartitionConsumer{
			messages: make(chan *sarama.ConsumerMessage),
			errors:   make(chan *sarama.ConsumerError, 1),
		}
		pc.errors <- &sarama.ConsumerError{Err: errors.New("consumer boom")}
		close(pc.errors)
		defer close(pc.messages)

		deps := newStubDeps(nil)
		deps.consumer = &stubPartitionConsumerSource{consumers: map[int32]partitionConsumer{0: pc}}
		deps.producer = &stubReplayProducer{}

		if _, err := drainPartition(context.Background(), deps, cfg, 0, 1); err == nil {
			t.Fatal("expected consumer error branch")
		}
	})

	t.Run("bad payload is skipped", func(t *testing.T) {
		deps := newStubDeps(map[int32][]*sarama.ConsumerMessage{
			0: {{Partition: 0, Offset: 0, Value: []byte(`{"id":"x","payload":"not-an-object"}`)}},
		})
		deps.producer = &stubReplayProducer{}

		stats, err := drainPartition(context.Background(), deps, cfg, 0, 1)
		if err != nil {
			t.Fatalf("unexpected bad-payload error: %v", err)
		}
		if stats.skipped != 1 {
			t.Fatalf("expected skipped=1, got %+v", stats)
		}
	})

	t.Run("producer send error", func(t *testing.T) {
		deps := newStubDeps(map[int32][]*sarama.ConsumerMessage{
			0: {{Partition: 0, Offset: 0, Value: dlqFixture("cart-1")}},
		})
		deps.producer = &stubReplayProducer{sendErr: errors.New("send fail")}

		if _, err := drainPartition(context.Background(), deps, cfg, 0, 1); err == nil {
			t.Fatal("expected producer send error")
		}
	})
}

func TestDrainPartition_IdleTimeoutAndContext(t *testing.T) {
	cfg := replayTestConfig()
	cfg.idleTimeout = 10 * time.Millisecond

	idlePC := &stubPartitionConsumer{
		messages: make(chan *sarama.ConsumerMessage),
		errors:   make(chan *sarama.ConsumerError),
	}
	deps := newStubDeps(nil)
	deps.consumer = &stubPartitionConsumerSource{consumers: map[int32]partitionConsumer{0: idlePC}}

	stats, err := drainPartition(context.Background(), deps, cfg, 0, 1)
	if err != nil {
		t.Fatalf("unexpected idle-timeout error: %v", err)
	}
	if stats.scanned != 0 {
		t.Fatalf("expected scanned=0, got %+v", stats)
	}
	close(idlePC.messages)
	close(idlePC.errors)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	canceledPC := &stubPartitionConsumer{
		messages: make(chan *sarama.ConsumerMessage),
		errors:   make(chan *sarama.ConsumerError),
	}
	deps.consumer = &stubPartitionConsumerSource{consumers: map[int32]partitionConsumer{0: canceledPC}}

	if _, err := drainPartition(ctx, deps, cfg, 0, 1); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
	close(canceledPC.messages)
	close(canceledPC.errors)
}

func TestReplayDLQ(t *testing.T) {
	cfg := replayTestConfig()
	cfg.limit = 1

	if err := replayDLQ(context.Background(), cfg, replayDeps{}); err == nil {
		t.Fatal("expected missing deps error")
	}

	deps := newStubDeps(map[int32][]*sarama.ConsumerMessage{
		0: {{Partition: 0, Offset: 0, Value: dlqFixture("cart-1")}},
		2: {{Partition: 2, Offset: 0, Value: dlqFixture("cart-2")}},
	})

	if err := replayDLQ(context.Background(), cfg, deps); err != nil {
		t.Fatalf("replayDLQ failed: %v", err)
	}
	source := deps.consumer.(*stubPartitionConsumerSource)
	if len(source.calls) != 1 {
		t.Fatalf("expected one partition due limit=1, got calls=%d", len(source.calls))
	}
	if source.calls[0].partition != 0 {
		t.Fatalf("expected first sorted partition=0, got %d", source.calls[0].partition)
	}

	executeCfg := cfg
	executeCfg.execute = true
	if err := replayDLQ(context.Background(), executeCfg, deps); err == nil {
		t.Fatal("expected execute mode to require producer")
	}

	emptyDeps := newStubDeps(nil)
	emptyDeps.client.(*stubOffsetClient).partitions = nil
	if err := replayDLQ(context.Background(), cfg, emptyDeps); err != nil {
		t.Fatalf("expected nil error for empty partitions, got %v", err)
	}
}

func TestRun_ClosesDependencies(t *testing.T) {
	oldDeps := newReplayDeps
	defer func() { newReplayDeps = oldDeps }()

	cfg := replayTestConfig()
	cfg.limit = 1

	newReplayDeps = func(config) (replayDeps, error) {
		return replayDeps{}, errors.New("deps failed")
	}
	if err := run(context.Background(), cfg); err == nil || !strings.Contains(err.Error(), "deps failed") {
		t.Fatalf("expected deps error, got %v", err)
	}

	deps := newStubDeps(map[int32][]*sarama.ConsumerMessage{
		0: {{Partition: 0, Offset: 0, Value: dlqFixture("cart-1")}},
	})
	producer := &stubReplayProducer{}
	deps.producer = producer

	newReplayDeps = func(config) (replayDeps, error) {
		return deps, nil
	}
	if err := run(context.Background(), cfg); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	client := deps.client.(*stubOffsetClient)
	source := deps.consumer.(*stubPartitionConsumerSource)
	if !client.closed || !source.closed || !producer.closed {
		t.Fatalf("expected all deps to be closed: client=%v consumer=%v producer=%v",
			client.closed, source.closed, producer.closed)
	}
}

func TestMain_SuccessWithStubbedDeps(t *testing.T) {
	oldDeps := newReplayDeps
	oldArgs := os.Args
	oldCommandLine := flag.CommandLine
	defer func() {
		newReplayDeps = oldDeps
		os.Args = oldArgs
		flag.CommandLine = oldCommandLine
	}()

	deps := newStubDeps(map[int32][]*sarama.ConsumerMessage{
		0: {{Partition: 0, Offset: 0, Value: dlqFixture("cart-1")}},
	})
	newReplayDeps = func(config) (replayDeps, error) {
		return deps, nil
	}

	os.Args = []string{
		"dlq-reprocess",
		"-brokers=broker:9092",
		"-source-topic=subplat.cart.dlq",
		"-target-topic=subplat.cart.events",
		"-limit=1",
		"-idle-timeout=50ms",
	}
	flag.CommandLine = flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	main()
}

func TestFailExits(t *testing.T) {
	if os.Getenv("DLQ_TEST_FAIL_EXIT") == "1" {
		fail("boom")
		return
	}

	cmd := exec.Command(os.Args[0], "-test.run=TestFailExits")
	cmd.Env = append(os.Environ(), "DLQ_TEST_FAIL_EXIT=1")
	err := cmd.Run()
	if err == nil {
		t.Fatal("expected subprocess to exit with error")
	}
	if exitErr, ok := err.(*exec.ExitError); !ok || exitErr.ExitCode() == 0 {
		t.Fatalf("expected non-zero exit code, got %v", err)
	}
}

func replayTestConfig() config {
	return config{
		sourceTopic: "subplat.cart.dlq",
		targetTopic: "subplat.cart.events",
		limit:       defaultReplayLimit,
		idleTimeout: 20 * time.Millisecond,
	}
}

// dlqFixture собирает DLQ-сообщение в том виде, в котором его публикует
// outbox-воркер: конверт с payload, содержащим исходное событие и ошибку.
func dlqFixture(cartID string) []byte {
	return []byte(fmt.Sprintf(
		`{"id":"out-%[1]s","aggregate_type":"cart","aggregate_id":"%[1]s","event_type":"checkout.succeeded",`+
			`"payload":{"outbox_id":"out-%[1]s","aggregate_type":"cart","aggregate_id":"%[1]s",`+
			`"event_type":"checkout.succeeded","payload":{"cart_id":"%[1]s"},"publish_error":"kafka: broker down"}}`,
		cartID,
	))
}

// newStubDeps собирает replayDeps из стабов: партиции берутся из ключей
// messagesByPartition, offset-границы каждой партиции — [0, 2).
func newStubDeps(messagesByPartition map[int32][]*sarama.ConsumerMessage) replayDeps {
	client := &stubOffsetClient{offsets: map[int32]offsetRange{}}
	source := &stubPartitionConsumerSource{consumers: map[int32]partitionConsumer{}}

	if len(messagesByPartition) == 0 {
		client.partitions = []int32{0}
		client.offsets[0] = offsetRange{oldest: 0, newest: 2}
	}
	for partition, messages := range messagesByPartition {
		client.partitions = append(client.partitions, partition)
		client.offsets[partition] = offsetRange{oldest: 0, newest: 2}
		source.consumers[partition] = closedPartitionConsumer(messages)
	}

	return replayDeps{client: client, consumer: source}
}

func withFlagArgs(t *testing.T, args []string, fn func()) {
	t.Helper()

	oldArgs := os.Args
	oldCommandLine := flag.CommandLine

	os.Args = append([]string{"dlq-reprocess"}, args...)
	flag.CommandLine = flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	defer func() {
		os.Args = oldArgs
		flag.CommandLine = oldCommandLine
	}()

	fn()
}

type offsetRange struct {
	oldest int64
	newest int64
}

type stubOffsetClient struct {
	partitions    []int32
	partitionsErr error
	offsets       map[int32]offsetRange
	offsetErr     map[int32]error
	closed        bool
}

func (s *stubOffsetClient) GetOffset(_ string, partition int32, marker int64) (int64, error) {
	if err, ok := s.offsetErr[partition]; ok {
		return 0, err
	}

	r := s.offsets[partition]
	switch marker {
	case sarama.OffsetOldest:
		return r.oldest, nil
	case sarama.OffsetNewest:
		return r.newest, nil
	default:
		return 0, fmt.Errorf("unsupported marker %d", marker)
	}
}

func (s *stubOffsetClient) Partitions(string) ([]int32, error) {
	if s.partitionsErr != nil {
		return nil, s.partitionsErr
	}
	return append([]int32(nil), s.partitions...), nil
}

func (s *stubOffsetClient) Close() error {
	s.closed = true
	return nil
}

type consumeCall struct {
	partition int32
	offset    int64
}

type stubPartitionConsumerSource struct {
	consumers  map[int32]partitionConsumer
	consumeErr error
	calls      []consumeCall
	closed     bool
}

func (s *stubPartitionConsumerSource) ConsumePartition(_ string, partition int32, offset int64) (partitionConsumer, error) {
	s.calls = append(s.calls, consumeCall{partition: partition, offset: offset})
	if s.consumeErr != nil {
		return nil, s.consumeErr
	}
	pc, ok := s.consumers[partition]
	if !ok {
		return nil, fmt.Errorf("partition %d not configured", partition)
	}
	return pc, nil
}

func (s *stubPartitionConsumerSource) Close() error {
	s.closed = true
	return nil
}

type stubPartitionConsumer struct {
	messages chan *sarama.ConsumerMessage
	errors   chan *sarama.ConsumerError
	closed   bool
}

func (s *stubPartitionConsumer) Messages() <-chan *sarama.ConsumerMessage { return s.messages }
func (s *stubPartitionConsumer) Errors() <-chan *sarama.ConsumerError     { return s.errors }
func (s *stubPartitionConsumer) Close() error {
	s.closed = true
	return nil
}

func closedPartitionConsumer(messages []*sarama.ConsumerMessage) *stubPartitionConsumer {
	msgCh := make(chan *sarama.ConsumerMessage, len(messages))
	errCh := make(chan *sarama.ConsumerError)
	for _, msg := range messages {
		msgCh <- msg
	}
	close(msgCh)
	close(errCh)
	return &stubPartitionConsumer{messages: msgCh, errors: errCh}
}

type stubReplayProducer struct {
	sendErr error
	calls   int
	closed  bool
	lastMsg *sarama.ProducerMessage
}

func (s *stubReplayProducer) SendMessage(msg *sarama.ProducerMessage) (int32, int64, error) {
	s.calls++
	s.lastMsg = msg
	if s.sendErr != nil {
		return 0, 0, s.sendErr
	}
	return 0, int64(s.calls), nil
}

func (s *stubReplayProducer) Close() error {
	s.closed = true
	return nil
}
