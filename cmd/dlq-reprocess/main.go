package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/subplat/internal/messaging/kafka"
)

const (
	defaultReplayLimit = 100
	defaultIdleTimeout = 2 * time.Second
)

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.InfoLevel)

	cfg, err := readConfig()
	if err != nil {
		fail("%v", err)
	}

	if err := run(context.Background(), cfg); err != nil {
		fail("dlq replay failed: %v", err)
	}
}

type config struct {
	brokers     []string
	sourceTopic string
	targetTopic string
	limit       int
	execute     bool
	fromNewest  bool
	idleTimeout time.Duration
}

func readConfig() (config, error) {
	var (
		brokersRaw string
		cfg        config
	)

	flag.StringVar(&brokersRaw, "brokers", "", "Kafka brokers as comma-separated list (fallback: KAFKA_BROKERS)")
	flag.StringVar(&cfg.sourceTopic, "source-topic", kafka.TopicDeadLetterQueue, "DLQ source topic")
	flag.StringVar(&cfg.targetTopic, "target-topic", kafka.TopicCartEvents, "target topic for replay")
	flag.IntVar(&cfg.limit, "limit", defaultReplayLimit, "max number of messages to scan/replay")
	flag.BoolVar(&cfg.execute, "execute", false, "execute replay; default is dry-run")
	flag.BoolVar(&cfg.fromNewest, "from-newest", false, "scan latest messages first (bounded by limit)")
	flag.DurationVar(&cfg.idleTimeout, "idle-timeout", defaultIdleTimeout, "idle timeout per partition")
	flag.Parse()

	if strings.TrimSpace(brokersRaw) == "" {
		brokersRaw = os.Getenv("KAFKA_BROKERS")
	}
	cfg.brokers = parseBrokers(brokersRaw)

	if err := cfg.validate(); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func (c config) validate() error {
	switch {
	case len(c.brokers) == 0:
		return fmt.Errorf("kafka brokers are required (-brokers or KAFKA_BROKERS)")
	case strings.TrimSpace(c.sourceTopic) == "":
		return fmt.Errorf("source-topic is required")
	case strings.TrimSpace(c.targetTopic) == "":
		return fmt.Errorf("target-topic is required")
	case c.limit <= 0:
		return fmt.Errorf("limit must be > 0")
	case c.idleTimeout <= 0:
		return fmt.Errorf("idle-timeout must be > 0")
	}
	return nil
}

func parseBrokers(raw string) []string {
	var brokers []string
	for _, chunk := range strings.Split(raw, ",") {
		if broker := strings.TrimSpace(chunk); broker != "" {
			brokers = append(brokers, broker)
		}
	}
	return brokers
}

// Интерфейсы над sarama, чтобы replay можно было тестировать на стабах.
type offsetClient interface {
	GetOffset(topic string, partition int32, time int64) (int64, error)
	Partitions(topic string) ([]int32, error)
	Close() error
}

type partitionConsumer interface {
	Messages() <-chan *sarama.ConsumerMessage
	Errors() <-chan *sarama.ConsumerError
	Close() error
}

type partitionConsumerSource interface {
	ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error)
	Close() error
}

type replayProducer interface {
	SendMessage(msg *sarama.ProducerMessage) (partition int32, offset int64, err error)
	Close() error
}

// replayDeps держит kafka-зависимости replay-утилиты. producer остаётся
// nil в dry-run режиме.
type replayDeps struct {
	client   offsetClient
	consumer partitionConsumerSource
	producer replayProducer
}

func (d replayDeps) close() {
	if d.producer != nil {
		_ = d.producer.Close()
	}
	if d.consumer != nil {
		_ = d.consumer.Close()
	}
	if d.client != nil {
		_ = d.client.Close()
	}
}

type saramaConsumerAdapter struct {
	consumer sarama.Consumer
}

func (a saramaConsumerAdapter) ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error) {
	pc, err := a.consumer.ConsumePartition(topic, partition, offset)
	if err != nil {
		return nil, err
	}
	return pc, nil
}

func (a saramaConsumerAdapter) Close() error {
	if a.consumer == nil {
		return nil
	}
	return a.consumer.Close()
}

var newReplayDeps = func(cfg config) (replayDeps, error) {
	consumerConfig := sarama.NewConfig()
	consumerConfig.Consumer.Return.Errors = true

	client, err := sarama.NewClient(cfg.brokers, consumerConfig)
	if err != nil {
		return replayDeps{}, fmt.Errorf("create kafka client: %w", err)
	}

	rawConsumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = client.Close()
		return replayDeps{}, fmt.Errorf("create kafka consumer: %w", err)
	}

	deps := replayDeps{
		client:   client,
		consumer: saramaConsumerAdapter{consumer: rawConsumer},
	}
	if !cfg.execute {
		return deps, nil
	}

	producerConfig := sarama.NewConfig()
	producerConfig.Producer.RequiredAcks = sarama.WaitForAll
	producerConfig.Producer.Retry.Max = 5
	producerConfig.Producer.Return.Successes = true
	producerConfig.Producer.Compression = sarama.CompressionSnappy
	producerConfig.Producer.Idempotent = true
	producerConfig.Net.MaxOpenRequests = 1

	producer, err := sarama.NewSyncProducer(cfg.brokers, producerConfig)
	if err != nil {
		deps.close()
		return replayDeps{}, fmt.Errorf("create kafka producer: %w", err)
	}
	deps.producer = producer

	return deps, nil
}

func run(ctx context.Context, cfg config) error {
	log.WithFields(log.Fields{
		"source_topic": cfg.sourceTopic,
		"target_topic": cfg.targetTopic,
		"limit":        cfg.limit,
		"execute":      cfg.execute,
		"from_newest":  cfg.fromNewest,
	}).Info("starting dlq replay")

	deps, err := newReplayDeps(cfg)
	if err != nil {
		return err
	}
	defer deps.close()

	return replayDLQ(ctx, cfg, deps)
}

type replayStats struct {
	scanned  int
	replayed int
	skipped  int
}

func (s *replayStats) add(other replayStats) {
	s.scanned += other.scanned
	s.replayed += other.replayed
	s.skipped += other.skipped
}

func replayDLQ(ctx context.Context, cfg config, deps replayDeps) error {
	if deps.client == nil || deps.consumer == nil {
		return fmt.Errorf("kafka client and consumer are required")
	}
	if cfg.execute && deps.producer == nil {
		return fmt.Errorf("producer is required in execute mode")
	}

	partitions, err := deps.client.Partitions(cfg.sourceTopic)
	if err != nil {
		return fmt.Errorf("get partitions for topic %s: %w", cfg.sourceTopic, err)
	}
	if len(partitions) == 0 {
		log.WithField("topic", cfg.sourceTopic).Warn("source topic has no partitions")
		return nil
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })

	var total replayStats
	for _, partition := range partitions {
		if total.scanned >= cfg.limit {
			break
		}

		stats, err := drainPartition(ctx, deps, cfg, partition, cfg.limit-total.scanned)
		if err != nil {
			return err
		}
		total.add(stats)
	}

	mode := "dry-run"
	if cfg.execute {
		mode = "execute"
	}
	log.WithFields(log.Fields{
		"mode":     mode,
		"scanned":  total.scanned,
		"replayed": total.replayed,
		"skipped":  total.skipped,
	}).Info("dlq replay finished")

	return nil
}

// offsetBounds фиксирует границы чтения партиции до начала replay, чтобы
// утилита не зациклилась на сообщениях, которые сама публикует.
func offsetBounds(client offsetClient, cfg config, partition int32, limit int) (start, end int64, err error) {
	oldest, err := client.GetOffset(cfg.sourceTopic, partition, sarama.OffsetOldest)
	if err != nil {
		return 0, 0, fmt.Errorf("get oldest offset for partition %d: %w", partition, err)
	}
	newest, err := client.GetOffset(cfg.sourceTopic, partition, sarama.OffsetNewest)
	if err != nil {
		return 0, 0, fmt.Errorf("get newest offset for partition %d: %w", partition, err)
	}

	start = oldest
	if cfg.fromNewest {
		start = newest - int64(limit)
		if start < oldest {
			start = oldest
		}
	}
	return start, newest, nil
}

// drainPartition читает партицию от oldest (или от newest-limit при
// from-newest) до зафиксированной границы end.
func drainPartition(ctx context.Context, deps replayDeps, cfg config, partition int32, limit int) (replayStats, error) {
	var stats replayStats
	if limit <= 0 {
		return stats, nil
	}

	start, end, err := offsetBounds(deps.client, cfg, partition, limit)
	if err != nil {
		return stats, err
	}
	if end <= start {
		return stats, nil
	}

	pc, err := deps.consumer.ConsumePartition(cfg.sourceTopic, partition, start)
	if err != nil {
		return stats, fmt.Errorf("consume partition %d: %w", partition, err)
	}
	defer func() { _ = pc.Close() }()

	idleTimer := time.NewTimer(cfg.idleTimeout)
	defer idleTimer.Stop()

	for stats.scanned < limit {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()

		case err := <-pc.Errors():
			if err != nil {
				return stats, fmt.Errorf("partition %d consumer error: %w", partition, err)
			}

		case <-idleTimer.C:
			return stats, nil

		case msg, ok := <-pc.Messages():
			if !ok || msg == nil {
				return stats, nil
			}
			resetIdleTimer(idleTimer, cfg.idleTimeout)

			if msg.Offset >= end {
				return stats, nil
			}

			if err := handleDLQMessage(deps, cfg, msg, &stats); err != nil {
				return stats, err
			}
			if msg.Offset+1 >= end {
				return stats, nil
			}
		}
	}

	return stats, nil
}

// handleDLQMessage классифицирует одно DLQ-сообщение: replay, dry-run лог
// или skip. Ошибка публикации останавливает replay.
func handleDLQMessage(deps replayDeps, cfg config, msg *sarama.ConsumerMessage, stats *replayStats) error {
	candidate, ok, err := extractReplayMessage(msg, cfg.targetTopic)
	stats.scanned++
	if err != nil {
		stats.skipped++
		log.WithError(err).WithFields(log.Fields{
			"partition": msg.Partition,
			"offset":    msg.Offset,
		}).Warn("skip unsupported dlq message")
		return nil
	}
	if !ok {
		stats.skipped++
		return nil
	}

	if !cfg.execute {
		log.WithFields(log.Fields{
			"partition":    msg.Partition,
			"offset":       msg.Offset,
			"target_topic": candidate.topic,
			"key":          candidate.key,
		}).Info("dlq replay candidate")
		stats.replayed++
		return nil
	}

	if err := publishReplay(deps.producer, candidate); err != nil {
		return fmt.Errorf("publish replay message: %w", err)
	}
	stats.replayed++
	return nil
}

func resetIdleTimer(timer *time.Timer, timeout time.Duration) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(timeout)
}

// replayCandidate — сообщение, готовое к повторной публикации.
type replayCandidate struct {
	topic string
	key   string
	value []byte
}

func publishReplay(producer replayProducer, candidate replayCandidate) error {
	if producer == nil {
		return fmt.Errorf("producer is nil")
	}

	_, _, err := producer.SendMessage(&sarama.ProducerMessage{
		Topic:     candidate.topic,
		Key:       sarama.StringEncoder(candidate.key),
		Value:     sarama.ByteEncoder(candidate.value),
		Timestamp: time.Now().UTC(),
	})
	return err
}

// dlqEnvelope — внешний конверт DLQ-сообщения. Его payload содержит
// dlqInnerPayload: исходное событие плюс текст ошибки публикации,
// добавленный outbox-воркером.
type dlqEnvelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
}

type dlqInnerPayload struct {
	OutboxID      string          `json:"outbox_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
}

type replayEnvelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishedAt   time.Time       `json:"published_at"`
}

// extractReplayMessage восстанавливает исходное событие из DLQ-конверта
// outbox-воркера. Второе возвращаемое значение false, если сообщение не
// похоже на такой конверт и его нужно пропустить.
func extractReplayMessage(msg *sarama.ConsumerMessage, defaultTopic string) (replayCandidate, bool, error) {
	var envelope dlqEnvelope
	if err := json.Unmarshal(msg.Value, &envelope); err != nil {
		return replayCandidate{}, false, nil
	}
	if len(envelope.Payload) == 0 {
		return replayCandidate{}, false, nil
	}

	var inner dlqInnerPayload
	if err := json.Unmarshal(envelope.Payload, &inner); err != nil {
		return replayCandidate{}, false, fmt.Errorf("decode dlq payload: %w", err)
	}
	if len(inner.Payload) == 0 {
		return replayCandidate{}, false, fmt.Errorf("dlq payload does not contain original event payload")
	}

	replay := replayEnvelope{
		ID:            firstNonEmpty(inner.OutboxID, envelope.ID),
		AggregateType: firstNonEmpty(inner.AggregateType, envelope.AggregateType),
		AggregateID:   firstNonEmpty(inner.AggregateID, envelope.AggregateID),
		EventType:     firstNonEmpty(inner.EventType, envelope.EventType),
		Payload:       inner.Payload,
		PublishedAt:   time.Now().UTC(),
	}
	encoded, err := json.Marshal(replay)
	if err != nil {
		return replayCandidate{}, false, fmt.Errorf("encode replay envelope: %w", err)
	}

	return replayCandidate{
		topic: defaultTopic,
		key:   firstNonEmpty(replay.AggregateID, replay.ID),
		value: encoded,
	}, true, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
