package mq

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"judgeflow/internal/common/conn"
	"judgeflow/pkg/utils/logger"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	headerID         = "x-message-id"
	headerTimestamp  = "x-message-ts"
	headerRetryCount = "x-message-retry"
)

// KafkaConfig defines configuration for Kafka implementation.
type KafkaConfig struct {
	Brokers  []string `yaml:"brokers"`
	ClientID string   `yaml:"clientID"`

	// Producer settings
	RequiredAcks       string        `yaml:"requiredAcks"` // all, one, none
	BatchSize          int           `yaml:"batchSize"`
	BatchTimeout       time.Duration `yaml:"batchTimeout"`
	AutoCreateTopics   bool          `yaml:"autoCreateTopics"`
	PublishWaitTimeout time.Duration `yaml:"publishWaitTimeout"`

	// Consumer settings
	MinBytes     int           `yaml:"minBytes"`
	MaxBytes     int           `yaml:"maxBytes"`
	MaxWait      time.Duration `yaml:"maxWait"`
	FetchWait    time.Duration `yaml:"fetchWait"`
	DrainTimeout time.Duration `yaml:"drainTimeout"`

	DialTimeout time.Duration `yaml:"dialTimeout"`
	Supervisor  conn.Config   `yaml:"supervisor"`
}

func (c *KafkaConfig) setDefaults() {
	if c.RequiredAcks == "" {
		c.RequiredAcks = "all"
	}
	if c.BatchSize == 0 {
		c.BatchSize = 100
	}
	if c.BatchTimeout == 0 {
		c.BatchTimeout = 10 * time.Millisecond
	}
	if c.PublishWaitTimeout == 0 {
		c.PublishWaitTimeout = 5 * time.Second
	}
	if c.MinBytes == 0 {
		c.MinBytes = 1
	}
	if c.MaxBytes == 0 {
		c.MaxBytes = 10 << 20
	}
	if c.MaxWait == 0 {
		c.MaxWait = 500 * time.Millisecond
	}
	if c.FetchWait == 0 {
		c.FetchWait = 300 * time.Millisecond
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = 30 * time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
}

func parseRequiredAcks(raw string) (kafka.RequiredAcks, error) {
	switch strings.ToLower(raw) {
	case "all", "-1":
		return kafka.RequireAll, nil
	case "one", "1":
		return kafka.RequireOne, nil
	case "none", "0":
		return kafka.RequireNone, nil
	}
	return 0, fmt.Errorf("unknown requiredAcks %q", raw)
}

// messageReader is the part of *kafka.Reader the consumer loop uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaQueue implements MessageQueue using Kafka consumer groups.
type KafkaQueue struct {
	config     KafkaConfig
	writer     *kafka.Writer
	dialer     *kafka.Dialer
	supervisor *conn.Supervisor

	write     func(ctx context.Context, msgs ...kafka.Message) error
	newReader func(topic string, opts SubscribeOptions) messageReader

	mu            sync.Mutex
	subscriptions []*kafkaSubscription
	started       bool
	closed        bool
}

type kafkaSubscription struct {
	topics  []WeightedTopic
	handler HandlerFunc
	opts    SubscribeOptions
	baseCtx context.Context

	readers  []*topicReader
	schedule []int
	credits  creditPool

	// fetchCtx stops pulling new work; handleCtx is canceled only by Stop after the drain timeout
	fetchCtx     context.Context
	stopFetch    context.CancelFunc
	handleCtx    context.Context
	cancelHandle context.CancelFunc
	fetchWG      sync.WaitGroup
	handleWG     sync.WaitGroup
}

type topicReader struct {
	topic   string
	reader  messageReader
	offsets *offsetTracker
}

// NewKafkaQueue creates a Kafka-backed message queue and starts broker supervision.
// A non-nil queue is returned even when the broker is not reachable yet.
func NewKafkaQueue(ctx context.Context, cfg KafkaConfig) (*KafkaQueue, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("brokers are required")
	}
	cfg.setDefaults()
	acks, err := parseRequiredAcks(cfg.RequiredAcks)
	if err != nil {
		return nil, err
	}

	dialer := &kafka.Dialer{
		ClientID:  cfg.ClientID,
		Timeout:   cfg.DialTimeout,
		DualStack: true,
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           acks,
		BatchSize:              cfg.BatchSize,
		BatchTimeout:           cfg.BatchTimeout,
		AllowAutoTopicCreation: cfg.AutoCreateTopics,
		Transport: &kafka.Transport{
			ClientID:    cfg.ClientID,
			DialTimeout: cfg.DialTimeout,
		},
	}

	k := &KafkaQueue{
		config: cfg,
		writer: writer,
		dialer: dialer,
		write:  writer.WriteMessages,
	}
	k.newReader = k.defaultReader
	k.supervisor = conn.NewSupervisor("kafka", k.Ping, cfg.Supervisor)
	if err := k.supervisor.Start(ctx); err != nil {
		return k, fmt.Errorf("kafka brokers unreachable: %w", err)
	}
	return k, nil
}

func (k *KafkaQueue) defaultReader(topic string, opts SubscribeOptions) messageReader {
	start := kafka.FirstOffset
	if opts.StartFromLatest {
		start = kafka.LastOffset
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.config.Brokers,
		Topic:       topic,
		GroupID:     opts.ConsumerGroup,
		Dialer:      k.dialer,
		MinBytes:    k.config.MinBytes,
		MaxBytes:    k.config.MaxBytes,
		MaxWait:     k.config.MaxWait,
		StartOffset: start,
	})
}

// Ready reports whether the broker is currently reachable.
func (k *KafkaQueue) Ready() bool {
	return k.supervisor.Ready()
}

// Publish publishes a message to a topic.
// It waits up to PublishWaitTimeout for the broker to become ready.
func (k *KafkaQueue) Publish(ctx context.Context, topic string, message *Message) error {
	if message == nil {
		return ErrNilMessage
	}
	if topic == "" {
		return ErrTopicMissing
	}
	k.mu.Lock()
	closed := k.closed
	k.mu.Unlock()
	if closed {
		return ErrClosed
	}

	waitCtx, cancel := context.WithTimeout(ctx, k.config.PublishWaitTimeout)
	defer cancel()
	if err := k.supervisor.Wait(waitCtx); err != nil {
		if last := k.supervisor.LastError(); last != nil {
			return fmt.Errorf("kafka not ready: %w", last)
		}
		return fmt.Errorf("kafka not ready: %w", err)
	}

	if err := k.write(ctx, toKafkaMessage(topic, message)); err != nil {
		if conn.IsNetworkError(err) {
			k.supervisor.ReportFailure(err)
		}
		return err
	}
	return nil
}

// SubscribeWithOptions subscribes to a topic with custom options.
func (k *KafkaQueue) SubscribeWithOptions(ctx context.Context, topic string, handler HandlerFunc, opts *SubscribeOptions) error {
	if topic == "" {
		return ErrTopicMissing
	}
	return k.SubscribeWeighted(ctx, []WeightedTopic{{Topic: topic, Weight: 1}}, handler, opts)
}

// SubscribeWeighted subscribes to multiple topics with weights.
func (k *KafkaQueue) SubscribeWeighted(ctx context.Context, topics []WeightedTopic, handler HandlerFunc, opts *SubscribeOptions) error {
	if len(topics) == 0 {
		return errors.New("topics are required")
	}
	if handler == nil {
		return errors.New("handler is required")
	}
	for _, t := range topics {
		if t.Topic == "" {
			return ErrTopicMissing
		}
		if t.Weight <= 0 {
			return errors.New("topic weight must be positive")
		}
	}
	var options SubscribeOptions
	if opts != nil {
		options = *opts
	}
	options.SetDefaults()
	if options.ConsumerGroup == "" {
		options.ConsumerGroup = fmt.Sprintf("judgeflow-%s", topics[0].Topic)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	sub := &kafkaSubscription{
		topics:  topics,
		handler: handler,
		opts:    options,
		baseCtx: ctx,
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return ErrClosed
	}
	k.subscriptions = append(k.subscriptions, sub)
	if k.started {
		k.startSubscription(sub)
	}
	return nil
}

// Start starts consuming messages for all subscriptions.
func (k *KafkaQueue) Start() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return ErrClosed
	}
	if k.started {
		return nil
	}
	for _, sub := range k.subscriptions {
		k.startSubscription(sub)
	}
	k.started = true
	return nil
}

func (k *KafkaQueue) startSubscription(sub *kafkaSubscription) {
	sub.readers = make([]*topicReader, 0, len(sub.topics))
	for _, t := range sub.topics {
		sub.readers = append(sub.readers, &topicReader{
			topic:   t.Topic,
			reader:  k.newReader(t.Topic, sub.opts),
			offsets: newOffsetTracker(),
		})
	}
	sub.schedule = buildWeightedSchedule(sub.topics)
	sub.credits = newCreditPool(sub.opts.Concurrency)
	sub.fetchCtx, sub.stopFetch = context.WithCancel(sub.baseCtx)
	// Handlers outlive the subscribe context so Stop can drain them.
	sub.handleCtx, sub.cancelHandle = context.WithCancel(context.WithoutCancel(sub.baseCtx))

	sub.fetchWG.Add(1)
	go k.fetchLoop(sub)
}

// fetchLoop pulls one message per free credit, rotating through topics by weight.
func (k *KafkaQueue) fetchLoop(sub *kafkaSubscription) {
	defer sub.fetchWG.Done()
	idx := 0
	for {
		if err := sub.credits.take(sub.fetchCtx); err != nil {
			return
		}
		tr := sub.readers[sub.schedule[idx%len(sub.schedule)]]
		idx++

		fetchCtx, cancel := sub.fetchCtx, context.CancelFunc(func() {})
		if len(sub.readers) > 1 {
			// Bounded wait so an idle topic does not starve the others.
			fetchCtx, cancel = context.WithTimeout(sub.fetchCtx, k.config.FetchWait)
		}
		msg, err := tr.reader.FetchMessage(fetchCtx)
		cancel()
		if err != nil {
			sub.credits.give()
			if sub.fetchCtx.Err() != nil {
				return
			}
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			logger.Warn(sub.fetchCtx, "kafka fetch failed", zap.String("topic", tr.topic), zap.Error(err))
			if conn.IsNetworkError(err) {
				k.supervisor.ReportFailure(err)
			}
			if !sleepCtx(sub.fetchCtx, 500*time.Millisecond) {
				return
			}
			continue
		}

		tr.offsets.track(msg)
		sub.handleWG.Add(1)
		go func(tr *topicReader, msg kafka.Message) {
			defer sub.handleWG.Done()
			defer sub.credits.give()
			k.handleMessage(sub, tr, msg)
		}(tr, msg)
	}
}

func (k *KafkaQueue) handleMessage(sub *kafkaSubscription, tr *topicReader, msg kafka.Message) {
	m := fromKafkaMessage(msg)
	if !dispatch(sub.handleCtx, tr.topic, m, sub.handler, sub.opts, k.Publish) {
		// Left uncommitted; the group redelivers it after rebalance or restart.
		return
	}
	commit, ok := tr.offsets.done(msg)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(sub.handleCtx), 5*time.Second)
	defer cancel()
	if err := tr.reader.CommitMessages(ctx, commit); err != nil {
		logger.Warn(ctx, "kafka commit failed",
			zap.String("topic", tr.topic), zap.Int("partition", commit.Partition),
			zap.Int64("offset", commit.Offset), zap.Error(err))
	}
}

// Stop stops fetching, lets in-flight handlers finish within DrainTimeout, then cancels them.
func (k *KafkaQueue) Stop() error {
	k.mu.Lock()
	subs := append([]*kafkaSubscription(nil), k.subscriptions...)
	started := k.started
	k.started = false
	k.mu.Unlock()
	if !started {
		return nil
	}

	for _, sub := range subs {
		sub.stopFetch()
	}
	for _, sub := range subs {
		sub.fetchWG.Wait()
		drained := make(chan struct{})
		go func() {
			sub.handleWG.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-time.After(k.config.DrainTimeout):
			logger.Warn(context.Background(), "drain timeout reached, cancelling in-flight handlers")
			sub.cancelHandle()
			<-drained
		}
		sub.cancelHandle()
		for _, tr := range sub.readers {
			_ = tr.reader.Close()
		}
	}
	return nil
}

// Ping verifies that at least one broker accepts connections.
func (k *KafkaQueue) Ping(ctx context.Context) error {
	var lastErr error
	for _, broker := range k.config.Brokers {
		c, err := k.dialer.DialContext(ctx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		return c.Close()
	}
	return lastErr
}

// Close closes the producer and stops consumers.
func (k *KafkaQueue) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.mu.Unlock()

	_ = k.Stop()

	k.mu.Lock()
	k.closed = true
	k.mu.Unlock()
	k.supervisor.Stop()
	if k.writer != nil {
		return k.writer.Close()
	}
	return nil
}

func buildWeightedSchedule(topics []WeightedTopic) []int {
	schedule := make([]int, 0, len(topics))
	for idx, t := range topics {
		for i := 0; i < t.Weight; i++ {
			schedule = append(schedule, idx)
		}
	}
	return schedule
}

func toKafkaMessage(topic string, message *Message) kafka.Message {
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now()
	}
	headers := make([]kafka.Header, 0, len(message.Headers)+3)
	for k, v := range message.Headers {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	if message.ID != "" {
		headers = append(headers, kafka.Header{Key: headerID, Value: []byte(message.ID)})
	}
	headers = append(headers, kafka.Header{Key: headerTimestamp, Value: []byte(message.Timestamp.Format(time.RFC3339Nano))})
	if message.RetryCount != 0 {
		headers = append(headers, kafka.Header{Key: headerRetryCount, Value: []byte(strconv.Itoa(message.RetryCount))})
	}

	return kafka.Message{
		Topic:   topic,
		Key:     []byte(message.ID),
		Value:   message.Body,
		Headers: headers,
		Time:    message.Timestamp,
	}
}

func fromKafkaMessage(msg kafka.Message) *Message {
	m := &Message{
		Body:      msg.Value,
		Headers:   make(map[string]string),
		Timestamp: msg.Time,
	}
	for _, h := range msg.Headers {
		switch h.Key {
		case headerID:
			m.ID = string(h.Value)
		case headerTimestamp:
			if ts, err := time.Parse(time.RFC3339Nano, string(h.Value)); err == nil {
				m.Timestamp = ts
			}
		case headerRetryCount:
			if v, err := strconv.Atoi(string(h.Value)); err == nil && v >= 0 {
				m.RetryCount = v
			}
		default:
			m.Headers[h.Key] = string(h.Value)
		}
	}
	if m.ID == "" {
		m.ID = string(msg.Key)
	}
	return m
}
