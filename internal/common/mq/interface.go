package mq

import (
	"context"
	"errors"
	"time"
)

// MessageQueue is the broker abstraction shared by the job queue and the event bus.
// Delivery is at-least-once: a message is acknowledged only after its handler returns.
type MessageQueue interface {
	Producer
	Consumer

	// Ping verifies the broker is reachable
	Ping(ctx context.Context) error

	// Close stops consumers and releases the producer
	Close() error
}

// Producer publishes messages.
type Producer interface {
	// Publish writes message to topic durably. Messages with the same ID keep their relative order.
	Publish(ctx context.Context, topic string, message *Message) error
}

// Consumer registers handlers and runs them.
type Consumer interface {
	// SubscribeWithOptions registers handler for a single topic
	SubscribeWithOptions(ctx context.Context, topic string, handler HandlerFunc, opts *SubscribeOptions) error

	// SubscribeWeighted registers handler for several topics fetched in proportion to their weights
	SubscribeWeighted(ctx context.Context, topics []WeightedTopic, handler HandlerFunc, opts *SubscribeOptions) error

	// Start starts consuming for every registered subscription
	Start() error

	// Stop cancels consumers and waits for in-flight handlers
	Stop() error
}

// Message represents a message in the queue
type Message struct {
	// ID identifies the message and is used as the partition key
	ID string `json:"id"`

	Body    []byte            `json:"body"`
	Headers map[string]string `json:"headers"`

	// Timestamp is when the message was created
	Timestamp time.Time `json:"timestamp"`

	// RetryCount is the number of failed handler attempts so far
	RetryCount int `json:"retryCount"`
}

// HandlerFunc processes one message. A nil return acknowledges it.
// Errors are retried; errors wrapped with DeadLetter skip retries.
type HandlerFunc func(ctx context.Context, message *Message) error

// WeightedTopic defines a topic with fetch weight.
type WeightedTopic struct {
	Topic  string `yaml:"topic"`
	Weight int    `yaml:"weight"`
}

// SubscribeOptions defines options for subscribing to a topic
type SubscribeOptions struct {
	// ConsumerGroup shares work between instances; distinct groups each see every message
	ConsumerGroup string `yaml:"consumerGroup"`

	// Concurrency is the number of messages in flight at once (credits)
	// Default: 1
	Concurrency int `yaml:"concurrency"`

	// MaxRetries is how many times a failed message is retried before dead-lettering
	// Default: 3
	MaxRetries int `yaml:"maxRetries"`

	// RetryDelay sets the delay between retries
	// Default: 1 second
	RetryDelay time.Duration `yaml:"retryDelay"`

	// DeadLetterTopic receives poison messages and messages past MaxRetries
	DeadLetterTopic string `yaml:"deadLetterTopic"`

	// MessageTTL dead-letters messages older than this instead of handling them
	MessageTTL time.Duration `yaml:"messageTTL"`

	// StartFromLatest makes a new consumer group skip the existing backlog
	StartFromLatest bool `yaml:"startFromLatest"`
}

// SetDefaults sets default values for subscribe options
func (o *SubscribeOptions) SetDefaults() {
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = time.Second
	}
}

// Dead-letter headers
const (
	HeaderDeadLetterReason = "x-dead-letter-reason"
	HeaderOriginalTopic    = "x-original-topic"
)

// NewMessage creates a new message with the given id and body
func NewMessage(id string, body []byte) *Message {
	return &Message{
		ID:        id,
		Body:      body,
		Headers:   make(map[string]string),
		Timestamp: time.Now(),
	}
}

// SetHeader sets a header value
func (m *Message) SetHeader(key, value string) {
	if m.Headers == nil {
		m.Headers = make(map[string]string)
	}
	m.Headers[key] = value
}

// GetHeader retrieves a header value
func (m *Message) GetHeader(key string) (string, bool) {
	if m.Headers == nil {
		return "", false
	}
	val, ok := m.Headers[key]
	return val, ok
}

// Clone returns a deep copy so drivers never share mutable state with publishers.
func (m *Message) Clone() *Message {
	c := *m
	c.Body = append([]byte(nil), m.Body...)
	c.Headers = make(map[string]string, len(m.Headers))
	for k, v := range m.Headers {
		c.Headers[k] = v
	}
	return &c
}

type deadLetterError struct {
	err error
}

func (e *deadLetterError) Error() string { return e.err.Error() }
func (e *deadLetterError) Unwrap() error { return e.err }

// DeadLetter marks err as permanent: the message goes to the dead-letter topic without retries.
func DeadLetter(err error) error {
	if err == nil {
		return nil
	}
	return &deadLetterError{err: err}
}

// IsDeadLetter reports whether err was marked with DeadLetter.
func IsDeadLetter(err error) bool {
	var dl *deadLetterError
	return errors.As(err, &dl)
}

var (
	ErrClosed       = errors.New("message queue is closed")
	ErrNilMessage   = errors.New("message is nil")
	ErrTopicMissing = errors.New("topic is required")
)
