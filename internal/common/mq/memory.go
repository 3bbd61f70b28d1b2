package mq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"judgeflow/pkg/utils/logger"
)

const defaultMemoryDrainTimeout = 30 * time.Second

// MemoryQueue is an in-process MessageQueue for single-binary development and tests.
// Each topic is an append-only log; each consumer group keeps its own read position,
// so distinct groups all see every message and members of one group share them.
// Nothing survives a process restart.
type MemoryQueue struct {
	// DrainTimeout bounds how long Stop waits for in-flight handlers.
	DrainTimeout time.Duration

	mu      sync.Mutex
	cond    *sync.Cond
	logs    map[string][]*Message
	cursors map[string]int
	subs    []*memorySubscription
	started bool
	closed  bool
}

type memorySubscription struct {
	topics   []WeightedTopic
	schedule []int
	handler  HandlerFunc
	opts     SubscribeOptions
	baseCtx  context.Context

	credits creditPool

	// fetchCtx stops taking new messages; handleCtx is canceled only by Stop after the drain timeout
	fetchCtx     context.Context
	stopFetch    context.CancelFunc
	handleCtx    context.Context
	cancelHandle context.CancelFunc
	stopWake     func() bool
	fetchWG      sync.WaitGroup
	handleWG     sync.WaitGroup
}

func NewMemoryQueue() *MemoryQueue {
	q := &MemoryQueue{
		DrainTimeout: defaultMemoryDrainTimeout,
		logs:         make(map[string][]*Message),
		cursors:      make(map[string]int),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *MemoryQueue) Publish(ctx context.Context, topic string, message *Message) error {
	if message == nil {
		return ErrNilMessage
	}
	if topic == "" {
		return ErrTopicMissing
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.logs[topic] = append(q.logs[topic], message.Clone())
	q.cond.Broadcast()
	return nil
}

// Messages returns a copy of everything published to topic.
func (q *MemoryQueue) Messages(topic string) []*Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Message, 0, len(q.logs[topic]))
	for _, m := range q.logs[topic] {
		out = append(out, m.Clone())
	}
	return out
}

func (q *MemoryQueue) SubscribeWithOptions(ctx context.Context, topic string, handler HandlerFunc, opts *SubscribeOptions) error {
	if topic == "" {
		return ErrTopicMissing
	}
	return q.SubscribeWeighted(ctx, []WeightedTopic{{Topic: topic, Weight: 1}}, handler, opts)
}

func (q *MemoryQueue) SubscribeWeighted(ctx context.Context, topics []WeightedTopic, handler HandlerFunc, opts *SubscribeOptions) error {
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

	sub := &memorySubscription{
		topics:   topics,
		schedule: buildWeightedSchedule(topics),
		handler:  handler,
		opts:     options,
		baseCtx:  ctx,
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	for _, t := range topics {
		key := cursorKey(t.Topic, options.ConsumerGroup)
		if _, ok := q.cursors[key]; !ok && options.StartFromLatest {
			q.cursors[key] = len(q.logs[t.Topic])
		}
	}
	q.subs = append(q.subs, sub)
	if q.started {
		q.startSubscription(sub)
	}
	return nil
}

func (q *MemoryQueue) Start() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if q.started {
		return nil
	}
	for _, sub := range q.subs {
		q.startSubscription(sub)
	}
	q.started = true
	return nil
}

func (q *MemoryQueue) startSubscription(sub *memorySubscription) {
	sub.credits = newCreditPool(sub.opts.Concurrency)
	sub.fetchCtx, sub.stopFetch = context.WithCancel(sub.baseCtx)
	sub.handleCtx, sub.cancelHandle = context.WithCancel(context.WithoutCancel(sub.baseCtx))
	// Wake a consumer parked in next when the subscribe context ends on its own.
	sub.stopWake = context.AfterFunc(sub.fetchCtx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	sub.fetchWG.Add(1)
	go q.consume(sub)
}

func (q *MemoryQueue) consume(sub *memorySubscription) {
	defer sub.fetchWG.Done()
	idx := 0
	for {
		if err := sub.credits.take(sub.fetchCtx); err != nil {
			return
		}
		topic, m, ok := q.next(sub, &idx)
		if !ok {
			sub.credits.give()
			return
		}
		sub.handleWG.Add(1)
		go func() {
			defer sub.handleWG.Done()
			defer sub.credits.give()
			dispatch(sub.handleCtx, topic, m, sub.handler, sub.opts, q.Publish)
		}()
	}
}

// next blocks until one of the subscription's topics has an unread message.
func (q *MemoryQueue) next(sub *memorySubscription, idx *int) (string, *Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if sub.fetchCtx.Err() != nil || q.closed {
			return "", nil, false
		}
		for i := 0; i < len(sub.schedule); i++ {
			t := sub.topics[sub.schedule[(*idx+i)%len(sub.schedule)]]
			key := cursorKey(t.Topic, sub.opts.ConsumerGroup)
			pos := q.cursors[key]
			if pos < len(q.logs[t.Topic]) {
				q.cursors[key] = pos + 1
				*idx += i + 1
				return t.Topic, q.logs[t.Topic][pos].Clone(), true
			}
		}
		q.cond.Wait()
	}
}

// Stop stops taking messages, lets in-flight handlers finish within DrainTimeout, then cancels them.
func (q *MemoryQueue) Stop() error {
	q.mu.Lock()
	subs := append([]*memorySubscription(nil), q.subs...)
	started := q.started
	q.started = false
	if started {
		for _, sub := range subs {
			sub.stopFetch()
		}
	}
	q.cond.Broadcast()
	q.mu.Unlock()

	if !started {
		return nil
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
		case <-time.After(q.drainTimeout()):
			logger.Warn(context.Background(), "drain timeout reached, cancelling in-flight handlers")
			sub.cancelHandle()
			<-drained
		}
		sub.cancelHandle()
		sub.stopWake()
	}
	return nil
}

func (q *MemoryQueue) drainTimeout() time.Duration {
	if q.DrainTimeout <= 0 {
		return defaultMemoryDrainTimeout
	}
	return q.DrainTimeout
}

func (q *MemoryQueue) Ping(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	return nil
}

func (q *MemoryQueue) Close() error {
	_ = q.Stop()
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
	return nil
}

func cursorKey(topic, group string) string {
	return topic + "\x00" + group
}
