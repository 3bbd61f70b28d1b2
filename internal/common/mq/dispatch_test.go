package mq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

type recordingPublisher struct {
	mu   sync.Mutex
	sent map[string][]*Message
	fail int
}

func (p *recordingPublisher) publish(ctx context.Context, topic string, m *Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail > 0 {
		p.fail--
		return errors.New("broker down")
	}
	if p.sent == nil {
		p.sent = make(map[string][]*Message)
	}
	p.sent[topic] = append(p.sent[topic], m.Clone())
	return nil
}

func (p *recordingPublisher) count(topic string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent[topic])
}

func testOptions() SubscribeOptions {
	opts := SubscribeOptions{MaxRetries: 2, RetryDelay: time.Millisecond, DeadLetterTopic: "dlq"}
	opts.SetDefaults()
	return opts
}

func TestDispatchRetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	pub := &recordingPublisher{}
	calls := 0
	handler := func(ctx context.Context, m *Message) error {
		calls++
		if calls < 2 {
			return errors.New("store unavailable")
		}
		return nil
	}

	if !dispatch(context.Background(), "jobs", NewMessage("a", nil), handler, testOptions(), pub.publish) {
		t.Fatalf("expected message to settle")
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
	if pub.count("dlq") != 0 {
		t.Fatalf("nothing should be dead-lettered")
	}
}

func TestDispatchDeadLettersAfterRetries(t *testing.T) {
	t.Parallel()
	pub := &recordingPublisher{}
	calls := 0
	handler := func(ctx context.Context, m *Message) error {
		calls++
		return errors.New("always failing")
	}

	if !dispatch(context.Background(), "jobs", NewMessage("a", []byte("x")), handler, testOptions(), pub.publish) {
		t.Fatalf("expected message to settle")
	}
	if calls != 3 {
		t.Fatalf("expected initial attempt plus 2 retries, got %d", calls)
	}
	if pub.count("dlq") != 1 {
		t.Fatalf("expected one dead-lettered message")
	}
	dl := pub.sent["dlq"][0]
	if reason, _ := dl.GetHeader(HeaderDeadLetterReason); reason != "always failing" {
		t.Fatalf("unexpected reason header %q", reason)
	}
	if origin, _ := dl.GetHeader(HeaderOriginalTopic); origin != "jobs" {
		t.Fatalf("unexpected origin header %q", origin)
	}
}

func TestDispatchPermanentErrorSkipsRetries(t *testing.T) {
	t.Parallel()
	pub := &recordingPublisher{}
	calls := 0
	handler := func(ctx context.Context, m *Message) error {
		calls++
		return DeadLetter(errors.New("malformed payload"))
	}

	dispatch(context.Background(), "jobs", NewMessage("a", nil), handler, testOptions(), pub.publish)
	if calls != 1 || pub.count("dlq") != 1 {
		t.Fatalf("expected single attempt and dead letter, calls=%d dlq=%d", calls, pub.count("dlq"))
	}
}

func TestDispatchRecoversPanics(t *testing.T) {
	t.Parallel()
	pub := &recordingPublisher{}
	handler := func(ctx context.Context, m *Message) error {
		panic("nil map")
	}

	if !dispatch(context.Background(), "jobs", NewMessage("a", nil), handler, testOptions(), pub.publish) {
		t.Fatalf("expected message to settle")
	}
	if pub.count("dlq") != 1 {
		t.Fatalf("panicking message should be dead-lettered")
	}
}

func TestDispatchKeepsMessageOnShutdown(t *testing.T) {
	t.Parallel()
	pub := &recordingPublisher{}
	ctx, cancel := context.WithCancel(context.Background())
	handler := func(ctx context.Context, m *Message) error {
		cancel()
		return ctx.Err()
	}

	if dispatch(ctx, "jobs", NewMessage("a", nil), handler, testOptions(), pub.publish) {
		t.Fatalf("cancelled message must not be acknowledged")
	}
	if pub.count("dlq") != 0 {
		t.Fatalf("cancelled message must not be dead-lettered")
	}
}

func TestDispatchRetriesDeadLetterPublish(t *testing.T) {
	t.Parallel()
	pub := &recordingPublisher{fail: 2}
	handler := func(ctx context.Context, m *Message) error {
		return DeadLetter(errors.New("bad"))
	}

	if !dispatch(context.Background(), "jobs", NewMessage("a", nil), handler, testOptions(), pub.publish) {
		t.Fatalf("expected message to settle once dead-letter publish succeeds")
	}
	if pub.count("dlq") != 1 {
		t.Fatalf("expected dead letter after publish retries")
	}
}

func TestDispatchExpiredMessage(t *testing.T) {
	t.Parallel()
	pub := &recordingPublisher{}
	opts := testOptions()
	opts.MessageTTL = time.Minute
	m := NewMessage("a", nil)
	m.Timestamp = time.Now().Add(-time.Hour)

	called := false
	dispatch(context.Background(), "jobs", m, func(context.Context, *Message) error {
		called = true
		return nil
	}, opts, pub.publish)
	if called {
		t.Fatalf("expired message should not reach the handler")
	}
	if pub.count("dlq") != 1 {
		t.Fatalf("expired message should be dead-lettered")
	}
}

func TestOffsetTrackerCommitsContiguousRuns(t *testing.T) {
	t.Parallel()
	tr := newOffsetTracker()
	msgs := []kafka.Message{
		{Partition: 0, Offset: 10},
		{Partition: 0, Offset: 11},
		{Partition: 0, Offset: 12},
		{Partition: 1, Offset: 5},
	}
	for _, m := range msgs {
		tr.track(m)
	}

	if _, ok := tr.done(msgs[1]); ok {
		t.Fatalf("offset 11 must wait for 10")
	}
	if _, ok := tr.done(msgs[2]); ok {
		t.Fatalf("offset 12 must wait for 10")
	}
	commit, ok := tr.done(msgs[0])
	if !ok || commit.Offset != 12 {
		t.Fatalf("expected commit at 12, got %v %v", commit.Offset, ok)
	}
	commit, ok = tr.done(msgs[3])
	if !ok || commit.Partition != 1 || commit.Offset != 5 {
		t.Fatalf("partition 1 should commit independently")
	}
	if tr.inFlight() != 0 {
		t.Fatalf("expected nothing in flight, got %d", tr.inFlight())
	}
}
