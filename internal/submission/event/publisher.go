// Package event publishes and decodes submission lifecycle events.
package event

import (
	"context"
	"encoding/json"
	"fmt"

	"judgeflow/internal/common/mq"
	"judgeflow/internal/submission/model"
	appErr "judgeflow/pkg/errors"
)

const (
	DefaultTopic = "submission.events"

	headerEventType = "event-type"
)

// Publisher writes lifecycle events to one topic keyed by submission id, so the
// events of a submission stay in a single partition in publish order.
type Publisher struct {
	producer mq.Producer
	topic    string
}

func NewPublisher(producer mq.Producer, topic string) *Publisher {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Publisher{producer: producer, topic: topic}
}

func (p *Publisher) Topic() string {
	return p.topic
}

// Publish writes ev. Callers treat failures as best-effort and log them.
func (p *Publisher) Publish(ctx context.Context, ev model.LifecycleEvent) error {
	if p == nil || p.producer == nil {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("event publisher is not configured")
	}
	if ev.SubmissionID == "" {
		return appErr.ValidationError("submissionId", "required")
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal lifecycle event failed: %w", err)
	}
	msg := mq.NewMessage(ev.SubmissionID, payload)
	if !ev.Timestamp.IsZero() {
		msg.Timestamp = ev.Timestamp
	}
	msg.SetHeader(headerEventType, string(ev.Type))
	if err := p.producer.Publish(ctx, p.topic, msg); err != nil {
		return appErr.Wrapf(err, appErr.PublishFailed, "publish %s event failed", ev.Type)
	}
	return nil
}

// Decode parses a lifecycle event from a queue message.
func Decode(msg *mq.Message) (model.LifecycleEvent, error) {
	var ev model.LifecycleEvent
	if msg == nil {
		return ev, mq.ErrNilMessage
	}
	if err := json.Unmarshal(msg.Body, &ev); err != nil {
		return ev, fmt.Errorf("decode lifecycle event: %w", err)
	}
	if ev.SubmissionID == "" || (ev.Type != model.EventCreated && ev.Type != model.EventFinished) {
		return ev, fmt.Errorf("invalid lifecycle event %q for %q", ev.Type, ev.SubmissionID)
	}
	return ev, nil
}
