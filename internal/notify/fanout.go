package notify

import (
	"context"
	"encoding/json"

	"judgeflow/internal/common/mq"
	"judgeflow/internal/submission/event"
	"judgeflow/internal/submission/model"
	"judgeflow/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Envelope is the frame pushed to websocket clients.
type Envelope struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// EventName maps a lifecycle event type to its websocket event name.
func EventName(t model.EventType) string {
	return "submission:" + string(t)
}

// Fanout forwards lifecycle events from the queue to the hub.
type Fanout struct {
	hub *Hub
}

func NewFanout(hub *Hub) *Fanout {
	return &Fanout{hub: hub}
}

// Register subscribes to the events topic with a group unique to this instance,
// so every instance sees every event. Only events published after start are delivered.
func (f *Fanout) Register(ctx context.Context, consumer mq.Consumer, topic, groupPrefix string) (string, error) {
	if topic == "" {
		topic = event.DefaultTopic
	}
	if groupPrefix == "" {
		groupPrefix = "submission-notify"
	}
	group := groupPrefix + "-" + uuid.NewString()
	opts := &mq.SubscribeOptions{ConsumerGroup: group, StartFromLatest: true, MaxRetries: 1}
	if err := consumer.SubscribeWithOptions(ctx, topic, f.HandleEvent, opts); err != nil {
		return "", err
	}
	return group, nil
}

// HandleEvent pushes one event to its owner's sessions. Undecodable events are
// dropped; notifications are best-effort and never retried.
func (f *Fanout) HandleEvent(ctx context.Context, msg *mq.Message) error {
	ev, err := event.Decode(msg)
	if err != nil {
		logger.Warn(ctx, "drop undecodable lifecycle event", zap.Error(err))
		return nil
	}
	if ev.UserID == "" {
		return nil
	}
	payload, err := json.Marshal(Envelope{Event: EventName(ev.Type), Data: ev})
	if err != nil {
		logger.Warn(ctx, "encode notification failed", zap.Error(err))
		return nil
	}
	delivered := f.hub.Send(ev.UserID, payload)
	logger.Debug(ctx, "notification fanned out",
		zap.String("submission_id", ev.SubmissionID),
		zap.String("event", string(ev.Type)),
		zap.Int("sessions", delivered),
	)
	return nil
}
