package mq

import (
	"context"
	"fmt"
	"time"

	"judgeflow/pkg/utils/logger"

	"go.uber.org/zap"
)

type publishFunc func(ctx context.Context, topic string, message *Message) error

// dispatch runs handler for m with retries and dead-lettering.
// It returns true when the message is settled and may be acknowledged. A false return
// means ctx ended first and the message must stay unacknowledged for redelivery.
func dispatch(ctx context.Context, topic string, m *Message, handler HandlerFunc, opts SubscribeOptions, publish publishFunc) bool {
	if opts.MessageTTL > 0 && !m.Timestamp.IsZero() && time.Since(m.Timestamp) > opts.MessageTTL {
		return deadLetter(ctx, topic, m, opts, publish, "message expired")
	}

	for {
		err := safeHandle(ctx, handler, m)
		if err == nil {
			return true
		}
		if IsDeadLetter(err) {
			logger.Warn(ctx, "message rejected by handler",
				zap.String("topic", topic), zap.String("message_id", m.ID), zap.Error(err))
			return deadLetter(ctx, topic, m, opts, publish, err.Error())
		}
		if ctx.Err() != nil {
			return false
		}

		m.RetryCount++
		if m.RetryCount > opts.MaxRetries {
			logger.Error(ctx, "message retries exhausted",
				zap.String("topic", topic), zap.String("message_id", m.ID),
				zap.Int("retries", m.RetryCount-1), zap.Error(err))
			return deadLetter(ctx, topic, m, opts, publish, err.Error())
		}
		logger.Warn(ctx, "message handler failed, retrying",
			zap.String("topic", topic), zap.String("message_id", m.ID),
			zap.Int("attempt", m.RetryCount), zap.Error(err))
		if !sleepCtx(ctx, opts.RetryDelay) {
			return false
		}
	}
}

func safeHandle(ctx context.Context, handler HandlerFunc, m *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = DeadLetter(fmt.Errorf("handler panic: %v", r))
		}
	}()
	return handler(ctx, m)
}

// deadLetter keeps trying until the dead-letter write succeeds or ctx ends,
// so a message is never acknowledged without landing somewhere.
func deadLetter(ctx context.Context, topic string, m *Message, opts SubscribeOptions, publish publishFunc, reason string) bool {
	if opts.DeadLetterTopic == "" {
		logger.Error(ctx, "no dead-letter topic configured, dropping message",
			zap.String("topic", topic), zap.String("message_id", m.ID),
			zap.String("reason", reason), zap.ByteString("body", m.Body))
		return true
	}

	dl := m.Clone()
	dl.SetHeader(HeaderDeadLetterReason, reason)
	dl.SetHeader(HeaderOriginalTopic, topic)
	for {
		err := publish(ctx, opts.DeadLetterTopic, dl)
		if err == nil {
			logger.Warn(ctx, "message dead-lettered",
				zap.String("topic", topic), zap.String("dead_letter_topic", opts.DeadLetterTopic),
				zap.String("message_id", m.ID), zap.String("reason", reason))
			return true
		}
		logger.Error(ctx, "publish to dead-letter topic failed",
			zap.String("dead_letter_topic", opts.DeadLetterTopic), zap.String("message_id", m.ID), zap.Error(err))
		if !sleepCtx(ctx, opts.RetryDelay) {
			return false
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
