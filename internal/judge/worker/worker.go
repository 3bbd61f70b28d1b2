// Package worker consumes judge jobs, runs them on the external judge and records the outcome.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"judgeflow/internal/common/mq"
	"judgeflow/internal/judge/judgeclient"
	"judgeflow/internal/submission/model"
	"judgeflow/internal/submission/repository"
	appErr "judgeflow/pkg/errors"
	"judgeflow/pkg/utils/contextkey"
	"judgeflow/pkg/utils/logger"

	"go.uber.org/zap"
)

// Judge runs one execution request to completion.
type Judge interface {
	LanguageID(lang string) (int, bool)
	Execute(ctx context.Context, req judgeclient.SubmitRequest) (judgeclient.RawResult, error)
}

// Store is the slice of the submission store the worker writes.
type Store interface {
	MarkRunning(ctx context.Context, id string) (bool, error)
	SaveResult(ctx context.Context, id string, res model.Result, judgedAt time.Time) error
}

// EventPublisher emits lifecycle events.
type EventPublisher interface {
	Publish(ctx context.Context, ev model.LifecycleEvent) error
}

// StatusCache keeps the status endpoint fresh while a job runs.
type StatusCache interface {
	SetStatus(ctx context.Context, view model.StatusView, ttl time.Duration) error
	Invalidate(ctx context.Context, id string) error
}

// TimeoutConfig holds timeout settings for external calls.
type TimeoutConfig struct {
	// Job bounds the whole judge execution; zero leaves it to the poll budget.
	Job   time.Duration `yaml:"job"`
	DB    time.Duration `yaml:"db"`
	Cache time.Duration `yaml:"cache"`
	MQ    time.Duration `yaml:"mq"`
}

// Config holds worker dependencies and settings.
type Config struct {
	Judge  Judge
	Store  Store
	Events EventPublisher
	// Status is optional
	Status    StatusCache
	StatusTTL time.Duration
	Timeouts  TimeoutConfig
	Now       func() time.Time
}

// Worker judges one job per HandleMessage call and holds no locks.
type Worker struct {
	judge     Judge
	store     Store
	events    EventPublisher
	status    StatusCache
	statusTTL time.Duration
	timeouts  TimeoutConfig
	now       func() time.Time
}

func New(cfg Config) (*Worker, error) {
	if cfg.Judge == nil {
		return nil, fmt.Errorf("judge client is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("submission store is required")
	}
	if cfg.Events == nil {
		return nil, fmt.Errorf("event publisher is required")
	}
	if cfg.StatusTTL <= 0 {
		cfg.StatusTTL = repository.DefaultStatusTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Worker{
		judge:     cfg.Judge,
		store:     cfg.Store,
		events:    cfg.Events,
		status:    cfg.Status,
		statusTTL: cfg.StatusTTL,
		timeouts:  cfg.Timeouts,
		now:       cfg.Now,
	}, nil
}

// DefaultTopics are the job topics with their fetch weights.
func DefaultTopics() []mq.WeightedTopic {
	return []mq.WeightedTopic{
		{Topic: "judge.jobs.contest", Weight: 4},
		{Topic: "judge.jobs.practice", Weight: 2},
		{Topic: "judge.jobs.run", Weight: 2},
		{Topic: "judge.jobs.rejudge", Weight: 1},
	}
}

// Register subscribes the worker to topics on consumer.
func (w *Worker) Register(ctx context.Context, consumer mq.Consumer, topics []mq.WeightedTopic, opts mq.SubscribeOptions) error {
	if len(topics) == 0 {
		topics = DefaultTopics()
	}
	if opts.DeadLetterTopic == "" {
		opts.DeadLetterTopic = "judge.jobs.dlq"
	}
	if opts.ConsumerGroup == "" {
		opts.ConsumerGroup = "judge-worker"
	}
	return consumer.SubscribeWeighted(ctx, topics, w.HandleMessage, &opts)
}

// HandleMessage judges one job. A nil return acknowledges the message; a returned
// error is retried by the queue, and errors wrapped with mq.DeadLetter are parked.
func (w *Worker) HandleMessage(ctx context.Context, msg *mq.Message) error {
	job, err := decodeJob(msg)
	if err != nil {
		logger.Error(ctx, "poison judge job", zap.String("message_id", msg.ID), zap.Error(err))
		return mq.DeadLetter(err)
	}
	ctx = context.WithValue(ctx, contextkey.SubmissionID, job.SubmissionID)

	w.markRunning(ctx, job)

	res, execErr := w.execute(ctx, job)
	if execErr != nil {
		if ctx.Err() != nil {
			// Shutting down: leave the message uncommitted so another worker picks it up.
			return ctx.Err()
		}
		logger.Warn(ctx, "judge execution failed", zap.Error(execErr))
		res = model.Result{Status: model.StatusFailed, Stderr: describe(execErr)}
	}

	judgedAt := w.now().UTC()
	if err := w.saveResult(ctx, job.SubmissionID, res, judgedAt); err != nil {
		return err
	}
	w.writeStatus(ctx, model.StatusView{SubmissionID: job.SubmissionID, Status: res.Status, Score: res.Score, JudgedAt: &judgedAt}, true)

	ctxMQ, cancel := withTimeout(ctx, w.timeouts.MQ)
	defer cancel()
	if err := w.events.Publish(ctxMQ, model.FinishedEvent(job, res, judgedAt)); err != nil {
		logger.Warn(ctx, "publish finished event failed", zap.Error(err))
	}
	logger.Info(ctx, "submission judged",
		zap.String("status", string(res.Status)),
		zap.Int("score", res.Score),
		zap.Float64("time", res.Time),
		zap.Int64("memory", res.Memory),
	)
	return nil
}

func decodeJob(msg *mq.Message) (*model.JudgeJob, error) {
	if msg == nil {
		return nil, errors.New("message is nil")
	}
	var job model.JudgeJob
	if err := json.Unmarshal(msg.Body, &job); err != nil {
		return nil, fmt.Errorf("decode judge job: %w", err)
	}
	if job.SubmissionID == "" || job.Language == "" {
		return nil, errors.New("judge job missing submission id or language")
	}
	return &job, nil
}

func (w *Worker) markRunning(ctx context.Context, job *model.JudgeJob) {
	ctxDB, cancel := withTimeout(ctx, w.timeouts.DB)
	applied, err := w.store.MarkRunning(ctxDB, job.SubmissionID)
	cancel()
	switch {
	case err != nil:
		logger.Warn(ctx, "mark running failed", zap.Error(err))
	case !applied:
		logger.Info(ctx, "submission already judged, replaying")
	default:
		w.writeStatus(ctx, model.StatusView{SubmissionID: job.SubmissionID, Status: model.StatusRunning}, false)
	}
}

func (w *Worker) saveResult(ctx context.Context, id string, res model.Result, judgedAt time.Time) error {
	ctxDB, cancel := withTimeout(ctx, w.timeouts.DB)
	defer cancel()
	err := w.store.SaveResult(ctxDB, id, res, judgedAt)
	if err == nil {
		return nil
	}
	if errors.Is(err, repository.ErrSubmissionNotFound) {
		return mq.DeadLetter(fmt.Errorf("submission %s not found: %w", id, err))
	}
	return fmt.Errorf("save result: %w", err)
}

// writeStatus refreshes the status entry. Terminal writes also drop any cached result.
func (w *Worker) writeStatus(ctx context.Context, view model.StatusView, terminal bool) {
	if w.status == nil {
		return
	}
	ctxCache, cancel := withTimeout(ctx, w.timeouts.Cache)
	defer cancel()
	if terminal {
		if err := w.status.Invalidate(ctxCache, view.SubmissionID); err != nil {
			logger.Warn(ctx, "invalidate result cache failed", zap.Error(err))
		}
	}
	if err := w.status.SetStatus(ctxCache, view, w.statusTTL); err != nil {
		logger.Warn(ctx, "write status cache failed", zap.Error(err))
	}
}

// describe renders err for the submission's stderr, keeping the cause behind coded errors.
func describe(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "judge timed out: " + err.Error()
	}
	var coded *appErr.Error
	if errors.As(err, &coded) && coded.Err != nil {
		return coded.Error() + ": " + coded.Err.Error()
	}
	return err.Error()
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}
