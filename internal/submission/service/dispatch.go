package service

import (
	"context"
	"encoding/json"
	"fmt"

	"judgeflow/internal/common/mq"
	"judgeflow/internal/submission/model"
	"judgeflow/internal/submission/repository"
	appErr "judgeflow/pkg/errors"
	"judgeflow/pkg/utils/logger"

	"go.uber.org/zap"
)

// admit persists a new QUEUED row and hands it to dispatch.
func (s *SubmissionService) admit(ctx context.Context, sub *model.Submission, job *model.JudgeJob, rejudge bool) (SubmitResult, error) {
	ctxDB := withTimeout(ctx, s.timeouts.DB)
	err := s.store.Create(ctxDB.ctx, sub)
	ctxDB.cancel()
	if err != nil {
		return SubmitResult{}, appErr.Wrapf(err, appErr.DatabaseError, "create submission failed")
	}

	res, err := s.dispatch(ctx, sub, job, s.topicFor(job.Scene()), rejudge)
	if err != nil {
		return SubmitResult{}, err
	}
	s.archiveSource(ctx, sub)
	return res, nil
}

// dispatch publishes created, enqueues the job and records the QUEUED status.
// A failed enqueue marks the row FAILED so it never stays pending.
func (s *SubmissionService) dispatch(ctx context.Context, sub *model.Submission, job *model.JudgeJob, topic string, rejudge bool) (SubmitResult, error) {
	ctxMQ := withTimeout(ctx, s.timeouts.MQ)
	if err := s.events.Publish(ctxMQ.ctx, model.CreatedEvent(sub, rejudge, s.now().UTC())); err != nil {
		logger.Warn(ctx, "publish created event failed", zap.String("submission_id", sub.ID), zap.Error(err))
	}
	ctxMQ.cancel()

	if err := s.enqueue(ctx, topic, job); err != nil {
		logger.Error(ctx, "enqueue judge job failed",
			zap.String("submission_id", sub.ID),
			zap.String("topic", topic),
			zap.Error(err),
		)
		s.markEnqueueFailed(ctx, sub.ID, err)
		return SubmitResult{}, appErr.Wrapf(err, appErr.QueueUnavailable, "judge queue is unavailable")
	}

	s.writeStatus(ctx, model.StatusView{SubmissionID: sub.ID, Status: model.StatusQueued})
	return SubmitResult{SubmissionID: sub.ID, Status: model.StatusQueued, CreatedAt: sub.CreatedAt}, nil
}

func (s *SubmissionService) enqueue(ctx context.Context, topic string, job *model.JudgeJob) error {
	if topic == "" {
		return fmt.Errorf("judge topic is not configured for scene %s", job.Scene())
	}
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode judge job failed: %w", err)
	}
	message := mq.NewMessage(job.SubmissionID, body)
	message.SetHeader("scene", string(job.Scene()))
	ctxMQ := withTimeout(ctx, s.timeouts.MQ)
	defer ctxMQ.cancel()
	return s.queue.Publish(ctxMQ.ctx, topic, message)
}

func (s *SubmissionService) markEnqueueFailed(ctx context.Context, submissionID string, cause error) {
	// The request context may already be done; the row must still leave QUEUED.
	ctxDB := withTimeout(context.WithoutCancel(ctx), s.timeouts.DB)
	defer ctxDB.cancel()
	if err := s.store.MarkFailed(ctxDB.ctx, submissionID, "enqueue failed: "+cause.Error(), s.now().UTC()); err != nil {
		logger.Error(ctx, "mark submission failed after enqueue error failed", zap.String("submission_id", submissionID), zap.Error(err))
	}
}

func (s *SubmissionService) archiveSource(ctx context.Context, sub *model.Submission) {
	if s.archive == nil {
		return
	}
	ctxStorage := withTimeout(ctx, s.timeouts.Storage)
	defer ctxStorage.cancel()
	if err := s.archive.Put(ctxStorage.ctx, sub.ID, sub.Source); err != nil {
		logger.Warn(ctx, "archive source failed", zap.String("submission_id", sub.ID), zap.Error(err))
	}
}

func (s *SubmissionService) topicFor(scene model.Scene) string {
	switch scene {
	case model.SceneContest:
		return s.topics.Contest
	case model.SceneRun:
		return s.topics.Run
	case model.SceneRejudge:
		return s.topics.Rejudge
	default:
		return s.topics.Practice
	}
}

// buildJob denormalizes the problem limits and test cases into the queue payload.
func buildJob(sub *model.Submission, problem *repository.Problem) *model.JudgeJob {
	job := &model.JudgeJob{
		SubmissionID:  sub.ID,
		UserID:        sub.UserID,
		ProblemID:     sub.ProblemID,
		ContestID:     sub.ContestID,
		Language:      sub.Language,
		Source:        sub.Source,
		Stdin:         sub.Stdin,
		CPULimitSec:   defaultCPULimitSec,
		MemoryLimitKB: defaultMemoryLimitKB,
		CreatedAt:     sub.CreatedAt,
		IsRunOnly:     sub.IsRunOnly,
	}
	if problem == nil {
		return job
	}
	if problem.TimeLimitSec > 0 {
		job.CPULimitSec = problem.TimeLimitSec
	}
	if problem.MemoryLimitKB > 0 {
		job.MemoryLimitKB = problem.MemoryLimitKB
	}
	if sub.IsRunOnly {
		return job
	}
	for _, tc := range problem.TestCases {
		job.TestCases = append(job.TestCases, model.JobTestCase{
			Input:          tc.Input,
			ExpectedOutput: tc.ExpectedOutput,
			Points:         tc.Points,
		})
	}
	return job
}
