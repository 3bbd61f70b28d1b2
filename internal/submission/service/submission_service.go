package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"judgeflow/internal/common/mq"
	"judgeflow/internal/submission/model"
	"judgeflow/internal/submission/ratelimit"
	"judgeflow/internal/submission/repository"
	appErr "judgeflow/pkg/errors"
	"judgeflow/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultMaxCodeBytes  = 65536
	defaultMaxStdinBytes = 1 << 20
	defaultCPULimitSec   = 2
	defaultMemoryLimitKB = 262144
)

// LanguageTable resolves the languages the judge accepts.
type LanguageTable interface {
	LanguageID(lang string) (int, bool)
}

// RateLimiter counts one request against a user's quota.
type RateLimiter interface {
	Check(ctx context.Context, userID string, scope ratelimit.Scope) (ratelimit.Decision, error)
}

// EventPublisher emits lifecycle events.
type EventPublisher interface {
	Publish(ctx context.Context, ev model.LifecycleEvent) error
}

// ResultCache is the read-through cache of results and status.
type ResultCache interface {
	ReadThrough(ctx context.Context, id string, load func(context.Context) (*model.Submission, error)) (*model.Submission, error)
	SetStatus(ctx context.Context, view model.StatusView, ttl time.Duration) error
	GetStatus(ctx context.Context, id string) (*model.StatusView, error)
	Invalidate(ctx context.Context, id string) error
	InvalidateResult(ctx context.Context, id string) error
}

// SourceArchive keeps a compressed copy of submitted source.
type SourceArchive interface {
	Put(ctx context.Context, submissionID, source string) error
	Get(ctx context.Context, submissionID string) (string, error)
}

// TopicConfig maps scenes to job topics.
type TopicConfig struct {
	Contest  string `yaml:"contest"`
	Practice string `yaml:"practice"`
	Run      string `yaml:"run"`
	Rejudge  string `yaml:"rejudge"`
}

// DefaultTopics returns the standard job topics.
func DefaultTopics() TopicConfig {
	return TopicConfig{
		Contest:  "judge.jobs.contest",
		Practice: "judge.jobs.practice",
		Run:      "judge.jobs.run",
		Rejudge:  "judge.jobs.rejudge",
	}
}

// TimeoutConfig holds timeout settings for external calls.
type TimeoutConfig struct {
	DB      time.Duration `yaml:"db"`
	Cache   time.Duration `yaml:"cache"`
	MQ      time.Duration `yaml:"mq"`
	Storage time.Duration `yaml:"storage"`
}

// Config holds submission service dependencies and settings.
type Config struct {
	Store     repository.SubmissionStore
	Catalog   repository.Catalog
	Limiter   RateLimiter
	Languages LanguageTable
	Queue     mq.Producer
	Events    EventPublisher
	Results   ResultCache

	// Optional collaborators
	Archive     SourceArchive
	Idempotency *IdempotencyGuard

	Topics        TopicConfig
	MaxCodeBytes  int
	MaxStdinBytes int
	StatusTTL     time.Duration
	Timeouts      TimeoutConfig
	Now           func() time.Time
}

// SubmissionService admits submissions, enqueues judge jobs and serves reads.
type SubmissionService struct {
	store     repository.SubmissionStore
	catalog   repository.Catalog
	limiter   RateLimiter
	languages LanguageTable
	queue     mq.Producer
	events    EventPublisher
	results   ResultCache
	archive   SourceArchive
	idem      *IdempotencyGuard

	topics        TopicConfig
	maxCodeBytes  int
	maxStdinBytes int
	statusTTL     time.Duration
	timeouts      TimeoutConfig
	now           func() time.Time
}

// SubmitInput describes a graded submission.
type SubmitInput struct {
	UserID         string
	ProblemID      string
	Language       string
	Code           string
	ContestID      string
	IdempotencyKey string
}

// RunInput describes an ungraded run against custom stdin.
type RunInput struct {
	UserID    string
	ProblemID string
	Language  string
	Code      string
	Stdin     string
}

// SubmitResult is returned as soon as the job is queued.
type SubmitResult struct {
	SubmissionID string       `json:"submissionId"`
	Status       model.Status `json:"status"`
	CreatedAt    time.Time    `json:"createdAt"`
}

// Viewer identifies the caller of a read.
type Viewer struct {
	UserID string
	Admin  bool
}

// NewSubmissionService creates a new submission service.
func NewSubmissionService(cfg Config) (*SubmissionService, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("submission store is required")
	}
	if cfg.Catalog == nil {
		return nil, fmt.Errorf("catalog is required")
	}
	if cfg.Limiter == nil {
		return nil, fmt.Errorf("rate limiter is required")
	}
	if cfg.Languages == nil {
		return nil, fmt.Errorf("language table is required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("job queue is required")
	}
	if cfg.Events == nil {
		return nil, fmt.Errorf("event publisher is required")
	}
	if cfg.Results == nil {
		return nil, fmt.Errorf("result cache is required")
	}
	def := DefaultTopics()
	if cfg.Topics.Contest == "" {
		cfg.Topics.Contest = def.Contest
	}
	if cfg.Topics.Practice == "" {
		cfg.Topics.Practice = def.Practice
	}
	if cfg.Topics.Run == "" {
		cfg.Topics.Run = def.Run
	}
	if cfg.Topics.Rejudge == "" {
		cfg.Topics.Rejudge = def.Rejudge
	}
	if cfg.MaxCodeBytes <= 0 {
		cfg.MaxCodeBytes = defaultMaxCodeBytes
	}
	if cfg.MaxStdinBytes <= 0 {
		cfg.MaxStdinBytes = defaultMaxStdinBytes
	}
	if cfg.StatusTTL <= 0 {
		cfg.StatusTTL = repository.DefaultStatusTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &SubmissionService{
		store:         cfg.Store,
		catalog:       cfg.Catalog,
		limiter:       cfg.Limiter,
		languages:     cfg.Languages,
		queue:         cfg.Queue,
		events:        cfg.Events,
		results:       cfg.Results,
		archive:       cfg.Archive,
		idem:          cfg.Idempotency,
		topics:        cfg.Topics,
		maxCodeBytes:  cfg.MaxCodeBytes,
		maxStdinBytes: cfg.MaxStdinBytes,
		statusTTL:     cfg.StatusTTL,
		timeouts:      cfg.Timeouts,
		now:           cfg.Now,
	}, nil
}

// Submit admits a graded submission and enqueues it.
func (s *SubmissionService) Submit(ctx context.Context, input SubmitInput) (SubmitResult, error) {
	if err := s.validateSource(input.UserID, input.ProblemID, input.Language, input.Code); err != nil {
		return SubmitResult{}, err
	}
	if err := s.checkRateLimit(ctx, input.UserID, ratelimit.ScopeSubmit); err != nil {
		return SubmitResult{}, err
	}
	problem, err := s.loadProblem(ctx, input.ProblemID)
	if err != nil {
		return SubmitResult{}, err
	}
	if problem.SourceLimit > 0 && len(input.Code) > problem.SourceLimit {
		return SubmitResult{}, appErr.Newf(appErr.CodeTooLarge, "source code exceeds the problem limit of %d bytes", problem.SourceLimit)
	}
	if input.ContestID != "" {
		if err := s.checkContest(ctx, input.ContestID, input.UserID, input.ProblemID); err != nil {
			return SubmitResult{}, err
		}
	} else if !problem.IsPublic {
		return SubmitResult{}, appErr.New(appErr.ProblemNotPublic)
	}

	acquired, existingID, err := s.idem.Acquire(ctx, input.UserID, input.IdempotencyKey)
	if err != nil {
		return SubmitResult{}, err
	}
	if existingID != "" {
		return s.replayed(ctx, existingID)
	}

	sub := &model.Submission{
		ID:        uuid.NewString(),
		UserID:    input.UserID,
		ProblemID: input.ProblemID,
		ContestID: input.ContestID,
		Language:  normalizeLanguage(input.Language),
		Source:    input.Code,
		Status:    model.StatusQueued,
		CreatedAt: s.now().UTC(),
	}
	res, err := s.admit(ctx, sub, buildJob(sub, problem), false)
	if err != nil {
		s.idem.Release(ctx, input.UserID, input.IdempotencyKey, acquired)
		return SubmitResult{}, err
	}
	s.idem.Finalize(ctx, input.UserID, input.IdempotencyKey, sub.ID, acquired)
	return res, nil
}

// Run admits an ungraded execution with custom stdin.
func (s *SubmissionService) Run(ctx context.Context, input RunInput) (SubmitResult, error) {
	if err := s.validateSource(input.UserID, input.ProblemID, input.Language, input.Code); err != nil {
		return SubmitResult{}, err
	}
	if len(input.Stdin) > s.maxStdinBytes {
		return SubmitResult{}, appErr.ValidationError("stdin", "too_large")
	}
	if err := s.checkRateLimit(ctx, input.UserID, ratelimit.ScopeRun); err != nil {
		return SubmitResult{}, err
	}
	problem, err := s.loadProblem(ctx, input.ProblemID)
	if err != nil {
		return SubmitResult{}, err
	}
	if problem.SourceLimit > 0 && len(input.Code) > problem.SourceLimit {
		return SubmitResult{}, appErr.Newf(appErr.CodeTooLarge, "source code exceeds the problem limit of %d bytes", problem.SourceLimit)
	}

	sub := &model.Submission{
		ID:        uuid.NewString(),
		UserID:    input.UserID,
		ProblemID: input.ProblemID,
		Language:  normalizeLanguage(input.Language),
		Source:    input.Code,
		Stdin:     input.Stdin,
		IsRunOnly: true,
		Status:    model.StatusQueued,
		CreatedAt: s.now().UTC(),
	}
	return s.admit(ctx, sub, buildJob(sub, problem), false)
}

// Rejudge resets a terminal submission and enqueues it on the rejudge topic.
func (s *SubmissionService) Rejudge(ctx context.Context, submissionID string) (SubmitResult, error) {
	if strings.TrimSpace(submissionID) == "" {
		return SubmitResult{}, appErr.ValidationError("submission_id", "required")
	}
	current, err := s.getFromStore(ctx, submissionID)
	if err != nil {
		return SubmitResult{}, err
	}
	if !current.Status.IsTerminal() {
		return SubmitResult{}, appErr.Newf(appErr.SubmissionNotRejudgeable, "submission is %s", current.Status)
	}
	problem, err := s.loadProblem(ctx, current.ProblemID)
	if err != nil {
		return SubmitResult{}, err
	}

	ctxDB := withTimeout(ctx, s.timeouts.DB)
	sub, err := s.store.ResetForRejudge(ctxDB.ctx, submissionID)
	ctxDB.cancel()
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrSubmissionNotFound):
			return SubmitResult{}, appErr.New(appErr.SubmissionNotFound)
		case errors.Is(err, repository.ErrNotRejudgeable):
			return SubmitResult{}, appErr.New(appErr.SubmissionNotRejudgeable)
		}
		return SubmitResult{}, appErr.Wrapf(err, appErr.DatabaseError, "reset submission failed")
	}

	ctxCache := withTimeout(ctx, s.timeouts.Cache)
	if err := s.results.Invalidate(ctxCache.ctx, submissionID); err != nil {
		logger.Warn(ctx, "invalidate result cache failed", zap.String("submission_id", submissionID), zap.Error(err))
	}
	ctxCache.cancel()

	if sub.Source == "" && s.archive != nil {
		ctxStorage := withTimeout(ctx, s.timeouts.Storage)
		source, archErr := s.archive.Get(ctxStorage.ctx, submissionID)
		ctxStorage.cancel()
		if archErr != nil {
			logger.Warn(ctx, "load archived source failed", zap.String("submission_id", submissionID), zap.Error(archErr))
		}
		sub.Source = source
	}

	job := buildJob(sub, problem)
	res, err := s.dispatch(ctx, sub, job, s.topics.Rejudge, true)
	if err != nil {
		return res, err
	}
	// A Get that loaded the old verdict before the reset may have cached it since.
	ctxCache = withTimeout(ctx, s.timeouts.Cache)
	if err := s.results.InvalidateResult(ctxCache.ctx, submissionID); err != nil {
		logger.Warn(ctx, "invalidate result cache failed", zap.String("submission_id", submissionID), zap.Error(err))
	}
	ctxCache.cancel()
	return res, nil
}

// Get returns one submission, redacted unless the viewer owns it or is an admin.
func (s *SubmissionService) Get(ctx context.Context, viewer Viewer, submissionID string) (*model.Submission, error) {
	if strings.TrimSpace(submissionID) == "" {
		return nil, appErr.ValidationError("submission_id", "required")
	}
	sub, err := s.results.ReadThrough(ctx, submissionID, func(ctx context.Context) (*model.Submission, error) {
		sub, err := s.getFromStore(ctx, submissionID)
		if appErr.GetCode(err) == appErr.SubmissionNotFound {
			return nil, nil
		}
		return sub, err
	})
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, appErr.New(appErr.SubmissionNotFound)
	}
	if viewer.Admin {
		return sub, nil
	}
	return sub.VisibleTo(viewer.UserID), nil
}

// GetStatus returns the lightweight status, from the cache when present.
func (s *SubmissionService) GetStatus(ctx context.Context, submissionID string) (model.StatusView, error) {
	if strings.TrimSpace(submissionID) == "" {
		return model.StatusView{}, appErr.ValidationError("submission_id", "required")
	}
	ctxCache := withTimeout(ctx, s.timeouts.Cache)
	view, err := s.results.GetStatus(ctxCache.ctx, submissionID)
	ctxCache.cancel()
	if err != nil {
		logger.Warn(ctx, "read status cache failed", zap.String("submission_id", submissionID), zap.Error(err))
	}
	if view != nil {
		return *view, nil
	}

	sub, err := s.getFromStore(ctx, submissionID)
	if err != nil {
		return model.StatusView{}, err
	}
	fresh := sub.StatusView()
	if sub.Status.IsTerminal() {
		s.writeStatus(ctx, fresh)
	}
	return fresh, nil
}

// List returns the caller's submissions without source or output.
func (s *SubmissionService) List(ctx context.Context, filter model.ListFilter) ([]*model.Submission, int64, error) {
	if filter.UserID == "" {
		return nil, 0, appErr.ValidationError("user_id", "required")
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, 0, appErr.ValidationError("status", "unknown")
	}
	filter.Page, filter.PageSize = repository.NormalizePage(filter.Page, filter.PageSize)

	ctxDB := withTimeout(ctx, s.timeouts.DB)
	defer ctxDB.cancel()
	items, total, err := s.store.ListByUser(ctxDB.ctx, filter)
	if err != nil {
		return nil, 0, appErr.Wrapf(err, appErr.DatabaseError, "list submissions failed")
	}
	out := make([]*model.Submission, 0, len(items))
	for _, item := range items {
		out = append(out, item.Redacted())
	}
	return out, total, nil
}

func (s *SubmissionService) validateSource(userID, problemID, language, code string) error {
	if strings.TrimSpace(userID) == "" {
		return appErr.ValidationError("user_id", "required")
	}
	if strings.TrimSpace(problemID) == "" {
		return appErr.ValidationError("problem_id", "required")
	}
	if strings.TrimSpace(code) == "" {
		return appErr.ValidationError("code", "required")
	}
	if len(code) > s.maxCodeBytes {
		return appErr.Newf(appErr.CodeTooLarge, "source code exceeds %d bytes", s.maxCodeBytes)
	}
	if strings.TrimSpace(language) == "" {
		return appErr.ValidationError("language", "required")
	}
	if _, ok := s.languages.LanguageID(language); !ok {
		return appErr.Newf(appErr.LanguageNotSupported, "language %q is not supported", language)
	}
	return nil
}

func (s *SubmissionService) checkRateLimit(ctx context.Context, userID string, scope ratelimit.Scope) error {
	decision, err := s.limiter.Check(ctx, userID, scope)
	if err != nil {
		logger.Warn(ctx, "rate limit check failed, allowing", zap.String("scope", string(scope)), zap.Error(err))
	}
	if decision.Allowed {
		return nil
	}
	return appErr.RateLimited(decision.Remaining, decision.ResetInSeconds())
}

func (s *SubmissionService) loadProblem(ctx context.Context, problemID string) (*repository.Problem, error) {
	ctxDB := withTimeout(ctx, s.timeouts.DB)
	defer ctxDB.cancel()
	problem, err := s.catalog.GetProblem(ctxDB.ctx, problemID)
	if err != nil {
		if errors.Is(err, repository.ErrProblemNotFound) {
			return nil, appErr.New(appErr.ProblemNotFound)
		}
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "load problem failed")
	}
	return problem, nil
}

func (s *SubmissionService) checkContest(ctx context.Context, contestID, userID, problemID string) error {
	ctxDB := withTimeout(ctx, s.timeouts.DB)
	defer ctxDB.cancel()

	contest, err := s.catalog.GetContest(ctxDB.ctx, contestID)
	if err != nil {
		if errors.Is(err, repository.ErrContestNotFound) {
			return appErr.New(appErr.ContestNotFound)
		}
		return appErr.Wrapf(err, appErr.DatabaseError, "load contest failed")
	}
	if contest.Status != repository.ContestStatusRunning {
		return appErr.New(appErr.ContestNotRunning)
	}
	now := s.now()
	if now.Before(contest.StartTime) || now.After(contest.EndTime) {
		return appErr.New(appErr.ContestNotActive)
	}
	registered, err := s.catalog.IsRegistered(ctxDB.ctx, contestID, userID)
	if err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "check registration failed")
	}
	if !registered {
		return appErr.New(appErr.NotRegistered)
	}
	inContest, err := s.catalog.ContestHasProblem(ctxDB.ctx, contestID, problemID)
	if err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "check contest problem failed")
	}
	if !inContest {
		return appErr.New(appErr.ProblemNotInContest)
	}
	return nil
}

func (s *SubmissionService) getFromStore(ctx context.Context, submissionID string) (*model.Submission, error) {
	ctxDB := withTimeout(ctx, s.timeouts.DB)
	defer ctxDB.cancel()
	sub, err := s.store.GetByID(ctxDB.ctx, submissionID)
	if err != nil {
		if errors.Is(err, repository.ErrSubmissionNotFound) {
			return nil, appErr.New(appErr.SubmissionNotFound)
		}
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "get submission failed")
	}
	return sub, nil
}

func (s *SubmissionService) replayed(ctx context.Context, submissionID string) (SubmitResult, error) {
	sub, err := s.getFromStore(ctx, submissionID)
	if err != nil {
		return SubmitResult{}, err
	}
	return SubmitResult{SubmissionID: sub.ID, Status: sub.Status, CreatedAt: sub.CreatedAt}, nil
}

func (s *SubmissionService) writeStatus(ctx context.Context, view model.StatusView) {
	ctxCache := withTimeout(ctx, s.timeouts.Cache)
	defer ctxCache.cancel()
	if err := s.results.SetStatus(ctxCache.ctx, view, s.statusTTL); err != nil {
		logger.Warn(ctx, "write status cache failed", zap.String("submission_id", view.SubmissionID), zap.Error(err))
	}
}

func normalizeLanguage(lang string) string {
	return strings.ToLower(strings.TrimSpace(lang))
}

type timeoutCtx struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func withTimeout(ctx context.Context, timeout time.Duration) timeoutCtx {
	if timeout <= 0 {
		return timeoutCtx{ctx: ctx, cancel: func() {}}
	}
	ctxTimeout, cancel := context.WithTimeout(ctx, timeout)
	return timeoutCtx{ctx: ctxTimeout, cancel: cancel}
}
