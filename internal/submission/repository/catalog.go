package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"judgeflow/internal/common/cache"
	"judgeflow/internal/common/db"
)

const (
	problemMetaKeyPrefix = "problem:meta:"
	problemMetaTTL       = time.Minute
	problemMetaEmptyTTL  = 10 * time.Second

	ContestStatusRunning = "RUNNING"
)

var (
	ErrProblemNotFound = errors.New("problem not found")
	ErrContestNotFound = errors.New("contest not found")
)

// Problem is the catalog projection intake needs to admit and route a submission.
type Problem struct {
	ID            string     `db:"id" json:"id"`
	Title         string     `db:"title" json:"title"`
	IsPublic      bool       `db:"is_public" json:"isPublic"`
	SourceLimit   int        `db:"source_limit" json:"sourceLimit"`
	TimeLimitSec  float64    `db:"time_limit_sec" json:"timeLimitSec"`
	MemoryLimitKB int64      `db:"memory_limit_kb" json:"memoryLimitKb"`
	TestCases     []TestCase `db:"-" json:"testCases,omitempty"`
}

type TestCase struct {
	Ordinal        int    `db:"ordinal" json:"ordinal"`
	Input          string `db:"input" json:"input"`
	ExpectedOutput string `db:"expected_output" json:"expectedOutput"`
	Points         int    `db:"points" json:"points"`
}

type Contest struct {
	ID        string    `db:"id"`
	Status    string    `db:"status"`
	StartTime time.Time `db:"start_time"`
	EndTime   time.Time `db:"end_time"`
}

// Catalog answers problem and contest eligibility questions owned by other services.
type Catalog interface {
	GetProblem(ctx context.Context, id string) (*Problem, error)
	GetContest(ctx context.Context, id string) (*Contest, error)
	IsRegistered(ctx context.Context, contestID, userID string) (bool, error)
	ContestHasProblem(ctx context.Context, contestID, problemID string) (bool, error)
}

// SQLCatalog reads the catalog tables and caches problem metadata in Redis.
type SQLCatalog struct {
	db    db.Database
	cache cache.Cache
}

// NewCatalog creates a catalog; cacheClient may be nil.
func NewCatalog(database db.Database, cacheClient cache.Cache) *SQLCatalog {
	return &SQLCatalog{db: database, cache: cacheClient}
}

func (c *SQLCatalog) GetProblem(ctx context.Context, id string) (*Problem, error) {
	if id == "" {
		return nil, ErrProblemNotFound
	}
	var (
		problem *Problem
		err     error
	)
	if c.cache != nil {
		problem, err = cache.GetWithCached[*Problem](
			ctx,
			c.cache,
			problemMetaKeyPrefix+id,
			cache.JitterTTL(problemMetaTTL),
			problemMetaEmptyTTL,
			func(p *Problem) bool { return p == nil },
			nil,
			marshalProblem,
			unmarshalProblem,
			func(ctx context.Context) (*Problem, error) { return c.loadProblem(ctx, id) },
		)
	} else {
		problem, err = c.loadProblem(ctx, id)
	}
	if err != nil {
		return nil, err
	}
	if problem == nil {
		return nil, ErrProblemNotFound
	}
	return problem, nil
}

// loadProblem returns nil, nil for a missing problem so the absence can be cached.
func (c *SQLCatalog) loadProblem(ctx context.Context, id string) (*Problem, error) {
	var p Problem
	err := c.db.Get(ctx, &p,
		"SELECT id, title, is_public, source_limit, time_limit_sec, memory_limit_kb FROM problems WHERE id = ?", id)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	if err := c.db.Select(ctx, &p.TestCases,
		"SELECT ordinal, input, expected_output, points FROM test_cases WHERE problem_id = ? ORDER BY ordinal", id); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *SQLCatalog) GetContest(ctx context.Context, id string) (*Contest, error) {
	var contest Contest
	if err := c.db.Get(ctx, &contest, "SELECT id, status, start_time, end_time FROM contests WHERE id = ?", id); err != nil {
		if db.IsNoRows(err) {
			return nil, ErrContestNotFound
		}
		return nil, err
	}
	return &contest, nil
}

func (c *SQLCatalog) IsRegistered(ctx context.Context, contestID, userID string) (bool, error) {
	return c.exists(ctx, "SELECT COUNT(*) FROM contest_registrations WHERE contest_id = ? AND user_id = ?", contestID, userID)
}

func (c *SQLCatalog) ContestHasProblem(ctx context.Context, contestID, problemID string) (bool, error) {
	return c.exists(ctx, "SELECT COUNT(*) FROM contest_problems WHERE contest_id = ? AND problem_id = ?", contestID, problemID)
}

func (c *SQLCatalog) exists(ctx context.Context, query string, args ...interface{}) (bool, error) {
	var n int
	if err := c.db.Get(ctx, &n, query, args...); err != nil {
		return false, err
	}
	return n > 0, nil
}

func marshalProblem(p *Problem) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func unmarshalProblem(raw string) (*Problem, error) {
	var p Problem
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, err
	}
	return &p, nil
}
