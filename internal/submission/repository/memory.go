package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"judgeflow/internal/submission/model"
)

// MemoryStore is an in-process SubmissionStore for single-binary development and tests.
// It enforces the same status rules as the SQL store.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[string]*model.Submission

	// OnWrite, when set, observes every stored row after a write.
	OnWrite func(sub model.Submission)
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]*model.Submission)}
}

func clone(sub *model.Submission) *model.Submission {
	out := *sub
	if sub.JudgedAt != nil {
		t := *sub.JudgedAt
		out.JudgedAt = &t
	}
	if sub.TestResults != nil {
		out.TestResults = append([]model.TestCaseResult(nil), sub.TestResults...)
	}
	return &out
}

func (m *MemoryStore) written(sub *model.Submission) {
	if m.OnWrite != nil {
		m.OnWrite(*clone(sub))
	}
}

func (m *MemoryStore) Create(ctx context.Context, sub *model.Submission) error {
	if sub == nil || sub.ID == "" {
		return errors.New("submission id is required")
	}
	if sub.Status.IsTerminal() != (sub.JudgedAt != nil) {
		return fmt.Errorf("judgedAt must be set iff status is terminal (status %s)", sub.Status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[sub.ID]; ok {
		return ErrSubmissionExists
	}
	m.rows[sub.ID] = clone(sub)
	m.written(sub)
	return nil
}

func (m *MemoryStore) GetByID(ctx context.Context, id string) (*model.Submission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.rows[id]
	if !ok {
		return nil, ErrSubmissionNotFound
	}
	return clone(sub), nil
}

func (m *MemoryStore) MarkRunning(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.rows[id]
	if !ok {
		return false, ErrSubmissionNotFound
	}
	if sub.Status != model.StatusQueued && sub.Status != model.StatusRunning {
		return false, nil
	}
	sub.Status = model.StatusRunning
	sub.JudgedAt = nil
	m.written(sub)
	return true, nil
}

func (m *MemoryStore) SaveResult(ctx context.Context, id string, res model.Result, judgedAt time.Time) error {
	if !res.Status.IsTerminal() {
		return fmt.Errorf("cannot save non-terminal status %s", res.Status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.rows[id]
	if !ok {
		return ErrSubmissionNotFound
	}
	sub.Status = res.Status
	sub.Score = res.Score
	sub.Time = res.Time
	sub.Memory = res.Memory
	sub.Stdout = res.Stdout
	sub.Stderr = res.Stderr
	sub.CompileOutput = res.CompileOutput
	sub.TestResults = append([]model.TestCaseResult(nil), res.TestResults...)
	sub.JudgedAt = &judgedAt
	m.written(sub)
	return nil
}

func (m *MemoryStore) MarkFailed(ctx context.Context, id, stderr string, judgedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.rows[id]
	if !ok {
		return ErrSubmissionNotFound
	}
	sub.Status = model.StatusFailed
	sub.Score = 0
	sub.Stderr = stderr
	sub.JudgedAt = &judgedAt
	m.written(sub)
	return nil
}

func (m *MemoryStore) ResetForRejudge(ctx context.Context, id string) (*model.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.rows[id]
	if !ok {
		return nil, ErrSubmissionNotFound
	}
	if !sub.Status.IsTerminal() {
		return nil, ErrNotRejudgeable
	}
	sub.Status = model.StatusQueued
	sub.Score, sub.Time, sub.Memory = 0, 0, 0
	sub.Stdout, sub.Stderr, sub.CompileOutput = "", "", ""
	sub.TestResults = nil
	sub.JudgedAt = nil
	m.written(sub)
	return clone(sub), nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, filter model.ListFilter) ([]*model.Submission, int64, error) {
	if filter.UserID == "" {
		return nil, 0, errors.New("user id is required")
	}
	page, size := NormalizePage(filter.Page, filter.PageSize)

	m.mu.RLock()
	matched := make([]*model.Submission, 0)
	for _, sub := range m.rows {
		if sub.UserID != filter.UserID {
			continue
		}
		if filter.ProblemID != "" && sub.ProblemID != filter.ProblemID {
			continue
		}
		if filter.Status != "" && sub.Status != filter.Status {
			continue
		}
		matched = append(matched, clone(sub))
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	total := int64(len(matched))
	start := (page - 1) * size
	if start >= len(matched) {
		return []*model.Submission{}, total, nil
	}
	end := start + size
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], total, nil
}
