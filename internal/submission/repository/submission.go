package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"judgeflow/internal/common/db"
	"judgeflow/internal/submission/model"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

var (
	ErrSubmissionNotFound = errors.New("submission not found")
	ErrSubmissionExists   = errors.New("submission already exists")
	ErrNotRejudgeable     = errors.New("submission is not in a terminal state")
)

// SubmissionStore is the durable record of submissions. Every status write
// sets or clears judged_at in the same statement.
type SubmissionStore interface {
	Create(ctx context.Context, sub *model.Submission) error
	GetByID(ctx context.Context, id string) (*model.Submission, error)
	// MarkRunning moves a QUEUED or RUNNING row to RUNNING and reports whether it applied.
	MarkRunning(ctx context.Context, id string) (bool, error)
	SaveResult(ctx context.Context, id string, res model.Result, judgedAt time.Time) error
	MarkFailed(ctx context.Context, id, stderr string, judgedAt time.Time) error
	ResetForRejudge(ctx context.Context, id string) (*model.Submission, error)
	ListByUser(ctx context.Context, filter model.ListFilter) ([]*model.Submission, int64, error)
}

// SQLSubmissionStore implements SubmissionStore on MySQL or PostgreSQL.
type SQLSubmissionStore struct {
	db db.Database
}

func NewSubmissionStore(database db.Database) *SQLSubmissionStore {
	return &SQLSubmissionStore{db: database}
}

const submissionColumns = "id, user_id, problem_id, contest_id, language, source, stdin, is_run_only, " +
	"status, score, time_sec, memory_kb, stdout, stderr, compile_output, test_results, created_at, judged_at"

type submissionRow struct {
	ID            string         `db:"id"`
	UserID        string         `db:"user_id"`
	ProblemID     string         `db:"problem_id"`
	ContestID     sql.NullString `db:"contest_id"`
	Language      string         `db:"language"`
	Source        string         `db:"source"`
	Stdin         string         `db:"stdin"`
	IsRunOnly     bool           `db:"is_run_only"`
	Status        string         `db:"status"`
	Score         int            `db:"score"`
	TimeSec       float64        `db:"time_sec"`
	MemoryKB      int64          `db:"memory_kb"`
	Stdout        string         `db:"stdout"`
	Stderr        string         `db:"stderr"`
	CompileOutput string         `db:"compile_output"`
	TestResults   sql.NullString `db:"test_results"`
	CreatedAt     time.Time      `db:"created_at"`
	JudgedAt      sql.NullTime   `db:"judged_at"`
}

func (r *submissionRow) toModel() (*model.Submission, error) {
	sub := &model.Submission{
		ID:            r.ID,
		UserID:        r.UserID,
		ProblemID:     r.ProblemID,
		ContestID:     r.ContestID.String,
		Language:      r.Language,
		Source:        r.Source,
		Stdin:         r.Stdin,
		IsRunOnly:     r.IsRunOnly,
		Status:        model.Status(r.Status),
		Score:         r.Score,
		Time:          r.TimeSec,
		Memory:        r.MemoryKB,
		Stdout:        r.Stdout,
		Stderr:        r.Stderr,
		CompileOutput: r.CompileOutput,
		CreatedAt:     r.CreatedAt,
	}
	if r.JudgedAt.Valid {
		t := r.JudgedAt.Time
		sub.JudgedAt = &t
	}
	if r.TestResults.Valid && r.TestResults.String != "" {
		if err := json.Unmarshal([]byte(r.TestResults.String), &sub.TestResults); err != nil {
			return nil, fmt.Errorf("decode test results of %s: %w", r.ID, err)
		}
	}
	return sub, nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func encodeTestResults(results []model.TestCaseResult) (interface{}, error) {
	if len(results) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(results)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Create inserts a submission in its initial state.
func (s *SQLSubmissionStore) Create(ctx context.Context, sub *model.Submission) error {
	if sub == nil {
		return errors.New("submission is nil")
	}
	if sub.ID == "" || sub.UserID == "" || sub.ProblemID == "" {
		return errors.New("submission id, user id and problem id are required")
	}
	if sub.Status.IsTerminal() != (sub.JudgedAt != nil) {
		return fmt.Errorf("judgedAt must be set iff status is terminal (status %s)", sub.Status)
	}
	var judgedAt interface{}
	if sub.JudgedAt != nil {
		judgedAt = *sub.JudgedAt
	}
	testResults, err := encodeTestResults(sub.TestResults)
	if err != nil {
		return err
	}

	query := "INSERT INTO submissions (" + submissionColumns + ") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
	_, err = s.db.Exec(ctx, query,
		sub.ID, sub.UserID, sub.ProblemID, nullableString(sub.ContestID), sub.Language, sub.Source, sub.Stdin, sub.IsRunOnly,
		string(sub.Status), sub.Score, sub.Time, sub.Memory, sub.Stdout, sub.Stderr, sub.CompileOutput, testResults,
		sub.CreatedAt, judgedAt,
	)
	if err != nil {
		if _, dup := db.UniqueViolation(err); dup {
			return ErrSubmissionExists
		}
		return err
	}
	return nil
}

func (s *SQLSubmissionStore) GetByID(ctx context.Context, id string) (*model.Submission, error) {
	return getSubmission(ctx, s.db, id, false)
}

func getSubmission(ctx context.Context, q db.Querier, id string, forUpdate bool) (*model.Submission, error) {
	if id == "" {
		return nil, errors.New("submission id is required")
	}
	query := "SELECT " + submissionColumns + " FROM submissions WHERE id = ?"
	if forUpdate {
		query += " FOR UPDATE"
	}
	var row submissionRow
	if err := q.Get(ctx, &row, query, id); err != nil {
		if db.IsNoRows(err) {
			return nil, ErrSubmissionNotFound
		}
		return nil, err
	}
	return row.toModel()
}

func (s *SQLSubmissionStore) MarkRunning(ctx context.Context, id string) (bool, error) {
	query := "UPDATE submissions SET status = ?, judged_at = NULL WHERE id = ? AND status IN (?, ?)"
	res, err := s.db.Exec(ctx, query, string(model.StatusRunning), id, string(model.StatusQueued), string(model.StatusRunning))
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected > 0 {
		return true, nil
	}
	// MySQL reports zero affected rows when a RUNNING row is set to RUNNING again.
	sub, err := s.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	return sub.Status == model.StatusRunning, nil
}

// SaveResult writes a terminal outcome. Replaying the same job overwrites the row
// with an equivalent result.
func (s *SQLSubmissionStore) SaveResult(ctx context.Context, id string, res model.Result, judgedAt time.Time) error {
	if !res.Status.IsTerminal() {
		return fmt.Errorf("cannot save non-terminal status %s", res.Status)
	}
	testResults, err := encodeTestResults(res.TestResults)
	if err != nil {
		return err
	}
	query := "UPDATE submissions SET status = ?, score = ?, time_sec = ?, memory_kb = ?, stdout = ?, stderr = ?, " +
		"compile_output = ?, test_results = ?, judged_at = ? WHERE id = ?"
	result, err := s.db.Exec(ctx, query,
		string(res.Status), res.Score, res.Time, res.Memory, res.Stdout, res.Stderr,
		res.CompileOutput, testResults, judgedAt, id,
	)
	if err != nil {
		return err
	}
	return s.ensureAffected(ctx, result, id)
}

// MarkFailed records an infrastructure failure as the terminal outcome.
func (s *SQLSubmissionStore) MarkFailed(ctx context.Context, id, stderr string, judgedAt time.Time) error {
	query := "UPDATE submissions SET status = ?, score = 0, stderr = ?, judged_at = ? WHERE id = ?"
	result, err := s.db.Exec(ctx, query, string(model.StatusFailed), stderr, judgedAt, id)
	if err != nil {
		return err
	}
	return s.ensureAffected(ctx, result, id)
}

func (s *SQLSubmissionStore) ensureAffected(ctx context.Context, result db.Result, id string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}
	var one int
	if err := s.db.QueryRow(ctx, "SELECT 1 FROM submissions WHERE id = ?", id).Scan(&one); err != nil {
		if db.IsNoRows(err) {
			return ErrSubmissionNotFound
		}
		return err
	}
	return nil
}

// ResetForRejudge clears the judged state of a terminal submission and returns it in QUEUED.
func (s *SQLSubmissionStore) ResetForRejudge(ctx context.Context, id string) (*model.Submission, error) {
	var out *model.Submission
	err := s.db.Transaction(ctx, func(tx db.Transaction) error {
		sub, err := getSubmission(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if !sub.Status.IsTerminal() {
			return ErrNotRejudgeable
		}
		query := "UPDATE submissions SET status = ?, score = 0, time_sec = 0, memory_kb = 0, stdout = '', stderr = '', " +
			"compile_output = '', test_results = NULL, judged_at = NULL WHERE id = ?"
		if _, err := tx.Exec(ctx, query, string(model.StatusQueued), id); err != nil {
			return err
		}
		sub.Status = model.StatusQueued
		sub.Score = 0
		sub.Time = 0
		sub.Memory = 0
		sub.Stdout, sub.Stderr, sub.CompileOutput = "", "", ""
		sub.TestResults = nil
		sub.JudgedAt = nil
		out = sub
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListByUser returns one page of a user's submissions, newest first, and the total count.
func (s *SQLSubmissionStore) ListByUser(ctx context.Context, filter model.ListFilter) ([]*model.Submission, int64, error) {
	if filter.UserID == "" {
		return nil, 0, errors.New("user id is required")
	}
	page, size := NormalizePage(filter.Page, filter.PageSize)

	conds := []string{"user_id = ?"}
	args := []interface{}{filter.UserID}
	if filter.ProblemID != "" {
		conds = append(conds, "problem_id = ?")
		args = append(args, filter.ProblemID)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	where := " WHERE " + strings.Join(conds, " AND ")

	var total int64
	if err := s.db.Get(ctx, &total, "SELECT COUNT(*) FROM submissions"+where, args...); err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []*model.Submission{}, 0, nil
	}

	var rows []submissionRow
	query := "SELECT " + submissionColumns + " FROM submissions" + where + " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	if err := s.db.Select(ctx, &rows, query, append(args, size, (page-1)*size)...); err != nil {
		return nil, 0, err
	}
	out := make([]*model.Submission, 0, len(rows))
	for i := range rows {
		sub, err := rows[i].toModel()
		if err != nil {
			return nil, 0, err
		}
		out = append(out, sub)
	}
	return out, total, nil
}

// NormalizePage applies the listing defaults: page 1, size 20, size capped at 100.
func NormalizePage(page, size int) (int, int) {
	if page <= 0 {
		page = 1
	}
	if size <= 0 {
		size = defaultPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}
	return page, size
}
