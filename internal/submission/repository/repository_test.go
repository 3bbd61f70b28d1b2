package repository_test

import (
	"context"
	"database/sql/driver"
	"errors"
	"regexp"
	"testing"
	"time"

	"judgeflow/internal/common/cache"
	"judgeflow/internal/common/db"
	"judgeflow/internal/submission/model"
	"judgeflow/internal/submission/repository"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

var submissionCols = []string{
	"id", "user_id", "problem_id", "contest_id", "language", "source", "stdin", "is_run_only",
	"status", "score", "time_sec", "memory_kb", "stdout", "stderr", "compile_output", "test_results", "created_at", "judged_at",
}

func newMockStore(t *testing.T) (*repository.SQLSubmissionStore, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return repository.NewSubmissionStore(db.NewWithDB(conn, db.DriverMySQL)), mock
}

func newTestCache(t *testing.T) (*cache.RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := cache.NewRedisCacheWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	if err != nil {
		t.Fatalf("redis cache: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func submissionRow(id, status string, judgedAt driver.Value) []driver.Value {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return []driver.Value{
		id, "u1", "p1", nil, "python", "print(1)", "", false,
		status, 100, 0.25, int64(2048), "1\n", "", "", `[{"ordinal":1,"status":"ACCEPTED","points":10,"earned":10}]`, created, judgedAt,
	}
}

func q(s string) string { return regexp.QuoteMeta(s) }

func TestCreateRejectsJudgedAtMismatch(t *testing.T) {
	t.Parallel()
	store, _ := newMockStore(t)
	err := store.Create(context.Background(), &model.Submission{ID: "s1", UserID: "u1", ProblemID: "p1", Status: model.StatusQueued, JudgedAt: ptrTime(time.Now())})
	if err == nil {
		t.Fatalf("queued row with judgedAt must be rejected")
	}
}

func TestCreateInsertsQueuedRow(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	now := time.Now().UTC()
	mock.ExpectExec(q("INSERT INTO submissions (id, user_id")).
		WithArgs("s1", "u1", "p1", nil, "go", "package main", "", false,
			"QUEUED", 0, 0.0, int64(0), "", "", "", nil, now, nil).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := store.Create(context.Background(), &model.Submission{
		ID: "s1", UserID: "u1", ProblemID: "p1", Language: "go", Source: "package main",
		Status: model.StatusQueued, CreatedAt: now,
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGetByIDDecodesRow(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	judged := time.Date(2026, 1, 2, 3, 5, 0, 0, time.UTC)
	mock.ExpectQuery(q("FROM submissions WHERE id = ?")).WithArgs("s1").
		WillReturnRows(sqlmock.NewRows(submissionCols).AddRow(submissionRow("s1", "ACCEPTED", judged)...))

	sub, err := store.GetByID(context.Background(), "s1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if sub.Status != model.StatusAccepted || sub.JudgedAt == nil || !sub.JudgedAt.Equal(judged) {
		t.Fatalf("unexpected submission: %+v", sub)
	}
	if sub.ContestID != "" || len(sub.TestResults) != 1 || sub.TestResults[0].Earned != 10 {
		t.Fatalf("unexpected decoded fields: %+v", sub)
	}
}

func TestGetByIDNotFound(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	mock.ExpectQuery(q("FROM submissions WHERE id = ?")).WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(submissionCols))

	if _, err := store.GetByID(context.Background(), "missing"); !errors.Is(err, repository.ErrSubmissionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMarkRunningOnlyFromPendingStates(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	mock.ExpectExec(q("UPDATE submissions SET status = ?, judged_at = NULL WHERE id = ? AND status IN (?, ?)")).
		WithArgs("RUNNING", "s1", "QUEUED", "RUNNING").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(q("FROM submissions WHERE id = ?")).WithArgs("s1").
		WillReturnRows(sqlmock.NewRows(submissionCols).AddRow(submissionRow("s1", "ACCEPTED", time.Now())...))

	applied, err := store.MarkRunning(context.Background(), "s1")
	if err != nil {
		t.Fatalf("mark running failed: %v", err)
	}
	if applied {
		t.Fatalf("terminal row must not move back to running")
	}
}

func TestSaveResultMissingRow(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	mock.ExpectExec(q("UPDATE submissions SET status = ?, score = ?")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(q("SELECT 1 FROM submissions WHERE id = ?")).WithArgs("gone").
		WillReturnRows(sqlmock.NewRows([]string{"1"}))

	err := store.SaveResult(context.Background(), "gone", model.Result{Status: model.StatusAccepted, Score: 100}, time.Now())
	if !errors.Is(err, repository.ErrSubmissionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSaveResultRejectsTransientStatus(t *testing.T) {
	t.Parallel()
	store, _ := newMockStore(t)
	if err := store.SaveResult(context.Background(), "s1", model.Result{Status: model.StatusRunning}, time.Now()); err == nil {
		t.Fatalf("non-terminal result must be rejected")
	}
}

func TestResetForRejudge(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(q("FROM submissions WHERE id = ? FOR UPDATE")).WithArgs("s1").
		WillReturnRows(sqlmock.NewRows(submissionCols).AddRow(submissionRow("s1", "WRONG_ANSWER", time.Now())...))
	mock.ExpectExec(q("judged_at = NULL WHERE id = ?")).WithArgs("QUEUED", "s1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	sub, err := store.ResetForRejudge(context.Background(), "s1")
	if err != nil {
		t.Fatalf("reset failed: %v", err)
	}
	if sub.Status != model.StatusQueued || sub.JudgedAt != nil || sub.Score != 0 || sub.TestResults != nil {
		t.Fatalf("row not reset: %+v", sub)
	}
	if sub.Source != "print(1)" {
		t.Fatalf("source must be retained")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestResetForRejudgeRejectsPending(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(q("FOR UPDATE")).WithArgs("s1").
		WillReturnRows(sqlmock.NewRows(submissionCols).AddRow(submissionRow("s1", "RUNNING", nil)...))
	mock.ExpectRollback()

	if _, err := store.ResetForRejudge(context.Background(), "s1"); !errors.Is(err, repository.ErrNotRejudgeable) {
		t.Fatalf("expected not rejudgeable, got %v", err)
	}
}

func TestListByUserFiltersAndPaginates(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	mock.ExpectQuery(q("SELECT COUNT(*) FROM submissions WHERE user_id = ? AND problem_id = ? AND status = ?")).
		WithArgs("u1", "p1", "ACCEPTED").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(41)))
	mock.ExpectQuery(q("ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?")).
		WithArgs("u1", "p1", "ACCEPTED", 100, 100).
		WillReturnRows(sqlmock.NewRows(submissionCols).AddRow(submissionRow("s9", "ACCEPTED", time.Now())...))

	items, total, err := store.ListByUser(context.Background(), model.ListFilter{
		UserID: "u1", ProblemID: "p1", Status: model.StatusAccepted, Page: 2, PageSize: 500,
	})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if total != 41 || len(items) != 1 || items[0].ID != "s9" {
		t.Fatalf("unexpected page: total=%d items=%d", total, len(items))
	}
}

func TestNormalizePage(t *testing.T) {
	t.Parallel()
	if p, s := repository.NormalizePage(0, 0); p != 1 || s != 20 {
		t.Fatalf("defaults wrong: %d %d", p, s)
	}
	if _, s := repository.NormalizePage(3, 1000); s != 100 {
		t.Fatalf("size must be capped, got %d", s)
	}
}

func TestResultCacheOnlyKeepsTerminal(t *testing.T) {
	t.Parallel()
	c, mr := newTestCache(t)
	rc := repository.NewResultCache(c, 0, 0)
	ctx := context.Background()

	err := rc.Put(ctx, &model.Submission{ID: "s1", Status: model.StatusRunning}, 0)
	if !errors.Is(err, repository.ErrNotCacheable) {
		t.Fatalf("expected ErrNotCacheable, got %v", err)
	}

	loads := 0
	load := func(context.Context) (*model.Submission, error) {
		loads++
		return &model.Submission{ID: "s1", Status: model.StatusQueued}, nil
	}
	for i := 0; i < 2; i++ {
		if _, err := rc.ReadThrough(ctx, "s1", load); err != nil {
			t.Fatalf("read through: %v", err)
		}
	}
	if loads != 2 || mr.Exists("submission:result:s1") {
		t.Fatalf("queued result must not be cached (loads=%d)", loads)
	}

	judged := time.Now().UTC()
	terminal := func(context.Context) (*model.Submission, error) {
		loads++
		return &model.Submission{ID: "s2", Status: model.StatusAccepted, Score: 100, JudgedAt: &judged}, nil
	}
	loads = 0
	for i := 0; i < 3; i++ {
		sub, err := rc.ReadThrough(ctx, "s2", terminal)
		if err != nil || sub.Score != 100 {
			t.Fatalf("read through: %v %+v", err, sub)
		}
	}
	if loads != 1 {
		t.Fatalf("terminal result should be loaded once, got %d", loads)
	}
	ttl := mr.TTL("submission:result:s2")
	if ttl <= 0 || ttl > time.Hour {
		t.Fatalf("unexpected result ttl %s", ttl)
	}
}

func TestResultCacheNullMarkerAndInvalidate(t *testing.T) {
	t.Parallel()
	c, mr := newTestCache(t)
	rc := repository.NewResultCache(c, 0, 0)
	ctx := context.Background()

	sub, err := rc.ReadThrough(ctx, "missing", func(context.Context) (*model.Submission, error) { return nil, nil })
	if err != nil || sub != nil {
		t.Fatalf("expected nil submission, got %+v %v", sub, err)
	}
	if v, _ := mr.Get("submission:result:missing"); v != cache.NullCacheValue {
		t.Fatalf("missing row should be cached as null marker, got %q", v)
	}

	if err := rc.SetStatus(ctx, model.StatusView{SubmissionID: "s3", Status: model.StatusQueued}, 0); err != nil {
		t.Fatalf("set status: %v", err)
	}
	if ttl := mr.TTL("submission:status:s3"); ttl != 5*time.Minute {
		t.Fatalf("status ttl = %s", ttl)
	}
	view, err := rc.GetStatus(ctx, "s3")
	if err != nil || view == nil || view.Status != model.StatusQueued {
		t.Fatalf("get status: %+v %v", view, err)
	}

	if err := rc.Invalidate(ctx, "s3"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if view, _ := rc.GetStatus(ctx, "s3"); view != nil {
		t.Fatalf("status should be gone after invalidate")
	}
}

func TestCatalogCachesProblemMetadata(t *testing.T) {
	t.Parallel()
	conn, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer conn.Close()
	c, mr := newTestCache(t)
	catalog := repository.NewCatalog(db.NewWithDB(conn, db.DriverPostgres), c)

	mock.ExpectQuery(q("FROM problems WHERE id = $1")).WithArgs("p1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "title", "is_public", "source_limit", "time_limit_sec", "memory_limit_kb"}).
			AddRow("p1", "A+B", true, 1024, 1.5, int64(65536)))
	mock.ExpectQuery(q("FROM test_cases WHERE problem_id = $1 ORDER BY ordinal")).WithArgs("p1").
		WillReturnRows(sqlmock.NewRows([]string{"ordinal", "input", "expected_output", "points"}).
			AddRow(1, "1 2", "3", 40).AddRow(2, "2 2", "4", 60))

	for i := 0; i < 2; i++ {
		p, err := catalog.GetProblem(context.Background(), "p1")
		if err != nil {
			t.Fatalf("get problem: %v", err)
		}
		if !p.IsPublic || p.SourceLimit != 1024 || len(p.TestCases) != 2 || p.TestCases[1].Points != 60 {
			t.Fatalf("unexpected problem: %+v", p)
		}
	}
	if !mr.Exists("problem:meta:p1") {
		t.Fatalf("problem metadata should be cached")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("second lookup should be served from cache: %v", err)
	}
}

func TestCatalogMissingProblemAndContest(t *testing.T) {
	t.Parallel()
	conn, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer conn.Close()
	catalog := repository.NewCatalog(db.NewWithDB(conn, db.DriverMySQL), nil)

	mock.ExpectQuery(q("FROM problems WHERE id = ?")).WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(q("FROM contests WHERE id = ?")).WithArgs("c0").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(q("FROM contest_registrations")).WithArgs("c1", "u1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	if _, err := catalog.GetProblem(context.Background(), "nope"); !errors.Is(err, repository.ErrProblemNotFound) {
		t.Fatalf("expected problem not found, got %v", err)
	}
	if _, err := catalog.GetContest(context.Background(), "c0"); !errors.Is(err, repository.ErrContestNotFound) {
		t.Fatalf("expected contest not found, got %v", err)
	}
	ok, err := catalog.IsRegistered(context.Background(), "c1", "u1")
	if err != nil || !ok {
		t.Fatalf("expected registered, got %v %v", ok, err)
	}
}

func ptrTime(t time.Time) *time.Time { return &t }
