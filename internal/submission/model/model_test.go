package model_test

import (
	"encoding/json"
	"testing"
	"time"

	"judgeflow/internal/submission/model"
)

func TestStatusTerminal(t *testing.T) {
	t.Parallel()
	if model.StatusQueued.IsTerminal() || model.StatusRunning.IsTerminal() {
		t.Fatalf("queued and running are not terminal")
	}
	for _, s := range model.TerminalStatuses() {
		if !s.IsTerminal() {
			t.Fatalf("%s should be terminal", s)
		}
	}
	if model.Status("BOGUS").IsTerminal() {
		t.Fatalf("unknown status must not be terminal")
	}
	if s, ok := model.ParseStatus(" accepted "); !ok || s != model.StatusAccepted {
		t.Fatalf("parse failed: %q %v", s, ok)
	}
}

func TestVisibleToRedactsForOthers(t *testing.T) {
	t.Parallel()
	sub := &model.Submission{ID: "s1", UserID: "u1", Source: "print(1)", Stdin: "x", Stdout: "1"}
	if got := sub.VisibleTo("u1"); got.Source != "print(1)" {
		t.Fatalf("owner should see source")
	}
	got := sub.VisibleTo("u2")
	if got.Source != "" || got.Stdin != "" || got.Stdout != "" {
		t.Fatalf("non-owner view leaked fields: %+v", got)
	}
	if sub.Source == "" {
		t.Fatalf("redaction must not mutate the original")
	}
}

func TestJobScene(t *testing.T) {
	t.Parallel()
	cases := []struct {
		job  model.JudgeJob
		want model.Scene
	}{
		{model.JudgeJob{}, model.ScenePractice},
		{model.JudgeJob{ContestID: "c1"}, model.SceneContest},
		{model.JudgeJob{ContestID: "c1", IsRunOnly: true}, model.SceneRun},
	}
	for _, tc := range cases {
		if got := tc.job.Scene(); got != tc.want {
			t.Fatalf("scene = %s, want %s", got, tc.want)
		}
	}
}

func TestFinishedEventCarriesResult(t *testing.T) {
	t.Parallel()
	now := time.Unix(100, 0)
	job := &model.JudgeJob{SubmissionID: "s1", UserID: "u1", ProblemID: "p1"}
	ev := model.FinishedEvent(job, model.Result{Status: model.StatusAccepted, Score: 100, Time: 0.5, Memory: 1024}, now)
	if ev.Type != model.EventFinished || ev.Score != 100 || ev.Memory != 1024 || !ev.Timestamp.Equal(now) {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestLifecycleEventJSONShape(t *testing.T) {
	t.Parallel()
	now := time.Unix(100, 0).UTC()
	job := &model.JudgeJob{SubmissionID: "s1", UserID: "u1", ProblemID: "p1"}

	raw, err := json.Marshal(model.FinishedEvent(job, model.Result{Status: model.StatusCompileError}, now))
	if err != nil {
		t.Fatalf("marshal finished: %v", err)
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		t.Fatalf("unmarshal finished: %v", err)
	}
	for _, key := range []string{"type", "submissionId", "userId", "problemId", "status", "score", "time", "memory", "timestamp"} {
		if _, ok := fields[key]; !ok {
			t.Fatalf("finished event missing %q: %s", key, raw)
		}
	}
	if fields["score"] != float64(0) || fields["status"] != "COMPILE_ERROR" {
		t.Fatalf("unexpected finished payload: %s", raw)
	}

	raw, err = json.Marshal(model.CreatedEvent(&model.Submission{ID: "s1", UserID: "u1", ProblemID: "p1"}, false, now))
	if err != nil {
		t.Fatalf("marshal created: %v", err)
	}
	fields = nil
	if err := json.Unmarshal(raw, &fields); err != nil {
		t.Fatalf("unmarshal created: %v", err)
	}
	for _, key := range []string{"status", "score", "time", "memory"} {
		if _, ok := fields[key]; ok {
			t.Fatalf("created event carries %q: %s", key, raw)
		}
	}

	var back model.LifecycleEvent
	if err := json.Unmarshal(raw, &back); err != nil || back.Type != model.EventCreated || back.SubmissionID != "s1" {
		t.Fatalf("round trip failed: %+v %v", back, err)
	}
}
