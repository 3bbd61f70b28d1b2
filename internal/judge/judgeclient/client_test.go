package judgeclient_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"judgeflow/internal/judge/judgeclient"
	"judgeflow/internal/submission/model"
	appErr "judgeflow/pkg/errors"
)

type fakeJudge struct {
	server    *httptest.Server
	polls     atomic.Int32
	lastBody  atomic.Value
	headers   atomic.Value
	doneAfter int32
	result    string
	submitErr atomic.Int32
}

func newFakeJudge(t *testing.T, doneAfter int32, result string) *fakeJudge {
	t.Helper()
	f := &fakeJudge{doneAfter: doneAfter, result: result}
	mux := http.NewServeMux()
	mux.HandleFunc("/submissions", func(w http.ResponseWriter, r *http.Request) {
		if code := f.submitErr.Load(); code != 0 {
			http.Error(w, "overloaded", int(code))
			return
		}
		if r.URL.Query().Get("base64_encoded") != "false" || r.URL.Query().Get("wait") != "false" {
			http.Error(w, "bad query", http.StatusBadRequest)
			return
		}
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.lastBody.Store(body)
		f.headers.Store(r.Header.Clone())
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"token":"tok-1"}`))
	})
	mux.HandleFunc("/submissions/tok-1", func(w http.ResponseWriter, r *http.Request) {
		n := f.polls.Add(1)
		if n < f.doneAfter {
			_, _ = w.Write([]byte(`{"status":{"id":2,"description":"Processing"},"time":null,"memory":null}`))
			return
		}
		_, _ = w.Write([]byte(f.result))
	})
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func newClient(t *testing.T, baseURL string, attempts int) *judgeclient.Client {
	t.Helper()
	c, err := judgeclient.New(judgeclient.Config{
		BaseURL:         baseURL,
		APIKey:          "secret",
		APIHost:         "judge.example",
		PollInterval:    time.Millisecond,
		MaxPollAttempts: attempts,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestExecutePollsUntilDone(t *testing.T) {
	t.Parallel()
	judge := newFakeJudge(t, 3, `{"status":{"id":3,"description":"Accepted"},"time":"0.012","memory":3456,"stdout":"3\n","stderr":null}`)
	c := newClient(t, judge.server.URL, 10)

	res, err := c.Execute(context.Background(), judgeclient.SubmitRequest{Source: "print(3)", LanguageID: 71, Stdin: "1 2"})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if judge.polls.Load() != 3 {
		t.Fatalf("expected 3 polls, got %d", judge.polls.Load())
	}
	if res.DomainStatus() != model.StatusAccepted || res.Time != 0.012 || res.Memory != 3456 || res.Stdout != "3\n" {
		t.Fatalf("unexpected result: %+v", res)
	}

	body := judge.lastBody.Load().(map[string]interface{})
	if body["source_code"] != "print(3)" || body["language_id"].(float64) != 71 {
		t.Fatalf("unexpected submit body: %v", body)
	}
	if body["cpu_time_limit"].(float64) != judgeclient.DefaultCPULimitSec || body["memory_limit"].(float64) != judgeclient.DefaultMemoryLimitKB {
		t.Fatalf("default limits not applied: %v", body)
	}
	headers := judge.headers.Load().(http.Header)
	if headers.Get("X-RapidAPI-Key") != "secret" || headers.Get("X-RapidAPI-Host") != "judge.example" {
		t.Fatalf("missing api headers: %v", headers)
	}
}

func TestPollTimeout(t *testing.T) {
	t.Parallel()
	judge := newFakeJudge(t, 1000, "")
	c := newClient(t, judge.server.URL, 4)

	_, err := c.PollUntilDone(context.Background(), "tok-1", 4, time.Millisecond)
	if appErr.GetCode(err) != appErr.JudgeTimeout {
		t.Fatalf("expected JudgeTimeout, got %v", err)
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("timeout message should say so: %q", err.Error())
	}
	if judge.polls.Load() != 4 {
		t.Fatalf("expected exactly 4 attempts, got %d", judge.polls.Load())
	}
}

func TestPollStopsOnUnknownStatus(t *testing.T) {
	t.Parallel()
	for _, body := range []string{`{"status":{"id":0}}`, `{"status":{"id":-3}}`} {
		judge := newFakeJudge(t, 1, body)
		c := newClient(t, judge.server.URL, 5)

		res, err := c.PollUntilDone(context.Background(), "tok-1", 5, time.Millisecond)
		if err != nil {
			t.Fatalf("poll %s: %v", body, err)
		}
		if !res.Done() || res.DomainStatus() != model.StatusFailed {
			t.Fatalf("%s: expected a final FAILED result, got %+v", body, res)
		}
		if judge.polls.Load() != 1 {
			t.Fatalf("%s: expected a single poll, got %d", body, judge.polls.Load())
		}
	}
}

func TestPollHonorsCancellation(t *testing.T) {
	t.Parallel()
	judge := newFakeJudge(t, 1000, "")
	c := newClient(t, judge.server.URL, 1000)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.PollUntilDone(ctx, "tok-1", 1000, 5*time.Millisecond)
	if err == nil || ctx.Err() == nil {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestSubmitNon2xxIsUnavailable(t *testing.T) {
	t.Parallel()
	judge := newFakeJudge(t, 1, "")
	judge.submitErr.Store(http.StatusServiceUnavailable)
	c := newClient(t, judge.server.URL, 1)

	_, err := c.Submit(context.Background(), judgeclient.SubmitRequest{Source: "x", LanguageID: 71})
	if appErr.GetCode(err) != appErr.JudgeUnavailable {
		t.Fatalf("expected JudgeUnavailable, got %v", err)
	}
}

func TestFetchParsesDefensively(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		body   string
		time   float64
		memory int64
		status model.Status
	}{
		{"numbers", `{"status":{"id":4},"time":1.5,"memory":1024}`, 1.5, 1024, model.StatusWrongAnswer},
		{"strings", `{"status":{"id":5},"time":"2.0","memory":"77"}`, 2.0, 77, model.StatusTimeLimitExceeded},
		{"garbage", `{"status":{"id":11},"time":"fast","memory":{"kb":1}}`, 0, 0, model.StatusRuntimeError},
		{"memory runtime", `{"status":{"id":12,"description":"Runtime Error (Other)"},"message":"out of memory"}`, 0, 0, model.StatusMemoryLimitExceeded},
		{"internal", `{"status":{"id":13,"description":"Internal Error"}}`, 0, 0, model.StatusFailed},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			judge := newFakeJudge(t, 1, tc.body)
			c := newClient(t, judge.server.URL, 1)
			res, err := c.Fetch(context.Background(), "tok-1")
			if err != nil {
				t.Fatalf("fetch failed: %v", err)
			}
			if res.Time != tc.time || res.Memory != tc.memory || res.DomainStatus() != tc.status {
				t.Fatalf("got time=%v memory=%v status=%s", res.Time, res.Memory, res.DomainStatus())
			}
		})
	}
}

func TestFetchWithoutStatusIsInvalid(t *testing.T) {
	t.Parallel()
	judge := newFakeJudge(t, 1, `{"time":1}`)
	c := newClient(t, judge.server.URL, 1)
	if _, err := c.Fetch(context.Background(), "tok-1"); appErr.GetCode(err) != appErr.JudgeResponseInvalid {
		t.Fatalf("expected JudgeResponseInvalid, got %v", err)
	}
}

func TestMapStatusTable(t *testing.T) {
	t.Parallel()
	want := map[int]model.Status{
		1: model.StatusQueued, 2: model.StatusRunning, 3: model.StatusAccepted, 4: model.StatusWrongAnswer,
		5: model.StatusTimeLimitExceeded, 6: model.StatusCompileError, 7: model.StatusRuntimeError,
		12: model.StatusRuntimeError, 13: model.StatusFailed, 14: model.StatusFailed, 99: model.StatusFailed,
	}
	for id, status := range want {
		if got := judgeclient.MapStatus(id); got != status {
			t.Fatalf("MapStatus(%d) = %s, want %s", id, got, status)
		}
	}
}

func TestLanguageTableOverrides(t *testing.T) {
	t.Parallel()
	c, err := judgeclient.New(judgeclient.Config{BaseURL: "http://judge", Languages: map[string]int{"Python": 92, "zig": 100}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if id, ok := c.LanguageID("python"); !ok || id != 92 {
		t.Fatalf("override not applied: %d", id)
	}
	if id, ok := c.LanguageID("GO"); !ok || id != 60 {
		t.Fatalf("default table missing go: %d", id)
	}
	if _, ok := c.LanguageID("cobol"); ok {
		t.Fatalf("unknown language should not resolve")
	}
}
