package repl

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"judgeflow/internal/cli/command"
	httpclient "judgeflow/internal/cli/http"
	"judgeflow/internal/cli/state"
)

type scriptedReader struct {
	lines   []string
	prompts []string
}

func (r *scriptedReader) Readline() (string, error) {
	if len(r.lines) == 0 {
		return "", io.EOF
	}
	line := r.lines[0]
	r.lines = r.lines[1:]
	return line, nil
}

func (r *scriptedReader) SetPrompt(p string) {
	r.prompts = append(r.prompts, p)
}

type recordedRequest struct {
	method string
	path   string
	auth   string
	body   map[string]interface{}
}

type recorder struct {
	mu       sync.Mutex
	requests []recordedRequest
}

func (r *recorder) all() []recordedRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedRequest(nil), r.requests...)
}

func newSession(t *testing.T, lines ...string) (*Session, *scriptedReader, *bytes.Buffer, *recorder) {
	t.Helper()
	requests := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recordedRequest{method: r.Method, path: r.URL.RequestURI(), auth: r.Header.Get("Authorization")}
		_ = json.NewDecoder(r.Body).Decode(&rec.body)
		requests.mu.Lock()
		requests.requests = append(requests.requests, rec)
		requests.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"code":0,"data":{"submissionId":"s1","status":"QUEUED"}}`))
	}))
	t.Cleanup(srv.Close)

	saved := &state.State{AccessToken: "tok"}
	client := httpclient.New(srv.URL, time.Second, func() string { return saved.AccessToken })
	reader := &scriptedReader{lines: lines}
	out := &bytes.Buffer{}
	session := New(client, command.Registry(), saved, reader, out, Options{
		StatePath:  filepath.Join(t.TempDir(), "state.json"),
		PrettyJSON: false,
	})
	return session, reader, out, requests
}

func TestRunSendsCommands(t *testing.T) {
	session, _, out, requests := newSession(t,
		`submit create problem=p1 lang=python code="print(1)"`,
		`submit status id=s1`,
		`exit`,
		`submit status id=never`,
	)
	session.Run(context.Background())

	got := requests.all()
	if len(got) != 2 {
		t.Fatalf("expected 2 requests before exit, got %d", len(got))
	}
	create := got[0]
	if create.method != http.MethodPost || create.path != "/api/v1/submissions" || create.auth != "Bearer tok" {
		t.Fatalf("unexpected create request: %+v", create)
	}
	if create.body["code"] != "print(1)" {
		t.Fatalf("quoted code not preserved: %+v", create.body)
	}
	if got[1].path != "/api/v1/submissions/s1/status" {
		t.Fatalf("unexpected status path: %s", got[1].path)
	}
	if !strings.Contains(out.String(), "HTTP 202") || !strings.Contains(out.String(), "bye") {
		t.Fatalf("unexpected output: %s", out.String())
	}
}

func TestPromptsForMissingFields(t *testing.T) {
	session, reader, _, requests := newSession(t, "p9", "go", "package main")
	if done := session.Execute(context.Background(), "submit create"); done {
		t.Fatalf("command must not end the session")
	}
	got := requests.all()
	if len(got) != 1 {
		t.Fatalf("expected one request, got %d", len(got))
	}
	body := got[0].body
	if body["problemId"] != "p9" || body["language"] != "go" || body["code"] != "package main" {
		t.Fatalf("prompted values not used: %+v", body)
	}
	if len(reader.prompts) < 3 || reader.prompts[0] != "problem_id: " {
		t.Fatalf("unexpected prompts: %v", reader.prompts)
	}
}

func TestSetTokenPersists(t *testing.T) {
	session, _, out, _ := newSession(t)
	session.Execute(context.Background(), "set token abcdefghijklmnop")
	st, err := state.Load(session.statePath)
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	if st.AccessToken != "abcdefghijklmnop" {
		t.Fatalf("token not saved: %+v", st)
	}
	session.Execute(context.Background(), "show token")
	if !strings.Contains(out.String(), "abcdef...mnop") {
		t.Fatalf("token not masked: %s", out.String())
	}
}

func TestUnknownCommand(t *testing.T) {
	session, _, out, requests := newSession(t)
	session.Execute(context.Background(), "judge status id=1")
	if len(requests.all()) != 0 || !strings.Contains(out.String(), "unknown command") {
		t.Fatalf("unexpected result: %d requests, output %s", len(requests.all()), out.String())
	}
}

func TestLastSubmissionIsRememberedAndReused(t *testing.T) {
	session, _, out, requests := newSession(t, "")
	session.Execute(context.Background(), `submit create problem=p1 lang=python code="print(1)"`)
	st, err := state.Load(session.statePath)
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	if st.LastSubmissionID != "s1" || st.AccessToken != "tok" {
		t.Fatalf("created submission not remembered: %+v", st)
	}

	session.Execute(context.Background(), `submit status`)
	got := requests.all()
	if len(got) != 2 || got[1].path != "/api/v1/submissions/s1/status" {
		t.Fatalf("status should default to the last submission: %+v", got)
	}
	session.Execute(context.Background(), `show last`)
	if !strings.Contains(out.String(), "using last submission s1") || !strings.Contains(out.String(), "last: s1") {
		t.Fatalf("unexpected output: %s", out.String())
	}
}
