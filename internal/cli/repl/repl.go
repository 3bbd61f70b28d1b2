package repl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"judgeflow/internal/cli/command"
	httpclient "judgeflow/internal/cli/http"
	"judgeflow/internal/cli/state"
	"judgeflow/internal/cli/watch"

	"github.com/chzyer/readline"
	"github.com/google/shlex"
)

const prompt = "judgeflow> "

// LineReader reads one line at a time with a configurable prompt.
type LineReader interface {
	Readline() (string, error)
	SetPrompt(p string)
}

// Session holds REPL state.
type Session struct {
	client     *httpclient.Client
	commands   map[string]command.Command
	saved      *state.State
	statePath  string
	wsURL      string
	prettyJSON bool
	in         LineReader
	out        io.Writer
}

// Options configures a Session.
type Options struct {
	StatePath    string
	WebsocketURL string
	PrettyJSON   bool
}

func New(client *httpclient.Client, commands map[string]command.Command, saved *state.State, in LineReader, out io.Writer, opts Options) *Session {
	return &Session{
		client:     client,
		commands:   commands,
		saved:      saved,
		statePath:  opts.StatePath,
		wsURL:      opts.WebsocketURL,
		prettyJSON: opts.PrettyJSON,
		in:         in,
		out:        out,
	}
}

// NewReadline builds the interactive line reader with persistent history.
func NewReadline(historyPath string) (*readline.Instance, error) {
	return readline.NewEx(&readline.Config{
		Prompt:          prompt,
		HistoryFile:     historyPath,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
}

func (s *Session) Run(ctx context.Context) {
	for {
		s.in.SetPrompt(prompt)
		line, err := s.in.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.printLine("read input failed: %v", err)
			}
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if done := s.Execute(ctx, line); done {
			return
		}
	}
}

// Execute runs one input line and reports whether the session should end.
func (s *Session) Execute(ctx context.Context, line string) bool {
	tokens, err := shlex.Split(line)
	if err != nil {
		s.printLine("error: parse command failed: %v", err)
		return false
	}
	if len(tokens) == 0 {
		return false
	}
	switch tokens[0] {
	case "exit", "quit":
		s.printLine("bye")
		return true
	case "help":
		s.printHelp()
		return false
	case "set":
		s.handleSet(tokens[1:])
		return false
	case "show":
		s.handleShow(tokens[1:])
		return false
	case "watch":
		if err := s.handleWatch(ctx, tokens[1:]); err != nil {
			s.printLine("error: %v", err)
		}
		return false
	}
	if err := s.handleCommand(ctx, tokens); err != nil {
		s.printLine("error: %v", err)
	}
	return false
}

func (s *Session) handleSet(parts []string) {
	if len(parts) == 0 {
		s.printLine("usage: set base|token|timeout")
		return
	}
	switch parts[0] {
	case "base":
		if len(parts) < 2 {
			s.printLine("usage: set base http://127.0.0.1:8086")
			return
		}
		s.client.SetBaseURL(strings.TrimRight(parts[1], "/"))
		s.printLine("base set to %s", parts[1])
	case "timeout":
		if len(parts) < 2 {
			s.printLine("usage: set timeout 10s")
			return
		}
		dur, err := time.ParseDuration(parts[1])
		if err != nil {
			s.printLine("invalid duration: %v", err)
			return
		}
		s.client.SetTimeout(dur)
		s.printLine("timeout set to %s", dur)
	case "token":
		if len(parts) < 2 {
			s.printLine("usage: set token <access_token>")
			return
		}
		s.saved.AccessToken = parts[1]
		if err := s.persist(); err != nil {
			s.printLine("save token failed: %v", err)
			return
		}
		s.printLine("token updated")
	default:
		s.printLine("unknown set command")
	}
}

func (s *Session) handleShow(parts []string) {
	what := ""
	if len(parts) > 0 {
		what = parts[0]
	}
	switch what {
	case "token":
		if s.saved.AccessToken == "" {
			s.printLine("token: <empty>")
			return
		}
		token := s.saved.AccessToken
		if len(token) > 12 {
			token = token[:6] + "..." + token[len(token)-4:]
		}
		s.printLine("token: %s", token)
	case "config":
		s.printLine("base: %s", s.client.BaseURL())
		s.printLine("websocket: %s", s.wsURL)
		s.printLine("tokenStatePath: %s", s.statePath)
	case "last":
		if s.saved.LastSubmissionID == "" {
			s.printLine("last: <none>")
			return
		}
		s.printLine("last: %s", s.saved.LastSubmissionID)
	default:
		s.printLine("usage: show token|config|last")
	}
}

func (s *Session) handleCommand(ctx context.Context, tokens []string) error {
	if len(tokens) < 2 {
		return fmt.Errorf("invalid command, use: <service> <action> key=value ...")
	}
	key := tokens[0] + " " + tokens[1]
	cmd, ok := s.commands[key]
	if !ok {
		return fmt.Errorf("unknown command: %s", key)
	}
	params, err := command.ParseParams(tokens[2:])
	if err != nil {
		return err
	}

	command.ApplyShortcuts(cmd, params)
	s.fillLastID(cmd, params)
	for _, field := range command.Missing(cmd, params) {
		value, err := s.promptValue(field.Prompt)
		if err != nil {
			return err
		}
		params.Set(field.Name, value)
	}
	req, err := command.BuildRequest(cmd, params)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(ctx, req.Method, req.Path, req.Headers, req.Body)
	if err != nil {
		return err
	}
	s.renderResponse(resp)
	if cmd.Action == "create" || cmd.Action == "run" {
		s.rememberSubmission(resp)
	}
	return nil
}

// fillLastID defaults a missing submission id to the one created most recently.
func (s *Session) fillLastID(cmd command.Command, params command.Params) {
	last := s.saved.LastSubmissionID
	if last == "" || params.Get("id") != "" {
		return
	}
	for _, field := range cmd.Fields {
		if field.Name == "id" {
			params.Set("id", last)
			s.printLine("using last submission %s", last)
			return
		}
	}
}

func (s *Session) rememberSubmission(resp httpclient.ResponseInfo) {
	if resp.StatusCode/100 != 2 {
		return
	}
	var body struct {
		Data struct {
			SubmissionID string `json:"submissionId"`
		} `json:"data"`
	}
	if err := json.Unmarshal(resp.Body, &body); err != nil || body.Data.SubmissionID == "" {
		return
	}
	s.saved.LastSubmissionID = body.Data.SubmissionID
	if err := s.persist(); err != nil {
		s.printLine("save state failed: %v", err)
	}
}

func (s *Session) persist() error {
	if s.statePath == "" {
		return nil
	}
	return state.Save(s.statePath, *s.saved)
}

// handleWatch prints notifications. With id set it stops at that submission's finished event.
func (s *Session) handleWatch(ctx context.Context, args []string) error {
	params, err := command.ParseParams(args)
	if err != nil {
		return err
	}
	if s.saved.AccessToken == "" {
		return fmt.Errorf("no token, use: set token <access_token>")
	}
	timeout := 5 * time.Minute
	if raw := params.Get("timeout"); raw != "" {
		if timeout, err = time.ParseDuration(raw); err != nil {
			return fmt.Errorf("invalid timeout: %w", err)
		}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT)
	defer stop()

	target := params.Get("id")
	if target != "" {
		s.printLine("watching %s (ctrl-c to stop)", target)
	} else {
		s.printLine("watching all submissions (ctrl-c to stop)")
	}
	err = watch.Follow(ctx, s.wsURL, s.saved.AccessToken, func(frame watch.Frame) bool {
		if target != "" && frame.SubmissionID() != "" && frame.SubmissionID() != target {
			return true
		}
		s.printLine("%s %s", frame.Event, s.format(frame.Data))
		return target == "" || !frame.Finished(target)
	})
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (s *Session) promptValue(label string) (string, error) {
	s.in.SetPrompt(label + ": ")
	defer s.in.SetPrompt(prompt)
	line, err := s.in.Readline()
	if err != nil {
		return "", fmt.Errorf("read input failed: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func (s *Session) renderResponse(resp httpclient.ResponseInfo) {
	s.printLine("HTTP %d (%s)", resp.StatusCode, resp.Duration)
	if len(resp.Body) == 0 {
		return
	}
	s.printLine("%s", s.format(resp.Body))
}

func (s *Session) format(body []byte) string {
	if s.prettyJSON {
		var raw interface{}
		if err := json.Unmarshal(body, &raw); err == nil {
			formatted, _ := json.MarshalIndent(raw, "", "  ")
			return string(formatted)
		}
	}
	return string(body)
}

func (s *Session) printHelp() {
	s.printLine("usage: <service> <action> key=value ...")
	s.printLine("system: help | exit | set base|timeout|token | show token|config|last | watch [id=...] [timeout=5m]")
	s.printLine("examples:")
	s.printLine("  submit create problem=p1 lang=python file=./main.py")
	s.printLine("  submit run problem=p1 lang=cpp file=./main.cpp stdin=\"1 2\"")
	s.printLine("  submit status id=<submission_id>   (id defaults to the last created submission)")
	s.printLine("  submit list status=ACCEPTED page=2")
	s.printLine("  submit rejudge id=<submission_id>")
}

func (s *Session) printLine(format string, args ...interface{}) {
	_, _ = fmt.Fprintf(s.out, format+"\n", args...)
}
