// Package judgeclient talks to an external Judge0-compatible execution service.
package judgeclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"judgeflow/internal/submission/model"
	appErr "judgeflow/pkg/errors"

	"golang.org/x/time/rate"
)

const (
	DefaultCPULimitSec   = 2
	DefaultMemoryLimitKB = 262144
	DefaultMaxSourceSize = 65536

	maxResponseBytes = 4 << 20
)

// Config holds the judge endpoint and polling settings.
type Config struct {
	BaseURL           string         `yaml:"baseURL"`
	APIKey            string         `yaml:"apiKey"`
	APIHost           string         `yaml:"apiHost"`
	Timeout           time.Duration  `yaml:"timeout"`
	RequestsPerSecond float64        `yaml:"requestsPerSecond"`
	Burst             int            `yaml:"burst"`
	PollInterval      time.Duration  `yaml:"pollInterval"`
	MaxPollAttempts   int            `yaml:"maxPollAttempts"`
	Languages         map[string]int `yaml:"languages"`
}

func (c *Config) setDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.MaxPollAttempts <= 0 {
		c.MaxPollAttempts = 30
	}
}

// DefaultLanguages maps language names to Judge0 CE language ids.
func DefaultLanguages() map[string]int {
	return map[string]int{
		"javascript": 63,
		"python":     71,
		"java":       62,
		"cpp":        54,
		"c":          50,
		"csharp":     51,
		"go":         60,
		"rust":       73,
		"typescript": 74,
		"kotlin":     78,
		"swift":      83,
		"ruby":       72,
		"php":        68,
	}
}

// MergeLanguages returns the default table with overrides applied.
func MergeLanguages(overrides map[string]int) Languages {
	languages := Languages(DefaultLanguages())
	for name, id := range overrides {
		languages[strings.ToLower(strings.TrimSpace(name))] = id
	}
	return languages
}

// Languages is a language table for callers that validate without a client.
type Languages map[string]int

// LanguageID resolves a language name case-insensitively.
func (l Languages) LanguageID(lang string) (int, bool) {
	id, ok := l[strings.ToLower(strings.TrimSpace(lang))]
	return id, ok
}

// SubmitRequest is one execution request.
type SubmitRequest struct {
	Source         string
	LanguageID     int
	Stdin          string
	ExpectedOutput string
	CPULimitSec    float64
	MemoryLimitKB  int64
}

// RawStatus is the judge's own status code and label.
type RawStatus struct {
	ID          int    `json:"id"`
	Description string `json:"description"`
}

// RawResult is a judge response with numeric fields already normalized.
type RawResult struct {
	Token         string
	Status        RawStatus
	Time          float64
	Memory        int64
	Stdout        string
	Stderr        string
	CompileOutput string
	Message       string
}

// Done reports whether the judge has finished with the submission. Every id other
// than in-queue and processing is final, unknown ones included.
func (r RawResult) Done() bool {
	return r.Status.ID != 1 && r.Status.ID != 2
}

// DomainStatus maps the raw status, treating memory-related runtime errors as MEMORY_LIMIT_EXCEEDED.
func (r RawResult) DomainStatus() model.Status {
	status := MapStatus(r.Status.ID)
	if status == model.StatusRuntimeError {
		text := strings.ToLower(r.Status.Description + " " + r.Message)
		if strings.Contains(text, "memory") {
			return model.StatusMemoryLimitExceeded
		}
	}
	return status
}

// MapStatus converts a Judge0 status id into a submission status.
func MapStatus(id int) model.Status {
	switch {
	case id == 1:
		return model.StatusQueued
	case id == 2:
		return model.StatusRunning
	case id == 3:
		return model.StatusAccepted
	case id == 4:
		return model.StatusWrongAnswer
	case id == 5:
		return model.StatusTimeLimitExceeded
	case id == 6:
		return model.StatusCompileError
	case id >= 7 && id <= 12:
		return model.StatusRuntimeError
	default:
		return model.StatusFailed
	}
}

// Client calls the judge over HTTP. Every request waits on a token bucket.
type Client struct {
	cfg       Config
	baseURL   string
	http      *http.Client
	limiter   *rate.Limiter
	languages map[string]int
}

func New(cfg Config) (*Client, error) {
	cfg.setDefaults()
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("judge baseURL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid judge baseURL: %w", err)
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	languages := MergeLanguages(cfg.Languages)
	return &Client{
		cfg:       cfg,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		http:      &http.Client{Timeout: cfg.Timeout},
		limiter:   rate.NewLimiter(limit, cfg.Burst),
		languages: languages,
	}, nil
}

// LanguageID resolves a language name to the judge's id.
func (c *Client) LanguageID(lang string) (int, bool) {
	id, ok := c.languages[strings.ToLower(strings.TrimSpace(lang))]
	return id, ok
}

type submitBody struct {
	SourceCode     string  `json:"source_code"`
	LanguageID     int     `json:"language_id"`
	Stdin          string  `json:"stdin"`
	ExpectedOutput string  `json:"expected_output,omitempty"`
	CPUTimeLimit   float64 `json:"cpu_time_limit"`
	MemoryLimit    int64   `json:"memory_limit"`
}

// Submit queues the source at the judge and returns its token.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if req.CPULimitSec <= 0 {
		req.CPULimitSec = DefaultCPULimitSec
	}
	if req.MemoryLimitKB <= 0 {
		req.MemoryLimitKB = DefaultMemoryLimitKB
	}
	body, err := json.Marshal(submitBody{
		SourceCode:     req.Source,
		LanguageID:     req.LanguageID,
		Stdin:          req.Stdin,
		ExpectedOutput: req.ExpectedOutput,
		CPUTimeLimit:   req.CPULimitSec,
		MemoryLimit:    req.MemoryLimitKB,
	})
	if err != nil {
		return "", appErr.Wrapf(err, appErr.JudgeSystemError, "encode judge request failed")
	}

	data, err := c.do(ctx, http.MethodPost, "/submissions?base64_encoded=false&wait=false", body)
	if err != nil {
		return "", err
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", appErr.Wrapf(err, appErr.JudgeResponseInvalid, "decode judge token failed")
	}
	if resp.Token == "" {
		return "", appErr.New(appErr.JudgeResponseInvalid).WithMessage("judge returned an empty token")
	}
	return resp.Token, nil
}

type resultBody struct {
	Token         string          `json:"token"`
	Status        *RawStatus      `json:"status"`
	Time          json.RawMessage `json:"time"`
	Memory        json.RawMessage `json:"memory"`
	Stdout        *string         `json:"stdout"`
	Stderr        *string         `json:"stderr"`
	CompileOutput *string         `json:"compile_output"`
	Message       *string         `json:"message"`
}

// Fetch reads the current state of a judge submission.
func (c *Client) Fetch(ctx context.Context, token string) (RawResult, error) {
	data, err := c.do(ctx, http.MethodGet, "/submissions/"+url.PathEscape(token)+"?base64_encoded=false", nil)
	if err != nil {
		return RawResult{}, err
	}
	var body resultBody
	if err := json.Unmarshal(data, &body); err != nil {
		return RawResult{}, appErr.Wrapf(err, appErr.JudgeResponseInvalid, "decode judge result failed")
	}
	if body.Status == nil {
		return RawResult{}, appErr.New(appErr.JudgeResponseInvalid).WithMessage("judge result has no status")
	}
	return RawResult{
		Token:         token,
		Status:        *body.Status,
		Time:          parseNumber(body.Time),
		Memory:        int64(parseNumber(body.Memory)),
		Stdout:        deref(body.Stdout),
		Stderr:        deref(body.Stderr),
		CompileOutput: deref(body.CompileOutput),
		Message:       deref(body.Message),
	}, nil
}

// PollUntilDone fetches token every interval until the judge reports a final status.
// Running out of attempts returns JudgeTimeout.
func (c *Client) PollUntilDone(ctx context.Context, token string, maxAttempts int, interval time.Duration) (RawResult, error) {
	if maxAttempts <= 0 {
		maxAttempts = c.cfg.MaxPollAttempts
	}
	if interval <= 0 {
		interval = c.cfg.PollInterval
	}
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res, err := c.Fetch(ctx, token)
		if err != nil {
			return RawResult{}, err
		}
		if res.Done() {
			return res, nil
		}
		if attempt == maxAttempts {
			break
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return RawResult{}, ctx.Err()
		case <-timer.C:
		}
	}
	return RawResult{}, appErr.Newf(appErr.JudgeTimeout, "judge timed out after %d poll attempts", maxAttempts)
}

// Execute submits req and polls with the configured interval and attempts.
func (c *Client) Execute(ctx context.Context, req SubmitRequest) (RawResult, error) {
	token, err := c.Submit(ctx, req)
	if err != nil {
		return RawResult{}, err
	}
	return c.PollUntilDone(ctx, token, c.cfg.MaxPollAttempts, c.cfg.PollInterval)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.JudgeSystemError, "build judge request failed")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("X-RapidAPI-Key", c.cfg.APIKey)
	}
	if c.cfg.APIHost != "" {
		req.Header.Set("X-RapidAPI-Host", c.cfg.APIHost)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, appErr.Wrapf(err, appErr.JudgeUnavailable, "judge request failed")
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.JudgeUnavailable, "read judge response failed")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, appErr.Newf(appErr.JudgeUnavailable, "judge responded %d: %s", resp.StatusCode, truncate(string(data), 200))
	}
	return data, nil
}

// parseNumber accepts a JSON number, a numeric string or null. Anything else is 0.
func parseNumber(raw json.RawMessage) float64 {
	text := strings.TrimSpace(string(raw))
	if text == "" || text == "null" {
		return 0
	}
	if unquoted, err := strconv.Unquote(text); err == nil {
		text = strings.TrimSpace(unquoted)
	}
	v, err := strconv.ParseFloat(text, 64)
	if err != nil || v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
