package model

import "time"

// Submission is one user's attempt at a problem and its judged outcome.
type Submission struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	ProblemID string `json:"problemId"`
	ContestID string `json:"contestId,omitempty"`
	Language  string `json:"language"`
	Source    string `json:"source,omitempty"`
	Stdin     string `json:"stdin,omitempty"`
	IsRunOnly bool   `json:"isRunOnly"`

	Status        Status           `json:"status"`
	Score         int              `json:"score"`
	Time          float64          `json:"time"`
	Memory        int64            `json:"memory"`
	Stdout        string           `json:"stdout,omitempty"`
	Stderr        string           `json:"stderr,omitempty"`
	CompileOutput string           `json:"compileOutput,omitempty"`
	TestResults   []TestCaseResult `json:"testResults,omitempty"`

	CreatedAt time.Time  `json:"createdAt"`
	JudgedAt  *time.Time `json:"judgedAt,omitempty"`
}

// TestCaseResult is the verdict for one scored test case.
type TestCaseResult struct {
	Ordinal int     `json:"ordinal"`
	Status  Status  `json:"status"`
	Time    float64 `json:"time"`
	Memory  int64   `json:"memory"`
	Points  int     `json:"points"`
	Earned  int     `json:"earned"`
	Message string  `json:"message,omitempty"`
}

// Result is the terminal outcome the worker persists.
type Result struct {
	Status        Status
	Score         int
	Time          float64
	Memory        int64
	Stdout        string
	Stderr        string
	CompileOutput string
	TestResults   []TestCaseResult
}

// Redacted returns a copy without the source, stdin and program output.
func (s *Submission) Redacted() *Submission {
	if s == nil {
		return nil
	}
	out := *s
	out.Source = ""
	out.Stdin = ""
	out.Stdout = ""
	out.Stderr = ""
	out.CompileOutput = ""
	return &out
}

// VisibleTo returns the full record for the owner and a redacted one for anyone else.
func (s *Submission) VisibleTo(userID string) *Submission {
	if s == nil {
		return nil
	}
	if s.UserID == userID {
		return s
	}
	return s.Redacted()
}

// StatusView is the lightweight projection served by the status endpoint and cache.
type StatusView struct {
	SubmissionID string     `json:"submissionId"`
	Status       Status     `json:"status"`
	Score        int        `json:"score"`
	JudgedAt     *time.Time `json:"judgedAt,omitempty"`
}

func (s *Submission) StatusView() StatusView {
	return StatusView{SubmissionID: s.ID, Status: s.Status, Score: s.Score, JudgedAt: s.JudgedAt}
}

// ListFilter narrows a user's submission listing.
type ListFilter struct {
	UserID    string
	ProblemID string
	Status    Status
	Page      int
	PageSize  int
}
