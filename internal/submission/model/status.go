// Package model defines the submission record, the judge job payload and lifecycle events.
package model

import "strings"

// Status is the lifecycle state of a submission.
type Status string

const (
	StatusQueued              Status = "QUEUED"
	StatusRunning             Status = "RUNNING"
	StatusAccepted            Status = "ACCEPTED"
	StatusWrongAnswer         Status = "WRONG_ANSWER"
	StatusTimeLimitExceeded   Status = "TIME_LIMIT_EXCEEDED"
	StatusRuntimeError        Status = "RUNTIME_ERROR"
	StatusMemoryLimitExceeded Status = "MEMORY_LIMIT_EXCEEDED"
	StatusCompileError        Status = "COMPILE_ERROR"
	StatusFailed              Status = "FAILED"
	StatusPartial             Status = "PARTIAL"
)

var knownStatuses = map[Status]struct{}{
	StatusQueued:              {},
	StatusRunning:             {},
	StatusAccepted:            {},
	StatusWrongAnswer:         {},
	StatusTimeLimitExceeded:   {},
	StatusRuntimeError:        {},
	StatusMemoryLimitExceeded: {},
	StatusCompileError:        {},
	StatusFailed:              {},
	StatusPartial:             {},
}

// IsTerminal reports whether no worker transition leaves s.
func (s Status) IsTerminal() bool {
	if s == StatusQueued || s == StatusRunning {
		return false
	}
	_, ok := knownStatuses[s]
	return ok
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := knownStatuses[s]
	return ok
}

// ParseStatus accepts any casing; ok is false for unknown values.
func ParseStatus(raw string) (Status, bool) {
	s := Status(strings.ToUpper(strings.TrimSpace(raw)))
	return s, s.Valid()
}

// TerminalStatuses lists every absorbing status.
func TerminalStatuses() []Status {
	return []Status{
		StatusAccepted, StatusWrongAnswer, StatusTimeLimitExceeded, StatusRuntimeError,
		StatusMemoryLimitExceeded, StatusCompileError, StatusFailed, StatusPartial,
	}
}
