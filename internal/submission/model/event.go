package model

import (
	"encoding/json"
	"time"
)

// EventType names a lifecycle transition.
type EventType string

const (
	EventCreated  EventType = "created"
	EventFinished EventType = "finished"
)

// LifecycleEvent is an immutable fact about a submission's creation or completion.
// Status, score, time and memory are set only for finished events.
type LifecycleEvent struct {
	Type         EventType `json:"type"`
	SubmissionID string    `json:"submissionId"`
	UserID       string    `json:"userId"`
	ProblemID    string    `json:"problemId"`
	ContestID    string    `json:"contestId,omitempty"`
	Rejudge      bool      `json:"rejudge,omitempty"`
	Status       Status    `json:"status"`
	Score        int       `json:"score"`
	Time         float64   `json:"time"`
	Memory       int64     `json:"memory"`
	Timestamp    time.Time `json:"timestamp"`
}

// lifecycleWire is the encoded form. Result fields are pointers so finished events
// always carry them, zero values included, and created events never do.
type lifecycleWire struct {
	Type         EventType `json:"type"`
	SubmissionID string    `json:"submissionId"`
	UserID       string    `json:"userId"`
	ProblemID    string    `json:"problemId"`
	ContestID    string    `json:"contestId,omitempty"`
	Rejudge      bool      `json:"rejudge,omitempty"`
	Status       *Status   `json:"status,omitempty"`
	Score        *int      `json:"score,omitempty"`
	Time         *float64  `json:"time,omitempty"`
	Memory       *int64    `json:"memory,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

func (e LifecycleEvent) MarshalJSON() ([]byte, error) {
	w := lifecycleWire{
		Type:         e.Type,
		SubmissionID: e.SubmissionID,
		UserID:       e.UserID,
		ProblemID:    e.ProblemID,
		ContestID:    e.ContestID,
		Rejudge:      e.Rejudge,
		Timestamp:    e.Timestamp,
	}
	if e.Type == EventFinished {
		w.Status, w.Score, w.Time, w.Memory = &e.Status, &e.Score, &e.Time, &e.Memory
	}
	return json.Marshal(w)
}

// CreatedEvent builds the created event for sub.
func CreatedEvent(sub *Submission, rejudge bool, now time.Time) LifecycleEvent {
	return LifecycleEvent{
		Type:         EventCreated,
		SubmissionID: sub.ID,
		UserID:       sub.UserID,
		ProblemID:    sub.ProblemID,
		ContestID:    sub.ContestID,
		Rejudge:      rejudge,
		Timestamp:    now,
	}
}

// FinishedEvent builds the finished event for a judged job.
func FinishedEvent(job *JudgeJob, res Result, now time.Time) LifecycleEvent {
	return LifecycleEvent{
		Type:         EventFinished,
		SubmissionID: job.SubmissionID,
		UserID:       job.UserID,
		ProblemID:    job.ProblemID,
		ContestID:    job.ContestID,
		Status:       res.Status,
		Score:        res.Score,
		Time:         res.Time,
		Memory:       res.Memory,
		Timestamp:    now,
	}
}
