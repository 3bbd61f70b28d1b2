package model

import "time"

// Scene selects the job topic a submission is routed to.
type Scene string

const (
	SceneContest  Scene = "contest"
	ScenePractice Scene = "practice"
	SceneRun      Scene = "run"
	SceneRejudge  Scene = "rejudge"
)

// JudgeJob is the queue payload. It carries everything a worker needs to judge
// without reading the problem catalog.
type JudgeJob struct {
	SubmissionID  string        `json:"submissionId"`
	UserID        string        `json:"userId"`
	ProblemID     string        `json:"problemId"`
	ContestID     string        `json:"contestId,omitempty"`
	Language      string        `json:"language"`
	Source        string        `json:"source"`
	Stdin         string        `json:"stdin"`
	CPULimitSec   float64       `json:"cpuLimitSec"`
	MemoryLimitKB int64         `json:"memoryLimitKb"`
	CreatedAt     time.Time     `json:"createdAt"`
	IsRunOnly     bool          `json:"isRunOnly"`
	TestCases     []JobTestCase `json:"testCases,omitempty"`
}

// JobTestCase is one scored case of the problem.
type JobTestCase struct {
	Input          string `json:"input"`
	ExpectedOutput string `json:"expectedOutput"`
	Points         int    `json:"points"`
}

// Scene returns the routing class of the job.
func (j *JudgeJob) Scene() Scene {
	switch {
	case j.IsRunOnly:
		return SceneRun
	case j.ContestID != "":
		return SceneContest
	default:
		return ScenePractice
	}
}
