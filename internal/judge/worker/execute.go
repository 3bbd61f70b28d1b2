package worker

import (
	"context"
	"math"

	"judgeflow/internal/judge/judgeclient"
	"judgeflow/internal/submission/model"
	appErr "judgeflow/pkg/errors"
)

// execute runs job on the judge. Jobs without test cases are one flat run;
// jobs with test cases run once per case and are scored by points.
func (w *Worker) execute(ctx context.Context, job *model.JudgeJob) (model.Result, error) {
	langID, ok := w.judge.LanguageID(job.Language)
	if !ok {
		return model.Result{}, appErr.Newf(appErr.LanguageNotSupported, "language %q is not supported by the judge", job.Language)
	}
	if w.timeouts.Job > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeouts.Job)
		defer cancel()
	}

	base := judgeclient.SubmitRequest{
		Source:        job.Source,
		LanguageID:    langID,
		Stdin:         job.Stdin,
		CPULimitSec:   job.CPULimitSec,
		MemoryLimitKB: job.MemoryLimitKB,
	}
	if len(job.TestCases) == 0 {
		return w.executeFlat(ctx, base)
	}
	return w.executeCases(ctx, base, job.TestCases)
}

func (w *Worker) executeFlat(ctx context.Context, req judgeclient.SubmitRequest) (model.Result, error) {
	raw, err := w.judge.Execute(ctx, req)
	if err != nil {
		return model.Result{}, err
	}
	status := raw.DomainStatus()
	if !status.IsTerminal() || status == model.StatusFailed {
		return model.Result{}, internalError(raw)
	}
	res := model.Result{
		Status:        status,
		Time:          raw.Time,
		Memory:        raw.Memory,
		Stdout:        raw.Stdout,
		Stderr:        raw.Stderr,
		CompileOutput: raw.CompileOutput,
	}
	if status == model.StatusAccepted {
		res.Score = 100
	}
	return res, nil
}

// executeCases judges every case in order. A compile error stops early since
// every later case would fail the same way; a judge failure fails the whole job.
func (w *Worker) executeCases(ctx context.Context, base judgeclient.SubmitRequest, cases []model.JobTestCase) (model.Result, error) {
	total := 0
	for _, tc := range cases {
		total += tc.Points
	}
	// Cases weigh equally when none carries points.
	equal := total == 0
	if equal {
		total = len(cases)
	}
	weight := func(tc model.JobTestCase) int {
		if equal {
			return 1
		}
		return tc.Points
	}

	var (
		res        model.Result
		earned     int
		firstFail  model.Status
		reportCase = -1
	)
	for i, tc := range cases {
		req := base
		req.Stdin = tc.Input
		req.ExpectedOutput = tc.ExpectedOutput
		raw, err := w.judge.Execute(ctx, req)
		if err != nil {
			return model.Result{}, appErr.Wrapf(err, appErr.GetCode(err), "test case %d", i+1)
		}
		status := raw.DomainStatus()
		if !status.IsTerminal() || status == model.StatusFailed {
			return model.Result{}, internalError(raw)
		}

		points := weight(tc)
		tcr := model.TestCaseResult{
			Ordinal: i + 1,
			Status:  status,
			Time:    raw.Time,
			Memory:  raw.Memory,
			Points:  points,
			Message: raw.Message,
		}
		if status == model.StatusAccepted {
			tcr.Earned = points
			earned += points
		}
		res.TestResults = append(res.TestResults, tcr)
		res.Time = math.Max(res.Time, raw.Time)
		if raw.Memory > res.Memory {
			res.Memory = raw.Memory
		}
		if status != model.StatusAccepted && firstFail == "" {
			firstFail = status
			reportCase = i
			res.Stdout, res.Stderr, res.CompileOutput = raw.Stdout, raw.Stderr, raw.CompileOutput
		}
		if status == model.StatusCompileError {
			break
		}
		if reportCase < 0 {
			res.Stdout, res.Stderr = raw.Stdout, raw.Stderr
		}
	}

	res.Status, res.Score = scoreCases(earned, total, firstFail)
	return res, nil
}

// scoreCases derives status and score from earned points. ACCEPTED requires every case
// to pass, including cases worth no points; PARTIAL is clamped to 1..99 so rounding
// never reports a full or empty score for it.
func scoreCases(earned, total int, firstFail model.Status) (model.Status, int) {
	if total <= 0 || earned <= 0 {
		if firstFail == "" {
			return model.StatusAccepted, 100
		}
		return firstFail, 0
	}
	if firstFail == "" {
		return model.StatusAccepted, 100
	}
	if earned >= total {
		return model.StatusPartial, 99
	}
	score := int(math.Round(100 * float64(earned) / float64(total)))
	if score >= 100 {
		score = 99
	}
	if score <= 0 {
		score = 1
	}
	return model.StatusPartial, score
}

func internalError(raw judgeclient.RawResult) error {
	msg := raw.Message
	if msg == "" {
		msg = raw.Status.Description
	}
	return appErr.Newf(appErr.JudgeSystemError, "judge reported %q: %s", raw.Status.Description, msg)
}
