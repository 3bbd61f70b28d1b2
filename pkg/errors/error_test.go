package errors_test

import (
	"errors"
	"fmt"
	"testing"

	. "judgeflow/pkg/errors"
)

func TestErrorCode_HTTPStatus(t *testing.T) {
	tests := []struct {
		code       ErrorCode
		wantStatus int
	}{
		{Success, 200},
		{InvalidParams, 400},
		{ValidationFailed, 400},
		{LanguageNotSupported, 400},
		{ContestNotRunning, 400},
		{Unauthorized, 401},
		{ProblemNotPublic, 403},
		{NotRegistered, 403},
		{ProblemNotFound, 404},
		{SubmissionNotFound, 404},
		{CodeTooLarge, 413},
		{RateLimitExceeded, 429},
		{QueueUnavailable, 503},
		{InternalServerError, 500},
		{DatabaseError, 500},
	}

	for _, tt := range tests {
		t.Run(tt.code.Kind(), func(t *testing.T) {
			if got := tt.code.HTTPStatus(); got != tt.wantStatus {
				t.Errorf("HTTPStatus() = %v, want %v", got, tt.wantStatus)
			}
		})
	}
}

func TestErrorCode_Kind(t *testing.T) {
	if got := RateLimitExceeded.Kind(); got != "RateLimitExceeded" {
		t.Errorf("Kind() = %q", got)
	}
	if got := ErrorCode(99999).Kind(); got != "Unknown" {
		t.Errorf("Kind() = %q, want Unknown", got)
	}
}

func TestNewf(t *testing.T) {
	err := Newf(SubmissionNotFound, "submission %s not found", "abc")

	if err.Error() != "submission abc not found" {
		t.Errorf("Error() = %v", err.Error())
	}
	if err.Code != SubmissionNotFound {
		t.Errorf("Code = %v, want %v", err.Code, SubmissionNotFound)
	}
}

func TestWrap(t *testing.T) {
	originalErr := errors.New("connection refused")
	err := Wrap(originalErr, DatabaseError)

	if err.Code != DatabaseError {
		t.Errorf("Code = %v, want %v", err.Code, DatabaseError)
	}
	if !errors.Is(err, originalErr) {
		t.Error("wrapped error should unwrap to original")
	}
	if Wrap(nil, DatabaseError) != nil {
		t.Error("Wrap(nil) should be nil")
	}
}

func TestWrapKeepsDetailsOfCustomError(t *testing.T) {
	inner := New(RateLimitExceeded).WithDetail("remaining", 0)
	outer := Wrap(inner, TooManyRequests)

	if outer.Code != TooManyRequests {
		t.Errorf("Code = %v", outer.Code)
	}
	if outer.Details["remaining"] != 0 {
		t.Errorf("details lost: %v", outer.Details)
	}
	if inner.Code != RateLimitExceeded {
		t.Error("Wrap must not mutate the inner error")
	}
}

func TestIsAndGetCodeFollowChain(t *testing.T) {
	base := New(JudgeTimeout)
	chained := fmt.Errorf("worker: %w", base)

	if !Is(chained, JudgeTimeout) {
		t.Error("Is should find code through fmt wrapping")
	}
	if GetCode(chained) != JudgeTimeout {
		t.Errorf("GetCode = %v", GetCode(chained))
	}
	if GetCode(errors.New("plain")) != InternalServerError {
		t.Error("plain errors should report InternalServerError")
	}
	if GetCode(nil) != Success {
		t.Error("nil should report Success")
	}
}

func TestValidationError(t *testing.T) {
	err := ValidationError("language", "unsupported")

	if err.Code != ValidationFailed {
		t.Errorf("Code = %v", err.Code)
	}
	if err.Details["field"] != "language" || err.Details["reason"] != "unsupported" {
		t.Errorf("Details = %v", err.Details)
	}
}

func TestRateLimited(t *testing.T) {
	err := RateLimited(0, 42)

	if err.Code != RateLimitExceeded || err.Code.HTTPStatus() != 429 {
		t.Errorf("Code = %v", err.Code)
	}
	if err.Details["remaining"] != 0 || err.Details["resetInSeconds"] != 42 {
		t.Errorf("Details = %v", err.Details)
	}
	if err.Stack == "" {
		t.Error("stack should be captured")
	}
}
