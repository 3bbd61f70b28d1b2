package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 12000-12999: Problem lookup errors
// 13000-13999: Submission & Judge errors
// 14000-14999: Contest eligibility errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	Unauthorized        ErrorCode = 10004
	Forbidden           ErrorCode = 10005
	TooManyRequests     ErrorCode = 10006
	ServiceUnavailable  ErrorCode = 10007
	Timeout             ErrorCode = 10008

	// Database errors (10100-10199)
	DatabaseError       ErrorCode = 10100
	RecordNotFound      ErrorCode = 10101
	RecordAlreadyExists ErrorCode = 10102

	// Cache errors (10200-10299)
	CacheError ErrorCode = 10200
	CacheMiss  ErrorCode = 10201

	// Queue errors (10400-10499)
	QueueUnavailable ErrorCode = 10400
	PublishFailed    ErrorCode = 10401

	// Validation errors (10300-10399)
	ValidationFailed   ErrorCode = 10300
	InvalidFormat      ErrorCode = 10301
	RequiredFieldEmpty ErrorCode = 10303

	// Auth (10500-10599)
	TokenExpired ErrorCode = 10500
	TokenInvalid ErrorCode = 10501

	// ========== Problem Errors (12000-12999) ==========

	ProblemNotFound  ErrorCode = 12000
	ProblemNotPublic ErrorCode = 12001

	// ========== Submission & Judge Errors (13000-13999) ==========

	// Submission (13000-13099)
	SubmissionNotFound       ErrorCode = 13000
	SubmissionCreateFailed   ErrorCode = 13001
	CodeTooLarge             ErrorCode = 13002
	LanguageNotSupported     ErrorCode = 13003
	RateLimitExceeded        ErrorCode = 13004
	SubmissionNotRejudgeable ErrorCode = 13005

	// Judge (13100-13199)
	JudgeUnavailable     ErrorCode = 13100
	JudgeSystemError     ErrorCode = 13101
	JudgeTimeout         ErrorCode = 13102
	JudgeResponseInvalid ErrorCode = 13103

	// ========== Contest Errors (14000-14999) ==========

	ContestNotFound     ErrorCode = 14000
	ContestNotRunning   ErrorCode = 14001
	ContestNotActive    ErrorCode = 14002
	NotRegistered       ErrorCode = 14003
	ProblemNotInContest ErrorCode = 14004
)

var errorMessages = map[ErrorCode]string{
	Success: "Success",

	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	Unauthorized:        "Unauthorized",
	Forbidden:           "Forbidden",
	TooManyRequests:     "Too many requests",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Request timeout",

	DatabaseError:       "Database error",
	RecordNotFound:      "Record not found",
	RecordAlreadyExists: "Record already exists",

	CacheError: "Cache error",
	CacheMiss:  "Cache miss",

	QueueUnavailable: "Judge queue is unavailable, please try again later",
	PublishFailed:    "Failed to publish message",

	ValidationFailed:   "Validation failed",
	InvalidFormat:      "Invalid format",
	RequiredFieldEmpty: "Required field is empty",

	TokenExpired: "Token has expired",
	TokenInvalid: "Invalid token",

	ProblemNotFound:  "Problem not found",
	ProblemNotPublic: "Problem is not public",

	SubmissionNotFound:       "Submission not found",
	SubmissionCreateFailed:   "Failed to create submission",
	CodeTooLarge:             "Source code exceeds the size limit",
	LanguageNotSupported:     "Programming language is not supported",
	RateLimitExceeded:        "Submitting too frequently, please try again later",
	SubmissionNotRejudgeable: "Submission is still being judged",

	JudgeUnavailable:     "Judge service is unavailable",
	JudgeSystemError:     "Judge system error",
	JudgeTimeout:         "Judge timed out waiting for a result",
	JudgeResponseInvalid: "Judge returned an invalid response",

	ContestNotFound:     "Contest not found",
	ContestNotRunning:   "Contest is not running",
	ContestNotActive:    "Contest is not accepting submissions at this time",
	NotRegistered:       "You are not registered for this contest",
	ProblemNotInContest: "Problem does not belong to this contest",
}

// errorKinds are the machine-readable names returned to clients.
var errorKinds = map[ErrorCode]string{
	Success:                  "Success",
	InternalServerError:      "InternalError",
	InvalidParams:            "InvalidParams",
	NotFound:                 "NotFound",
	Unauthorized:             "Unauthorized",
	Forbidden:                "Forbidden",
	TooManyRequests:          "TooManyRequests",
	ServiceUnavailable:       "ServiceUnavailable",
	Timeout:                  "Timeout",
	DatabaseError:            "DatabaseError",
	CacheError:               "CacheError",
	QueueUnavailable:         "QueueUnavailable",
	ValidationFailed:         "ValidationFailed",
	TokenExpired:             "TokenExpired",
	TokenInvalid:             "TokenInvalid",
	ProblemNotFound:          "ProblemNotFound",
	ProblemNotPublic:         "ProblemNotPublic",
	SubmissionNotFound:       "SubmissionNotFound",
	CodeTooLarge:             "CodeTooLarge",
	LanguageNotSupported:     "LanguageNotSupported",
	RateLimitExceeded:        "RateLimitExceeded",
	SubmissionNotRejudgeable: "SubmissionNotRejudgeable",
	JudgeUnavailable:         "JudgeUnavailable",
	JudgeSystemError:         "JudgeSystemError",
	JudgeTimeout:             "JudgeTimeout",
	JudgeResponseInvalid:     "JudgeResponseInvalid",
	ContestNotFound:          "ContestNotFound",
	ContestNotRunning:        "ContestNotRunning",
	ContestNotActive:         "ContestNotActive",
	NotRegistered:            "NotRegistered",
	ProblemNotInContest:      "ProblemNotInContest",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// Kind returns the stable machine-readable name of the code
func (c ErrorCode) Kind() string {
	if kind, ok := errorKinds[c]; ok {
		return kind
	}
	return "Unknown"
}

// HTTPStatus returns the recommended HTTP status code for the error code
func (c ErrorCode) HTTPStatus() int {
	switch {
	case c == Success:
		return 200
	case c == Unauthorized, c == TokenExpired, c == TokenInvalid:
		return 401
	case c == Forbidden, c == ProblemNotPublic, c == NotRegistered:
		return 403
	case c == NotFound, c == RecordNotFound, c == ProblemNotFound, c == ContestNotFound, c == SubmissionNotFound:
		return 404
	case c == SubmissionNotRejudgeable:
		return 409
	case c == CodeTooLarge:
		return 413
	case c == TooManyRequests, c == RateLimitExceeded:
		return 429
	case c == ServiceUnavailable, c == QueueUnavailable, c == JudgeUnavailable:
		return 503
	case c == Timeout, c == JudgeTimeout:
		return 504
	case c >= 10300 && c < 10400: // Validation errors
		return 400
	case c == InvalidParams, c == LanguageNotSupported, c == ContestNotRunning, c == ContestNotActive, c == ProblemNotInContest:
		return 400
	default:
		return 500
	}
}
