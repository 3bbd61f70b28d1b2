package controller

import (
	"context"
	"strconv"
	"strings"
	"time"

	"judgeflow/internal/common/http/middleware"
	"judgeflow/internal/submission/model"
	"judgeflow/internal/submission/repository"
	"judgeflow/internal/submission/service"
	appErr "judgeflow/pkg/errors"
	"judgeflow/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// SubmissionService is the intake and read surface the controller drives.
type SubmissionService interface {
	Submit(ctx context.Context, input service.SubmitInput) (service.SubmitResult, error)
	Run(ctx context.Context, input service.RunInput) (service.SubmitResult, error)
	Rejudge(ctx context.Context, submissionID string) (service.SubmitResult, error)
	Get(ctx context.Context, viewer service.Viewer, submissionID string) (*model.Submission, error)
	GetStatus(ctx context.Context, submissionID string) (model.StatusView, error)
	List(ctx context.Context, filter model.ListFilter) ([]*model.Submission, int64, error)
}

// SubmissionController handles submission HTTP endpoints.
type SubmissionController struct {
	svc SubmissionService
}

// NewSubmissionController creates a new SubmissionController.
func NewSubmissionController(svc SubmissionService) *SubmissionController {
	return &SubmissionController{svc: svc}
}

// SubmitRequest defines the graded submission payload.
type SubmitRequest struct {
	ProblemID string `json:"problemId" binding:"required"`
	Language  string `json:"language" binding:"required"`
	Code      string `json:"code" binding:"required"`
	ContestID string `json:"contestId"`
}

// RunRequest defines the ungraded run payload.
type RunRequest struct {
	ProblemID string `json:"problemId" binding:"required"`
	Language  string `json:"language" binding:"required"`
	Code      string `json:"code" binding:"required"`
	Stdin     string `json:"stdin"`
}

// SubmitResponse defines the accepted response payload.
type SubmitResponse struct {
	SubmissionID string `json:"submissionId"`
	Status       string `json:"status"`
	CreatedAt    string `json:"createdAt"`
}

// Create handles graded submissions.
func (h *SubmissionController) Create(c *gin.Context) {
	id, ok := middleware.CurrentIdentity(c)
	if !ok {
		response.Unauthorized(c, "")
		return
	}
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}

	res, err := h.svc.Submit(c.Request.Context(), service.SubmitInput{
		UserID:         id.UserID,
		ProblemID:      req.ProblemID,
		Language:       req.Language,
		Code:           req.Code,
		ContestID:      req.ContestID,
		IdempotencyKey: strings.TrimSpace(c.GetHeader("Idempotency-Key")),
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Accepted(c, toSubmitResponse(res))
}

// Run handles ungraded executions against custom stdin.
func (h *SubmissionController) Run(c *gin.Context) {
	id, ok := middleware.CurrentIdentity(c)
	if !ok {
		response.Unauthorized(c, "")
		return
	}
	var req RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}

	res, err := h.svc.Run(c.Request.Context(), service.RunInput{
		UserID:    id.UserID,
		ProblemID: req.ProblemID,
		Language:  req.Language,
		Code:      req.Code,
		Stdin:     req.Stdin,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Accepted(c, toSubmitResponse(res))
}

// Get returns one submission; source and output only for its owner.
func (h *SubmissionController) Get(c *gin.Context) {
	id, ok := middleware.CurrentIdentity(c)
	if !ok {
		response.Unauthorized(c, "")
		return
	}
	sub, err := h.svc.Get(c.Request.Context(), service.Viewer{UserID: id.UserID, Admin: id.IsAdmin()}, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, sub)
}

// GetStatus returns the lightweight status.
func (h *SubmissionController) GetStatus(c *gin.Context) {
	view, err := h.svc.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, view)
}

// List returns the caller's submissions.
func (h *SubmissionController) List(c *gin.Context) {
	id, ok := middleware.CurrentIdentity(c)
	if !ok {
		response.Unauthorized(c, "")
		return
	}
	page, err := queryInt(c, "page")
	if err != nil {
		response.Error(c, err)
		return
	}
	limit, err := queryInt(c, "limit")
	if err != nil {
		response.Error(c, err)
		return
	}
	filter := model.ListFilter{
		UserID:    id.UserID,
		ProblemID: strings.TrimSpace(c.Query("problemId")),
		Status:    model.Status(strings.ToUpper(strings.TrimSpace(c.Query("status")))),
		Page:      page,
		PageSize:  limit,
	}
	items, total, err := h.svc.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	page, limit = repository.NormalizePage(page, limit)
	response.SuccessWithPagination(c, items, total, page, limit)
}

// Rejudge resets a finished submission and queues it again.
func (h *SubmissionController) Rejudge(c *gin.Context) {
	res, err := h.svc.Rejudge(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Accepted(c, toSubmitResponse(res))
}

func toSubmitResponse(res service.SubmitResult) SubmitResponse {
	return SubmitResponse{
		SubmissionID: res.SubmissionID,
		Status:       string(res.Status),
		CreatedAt:    res.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func queryInt(c *gin.Context, key string) (int, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, appErr.ValidationError(key, "must be a non-negative integer")
	}
	return v, nil
}
