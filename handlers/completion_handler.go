package handlers

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/upb/llm-router/middleware"
	"github.com/upb/llm-router/models"
	"github.com/upb/llm-router/services"
	"github.com/upb/llm-router/services/quota"
	"github.com/upb/llm-router/services/router"
	"github.com/upb/llm-router/utils"
)

// MaxBatchTasks bounds the number of tasks accepted by one batch request
const MaxBatchTasks = 50

// RouterService defines the routing operations exposed over HTTP
type RouterService interface {
	CompleteRequest(ctx context.Context, req *router.CompletionRequest) (*router.CompletionResult, error)
	CompleteBatch(ctx context.Context, tasks []router.Task) ([]router.BatchResult, error)
	Usage() map[string]models.UsageSummary
	UsageReport(ctx context.Context) (*router.UsageReport, error)
	Forecast(provider string, days int) (*quota.Forecast, error)
	Providers() []string
}

// BatchRequest is the body of POST /api/v1/complete/batch
type BatchRequest struct {
	Tasks []router.Task `json:"tasks" validate:"required,min=1"`
}

// TaskError describes why one batch task failed
type TaskError struct {
	Type    string                 `json:"type"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// BatchTaskResponse is one entry of a batch response
type BatchTaskResponse struct {
	router.BatchResult
	Error *TaskError `json:"error,omitempty"`
}

// BatchResponse is the body returned for a batch request
type BatchResponse struct {
	Results   []BatchTaskResponse `json:"results"`
	Succeeded int                 `json:"succeeded"`
	Failed    int                 `json:"failed"`
}

// CompletionHandler handles completion HTTP requests
type CompletionHandler struct {
	service RouterService
	logger  *zap.Logger
}

// NewCompletionHandler creates a new CompletionHandler
func NewCompletionHandler(service RouterService, logger *zap.Logger) *CompletionHandler {
	return &CompletionHandler{
		service: service,
		logger:  logger,
	}
}

// HandleComplete handles POST /api/v1/complete
func (h *CompletionHandler) HandleComplete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	var req router.CompletionRequest
	if err := utils.DecodeJSON(w, r, &req); err != nil {
		h.logger.Warn("failed to decode request body",
			zap.String("request_id", requestID),
			zap.Error(err))
		HandleValidationError(w, err, h.logger)
		return
	}

	if err := utils.ValidateStruct(&req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	result, err := h.service.CompleteRequest(ctx, &req)
	if err != nil {
		h.logger.Warn("completion failed",
			zap.String("request_id", requestID),
			zap.String("task_type", req.TaskType),
			zap.Error(err))
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("completion served",
		zap.String("request_id", requestID),
		zap.String("provider", result.Provider),
		zap.String("task_type", result.TaskType),
		zap.Bool("cached", result.Cached),
		zap.Int("calls", result.Calls))

	if err := utils.WriteOK(w, result); err != nil {
		h.logger.Error("failed to write response", zap.Error(err))
	}
}

// HandleBatch handles POST /api/v1/complete/batch. Per-task failures are
// reported inline; the request itself only fails when the body is invalid.
func (h *CompletionHandler) HandleBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	var req BatchRequest
	if err := utils.DecodeJSON(w, r, &req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}
	if len(req.Tasks) > MaxBatchTasks {
		_ = utils.WriteBadRequest(w, "too many tasks", map[string]interface{}{
			"max_tasks": MaxBatchTasks,
			"got":       len(req.Tasks),
		})
		return
	}
	if err := utils.ValidateStruct(&req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	results, err := h.service.CompleteBatch(ctx, req.Tasks)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	resp := BatchResponse{Results: make([]BatchTaskResponse, len(results))}
	for i, res := range results {
		resp.Results[i] = BatchTaskResponse{BatchResult: res}
		if res.Err == nil {
			resp.Succeeded++
			continue
		}
		resp.Failed++
		resp.Results[i].Error = &TaskError{
			Type:    string(errorTypeOf(res.Err)),
			Message: res.Err.Error(),
			Details: services.GetErrorDetails(res.Err),
		}
	}

	h.logger.Info("batch served",
		zap.String("request_id", requestID),
		zap.Int("tasks", len(results)),
		zap.Int("failed", resp.Failed))

	if err := utils.WriteOK(w, resp); err != nil {
		h.logger.Error("failed to write response", zap.Error(err))
	}
}

func errorTypeOf(err error) services.ErrorType {
	if t := services.GetErrorType(err); t != "" {
		return t
	}
	return services.ErrorTypeInternal
}
