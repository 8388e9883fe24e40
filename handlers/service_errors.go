package handlers

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/upb/llm-router/services"
	"github.com/upb/llm-router/utils"
)

// statusFor maps a domain error type to its HTTP status
func statusFor(errType services.ErrorType) int {
	switch errType {
	case services.ErrorTypeValidation:
		return http.StatusBadRequest
	case services.ErrorTypeUnauthorized:
		return http.StatusUnauthorized
	case services.ErrorTypeQuotaExceeded, services.ErrorTypeRateLimit:
		return http.StatusTooManyRequests
	case services.ErrorTypeAllProvidersExhausted:
		return http.StatusServiceUnavailable
	case services.ErrorTypeRemoteTransient, services.ErrorTypeRemotePermanent, services.ErrorTypeBatchSplit:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// HandleServiceError maps domain errors to HTTP responses
func HandleServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if err == nil {
		return
	}

	errType := services.GetErrorType(err)
	status := statusFor(errType)

	if status == http.StatusInternalServerError {
		// Configuration and internal errors never leak their cause
		logger.Error("internal server error",
			zap.Error(err),
			zap.String("error_type", string(errType)))
		if err := utils.WriteInternalServerError(w, "An internal error occurred"); err != nil {
			logger.Error("failed to write internal error response", zap.Error(err))
		}
		return
	}

	logger.Debug("handled service error",
		zap.String("type", string(errType)),
		zap.Error(err))

	if err := utils.WriteError(w, status, err.Error(), services.GetErrorDetails(err)); err != nil {
		logger.Error("failed to write error response", zap.Int("status", status), zap.Error(err))
	}
}

// HandleValidationError handles validation errors from request parsing
func HandleValidationError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if utils.IsValidationError(err) {
		fields := utils.GetValidationFields(err)
		details := make(map[string]interface{}, len(fields))
		for k, v := range fields {
			details[k] = v
		}
		if err := utils.WriteBadRequest(w, "Validation failed", details); err != nil {
			logger.Error("failed to write validation error response", zap.Error(err))
		}
		return
	}

	status := http.StatusBadRequest
	if errors.Is(err, utils.ErrBodyTooLarge) {
		status = http.StatusRequestEntityTooLarge
	}
	if err := utils.WriteError(w, status, err.Error(), nil); err != nil {
		logger.Error("failed to write validation error response", zap.Error(err))
	}
}
