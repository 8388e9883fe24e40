package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/llm-router/services"
	"github.com/upb/llm-router/utils"
	"go.uber.org/zap"
)

func TestHandleServiceError(t *testing.T) {
	logger := zap.NewNop()

	tests := []struct {
		name           string
		err            error
		expectedStatus int
		expectedError  string
	}{
		{
			name:           "validation error",
			err:            services.ErrEmptyPrompt,
			expectedStatus: http.StatusBadRequest,
			expectedError:  "bad_request",
		},
		{
			name:           "unauthorized error",
			err:            services.ErrUnauthorized,
			expectedStatus: http.StatusUnauthorized,
			expectedError:  "unauthorized",
		},
		{
			name:           "rate limit error",
			err:            services.ErrRateLimitExceeded,
			expectedStatus: http.StatusTooManyRequests,
			expectedError:  "rate_limit_exceeded",
		},
		{
			name:           "quota error",
			err:            services.ErrQuotaExceeded,
			expectedStatus: http.StatusTooManyRequests,
			expectedError:  "rate_limit_exceeded",
		},
		{
			name:           "transient provider error",
			err:            services.ErrRemoteTransient,
			expectedStatus: http.StatusBadGateway,
			expectedError:  "bad_gateway",
		},
		{
			name:           "permanent provider error",
			err:            services.ErrRemotePermanent,
			expectedStatus: http.StatusBadGateway,
			expectedError:  "bad_gateway",
		},
		{
			name:           "batch split error",
			err:            services.NewBatchSplitError(1, 3, 2),
			expectedStatus: http.StatusBadGateway,
			expectedError:  "bad_gateway",
		},
		{
			name:           "providers exhausted",
			err:            services.NewAllProvidersExhaustedError(nil),
			expectedStatus: http.StatusServiceUnavailable,
			expectedError:  "service_unavailable",
		},
		{
			name:           "configuration error",
			err:            services.ErrMissingCredential,
			expectedStatus: http.StatusInternalServerError,
			expectedError:  "internal_error",
		},
		{
			name:           "internal error",
			err:            services.ErrInternal,
			expectedStatus: http.StatusInternalServerError,
			expectedError:  "internal_error",
		},
		{
			name:           "unknown error",
			err:            errors.New("some unknown error"),
			expectedStatus: http.StatusInternalServerError,
			expectedError:  "internal_error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			HandleServiceError(w, tt.err, logger)

			assert.Equal(t, tt.expectedStatus, w.Code)

			var response utils.ErrorResponse
			err := json.NewDecoder(w.Body).Decode(&response)
			require.NoError(t, err)

			assert.Equal(t, tt.expectedError, response.Error)
			assert.NotEmpty(t, response.Message)
		})
	}
}

func TestHandleServiceErrorWithDetails(t *testing.T) {
	logger := zap.NewNop()

	t.Run("quota details", func(t *testing.T) {
		err := services.NewDomainError(services.ErrorTypeQuotaExceeded, "daily quota reached", nil).
			WithDetail("limit", 1500).
			WithDetail("window", "day")

		w := httptest.NewRecorder()
		HandleServiceError(w, err, logger)

		assert.Equal(t, http.StatusTooManyRequests, w.Code)

		var response utils.ErrorResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&response))

		assert.Equal(t, float64(1500), response.Details["limit"])
		assert.Equal(t, "day", response.Details["window"])
	})

	t.Run("exhausted attempts are listed in order", func(t *testing.T) {
		err := services.NewAllProvidersExhaustedError([]services.AttemptFailure{
			{Provider: "gemini", Type: services.ErrorTypeQuotaExceeded, Reason: "quota_exceeded"},
			{Provider: "openai", Type: services.ErrorTypeRemoteTransient, Reason: "timeout"},
		})

		w := httptest.NewRecorder()
		HandleServiceError(w, err, logger)

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)

		var response struct {
			Details struct {
				Attempts []services.AttemptFailure `json:"attempts"`
			} `json:"details"`
		}
		require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
		require.Len(t, response.Details.Attempts, 2)
		assert.Equal(t, "gemini", response.Details.Attempts[0].Provider)
		assert.Equal(t, services.ErrorTypeRemoteTransient, response.Details.Attempts[1].Type)
	})

	t.Run("internal errors hide their cause", func(t *testing.T) {
		err := services.NewDomainError(services.ErrorTypeInternal, "store failed", errors.New("dial tcp 10.0.0.5:5432"))

		w := httptest.NewRecorder()
		HandleServiceError(w, err, logger)

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.NotContains(t, w.Body.String(), "10.0.0.5")
	})
}

func TestHandleServiceErrorNil(t *testing.T) {
	logger := zap.NewNop()
	w := httptest.NewRecorder()

	HandleServiceError(w, nil, logger)

	// Should not write anything
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Body.String())
}

func TestHandleValidationError(t *testing.T) {
	logger := zap.NewNop()

	t.Run("custom validation error", func(t *testing.T) {
		fields := map[string]string{
			"prompt":      "prompt is required",
			"temperature": "temperature must be at most 2",
		}
		err := &utils.ValidationError{
			Message: "Validation failed",
			Fields:  fields,
		}

		w := httptest.NewRecorder()
		HandleValidationError(w, err, logger)

		assert.Equal(t, http.StatusBadRequest, w.Code)

		var response utils.ErrorResponse
		err2 := json.NewDecoder(w.Body).Decode(&response)
		require.NoError(t, err2)

		assert.Equal(t, "bad_request", response.Error)
		assert.Equal(t, "Validation failed", response.Message)
		assert.NotNil(t, response.Details)
		assert.Equal(t, "prompt is required", response.Details["prompt"])
		assert.Equal(t, "temperature must be at most 2", response.Details["temperature"])
	})

	t.Run("generic error", func(t *testing.T) {
		err := errors.New("generic validation error")

		w := httptest.NewRecorder()
		HandleValidationError(w, err, logger)

		assert.Equal(t, http.StatusBadRequest, w.Code)

		var response utils.ErrorResponse
		err2 := json.NewDecoder(w.Body).Decode(&response)
		require.NoError(t, err2)

		assert.Equal(t, "bad_request", response.Error)
		assert.Equal(t, "generic validation error", response.Message)
	})

	t.Run("oversized body", func(t *testing.T) {
		w := httptest.NewRecorder()
		HandleValidationError(w, utils.ErrBodyTooLarge, logger)

		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	})
}
