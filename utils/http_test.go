package utils

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteJSON(t *testing.T) {
	t.Run("successful write", func(t *testing.T) {
		w := httptest.NewRecorder()

		err := WriteJSON(w, http.StatusOK, map[string]string{"message": "test"})
		require.NoError(t, err)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

		var response map[string]string
		require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
		assert.Equal(t, "test", response["message"])
	})

	t.Run("nil data", func(t *testing.T) {
		w := httptest.NewRecorder()

		require.NoError(t, WriteJSON(w, http.StatusNoContent, nil))
		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Empty(t, w.Body.String())
	})
}

func TestWriteOK(t *testing.T) {
	w := httptest.NewRecorder()

	require.NoError(t, WriteOK(w, map[string]string{"text": "hi"}))
	assert.Equal(t, http.StatusOK, w.Code)

	var response SuccessResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "hi", response.Data.(map[string]interface{})["text"])
}

func TestWriteError(t *testing.T) {
	tests := []struct {
		name      string
		write     func(w http.ResponseWriter) error
		wantCode  int
		wantError string
		wantMsg   string
	}{
		{
			name:      "bad request",
			write:     func(w http.ResponseWriter) error { return WriteBadRequest(w, "bad", nil) },
			wantCode:  http.StatusBadRequest,
			wantError: "bad_request",
			wantMsg:   "bad",
		},
		{
			name:      "unauthorized default message",
			write:     func(w http.ResponseWriter) error { return WriteUnauthorized(w, "") },
			wantCode:  http.StatusUnauthorized,
			wantError: "unauthorized",
			wantMsg:   "Authentication required",
		},
		{
			name:      "not found",
			write:     func(w http.ResponseWriter) error { return WriteNotFound(w, "") },
			wantCode:  http.StatusNotFound,
			wantError: "not_found",
			wantMsg:   "Resource not found",
		},
		{
			name:      "too many requests",
			write:     func(w http.ResponseWriter) error { return WriteTooManyRequests(w, "", nil) },
			wantCode:  http.StatusTooManyRequests,
			wantError: "rate_limit_exceeded",
			wantMsg:   "Rate limit exceeded",
		},
		{
			name:      "bad gateway",
			write:     func(w http.ResponseWriter) error { return WriteBadGateway(w, "upstream", nil) },
			wantCode:  http.StatusBadGateway,
			wantError: "bad_gateway",
			wantMsg:   "upstream",
		},
		{
			name:      "service unavailable",
			write:     func(w http.ResponseWriter) error { return WriteServiceUnavailable(w, "", nil) },
			wantCode:  http.StatusServiceUnavailable,
			wantError: "service_unavailable",
			wantMsg:   "Service Unavailable",
		},
		{
			name:      "internal",
			write:     func(w http.ResponseWriter) error { return WriteInternalServerError(w, "") },
			wantCode:  http.StatusInternalServerError,
			wantError: "internal_error",
			wantMsg:   "Internal server error",
		},
		{
			name:      "unmapped status",
			write:     func(w http.ResponseWriter) error { return WriteError(w, http.StatusTeapot, "", nil) },
			wantCode:  http.StatusTeapot,
			wantError: "internal_error",
			wantMsg:   "I'm a teapot",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			require.NoError(t, tt.write(w))
			assert.Equal(t, tt.wantCode, w.Code)

			var response ErrorResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
			assert.Equal(t, tt.wantError, response.Error)
			assert.Equal(t, tt.wantMsg, response.Message)
		})
	}
}

func TestDecodeJSON(t *testing.T) {
	type payload struct {
		Prompt string `json:"prompt"`
	}

	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{name: "valid", body: `{"prompt":"hi"}`},
		{name: "empty", body: ``, wantErr: "empty"},
		{name: "malformed", body: `{"prompt":`, wantErr: "malformed"},
		{name: "unknown field", body: `{"prompt":"hi","x":1}`, wantErr: "unknown field"},
		{name: "trailing object", body: `{"prompt":"a"}{"prompt":"b"}`, wantErr: "single JSON object"},
		{name: "too large", body: `{"prompt":"` + strings.Repeat("a", MaxBodyBytes) + `"}`, wantErr: "too large"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			var p payload
			err := DecodeJSON(httptest.NewRecorder(), r, &p)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "hi", p.Prompt)
		})
	}
}
