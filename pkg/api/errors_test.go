package api_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/benchdepot/pkg/api"
)

func TestWriteError(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteError(w, http.StatusBadGateway, "Relay manifest URI problem: 'Not Found'")

	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body api.Message
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "Relay manifest URI problem: 'Not Found'", body.Message)
}

func TestWriteInternal_SanitizesError(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/api/v1/relay/https://relay.example.com/x", nil)
	api.WriteInternal(w, r, errors.New("pq: connection refused to host=10.0.0.1"))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"message":"Internal Server Error"}`, w.Body.String())
}

func TestWriteTooManyRequests_RetryAfterHeader(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteTooManyRequests(w, 30)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "30", w.Header().Get("Retry-After"))
}

func TestWriteUnauthorized_DefaultMessage(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteUnauthorized(w, "")
	assert.JSONEq(t, `{"message":"Authentication required"}`, w.Body.String())
}
