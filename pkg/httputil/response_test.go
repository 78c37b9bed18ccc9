package httputil

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	err := WriteJSON(w, http.StatusOK, map[string]string{"message": "success"})

	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"message":"success"}`, w.Body.String())
}

func TestWriteErrors(t *testing.T) {
	tests := []struct {
		name   string
		write  func(w http.ResponseWriter)
		status int
		body   string
	}{
		{"error", func(w http.ResponseWriter) { WriteError(w, http.StatusTeapot, errors.New("boom")) }, http.StatusTeapot, `{"error":"boom"}`},
		{"bad request", func(w http.ResponseWriter) { WriteBadRequest(w, "bad") }, http.StatusBadRequest, `{"error":"bad"}`},
		{"unauthorized", func(w http.ResponseWriter) { WriteUnauthorized(w, "no token") }, http.StatusUnauthorized, `{"error":"no token"}`},
		{"not found", func(w http.ResponseWriter) { WriteNotFound(w, "missing") }, http.StatusNotFound, `{"error":"missing"}`},
		{"unprocessable", func(w http.ResponseWriter) { WriteUnprocessable(w, errors.New("bad wasm")) }, http.StatusUnprocessableEntity, `{"error":"bad wasm"}`},
		{"internal", func(w http.ResponseWriter) { WriteInternalError(w, errors.New("oops")) }, http.StatusInternalServerError, `{"error":"oops"}`},
		{"unavailable", func(w http.ResponseWriter) { WriteServiceUnavailable(w, "later") }, http.StatusServiceUnavailable, `{"error":"later"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			tt.write(w)
			assert.Equal(t, tt.status, w.Code)
			assert.JSONEq(t, tt.body, w.Body.String())
		})
	}
}

func TestWriteUnauthorizedChallenge(t *testing.T) {
	w := httptest.NewRecorder()
	WriteUnauthorized(w, "no token")
	assert.Contains(t, w.Header().Get("WWW-Authenticate"), "Bearer")
}

func TestWriteStatus(t *testing.T) {
	w := httptest.NewRecorder()
	assert.NoError(t, WriteStatus(w, http.StatusCreated, "created"))
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.JSONEq(t, `{"status":"created"}`, w.Body.String())
}
