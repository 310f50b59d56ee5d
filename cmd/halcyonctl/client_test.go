package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAPIClientDoDecodesSuccessBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret-token", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	client := newAPIClient(srv.URL, "secret-token")
	var out map[string]string
	status, err := client.do(context.Background(), "GET", "/v1/system/status", nil, &out)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", out["status"])
}

func TestAPIClientDoWrapsUnauthorizedAsAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte("missing bearer token"))
	}))
	defer srv.Close()

	client := newAPIClient(srv.URL, "")
	_, err := client.do(context.Background(), "GET", "/v1/system/status", nil, nil)
	require.Error(t, err)

	var exitErr *exitCodeError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 3, exitErr.Code)
}

func TestAPIClientDoReturnsPlainErrorOnOtherClientErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("bad request"))
	}))
	defer srv.Close()

	client := newAPIClient(srv.URL, "token")
	status, err := client.do(context.Background(), "POST", "/v1/chat", map[string]string{"message": "hi"}, nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, status)

	var exitErr *exitCodeError
	assert.False(t, errors.As(err, &exitErr))
}

func TestExitCodeErrorUnwrapsAndMessages(t *testing.T) {
	inner := errors.New("boom")
	wrapped := usageError(inner)

	assert.Equal(t, "boom", wrapped.Error())
	assert.True(t, errors.Is(wrapped, inner))

	var exitErr *exitCodeError
	require.True(t, errors.As(wrapped, &exitErr))
	assert.Equal(t, 2, exitErr.Code)
}
