package main

import (
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"halcyon/internal/logging"
)

func TestServeUntilSignalReturnsNilOnGracefulClose(t *testing.T) {
	server := &http.Server{Addr: "127.0.0.1:0", Handler: http.NewServeMux()}
	logger := logging.NewComponentLogger("test")

	done := make(chan error, 1)
	go func() { done <- serveUntilSignal(server, time.Second, logger) }()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, server.Close())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("serveUntilSignal did not return after server.Close()")
	}
}

func TestServeUntilSignalReturnsErrorOnListenFailure(t *testing.T) {
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer occupied.Close()

	server := &http.Server{Addr: occupied.Addr().String(), Handler: http.NewServeMux()}
	logger := logging.NewComponentLogger("test")

	errCh := make(chan error, 1)
	go func() { errCh <- serveUntilSignal(server, time.Second, logger) }()

	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("serveUntilSignal did not return after a listen failure")
	}
}
