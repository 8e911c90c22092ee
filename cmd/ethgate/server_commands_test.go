package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthCommand_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}))
	defer server.Close()

	err := newApp().Run([]string{"ethgate", "--server-url", server.URL, "server", "health"})
	require.NoError(t, err)
}

func TestHealthCommand_WaitingForFirstBlock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("WAITING FOR FIRST BLOCK"))
	}))
	defer server.Close()

	err := newApp().Run([]string{"ethgate", "--server-url", server.URL, "server", "health"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "health check failed")
	assert.Contains(t, err.Error(), "WAITING FOR FIRST BLOCK")
}

func TestHealthCommand_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	err := newApp().Run([]string{"ethgate", "--server-url", url, "server", "health", "--timeout", "1s"})
	assert.Error(t, err)
}

func TestVersionCommand(t *testing.T) {
	require.NoError(t, newApp().Run([]string{"ethgate", "server", "version"}))
}
