package ocr

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractFromImage(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "image/png", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, []byte("png-bytes"), body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"text":"recognized page"}`))
	}))
	t.Cleanup(server.Close)

	client, err := NewClient(Config{Endpoint: server.URL, APIKey: "secret"})
	require.NoError(t, err)

	text, err := client.ExtractFromImage(context.Background(), []byte("png-bytes"))
	require.NoError(t, err)
	assert.Equal(t, "recognized page", text)
}

func TestExtractFromImageServiceErrorTripsBreaker(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(server.Close)

	client, err := NewClient(Config{Endpoint: server.URL})
	require.NoError(t, err)

	for range breakerFailureLimit {
		_, err := client.ExtractFromImage(context.Background(), []byte("x"))
		assert.ErrorIs(t, err, ErrServiceUnavailable)
	}

	_, err = client.ExtractFromImage(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(breakerFailureLimit), calls.Load())
}

func TestExtractFromImageClientErrorDoesNotTrip(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unsupported image", http.StatusBadRequest)
	}))
	t.Cleanup(server.Close)

	client, err := NewClient(Config{Endpoint: server.URL})
	require.NoError(t, err)

	for range breakerFailureLimit + 1 {
		_, err := client.ExtractFromImage(context.Background(), []byte("x"))
		require.Error(t, err)
		assert.NotErrorIs(t, err, gobreaker.ErrOpenState)
		assert.ErrorContains(t, err, "unsupported image")
	}
}

func TestExtractFromImageHonoursCancellation(t *testing.T) {
	t.Parallel()

	client, err := NewClient(Config{Endpoint: "http://127.0.0.1:1", RatePerSecond: 1})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = client.ExtractFromImage(ctx, []byte("x"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewClientRequiresEndpoint(t *testing.T) {
	t.Parallel()

	_, err := NewClient(Config{})
	assert.Error(t, err)
}
