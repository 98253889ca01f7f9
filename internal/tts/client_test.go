package tts

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heypixa/luna-tts/internal/config"
)

func testConfig(baseURL string) *config.Config {
	return &config.Config{
		BaseURL:           baseURL,
		TopP:              DefaultTopP,
		RepetitionPenalty: DefaultRepetitionPenalty,
		ConnectTimeout:    5,
		HealthTimeout:     5,
		StreamBuffer:      8,
	}
}

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c := NewClient(testConfig(baseURL), WithLogger(zerolog.Nop()))
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClient_Metadata(t *testing.T) {
	c := newTestClient(t, "http://localhost:1")

	assert.Equal(t, "luna", c.Model())
	assert.Equal(t, "heypixa", c.Provider())
	assert.Equal(t, 32000, c.SampleRate())
	assert.Equal(t, 1, c.NumChannels())
}

func TestClient_WebSocketURL(t *testing.T) {
	assert.Equal(t, "wss://hindi.heypixa.ai/api/v1/ws/synthesize",
		newTestClient(t, "https://hindi.heypixa.ai/").wsURL(wsSynthesizePath))
	assert.Equal(t, "ws://localhost:8080/api/v1/ws/synthesize",
		newTestClient(t, "http://localhost:8080").wsURL(wsSynthesizePath))
}

func TestClient_UpdateOptions(t *testing.T) {
	c := newTestClient(t, "http://localhost:1")

	c.UpdateOptions(WithTopP(0.5))
	assert.Equal(t, SamplingOptions{TopP: 0.5, RepetitionPenalty: DefaultRepetitionPenalty}, c.Options())

	c.UpdateOptions(WithRepetitionPenalty(1.8), WithTopP(0.7))
	assert.Equal(t, SamplingOptions{TopP: 0.7, RepetitionPenalty: 1.8}, c.Options())
}

func TestClient_SynthesizeRejectsLongText(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)

	_, err := c.Synthesize(context.Background(), strings.Repeat("a", MaxTextLength+1))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.False(t, IsRetryable(err))
	assert.Contains(t, err.Error(), "5001")
	assert.Zero(t, hits.Load())
	assert.Zero(t, c.ActiveSessions())
}

func TestClient_SynthesizeCountsCharacters(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)

	// Devanagari characters are multi-byte but count once each
	stream, err := c.Synthesize(context.Background(), strings.Repeat("न", MaxTextLength))
	require.NoError(t, err)
	_, err = collectFrames(t, stream)
	assert.NoError(t, err)
}

func TestClient_GetConfig(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, configPath, r.URL.Path)
		assert.Equal(t, http.MethodGet, r.Method)
		json.NewEncoder(w).Encode(map[string]any{
			"sample_rate": 24000,
			"sampling_defaults": map[string]any{
				"top_p": 0.8,
			},
		})
	}))
	defer server.Close()

	cfg, err := newTestClient(t, server.URL).GetConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 24000, cfg.SampleRate)
	assert.Equal(t, 0.8, cfg.TopP)
	assert.Equal(t, DefaultRepetitionPenalty, cfg.RepetitionPenalty)
}

func TestClient_GetConfigStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("x-request-id", "abc")
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := newTestClient(t, server.URL).GetConfig(context.Background())

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)
	assert.Contains(t, statusErr.Body, "maintenance")
	assert.Equal(t, "abc", statusErr.RequestID)
	assert.False(t, IsRetryable(err))
}

func TestClient_CheckHealth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, healthPath, r.URL.Path)
		w.Write([]byte(`{"status":"healthy","timestamp":"2026-01-01T00:00:00Z","voice_cloning":true}`))
	}))
	defer server.Close()

	health, err := newTestClient(t, server.URL).CheckHealth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "2026-01-01T00:00:00Z", health.Timestamp)
	assert.Equal(t, "unknown", health.BackendStatus)
	assert.True(t, health.VoiceCloning)
}

func TestClient_CheckHealthConnectionRefused(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	_, err := newTestClient(t, url).CheckHealth(context.Background())
	require.Error(t, err)
	assert.True(t, IsRetryable(err))

	var connErr *ConnectionError
	assert.ErrorAs(t, err, &connErr)
}

func TestClient_CloseCancelsSessions(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	c := NewClient(testConfig(server.URL), WithLogger(zerolog.Nop()))

	first, err := c.Synthesize(context.Background(), "पहला")
	require.NoError(t, err)
	second, err := c.Synthesize(context.Background(), "दूसरा")
	require.NoError(t, err)
	assert.Equal(t, 2, c.ActiveSessions())

	require.NoError(t, c.Close())
	assert.Zero(t, c.ActiveSessions())

	for _, s := range []*ChunkedStream{first, second} {
		select {
		case <-s.Done():
		default:
			t.Fatal("session still running after client close")
		}
		_, err := collectFrames(t, s)
		assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
	}

	_, err = c.Synthesize(context.Background(), "तीसरा")
	assert.ErrorIs(t, err, ErrStreamClosed)
	_, err = c.Stream(context.Background())
	assert.ErrorIs(t, err, ErrStreamClosed)
}
