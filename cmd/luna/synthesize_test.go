package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-audio/wav"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heypixa/luna-tts/internal/audio"
	"github.com/heypixa/luna-tts/internal/config"
	"github.com/heypixa/luna-tts/internal/resilience"
	"github.com/heypixa/luna-tts/internal/script"
	"github.com/heypixa/luna-tts/internal/tts"
)

func testClient(t *testing.T, baseURL string) *tts.Client {
	t.Helper()
	client := tts.NewClient(&config.Config{
		BaseURL:           baseURL,
		TopP:              tts.DefaultTopP,
		RepetitionPenalty: tts.DefaultRepetitionPenalty,
		ConnectTimeout:    5,
		HealthTimeout:     5,
		StreamBuffer:      8,
	}, tts.WithLogger(zerolog.Nop()))
	t.Cleanup(func() { client.Close() })
	return client
}

func tone(samples int) []byte {
	pcm := make([]int16, samples)
	for i := range pcm {
		pcm[i] = 4000
		if i%2 == 1 {
			pcm[i] = -4000
		}
	}
	return audio.SamplesToBytes(pcm)
}

func TestSynthesizeChunked_RetriesDroppedConnection(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) == 1 {
			conn, _, err := w.(http.Hijacker).Hijack()
			if err != nil {
				t.Errorf("hijack failed: %v", err)
				return
			}
			conn.Close()
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "data: {\"audio\": %q}\n\ndata: [DONE]\n\n", base64.StdEncoding.EncodeToString(tone(1600)))
	}))
	defer server.Close()

	retryCfg := &resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, BackoffMultiplier: 2}
	breaker := resilience.NewCircuitBreaker("test", 3, time.Second, tts.IsRetryable, zerolog.Nop())

	frames, err := synthesizeChunked(context.Background(), testClient(t, server.URL), []string{"नमस्ते"}, retryCfg, breaker, zerolog.Nop())
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Len(t, frames[0].Data, 3200)
	assert.Equal(t, int32(2), requests.Load())
	assert.Equal(t, resilience.StateClosed, breaker.GetState())
}

func TestSynthesizeChunked_StatusErrorNotRetried(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer server.Close()

	breaker := resilience.NewCircuitBreaker("test", 1, time.Second, tts.IsRetryable, zerolog.Nop())
	_, err := synthesizeChunked(context.Background(), testClient(t, server.URL), []string{"a", "b"}, resilience.NewRetryConfig(3, time.Millisecond), breaker, zerolog.Nop())

	var statusErr *tts.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Contains(t, err.Error(), "segment 1")
	assert.Equal(t, int32(1), requests.Load())
	assert.Equal(t, resilience.StateClosed, breaker.GetState())
}

func TestSynthesizeDuplex(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		for {
			var msg struct {
				Type    string `json:"type"`
				IsFinal bool   `json:"is_final"`
				Content string `json:"content"`
			}
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg.Type == "text" && !msg.IsFinal {
				conn.WriteMessage(websocket.BinaryMessage, tone(320))
			}
			if msg.IsFinal && msg.Content == "दूसरा" {
				conn.WriteJSON(map[string]string{"type": "done"})
			}
		}
	}))
	defer server.Close()

	items := []script.Item{{Text: "पहला"}, {Flush: true}, {Text: "दूसरा"}}
	frames, err := synthesizeDuplex(context.Background(), testClient(t, server.URL), items, zerolog.Nop())
	require.NoError(t, err)

	total := 0
	for _, f := range frames {
		total += len(f.Data)
	}
	assert.Equal(t, 2*640, total)
}

func TestWriteOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.wav")
	silence := make([]byte, 6400)
	frames := []audio.Frame{audio.NewFrame(silence), audio.NewFrame(tone(3200)), audio.NewFrame(silence)}

	summary, err := writeOutput(path, frames, 16000, false)
	require.NoError(t, err)
	assert.Equal(t, 300*time.Millisecond, summary.duration)
	assert.Equal(t, 1, summary.speech.Utterances)
	// A third of the file is a tone at amplitude 4000
	assert.InDelta(t, 4000/math.Sqrt(3), summary.level, 1)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	dec := wav.NewDecoder(f)
	require.True(t, dec.IsValidFile())
	assert.Equal(t, uint32(16000), dec.SampleRate)
	assert.Equal(t, uint16(1), dec.NumChans)
}

func TestWriteOutput_Trim(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.wav")
	frames := []audio.Frame{audio.NewFrame(make([]byte, 64000)), audio.NewFrame(tone(3200))}

	summary, err := writeOutput(path, frames, audio.SampleRate, true)
	require.NoError(t, err)
	// 100ms of speech plus 200ms of leading padding
	assert.Equal(t, 300*time.Millisecond, summary.duration)

	_, err = writeOutput(path, []audio.Frame{audio.NewFrame(make([]byte, 6400))}, audio.SampleRate, true)
	assert.Error(t, err)

	_, err = writeOutput(path, nil, audio.SampleRate, false)
	assert.Error(t, err)
}

func TestLoadScriptAndOverrides(t *testing.T) {
	_, err := loadScript("", nil)
	assert.Error(t, err)

	sc, err := loadScript("", []string{"नमस्ते,", "दुनिया"})
	require.NoError(t, err)
	assert.Equal(t, []string{"नमस्ते, दुनिया"}, sc.Texts())

	topP := 0.7
	sc.TopP = &topP
	client := testClient(t, "http://localhost:1")
	applyOverrides(client, sc, -1, 1.6)
	assert.Equal(t, tts.SamplingOptions{TopP: 0.7, RepetitionPenalty: 1.6}, client.Options())

	applyOverrides(client, sc, 0.2, -1)
	assert.Equal(t, 0.2, client.Options().TopP)
}

func TestValidateOverrides(t *testing.T) {
	assert.NoError(t, validateOverrides(-1, -1))
	assert.NoError(t, validateOverrides(0, 1))
	assert.NoError(t, validateOverrides(1, 2))

	err := validateOverrides(1.5, -1)
	assert.ErrorIs(t, err, config.ErrTopPRange)
	assert.Contains(t, err.Error(), "-top-p")

	err = validateOverrides(-1, 0.5)
	assert.ErrorIs(t, err, config.ErrRepetitionPenaltyRange)
	assert.Contains(t, err.Error(), "-repetition-penalty")
}

func TestResolveMode(t *testing.T) {
	assert.Equal(t, "duplex", resolveMode("duplex", "chunked"))
	assert.Equal(t, "duplex", resolveMode("", "duplex"))
	assert.Equal(t, "chunked", resolveMode("", ""))
}
