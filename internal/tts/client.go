// Package tts is a streaming client for the Luna Hindi text-to-speech
// service. Chunked synthesis streams Server-Sent Events over one HTTP
// request; duplex synthesis sends text and receives audio concurrently over
// a WebSocket.
package tts

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/heypixa/luna-tts/internal/audio"
	"github.com/heypixa/luna-tts/internal/config"
	"github.com/heypixa/luna-tts/internal/observability"
)

const (
	synthesizePath   = "/api/v1/synthesize"
	wsSynthesizePath = "/api/v1/ws/synthesize"
	configPath       = "/api/v1/config"
	healthPath       = "/api/v1/health"

	// chunkReadTimeout bounds the wait for the response headers and for each
	// chunk of a chunked response
	chunkReadTimeout = 30 * time.Second

	maxErrorBody = 64 << 10
)

// session is a live stream owned by the client registry
type session interface {
	Close() error
}

// Client creates synthesis sessions against one Luna deployment and owns
// every session it creates until the session ends or Close is called.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	dialer         *websocket.Dialer
	connectTimeout time.Duration
	healthTimeout  time.Duration
	readTimeout    time.Duration
	streamBuffer   int
	logger         zerolog.Logger

	mu       sync.Mutex
	opts     SamplingOptions
	sessions map[session]struct{}
	closed   bool
}

// ClientOption customizes a Client
type ClientOption func(*Client)

// WithHTTPClient replaces the HTTP client used for chunked synthesis and
// discovery calls
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = httpClient }
}

// WithLogger replaces the client logger
func WithLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a Luna TTS client
func NewClient(cfg *config.Config, opts ...ClientOption) *Client {
	connectTimeout := cfg.ConnectTimeoutDuration()

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{
		Timeout:   connectTimeout,
		KeepAlive: 30 * time.Second,
	}).DialContext
	transport.TLSHandshakeTimeout = connectTimeout

	streamBuffer := cfg.StreamBuffer
	if streamBuffer <= 0 {
		streamBuffer = 64
	}

	c := &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Transport: transport},
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: connectTimeout,
		},
		connectTimeout: connectTimeout,
		healthTimeout:  cfg.HealthTimeoutDuration(),
		readTimeout:    chunkReadTimeout,
		streamBuffer:   streamBuffer,
		logger:         observability.GetLogger(),
		opts: SamplingOptions{
			TopP:              cfg.TopP,
			RepetitionPenalty: cfg.RepetitionPenalty,
		},
		sessions: make(map[session]struct{}),
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Model returns the synthesis model name
func (c *Client) Model() string {
	return ModelName
}

// Provider returns the service provider name
func (c *Client) Provider() string {
	return ProviderName
}

// SampleRate returns the output sample rate in Hz
func (c *Client) SampleRate() int {
	return audio.SampleRate
}

// NumChannels returns the output channel count
func (c *Client) NumChannels() int {
	return audio.NumChannels
}

// Options returns the sampling options new sessions will use
func (c *Client) Options() SamplingOptions {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opts
}

// UpdateOptions changes the sampling options for sessions created afterwards.
// Running sessions keep the options they started with.
func (c *Client) UpdateOptions(opts ...SamplingOption) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, opt := range opts {
		opt(&c.opts)
	}
}

// Synthesize starts a chunked synthesis of text. Text longer than
// MaxTextLength characters is rejected with ErrInvalidInput before any
// network activity.
func (c *Client) Synthesize(ctx context.Context, text string) (*ChunkedStream, error) {
	if n := utf8.RuneCountInString(text); n > MaxTextLength {
		return nil, fmt.Errorf(
			"%w: text exceeds maximum length of %d characters (got %d chars), split your text into smaller chunks",
			ErrInvalidInput, MaxTextLength, n)
	}

	if err := c.checkOpen(); err != nil {
		return nil, err
	}

	stream := newChunkedStream(ctx, c, text, c.Options())
	if err := c.register(stream); err != nil {
		stream.cancel()
		stream.metrics.RecordEnd(false)
		return nil, err
	}

	go stream.run()
	return stream, nil
}

// Stream starts a duplex synthesis session. Text is written with PushText
// and Flush, audio is read with Recv.
func (c *Client) Stream(ctx context.Context) (*SynthesizeStream, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}

	stream := newSynthesizeStream(ctx, c, c.Options())
	if err := c.register(stream); err != nil {
		stream.cancel()
		stream.metrics.RecordEnd(false)
		return nil, err
	}

	go stream.run()
	return stream, nil
}

// Close cancels every live session and waits for each to finish
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	live := make([]session, 0, len(c.sessions))
	for s := range c.sessions {
		live = append(live, s)
	}
	c.sessions = make(map[session]struct{})
	c.mu.Unlock()

	for _, s := range live {
		if err := s.Close(); err != nil {
			c.logger.Warn().Err(err).Msg("Error closing synthesis session")
		}
	}
	return nil
}

// ActiveSessions returns the number of sessions that have not finished
func (c *Client) ActiveSessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

var errClientClosed = fmt.Errorf("luna client is closed: %w", ErrStreamClosed)

func (c *Client) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClientClosed
	}
	return nil
}

func (c *Client) register(s session) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClientClosed
	}
	c.sessions[s] = struct{}{}
	return nil
}

func (c *Client) unregister(s session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, s)
}

func (c *Client) httpURL(path string) string {
	return c.baseURL + path
}

func (c *Client) wsURL(path string) string {
	return strings.Replace(c.baseURL, "http", "ws", 1) + path
}

// GetConfig fetches the server's sample rate and default sampling parameters
func (c *Client) GetConfig(ctx context.Context) (*ServiceConfig, error) {
	var body struct {
		SampleRate       *int `json:"sample_rate"`
		SamplingDefaults struct {
			TopP              *float64 `json:"top_p"`
			RepetitionPenalty *float64 `json:"repetition_penalty"`
		} `json:"sampling_defaults"`
	}
	if err := c.getJSON(ctx, configPath, "get config", &body); err != nil {
		return nil, err
	}

	cfg := &ServiceConfig{
		SampleRate:        audio.SampleRate,
		TopP:              DefaultTopP,
		RepetitionPenalty: DefaultRepetitionPenalty,
	}
	if body.SampleRate != nil {
		cfg.SampleRate = *body.SampleRate
	}
	if body.SamplingDefaults.TopP != nil {
		cfg.TopP = *body.SamplingDefaults.TopP
	}
	if body.SamplingDefaults.RepetitionPenalty != nil {
		cfg.RepetitionPenalty = *body.SamplingDefaults.RepetitionPenalty
	}
	return cfg, nil
}

// CheckHealth fetches the service health status
func (c *Client) CheckHealth(ctx context.Context) (*HealthStatus, error) {
	status := &HealthStatus{
		Status:        "unknown",
		BackendStatus: "unknown",
	}
	if err := c.getJSON(ctx, healthPath, "health check", status); err != nil {
		return nil, err
	}
	return status, nil
}

func (c *Client) getJSON(ctx context.Context, path, op string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.httpURL(path), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyTransportError(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return newStatusError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return classifyTransportError(op, fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

func newStatusError(resp *http.Response) *StatusError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{
		StatusCode: resp.StatusCode,
		Body:       string(body),
		RequestID:  resp.Header.Get("x-request-id"),
	}
}
