package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/heypixa/luna-tts/internal/audio"
	"github.com/heypixa/luna-tts/internal/observability"
)

const chunkReadSize = 32 << 10

// synthesizeRequest is the body of POST /api/v1/synthesize
type synthesizeRequest struct {
	Text              string  `json:"text"`
	TopP              float64 `json:"top_p"`
	RepetitionPenalty float64 `json:"repetition_penalty"`
}

// ChunkedStream is a single-request synthesis. The whole text is sent in one
// HTTP request and audio arrives as Server-Sent Events.
type ChunkedStream struct {
	client *Client
	text   string
	opts   SamplingOptions

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	emitter *Emitter
	logger  zerolog.Logger
	metrics *observability.SessionMetrics

	warningsSeen int
}

func newChunkedStream(ctx context.Context, client *Client, text string, opts SamplingOptions) *ChunkedStream {
	ctx, cancel := context.WithCancel(ctx)
	metrics := observability.NewSessionMetrics(ModeChunked)
	requestID := observability.NewRequestID()
	logger := observability.WithRequestID(client.logger, requestID).With().
		Str("mode", ModeChunked).
		Logger()

	return &ChunkedStream{
		client:  client,
		text:    text,
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		emitter: newEmitter(requestID, logger, metrics),
		logger:  logger,
		metrics: metrics,
	}
}

// InputText returns the text being synthesized
func (s *ChunkedStream) InputText() string {
	return s.text
}

// Options returns the sampling options the stream was started with
func (s *ChunkedStream) Options() SamplingOptions {
	return s.opts
}

// RequestID returns the server-assigned request id once the response
// headers arrive, or a locally generated one
func (s *ChunkedStream) RequestID() string {
	return s.emitter.RequestID()
}

// Recv returns the next audio frame. It returns io.EOF after the last frame
// of a successful synthesis.
func (s *ChunkedStream) Recv(ctx context.Context) (*SynthesizedAudio, error) {
	return s.emitter.Recv(ctx)
}

// Collect reads the stream to the end and returns all audio as one frame
func (s *ChunkedStream) Collect(ctx context.Context) (audio.Frame, error) {
	var frames []audio.Frame
	for {
		frame, err := s.Recv(ctx)
		if err == io.EOF {
			return audio.CombineFrames(frames), nil
		}
		if err != nil {
			return audio.Frame{}, err
		}
		frames = append(frames, frame.Frame)
	}
}

// Close cancels the synthesis and waits for it to stop
func (s *ChunkedStream) Close() error {
	s.cancel()
	<-s.done
	return nil
}

// Done is closed once the synthesis has stopped
func (s *ChunkedStream) Done() <-chan struct{} {
	return s.done
}

func (s *ChunkedStream) run() {
	defer close(s.done)
	defer s.client.unregister(s)

	s.logger.Debug().Int("text_length", len(s.text)).Msg("Starting chunked synthesis")

	err := s.synthesize(s.ctx)
	s.cancel()
	if err != nil {
		s.emitter.Fail(err)
		s.metrics.RecordError(errorType(err))
		if errors.Is(err, context.Canceled) {
			s.logger.Debug().Msg("Chunked synthesis cancelled")
		} else {
			s.logger.Error().Err(err).Msg("Chunked synthesis failed")
		}
	} else {
		s.logger.Debug().Msg("Chunked synthesis completed")
	}
	s.metrics.RecordEnd(err == nil)
}

func (s *ChunkedStream) synthesize(ctx context.Context) error {
	payload, err := json.Marshal(synthesizeRequest{
		Text:              s.text,
		TopP:              s.opts.TopP,
		RepetitionPenalty: s.opts.RepetitionPenalty,
	})
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	reqCtx, cancelReq := context.WithCancel(ctx)
	defer cancelReq()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, s.client.httpURL(synthesizePath), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	// The response headers fall under the same read timeout as each chunk
	watchdog := startReadWatchdog(s.client.readTimeout, cancelReq)
	defer watchdog.stop()

	resp, err := s.client.httpClient.Do(req)
	if err != nil {
		if watchdog.fired.Load() {
			return watchdog.err("response")
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return classifyTransportError("request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return newStatusError(resp)
	}

	requestID := resp.Header.Get("x-request-id")
	if requestID == "" {
		requestID = s.emitter.RequestID()
	} else {
		s.emitter.setRequestID(requestID)
		s.logger = s.logger.With().Str("server_request_id", requestID).Logger()
	}

	// A chunked request carries exactly one segment
	if err := s.emitter.StartSegment(ctx, requestID); err != nil {
		return err
	}

	return s.readEvents(ctx, resp.Body, watchdog)
}

// readEvents decodes the response body until the done marker or EOF. Each
// read must complete within the client read timeout.
func (s *ChunkedStream) readEvents(ctx context.Context, body io.Reader, watchdog *readWatchdog) error {
	decoder := NewDecoder()
	buf := make([]byte, chunkReadSize)

	for {
		n, readErr := body.Read(buf)
		if watchdog.pause() {
			return watchdog.err("read")
		}

		if n > 0 {
			events := decoder.Feed(buf[:n])
			s.reportWarnings(decoder)

			for _, ev := range events {
				switch ev.Kind {
				case EventAudio:
					if err := s.emitter.Push(ctx, ev.Audio); err != nil {
						return err
					}
				case EventDone:
					return s.emitter.EndInput(ctx)
				case EventError:
					return &APIError{Message: ev.Message}
				case EventStatus:
					s.logger.Debug().Str("status", ev.Message).Msg("Server status")
				}
			}
		}

		if errors.Is(readErr, io.EOF) {
			if !decoder.Done() {
				s.logger.Debug().Msg("Response ended without done marker")
			}
			if n := decoder.Buffered(); n > 0 {
				s.logger.Debug().Int("bytes", n).Msg("Discarding incomplete trailing event")
			}
			return s.emitter.EndInput(ctx)
		}
		if readErr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if watchdog.fired.Load() {
				return watchdog.err("read")
			}
			return classifyTransportError("read", readErr)
		}

		watchdog.resume()
	}
}

// readWatchdog cancels a request when the server sends nothing within
// timeout. It runs from the moment the request is sent; the read loop pauses
// it around each chunk.
type readWatchdog struct {
	timeout time.Duration
	timer   *time.Timer
	fired   atomic.Bool
}

func startReadWatchdog(timeout time.Duration, cancel context.CancelFunc) *readWatchdog {
	w := &readWatchdog{timeout: timeout}
	w.timer = time.AfterFunc(timeout, func() {
		w.fired.Store(true)
		cancel()
	})
	return w
}

// pause stops the timer and reports whether it had already fired
func (w *readWatchdog) pause() bool {
	return !w.timer.Stop() && w.fired.Load()
}

func (w *readWatchdog) resume() {
	w.timer.Reset(w.timeout)
}

func (w *readWatchdog) stop() {
	w.timer.Stop()
}

func (w *readWatchdog) err(op string) error {
	return &TimeoutError{Op: op, Err: fmt.Errorf("no data within %s", w.timeout)}
}

func (s *ChunkedStream) reportWarnings(decoder *Decoder) {
	warnings := decoder.Warnings()
	for _, w := range warnings[s.warningsSeen:] {
		s.logger.Warn().Err(w).Msg("Skipping malformed event")
		s.metrics.RecordDecodeWarning()
	}
	s.warningsSeen = len(warnings)
}
