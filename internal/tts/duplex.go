package tts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/heypixa/luna-tts/internal/observability"
)

// inputItem is one entry of the duplex input queue: a text fragment or a
// flush marker
type inputItem struct {
	text  string
	flush bool
}

// configMessage is the first message of a duplex session
type configMessage struct {
	Type              string  `json:"type"`
	TopP              float64 `json:"top_p"`
	RepetitionPenalty float64 `json:"repetition_penalty"`
}

// textMessage carries a text fragment to the server
type textMessage struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	IsFinal bool   `json:"is_final"`
}

// serverMessage is a JSON control message from the server
type serverMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

// SynthesizeStream is a duplex synthesis session. Text is sent while audio
// is received; every Flush closes the current audio segment and opens a new
// one. Frames from Recv carry the id of the segment they belong to.
type SynthesizeStream struct {
	client *Client
	opts   SamplingOptions

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	inputMu     sync.Mutex
	input       chan inputItem
	inputClosed bool

	emitter *Emitter
	logger  zerolog.Logger
	metrics *observability.SessionMetrics
}

func newSynthesizeStream(ctx context.Context, client *Client, opts SamplingOptions) *SynthesizeStream {
	ctx, cancel := context.WithCancel(ctx)
	metrics := observability.NewSessionMetrics(ModeDuplex)
	requestID := observability.NewRequestID()
	logger := observability.WithRequestID(client.logger, requestID).With().
		Str("mode", ModeDuplex).
		Logger()

	return &SynthesizeStream{
		client:  client,
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		input:   make(chan inputItem, client.streamBuffer),
		emitter: newEmitter(requestID, logger, metrics),
		logger:  logger,
		metrics: metrics,
	}
}

// RequestID returns the id shared by every frame of the session
func (s *SynthesizeStream) RequestID() string {
	return s.emitter.RequestID()
}

// Options returns the sampling options the session was started with
func (s *SynthesizeStream) Options() SamplingOptions {
	return s.opts
}

// PushText queues a text fragment. It blocks while the input queue is full
// and fails with ErrStreamClosed after EndInput or Close.
func (s *SynthesizeStream) PushText(text string) error {
	if text == "" {
		return nil
	}
	return s.enqueue(inputItem{text: text})
}

// Flush marks the end of the current segment. Text pushed before it is
// synthesized as one unit; audio received afterwards belongs to a new segment.
func (s *SynthesizeStream) Flush() error {
	return s.enqueue(inputItem{flush: true})
}

// EndInput signals that no more text will be pushed. Pending text is sent as
// final and the session ends once the server reports done.
func (s *SynthesizeStream) EndInput() error {
	s.inputMu.Lock()
	defer s.inputMu.Unlock()

	if s.inputClosed {
		return nil
	}
	s.inputClosed = true
	close(s.input)
	return nil
}

// Recv returns the next audio frame. It returns io.EOF after the last frame
// of a session that ended normally.
func (s *SynthesizeStream) Recv(ctx context.Context) (*SynthesizedAudio, error) {
	return s.emitter.Recv(ctx)
}

// SegmentIDs returns the ids of every segment opened so far, in order
func (s *SynthesizeStream) SegmentIDs() []string {
	return s.emitter.SegmentIDs()
}

// SegmentBytes returns the number of PCM bytes received for segment id
func (s *SynthesizeStream) SegmentBytes(id string) int {
	return s.emitter.SegmentBytes(id)
}

// Close cancels the session and waits for both directions to stop
func (s *SynthesizeStream) Close() error {
	s.cancel()
	<-s.done
	return nil
}

// Done is closed once the session has stopped
func (s *SynthesizeStream) Done() <-chan struct{} {
	return s.done
}

func (s *SynthesizeStream) enqueue(item inputItem) error {
	s.inputMu.Lock()
	defer s.inputMu.Unlock()

	if s.inputClosed || s.ctx.Err() != nil {
		return ErrStreamClosed
	}
	select {
	case s.input <- item:
		return nil
	case <-s.ctx.Done():
		return ErrStreamClosed
	}
}

func (s *SynthesizeStream) run() {
	defer close(s.done)
	defer s.client.unregister(s)

	s.logger.Debug().Msg("Starting duplex synthesis")

	err := s.session(s.ctx)
	s.cancel()
	if err != nil {
		s.emitter.Fail(err)
		s.metrics.RecordError(errorType(err))
		if errors.Is(err, context.Canceled) {
			s.logger.Debug().Msg("Duplex synthesis cancelled")
		} else {
			s.logger.Error().Err(err).Msg("Duplex synthesis failed")
		}
	} else {
		s.logger.Debug().
			Int("segments", len(s.emitter.SegmentIDs())).
			Msg("Duplex synthesis completed")
	}
	s.metrics.RecordEnd(err == nil)
}

func (s *SynthesizeStream) session(ctx context.Context) error {
	conn, err := s.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.WriteJSON(configMessage{
		Type:              "config",
		TopP:              s.opts.TopP,
		RepetitionPenalty: s.opts.RepetitionPenalty,
	}); err != nil {
		return classifyTransportError("send config", err)
	}

	// Audio may arrive before the first flush
	if err := s.emitter.StartSegment(ctx, newSegmentID()); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	sendCtx, stopSend := context.WithCancel(gctx)
	defer stopSend()

	// Unblock the reader when either side fails or the caller cancels
	stop := context.AfterFunc(gctx, func() { conn.Close() })
	defer stop()

	g.Go(func() error {
		return s.sendLoop(sendCtx, conn)
	})
	g.Go(func() error {
		return s.recvLoop(gctx, conn, stopSend)
	})

	return g.Wait()
}

func (s *SynthesizeStream) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, s.client.connectTimeout)
	defer cancel()

	conn, resp, err := s.client.dialer.DialContext(dialCtx, s.client.wsURL(wsSynthesizePath), nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if resp != nil && errors.Is(err, websocket.ErrBadHandshake) {
			defer resp.Body.Close()
			return nil, newStatusError(resp)
		}
		return nil, classifyTransportError("connect", err)
	}
	return conn, nil
}

// sendLoop drains the input queue. Text is forwarded as it arrives; a flush
// sends the accumulated text as final and opens a new segment.
func (s *SynthesizeStream) sendLoop(ctx context.Context, conn *websocket.Conn) error {
	var pending strings.Builder

	for {
		select {
		case <-ctx.Done():
			return nil
		case item, ok := <-s.input:
			if !ok {
				s.logger.Debug().Int("pending_chars", pending.Len()).Msg("Input ended")
				return s.send(ctx, conn, textMessage{Type: "text", Content: pending.String(), IsFinal: true})
			}

			if item.flush {
				if pending.Len() > 0 {
					if err := s.send(ctx, conn, textMessage{Type: "text", Content: pending.String(), IsFinal: true}); err != nil {
						return err
					}
					pending.Reset()
				}
				if err := s.emitter.StartSegment(ctx, newSegmentID()); err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
				continue
			}

			pending.WriteString(item.text)
			if err := s.send(ctx, conn, textMessage{Type: "text", Content: item.text}); err != nil {
				return err
			}
		}
	}
}

func (s *SynthesizeStream) send(ctx context.Context, conn *websocket.Conn, msg textMessage) error {
	if err := conn.WriteJSON(msg); err != nil {
		// The connection was torn down on purpose; the other side reports why
		if ctx.Err() != nil {
			return nil
		}
		return classifyTransportError("send", err)
	}
	return nil
}

// recvLoop routes binary audio into the emitter and handles control
// messages until the server reports done.
func (s *SynthesizeStream) recvLoop(ctx context.Context, conn *websocket.Conn, stopSend context.CancelFunc) error {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() != nil {
				return s.ctx.Err()
			}
			if ctx.Err() != nil {
				return nil
			}
			return &ConnectionError{
				Op:  "receive",
				Err: fmt.Errorf("%w: %w", ErrUnexpectedDisconnect, err),
			}
		}

		switch msgType {
		case websocket.BinaryMessage:
			if err := s.emitter.Push(ctx, data); err != nil {
				return err
			}

		case websocket.TextMessage:
			var msg serverMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				s.logger.Warn().Err(err).Msg("Skipping malformed control message")
				s.metrics.RecordDecodeWarning()
				continue
			}

			switch msg.Type {
			case "done":
				stopSend()
				return s.emitter.EndInput(ctx)
			case "error":
				message := msg.Message
				if message == "" {
					message = msg.Error
				}
				if message == "" {
					message = "Unknown error"
				}
				return &APIError{Message: message}
			case "status":
				s.logger.Debug().Str("status", msg.Message).Msg("Server status")
			case "config":
				s.logger.Debug().Msg("Server acknowledged sampling config")
			default:
				s.logger.Debug().Str("type", msg.Type).Msg("Ignoring unknown control message")
			}
		}
	}
}

func newSegmentID() string {
	return observability.NewRequestID()
}

