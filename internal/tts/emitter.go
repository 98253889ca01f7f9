package tts

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"github.com/heypixa/luna-tts/internal/audio"
	"github.com/heypixa/luna-tts/internal/observability"
)

// Emitter turns raw PCM pushes into an ordered sequence of fixed-size frames
// for the caller. Each frame is attributed to the segment that was open when
// its bytes were pushed. The most recent frame is held back so the last frame
// of a segment can be flagged final.
//
// Push, StartSegment and Flush may be called from different goroutines;
// Recv is for the consumer.
type Emitter struct {
	requestID string
	logger    zerolog.Logger
	metrics   *observability.SessionMetrics

	mu       sync.Mutex
	segments *segmentManager
	frames   *audio.FrameBuffer
	pending  *SynthesizedAudio
	stalled  []*SynthesizedAudio
	tail     []*SynthesizedAudio
	finished bool
	err      error

	out chan *SynthesizedAudio
}

func newEmitter(requestID string, logger zerolog.Logger, metrics *observability.SessionMetrics) *Emitter {
	return &Emitter{
		requestID: requestID,
		logger:    logger,
		metrics:   metrics,
		segments:  newSegmentManager(),
		frames:    audio.NewFrameBuffer(audio.FrameSize),
		out:       make(chan *SynthesizedAudio, 16),
	}
}

// RequestID returns the request the emitted frames belong to
func (e *Emitter) RequestID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.requestID
}

// setRequestID replaces the request id before any frame is produced
func (e *Emitter) setRequestID(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.requestID = id
}

// StartSegment ends the current segment, if any, and opens segment id.
// Audio pushed afterwards is attributed to id.
func (e *Emitter) StartSegment(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.flushLocked(ctx); err != nil {
		return err
	}
	if err := e.segments.open(id); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.RecordSegment()
	}
	e.logger.Debug().Str("segment_id", id).Msg("Segment started")
	return nil
}

// Push routes PCM bytes into the open segment
func (e *Emitter) Push(ctx context.Context, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.finished {
		return ErrStreamClosed
	}

	segmentID, err := e.segments.push(data)
	if err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.RecordAudio(len(data))
	}

	frames := e.frames.Write(data)
	for i, frame := range frames {
		if err := e.emitLocked(ctx, &SynthesizedAudio{
			Frame:     frame,
			RequestID: e.requestID,
			SegmentID: segmentID,
		}); err != nil {
			for _, rest := range frames[i:] {
				e.stalled = append(e.stalled, &SynthesizedAudio{
					Frame:     rest,
					RequestID: e.requestID,
					SegmentID: segmentID,
				})
			}
			return err
		}
	}
	return nil
}

// Flush emits the buffered remainder of the open segment, marks its last
// frame final and closes the segment.
func (e *Emitter) Flush(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flushLocked(ctx)
}

// EndInput flushes the open segment and ends the sequence; Recv returns io.EOF
// once the remaining frames are consumed.
func (e *Emitter) EndInput(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	err := e.flushLocked(ctx)
	e.finishLocked(err)
	return err
}

// Fail ends the sequence with err. Frames already emitted stay deliverable
// and so does audio pushed but not yet emitted, as non-final frames. An
// *APIError from the server ends the sequence at the last emitted frame.
// Recv returns err after them.
func (e *Emitter) Fail(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.finished {
		return
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if held := e.heldBytesLocked(); held > 0 {
			e.logger.Debug().Int("bytes", held).Msg("Discarding audio after server error")
		}
	} else {
		e.tail = e.drainLocked()
	}
	e.finishLocked(err)
}

// SegmentIDs returns the ids of every segment opened so far, in order
func (e *Emitter) SegmentIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.segments.ids()
}

// SegmentBytes returns the number of PCM bytes pushed into segment id
func (e *Emitter) SegmentBytes(id string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.segments.bytesFor(id)
}

// Recv returns the next frame, io.EOF at the end of a successful stream, or
// the error that ended it. io.EOF is returned unwrapped.
func (e *Emitter) Recv(ctx context.Context) (*SynthesizedAudio, error) {
	select {
	case frame, ok := <-e.out:
		if ok {
			return frame, nil
		}
		e.mu.Lock()
		defer e.mu.Unlock()
		if len(e.tail) > 0 {
			next := e.tail[0]
			e.tail = e.tail[1:]
			return next, nil
		}
		if e.err != nil {
			return nil, e.err
		}
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Emitter) flushLocked(ctx context.Context) error {
	segmentID, wasOpen := e.segments.close()
	if !wasOpen {
		return nil
	}

	frame, ok, dropped := e.frames.Flush()
	if dropped > 0 {
		e.logger.Warn().
			Str("segment_id", segmentID).
			Int("bytes", dropped).
			Msg("Dropping trailing partial sample")
	}
	if ok {
		remainder := &SynthesizedAudio{
			Frame:     frame,
			RequestID: e.requestID,
			SegmentID: segmentID,
		}
		if err := e.emitLocked(ctx, remainder); err != nil {
			e.stalled = append(e.stalled, remainder)
			return err
		}
	}

	last := e.pending
	e.pending = nil
	if last == nil || last.SegmentID != segmentID {
		return nil
	}
	last.IsFinal = true
	if err := e.sendLocked(ctx, last); err != nil {
		e.pending = last
		return err
	}
	return nil
}

// emitLocked queues frame behind the held-back one. The held-back frame
// stays in place when it cannot be sent.
func (e *Emitter) emitLocked(ctx context.Context, frame *SynthesizedAudio) error {
	if e.pending != nil {
		if err := e.sendLocked(ctx, e.pending); err != nil {
			return err
		}
	}
	e.pending = frame
	return nil
}

func (e *Emitter) sendLocked(ctx context.Context, frame *SynthesizedAudio) error {
	if e.finished {
		return ErrStreamClosed
	}
	select {
	case e.out <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drainLocked takes every frame that was pushed but not yet sent, in order.
// The open segment is closed without a final frame.
func (e *Emitter) drainLocked() []*SynthesizedAudio {
	var out []*SynthesizedAudio
	if e.pending != nil {
		out = append(out, e.pending)
		e.pending = nil
	}
	out = append(out, e.stalled...)
	e.stalled = nil
	if segmentID, open := e.segments.close(); open {
		if frame, ok, _ := e.frames.Flush(); ok {
			out = append(out, &SynthesizedAudio{
				Frame:     frame,
				RequestID: e.requestID,
				SegmentID: segmentID,
			})
		}
	}
	return out
}

func (e *Emitter) heldBytesLocked() int {
	held := e.frames.Available()
	if e.pending != nil {
		held += len(e.pending.Frame.Data)
	}
	for _, f := range e.stalled {
		held += len(f.Frame.Data)
	}
	return held
}

func (e *Emitter) finishLocked(err error) {
	if e.finished {
		return
	}
	e.finished = true
	e.err = err
	close(e.out)
}
