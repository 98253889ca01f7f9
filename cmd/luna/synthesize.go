package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/heypixa/luna-tts/internal/audio"
	"github.com/heypixa/luna-tts/internal/resilience"
	"github.com/heypixa/luna-tts/internal/script"
	"github.com/heypixa/luna-tts/internal/tts"
)

// synthesizeChunked sends one chunked request per text. Each request is
// retried on transport failures; the breaker stops the run once the service
// keeps failing.
func synthesizeChunked(
	ctx context.Context,
	client *tts.Client,
	texts []string,
	retryCfg *resilience.RetryConfig,
	breaker *resilience.CircuitBreaker,
	logger zerolog.Logger,
) ([]audio.Frame, error) {
	var frames []audio.Frame

	for i, text := range texts {
		var combined audio.Frame
		err := breaker.Call(ctx, func(ctx context.Context) error {
			return resilience.Retry(ctx, func(ctx context.Context) error {
				stream, err := client.Synthesize(ctx, text)
				if err != nil {
					return err
				}
				defer stream.Close()

				combined, err = stream.Collect(ctx)
				return err
			}, retryCfg, tts.IsRetryable, logger)
		})
		if err != nil {
			return nil, fmt.Errorf("segment %d: %w", i+1, err)
		}

		logger.Debug().
			Int("segment", i+1).
			Dur("duration", combined.Duration()).
			Msg("Segment synthesized")
		if len(combined.Data) > 0 {
			frames = append(frames, combined)
		}
	}

	state, requests, failures, failureRate := breaker.GetStats()
	logger.Debug().
		Str("breaker_state", state.String()).
		Int64("requests", requests).
		Int64("failures", failures).
		Float64("failure_rate", failureRate).
		Msg("Chunked synthesis complete")
	return frames, nil
}

// synthesizeDuplex streams items over one duplex session while collecting
// audio concurrently
func synthesizeDuplex(ctx context.Context, client *tts.Client, items []script.Item, logger zerolog.Logger) ([]audio.Frame, error) {
	stream, err := client.Stream(ctx)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	feedErr := make(chan error, 1)
	go func() {
		feedErr <- feed(stream, items)
	}()

	var frames []audio.Frame
	for {
		frame, err := stream.Recv(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame.Frame)
		if frame.IsFinal {
			logger.Debug().
				Str("segment_id", frame.SegmentID).
				Int("bytes", stream.SegmentBytes(frame.SegmentID)).
				Msg("Segment complete")
		}
	}

	if err := <-feedErr; err != nil {
		return nil, err
	}
	logger.Debug().Int("segments", len(stream.SegmentIDs())).Msg("Duplex session complete")
	return frames, nil
}

func feed(stream *tts.SynthesizeStream, items []script.Item) error {
	for _, item := range items {
		var err error
		if item.Flush {
			err = stream.Flush()
		} else {
			err = stream.PushText(item.Text)
		}
		if err != nil {
			return fmt.Errorf("failed to send input: %w", err)
		}
	}
	return stream.EndInput()
}

type outputSummary struct {
	duration time.Duration
	level    float64
	speech   audio.SpeechStats
}

// writeOutput writes frames to a WAV file at rate, optionally trimming
// silence first
func writeOutput(path string, frames []audio.Frame, rate int, trim bool) (outputSummary, error) {
	if len(frames) == 0 {
		return outputSummary{}, errors.New("no audio received")
	}

	combined := audio.CombineFrames(frames)
	if trim {
		pcm, err := audio.TrimSilence(combined.Data, nil)
		if err != nil {
			return outputSummary{}, err
		}
		if len(pcm) == 0 {
			return outputSummary{}, errors.New("audio contains no speech")
		}
		combined = audio.NewFrame(pcm)
	}

	speech, err := audio.AnalyzeSpeech(combined.Data, nil)
	if err != nil {
		return outputSummary{}, err
	}

	f, err := os.Create(path)
	if err != nil {
		return outputSummary{}, fmt.Errorf("failed to create output file: %w", err)
	}
	defer f.Close()

	if err := audio.WriteWAV(f, []audio.Frame{combined}, rate); err != nil {
		return outputSummary{}, err
	}
	if err := f.Close(); err != nil {
		return outputSummary{}, fmt.Errorf("failed to close output file: %w", err)
	}

	return outputSummary{
		duration: combined.Duration(),
		level:    audio.FrameLevel(combined),
		speech:   speech,
	}, nil
}
