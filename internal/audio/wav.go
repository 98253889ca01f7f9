package audio

import (
	"encoding/binary"
	"fmt"
	"io"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WriteWAV encodes PCM16LE frames as a WAV stream at outputSampleRate.
// Frames are resampled when their rate differs from outputSampleRate.
func WriteWAV(w io.WriteSeeker, frames []Frame, outputSampleRate int) error {
	if len(frames) == 0 {
		return fmt.Errorf("no audio frames to write")
	}

	combined := CombineFrames(frames)
	pcm := combined.Data
	if outputSampleRate != combined.SampleRate {
		var err error
		pcm, err = ResamplePCM(pcm, combined.SampleRate, outputSampleRate)
		if err != nil {
			return fmt.Errorf("resample audio: %w", err)
		}
	}

	if len(pcm)%SampleWidth != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}

	samples := make([]int, len(pcm)/SampleWidth)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*SampleWidth:])))
	}

	buffer := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: combined.NumChannels, SampleRate: outputSampleRate},
		Data:           samples,
		SourceBitDepth: BitsPerSample,
	}

	enc := wav.NewEncoder(w, outputSampleRate, BitsPerSample, combined.NumChannels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
