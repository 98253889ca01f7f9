package audio

import "time"

// Fixed output format of the Luna synthesis service
const (
	SampleRate    = 32000 // Hz
	NumChannels   = 1     // Mono
	SampleWidth   = 2     // Bytes per sample (16-bit little-endian)
	BitsPerSample = SampleWidth * 8

	// FrameDuration is the nominal duration of an emitted frame
	FrameDuration = 100 * time.Millisecond
)

// FrameSize is the number of bytes in a full frame
const FrameSize = SampleRate * NumChannels * SampleWidth * int(FrameDuration/time.Millisecond) / 1000

// Frame is a block of 16-bit little-endian PCM audio
type Frame struct {
	Data              []byte // Interleaved PCM16LE samples
	SampleRate        int    // Sample rate in Hz
	NumChannels       int    // Number of channels
	SamplesPerChannel int    // Samples in Data per channel
}

// NewFrame wraps PCM data in the service's fixed format. len(data) must be a
// multiple of the sample width.
func NewFrame(data []byte) Frame {
	return Frame{
		Data:              data,
		SampleRate:        SampleRate,
		NumChannels:       NumChannels,
		SamplesPerChannel: len(data) / (SampleWidth * NumChannels),
	}
}

// Duration returns the playback duration of the frame
func (f Frame) Duration() time.Duration {
	if f.SampleRate == 0 {
		return 0
	}
	return time.Duration(f.SamplesPerChannel) * time.Second / time.Duration(f.SampleRate)
}

// CombineFrames concatenates frames that share a format into a single frame
func CombineFrames(frames []Frame) Frame {
	total := 0
	for _, f := range frames {
		total += len(f.Data)
	}

	data := make([]byte, 0, total)
	for _, f := range frames {
		data = append(data, f.Data...)
	}

	combined := NewFrame(data)
	if len(frames) > 0 {
		combined.SampleRate = frames[0].SampleRate
		combined.NumChannels = frames[0].NumChannels
		combined.SamplesPerChannel = len(data) / (SampleWidth * combined.NumChannels)
	}
	return combined
}
