package audio

// FrameBuffer accumulates raw PCM bytes and slices them into fixed-size
// frames. It is not safe for concurrent use; the emitter owns one per stream.
type FrameBuffer struct {
	buffer    []byte
	frameSize int
}

// NewFrameBuffer creates a buffer producing frames of frameSize bytes.
// frameSize is rounded down to a whole number of samples.
func NewFrameBuffer(frameSize int) *FrameBuffer {
	frameSize -= frameSize % (SampleWidth * NumChannels)
	if frameSize <= 0 {
		frameSize = SampleWidth * NumChannels
	}
	return &FrameBuffer{frameSize: frameSize}
}

// Write appends data and returns every complete frame now available.
// Bytes that do not fill a frame stay buffered for the next call.
func (fb *FrameBuffer) Write(data []byte) []Frame {
	fb.buffer = append(fb.buffer, data...)

	var frames []Frame
	for len(fb.buffer) >= fb.frameSize {
		chunk := make([]byte, fb.frameSize)
		copy(chunk, fb.buffer[:fb.frameSize])
		frames = append(frames, NewFrame(chunk))
		fb.buffer = fb.buffer[fb.frameSize:]
	}

	// Compact so the backing array does not grow without bound
	if len(fb.buffer) == 0 {
		fb.buffer = fb.buffer[:0:0]
	}

	return frames
}

// Flush returns the buffered remainder as a frame (ok=false when there is
// none) and the number of trailing bytes dropped because they did not form a
// whole sample.
func (fb *FrameBuffer) Flush() (frame Frame, ok bool, dropped int) {
	aligned := len(fb.buffer) - len(fb.buffer)%(SampleWidth*NumChannels)
	dropped = len(fb.buffer) - aligned

	if aligned > 0 {
		chunk := make([]byte, aligned)
		copy(chunk, fb.buffer[:aligned])
		frame, ok = NewFrame(chunk), true
	}

	fb.buffer = nil
	return frame, ok, dropped
}

// Available returns the number of buffered bytes not yet emitted
func (fb *FrameBuffer) Available() int {
	return len(fb.buffer)
}
