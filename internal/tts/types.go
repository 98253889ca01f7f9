package tts

import (
	"github.com/heypixa/luna-tts/internal/audio"
)

// Service limits and defaults
const (
	// MaxTextLength is the maximum number of characters per chunked request
	MaxTextLength = 5000

	DefaultTopP              = 0.95
	DefaultRepetitionPenalty = 1.3

	ModelName    = "luna"
	ProviderName = "heypixa"
)

// Transport modes, also used as metric labels
const (
	ModeChunked = "chunked"
	ModeDuplex  = "duplex"
)

// SynthesizedAudio is one audio frame delivered to the caller
type SynthesizedAudio struct {
	Frame     audio.Frame
	RequestID string
	SegmentID string
	IsFinal   bool // Last frame of its segment
}

// SamplingOptions are the sampling parameters fixed for a session
type SamplingOptions struct {
	TopP              float64 `json:"top_p"`
	RepetitionPenalty float64 `json:"repetition_penalty"`
}

// SamplingOption mutates SamplingOptions in Client.UpdateOptions
type SamplingOption func(*SamplingOptions)

// WithTopP sets the nucleus sampling probability (0.0-1.0)
func WithTopP(topP float64) SamplingOption {
	return func(o *SamplingOptions) { o.TopP = topP }
}

// WithRepetitionPenalty sets the repetition penalty (1.0-2.0)
func WithRepetitionPenalty(penalty float64) SamplingOption {
	return func(o *SamplingOptions) { o.RepetitionPenalty = penalty }
}

// ServiceConfig is the configuration reported by GET /api/v1/config
type ServiceConfig struct {
	SampleRate        int
	TopP              float64
	RepetitionPenalty float64
}

// HealthStatus is the status reported by GET /api/v1/health
type HealthStatus struct {
	Status        string `json:"status"`
	Timestamp     string `json:"timestamp"`
	BackendStatus string `json:"backend_status"`
	VoiceCloning  bool   `json:"voice_cloning"`
}
