package audio

import "fmt"

// VADConfig holds configuration for energy-based speech detection on
// synthesized audio
type VADConfig struct {
	EnergyThreshold float64 // RMS level above which a window counts as speech
	SilenceWindows  int     // Consecutive silent windows that end a speech run
	WindowSize      int     // Samples per analysis window
}

// DefaultVADConfig returns thresholds tuned for 32 kHz synthesized speech
func DefaultVADConfig() *VADConfig {
	return &VADConfig{
		EnergyThreshold: 300.0,
		SilenceWindows:  10,                    // 200ms
		WindowSize:      SampleRate * 20 / 1000, // 20ms
	}
}

// VADDetector tracks speech and silence across consecutive windows
type VADDetector struct {
	config         *VADConfig
	silenceCounter int
	isSpeaking     bool
}

// NewVADDetector creates a new detector
func NewVADDetector(config *VADConfig) *VADDetector {
	if config == nil {
		config = DefaultVADConfig()
	}
	return &VADDetector{config: config}
}

// ProcessWindow classifies one window of samples.
// Returns: (isSpeaking, speechStarted, speechEnded)
func (v *VADDetector) ProcessWindow(samples []int16) (bool, bool, bool) {
	var speechStarted, speechEnded bool

	if CalculateRMS(samples) > v.config.EnergyThreshold {
		v.silenceCounter = 0
		if !v.isSpeaking {
			speechStarted = true
			v.isSpeaking = true
		}
	} else {
		v.silenceCounter++
		if v.isSpeaking && v.silenceCounter >= v.config.SilenceWindows {
			speechEnded = true
			v.isSpeaking = false
			v.silenceCounter = 0
		}
	}

	return v.isSpeaking, speechStarted, speechEnded
}

// SpeechStats summarizes speech activity in a PCM buffer
type SpeechStats struct {
	Windows       int // Analysed windows
	SpeechWindows int // Windows above the energy threshold
	Utterances    int // Speech runs separated by at least SilenceWindows of silence
}

// AnalyzeSpeech runs the detector over pcm window by window
func AnalyzeSpeech(pcm []byte, config *VADConfig) (SpeechStats, error) {
	if config == nil {
		config = DefaultVADConfig()
	}
	samples, err := BytesToSamples(pcm)
	if err != nil {
		return SpeechStats{}, fmt.Errorf("failed to analyze speech: %w", err)
	}

	var stats SpeechStats
	vad := NewVADDetector(config)
	for start := 0; start < len(samples); start += config.WindowSize {
		end := min(start+config.WindowSize, len(samples))
		window := samples[start:end]

		stats.Windows++
		if CalculateRMS(window) > config.EnergyThreshold {
			stats.SpeechWindows++
		}
		if _, started, _ := vad.ProcessWindow(window); started {
			stats.Utterances++
		}
	}
	return stats, nil
}

// TrimSilence drops leading and trailing silence from pcm, keeping
// SilenceWindows windows of padding on each side of the detected speech.
// Audio with no speech at all is returned empty.
func TrimSilence(pcm []byte, config *VADConfig) ([]byte, error) {
	if config == nil {
		config = DefaultVADConfig()
	}
	samples, err := BytesToSamples(pcm)
	if err != nil {
		return nil, fmt.Errorf("failed to trim silence: %w", err)
	}

	first, last := -1, -1
	for start := 0; start < len(samples); start += config.WindowSize {
		end := min(start+config.WindowSize, len(samples))
		if CalculateRMS(samples[start:end]) > config.EnergyThreshold {
			if first < 0 {
				first = start
			}
			last = end
		}
	}
	if first < 0 {
		return []byte{}, nil
	}

	pad := config.SilenceWindows * config.WindowSize
	first = max(first-pad, 0)
	last = min(last+pad, len(samples))
	return SamplesToBytes(samples[first:last]), nil
}
