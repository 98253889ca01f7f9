package audio

import (
	"testing"
)

func constantSamples(n int, value int16) []int16 {
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = value
	}
	return samples
}

func testVADConfig() *VADConfig {
	return &VADConfig{
		EnergyThreshold: 500.0,
		SilenceWindows:  10,
		WindowSize:      640,
	}
}

func TestVADDetector_ProcessWindow_Speech(t *testing.T) {
	vad := NewVADDetector(testVADConfig())
	samples := constantSamples(640, 5000)

	for i := 0; i < 5; i++ {
		isSpeaking, speechStarted, _ := vad.ProcessWindow(samples)
		if !isSpeaking {
			t.Errorf("Expected speech detection on window %d", i)
		}
		if speechStarted != (i == 0) {
			t.Errorf("Expected speech to start only on the first window, window %d", i)
		}
	}
}

func TestVADDetector_ProcessWindow_Silence(t *testing.T) {
	vad := NewVADDetector(testVADConfig())
	samples := constantSamples(640, 10)

	for i := 0; i < 15; i++ {
		isSpeaking, _, _ := vad.ProcessWindow(samples)
		if isSpeaking {
			t.Errorf("Expected silence on window %d", i)
		}
	}
}

func TestVADDetector_SpeechToSilence(t *testing.T) {
	vad := NewVADDetector(testVADConfig())

	for i := 0; i < 5; i++ {
		vad.ProcessWindow(constantSamples(640, 5000))
	}

	endedAt := -1
	for i := 0; i < 15; i++ {
		if _, _, ended := vad.ProcessWindow(constantSamples(640, 10)); ended {
			endedAt = i
			break
		}
	}

	if endedAt != 9 {
		t.Errorf("Expected speech to end on the 10th silent window, got %d", endedAt)
	}
	if isSpeaking, _, _ := vad.ProcessWindow(constantSamples(640, 10)); isSpeaking {
		t.Error("Expected speech state to be false after speech ended")
	}
}

func TestAnalyzeSpeech(t *testing.T) {
	var samples []int16
	samples = append(samples, constantSamples(640*3, 0)...)
	samples = append(samples, constantSamples(640*4, 4000)...)
	samples = append(samples, constantSamples(640*12, 0)...)
	samples = append(samples, constantSamples(640*2, 4000)...)

	stats, err := AnalyzeSpeech(SamplesToBytes(samples), testVADConfig())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if stats.Windows != 21 {
		t.Errorf("Expected 21 windows, got %d", stats.Windows)
	}
	if stats.SpeechWindows != 6 {
		t.Errorf("Expected 6 speech windows, got %d", stats.SpeechWindows)
	}
	if stats.Utterances != 2 {
		t.Errorf("Expected 2 utterances, got %d", stats.Utterances)
	}
}

func TestAnalyzeSpeech_OddLength(t *testing.T) {
	if _, err := AnalyzeSpeech([]byte{1, 2, 3}, nil); err == nil {
		t.Error("Expected error for odd-length PCM")
	}
}

func TestTrimSilence(t *testing.T) {
	cfg := testVADConfig()
	cfg.SilenceWindows = 1

	var samples []int16
	samples = append(samples, constantSamples(640*5, 0)...)
	samples = append(samples, constantSamples(640*2, 4000)...)
	samples = append(samples, constantSamples(640*5, 0)...)

	trimmed, err := TrimSilence(SamplesToBytes(samples), cfg)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	// Two speech windows plus one window of padding on each side
	if want := 640 * 4 * SampleWidth; len(trimmed) != want {
		t.Errorf("Expected %d bytes, got %d", want, len(trimmed))
	}
}

func TestTrimSilence_AllSilent(t *testing.T) {
	trimmed, err := TrimSilence(SamplesToBytes(constantSamples(6400, 0)), nil)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(trimmed) != 0 {
		t.Errorf("Expected empty output, got %d bytes", len(trimmed))
	}
}
