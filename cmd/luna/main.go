package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/heypixa/luna-tts/internal/audio"
	"github.com/heypixa/luna-tts/internal/config"
	"github.com/heypixa/luna-tts/internal/observability"
	"github.com/heypixa/luna-tts/internal/resilience"
	"github.com/heypixa/luna-tts/internal/script"
	"github.com/heypixa/luna-tts/internal/tts"
)

var (
	mode              = flag.String("mode", "", "Transport mode: chunked, duplex (default: script mode or chunked)")
	scriptFile        = flag.String("script", "", "YAML script of segments to synthesize instead of the text arguments")
	outputFile        = flag.String("output", "", "Output WAV file (default: output_<timestamp>.wav)")
	outputRate        = flag.Int("rate", audio.SampleRate, "Output sample rate in Hz")
	topP              = flag.Float64("top-p", -1, "Override nucleus sampling probability (0.0-1.0)")
	repetitionPenalty = flag.Float64("repetition-penalty", -1, "Override repetition penalty (>= 1.0)")
	trimSilence       = flag.Bool("trim-silence", false, "Trim leading and trailing silence from the output")
	checkHealth       = flag.Bool("health", false, "Print service health and configuration, then exit")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: luna [flags] \"<Hindi text>\"\n\nExample:\n  luna \"नमस्ते, आप कैसे हैं?\"\n\nFlags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsEnabled {
		go serveMetrics(cfg.MetricsPort, logger)
	}

	client := tts.NewClient(cfg, tts.WithLogger(logger))
	defer client.Close()

	if *checkHealth {
		if err := printHealth(ctx, client, os.Stdout); err != nil {
			logger.Error().Err(err).Msg("Health check failed")
			os.Exit(1)
		}
		return
	}

	sc, err := loadScript(*scriptFile, flag.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n\n", err)
		flag.Usage()
		os.Exit(2)
	}
	if err := validateOverrides(*topP, *repetitionPenalty); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n\n", err)
		flag.Usage()
		os.Exit(2)
	}
	applyOverrides(client, sc, *topP, *repetitionPenalty)

	selectedMode := resolveMode(*mode, sc.Mode)
	if selectedMode != tts.ModeChunked && selectedMode != tts.ModeDuplex {
		fmt.Fprintf(os.Stderr, "unknown mode %q\n\n", selectedMode)
		flag.Usage()
		os.Exit(2)
	}
	path := *outputFile
	if path == "" {
		path = fmt.Sprintf("output_%s.wav", time.Now().Format("20060102_150405"))
	}

	logger.Info().
		Str("mode", selectedMode).
		Int("segments", len(sc.Segments)).
		Str("base_url", cfg.BaseURL).
		Msg("Starting synthesis")

	var frames []audio.Frame
	switch selectedMode {
	case tts.ModeDuplex:
		frames, err = synthesizeDuplex(ctx, client, sc.Items(), logger)
	case tts.ModeChunked:
		retryCfg := resilience.NewRetryConfig(cfg.RetryMaxAttempts, time.Duration(cfg.RetryInitialBackoff)*time.Millisecond)
		breaker := resilience.NewCircuitBreaker("luna", 3, 30*time.Second, tts.IsRetryable, logger)
		frames, err = synthesizeChunked(ctx, client, sc.Texts(), retryCfg, breaker, logger)
	}
	if err != nil {
		logger.Error().Err(err).Msg("Synthesis failed")
		os.Exit(1)
	}

	summary, err := writeOutput(path, frames, *outputRate, *trimSilence)
	if err != nil {
		logger.Error().Err(err).Str("path", path).Msg("Failed to write audio")
		os.Exit(1)
	}

	logger.Info().
		Str("path", path).
		Dur("duration", summary.duration).
		Float64("rms_level", summary.level).
		Int("speech_windows", summary.speech.SpeechWindows).
		Int("utterances", summary.speech.Utterances).
		Msg("Saved audio")
}

func serveMetrics(port string, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info().Str("port", port).Msg("Prometheus metrics enabled at /metrics")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("Metrics server failed")
	}
}

func printHealth(ctx context.Context, client *tts.Client, w io.Writer) error {
	health, err := client.CheckHealth(ctx)
	if err != nil {
		return err
	}
	svc, err := client.GetConfig(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "status:             %s\n", health.Status)
	fmt.Fprintf(w, "backend:            %s\n", health.BackendStatus)
	fmt.Fprintf(w, "voice cloning:      %t\n", health.VoiceCloning)
	fmt.Fprintf(w, "sample rate:        %d Hz\n", svc.SampleRate)
	fmt.Fprintf(w, "top_p:              %.2f\n", svc.TopP)
	fmt.Fprintf(w, "repetition penalty: %.2f\n", svc.RepetitionPenalty)
	return nil
}

func loadScript(path string, args []string) (*script.Script, error) {
	if path != "" {
		return script.Load(path)
	}
	text := strings.TrimSpace(strings.Join(args, " "))
	if text == "" {
		return nil, errors.New("no text given")
	}
	sc := script.FromText(text)
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return sc, nil
}

// validateOverrides applies the configuration ranges to the sampling flags.
// Negative values mean the flag was not given.
func validateOverrides(flagTopP, flagPenalty float64) error {
	if flagTopP > 1 {
		return fmt.Errorf("-top-p: %w (got %v)", config.ErrTopPRange, flagTopP)
	}
	if flagPenalty >= 0 && flagPenalty < 1 {
		return fmt.Errorf("-repetition-penalty: %w (got %v)", config.ErrRepetitionPenaltyRange, flagPenalty)
	}
	return nil
}

// applyOverrides layers script and flag sampling overrides onto the client.
// Flags win over the script.
func applyOverrides(client *tts.Client, sc *script.Script, flagTopP, flagPenalty float64) {
	var opts []tts.SamplingOption
	if sc.TopP != nil {
		opts = append(opts, tts.WithTopP(*sc.TopP))
	}
	if sc.RepetitionPenalty != nil {
		opts = append(opts, tts.WithRepetitionPenalty(*sc.RepetitionPenalty))
	}
	if flagTopP >= 0 {
		opts = append(opts, tts.WithTopP(flagTopP))
	}
	if flagPenalty >= 0 {
		opts = append(opts, tts.WithRepetitionPenalty(flagPenalty))
	}
	client.UpdateOptions(opts...)
}

func resolveMode(flagMode, scriptMode string) string {
	switch {
	case flagMode != "":
		return flagMode
	case scriptMode != "":
		return scriptMode
	default:
		return tts.ModeChunked
	}
}
