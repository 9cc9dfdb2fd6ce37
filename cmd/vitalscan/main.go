package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/germanamz/vitalscan/cmd/vitalscan/internal/app"
	"github.com/germanamz/vitalscan/cmd/vitalscan/internal/format"
	"github.com/germanamz/vitalscan/cmd/vitalscan/internal/profileform"
	"github.com/germanamz/vitalscan/pkg/capture/embedded"
	"github.com/germanamz/vitalscan/pkg/license"
	"github.com/germanamz/vitalscan/pkg/metrics"
	"github.com/germanamz/vitalscan/pkg/scanconfig"
	"github.com/germanamz/vitalscan/pkg/session"
	"github.com/germanamz/vitalscan/pkg/vitals"
)

type options struct {
	transport   string
	askProfile  bool
	profile     profileform.Fields
	metricsAddr string
	logFile     string
	outFile     string
	retries     int
	verbose     bool
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: vitalscan [flags]\n\nRun a camera-based vital signs measurement.\n\nFlags:\n")
		flag.PrintDefaults()
	}

	var opts options
	envFile := flag.String("env", ".env", "path to .env file (ignored if missing)")
	flag.StringVar(&opts.transport, "transport", "", "capture transport: embedded or remote (overrides "+scanconfig.KeyTransport+"; defaults to remote unless a capture module is linked)")
	flag.BoolVar(&opts.askProfile, "ask-profile", false, "ask for the subject profile before starting")
	flag.StringVar(&opts.profile.Age, "age", "", "subject age in years")
	flag.StringVar(&opts.profile.Gender, "gender", "", "subject gender: female or male")
	flag.StringVar(&opts.profile.Height, "height", "", "subject height in cm")
	flag.StringVar(&opts.profile.Weight, "weight", "", "subject weight in kg")
	flag.StringVar(&opts.profile.Smoker, "smoker", "", "subject smokes: yes or no")
	flag.StringVar(&opts.profile.Diabetic, "diabetic", "", "subject is diabetic: yes or no")
	flag.StringVar(&opts.profile.BPMeds, "bp-medication", "", "subject takes blood pressure medication: yes or no")
	flag.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9090)")
	flag.StringVar(&opts.logFile, "log-file", "", "write logs to this file")
	flag.StringVar(&opts.outFile, "out", "", "write measurement results as JSON to this file")
	flag.IntVar(&opts.retries, "register-retries", 0, "retry a failed license registration up to this many times")
	flag.BoolVar(&opts.verbose, "verbose", false, "show all readings, session events and debug logs")
	flag.Parse()

	if err := scanconfig.LoadDotEnv(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(opts options) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger, closeLog, err := newLogger(opts.logFile, opts.verbose)
	if err != nil {
		return err
	}
	defer closeLog()
	slog.SetDefault(logger)

	transport, err := pickTransport(opts.transport, os.Getenv(scanconfig.KeyTransport), moduleLinked())
	if err != nil {
		return err
	}
	if err := os.Setenv(scanconfig.KeyTransport, transport); err != nil {
		return err
	}
	cfg, err := scanconfig.Resolve()
	if err != nil {
		return err
	}

	profile, err := profileform.Parse(opts.profile)
	if opts.askProfile {
		profile, err = profileform.Ask(opts.profile)
	}
	if err != nil {
		return err
	}

	sessOpts := []session.Option{
		session.WithLogger(logger),
		session.WithProfile(profile),
	}
	if opts.retries > 0 {
		sessOpts = append(sessOpts, session.WithRegistrar(retryingRegistrar(cfg, opts.retries, logger)))
	}
	if opts.outFile != "" {
		sessOpts = append(sessOpts, session.WithResultHook(writeResults(opts.outFile)))
	}
	sess := session.New(cfg, sessOpts...)

	if opts.metricsAddr != "" {
		stop := serveMetrics(opts.metricsAddr, logger)
		defer stop()
	}

	// Detect the background before bubbletea owns the terminal.
	format.IsDarkBG = lipgloss.HasDarkBackground()

	p := tea.NewProgram(app.New(ctx, sess, opts.verbose))

	go func() {
		p.Send(app.ProgramReadyMsg{Program: p})
	}()

	_, err = p.Run()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer closeCancel()
	sess.Close(closeCtx)

	return err
}

// moduleLinked reports whether a capture module is registered under the URL
// the embedded transport loads.
func moduleLinked() bool {
	return slices.Contains(embedded.Modules(), embedded.DefaultModuleURL)
}

// pickTransport chooses the capture transport from the flag, then the
// environment. With neither set it prefers embedded only when a capture
// module is linked into the binary.
func pickTransport(flagValue, envValue string, linked bool) (string, error) {
	transport := strings.ToLower(strings.TrimSpace(flagValue))
	if transport == "" {
		transport = strings.ToLower(strings.TrimSpace(envValue))
	}

	switch {
	case transport == "" && !linked:
		return scanconfig.TransportRemote, nil
	case transport == "":
		return scanconfig.TransportEmbedded, nil
	case transport == scanconfig.TransportEmbedded && !linked:
		return "", fmt.Errorf("transport %q: no capture module is linked into this binary (use -transport %s)",
			scanconfig.TransportEmbedded, scanconfig.TransportRemote)
	default:
		return transport, nil
	}
}

// retryingRegistrar wraps the license broker in a backoff policy. Sessions
// register exactly once unless the user asks for retries.
func retryingRegistrar(cfg scanconfig.Config, retries int, logger *slog.Logger) license.Registrar {
	broker := license.NewBroker(
		license.WithHTTPClient(&http.Client{Timeout: cfg.HTTPTimeout}),
		license.WithLogger(logger),
	)
	return license.WithRetry(broker, license.RetryOpts{MaxRetries: retries, Logger: logger})
}

func newLogger(path string, verbose bool) (*slog.Logger, func(), error) {
	if path == "" {
		return slog.New(slog.DiscardHandler), func() {}, nil
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600) //nolint:gosec // path is a command-line flag
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	h := slog.NewTextHandler(f, &slog.HandlerOptions{Level: level})
	return slog.New(h), func() { _ = f.Close() }, nil
}

func serveMetrics(addr string, logger *slog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

// writeResults stores each successful measurement at path, replacing the
// previous one.
func writeResults(path string) session.ResultHook {
	return func(_ context.Context, sessionID string, res vitals.Result) error {
		data, err := json.MarshalIndent(struct {
			Session string        `json:"session"`
			Result  vitals.Result `json:"result"`
		}{sessionID, res}, "", "  ")
		if err != nil {
			return err
		}
		return os.WriteFile(path, data, 0o600)
	}
}
