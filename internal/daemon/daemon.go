package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/allaspectsdev/keyrelay/internal/config"
	"github.com/allaspectsdev/keyrelay/internal/keys"
	"github.com/allaspectsdev/keyrelay/internal/tracing"
	"github.com/allaspectsdev/keyrelay/internal/vault"
	"github.com/allaspectsdev/keyrelay/internal/version"
)

// Run is the main daemon orchestrator. It initialises all subsystems,
// starts the relay, and blocks until a shutdown signal is received.
func Run(cfg *config.Config, foreground bool) error {
	// 1. Set up zerolog logger.
	dataDir := expandHome(cfg.Server.DataDir)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}

	logFile, err := setupLogging(dataDir, cfg.Server.LogLevel, foreground)
	if err != nil {
		return err
	}
	defer logFile.Close()

	log.Info().
		Str("version", version.Version).
		Str("commit", version.Get().Commit).
		Str("data_dir", dataDir).
		Bool("foreground", foreground).
		Msg("keyrelay starting")

	// 2. Claim the data directory.
	if _, err := claimRunRecord(dataDir, cfg.Server.Addr(), cfg.Server.TLSEnabled); err != nil {
		return err
	}
	defer func() {
		if err := removeRunRecord(dataDir); err != nil {
			log.Error().Err(err).Msg("failed to remove PID file")
		}
	}()
	log.Info().Int("pid", os.Getpid()).Msg("PID file written")

	// 3. Tracing.
	if cfg.Tracing.Enabled {
		shutdownTracing, err := tracing.Init(context.Background(), tracing.Options{
			ServiceName: cfg.Tracing.ServiceName,
			Exporter:    cfg.Tracing.Exporter,
			Endpoint:    cfg.Tracing.Endpoint,
			SampleRate:  cfg.Tracing.SampleRate,
			Insecure:    cfg.Tracing.Insecure,
		})
		if err != nil {
			return fmt.Errorf("initialising tracing: %w", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracing(ctx); err != nil {
				log.Error().Err(err).Msg("tracing shutdown error")
			}
		}()
		log.Info().Str("exporter", cfg.Tracing.Exporter).Str("endpoint", cfg.Tracing.Endpoint).Msg("tracing enabled")
	}

	// 4. Build the key pool, checkers, queue and server.
	st, err := build(cfg, vault.New())
	if err != nil {
		return err
	}
	if len(st.pool.List()) == 0 {
		log.Warn().Msg("no keys loaded; add some with `keyrelay keys add` or the admin API")
	}

	// 5. Start config watcher.
	if configFile := config.ConfigFilePath(); configFile != "" {
		watcher, watchErr := config.Watch(configFile)
		if watchErr != nil {
			log.Warn().Err(watchErr).Msg("failed to start config watcher; continuing without hot-reload")
		} else {
			defer watcher.Close()
			watcher.OnChange(func(old, newCfg *config.Config) {
				zerolog.SetGlobalLevel(parseLogLevel(newCfg.Server.LogLevel))
				st.apply(newCfg)
				if old.Server.Addr() != newCfg.Server.Addr() || old.Auth.Token != newCfg.Auth.Token {
					log.Warn().Msg("listener and auth changes take effect after a restart")
				}
			})
			log.Info().Str("file", configFile).Msg("config watcher started")
		}
	}

	// 6. Start background workers and the server.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 2)
	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		if err := st.run(ctx); err != nil {
			errCh <- err
		}
	}()

	addr := cfg.Server.Addr()
	go func() {
		if cfg.Server.TLSEnabled {
			log.Info().Str("addr", addr).Msg("relay starting (TLS)")
			if err := st.server.StartTLS(cfg.Server.CertFile, cfg.Server.KeyFile); err != nil {
				errCh <- err
			}
		} else {
			log.Info().Str("addr", addr).Msg("relay starting")
			if err := st.server.Start(); err != nil {
				errCh <- err
			}
		}
	}()

	scheme := "http"
	if cfg.Server.TLSEnabled {
		scheme = "https"
	}
	log.Info().
		Int("port", cfg.Server.ProxyPort).
		Bool("tls", cfg.Server.TLSEnabled).
		Bool("admin", cfg.Auth.Token != "").
		Int("checkers", len(st.checkers)).
		Msg("keyrelay is ready")

	if foreground {
		fmt.Printf("\n  keyrelay is running!\n")
		fmt.Printf("  Relay: %s://%s\n\n", scheme, addr)
	}

	// 7. Wait for shutdown signal or fatal error.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case runErr = <-errCh:
		log.Error().Err(runErr).Msg("fatal error")
	}

	// 8. Graceful shutdown with 30-second timeout. The queue keeps
	// draining while in-flight requests finish; whatever still waits
	// afterwards is answered with a queue-closed error.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	log.Info().Msg("shutting down...")
	if err := st.server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("relay server shutdown error")
	}
	cancel()
	<-workersDone

	log.Info().Msg("keyrelay stopped")
	return runErr
}

// setupLogging points the global logger at dataDir/keyrelay.log and, in the
// foreground, at the console too.
func setupLogging(dataDir, level string, foreground bool) (*os.File, error) {
	zerolog.SetGlobalLevel(parseLogLevel(level))

	logPath := filepath.Join(dataDir, "keyrelay.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening log file %s: %w", logPath, err)
	}

	writers := []io.Writer{logFile}
	if foreground {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		})
	}

	multi := zerolog.MultiLevelWriter(writers...)
	log.Logger = zerolog.New(multi).With().Timestamp().Str("service", "keyrelay").Logger()
	return logFile, nil
}

// Stop sends SIGTERM to the relay owning the configured data directory
// and waits briefly for it to exit.
func Stop() error {
	return stopRelay(os.Stdout, expandHome(config.Get().Server.DataDir), 3*time.Second)
}

func stopRelay(w io.Writer, dataDir string, wait time.Duration) error {
	rec, err := findRelay(dataDir)
	if err != nil {
		return err
	}
	process, err := os.FindProcess(rec.PID)
	if err != nil {
		return fmt.Errorf("finding process %d: %w", rec.PID, err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("sending SIGTERM to process %d: %w", rec.PID, err)
	}
	fmt.Fprintf(w, "Sent SIGTERM to keyrelay (PID %d)\n", rec.PID)

	for deadline := time.Now().Add(wait); time.Now().Before(deadline); {
		time.Sleep(100 * time.Millisecond)
		if !isProcessAlive(rec.PID) {
			return nil
		}
	}
	fmt.Fprintf(w, "keyrelay (PID %d) is still shutting down\n", rec.PID)
	return nil
}

// statusReport mirrors the admin status endpoint.
type statusReport struct {
	Version     string         `json:"version"`
	Commit      string         `json:"commit"`
	NextRecheck string         `json:"next_recheck"`
	Uptime      string         `json:"uptime"`
	Keys        []keys.Summary `json:"keys"`
	Queue       map[string]struct {
		Waiting       int    `json:"waiting"`
		EstimatedWait string `json:"estimated_wait"`
	} `json:"queue"`
	Circuits map[string]string `json:"circuits"`
}

// Status checks if the daemon is running and prints a summary fetched from
// the admin API when a token is configured.
func Status() error {
	return writeStatus(os.Stdout, config.Get())
}

func writeStatus(w io.Writer, cfg *config.Config) error {
	rec, err := findRelay(expandHome(cfg.Server.DataDir))
	if err != nil {
		fmt.Fprintln(w, err)
		return nil
	}
	if rec.Addr == "" {
		rec.Addr, rec.TLS = cfg.Server.Addr(), cfg.Server.TLSEnabled
	}

	fmt.Fprintf(w, "keyrelay is running (PID %d)\n", rec.PID)
	if !rec.Started.IsZero() {
		fmt.Fprintf(w, "  Listening on %s since %s\n", rec.Addr, rec.Started.Local().Format(time.DateTime))
	}

	if cfg.Auth.Token == "" {
		fmt.Fprintln(w, "  (admin API disabled; set auth.token for details)")
		return nil
	}

	report, err := fetchStatus(rec, cfg.Auth.Token)
	if err != nil {
		fmt.Fprintf(w, "  (admin API unreachable: %v)\n", err)
		return nil
	}

	fmt.Fprintf(w, "\n  Version: %s (%s)\n", report.Version, report.Commit)
	fmt.Fprintf(w, "  Uptime:  %s\n", report.Uptime)
	if report.NextRecheck != "" {
		fmt.Fprintf(w, "  Next recheck: %s\n", report.NextRecheck)
	}
	fmt.Fprintln(w)
	for _, s := range report.Keys {
		fmt.Fprintf(w, "  %-10s active=%d trial=%d revoked=%d over_quota=%d rate_limited=%d unchecked=%d prompts=%d\n",
			s.Service, s.Active, s.Trial, s.Revoked, s.OverQuota, s.RateLimited, s.Unchecked, s.Prompts)
	}
	for svc, q := range report.Queue {
		fmt.Fprintf(w, "  queue %-10s waiting=%d estimated_wait=%s\n", svc, q.Waiting, q.EstimatedWait)
	}
	for svc, state := range report.Circuits {
		fmt.Fprintf(w, "  circuit %-8s %s\n", svc, state)
	}
	return nil
}

func fetchStatus(rec runRecord, token string) (*statusReport, error) {
	req, err := http.NewRequest(http.MethodGet, rec.adminURL("/status"), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status endpoint returned %d", resp.StatusCode)
	}

	var report statusReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return nil, fmt.Errorf("decoding status: %w", err)
	}
	return &report, nil
}

// parseLogLevel converts a string log level to a zerolog.Level.
func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
