package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/vango-go/vai-relay/pkg/gateway/config"
)

type relayDeps struct {
	loadConfig   func() (config.Config, error)
	buildApp     func(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultRelayDeps() relayDeps {
	return relayDeps{
		loadConfig: config.LoadFromEnv,
		buildApp:   buildApp,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
	}
}

func runRelay(ctx context.Context, logger *slog.Logger, deps relayDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.buildApp == nil {
		return errors.New("missing buildApp dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()

	a, err := deps.buildApp(runCtx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build relay: %w", err)
	}
	defer a.Close()

	if cfg.SessionTTL > 0 {
		go a.sessions.RunJanitor(runCtx, janitorInterval(cfg.SessionTTL), cfg.SessionTTL, a.metrics.RecordSweep)
	}

	httpSrv := buildHTTPServer(cfg, a.gw.Handler())
	logger.Info("starting relay", "addr", cfg.Addr, "mode", cfg.Mode, "auth_mode", cfg.AuthMode, "store", cfg.Store, "classifier", cfg.Classifier)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	a.gw.SetDraining()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	// Realtime sockets are hijacked, so Shutdown does not wait for them.
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if n := a.gw.DrainRealtime(waitCtx); n > 0 {
		logger.Warn("canceled realtime connections after grace period", "count", n)
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("relay stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps relayDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(stderr, nil))

	if err := loadDotEnv(".env"); err != nil {
		fmt.Fprintf(stderr, "vai-relay: %v\n", err)
		return 1
	}

	if err := runRelay(ctx, logger, deps); err != nil {
		fmt.Fprintf(stderr, "vai-relay: %v\n", err)
		return 1
	}
	return 0
}

// loadDotEnv applies path if it exists. Variables already set in the
// environment win.
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultRelayDeps()))
}
