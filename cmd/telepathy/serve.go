package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/telepathy/internal/config"
	"github.com/MrWong99/telepathy/internal/health"
	"github.com/MrWong99/telepathy/internal/history"
	"github.com/MrWong99/telepathy/internal/inference"
	"github.com/MrWong99/telepathy/internal/observe"
	"github.com/MrWong99/telepathy/internal/server"
)

func newServeCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve predictions over HTTP and websocket",
		Long: `Load the current training run and serve it.

The artifacts must load before the listener is bound; a missing or corrupt
run makes serve exit non-zero.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.serve(cmd.Context())
		},
	}
}

func (c *cli) serve(ctx context.Context) error {
	cfg := c.cfg
	slog.Info("telepathy starting",
		"config", c.configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"version", version,
	)

	provider, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	store, err := openArtifacts(cfg)
	if err != nil {
		return err
	}
	ic, err := inference.Load(ctx, store)
	if err != nil {
		return fmt.Errorf("load artifacts: %w", err)
	}
	ic.WarnOnDrift(cfg.Audio.SampleRate, cfg.Audio.MaxDuration, cfg.Features)

	opts := []server.Option{
		server.WithMaxUploadBytes(cfg.Server.MaxUploadBytes),
		server.WithMetricsHandler(cfg.Telemetry.MetricsPath, provider.Handler()),
	}
	historyBackend := "disabled"
	if cfg.History.Enabled {
		hs, closeHistory, err := openHistory(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeHistory()
		opts = append(opts, server.WithHistory(history.NewRecorder(hs, nil, nil)))
		historyBackend = "memory"
		if p, ok := hs.(health.Pinger); ok {
			opts = append(opts, server.WithReadiness(health.PingChecker("history", p)))
			historyBackend = "postgres"
		}
	}

	srv := server.New(ic, opts...)
	httpSrv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           srv.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}
	httpSrv.RegisterOnShutdown(srv.Close)

	if c.fromFile {
		c.watchConfig(ctx)
	}

	printStartupSummary(c, ic, historyBackend)

	errCh := make(chan error, 1)
	go func() {
		if tls := cfg.Server.TLS; tls != nil {
			errCh <- httpSrv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
			return
		}
		errCh <- httpSrv.ListenAndServe()
	}()
	slog.Info("server ready, press Ctrl+C to shut down")

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
	}

	slog.Info("shutdown signal received, stopping…")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	slog.Info("goodbye")
	return nil
}

// watchConfig applies log level changes from the config file while the
// server runs. Other changes are reported and need a restart.
func (c *cli) watchConfig(ctx context.Context) {
	w, err := config.NewWatcher(c.configPath, func(_, _ *config.Config, d config.ConfigDiff) {
		if d.LogLevelChanged {
			c.level.Set(levelFor(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if len(d.RestartRequired) > 0 {
			slog.Warn("config changed, restart to apply", "sections", strings.Join(d.RestartRequired, ","))
		}
	})
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
		return
	}
	go w.Run(ctx)
}

func printStartupSummary(c *cli, ic *inference.Context, historyBackend string) {
	cfg := c.cfg
	m := ic.Manifest()
	tls := "(disabled)"
	if cfg.Server.TLS != nil {
		tls = "enabled"
	}
	w := c.stdout
	row := func(label, value string) { fmt.Fprintf(w, "║  %-16s: %-24s ║\n", label, value) }

	fmt.Fprintln(w, "╔═══════════════════════════════════════════╗")
	fmt.Fprintln(w, "║        Telepathy startup summary          ║")
	fmt.Fprintln(w, "╠═══════════════════════════════════════════╣")
	row("Run", ic.RunID())
	row("Trained", m.CreatedAt.Format(time.DateTime))
	row("Emotions", fmt.Sprintf("%d", len(ic.Categories())))
	row("Input", fmt.Sprintf("%d×%d @ %d Hz", m.TimeSteps, m.FeatureCount, ic.Audio().SampleRate))
	row("Artifacts", string(cfg.Artifacts.Backend))
	row("History", historyBackend)
	row("Metrics", cfg.Telemetry.MetricsPath)
	row("TLS", tls)
	row("Listen addr", cfg.Server.ListenAddr)
	fmt.Fprintln(w, "╚═══════════════════════════════════════════╝")
}
