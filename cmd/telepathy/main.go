// Command telepathy trains, serves and runs the speech emotion classifier.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MrWong99/telepathy/internal/config"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

const defaultConfigPath = "telepathy.yaml"

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdout, os.Stderr).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "telepathy: %v\n", err)
		return 1
	}
	return 0
}

// cli carries state shared by all subcommands.
type cli struct {
	configPath string
	logLevel   string

	cfg *config.Config

	// fromFile is set when cfg came from configPath rather than defaults.
	fromFile bool

	level  *slog.LevelVar
	stdout io.Writer
	stderr io.Writer
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	c := &cli{level: new(slog.LevelVar), stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:           "telepathy",
		Short:         "Speech emotion recognition",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.setup(cmd.Flags().Changed("config"))
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", defaultConfigPath, "path to the YAML configuration file")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "override server.log_level (debug, info, warn, error)")

	root.AddCommand(
		newServeCmd(c),
		newTrainCmd(c),
		newPredictCmd(c),
		newDemoCmd(c),
		newSynthCmd(c),
	)
	return root
}

// setup loads the configuration and installs the logger. A missing config
// file is only an error when the path was given explicitly.
func (c *cli) setup(explicit bool) error {
	cfg, err := config.Load(c.configPath)
	switch {
	case err == nil:
		c.fromFile = true
	case errors.Is(err, os.ErrNotExist) && !explicit:
		cfg = config.Default()
	case errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("config file %q not found, copy configs/example.yaml to get started", c.configPath)
	default:
		return err
	}
	if c.logLevel != "" {
		lvl := config.LogLevel(c.logLevel)
		if !lvl.IsValid() {
			return fmt.Errorf("invalid --log-level %q", c.logLevel)
		}
		cfg.Server.LogLevel = lvl
	}
	c.cfg = cfg

	c.level.Set(levelFor(cfg.Server.LogLevel))
	slog.SetDefault(newLogger(c.stderr, c.level))
	if !c.fromFile {
		slog.Debug("no config file, using defaults", "path", c.configPath)
	}
	return nil
}

func newLogger(w io.Writer, level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func levelFor(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
