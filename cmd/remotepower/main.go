// cmd/remotepower/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/signalnine/remotepower/internal/api"
	"github.com/signalnine/remotepower/internal/config"
	"github.com/signalnine/remotepower/internal/daemon"
	"github.com/signalnine/remotepower/internal/metrics"
)

var rootCmd = &cobra.Command{
	Use:   "remotepower",
	Short: "Reboot or shut down this host on a UDP command",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the command listener and control API",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

var (
	configPath  string
	servePort   uint16
	serveID     string
	serveDryRun bool
)

func init() {
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config")
	serveCmd.Flags().Uint16Var(&servePort, "port", config.DefaultPort, "UDP command port (overrides config)")
	serveCmd.Flags().StringVar(&serveID, "machine-id", "", "machine identifier (overrides config)")
	serveCmd.Flags().BoolVar(&serveDryRun, "dry-run", false, "log host commands instead of running them")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sendCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Port = servePort
	}
	if flags.Changed("machine-id") {
		cfg.MachineID = serveID
	}
	if flags.Changed("dry-run") {
		cfg.DryRun = serveDryRun
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err := newLogger(cfg.Level())
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	srv, err := daemon.New(daemon.FromConfig(cfg, logger, m))
	if err != nil {
		return err
	}
	defer srv.Stop()

	if cfg.DryRun {
		logger.Warn("dry run: host commands will only be logged")
	}
	if cfg.Autostart {
		// A bind failure is already in the event log; the control API can retry
		if err := srv.Start(ctx); err != nil {
			logger.Warn("autostart failed", zap.Error(err))
		}
	}

	if cfg.ControlAddr == "" {
		<-ctx.Done()
		return nil
	}
	return api.NewServer(cfg.ControlAddr, srv, m, logger.Named("api")).Run(ctx)
}

func newLogger(level zapcore.Level) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.Encoding = "console"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zc.Build()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
