package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/GregSchiemer/SatGam/go/internal/clockbus"
	"github.com/GregSchiemer/SatGam/go/internal/relayconfig"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type options struct {
	configPath string
	host       string
	port       int
	logLevel   string
}

func main() {
	if err := newRootCommand(&options{}).ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "satgam-relay",
		Short:         "SatGam clock bus relay",
		Long:          "Relays start/tick/stop clock events from a leader device to every connected consort over WebSocket.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				log.Error().Err(err).Msg("invalid configuration")
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file")
	cmd.Flags().StringVar(&opts.host, "host", "", "bind address (default 0.0.0.0)")
	cmd.Flags().IntVar(&opts.port, "ws-port", 0, "WebSocket port (default 8010)")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "", "log level (trace|debug|info|warn|error)")

	return cmd
}

func loadConfig(cmd *cobra.Command, opts *options) (relayconfig.Config, error) {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	cfg, err := relayconfig.Load(opts.configPath)
	if err != nil {
		return relayconfig.Config{}, err
	}

	if cmd.Flags().Changed("host") {
		cfg.Host = opts.host
	}
	if cmd.Flags().Changed("ws-port") {
		cfg.Port = opts.port
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level = opts.logLevel
	}

	if err := cfg.Validate(); err != nil {
		return relayconfig.Config{}, err
	}
	return cfg, nil
}

func setupLogging(cfg relayconfig.LogConfig) {
	if cfg.Format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	level, _ := cfg.ZerologLevel()
	zerolog.SetGlobalLevel(level)
}

func run(parent context.Context, cfg relayconfig.Config) error {
	setupLogging(cfg.Log)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	serviceConfig := clockbus.DefaultConfig()
	serviceConfig.Host = cfg.Host
	serviceConfig.Port = cfg.Port
	serviceConfig.HandshakeTimeout = cfg.HandshakeTimeout
	serviceConfig.MaxConnections = cfg.MaxConnections
	serviceConfig.NATS.URL = cfg.NATS.URL
	serviceConfig.NATS.SubjectPrefix = cfg.NATS.SubjectPrefix

	service, err := clockbus.NewService(serviceConfig)
	if err != nil {
		log.Error().Err(err).Msg("failed to create clock bus")
		return err
	}

	log.Info().
		Str("addr", fmt.Sprintf("ws://%s", serviceConfig.Addr())).
		Str("nats_url", cfg.NATS.URL).
		Msg("starting SatGam relay")

	if err := service.Run(ctx); err != nil {
		log.Error().Err(err).Msg("clock bus failed")
		return err
	}

	log.Info().Msg("relay shutdown complete")
	return nil
}
