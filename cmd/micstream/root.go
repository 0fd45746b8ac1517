package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/petems/micstream/internal/config"
	"github.com/petems/micstream/internal/delivery"
	"github.com/petems/micstream/internal/hw"
	"github.com/petems/micstream/internal/logging"
)

var (
	// Version is set via ldflags at build time
	Version = "dev"
	// Commit is set via ldflags at build time
	Commit = "unknown"
)

var (
	cfg      *config.Config
	log      zerolog.Logger
	cfgFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "micstream",
	Short: "Real-time mono microphone capture",
	Long: `micstream captures raw audio from an input device in real time,
downmixes it to a normalized mono float32 stream, and hands it to a
consumer without ever stalling the hardware's capture thread.`,
	Version:      fmt.Sprintf("%s (%s)", Version, Commit),
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}
		log = logging.NewWithLevel(cfg.LogLevel)
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is the platform config dir)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override: debug, info, warn, error")
}

// newBackend builds the hardware backend selected in config.
func newBackend() (hw.Backend, error) {
	switch cfg.Audio.Backend {
	case config.BackendPortAudio:
		return hw.NewPortAudioBackend(log)
	default:
		return hw.NewMalgoBackend(log)
	}
}

func queueOptions() delivery.Options {
	return delivery.Options{
		Policy:   delivery.Policy(cfg.Delivery.Policy),
		Capacity: cfg.Delivery.Capacity,
	}
}
