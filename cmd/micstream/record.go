package main

import (
	"io"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/petems/micstream/internal/capture"
	"github.com/petems/micstream/internal/permissions"
)

var (
	recordOutput   string
	recordDevice   string
	recordDuration time.Duration
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Capture audio to a raw float32 file",
	Long: `Capture mono audio from the configured input device and write it as
raw little-endian float32 PCM (nominal 48000 Hz source rate). Use "-" as
the output to stream to stdout. Stop with Ctrl-C or --duration.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		// macOS requires explicit microphone approval before capture works
		if err := permissions.EnsureMicrophone(); err != nil {
			return err
		}

		backend, err := newBackend()
		if err != nil {
			return err
		}
		defer func() {
			if err := backend.Close(); err != nil {
				log.Error().Err(err).Msg("Failed to close audio backend")
			}
		}()

		var out io.Writer
		if recordOutput == "-" {
			out = os.Stdout
		} else {
			f, err := os.Create(recordOutput)
			if err != nil {
				return err
			}
			defer f.Close()
			out = f
		}

		// The consumer runs on the delivery dispatcher goroutine, so a
		// slow disk never touches the capture thread.
		var samples atomic.Uint64
		consumer := func(f capture.Frame) {
			if _, err := out.Write(f.Bytes()); err != nil {
				log.Error().Err(err).Msg("Failed to write frame")
				return
			}
			samples.Add(uint64(f.FrameCount()))
		}

		session := capture.NewSession(backend, log, capture.Options{Queue: queueOptions()})

		deviceID := cfg.Audio.DeviceID
		if recordDevice != "" {
			deviceID = recordDevice
		}
		if err := session.Start(deviceID, consumer); err != nil {
			return err
		}

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

		var timeout <-chan time.Time
		if recordDuration > 0 {
			timeout = time.After(recordDuration)
		}
		select {
		case <-sig:
			log.Info().Msg("Interrupted")
		case <-timeout:
		}

		if err := session.Stop(); err != nil {
			log.Error().Err(err).Msg("Stop reported failure")
		}
		log.Info().Uint64("samples", samples.Load()).Msg("Recording finished")
		return nil
	},
}

func init() {
	recordCmd.Flags().StringVarP(&recordOutput, "output", "o", "capture.f32", "output file, or - for stdout")
	recordCmd.Flags().StringVarP(&recordDevice, "device", "d", "", "input device ID (overrides config)")
	recordCmd.Flags().DurationVar(&recordDuration, "duration", 0, "stop after this duration (0 = run until interrupted)")
	rootCmd.AddCommand(recordCmd)
}
