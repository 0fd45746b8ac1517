// Package capture owns the capture session lifecycle: device resolution,
// staged hardware setup, the real-time render path, and teardown.
package capture

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/petems/micstream/internal/delivery"
	"github.com/petems/micstream/internal/hw"
)

var (
	// ErrAlreadyCapturing is returned by Start when a session is not idle.
	ErrAlreadyCapturing = errors.New("capture already in progress")

	// ErrShortBuffer marks a render that reported fewer bytes than the
	// period requires. The whole frame is discarded.
	ErrShortBuffer = errors.New("rendered buffer shorter than expected")
)

// ConfigError reports which hardware setup stage failed during Start.
// By the time the caller sees it, everything acquired before the failing
// stage has been released.
type ConfigError struct {
	Stage string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("hardware configuration failed at stage %q: %v", e.Stage, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// State is the session lifecycle state. Transitions are monotonic within
// one Start/Stop cycle: Idle → Starting → Running → Stopping → Idle.
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Consumer receives converted frames on the delivery channel's dispatcher
// goroutine, decoupled from the real-time capture thread.
type Consumer func(Frame)

// Options configures a session.
type Options struct {
	// Queue bounds the delivery channel. The zero value is an unbounded
	// queue: a slow consumer grows memory instead of stalling capture.
	Queue delivery.Options
}

// Session captures mono audio from one input device and streams it to a
// consumer. At most one session per backend may be active; Start enforces
// this with an atomic Idle→Starting transition.
type Session struct {
	backend hw.Backend
	log     zerolog.Logger
	opts    Options
	format  hw.Format

	state atomic.Int32
	out   atomic.Pointer[delivery.Channel[Frame]]

	// unit and deviceID are only touched by the goroutine that owns the
	// Starting or Stopping state.
	unit     hw.Unit
	deviceID string

	renderFailures atomic.Uint64
}

// NewSession creates an idle session on top of backend.
func NewSession(backend hw.Backend, log zerolog.Logger, opts Options) *Session {
	return &Session{
		backend: backend,
		log:     log,
		opts:    opts,
		format:  hw.InputFormat,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// RenderFailures returns the number of render periods dropped since Start.
func (s *Session) RenderFailures() uint64 {
	return s.renderFailures.Load()
}

// ListDevices enumerates the input devices visible to the backend.
func (s *Session) ListDevices() ([]hw.Device, error) {
	return s.backend.ListDevices()
}

// Start resolves deviceID (empty selects the default input), configures and
// starts a hardware unit, and begins streaming frames to consumer. Any
// failure releases everything acquired up to that point before returning.
func (s *Session) Start(deviceID string, consumer Consumer) error {
	if consumer == nil {
		return errors.New("consumer must not be nil")
	}
	if !s.state.CompareAndSwap(int32(StateIdle), int32(StateStarting)) {
		return ErrAlreadyCapturing
	}

	device, err := hw.ResolveDevice(s.backend, deviceID)
	if err != nil {
		s.state.Store(int32(StateIdle))
		return err
	}

	unit, err := s.backend.NewUnit()
	if err != nil {
		return s.abortStart(nil, "acquire-unit", err)
	}
	if err := unit.EnableInput(); err != nil {
		return s.abortStart(unit, "enable-input", err)
	}
	if err := unit.BindDevice(device.ID); err != nil {
		return s.abortStart(unit, "bind-device", err)
	}
	if err := unit.SetFormat(s.format); err != nil {
		return s.abortStart(unit, "set-format", err)
	}
	if err := unit.SetRenderProc(s.renderProc(unit)); err != nil {
		return s.abortStart(unit, "set-render-proc", err)
	}
	if err := unit.Initialize(); err != nil {
		return s.abortStart(unit, "initialize", err)
	}

	out, err := delivery.New[Frame](consumer, s.opts.Queue, s.log)
	if err != nil {
		if cerr := unit.Close(); cerr != nil {
			s.log.Warn().Err(cerr).Msg("Failed to release hardware unit during rollback")
		}
		s.state.Store(int32(StateIdle))
		return fmt.Errorf("failed to create delivery channel: %w", err)
	}
	s.out.Store(out)

	if err := unit.Start(); err != nil {
		s.out.Store(nil)
		out.Close()
		return s.abortStart(unit, "start-unit", err)
	}

	s.unit = unit
	s.deviceID = device.ID
	s.renderFailures.Store(0)
	s.state.Store(int32(StateRunning))
	s.log.Info().Str("device", device.Name).Str("id", device.ID).Msg("Capture started")
	return nil
}

// abortStart rolls a failed Start back to idle and reports the failed stage.
func (s *Session) abortStart(unit hw.Unit, stage string, err error) error {
	if unit != nil {
		if cerr := unit.Close(); cerr != nil {
			s.log.Warn().Err(cerr).Str("stage", stage).Msg("Failed to release hardware unit during rollback")
		}
	}
	s.state.Store(int32(StateIdle))
	return &ConfigError{Stage: stage, Err: err}
}

// Stop tears the session down and returns to idle. It is idempotent and
// fail-open: individual teardown failures are logged but never abort the
// remaining steps, and Stop never reports failure once teardown has begun.
// Safe to call while a render period is in flight.
func (s *Session) Stop() error {
	if s.State() == StateIdle {
		return nil
	}
	if !s.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		// Another goroutine owns the transition; nothing to release here.
		s.log.Debug().Stringer("state", s.State()).Msg("Stop ignored, session not running")
		return nil
	}

	if s.unit != nil {
		if err := s.unit.Stop(); err != nil {
			s.log.Error().Err(err).Msg("Failed to stop hardware unit")
		}
		if err := s.unit.Close(); err != nil {
			s.log.Error().Err(err).Msg("Failed to release hardware unit")
		}
		s.unit = nil
	}
	if out := s.out.Swap(nil); out != nil {
		out.Close()
	}
	s.deviceID = ""
	s.state.Store(int32(StateIdle))
	s.log.Info().Msg("Capture stopped")
	return nil
}

// renderProc builds the real-time callback for one unit. The unit is
// captured at registration time so an in-flight invocation never reads
// session fields that Stop resets.
func (s *Session) renderProc(unit hw.Unit) hw.RenderProc {
	bytesPerFrame := s.format.BytesPerFrame()
	return func(bus, frames int) error {
		// Checking state first is the synchronization point with Stop:
		// once teardown begins no frame may be forwarded.
		if s.State() != StateRunning {
			return nil
		}
		if bus != hw.BusInput {
			return nil
		}
		out := s.out.Load()
		if out == nil || frames <= 0 {
			return nil
		}

		raw := make([]byte, frames*bytesPerFrame)
		n, err := unit.Render(raw, frames)
		if err != nil {
			s.renderFailures.Add(1)
			s.log.Error().Err(err).Uint64("failures", s.renderFailures.Load()).Msg("Render failed, dropping frame")
			return fmt.Errorf("render failed: %w", err)
		}
		if n != len(raw) {
			s.renderFailures.Add(1)
			s.log.Error().Int("got", n).Int("want", len(raw)).Msg("Short render buffer, dropping frame")
			return fmt.Errorf("%w: got %d bytes, want %d", ErrShortBuffer, n, len(raw))
		}

		frame := Frame{Samples: DownmixInt16Stereo(raw, frames)}
		if err := out.Enqueue(frame); err != nil {
			// Channel torn down concurrently. The frame is dropped;
			// capture keeps running.
			s.log.Warn().Err(err).Msg("Failed to enqueue frame")
		}
		return nil
	}
}
