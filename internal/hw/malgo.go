package hw

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gen2brain/malgo"
	"github.com/rs/zerolog"
)

type malgoBackend struct {
	ctx *malgo.AllocatedContext
	log zerolog.Logger
}

// NewMalgoBackend initializes a miniaudio context. The caller owns the
// returned backend and must Close it.
func NewMalgoBackend(log zerolog.Logger) (Backend, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		log.Debug().Str("source", "miniaudio").Msg(strings.TrimSpace(message))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize miniaudio context: %w", err)
	}
	return &malgoBackend{ctx: ctx, log: log}, nil
}

func (b *malgoBackend) ListDevices() ([]Device, error) {
	infos, err := b.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate capture devices: %w", err)
	}

	devices := make([]Device, 0, len(infos))
	for i := range infos {
		id := infos[i].ID.String()
		name := infos[i].Name()
		if id == "" || name == "" {
			// Enumeration stays resilient to devices that fail to
			// report their identity.
			b.log.Debug().Int("index", i).Msg("Skipping device with unreadable name or ID")
			continue
		}
		devices = append(devices, Device{
			ID:      id,
			Name:    name,
			Default: infos[i].IsDefault != 0,
		})
	}
	return devices, nil
}

func (b *malgoBackend) NewUnit() (Unit, error) {
	if b.ctx == nil {
		return nil, errors.New("backend is closed")
	}
	return &malgoUnit{backend: b, log: b.log}, nil
}

func (b *malgoBackend) Close() error {
	if b.ctx == nil {
		return nil
	}
	err := b.ctx.Uninit()
	b.ctx.Free()
	b.ctx = nil
	if err != nil {
		return fmt.Errorf("failed to uninit miniaudio context: %w", err)
	}
	return nil
}

// malgoUnit adapts miniaudio's push-style data callback to the pull-style
// Render contract: the data callback parks the period's raw bytes, invokes
// the render proc, and clears them when the proc returns. The pending slice
// is only touched on the capture thread.
type malgoUnit struct {
	backend *malgoBackend
	log     zerolog.Logger

	inputEnabled bool
	deviceID     *malgo.DeviceID
	format       Format
	proc         RenderProc

	device  *malgo.Device
	pending []byte
}

func (u *malgoUnit) EnableInput() error {
	if u.device != nil {
		return errors.New("unit already initialized")
	}
	u.inputEnabled = true
	return nil
}

func (u *malgoUnit) BindDevice(id string) error {
	infos, err := u.backend.ctx.Devices(malgo.Capture)
	if err != nil {
		return fmt.Errorf("failed to enumerate capture devices: %w", err)
	}
	for i := range infos {
		if infos[i].ID.String() == id {
			devID := infos[i].ID
			u.deviceID = &devID
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
}

func (u *malgoUnit) SetFormat(f Format) error {
	if f.BitsPerSample != 16 {
		return fmt.Errorf("unsupported bit depth: %d", f.BitsPerSample)
	}
	if f.Channels < 1 {
		return fmt.Errorf("unsupported channel count: %d", f.Channels)
	}
	u.format = f
	return nil
}

func (u *malgoUnit) SetRenderProc(proc RenderProc) error {
	if proc == nil {
		return errors.New("render proc must not be nil")
	}
	u.proc = proc
	return nil
}

func (u *malgoUnit) Initialize() error {
	switch {
	case u.device != nil:
		return errors.New("unit already initialized")
	case !u.inputEnabled:
		return errors.New("input not enabled")
	case u.deviceID == nil:
		return errors.New("no device bound")
	case u.format == (Format{}):
		return errors.New("no format set")
	case u.proc == nil:
		return errors.New("no render proc registered")
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = uint32(u.format.Channels)
	cfg.Capture.DeviceID = u.deviceID.Pointer()
	cfg.SampleRate = uint32(u.format.SampleRate)
	cfg.Alsa.NoMMap = 1

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, frameCount uint32) {
			u.pending = input
			if err := u.proc(BusInput, int(frameCount)); err != nil {
				// Per-period failures are the session's concern;
				// keep the capture clock running.
				u.log.Debug().Err(err).Msg("Render proc failed")
			}
			u.pending = nil
		},
	}

	device, err := malgo.InitDevice(u.backend.ctx.Context, cfg, callbacks)
	if err != nil {
		return fmt.Errorf("failed to init capture device: %w", err)
	}
	u.device = device
	return nil
}

func (u *malgoUnit) Start() error {
	if u.device == nil {
		return errors.New("unit not initialized")
	}
	if err := u.device.Start(); err != nil {
		return fmt.Errorf("failed to start capture device: %w", err)
	}
	return nil
}

func (u *malgoUnit) Stop() error {
	if u.device == nil {
		return nil
	}
	if err := u.device.Stop(); err != nil {
		return fmt.Errorf("failed to stop capture device: %w", err)
	}
	return nil
}

func (u *malgoUnit) Render(dst []byte, frames int) (int, error) {
	if u.pending == nil {
		return 0, ErrNoSamples
	}
	want := frames * u.format.BytesPerFrame()
	if len(dst) < want {
		return 0, fmt.Errorf("render buffer too small: %d < %d", len(dst), want)
	}
	return copy(dst[:want], u.pending), nil
}

func (u *malgoUnit) Close() error {
	if u.device != nil {
		u.device.Uninit()
		u.device = nil
	}
	u.proc = nil
	u.deviceID = nil
	return nil
}
