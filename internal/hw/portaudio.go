package hw

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
	"github.com/rs/zerolog"
)

// periodFrames is the fixed buffer period requested from PortAudio.
// miniaudio picks its own period; PortAudio wants one up front.
const periodFrames = 512

type portAudioBackend struct {
	log    zerolog.Logger
	closed bool
}

// NewPortAudioBackend initializes the PortAudio runtime. PortAudio has no
// stable device UIDs, so device names double as IDs.
func NewPortAudioBackend(log zerolog.Logger) (Backend, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	return &portAudioBackend{log: log}, nil
}

func (b *portAudioBackend) ListDevices() ([]Device, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate devices: %w", err)
	}
	defaultDevice, _ := portaudio.DefaultInputDevice()

	result := make([]Device, 0, len(devices))
	for _, d := range devices {
		if d.MaxInputChannels <= 0 {
			continue
		}
		if d.Name == "" {
			b.log.Debug().Msg("Skipping device with empty name")
			continue
		}
		result = append(result, Device{
			ID:      d.Name,
			Name:    d.Name,
			Default: d == defaultDevice,
		})
	}
	return result, nil
}

func (b *portAudioBackend) NewUnit() (Unit, error) {
	if b.closed {
		return nil, errors.New("backend is closed")
	}
	return &portAudioUnit{log: b.log, quit: make(chan struct{})}, nil
}

func (b *portAudioBackend) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	if err := portaudio.Terminate(); err != nil {
		return fmt.Errorf("failed to terminate PortAudio: %w", err)
	}
	return nil
}

// portAudioUnit adapts PortAudio's blocking reads to the callback contract:
// Start launches a read loop that invokes the render proc once per filled
// period. pending and renderErr are only touched on the loop goroutine.
type portAudioUnit struct {
	log zerolog.Logger

	inputEnabled bool
	device       *portaudio.DeviceInfo
	format       Format
	proc         RenderProc

	stream    *portaudio.Stream
	buffer    []int16
	pending   []byte
	renderErr error

	quit     chan struct{}
	quitOnce sync.Once
	done     chan struct{}
}

func (u *portAudioUnit) EnableInput() error {
	if u.stream != nil {
		return errors.New("unit already initialized")
	}
	u.inputEnabled = true
	return nil
}

func (u *portAudioUnit) BindDevice(id string) error {
	devices, err := portaudio.Devices()
	if err != nil {
		return fmt.Errorf("failed to enumerate devices: %w", err)
	}
	for _, d := range devices {
		if d.Name == id && d.MaxInputChannels > 0 {
			u.device = d
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
}

func (u *portAudioUnit) SetFormat(f Format) error {
	if f.BitsPerSample != 16 {
		return fmt.Errorf("unsupported bit depth: %d", f.BitsPerSample)
	}
	u.format = f
	return nil
}

func (u *portAudioUnit) SetRenderProc(proc RenderProc) error {
	if proc == nil {
		return errors.New("render proc must not be nil")
	}
	u.proc = proc
	return nil
}

func (u *portAudioUnit) Initialize() error {
	switch {
	case u.stream != nil:
		return errors.New("unit already initialized")
	case !u.inputEnabled:
		return errors.New("input not enabled")
	case u.device == nil:
		return errors.New("no device bound")
	case u.format == (Format{}):
		return errors.New("no format set")
	case u.proc == nil:
		return errors.New("no render proc registered")
	}

	u.buffer = make([]int16, periodFrames*u.format.Channels)
	stream, err := portaudio.OpenStream(portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   u.device,
			Channels: u.format.Channels,
			Latency:  u.device.DefaultLowInputLatency,
		},
		SampleRate:      float64(u.format.SampleRate),
		FramesPerBuffer: periodFrames,
	}, u.buffer)
	if err != nil {
		return fmt.Errorf("failed to open audio stream: %w", err)
	}
	u.stream = stream
	return nil
}

func (u *portAudioUnit) Start() error {
	if u.stream == nil {
		return errors.New("unit not initialized")
	}
	if err := u.stream.Start(); err != nil {
		return fmt.Errorf("failed to start audio stream: %w", err)
	}

	u.done = make(chan struct{})
	go u.readLoop()
	return nil
}

func (u *portAudioUnit) readLoop() {
	defer close(u.done)
	raw := make([]byte, len(u.buffer)*2)
	for {
		select {
		case <-u.quit:
			return
		default:
		}

		if err := u.stream.Read(); err != nil {
			select {
			case <-u.quit:
				return
			default:
			}
			// Overflows and transient read errors surface through
			// Render so the session decides what to drop.
			u.renderErr = err
			_ = u.proc(BusInput, periodFrames)
			u.renderErr = nil
			continue
		}

		for i, s := range u.buffer {
			binary.LittleEndian.PutUint16(raw[i*2:], uint16(s))
		}
		u.pending = raw
		_ = u.proc(BusInput, periodFrames)
		u.pending = nil
	}
}

func (u *portAudioUnit) Stop() error {
	u.quitOnce.Do(func() { close(u.quit) })
	if u.stream == nil {
		return nil
	}
	err := u.stream.Stop()
	if u.done != nil {
		<-u.done
	}
	if err != nil {
		return fmt.Errorf("failed to stop audio stream: %w", err)
	}
	return nil
}

func (u *portAudioUnit) Render(dst []byte, frames int) (int, error) {
	if u.renderErr != nil {
		return 0, fmt.Errorf("stream read failed: %w", u.renderErr)
	}
	if u.pending == nil {
		return 0, ErrNoSamples
	}
	want := frames * u.format.BytesPerFrame()
	if len(dst) < want {
		return 0, fmt.Errorf("render buffer too small: %d < %d", len(dst), want)
	}
	return copy(dst[:want], u.pending), nil
}

func (u *portAudioUnit) Close() error {
	u.quitOnce.Do(func() { close(u.quit) })
	if u.stream != nil {
		if err := u.stream.Close(); err != nil {
			return fmt.Errorf("failed to close audio stream: %w", err)
		}
		u.stream = nil
	}
	u.proc = nil
	u.device = nil
	return nil
}
