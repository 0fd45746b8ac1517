// Package hw abstracts the audio hardware layer behind backend-neutral
// interfaces so the capture pipeline can be driven by miniaudio, PortAudio,
// or a fake in tests.
package hw

import "errors"

// BusInput is the bus number render callbacks are expected to service.
// Invocations for any other bus carry no input samples.
const BusInput = 1

var (
	// ErrDeviceNotFound is returned when a device ID does not match any
	// enumerated input device.
	ErrDeviceNotFound = errors.New("audio device not found")

	// ErrNoSamples is returned by Unit.Render when no raw samples are
	// pending for the current callback period.
	ErrNoSamples = errors.New("no rendered samples pending")
)

// Device is an immutable snapshot of one input-capable device at
// enumeration time, not a live handle.
type Device struct {
	ID      string
	Name    string
	Default bool
}

// Format describes an interleaved PCM stream.
type Format struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// BytesPerFrame returns the byte width of one interleaved frame.
func (f Format) BytesPerFrame() int {
	return f.Channels * f.BitsPerSample / 8
}

// InputFormat is the fixed format requested from the hardware:
// 48kHz, stereo, signed 16-bit, interleaved.
var InputFormat = Format{SampleRate: 48000, Channels: 2, BitsPerSample: 16}

// RenderProc is invoked by the backend on its capture thread once per
// hardware buffer period. bus identifies the unit bus; frames is the
// period size. The proc pulls raw samples with Unit.Render. It must
// return promptly and must never block on downstream consumers.
type RenderProc func(bus, frames int) error

// Backend enumerates devices and produces hardware units.
type Backend interface {
	// ListDevices returns all input-capable devices. Devices whose name
	// or identifier cannot be read are skipped, not reported as errors.
	ListDevices() ([]Device, error)
	// NewUnit acquires an unconfigured hardware unit.
	NewUnit() (Unit, error)
	// Close releases the backend context. No unit may be used afterwards.
	Close() error
}

// Unit is one connection to an input device, configured in stages before
// use. The stages mirror the underlying hardware APIs: enable input,
// bind the device, fix the stream format, register the render proc,
// then initialize. Start and Stop control the capture clock.
type Unit interface {
	EnableInput() error
	BindDevice(id string) error
	SetFormat(f Format) error
	SetRenderProc(proc RenderProc) error
	Initialize() error
	Start() error
	Stop() error

	// Render copies the current period's raw interleaved samples into
	// dst, which must hold frames*BytesPerFrame bytes. It returns the
	// number of bytes written. Only valid while a RenderProc invocation
	// is in flight.
	Render(dst []byte, frames int) (int, error)

	// Close tears the unit down. The unit must not be used afterwards.
	Close() error
}

// ResolveDevice finds the input device whose ID exactly matches uid
// (case-sensitive). An empty uid selects the default input device, or
// the first enumerated device if none is marked default.
func ResolveDevice(b Backend, uid string) (Device, error) {
	devices, err := b.ListDevices()
	if err != nil {
		return Device{}, err
	}
	if uid == "" {
		for _, d := range devices {
			if d.Default {
				return d, nil
			}
		}
		if len(devices) > 0 {
			return devices[0], nil
		}
		return Device{}, ErrDeviceNotFound
	}
	for _, d := range devices {
		if d.ID == uid {
			return d, nil
		}
	}
	return Device{}, ErrDeviceNotFound
}
