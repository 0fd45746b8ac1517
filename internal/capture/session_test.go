package capture

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/petems/micstream/internal/delivery"
	"github.com/petems/micstream/internal/hw"
)

var errInjected = errors.New("injected hardware failure")

// fakeUnit implements hw.Unit with failure injection per setup stage.
type fakeUnit struct {
	failStage string

	inputEnabled bool
	deviceID     string
	format       hw.Format
	proc         hw.RenderProc
	initialized  bool
	started      bool
	closed       bool

	// raw is what Render hands back; renderErr forces a render failure.
	raw       []byte
	renderErr error
}

func (u *fakeUnit) EnableInput() error {
	if u.failStage == "enable-input" {
		return errInjected
	}
	u.inputEnabled = true
	return nil
}

func (u *fakeUnit) BindDevice(id string) error {
	if u.failStage == "bind-device" {
		return errInjected
	}
	u.deviceID = id
	return nil
}

func (u *fakeUnit) SetFormat(f hw.Format) error {
	if u.failStage == "set-format" {
		return errInjected
	}
	u.format = f
	return nil
}

func (u *fakeUnit) SetRenderProc(proc hw.RenderProc) error {
	u.proc = proc
	return nil
}

func (u *fakeUnit) Initialize() error {
	if u.failStage == "initialize" {
		return errInjected
	}
	u.initialized = true
	return nil
}

func (u *fakeUnit) Start() error {
	if u.failStage == "start-unit" {
		return errInjected
	}
	u.started = true
	return nil
}

func (u *fakeUnit) Stop() error {
	u.started = false
	return nil
}

func (u *fakeUnit) Render(dst []byte, frames int) (int, error) {
	if u.renderErr != nil {
		return 0, u.renderErr
	}
	return copy(dst, u.raw), nil
}

func (u *fakeUnit) Close() error {
	u.closed = true
	return nil
}

// fire simulates one hardware buffer period on the capture thread.
func (u *fakeUnit) fire(bus, frames int) error {
	return u.proc(bus, frames)
}

type fakeBackend struct {
	devices   []hw.Device
	units     []*fakeUnit
	failStage string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		devices: []hw.Device{
			{ID: "uid-built-in", Name: "Built-in Microphone", Default: true},
			{ID: "uid-usb", Name: "USB Interface"},
		},
	}
}

func (b *fakeBackend) ListDevices() ([]hw.Device, error) {
	return b.devices, nil
}

func (b *fakeBackend) NewUnit() (hw.Unit, error) {
	if b.failStage == "acquire-unit" {
		return nil, errInjected
	}
	u := &fakeUnit{failStage: b.failStage}
	b.units = append(b.units, u)
	return u, nil
}

func (b *fakeBackend) Close() error { return nil }

func newTestSession(b *fakeBackend) *Session {
	return NewSession(b, zerolog.Nop(), Options{})
}

func receiveFrame(t *testing.T, frames <-chan Frame) Frame {
	t.Helper()
	select {
	case f := <-frames:
		return f
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
		return Frame{}
	}
}

func assertNoFrame(t *testing.T, frames <-chan Frame) {
	t.Helper()
	select {
	case f := <-frames:
		t.Fatalf("expected no frame, got one with %d samples", f.FrameCount())
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStartStopLifecycle(t *testing.T) {
	backend := newFakeBackend()
	session := newTestSession(backend)

	if session.State() != StateIdle {
		t.Fatalf("expected idle state, got %v", session.State())
	}

	if err := session.Start("uid-usb", func(Frame) {}); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	if session.State() != StateRunning {
		t.Fatalf("expected running state, got %v", session.State())
	}

	unit := backend.units[0]
	if !unit.inputEnabled || !unit.initialized || !unit.started {
		t.Fatal("unit was not fully configured and started")
	}
	if unit.deviceID != "uid-usb" {
		t.Fatalf("expected device uid-usb, got %q", unit.deviceID)
	}
	if unit.format != hw.InputFormat {
		t.Fatalf("expected fixed input format, got %+v", unit.format)
	}

	if err := session.Stop(); err != nil {
		t.Fatalf("unexpected stop error: %v", err)
	}
	if session.State() != StateIdle {
		t.Fatalf("expected idle state after stop, got %v", session.State())
	}
	if unit.started || !unit.closed {
		t.Fatal("expected unit stopped and closed after teardown")
	}
}

func TestStopWhileIdleIsIdempotent(t *testing.T) {
	backend := newFakeBackend()
	session := newTestSession(backend)

	if err := session.Stop(); err != nil {
		t.Fatalf("stop on idle session should succeed, got %v", err)
	}
	if len(backend.units) != 0 {
		t.Fatalf("stop must not touch hardware, %d units created", len(backend.units))
	}
}

func TestStartWhileRunningFails(t *testing.T) {
	backend := newFakeBackend()
	session := newTestSession(backend)

	if err := session.Start("", func(Frame) {}); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	err := session.Start("", func(Frame) {})
	if !errors.Is(err, ErrAlreadyCapturing) {
		t.Fatalf("expected ErrAlreadyCapturing, got %v", err)
	}

	// First session must be untouched.
	if session.State() != StateRunning {
		t.Fatalf("expected running state, got %v", session.State())
	}
	if len(backend.units) != 1 || !backend.units[0].started {
		t.Fatal("second start must not disturb the active unit")
	}
}

func TestStartUnknownDevice(t *testing.T) {
	backend := newFakeBackend()
	session := newTestSession(backend)

	err := session.Start("uid-USB", func(Frame) {}) // IDs are case-sensitive
	if !errors.Is(err, hw.ErrDeviceNotFound) {
		t.Fatalf("expected ErrDeviceNotFound, got %v", err)
	}
	if session.State() != StateIdle {
		t.Fatalf("expected idle state after failed start, got %v", session.State())
	}
	if len(backend.units) != 0 {
		t.Fatalf("no unit should be acquired, got %d", len(backend.units))
	}
}

func TestStartDefaultDevice(t *testing.T) {
	backend := newFakeBackend()
	session := newTestSession(backend)

	if err := session.Start("", func(Frame) {}); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	defer session.Stop()

	if got := backend.units[0].deviceID; got != "uid-built-in" {
		t.Fatalf("expected default device uid-built-in, got %q", got)
	}
}

func TestStartRollsBackOnStageFailure(t *testing.T) {
	stages := []string{"enable-input", "bind-device", "set-format", "initialize", "start-unit"}
	for _, stage := range stages {
		t.Run(stage, func(t *testing.T) {
			backend := newFakeBackend()
			backend.failStage = stage
			session := newTestSession(backend)

			err := session.Start("uid-usb", func(Frame) {})
			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected ConfigError, got %v", err)
			}
			if cfgErr.Stage != stage {
				t.Fatalf("expected failure at stage %q, got %q", stage, cfgErr.Stage)
			}
			if !errors.Is(err, errInjected) {
				t.Fatalf("expected wrapped cause, got %v", err)
			}
			if session.State() != StateIdle {
				t.Fatalf("expected idle state after rollback, got %v", session.State())
			}
			for i, u := range backend.units {
				if !u.closed {
					t.Fatalf("unit %d leaked after rollback", i)
				}
			}

			// Session must be fully reusable after rollback.
			backend.failStage = ""
			if err := session.Start("uid-usb", func(Frame) {}); err != nil {
				t.Fatalf("restart after rollback failed: %v", err)
			}
			session.Stop()
		})
	}
}

func TestStartStopStartReacquires(t *testing.T) {
	backend := newFakeBackend()
	session := newTestSession(backend)

	for i := 0; i < 2; i++ {
		if err := session.Start("uid-usb", func(Frame) {}); err != nil {
			t.Fatalf("cycle %d: start failed: %v", i, err)
		}
		if err := session.Stop(); err != nil {
			t.Fatalf("cycle %d: stop failed: %v", i, err)
		}
	}

	if len(backend.units) != 2 {
		t.Fatalf("expected 2 units across 2 cycles, got %d", len(backend.units))
	}
	for i, u := range backend.units {
		if !u.closed {
			t.Fatalf("unit %d leaked", i)
		}
	}
}

func TestRenderDeliversFramesInOrder(t *testing.T) {
	backend := newFakeBackend()
	session := newTestSession(backend)

	frames := make(chan Frame, 16)
	if err := session.Start("uid-usb", func(f Frame) { frames <- f }); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	defer session.Stop()
	unit := backend.units[0]

	values := []int16{8192, 8192, -16384, -16384}
	unit.raw = int16LE(values...)
	for i := 0; i < 3; i++ {
		if err := unit.fire(hw.BusInput, 2); err != nil {
			t.Fatalf("period %d: unexpected render error: %v", i, err)
		}
	}

	for i := 0; i < 3; i++ {
		frame := receiveFrame(t, frames)
		if frame.FrameCount() != 2 {
			t.Fatalf("period %d: expected 2 samples, got %d", i, frame.FrameCount())
		}
		if frame.Samples[0] != 0.25 || frame.Samples[1] != -0.5 {
			t.Fatalf("period %d: unexpected samples %v", i, frame.Samples)
		}
	}
}

func TestRenderShortBufferDropsFrame(t *testing.T) {
	backend := newFakeBackend()
	session := newTestSession(backend)

	frames := make(chan Frame, 1)
	if err := session.Start("uid-usb", func(f Frame) { frames <- f }); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	defer session.Stop()
	unit := backend.units[0]

	// Two frames requested, only one frame's worth of bytes rendered.
	unit.raw = int16LE(100, 200)
	err := unit.fire(hw.BusInput, 2)
	if !errors.Is(err, ErrShortBuffer) {
		t.Fatalf("expected ErrShortBuffer, got %v", err)
	}

	assertNoFrame(t, frames)
	if session.RenderFailures() != 1 {
		t.Fatalf("expected 1 render failure, got %d", session.RenderFailures())
	}
	if session.State() != StateRunning {
		t.Fatalf("short buffer must not stop capture, state is %v", session.State())
	}
}

func TestRenderFailureDropsFrame(t *testing.T) {
	backend := newFakeBackend()
	session := newTestSession(backend)

	frames := make(chan Frame, 1)
	if err := session.Start("uid-usb", func(f Frame) { frames <- f }); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	defer session.Stop()
	unit := backend.units[0]

	unit.renderErr = errInjected
	if err := unit.fire(hw.BusInput, 2); !errors.Is(err, errInjected) {
		t.Fatalf("expected injected render error, got %v", err)
	}

	assertNoFrame(t, frames)
	if session.State() != StateRunning {
		t.Fatalf("render failure must not stop capture, state is %v", session.State())
	}
}

func TestRenderIgnoresOtherBuses(t *testing.T) {
	backend := newFakeBackend()
	session := newTestSession(backend)

	frames := make(chan Frame, 1)
	if err := session.Start("uid-usb", func(f Frame) { frames <- f }); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	defer session.Stop()
	unit := backend.units[0]

	unit.raw = int16LE(100, 200)
	if err := unit.fire(0, 1); err != nil {
		t.Fatalf("output bus invocation must be a no-op, got %v", err)
	}
	assertNoFrame(t, frames)
}

func TestRenderAfterStopIsIgnored(t *testing.T) {
	backend := newFakeBackend()
	session := newTestSession(backend)

	frames := make(chan Frame, 1)
	if err := session.Start("uid-usb", func(f Frame) { frames <- f }); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	unit := backend.units[0]
	unit.raw = int16LE(100, 200)

	if err := session.Stop(); err != nil {
		t.Fatalf("unexpected stop error: %v", err)
	}

	// Simulates a period already in flight when teardown began.
	if err := unit.fire(hw.BusInput, 1); err != nil {
		t.Fatalf("late period must be a no-op, got %v", err)
	}
	assertNoFrame(t, frames)
}

func TestStartBadDeliveryOptions(t *testing.T) {
	backend := newFakeBackend()
	session := NewSession(backend, zerolog.Nop(), Options{
		Queue: delivery.Options{Policy: "bogus"},
	})

	if err := session.Start("uid-usb", func(Frame) {}); err == nil {
		t.Fatal("expected error for invalid delivery options")
	}
	if session.State() != StateIdle {
		t.Fatalf("expected idle state after failed start, got %v", session.State())
	}
	if !backend.units[0].closed {
		t.Fatal("unit leaked when delivery channel creation failed")
	}
}
