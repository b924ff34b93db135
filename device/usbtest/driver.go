package usbtest

import (
	"fmt"
	"log/slog"

	"github.com/Alia5/usbtest/usb"
	"github.com/Alia5/usbtest/usbd"
)

// Driver is the class driver the device stack calls. It owns one engine per
// mode and routes completions to the one enabled by the last Open.
type Driver struct {
	sched   Scheduler
	logger  *slog.Logger
	mode    Mode
	engines [2]Engine
	active  Engine
	ctrl    controlDispatcher

	bufSize  int
	activity func()
	stats    Stats
}

var _ usbd.ClassDriver = (*Driver)(nil)

// Option configures a Driver.
type Option func(*Driver)

// WithBufferSize sets the engine buffer size in bytes.
func WithBufferSize(size int) Option {
	return func(d *Driver) { d.bufSize = size }
}

// WithActivity installs fn to be called once per transfer completion.
func WithActivity(fn func()) Option {
	return func(d *Driver) { d.activity = fn }
}

// WithLogger sets the logger the driver and its engines use.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Driver) { d.logger = logger }
}

// NewDriver returns a driver that enables the mode engine on Open.
func NewDriver(sched Scheduler, mode Mode, opts ...Option) *Driver {
	d := &Driver{sched: sched, mode: mode, logger: slog.Default(), bufSize: DefaultBufferSize}
	for _, o := range opts {
		o(d)
	}
	d.engines = [2]Engine{
		ModeSourceSink: NewSourceSink(sched, d.bufSize, d.logger),
		ModeLoopback:   NewLoopback(sched, d.bufSize, d.logger),
	}
	return d
}

// Mode returns the mode selected at construction.
func (d *Driver) Mode() Mode { return d.mode }

// Engine returns the engine for m.
func (d *Driver) Engine(m Mode) Engine { return d.engines[m] }

// Active returns the enabled engine, or nil.
func (d *Driver) Active() Engine { return d.active }

func (d *Driver) Init() {
	d.disableAll()
}

func (d *Driver) Reset(port uint8) {
	if d.active != nil {
		d.logger.Debug("reset", "port", port, "mode", d.active.Mode())
	}
	d.disableAll()
}

// Open validates the interface, disables whichever engine was running and
// enables the engine for the configured mode.
func (d *Driver) Open(port uint8, desc []byte, maxLen uint16) (uint16, error) {
	if _, _, err := validateInterface(desc, maxLen); err != nil {
		return 0, err
	}
	d.disableAll()
	e := d.engines[d.mode]
	n, err := e.Enable(desc, maxLen)
	if err != nil {
		return 0, fmt.Errorf("enable %s: %w", d.mode, err)
	}
	d.active = e
	return n, nil
}

func (d *Driver) ControlRequest(port uint8, stage usbd.ControlStage, req *usb.SetupPacket) bool {
	return d.ctrl.dispatch(d.sched, stage, req)
}

// TransferComplete forwards a completion to the active engine.
func (d *Driver) TransferComplete(port uint8, ep uint8, result usbd.TransferResult, n uint32) error {
	if d.activity != nil {
		d.activity()
	}
	d.stats.Completions++
	if d.active == nil {
		d.stats.Spurious++
		return fmt.Errorf("%w: no engine enabled", ErrSpuriousCompletion)
	}
	err := d.active.OnComplete(ep, result, n)
	if err != nil {
		d.stats.count(err)
		return err
	}
	if ep&usb.EndpointDirIn != 0 {
		d.stats.BytesIn += uint64(n)
	} else {
		d.stats.BytesOut += uint64(n)
	}
	return nil
}

// Stats returns the driver counters and engine state. Callers must hold
// the stack lock.
func (d *Driver) Stats() Stats {
	st := d.stats
	st.Mode = d.mode.String()
	st.State = StateDisabled.String()
	if d.active != nil {
		st.State = d.active.State().String()
		st.Out, st.In = d.active.Directions()
		st.EndpointOut, st.EndpointIn = d.active.Endpoints()
	}
	return st
}

func (d *Driver) disableAll() {
	for _, e := range d.engines {
		e.Disable()
	}
	d.active = nil
}
