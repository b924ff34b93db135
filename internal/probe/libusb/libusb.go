// Package libusb opens a Gadget Zero device that is attached to this host,
// for example through `usbip attach`, and drives it with gousb.
package libusb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/gousb"

	"github.com/Alia5/usbtest/internal/probe"
	"github.com/Alia5/usbtest/usb"
)

// ErrNotFound is returned when no attached device matches the VID:PID.
var ErrNotFound = errors.New("libusb: device not found")

// Link implements probe.Link on top of a libusb device handle.
type Link struct {
	mu   sync.Mutex
	ctx  *gousb.Context
	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface
	in   map[uint8]*gousb.InEndpoint
	out  map[uint8]*gousb.OutEndpoint
}

var _ probe.Link = (*Link)(nil)

// Open opens the first attached device with the given ids. Kernel drivers
// bound to it are detached while the link is open.
func Open(vid, pid uint16) (*Link, error) {
	ctx := gousb.NewContext()
	dev, err := ctx.OpenDeviceWithVIDPID(gousb.ID(vid), gousb.ID(pid))
	if err != nil {
		ctx.Close()
		return nil, fmt.Errorf("open %04x:%04x: %w", vid, pid, err)
	}
	if dev == nil {
		ctx.Close()
		return nil, fmt.Errorf("%w: %04x:%04x", ErrNotFound, vid, pid)
	}
	if err := dev.SetAutoDetach(true); err != nil {
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("auto detach: %w", err)
	}
	return &Link{ctx: ctx, dev: dev}, nil
}

func (l *Link) Control(ctx context.Context, setup usb.SetupPacket, data []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if dl, ok := ctx.Deadline(); ok {
		l.dev.ControlTimeout = time.Until(dl)
	}
	n, err := l.dev.Control(setup.RequestType, setup.Request, setup.Value, setup.Index, data[:min(len(data), int(setup.Length))])
	return n, mapError(err)
}

// SetConfiguration selects the configuration and claims interface 0.
func (l *Link) SetConfiguration(_ context.Context, value uint8) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.release()

	cfg, err := l.dev.Config(int(value))
	if err != nil {
		return mapError(err)
	}
	intf, err := cfg.Interface(0, 0)
	if err != nil {
		cfg.Close()
		return mapError(err)
	}
	l.cfg, l.intf = cfg, intf
	l.in = make(map[uint8]*gousb.InEndpoint)
	l.out = make(map[uint8]*gousb.OutEndpoint)
	return nil
}

func (l *Link) Write(ctx context.Context, ep uint8, data []byte) (int, error) {
	e, err := l.outEndpoint(ep)
	if err != nil {
		return 0, err
	}
	n, err := e.WriteContext(ctx, data)
	return n, mapError(err)
}

func (l *Link) Read(ctx context.Context, ep uint8, buf []byte) (int, error) {
	e, err := l.inEndpoint(ep)
	if err != nil {
		return 0, err
	}
	n, err := e.ReadContext(ctx, buf)
	return n, mapError(err)
}

func (l *Link) inEndpoint(ep uint8) (*gousb.InEndpoint, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.intf == nil {
		return nil, errors.New("libusb: device not configured")
	}
	if e, ok := l.in[ep]; ok {
		return e, nil
	}
	e, err := l.intf.InEndpoint(int(ep & 0x0f))
	if err != nil {
		return nil, err
	}
	l.in[ep] = e
	return e, nil
}

func (l *Link) outEndpoint(ep uint8) (*gousb.OutEndpoint, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.intf == nil {
		return nil, errors.New("libusb: device not configured")
	}
	if e, ok := l.out[ep]; ok {
		return e, nil
	}
	e, err := l.intf.OutEndpoint(int(ep & 0x0f))
	if err != nil {
		return nil, err
	}
	l.out[ep] = e
	return e, nil
}

func (l *Link) release() {
	if l.intf != nil {
		l.intf.Close()
		l.intf = nil
	}
	if l.cfg != nil {
		_ = l.cfg.Close()
		l.cfg = nil
	}
}

// Reset performs a port reset. The claimed interface is dropped; the next
// SetConfiguration claims it again.
func (l *Link) Reset() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.release()
	if err := l.dev.Reset(); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	return nil
}

func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.release()
	err := l.dev.Close()
	if cerr := l.ctx.Close(); err == nil {
		err = cerr
	}
	return err
}

// mapError turns libusb pipe errors and stalled transfers into probe.ErrStall.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gousb.ErrorPipe) || errors.Is(err, gousb.TransferStall) {
		return fmt.Errorf("%w: %w", probe.ErrStall, err)
	}
	return err
}
