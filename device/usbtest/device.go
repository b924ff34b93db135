// Package usbtest implements a Gadget Zero test peripheral: a vendor
// specific device with one bulk endpoint pair that either sources and sinks
// data or loops OUT data back to IN, for exercising host USB stacks with
// tools such as the Linux usbtest driver.
package usbtest

import (
	"fmt"
	"log/slog"

	"github.com/Alia5/usbtest/device"
	"github.com/Alia5/usbtest/usbd"
)

// Device is a Gadget Zero device: the usbd stack with the usbtest class
// driver bound to it.
type Device struct {
	*usbd.Stack
	driver    *Driver
	indicator *Indicator
}

// New builds a device from create options. Nil options select source/sink
// mode with the default IDs and buffer size.
func New(o *device.CreateOptions, logger *slog.Logger) (*Device, error) {
	if logger == nil {
		logger = slog.Default()
	}
	mode := ModeSourceSink
	vid, pid := DefaultVendorID, DefaultProductID
	size := DefaultBufferSize
	if o != nil {
		if o.Mode != nil {
			m, err := ParseMode(*o.Mode)
			if err != nil {
				return nil, err
			}
			mode = m
		}
		if o.IdVendor != nil {
			vid = *o.IdVendor
		}
		if o.IdProduct != nil {
			pid = *o.IdProduct
		}
		if o.BufferSize != nil {
			if *o.BufferSize == 0 || *o.BufferSize > MaxBufferSize {
				return nil, fmt.Errorf("buffer size %d out of range 1..%d", *o.BufferSize, MaxBufferSize)
			}
			size = int(*o.BufferSize)
		}
	}

	logger = logger.With("device", "usbtest", "mode", mode.String())
	d := &Device{indicator: NewIndicator()}
	d.Stack = usbd.New(Descriptor(mode, vid, pid), logger)
	d.driver = NewDriver(d.Stack, mode,
		WithBufferSize(size),
		WithLogger(logger),
		WithActivity(d.indicator.Pulse),
	)
	d.Stack.Bind(d.driver)
	return d, nil
}

// Mode returns the mode the device was created with.
func (d *Device) Mode() Mode { return d.driver.Mode() }

// Indicator returns the activity indicator fed by transfer completions.
func (d *Device) Indicator() *Indicator { return d.indicator }

// Stats returns a consistent snapshot of the driver state.
func (d *Device) Stats() Stats {
	var st Stats
	d.Exec(func() { st = d.driver.Stats() })
	st.Configured = d.Configuration() != 0
	st.LastActivity = d.indicator.Last()
	return st
}
