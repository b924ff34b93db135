//go:build !linux

package kernel

// Device is an open usbfs node. It cannot be opened on this platform.
type Device struct{}

func Open(string) (*Device, error) { return nil, ErrUnsupported }

func (d *Device) Run(_ int, p Param) Result { return Result{Param: p, Err: ErrUnsupported} }

func (d *Device) Reset() error { return ErrUnsupported }

func (d *Device) Close() error { return nil }
