package probe

import (
	"context"
	"fmt"

	"github.com/Alia5/usbtest/usb"
	"github.com/Alia5/usbtest/usbip"
)

// USBIPLink talks to a device imported straight from a USBIP server, with
// no kernel driver in between.
type USBIPLink struct {
	sess *usbip.Session
}

// DialUSBIP imports busID from the server at addr.
func DialUSBIP(ctx context.Context, addr, busID string) (*USBIPLink, error) {
	sess, err := usbip.NewClient(addr).Import(ctx, busID)
	if err != nil {
		return nil, fmt.Errorf("import %s from %s: %w", busID, addr, err)
	}
	return NewUSBIPLink(sess), nil
}

// NewUSBIPLink wraps an imported session.
func NewUSBIPLink(sess *usbip.Session) *USBIPLink {
	return &USBIPLink{sess: sess}
}

// Session returns the underlying USBIP session.
func (l *USBIPLink) Session() *usbip.Session { return l.sess }

func (l *USBIPLink) Control(ctx context.Context, setup usb.SetupPacket, data []byte) (int, error) {
	var (
		out    []byte
		length uint32
	)
	if setup.IsIn() {
		length = uint32(min(len(data), int(setup.Length)))
	} else {
		out = data[:min(len(data), int(setup.Length))]
	}
	res, err := l.sess.Submit(ctx, 0, setup.IsIn(), setup.Bytes(), out, length)
	if err != nil {
		return 0, err
	}
	if err := statusError(res.Status); err != nil {
		return 0, fmt.Errorf("control %s: %w", setup.String(), err)
	}
	if setup.IsIn() {
		return copy(data, res.Data), nil
	}
	return int(res.Actual), nil
}

func (l *USBIPLink) SetConfiguration(ctx context.Context, value uint8) error {
	_, err := l.Control(ctx, usb.SetupPacket{
		RequestType: usb.RequestDirOut | usb.RequestTypeStandard | usb.RecipientDevice,
		Request:     usb.RequestSetConfiguration,
		Value:       uint16(value),
	}, nil)
	return err
}

func (l *USBIPLink) Write(ctx context.Context, ep uint8, data []byte) (int, error) {
	res, err := l.sess.Submit(ctx, ep, false, [usb.SetupPacketSize]byte{}, data, 0)
	if err != nil {
		return 0, err
	}
	if err := statusError(res.Status); err != nil {
		return 0, fmt.Errorf("write ep 0x%02x: %w", ep, err)
	}
	return int(res.Actual), nil
}

func (l *USBIPLink) Read(ctx context.Context, ep uint8, buf []byte) (int, error) {
	res, err := l.sess.Submit(ctx, ep, true, [usb.SetupPacketSize]byte{}, nil, uint32(len(buf)))
	if err != nil {
		return 0, err
	}
	if err := statusError(res.Status); err != nil {
		return 0, fmt.Errorf("read ep 0x%02x: %w", ep, err)
	}
	return copy(buf, res.Data), nil
}

func (l *USBIPLink) Close() error { return l.sess.Close() }

func statusError(status int32) error {
	switch status {
	case usb.StatusOK:
		return nil
	case usb.StatusStall:
		return ErrStall
	}
	return fmt.Errorf("urb status %d", status)
}
