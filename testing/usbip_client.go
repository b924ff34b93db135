package testing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Alia5/usbtest/internal/probe"
	"github.com/Alia5/usbtest/usb"
	"github.com/Alia5/usbtest/usbip"
)

// TestUsbIpClient imports devices from a USBIP server for tests.
type TestUsbIpClient struct {
	t      testing.TB
	client *usbip.Client
}

func NewUsbIpClient(t testing.TB, addr string) *TestUsbIpClient {
	t.Helper()

	return &TestUsbIpClient{t: t, client: usbip.NewClient(addr)}
}

func (c *TestUsbIpClient) ListDevices() ([]usbip.ExportedDevice, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return c.client.ListDevices(ctx)
}

// AttachDevice imports busID. The session is closed when the test ends.
func (c *TestUsbIpClient) AttachDevice(busID string) (*TestDevice, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sess, err := c.client.Import(ctx, busID)
	if err != nil {
		return nil, err
	}
	c.t.Cleanup(func() { _ = sess.Close() })
	return &TestDevice{USBIPLink: probe.NewUSBIPLink(sess), t: c.t}, nil
}

// MustAttach is AttachDevice failing the test on error.
func (c *TestUsbIpClient) MustAttach(busID string) *TestDevice {
	c.t.Helper()
	d, err := c.AttachDevice(busID)
	require.NoError(c.t, err)
	return d
}

// TestDevice is an imported device with bounded helpers for tests.
type TestDevice struct {
	*probe.USBIPLink
	t testing.TB
}

// Configure selects configuration 1, which enables the usbtest engine.
func (d *TestDevice) Configure() {
	d.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(d.t, d.SetConfiguration(ctx, 1))
}

// ControlIn runs an IN control request and returns the response.
func (d *TestDevice) ControlIn(setup usb.SetupPacket) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	buf := make([]byte, setup.Length)
	n, err := d.Control(ctx, setup, buf)
	return buf[:n], err
}

// BulkOut writes data to ep.
func (d *TestDevice) BulkOut(ep uint8, data []byte) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return d.Write(ctx, ep, data)
}

// BulkIn reads at most length bytes from ep.
func (d *TestDevice) BulkIn(ep uint8, length int) ([]byte, error) {
	return d.BulkInWithTimeout(ep, length, time.Second)
}

func (d *TestDevice) BulkInWithTimeout(ep uint8, length int, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	buf := make([]byte, length)
	n, err := d.Read(ctx, ep, buf)
	return buf[:n], err
}
