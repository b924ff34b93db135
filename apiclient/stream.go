package apiclient

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	apitypes "github.com/Alia5/usbtest/apitypes"
	"github.com/Alia5/usbtest/device"
)

// ErrStreamClosed is returned by operations on a closed DeviceStream.
var ErrStreamClosed = errors.New("stream closed")

// DeviceStream is a long-lived connection to a device's stream handler.
// For usbtest devices this is the activity monitor: the server sends a JSON
// stats line whenever transfers completed, and accepts "stats" and "reset"
// commands.
type DeviceStream struct {
	BusID uint32
	DevID string

	conn   net.Conn
	r      *bufio.Reader
	mu     sync.Mutex
	closed bool
}

// OpenStream connects to the stream route of a device. Holding the stream
// keeps the device from being removed by the connect timeout.
func (c *Client) OpenStream(ctx context.Context, busID uint32, devID string) (*DeviceStream, error) {
	t := c.transport
	if t.mock != nil {
		return nil, errors.New("streaming not supported with mock transport")
	}
	conn, err := t.dial(ctx)
	if err != nil {
		return nil, err
	}
	path := fmt.Sprintf("bus/%d/%s", busID, devID)
	if err := t.send(conn, path, nil); err != nil {
		conn.Close()
		return nil, err
	}
	return &DeviceStream{BusID: busID, DevID: devID, conn: conn, r: bufio.NewReader(conn)}, nil
}

// AddDeviceAndConnect adds a device and opens its stream. When the stream
// cannot be opened the parsed device is still returned with the error.
func (c *Client) AddDeviceAndConnect(ctx context.Context, busID uint32, devType string, o *device.CreateOptions) (*DeviceStream, *apitypes.Device, error) {
	dev, err := c.DeviceAddCtx(ctx, busID, devType, o)
	if err != nil {
		return nil, nil, err
	}
	stream, err := c.OpenStream(ctx, busID, dev.DevId)
	if err != nil {
		return nil, dev, err
	}
	return stream, dev, nil
}

func (s *DeviceStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *DeviceStream) Read(p []byte) (int, error) {
	if s.isClosed() {
		return 0, ErrStreamClosed
	}
	return s.r.Read(p)
}

func (s *DeviceStream) Write(p []byte) (int, error) {
	if s.isClosed() {
		return 0, ErrStreamClosed
	}
	return s.conn.Write(p)
}

// Close ends the stream. The server arms the device's connect timeout again.
func (s *DeviceStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}

func (s *DeviceStream) SetReadDeadline(t time.Time) error  { return s.conn.SetReadDeadline(t) }
func (s *DeviceStream) SetWriteDeadline(t time.Time) error { return s.conn.SetWriteDeadline(t) }

// NextStats blocks for the next stats line of a usbtest activity monitor.
func (s *DeviceStream) NextStats() (*apitypes.DeviceStats, error) {
	if s.isClosed() {
		return nil, ErrStreamClosed
	}
	line, err := s.r.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	var st apitypes.DeviceStats
	if err := json.Unmarshal(line, &st); err != nil {
		return nil, fmt.Errorf("decode stats: %w", err)
	}
	return &st, nil
}

// RequestStats asks the monitor for an immediate stats line.
func (s *DeviceStream) RequestStats() error { return s.command("stats") }

// Reset forces a bus reset of the device; a stats line follows.
func (s *DeviceStream) Reset() error { return s.command("reset") }

func (s *DeviceStream) command(cmd string) error {
	_, err := s.Write([]byte(cmd + "\n"))
	return err
}
