package usbtest

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/Alia5/usbtest/device"
	"github.com/Alia5/usbtest/internal/server/api"
	"github.com/Alia5/usbtest/usb"
)

// monitorInterval bounds how often the activity stream emits snapshots.
const monitorInterval = 100 * time.Millisecond

func init() {
	api.RegisterDevice("usbtest", &handler{})
}

type handler struct{}

func (h *handler) CreateDevice(o *device.CreateOptions, logger *slog.Logger) (usb.Device, error) {
	return New(o, logger)
}

// StreamHandler serves the activity monitor. The server writes one JSON
// Stats line whenever transfers completed since the last line. The client
// may send "stats" for an immediate snapshot or "reset" to force a bus reset.
func (h *handler) StreamHandler() api.StreamHandlerFunc {
	return func(conn net.Conn, devPtr *usb.Device, logger *slog.Logger) error {
		if devPtr == nil || *devPtr == nil {
			return fmt.Errorf("nil device")
		}
		dev, ok := (*devPtr).(*Device)
		if !ok {
			return fmt.Errorf("device is not usbtest")
		}

		done := make(chan struct{})
		defer close(done)
		cmds := make(chan string)
		readErr := make(chan error, 1)
		go func() {
			sc := bufio.NewScanner(conn)
			for sc.Scan() {
				select {
				case cmds <- strings.TrimSpace(sc.Text()):
				case <-done:
					return
				}
			}
			readErr <- sc.Err()
		}()

		enc := json.NewEncoder(conn)
		send := func() error {
			if err := enc.Encode(dev.Stats()); err != nil {
				return fmt.Errorf("write stats: %w", err)
			}
			return nil
		}
		if err := send(); err != nil {
			return err
		}

		ticker := time.NewTicker(monitorInterval)
		defer ticker.Stop()
		seen := dev.Indicator().Pulses()
		for {
			select {
			case err := <-readErr:
				if err == nil || err == io.EOF {
					logger.Info("client disconnected")
					return nil
				}
				return fmt.Errorf("read command: %w", err)
			case cmd := <-cmds:
				switch cmd {
				case "":
					continue
				case "stats":
				case "reset":
					dev.Reset()
				default:
					logger.Warn("unknown monitor command", "cmd", cmd)
					continue
				}
				if err := send(); err != nil {
					return err
				}
			case <-ticker.C:
				if p := dev.Indicator().Pulses(); p != seen {
					seen = p
					if err := send(); err != nil {
						return err
					}
				}
			}
		}
	}
}
