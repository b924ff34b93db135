package testing

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Alia5/usbtest/device"
	"github.com/Alia5/usbtest/device/usbtest"
	"github.com/Alia5/usbtest/internal/cmd"
	"github.com/Alia5/usbtest/internal/config"
	"github.com/Alia5/usbtest/internal/log"
	"github.com/Alia5/usbtest/internal/server/api"
	"github.com/Alia5/usbtest/internal/server/usb"
	"github.com/Alia5/usbtest/virtualbus"
)

// MockServer is a running server command on loopback ports.
type MockServer struct {
	ApiServer *api.Server
	UsbServer *usb.Server
}

// NewTestServerWithConfig runs the server command of cfg until the test
// ends. Buses left behind by the test are removed first.
func NewTestServerWithConfig(t testing.TB, cfg *config.CLI) *MockServer {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	up := make(chan *MockServer, 1)
	done := make(chan error, 1)
	go func() {
		done <- cfg.Server.Serve(ctx, slog.Default(), log.NewRaw(nil), func(u *usb.Server, a *api.Server) {
			up <- &MockServer{UsbServer: u, ApiServer: a}
		})
	}()

	var srv *MockServer
	select {
	case srv = <-up:
	case err := <-done:
		cancel()
		t.Fatalf("server failed to start: %v", err)
	case <-time.After(2 * time.Second):
		cancel()
		t.Fatal("server did not become ready")
	}
	t.Cleanup(func() {
		for _, id := range srv.UsbServer.ListBuses() {
			_ = srv.UsbServer.RemoveBus(id)
		}
		cancel()
		<-done
	})
	return srv
}

func NewTestServer(t testing.TB) *MockServer {
	t.Helper()
	return NewTestServerWithConfig(t, TestServerConfig(t))
}

// TestServerConfig binds both servers to ephemeral loopback ports with
// short timeouts and a key file private to the test.
func TestServerConfig(t testing.TB) *config.CLI {
	t.Helper()
	var cli config.CLI
	cli.Server = cmd.Server{
		UsbServerConfig:   usb.ServerConfig{Addr: "127.0.0.1:0"},
		ApiServerConfig:   api.ServerConfig{Addr: "127.0.0.1:0", DeviceHandlerConnectTimeout: time.Second},
		ConnectionTimeout: time.Second,
		KeyFile:           filepath.Join(t.TempDir(), "usbtest.key.txt"),
	}
	return &cli
}

// ExportUsbtest puts a fresh usbtest device in the given mode on a new bus
// of srv and returns its USBIP bus id together with the device.
func ExportUsbtest(t testing.TB, srv *usb.Server, mode string, opts ...func(*device.CreateOptions)) (string, *usbtest.Device) {
	t.Helper()
	o := &device.CreateOptions{Mode: &mode}
	for _, opt := range opts {
		opt(o)
	}
	dev, err := usbtest.New(o, slog.Default())
	require.NoError(t, err)

	bus := virtualbus.New()
	require.NoError(t, srv.AddBus(bus))
	t.Cleanup(func() { _ = srv.RemoveBus(bus.BusID()) })

	ctx, err := bus.Add(dev)
	require.NoError(t, err)
	busID := device.GetDeviceMeta(ctx).BusIDString()
	require.Equal(t, fmt.Sprintf("%d-1", bus.BusID()), busID)
	return busID, dev
}

// WithBufferSize overrides the device buffer size in ExportUsbtest.
func WithBufferSize(n uint32) func(*device.CreateOptions) {
	return func(o *device.CreateOptions) { o.BufferSize = &n }
}
