// Package testing holds helpers shared by the server tests.
package testing

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Alia5/usbtest/device"
	"github.com/Alia5/usbtest/internal/log"
	"github.com/Alia5/usbtest/internal/server/api"
	srvusb "github.com/Alia5/usbtest/internal/server/usb"
	"github.com/Alia5/usbtest/usb"
)

// registration adapts two funcs to api.DeviceRegistration.
type registration struct {
	create func(o *device.CreateOptions) (usb.Device, error)
	stream api.StreamHandlerFunc
}

func (r registration) CreateDevice(o *device.CreateOptions, _ *slog.Logger) (usb.Device, error) {
	return r.create(o)
}

func (r registration) StreamHandler() api.StreamHandlerFunc { return r.stream }

// CreateMockRegistration builds a registration for name from a constructor
// and a stream handler; either may be nil if the test never reaches it.
func CreateMockRegistration(t *testing.T, name string, create func(o *device.CreateOptions) (usb.Device, error), stream api.StreamHandlerFunc) api.DeviceRegistration {
	t.Helper()
	require.NotEmpty(t, name)
	return registration{create: create, stream: stream}
}

// MockDevice completes every URB at once with no data.
type MockDevice struct {
	Name string
}

func (m *MockDevice) GetDescriptor() *usb.Descriptor { return &usb.Descriptor{} }
func (m *MockDevice) Submit(urb *usb.URB)            { urb.Complete(usb.StatusOK, nil, 0) }
func (m *MockDevice) Unlink(uint32) bool             { return false }
func (m *MockDevice) Detach()                        {}

// StartAPIServer runs an API server on a loopback port next to a USB
// server that is never started. setup registers the routes under test.
// done stops the API server and removes every bus left on the USB server.
func StartAPIServer(t *testing.T, setup func(r *api.Router, s *srvusb.Server, apiSrv *api.Server)) (addr string, srv *srvusb.Server, done func()) {
	t.Helper()
	return StartAPIServerWithConfig(t, api.ServerConfig{DeviceHandlerConnectTimeout: time.Second}, setup)
}

// StartAPIServerWithConfig is StartAPIServer with cfg; its Addr is
// replaced by an ephemeral loopback address.
func StartAPIServerWithConfig(t *testing.T, cfg api.ServerConfig, setup func(r *api.Router, s *srvusb.Server, apiSrv *api.Server)) (addr string, srv *srvusb.Server, done func()) {
	t.Helper()
	srv = srvusb.New(srvusb.ServerConfig{Addr: "127.0.0.1:0"}, slog.Default(), log.NewRaw(nil))
	cfg.Addr = "127.0.0.1:0"
	apiSrv := api.New(srv, cfg.Addr, cfg, slog.Default())
	if setup != nil {
		setup(apiSrv.Router(), srv, apiSrv)
	}
	require.NoError(t, apiSrv.Start())

	return apiSrv.Addr(), srv, func() {
		apiSrv.Close()
		for _, id := range srv.ListBuses() {
			_ = srv.RemoveBus(id)
		}
		_ = srv.Close()
	}
}
