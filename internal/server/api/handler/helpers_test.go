package handler_test

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Alia5/usbtest/apiclient"
	"github.com/Alia5/usbtest/device"
	"github.com/Alia5/usbtest/device/usbtest"
	"github.com/Alia5/usbtest/internal/server/api"
	"github.com/Alia5/usbtest/internal/server/api/handler"
	"github.com/Alia5/usbtest/internal/server/usb"
	th "github.com/Alia5/usbtest/internal/testing"
	"github.com/Alia5/usbtest/virtualbus"
)

func newUsbtest(t *testing.T) *usbtest.Device {
	t.Helper()
	dev, err := usbtest.New(nil, slog.Default())
	require.NoError(t, err)
	return dev
}

func newLoopback(t *testing.T) *usbtest.Device {
	t.Helper()
	mode := "loopback"
	dev, err := usbtest.New(&device.CreateOptions{Mode: &mode}, slog.Default())
	require.NoError(t, err)
	return dev
}

// routes starts an API server with every bus route registered and returns a
// caller that fails the test on transport errors.
func routes(t *testing.T) (call func(path string, payload any, params map[string]string) string, srv *usb.Server) {
	t.Helper()
	addr, srv, done := th.StartAPIServer(t, func(r *api.Router, s *usb.Server, apiSrv *api.Server) {
		r.Register("bus/list", handler.BusList(s))
		r.Register("bus/create", handler.BusCreate(s))
		r.Register("bus/remove", handler.BusRemove(s))
		r.Register("bus/{id}/list", handler.BusDevicesList(s))
		r.Register("bus/{id}/remove", handler.BusDeviceRemove(s))
	})
	t.Cleanup(done)
	c := apiclient.NewTransport(addr)
	return func(path string, payload any, params map[string]string) string {
		t.Helper()
		line, err := c.Do(path, payload, params)
		require.NoError(t, err)
		return line
	}, srv
}

func addBus(t *testing.T, s *usb.Server, id uint32, devices int) *virtualbus.VirtualBus {
	t.Helper()
	b, err := virtualbus.NewWithBusId(id)
	require.NoError(t, err)
	require.NoError(t, s.AddBus(b))
	for range devices {
		_, err := b.Add(newUsbtest(t))
		require.NoError(t, err)
	}
	return b
}
