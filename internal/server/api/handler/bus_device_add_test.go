package handler_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alia5/usbtest/apiclient"
	"github.com/Alia5/usbtest/internal/server/api"
	"github.com/Alia5/usbtest/internal/server/api/handler"
	"github.com/Alia5/usbtest/internal/server/usb"
	th "github.com/Alia5/usbtest/internal/testing"
)

func TestBusDeviceAdd(t *testing.T) {
	addr, srv, done := th.StartAPIServer(t, func(r *api.Router, s *usb.Server, apiSrv *api.Server) {
		r.Register("bus/{id}/add", handler.BusDeviceAdd(s, apiSrv))
	})
	defer done()
	b := addBus(t, srv, 80001, 0)
	c := apiclient.NewTransport(addr)

	tests := []struct {
		name string
		bus  string
		body any
		want string
	}{
		{"first device", "80001", `{"type": "usbtest"}`, fmt.Sprintf(sourceSinkDevice, 80001, "1")},
		{"second device", "80001", `{"type": "usbtest"}`, fmt.Sprintf(sourceSinkDevice, 80001, "2")},
		{"unknown bus", "99999", `{"type": "usbtest"}`, `{"status":404,"title":"Not Found","detail":"bus 99999 not found"}`},
		{"bus number not numeric", "baz", `{"type": "usbtest"}`, badBusID("baz")},
		{"not json", "80001", `usbtest`, `{"status":400,"title":"Bad Request","detail":"invalid JSON payload: invalid character 'u' looking for beginning of value"}`},
		{"no type", "80001", `{"tpe": "usbtest"}`, `{"status":400,"title":"Bad Request","detail":"missing device type"}`},
		{"no payload", "80001", nil, `{"status":400,"title":"Bad Request","detail":"missing payload"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line, err := c.Do("bus/{id}/add", tt.body, map[string]string{"id": tt.bus})
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, line)
		})
	}

	require.NoError(t, b.RemoveDeviceByID("1"))
	line, err := c.Do("bus/{id}/add", `{"type":"usbtest"}`, map[string]string{"id": "80001"})
	require.NoError(t, err)
	assert.JSONEq(t, fmt.Sprintf(sourceSinkDevice, 80001, "1"), line, "freed device numbers are handed out again")
}

func TestBusDeviceAddOptions(t *testing.T) {
	addr, srv, done := th.StartAPIServer(t, func(r *api.Router, s *usb.Server, apiSrv *api.Server) {
		r.Register("bus/{id}/add", handler.BusDeviceAdd(s, apiSrv))
	})
	defer done()
	addBus(t, srv, 80200, 0)
	c := apiclient.NewTransport(addr)

	problem := func(detail string) string {
		return fmt.Sprintf(`{"status":400,"title":"Bad Request","detail":%q}`, detail)
	}
	for payload, want := range map[string]string{
		`{"type":"USBTEST","mode":"loopback","idVendor":"0x1209","idProduct":"0x0001","bufferSize":512}`: `{"busId":80200,"devId":"1","vid":"0x1209","pid":"0x0001","type":"usbtest","mode":"loopback"}`,
		`{"type":"usbtest","mode":"bogus"}`:       problem(`create usbtest device: unknown mode "bogus"`),
		`{"type":"usbtest","bufferSize":0}`:       problem("create usbtest device: buffer size 0 out of range 1..1048576"),
		`{"type":"gamepad"}`:                      problem("unknown device type: gamepad"),
		`{"type":"usbtest","idVendor":"0x10000"}`: problem(`invalid JSON payload: idVendor: "0x10000" is not a 16-bit id`),
	} {
		line, err := c.Do("bus/{id}/add", payload, map[string]string{"id": "80200"})
		require.NoError(t, err)
		assert.JSONEq(t, want, line, payload)
	}
}

func TestBusDeviceAddUnclaimedDeviceExpires(t *testing.T) {
	cfg := api.ServerConfig{DeviceHandlerConnectTimeout: 200 * time.Millisecond}
	addr, srv, done := th.StartAPIServerWithConfig(t, cfg, func(r *api.Router, s *usb.Server, apiSrv *api.Server) {
		r.Register("bus/{id}/add", handler.BusDeviceAdd(s, apiSrv))
		r.Register("bus/{id}/list", handler.BusDevicesList(s))
	})
	defer done()
	addBus(t, srv, 80100, 0)

	c := apiclient.New(addr)
	_, err := c.DeviceAdd(80100, "usbtest", nil)
	require.NoError(t, err)
	list, err := c.DevicesList(80100)
	require.NoError(t, err)
	require.Len(t, list.Devices, 1)

	assert.Eventually(t, func() bool {
		list, err := c.DevicesList(80100)
		return err == nil && len(list.Devices) == 0
	}, 2*time.Second, 25*time.Millisecond)
}
