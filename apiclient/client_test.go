package apiclient_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apiclient "github.com/Alia5/usbtest/apiclient"
	apitypes "github.com/Alia5/usbtest/apitypes"
	"github.com/Alia5/usbtest/device"
)

type request struct {
	path    string
	payload any
	params  map[string]string
}

// recorder answers every request with reply and remembers the last one.
func recorder(reply string, err error) (*apiclient.Client, *request) {
	last := &request{}
	return apiclient.WithTransport(apiclient.NewMockTransport(func(path string, payload any, params map[string]string) (string, error) {
		*last = request{path, payload, params}
		return reply, err
	})), last
}

func TestClientRequests(t *testing.T) {
	mode := "loopback"
	tests := []struct {
		name  string
		reply string
		call  func(c *apiclient.Client) (any, error)
		want  request
		check func(t *testing.T, got any)
	}{
		{
			name:  "bus create with number",
			reply: `{"busId":42}`,
			call:  func(c *apiclient.Client) (any, error) { return c.BusCreate(42) },
			want:  request{"bus/create", "42", nil},
			check: func(t *testing.T, got any) {
				assert.Equal(t, uint32(42), got.(*apitypes.BusCreateResponse).BusID)
			},
		},
		{
			name:  "bus create picks a number",
			reply: `{"busId":1}`,
			call:  func(c *apiclient.Client) (any, error) { return c.BusCreate(0) },
			want:  request{"bus/create", nil, nil},
		},
		{
			name:  "bus remove",
			reply: `{"busId":3}`,
			call:  func(c *apiclient.Client) (any, error) { return c.BusRemove(3) },
			want:  request{"bus/remove", "3", nil},
		},
		{
			name:  "device add",
			reply: `{"busId":1,"devId":"2","vid":"0x0525","pid":"0xa4a0","type":"usbtest","mode":"loopback"}`,
			call: func(c *apiclient.Client) (any, error) {
				return c.DeviceAdd(1, "usbtest", &device.CreateOptions{Mode: &mode})
			},
			want: request{"bus/{id}/add", `{"type":"usbtest","mode":"loopback"}`, map[string]string{"id": "1"}},
			check: func(t *testing.T, got any) {
				dev := got.(*apitypes.Device)
				assert.Equal(t, "2", dev.DevId)
				assert.Equal(t, "loopback", dev.Mode)
			},
		},
		{
			name:  "device remove",
			reply: `{"busId":1,"devId":"2"}`,
			call:  func(c *apiclient.Client) (any, error) { return c.DeviceRemove(1, "2") },
			want:  request{"bus/{id}/remove", "2", map[string]string{"id": "1"}},
		},
		{
			name: "device stats",
			reply: `{"busId":1,"devId":"2","stats":{"mode":"sourcesink","state":"enabled","configured":true,` +
				`"endpointOut":1,"endpointIn":129,"out":{"armed":true,"stalled":false,"len":4096},"in":{"armed":true,"stalled":false,"len":4096},` +
				`"completions":10,"failures":0,"unknown":0,"spurious":0,"bytesIn":20480,"bytesOut":20480,"lastActivity":"2026-01-02T03:04:05Z"}}`,
			call: func(c *apiclient.Client) (any, error) { return c.DeviceStats(1, "2") },
			want: request{"bus/{id}/{devId}/stats", nil, map[string]string{"id": "1", "devId": "2"}},
			check: func(t *testing.T, got any) {
				st := got.(*apitypes.DeviceStatsResponse).Stats
				assert.Equal(t, "enabled", st.State)
				assert.Equal(t, uint8(0x81), st.EndpointIn)
				assert.True(t, st.Out.Armed)
				assert.Equal(t, uint64(20480), st.BytesIn)
			},
		},
		{
			name:  "device reset",
			reply: `{"busId":1,"devId":"2"}`,
			call:  func(c *apiclient.Client) (any, error) { return c.DeviceReset(1, "2") },
			want:  request{"bus/{id}/{devId}/reset", nil, map[string]string{"id": "1", "devId": "2"}},
		},
		{
			name:  "devices list",
			reply: `{"devices":[]}`,
			call:  func(c *apiclient.Client) (any, error) { return c.DevicesList(9) },
			want:  request{"bus/{id}/list", nil, map[string]string{"id": "9"}},
			check: func(t *testing.T, got any) {
				assert.Empty(t, got.(*apitypes.DevicesListResponse).Devices)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, last := recorder(tt.reply, nil)
			got, err := tt.call(c)
			require.NoError(t, err)
			assert.Equal(t, tt.want, *last)
			if tt.check != nil {
				tt.check(t, got)
			}
		})
	}
}

func TestClientErrors(t *testing.T) {
	c, _ := recorder(`{"status":400,"title":"Bad Request","detail":"device 2 is a testing device, not usbtest"}`, nil)
	_, err := c.DeviceReset(1, "2")
	var apiErr *apitypes.ApiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 400, apiErr.Status)
	assert.EqualError(t, err, "400 Bad Request: device 2 is a testing device, not usbtest")

	c, _ = recorder("", errors.New("dial fail"))
	_, err = c.BusList()
	assert.EqualError(t, err, "dial fail")

	c, _ = recorder("", nil)
	_, err = c.BusList()
	assert.EqualError(t, err, "empty response")

	c, _ = recorder(`{"buses":[1,2,3],"extra":true}`, nil)
	_, err = c.BusList()
	assert.ErrorContains(t, err, "decode")
}

func TestClientCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := apiclient.New("127.0.0.1:9").BusListCtx(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
