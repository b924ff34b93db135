package apitypes

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceCreateRequestIDs(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		vid     *uint16
		pid     *uint16
		wantErr string
	}{
		{name: "absent", in: `{"type":"usbtest"}`},
		{name: "null", in: `{"type":"usbtest","idVendor":null}`},
		{name: "numbers", in: `{"type":"usbtest","idVendor":1317,"idProduct":42144}`, vid: ptr(0x0525), pid: ptr(0xa4a0)},
		{name: "prefixed hex", in: `{"type":"usbtest","idVendor":"0x0525","idProduct":"0XA4A0"}`, vid: ptr(0x0525), pid: ptr(0xa4a0)},
		{name: "bare hex", in: `{"type":"usbtest","idProduct":"a4a0"}`, pid: ptr(0xa4a0)},
		{name: "decimal string", in: `{"type":"usbtest","idVendor":" 1317 "}`, vid: ptr(0x0525)},
		{name: "too big", in: `{"type":"usbtest","idVendor":65536}`, wantErr: "idVendor: 65536 is not a 16-bit id"},
		{name: "negative", in: `{"type":"usbtest","idProduct":-1}`, wantErr: "idProduct: -1 is not a 16-bit id"},
		{name: "not a number", in: `{"type":"usbtest","idVendor":true}`, wantErr: "idVendor"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var req DeviceCreateRequest
			err := json.Unmarshal([]byte(tt.in), &req)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, req.Type)
			assert.Equal(t, "usbtest", *req.Type)
			assert.Equal(t, tt.vid, req.IdVendor)
			assert.Equal(t, tt.pid, req.IdProduct)
		})
	}
}

func TestDeviceCreateRequestKeepsOtherFields(t *testing.T) {
	var req DeviceCreateRequest
	require.NoError(t, json.Unmarshal([]byte(`{"type":"usbtest","mode":"loopback","bufferSize":512}`), &req))
	require.NotNil(t, req.Mode)
	require.NotNil(t, req.BufferSize)
	assert.Equal(t, "loopback", *req.Mode)
	assert.EqualValues(t, 512, *req.BufferSize)
}

func TestApiErrorText(t *testing.T) {
	assert.Equal(t, "404 Not Found: bus 3 not found", ApiError{Status: 404, Title: "Not Found", Detail: "bus 3 not found"}.Error())
	assert.Equal(t, "Oops: x", ApiError{Title: "Oops", Detail: "x"}.Error())
	assert.Equal(t, "unknown error", ApiError{}.Error())
}

func ptr(v uint16) *uint16 { return &v }
