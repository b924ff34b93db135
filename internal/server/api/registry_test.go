package api_test

import (
	"log/slog"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alia5/usbtest/device"
	"github.com/Alia5/usbtest/device/usbtest"
	"github.com/Alia5/usbtest/internal/server/api"
	th "github.com/Alia5/usbtest/internal/testing"
	"github.com/Alia5/usbtest/usb"
)

func TestRegistryLookupIgnoresCase(t *testing.T) {
	var streamed []string
	register := func(name string) {
		api.RegisterDevice(name, th.CreateMockRegistration(t, name,
			func(o *device.CreateOptions) (usb.Device, error) { return &th.MockDevice{Name: name}, nil },
			func(conn net.Conn, dev *usb.Device, logger *slog.Logger) error {
				streamed = append(streamed, name)
				return nil
			}))
	}
	register("RegTest_Mixed")
	register("regtest_lower")

	for lookup, want := range map[string]string{
		"regtest_mixed": "RegTest_Mixed",
		"REGTEST_LOWER": "regtest_lower",
		"RegTest_Lower": "regtest_lower",
	} {
		reg := api.GetRegistration(lookup)
		require.NotNil(t, reg, lookup)
		dev, err := reg.CreateDevice(nil, slog.Default())
		require.NoError(t, err)
		assert.Equal(t, want, dev.(*th.MockDevice).Name)

		h := api.GetStreamHandler(lookup)
		require.NotNil(t, h, lookup)
		require.NoError(t, h(nil, nil, slog.Default()))
		assert.Equal(t, want, streamed[len(streamed)-1])
	}

	assert.Nil(t, api.GetRegistration("regtest_missing"))
	assert.Nil(t, api.GetStreamHandler("regtest_missing"))
}

func TestUsbtestRegistration(t *testing.T) {
	reg := api.GetRegistration("usbtest")
	require.NotNil(t, reg)
	mode := "loopback"
	dev, err := reg.CreateDevice(&device.CreateOptions{Mode: &mode}, slog.Default())
	require.NoError(t, err)
	require.IsType(t, &usbtest.Device{}, dev)
	assert.Equal(t, "loopback", dev.(*usbtest.Device).Mode().String())
	assert.NotNil(t, api.GetStreamHandler("usbtest"))
}

func TestListDeviceTypes(t *testing.T) {
	api.RegisterDevice("ZZ_listed", th.CreateMockRegistration(t, "zz_listed",
		func(o *device.CreateOptions) (usb.Device, error) { return &th.MockDevice{}, nil }, nil))

	types := api.ListDeviceTypes()
	assert.Contains(t, types, "zz_listed")
	assert.Contains(t, types, "usbtest")
	assert.IsNonDecreasing(t, types)
}

func TestDeviceType(t *testing.T) {
	dev, err := usbtest.New(nil, slog.Default())
	assert.NoError(t, err)

	assert.Equal(t, "usbtest", api.DeviceType(dev))
	assert.Equal(t, "testing", api.DeviceType(&th.MockDevice{}))
	assert.Equal(t, "", api.DeviceType(nil))
}
