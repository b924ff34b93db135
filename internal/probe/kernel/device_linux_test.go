package kernel

import (
	"os"
	"path/filepath"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestRequestCodes(t *testing.T) {
	if unsafe.Sizeof(uintptr(0)) != 8 {
		t.Skip("codes below are for 64-bit kernels")
	}
	assert.Equal(t, uintptr(40), unsafe.Sizeof(usbtestParam{}))
	assert.Equal(t, uint32(0xc0285564), usbtestRequest)
	assert.Equal(t, uint32(0xc0105512), usbdevfsIOCTL)
	assert.Equal(t, uint32(0x5514), usbdevfsReset)
}

// fakeDevice returns a Device whose ioctls go to fn.
func fakeDevice(t *testing.T, fn ioctlFunc) *Device {
	t.Helper()
	f, err := os.Create(filepath.Join(t.TempDir(), "node"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return &Device{f: f, ioctl: fn}
}

func TestRunPassesParamAndReadsDuration(t *testing.T) {
	var got usbtestParam
	var ifno int32
	d := fakeDevice(t, func(_ uintptr, req uint32, arg unsafe.Pointer) error {
		require.Equal(t, usbdevfsIOCTL, req)
		a := (*usbdevfsIoctl)(arg)
		require.Equal(t, int32(usbtestRequest), a.Code)
		ifno = a.Ifno
		p := (*usbtestParam)(a.Data)
		got = *p
		p.Duration = unix.Timeval{Sec: 1, Usec: 250000}
		return nil
	})

	res := d.Run(2, Param{Test: 5, Iterations: 3, Length: 512, Vary: 256, SGLen: 8})
	require.NoError(t, res.Err)
	assert.False(t, res.Skipped)
	assert.Equal(t, 1250*time.Millisecond, res.Duration)
	assert.Equal(t, int32(2), ifno)
	assert.Equal(t, usbtestParam{TestNum: 5, Iterations: 3, Length: 512, Vary: 256, SGLen: 8}, got)
}

func TestRunErrors(t *testing.T) {
	skip := fakeDevice(t, func(uintptr, uint32, unsafe.Pointer) error { return unix.EOPNOTSUPP })
	res := skip.Run(0, Param{Test: 14})
	assert.True(t, res.Skipped)
	assert.NoError(t, res.Err)
	assert.Equal(t, "SKIP", res.String())

	broken := fakeDevice(t, func(uintptr, uint32, unsafe.Pointer) error { return unix.EPIPE })
	res = broken.Run(0, Param{Test: 2})
	assert.False(t, res.Skipped)
	assert.ErrorIs(t, res.Err, unix.EPIPE)
	assert.Contains(t, res.String(), "test 2")
}

func TestReset(t *testing.T) {
	var req uint32
	arg := unsafe.Pointer(&req)
	d := fakeDevice(t, func(_ uintptr, r uint32, a unsafe.Pointer) error {
		req, arg = r, a
		return nil
	})
	require.NoError(t, d.Reset())
	assert.Equal(t, usbdevfsReset, req)
	assert.Nil(t, arg)

	failing := fakeDevice(t, func(uintptr, uint32, unsafe.Pointer) error { return unix.ENODEV })
	assert.ErrorIs(t, failing.Reset(), unix.ENODEV)
}
