package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alia5/usbtest/apiclient"
	"github.com/Alia5/usbtest/device"
	"github.com/Alia5/usbtest/internal/log"
	"github.com/Alia5/usbtest/internal/probe/kernel"
	"github.com/Alia5/usbtest/internal/server/api"
	"github.com/Alia5/usbtest/internal/server/usb"
	pusb "github.com/Alia5/usbtest/usb"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// startServer runs the server command on loopback ports until the test ends.
func startServer(t *testing.T) (*usb.Server, *api.Server) {
	t.Helper()
	s := &Server{
		UsbServerConfig: usb.ServerConfig{Addr: "127.0.0.1:0"},
		ApiServerConfig: api.ServerConfig{
			Addr:                        "127.0.0.1:0",
			DeviceHandlerConnectTimeout: 5 * time.Second,
		},
		ConnectionTimeout: 5 * time.Second,
		KeyFile:           filepath.Join(t.TempDir(), keyFileName),
	}

	type servers struct {
		usb *usb.Server
		api *api.Server
	}
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan servers, 1)
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Serve(ctx, slog.Default(), log.NewRaw(nil), func(u *usb.Server, a *api.Server) {
			started <- servers{usb: u, api: a}
		})
	}()

	select {
	case sv := <-started:
		t.Cleanup(func() {
			cancel()
			<-errCh
		})
		return sv.usb, sv.api
	case err := <-errCh:
		cancel()
		t.Fatalf("server exited: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("server did not start")
	}
	return nil, nil
}

func testProbe(u *usb.Server, a *api.Server) *Probe {
	return &Probe{
		Link:       "usbip",
		Addr:       u.Addr(),
		Device:     "0525:a4a0",
		Step:       16,
		MaxLength:  256,
		Count:      4,
		Size:       1024,
		Timeout:    2 * time.Second,
		Iterations: 1,
		ApiAddr:    a.Addr(),
	}
}

func TestProbeCreatesAndRemovesDevice(t *testing.T) {
	for _, mode := range []string{"loopback", "sourcesink"} {
		t.Run(mode, func(t *testing.T) {
			u, a := startServer(t)
			p := testProbe(u, a)
			p.Create = mode

			require.NoError(t, p.run(context.Background(), slog.Default()))
			assert.Empty(t, u.ListBuses())
		})
	}
}

func TestProbeFindsExportedDevice(t *testing.T) {
	u, a := startServer(t)
	ctx := context.Background()

	client := apiclient.New(a.Addr())
	bus, err := client.BusCreateCtx(ctx, 0)
	require.NoError(t, err)
	mode := "loopback"
	stream, _, err := client.AddDeviceAndConnect(ctx, bus.BusID, "usbtest", &device.CreateOptions{Mode: &mode})
	require.NoError(t, err)
	defer stream.Close()

	p := testProbe(u, a)
	p.Tests = []string{"status", "loopback"}
	require.NoError(t, p.run(ctx, slog.Default()))

	st, err := client.DeviceStatsCtx(ctx, bus.BusID, "1")
	require.NoError(t, err)
	assert.Equal(t, "loopback", st.Stats.Mode)
	assert.NotZero(t, st.Stats.Completions)
	assert.NotZero(t, st.Stats.BytesOut)
}

func TestProbeReportsFailedTests(t *testing.T) {
	u, a := startServer(t)
	p := testProbe(u, a)
	p.Create = "sourcesink"
	p.Tests = []string{"loopback"}

	err := p.run(context.Background(), slog.Default())
	assert.ErrorContains(t, err, "1 of 1 tests failed: loopback")
	assert.Empty(t, u.ListBuses())
}

func TestProbeArguments(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(p *Probe)
		wantErr string
	}{
		{name: "unknown test", mutate: func(p *Probe) { p.Tests = []string{"iso"} }, wantErr: `unknown test "iso"`},
		{name: "bad device", mutate: func(p *Probe) { p.Device = "0525" }, wantErr: "expected VID:PID"},
		{name: "create over libusb", mutate: func(p *Probe) { p.Link = "libusb"; p.Create = "loopback" }, wantErr: "--create needs the usbip link"},
		{name: "no device", mutate: func(p *Probe) { p.Device = "1234:5678" }, wantErr: "no device 1234:5678"},
		{name: "zero iterations", mutate: func(p *Probe) { p.Iterations = 0 }, wantErr: "--iterations must be at least 1"},
		{name: "create over kernel", mutate: func(p *Probe) { p.Link = "kernel"; p.Create = "sourcesink" }, wantErr: "--create needs the usbip link"},
		{name: "no kernel tests", mutate: func(p *Probe) { p.Link = "kernel"; p.KernelTests = []int{5}; p.Exclude = []int{5} }, wantErr: "no kernel tests selected"},
		{name: "reset with bad bus id", mutate: func(p *Probe) { p.BusID = "7"; p.Reset = true }, wantErr: "expected BUS-DEV"},
	}
	u, a := startServer(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := testProbe(u, a)
			tt.mutate(p)
			assert.ErrorContains(t, p.run(context.Background(), slog.Default()), tt.wantErr)
		})
	}
}

func TestProbeRepeatsTests(t *testing.T) {
	u, a := startServer(t)
	var logs syncBuffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	p := testProbe(u, a)
	p.Create = "loopback"
	p.Tests = []string{"status"}
	p.Iterations = 3

	require.NoError(t, p.run(context.Background(), logger))
	assert.Equal(t, 3, strings.Count(logs.String(), "test passed"))
}

func TestProbeResetThroughAPI(t *testing.T) {
	u, a := startServer(t)
	ctx := context.Background()

	client := apiclient.New(a.Addr())
	bus, err := client.BusCreateCtx(ctx, 0)
	require.NoError(t, err)
	mode := "sourcesink"
	stream, _, err := client.AddDeviceAndConnect(ctx, bus.BusID, "usbtest", &device.CreateOptions{Mode: &mode})
	require.NoError(t, err)
	defer stream.Close()

	var logs syncBuffer
	p := testProbe(u, a)
	p.Reset = true
	require.NoError(t, p.run(ctx, slog.New(slog.NewTextHandler(&logs, nil))))
	assert.Contains(t, logs.String(), fmt.Sprintf("msg=\"device reset\" busid=%d-1", bus.BusID))
	assert.Contains(t, logs.String(), "test=source ")
}

func TestProbeRepeat(t *testing.T) {
	p := &Probe{}
	runs := 0
	require.NoError(t, p.repeat(context.Background(), slog.Default(), func() error { runs++; return nil }))
	assert.Equal(t, 1, runs)

	p.Loop = true
	ctx, cancel := context.WithCancel(context.Background())
	runs = 0
	require.NoError(t, p.repeat(ctx, slog.Default(), func() error {
		runs++
		if runs == 3 {
			cancel()
		}
		return nil
	}))
	assert.Equal(t, 3, runs)

	runs = 0
	err := p.repeat(context.Background(), slog.Default(), func() error {
		runs++
		if runs == 2 {
			return errors.New("boom")
		}
		return nil
	})
	assert.EqualError(t, err, "run 2: boom")
}

// fakeKernelDevice answers driver tests from a table of outcomes.
type fakeKernelDevice struct {
	ran    []kernel.Param
	resets int
	closed bool
	skip   map[int]bool
	fail   map[int]error
}

func (f *fakeKernelDevice) Run(iface int, p kernel.Param) kernel.Result {
	f.ran = append(f.ran, p)
	switch {
	case f.fail[p.Test] != nil:
		return kernel.Result{Param: p, Err: f.fail[p.Test]}
	case f.skip[p.Test]:
		return kernel.Result{Param: p, Skipped: true}
	}
	return kernel.Result{Param: p, Duration: time.Millisecond}
}

func (f *fakeKernelDevice) Reset() error { f.resets++; return nil }
func (f *fakeKernelDevice) Close() error { f.closed = true; return nil }

func kernelProbe(t *testing.T, dev *fakeKernelDevice) *Probe {
	t.Helper()
	root := t.TempDir()
	node := filepath.Join(root, "002", "003")
	require.NoError(t, os.MkdirAll(filepath.Dir(node), 0o755))
	desc := pusb.Descriptor{Device: pusb.DeviceDescriptor{IDVendor: 0x0525, IDProduct: 0xa4a0}}
	require.NoError(t, os.WriteFile(node, desc.Bytes(), 0o644))

	orig, settle := openKernelDevice, resetSettle
	openKernelDevice = func(path string) (kernelDevice, error) {
		assert.Equal(t, node, path)
		return dev, nil
	}
	resetSettle = 0
	t.Cleanup(func() { openKernelDevice, resetSettle = orig, settle })

	return &Probe{Link: "kernel", Device: "0525:a4a0", DevRoot: root, Iterations: 1, Length: 512, Vary: 256, SGLen: 1}
}

func TestProbeKernelTests(t *testing.T) {
	dev := &fakeKernelDevice{skip: map[int]bool{10: true}, fail: map[int]error{2: errors.New("broken pipe")}}
	p := kernelProbe(t, dev)
	p.KernelTests = []int{10, 2, 1}
	p.Reset = true

	var logs syncBuffer
	err := p.run(context.Background(), slog.New(slog.NewTextHandler(&logs, nil)))
	assert.EqualError(t, err, "1 of 3 kernel tests failed: 2")
	assert.Equal(t, 1, dev.resets)
	assert.True(t, dev.closed)
	require.Len(t, dev.ran, 3)
	assert.Equal(t, kernel.Param{Test: 1, Iterations: 1, Length: 512, Vary: 256, SGLen: 1}, dev.ran[0])
	assert.Contains(t, logs.String(), "kernel test skipped")
	assert.Contains(t, logs.String(), "result=\"1.000 ms\"")
}

func TestProbeKernelPerf(t *testing.T) {
	dev := &fakeKernelDevice{}
	p := kernelProbe(t, dev)
	p.Perf = true
	p.KernelTests = []int{1, 2}

	require.NoError(t, p.run(context.Background(), slog.Default()))
	require.Len(t, dev.ran, 2)
	for i, want := range []int{27, 28} {
		assert.Equal(t, kernel.Param{Test: want, Iterations: 100, Length: 32768, Vary: 256, SGLen: 32}, dev.ran[i])
	}
	assert.Zero(t, dev.resets)
}

func TestSplitBusID(t *testing.T) {
	bus, dev, err := splitBusID("12-3")
	require.NoError(t, err)
	assert.Equal(t, uint32(12), bus)
	assert.Equal(t, "3", dev)

	for _, bad := range []string{"", "12", "12-", "x-1"} {
		_, _, err := splitBusID(bad)
		assert.Error(t, err, bad)
	}
}

func TestParseVIDPID(t *testing.T) {
	vid, pid, err := parseVIDPID("0525:a4a0")
	require.NoError(t, err)
	assert.EqualValues(t, 0x0525, vid)
	assert.EqualValues(t, 0xa4a0, pid)

	vid, pid, err = parseVIDPID("0x1d6b:0x0104")
	require.NoError(t, err)
	assert.EqualValues(t, 0x1d6b, vid)
	assert.EqualValues(t, 0x0104, pid)

	for _, bad := range []string{"", "0525", "zz:0001", "0525:10000"} {
		_, _, err := parseVIDPID(bad)
		assert.Error(t, err, bad)
	}
}

func TestFormatRate(t *testing.T) {
	assert.Equal(t, "512 B/s", formatRate(512))
	assert.Equal(t, "2.00 KiB/s", formatRate(2048))
	assert.Equal(t, "1.50 MiB/s", formatRate(1.5*(1<<20)))
}
