package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/Alia5/usbtest/apiclient"
	"github.com/Alia5/usbtest/device"
	"github.com/Alia5/usbtest/device/usbtest"
	"github.com/Alia5/usbtest/internal/probe"
	"github.com/Alia5/usbtest/internal/probe/kernel"
	"github.com/Alia5/usbtest/internal/probe/libusb"
	"github.com/Alia5/usbtest/usbip"
)

var probeTests = []string{"status", "loopback", "sourcesink"}

// resetSettle is how long a kernel port reset is given to re-enumerate.
var resetSettle = time.Second

// Probe runs the host-side checks against a usbtest device.
type Probe struct {
	Link      string        `help:"How to reach the device: usbip imports it in process, libusb opens a device attached to this host, kernel runs the Linux usbtest driver tests on an attached device" enum:"usbip,libusb,kernel" default:"usbip" env:"USBTEST_PROBE_LINK"`
	Addr      string        `help:"USBIP server address" default:"localhost:3241" env:"USBTEST_PROBE_ADDR"`
	BusID     string        `name:"busid" help:"USBIP bus id of the device (e.g. 1-1); the first device matching --device is used when empty" env:"USBTEST_PROBE_BUSID"`
	Device    string        `help:"VID:PID of the device" default:"0525:a4a0" env:"USBTEST_PROBE_DEVICE"`
	Tests     []string      `help:"Tests to run (status, loopback, sourcesink); empty runs status and the test matching the device mode" sep:"," env:"USBTEST_PROBE_TESTS"`
	Step      int           `help:"Loopback length step" default:"1"`
	MaxLength int           `help:"Largest loopback length; keep it below the device buffer size" default:"1024"`
	Count     int           `help:"Number of source/sink transfers per direction" default:"64"`
	Size      int           `help:"Source/sink transfer size" default:"4096"`
	Timeout   time.Duration `help:"Timeout of a single transfer" default:"5s" env:"USBTEST_PROBE_TIMEOUT"`

	Iterations uint32 `help:"Iterations of each kernel test, or runs of each usbip/libusb test" default:"1"`
	Loop       bool   `help:"Repeat the whole run until interrupted or a run fails"`
	Reset      bool   `help:"Reset the device before testing: a port reset on attached devices, the API reset route over usbip"`

	KernelTests []int  `name:"kernel-tests" help:"Linux usbtest driver test numbers (kernel link); empty runs the default set" sep:","`
	Exclude     []int  `help:"Kernel test numbers to leave out" sep:","`
	Perf        bool   `help:"Run the kernel throughput tests 27 and 28 with 100 iterations of 32 entries of 32768 bytes"`
	Length      uint32 `help:"Kernel test transfer length" default:"512"`
	Vary        uint32 `help:"Kernel test length variation step" default:"256"`
	SGLen       uint32 `name:"sglen" help:"Kernel test scatter/gather entries" default:"1"`
	Interface   int    `help:"Interface the usbtest driver is bound to" default:"0"`
	DevRoot     string `help:"usbfs device directory" default:"/dev/bus/usb" hidden:""`

	Create            string `help:"Create a device in this mode (sourcesink or loopback) through the management API and remove it afterwards" env:"USBTEST_PROBE_CREATE"`
	ApiAddr           string `help:"Management API address, used with --create and --reset" default:"localhost:3242" env:"USBTEST_API_ADDR"`
	ApiPassword       string `help:"Management API password" env:"USBTEST_API_PASSWORD"`
	ApiPasswordPrompt bool   `help:"Read the management API password from the terminal"`
}

// Run is called by Kong when the probe command is executed.
func (p *Probe) Run(logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return p.run(ctx, logger)
}

func (p *Probe) run(ctx context.Context, logger *slog.Logger) error {
	for _, t := range p.Tests {
		if !slices.Contains(probeTests, t) {
			return fmt.Errorf("unknown test %q; expected one of %s", t, strings.Join(probeTests, ", "))
		}
	}
	if p.Iterations == 0 {
		return errors.New("--iterations must be at least 1")
	}
	vid, pid, err := parseVIDPID(p.Device)
	if err != nil {
		return err
	}
	if p.Create != "" && p.Link != "usbip" {
		return errors.New("--create needs the usbip link")
	}
	if p.Link == "kernel" {
		return p.runKernel(ctx, logger, vid, pid)
	}

	var created *createdDevice
	if p.Create != "" {
		if created, err = p.createDevice(ctx, logger); err != nil {
			return err
		}
		defer created.cleanup(logger)
		p.BusID = created.busID
	}

	link, err := p.open(ctx, logger, vid, pid)
	if err != nil {
		return err
	}
	defer link.Close()

	if p.Reset {
		if err := p.reset(ctx, logger, link, created); err != nil {
			return err
		}
	}

	r := probe.NewRunner(link, logger)
	r.Timeout = p.Timeout
	info, err := r.Setup(ctx)
	if err != nil {
		return err
	}

	tests := p.Tests
	if len(tests) == 0 {
		tests = []string{"status"}
		if info.Mode != "" {
			tests = append(tests, info.Mode)
		}
	}
	return p.repeat(ctx, logger, func() error { return p.runTests(ctx, logger, r, tests, info) })
}

// repeat runs round once, or with --loop until it fails or ctx ends.
func (p *Probe) repeat(ctx context.Context, logger *slog.Logger, round func() error) error {
	for n := 1; ; n++ {
		if err := round(); err != nil {
			if n > 1 {
				return fmt.Errorf("run %d: %w", n, err)
			}
			return err
		}
		if !p.Loop {
			return nil
		}
		if ctx.Err() != nil {
			logger.Info("loop stopped", "runs", n)
			return nil
		}
		logger.Debug("run done", "run", n)
	}
}

func (p *Probe) runTests(ctx context.Context, logger *slog.Logger, r *probe.Runner, tests []string, info probe.DeviceInfo) error {
	var failed []string
	for _, name := range tests {
		for range p.Iterations {
			reports, err := p.runTest(ctx, r, name, info)
			if err != nil {
				logger.Error("test failed", "test", name, "error", err)
				failed = append(failed, name)
				break
			}
			for _, rep := range reports {
				logger.Info("test passed",
					"test", rep.Test,
					"transfers", rep.Messages,
					"bytes", rep.Bytes,
					"elapsed", rep.Elapsed.Round(time.Microsecond),
					"rate", formatRate(rep.Throughput()))
			}
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("%d of %d tests failed: %s", len(failed), len(tests), strings.Join(failed, ", "))
	}
	return nil
}

func (p *Probe) runTest(ctx context.Context, r *probe.Runner, name string, info probe.DeviceInfo) ([]probe.Report, error) {
	if name != "status" && info.Mode != "" && name != info.Mode {
		return nil, fmt.Errorf("device is in %s mode", info.Mode)
	}
	switch name {
	case "status":
		rep, err := r.Status(ctx)
		return []probe.Report{rep}, err
	case "loopback":
		rep, err := r.Loopback(ctx, p.Step, p.MaxLength)
		return []probe.Report{rep}, err
	case "sourcesink":
		in, out, err := r.SourceSink(ctx, p.Count, p.Size)
		return []probe.Report{in, out}, err
	}
	return nil, fmt.Errorf("unknown test %q", name)
}

func (p *Probe) kernelPlan() kernel.Plan {
	return kernel.Plan{
		Tests:      p.KernelTests,
		Exclude:    p.Exclude,
		Perf:       p.Perf,
		Iterations: p.Iterations,
		Length:     p.Length,
		Vary:       p.Vary,
		SGLen:      p.SGLen,
	}
}

// kernelDevice is the part of kernel.Device the kernel runs use.
type kernelDevice interface {
	Run(iface int, p kernel.Param) kernel.Result
	Reset() error
	Close() error
}

var openKernelDevice = func(path string) (kernelDevice, error) { return kernel.Open(path) }

// runKernel hands each selected test to the usbtest driver bound to the
// attached device.
func (p *Probe) runKernel(ctx context.Context, logger *slog.Logger, vid, pid uint16) error {
	params := p.kernelPlan().Params()
	if len(params) == 0 {
		return errors.New("no kernel tests selected")
	}
	path, err := kernel.Find(p.DevRoot, vid, pid)
	if err != nil {
		return err
	}
	dev, err := openKernelDevice(path)
	if err != nil {
		return err
	}
	defer dev.Close()
	logger.Info("opened attached device", "path", path)

	if p.Reset {
		if err := dev.Reset(); err != nil {
			return err
		}
		logger.Info("device reset")
		select {
		case <-time.After(resetSettle):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return p.repeat(ctx, logger, func() error {
		var failed []string
		for _, prm := range params {
			if err := ctx.Err(); err != nil {
				return err
			}
			res := dev.Run(p.Interface, prm)
			switch {
			case res.Err != nil:
				logger.Error("kernel test failed", "test", prm.String(), "error", res.Err)
				failed = append(failed, strconv.Itoa(prm.Test))
			case res.Skipped:
				logger.Info("kernel test skipped", "test", prm.String())
			default:
				logger.Info("kernel test passed", "test", prm.String(), "result", res.String())
			}
		}
		if len(failed) > 0 {
			return fmt.Errorf("%d of %d kernel tests failed: %s", len(failed), len(params), strings.Join(failed, ", "))
		}
		return nil
	})
}

// reset resets the device before the tests. Attached devices get a port
// reset; imported ones are reset through the management API.
func (p *Probe) reset(ctx context.Context, logger *slog.Logger, link probe.Link, created *createdDevice) error {
	if r, ok := link.(interface{ Reset() error }); ok {
		if err := r.Reset(); err != nil {
			return err
		}
		logger.Info("device reset")
		return nil
	}

	var (
		client *apiclient.Client
		bus    uint32
		devID  string
		err    error
	)
	if created != nil {
		client, bus, devID = created.client, created.bus, created.devID
	} else {
		if bus, devID, err = splitBusID(p.BusID); err != nil {
			return fmt.Errorf("--reset: %w", err)
		}
		if client, err = p.apiClient(); err != nil {
			return err
		}
	}
	if _, err := client.DeviceResetCtx(ctx, bus, devID); err != nil {
		return fmt.Errorf("reset device %d-%s: %w", bus, devID, err)
	}
	logger.Info("device reset", "busid", fmt.Sprintf("%d-%s", bus, devID))
	return nil
}

// splitBusID splits a USBIP bus id into the API bus number and device id.
func splitBusID(busID string) (uint32, string, error) {
	b, d, ok := strings.Cut(busID, "-")
	if !ok || d == "" {
		return 0, "", fmt.Errorf("invalid bus id %q, expected BUS-DEV", busID)
	}
	bus, err := strconv.ParseUint(b, 10, 32)
	if err != nil {
		return 0, "", fmt.Errorf("invalid bus id %q: %w", busID, err)
	}
	return uint32(bus), d, nil
}

func (p *Probe) open(ctx context.Context, logger *slog.Logger, vid, pid uint16) (probe.Link, error) {
	if p.Link == "libusb" {
		logger.Info("opening attached device", "device", fmt.Sprintf("%04x:%04x", vid, pid))
		return libusb.Open(vid, pid)
	}

	if p.BusID == "" {
		found, err := findBusID(ctx, p.Addr, vid, pid)
		if err != nil {
			return nil, err
		}
		p.BusID = found
	}
	logger.Info("importing device", "addr", p.Addr, "busid", p.BusID)
	return probe.DialUSBIP(ctx, p.Addr, p.BusID)
}

// findBusID returns the bus id of the first exported device with the ids.
func findBusID(ctx context.Context, addr string, vid, pid uint16) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	devs, err := usbip.NewClient(addr).ListDevices(ctx)
	if err != nil {
		return "", fmt.Errorf("list devices on %s: %w", addr, err)
	}
	for _, d := range devs {
		if d.IDVendor == vid && d.IDProduct == pid {
			return d.BusIDString(), nil
		}
	}
	return "", fmt.Errorf("no device %04x:%04x exported by %s", vid, pid, addr)
}

type createdDevice struct {
	client *apiclient.Client
	stream *apiclient.DeviceStream
	bus    uint32
	devID  string
	busID  string
}

func (p *Probe) createDevice(ctx context.Context, logger *slog.Logger) (*createdDevice, error) {
	mode, err := usbtest.ParseMode(p.Create)
	if err != nil {
		return nil, err
	}
	client, err := p.apiClient()
	if err != nil {
		return nil, err
	}

	bus, err := client.BusCreateCtx(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("create bus: %w", err)
	}
	modeName := mode.String()
	stream, dev, err := client.AddDeviceAndConnect(ctx, bus.BusID, "usbtest", &device.CreateOptions{Mode: &modeName})
	if err != nil {
		_, _ = client.BusRemoveCtx(context.Background(), bus.BusID)
		return nil, fmt.Errorf("create device: %w", err)
	}
	c := &createdDevice{
		client: client,
		stream: stream,
		bus:    bus.BusID,
		devID:  dev.DevId,
		busID:  fmt.Sprintf("%d-%s", bus.BusID, dev.DevId),
	}
	logger.Info("created device", "busid", c.busID, "mode", modeName)
	return c, nil
}

// cleanup logs the final device statistics and removes the device and its
// bus again.
func (c *createdDevice) cleanup(logger *slog.Logger) {
	if err := c.stream.RequestStats(); err == nil {
		_ = c.stream.SetReadDeadline(time.Now().Add(time.Second))
		if st, err := c.stream.NextStats(); err == nil {
			logger.Info("device stats",
				"completions", st.Completions,
				"failures", st.Failures,
				"bytesIn", st.BytesIn,
				"bytesOut", st.BytesOut)
		}
	}
	_ = c.stream.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := c.client.DeviceRemoveCtx(ctx, c.bus, c.devID); err != nil {
		logger.Warn("remove device", "busid", c.busID, "error", err)
	}
	if _, err := c.client.BusRemoveCtx(ctx, c.bus); err != nil {
		logger.Warn("remove bus", "bus", c.bus, "error", err)
	}
}

func (p *Probe) apiClient() (*apiclient.Client, error) {
	password := p.ApiPassword
	if p.ApiPasswordPrompt {
		var err error
		if password, err = readPassword(os.Stdin, os.Stderr); err != nil {
			return nil, err
		}
	}
	if password != "" {
		return apiclient.NewWithPassword(p.ApiAddr, password), nil
	}
	return apiclient.New(p.ApiAddr), nil
}

func readPassword(in *os.File, prompt io.Writer) (string, error) {
	fd := int(in.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("--api-password-prompt needs a terminal")
	}
	fmt.Fprint(prompt, "API password: ")
	pwd, err := term.ReadPassword(fd)
	fmt.Fprintln(prompt)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimSpace(string(pwd)), nil
}

func parseVIDPID(s string) (vid, pid uint16, err error) {
	v, p, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, fmt.Errorf("invalid device %q, expected VID:PID", s)
	}
	vv, err := strconv.ParseUint(strings.TrimPrefix(v, "0x"), 16, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid vendor id %q: %w", v, err)
	}
	pp, err := strconv.ParseUint(strings.TrimPrefix(p, "0x"), 16, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid product id %q: %w", p, err)
	}
	return uint16(vv), uint16(pp), nil
}

func formatRate(bps float64) string {
	switch {
	case bps >= 1<<20:
		return fmt.Sprintf("%.2f MiB/s", bps/(1<<20))
	case bps >= 1<<10:
		return fmt.Sprintf("%.2f KiB/s", bps/(1<<10))
	}
	return fmt.Sprintf("%.0f B/s", bps)
}
