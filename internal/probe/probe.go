// Package probe drives a Gadget Zero device from the host side: it reads the
// descriptors, selects the configuration and runs the usbtest style status,
// loopback and source/sink checks over a Link.
package probe

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Alia5/usbtest/internal/log"
	"github.com/Alia5/usbtest/usb"
)

var (
	ErrStall      = errors.New("probe: endpoint stalled")
	ErrMismatch   = errors.New("probe: data mismatch")
	ErrNoBulkPair = errors.New("probe: device has no bulk IN/OUT pair")
	ErrShortRead  = errors.New("probe: short read")
)

// Link carries transfers to one device. Implementations map a protocol
// stall to ErrStall.
type Link interface {
	// Control runs a control transfer. For IN requests data receives the
	// response; for OUT requests it is the data stage.
	Control(ctx context.Context, setup usb.SetupPacket, data []byte) (int, error)
	SetConfiguration(ctx context.Context, value uint8) error
	Write(ctx context.Context, ep uint8, data []byte) (int, error)
	Read(ctx context.Context, ep uint8, buf []byte) (int, error)
	Close() error
}

// DeviceInfo is what Setup learned about the device.
type DeviceInfo struct {
	VendorID      uint16 `json:"idVendor"`
	ProductID     uint16 `json:"idProduct"`
	Product       string `json:"product"`
	Configuration string `json:"configuration"`
	Mode          string `json:"mode"`
	In            uint8  `json:"in"`
	Out           uint8  `json:"out"`
	MaxPacket     uint16 `json:"maxPacket"`
}

// Report is the outcome of one test.
type Report struct {
	Test     string        `json:"test"`
	Bytes    int64         `json:"bytes"`
	Elapsed  time.Duration `json:"elapsed"`
	Messages int           `json:"messages"`
}

// Throughput returns the transfer rate in bytes per second.
func (r Report) Throughput() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Bytes) / r.Elapsed.Seconds()
}

// Runner runs the checks against a configured device.
type Runner struct {
	link   Link
	logger *slog.Logger
	info   DeviceInfo

	// Timeout bounds each single transfer. Zero means no bound.
	Timeout time.Duration
}

// NewRunner returns a runner over link.
func NewRunner(link Link, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{link: link, logger: logger, Timeout: 5 * time.Second}
}

// Info returns the device information gathered by Setup.
func (r *Runner) Info() DeviceInfo { return r.info }

// Setup reads the device and configuration descriptors, locates the bulk
// endpoint pair and selects the configuration.
func (r *Runner) Setup(ctx context.Context) (DeviceInfo, error) {
	buf := make([]byte, usb.DeviceDescLen)
	n, err := r.control(ctx, getDescriptor(usb.DeviceDescType, 0, 0, usb.DeviceDescLen), buf)
	if err != nil {
		return DeviceInfo{}, fmt.Errorf("device descriptor: %w", err)
	}
	dev, err := usb.ParseDeviceDescriptor(buf[:n])
	if err != nil {
		return DeviceInfo{}, fmt.Errorf("device descriptor: %w", err)
	}

	head := make([]byte, usb.ConfigDescLen)
	if n, err = r.control(ctx, getDescriptor(usb.ConfigDescType, 0, 0, usb.ConfigDescLen), head); err != nil {
		return DeviceInfo{}, fmt.Errorf("config descriptor: %w", err)
	}
	cfg, err := usb.ParseConfigHeader(head[:n])
	if err != nil {
		return DeviceInfo{}, fmt.Errorf("config descriptor: %w", err)
	}
	full := make([]byte, cfg.WTotalLength)
	if n, err = r.control(ctx, getDescriptor(usb.ConfigDescType, 0, 0, cfg.WTotalLength), full); err != nil {
		return DeviceInfo{}, fmt.Errorf("config descriptor: %w", err)
	}

	info := DeviceInfo{VendorID: dev.IDVendor, ProductID: dev.IDProduct}
	eps, err := usb.FindEndpoints(full[:n], 2)
	if err != nil {
		return DeviceInfo{}, fmt.Errorf("%w: %w", ErrNoBulkPair, err)
	}
	for _, ep := range eps {
		if ep.TransferType() != usb.TransferTypeBulk {
			return DeviceInfo{}, fmt.Errorf("%w: endpoint 0x%02x", ErrNoBulkPair, ep.BEndpointAddress)
		}
		if ep.IsIn() {
			info.In = ep.BEndpointAddress
		} else {
			info.Out = ep.BEndpointAddress
		}
		info.MaxPacket = ep.WMaxPacketSize
	}
	if info.In == 0 || info.Out == 0 {
		return DeviceInfo{}, ErrNoBulkPair
	}

	info.Product, _ = r.str(ctx, dev.IProduct)
	info.Configuration, _ = r.str(ctx, cfg.IConfiguration)
	info.Mode = modeOf(info.Configuration)

	if err := r.link.SetConfiguration(ctx, cfg.BConfigurationValue); err != nil {
		return DeviceInfo{}, fmt.Errorf("set configuration %d: %w", cfg.BConfigurationValue, err)
	}
	r.info = info
	r.logger.Info("device configured",
		"vid", fmt.Sprintf("%04x", info.VendorID),
		"pid", fmt.Sprintf("%04x", info.ProductID),
		"mode", info.Mode,
		"in", fmt.Sprintf("0x%02x", info.In),
		"out", fmt.Sprintf("0x%02x", info.Out))
	return info, nil
}

func modeOf(config string) string {
	switch {
	case strings.Contains(config, "loop"):
		return "loopback"
	case strings.Contains(config, "source"):
		return "sourcesink"
	}
	return ""
}

func (r *Runner) str(ctx context.Context, index uint8) (string, error) {
	if index == 0 {
		return "", nil
	}
	buf := make([]byte, 255)
	n, err := r.control(ctx, usb.SetupPacket{
		RequestType: usb.RequestDirIn | usb.RequestTypeStandard | usb.RecipientDevice,
		Request:     usb.RequestGetDescriptor,
		Value:       uint16(usb.StringDescType)<<8 | uint16(index),
		Index:       usb.LangIDEnglishUS,
		Length:      uint16(len(buf)),
	}, buf)
	if err != nil {
		return "", err
	}
	return usb.DecodeStringDescriptor(buf[:n])
}

func getDescriptor(typ, index uint8, lang, length uint16) usb.SetupPacket {
	return usb.SetupPacket{
		RequestType: usb.RequestDirIn | usb.RequestTypeStandard | usb.RecipientDevice,
		Request:     usb.RequestGetDescriptor,
		Value:       uint16(typ)<<8 | uint16(index),
		Index:       lang,
		Length:      length,
	}
}

// Status checks GET_STATUS on the interface, which must answer two zero
// bytes, and on the bulk IN endpoint, which must not report a halt. The
// same request to an endpoint the device does not have must stall.
func (r *Runner) Status(ctx context.Context) (Report, error) {
	start := time.Now()
	rep := Report{Test: "status"}

	buf := make([]byte, 2)
	n, err := r.control(ctx, getStatus(usb.RecipientInterface, 0), buf)
	if err != nil {
		return rep, fmt.Errorf("interface status: %w", err)
	}
	if n != 2 || buf[0] != 0 || buf[1] != 0 {
		return rep, fmt.Errorf("%w: interface status % x", ErrMismatch, buf[:n])
	}
	rep.Messages++

	n, err = r.control(ctx, getStatus(usb.RecipientEndpoint, uint16(r.info.In)), buf)
	if err != nil {
		return rep, fmt.Errorf("endpoint 0x%02x status: %w", r.info.In, err)
	}
	if n != 2 || buf[0]&0x01 != 0 {
		return rep, fmt.Errorf("%w: endpoint 0x%02x status % x", ErrMismatch, r.info.In, buf[:n])
	}
	rep.Messages++

	if _, err := r.control(ctx, getStatus(usb.RecipientEndpoint, unusedEndpoint), buf); !errors.Is(err, ErrStall) {
		return rep, fmt.Errorf("endpoint 0x%02x status: want stall, got %v", unusedEndpoint, err)
	}
	rep.Messages++
	rep.Elapsed = time.Since(start)
	return rep, nil
}

const unusedEndpoint = 0x8f

func getStatus(recipient uint8, index uint16) usb.SetupPacket {
	return usb.SetupPacket{
		RequestType: usb.RequestDirIn | usb.RequestTypeStandard | recipient,
		Request:     usb.RequestGetStatus,
		Index:       index,
		Length:      2,
	}
}

// Loopback writes random payloads of step, 2*step, ... up to maxLen bytes
// and reads each one back. Lengths that are a multiple of the endpoint
// packet size are followed by a zero length packet so the device sees the
// end of the transfer. maxLen must stay below the device buffer size.
func (r *Runner) Loopback(ctx context.Context, step, maxLen int) (Report, error) {
	if step <= 0 || maxLen < step {
		return Report{}, fmt.Errorf("invalid length range %d..%d", step, maxLen)
	}
	rep := Report{Test: "loopback"}
	start := time.Now()
	back := make([]byte, maxLen)
	for n := step; n <= maxLen; n += step {
		data := make([]byte, n)
		if _, err := rand.Read(data); err != nil {
			return rep, err
		}
		if err := r.writeAll(ctx, data); err != nil {
			return rep, fmt.Errorf("write %d bytes: %w", n, err)
		}
		got, err := r.readFull(ctx, back[:n])
		if err != nil {
			return rep, fmt.Errorf("read %d bytes: %w", n, err)
		}
		if !bytes.Equal(data, back[:got]) {
			return rep, fmt.Errorf("%w: length %d", ErrMismatch, n)
		}
		rep.Bytes += int64(n)
		rep.Messages++
		log.Trace(r.logger, "loopback echo", "len", n)
	}
	rep.Elapsed = time.Since(start)
	return rep, nil
}

// SourceSink reads count transfers of size bytes from the source and writes
// count transfers of size bytes into the sink.
func (r *Runner) SourceSink(ctx context.Context, count, size int) (in, out Report, err error) {
	if count <= 0 || size <= 0 {
		return in, out, fmt.Errorf("invalid count %d or size %d", count, size)
	}
	in = Report{Test: "source"}
	buf := make([]byte, size)
	start := time.Now()
	for range count {
		n, err := r.readFull(ctx, buf)
		if err != nil {
			return in, out, fmt.Errorf("source: %w", err)
		}
		in.Bytes += int64(n)
		in.Messages++
	}
	in.Elapsed = time.Since(start)

	out = Report{Test: "sink"}
	if _, err := rand.Read(buf); err != nil {
		return in, out, err
	}
	start = time.Now()
	for range count {
		if err := r.writeAll(ctx, buf); err != nil {
			return in, out, fmt.Errorf("sink: %w", err)
		}
		out.Bytes += int64(size)
		out.Messages++
	}
	out.Elapsed = time.Since(start)
	return in, out, nil
}

func (r *Runner) writeAll(ctx context.Context, data []byte) error {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	n, err := r.link.Write(ctx, r.info.Out, data)
	if err != nil {
		return err
	}
	if n != len(data) {
		return fmt.Errorf("wrote %d of %d bytes", n, len(data))
	}
	if r.info.MaxPacket > 0 && len(data)%int(r.info.MaxPacket) == 0 {
		if _, err := r.link.Write(ctx, r.info.Out, nil); err != nil {
			return fmt.Errorf("zero length packet: %w", err)
		}
	}
	return nil
}

// readFull reads until buf is full. A device may hand out the data in
// several shorter transfers.
func (r *Runner) readFull(ctx context.Context, buf []byte) (int, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	got := 0
	for got < len(buf) {
		n, err := r.link.Read(ctx, r.info.In, buf[got:])
		if err != nil {
			return got, err
		}
		if n == 0 {
			return got, fmt.Errorf("%w: %d of %d bytes", ErrShortRead, got, len(buf))
		}
		got += n
	}
	return got, nil
}

func (r *Runner) control(ctx context.Context, setup usb.SetupPacket, data []byte) (int, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	return r.link.Control(ctx, setup, data)
}

func (r *Runner) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.Timeout)
}
