// Package kernel runs the numbered tests of the Linux usbtest driver against
// a Gadget Zero device that is attached to this host and bound to it.
package kernel

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/Alia5/usbtest/usb"
)

// DevRoot is where usbfs exposes the device nodes.
const DevRoot = "/dev/bus/usb"

var (
	ErrNotFound    = errors.New("kernel: device not found")
	ErrUnsupported = errors.New("kernel: usbtest ioctls need Linux")
)

// DefaultTests are the driver tests Gadget Zero is expected to pass.
var DefaultTests = []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 17, 18, 20, 21, 28}

// PerfTests are the bulk write and read throughput tests.
var PerfTests = []int{27, 28}

// Param is one request to the driver.
type Param struct {
	Test       int
	Iterations uint32
	Length     uint32
	Vary       uint32
	SGLen      uint32
}

func (p Param) String() string {
	return fmt.Sprintf("#%d iterations=%d length=%d vary=%d sglen=%d", p.Test, p.Iterations, p.Length, p.Vary, p.SGLen)
}

// Plan selects the tests of one run and the case arguments shared by all of
// them.
type Plan struct {
	Tests   []int
	Exclude []int
	// Perf replaces the selection with PerfTests, 100 iterations of 32
	// entries of 32768 bytes.
	Perf       bool
	Iterations uint32
	Length     uint32
	Vary       uint32
	SGLen      uint32
}

// Params returns one request per selected test in ascending test order.
// An empty Tests means DefaultTests.
func (p Plan) Params() []Param {
	tests := p.Tests
	if len(tests) == 0 {
		tests = DefaultTests
	}
	if p.Perf {
		tests = PerfTests
		p.Iterations, p.Length, p.SGLen = 100, 32768, 32
	}
	tests = slices.Clone(tests)
	tests = slices.DeleteFunc(tests, func(t int) bool { return slices.Contains(p.Exclude, t) })
	slices.Sort(tests)
	tests = slices.Compact(tests)

	params := make([]Param, 0, len(tests))
	for _, t := range tests {
		params = append(params, Param{
			Test:       t,
			Iterations: max(p.Iterations, 1),
			Length:     p.Length,
			Vary:       p.Vary,
			SGLen:      max(p.SGLen, 1),
		})
	}
	return params
}

// Result is the outcome of one driver test.
type Result struct {
	Param    Param
	Duration time.Duration
	// Skipped is set when the driver does not implement the test for this
	// device.
	Skipped bool
	Err     error
}

// Throughput returns bytes per second for the throughput tests and zero for
// every other test.
func (r Result) Throughput() float64 {
	if !slices.Contains(PerfTests, r.Param.Test) || r.Duration <= 0 {
		return 0
	}
	total := float64(r.Param.Iterations) * float64(r.Param.Length) * float64(r.Param.SGLen)
	return total / r.Duration.Seconds()
}

func (r Result) String() string {
	switch {
	case r.Err != nil:
		return r.Err.Error()
	case r.Skipped:
		return "SKIP"
	}
	ms := float64(r.Duration) / float64(time.Millisecond)
	s := fmt.Sprintf("%.6f secs", ms/1000)
	if ms < 1000 {
		s = fmt.Sprintf("%.3f ms", ms)
	}
	if bps := r.Throughput(); bps > 0 {
		switch {
		case bps < 1024:
			s += fmt.Sprintf(" - %.0f bytes/s", bps)
		case bps < 1024*1024:
			s += fmt.Sprintf(" - %.1f kB/s", bps/1024)
		default:
			s += fmt.Sprintf(" - %.1f MB/s", bps/1024/1024)
		}
	}
	return s
}

// Find returns the usbfs node under root of the first device with the ids.
// Nodes that cannot be read are skipped.
func Find(root string, vid, pid uint16) (string, error) {
	var found string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		desc, err := readDeviceDescriptor(path)
		if err != nil {
			return nil
		}
		if desc.IDVendor == vid && desc.IDProduct == pid {
			found = path
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("scan %s: %w", root, err)
	}
	if found == "" {
		return "", fmt.Errorf("%w: %04x:%04x under %s", ErrNotFound, vid, pid, root)
	}
	return found, nil
}

func readDeviceDescriptor(path string) (usb.DeviceDescriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		return usb.DeviceDescriptor{}, err
	}
	defer f.Close()
	buf := make([]byte, usb.DeviceDescLen)
	if _, err := io.ReadFull(f, buf); err != nil {
		return usb.DeviceDescriptor{}, err
	}
	return usb.ParseDeviceDescriptor(buf)
}
