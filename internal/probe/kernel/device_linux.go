package kernel

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// usbtestParam mirrors struct usbtest_param of the driver.
type usbtestParam struct {
	TestNum    uint32
	Iterations uint32
	Length     uint32
	Vary       uint32
	SGLen      uint32
	Duration   unix.Timeval
}

// usbdevfsIoctl mirrors struct usbdevfs_ioctl, which hands a driver ioctl
// to the driver bound to interface Ifno.
type usbdevfsIoctl struct {
	Ifno int32
	Code int32
	Data unsafe.Pointer
}

const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2
)

func ioc(dir, typ, nr, size uintptr) uint32 {
	return uint32(dir<<30 | size<<16 | typ<<8 | nr)
}

var (
	usbtestRequest = ioc(iocRead|iocWrite, 'U', 100, unsafe.Sizeof(usbtestParam{}))
	usbdevfsIOCTL  = ioc(iocRead|iocWrite, 'U', 18, unsafe.Sizeof(usbdevfsIoctl{}))
	usbdevfsReset  = ioc(iocNone, 'U', 20, 0)
)

type ioctlFunc func(fd uintptr, req uint32, arg unsafe.Pointer) error

func sysIoctl(fd uintptr, req uint32, arg unsafe.Pointer) error {
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(req), uintptr(arg)); errno != 0 {
		return errno
	}
	return nil
}

// Device is an open usbfs node.
type Device struct {
	f     *os.File
	ioctl ioctlFunc
}

// Open opens the usbfs node at path for ioctls.
func Open(path string) (*Device, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &Device{f: f, ioctl: sysIoctl}, nil
}

// Run asks the driver bound to interface iface to run one test and waits
// for it. EOPNOTSUPP means the driver skipped the test.
func (d *Device) Run(iface int, p Param) Result {
	param := usbtestParam{
		TestNum:    uint32(p.Test),
		Iterations: p.Iterations,
		Length:     p.Length,
		Vary:       p.Vary,
		SGLen:      p.SGLen,
	}
	arg := usbdevfsIoctl{Ifno: int32(iface), Code: int32(usbtestRequest), Data: unsafe.Pointer(&param)}
	err := d.ioctl(d.f.Fd(), usbdevfsIOCTL, unsafe.Pointer(&arg))
	runtime.KeepAlive(&param)

	res := Result{Param: p}
	switch {
	case errors.Is(err, unix.EOPNOTSUPP):
		res.Skipped = true
	case err != nil:
		res.Err = fmt.Errorf("test %d: %w", p.Test, err)
	default:
		res.Duration = time.Duration(param.Duration.Sec)*time.Second +
			time.Duration(param.Duration.Usec)*time.Microsecond
	}
	return res
}

// Reset issues a port reset. The kernel re-binds the drivers afterwards.
func (d *Device) Reset() error {
	if err := d.ioctl(d.f.Fd(), usbdevfsReset, nil); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	return nil
}

func (d *Device) Close() error { return d.f.Close() }
