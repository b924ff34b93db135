//go:build windows

package api

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/Alia5/usbtest/usbip"
)

const usbipWin2Hint = "install usbip-win2 from https://github.com/vadimgrn/usbip-win2"

// Interface class of the usbip-win2 control device.
var usbipWin2Class = windows.GUID{
	Data1: 0xB4030C06,
	Data2: 0xDC5F,
	Data3: 0x4FCC,
	Data4: [8]byte{0x87, 0xEB, 0xE5, 0x51, 0x5A, 0x09, 0x35, 0xC0},
}

var (
	setupapi           = windows.NewLazySystemDLL("setupapi.dll")
	getClassDevs       = setupapi.NewProc("SetupDiGetClassDevsW")
	enumInterfaces     = setupapi.NewProc("SetupDiEnumDeviceInterfaces")
	getInterfaceDetail = setupapi.NewProc("SetupDiGetDeviceInterfaceDetailW")
	destroyInfoList    = setupapi.NewProc("SetupDiDestroyDeviceInfoList")
)

const (
	digcfPresent         = 0x02
	digcfDeviceInterface = 0x10

	// CTL_CODE(FILE_DEVICE_UNKNOWN, 0x800, METHOD_BUFFERED, FILE_READ_DATA|FILE_WRITE_DATA)
	ioctlPluginHardware = 0x22<<16 | 3<<14 | 0x800<<2
)

type interfaceData struct {
	size     uint32
	class    windows.GUID
	flags    uint32
	reserved uintptr
}

type interfaceDetail struct {
	size uint32
	path [1]uint16
}

// pluginHardware is the driver's PLUGIN_HARDWARE request. The driver fills
// in port.
type pluginHardware struct {
	size    uint32
	port    int32
	busID   [32]byte
	service [32]byte
	host    [1025]byte
}

func attachLocalhostClientImpl(ctx context.Context, meta *usbip.ExportMeta, port uint16, native bool, logger *slog.Logger) error {
	if native {
		return attachViaIOCTL(meta, port, logger)
	}
	return attachViaCommand(ctx, "usbip.exe", meta, port, logger)
}

func newPluginRequest(busID string, port uint16) (*pluginHardware, error) {
	if port == 0 {
		return nil, fmt.Errorf("attach: invalid tcp port 0")
	}
	req := &pluginHardware{}
	req.size = uint32(unsafe.Sizeof(*req))
	service := strconv.FormatUint(uint64(port), 10)
	if len(busID) >= len(req.busID) || len(service) >= len(req.service) {
		return nil, fmt.Errorf("attach: bus id %q or port %q too long", busID, service)
	}
	copy(req.busID[:], busID)
	copy(req.service[:], service)
	copy(req.host[:], "localhost")
	return req, nil
}

func attachViaIOCTL(meta *usbip.ExportMeta, port uint16, logger *slog.Logger) error {
	busID := fmt.Sprintf("%d-%d", meta.BusId, meta.DevId)
	req, err := newPluginRequest(busID, port)
	if err != nil {
		return err
	}
	path, err := usbipWin2Path()
	if err != nil {
		return err
	}
	logger.Debug("found usbip-win2 device", "path", path)

	name, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return fmt.Errorf("attach: device path: %w", err)
	}
	h, err := windows.CreateFile(name,
		windows.GENERIC_READ|windows.GENERIC_WRITE,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE,
		nil, windows.OPEN_EXISTING, windows.FILE_ATTRIBUTE_NORMAL, 0)
	if err != nil {
		return fmt.Errorf("attach: open usbip-win2 device: %w", err)
	}
	defer windows.CloseHandle(h)

	var n uint32
	buf := (*byte)(unsafe.Pointer(req))
	if err := windows.DeviceIoControl(h, ioctlPluginHardware, buf, req.size, buf, req.size, &n, nil); err != nil {
		return fmt.Errorf("attach: DeviceIoControl: %w", err)
	}
	if req.port <= 0 {
		return fmt.Errorf("attach: driver returned invalid port %d", req.port)
	}
	logger.Info("attached device via usbip-win2", "busID", busID, "usbPort", req.port)
	return nil
}

// usbipWin2Path returns the device path of the first present usbip-win2
// control device.
func usbipWin2Path() (string, error) {
	class := uintptr(unsafe.Pointer(&usbipWin2Class))
	info, _, err := getClassDevs.Call(class, 0, 0, digcfPresent|digcfDeviceInterface)
	if windows.Handle(info) == windows.InvalidHandle {
		return "", fmt.Errorf("discover usbip-win2: SetupDiGetClassDevsW: %w", err)
	}
	defer destroyInfoList.Call(info)

	data := interfaceData{}
	data.size = uint32(unsafe.Sizeof(data))
	if ok, _, err := enumInterfaces.Call(info, 0, class, 0, uintptr(unsafe.Pointer(&data))); ok == 0 {
		return "", fmt.Errorf("discover usbip-win2: driver not found: %w", err)
	}

	var need uint32
	_, _, _ = getInterfaceDetail.Call(info, uintptr(unsafe.Pointer(&data)), 0, 0, uintptr(unsafe.Pointer(&need)), 0)
	if need < uint32(unsafe.Sizeof(interfaceDetail{})) {
		return "", fmt.Errorf("discover usbip-win2: unexpected detail size %d", need)
	}
	buf := make([]uint16, (need+1)/2)
	detail := (*interfaceDetail)(unsafe.Pointer(&buf[0]))
	detail.size = uint32(unsafe.Sizeof(interfaceDetail{}))
	if ok, _, err := getInterfaceDetail.Call(info, uintptr(unsafe.Pointer(&data)), uintptr(unsafe.Pointer(detail)), uintptr(need), 0, 0); ok == 0 {
		return "", fmt.Errorf("discover usbip-win2: SetupDiGetDeviceInterfaceDetailW: %w", err)
	}
	return windows.UTF16ToString(buf[unsafe.Offsetof(detail.path)/2:]), nil
}

// CheckAutoAttachPrerequisites reports whether the usbip-win2 driver (native
// mode) or usbip.exe is available.
func CheckAutoAttachPrerequisites(native bool, logger *slog.Logger) bool {
	if native {
		if _, err := usbipWin2Path(); err != nil {
			logger.Warn("usbip-win2 driver not found; native auto-attach needs it", "error", err)
			logger.Info(usbipWin2Hint)
			return false
		}
		return true
	}
	if _, err := exec.LookPath("usbip.exe"); err != nil {
		logger.Warn("usbip.exe not found in PATH; auto-attach needs usbip-win2")
		logger.Info(usbipWin2Hint)
		return false
	}
	return true
}
