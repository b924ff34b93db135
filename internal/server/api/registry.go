package api

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"path"
	"reflect"
	"slices"
	"strings"
	"sync"

	"github.com/Alia5/usbtest/device"
	"github.com/Alia5/usbtest/usb"
)

// DeviceRegistration is what a device package registers under its type
// name: a constructor for bus/{id}/add and the handler serving the
// device's long-lived stream connection.
type DeviceRegistration interface {
	CreateDevice(o *device.CreateOptions, logger *slog.Logger) (usb.Device, error)
	StreamHandler() StreamHandlerFunc
}

// types maps lowercased device type names to their registration.
var types = struct {
	sync.RWMutex
	m map[string]DeviceRegistration
}{m: map[string]DeviceRegistration{}}

// RegisterDevice is called from device package init functions. Names are
// case-insensitive; a later registration replaces an earlier one.
func RegisterDevice(name string, reg DeviceRegistration) {
	types.Lock()
	types.m[strings.ToLower(name)] = reg
	types.Unlock()
}

// GetRegistration returns nil for an unknown type.
func GetRegistration(name string) DeviceRegistration {
	types.RLock()
	defer types.RUnlock()
	return types.m[strings.ToLower(name)]
}

// ListDeviceTypes returns the registered names, sorted.
func ListDeviceTypes() []string {
	types.RLock()
	defer types.RUnlock()
	return slices.Sorted(maps.Keys(types.m))
}

func GetStreamHandler(name string) StreamHandlerFunc {
	if reg := GetRegistration(name); reg != nil {
		return reg.StreamHandler()
	}
	return nil
}

// DeviceType is the registration name of dev: the last element of its
// package path, so *usbtest.Device is "usbtest".
func DeviceType(dev any) string {
	t := reflect.TypeOf(dev)
	if t == nil {
		return ""
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	name := t.Name()
	if pkg := t.PkgPath(); pkg != "" {
		name = path.Base(pkg)
	}
	return strings.ToLower(name)
}

// DeviceStreamHandler routes a device stream to the handler of the
// device's type. The connection is closed when the handler returns.
func DeviceStreamHandler() StreamHandlerFunc {
	return func(conn net.Conn, dev *usb.Device, logger *slog.Logger) error {
		defer conn.Close()
		if dev == nil || *dev == nil {
			return errors.New("nil device")
		}
		kind := DeviceType(*dev)
		h := GetStreamHandler(kind)
		if h == nil {
			return fmt.Errorf("no handler for device type: %s", kind)
		}
		return h(conn, dev, logger)
	}
}
