// Package virtualbus numbers buses and devices the way the USBIP export
// expects ("<bus>-<dev>") and owns the lifetime of every device it holds.
package virtualbus

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/Alia5/usbtest/device"
	"github.com/Alia5/usbtest/usb"
	"github.com/Alia5/usbtest/usbip"
)

// sysfsRoot prefixes the path reported in device records.
const sysfsRoot = "/sys/devices/platform/usbtest/usb"

// buses hands out process-wide unique bus numbers.
var buses = struct {
	sync.Mutex
	ids idPool
}{}

// VirtualBus is one numbered bus holding devices 1, 2, ...
type VirtualBus struct {
	mutex   sync.Mutex
	busId   uint32
	devIDs  idPool
	devices []*entry
}

// DeviceMeta pairs a device with its export metadata.
type DeviceMeta struct {
	Dev  usb.Device
	Meta usbip.ExportMeta
}

type entry struct {
	dev    usb.Device
	meta   usbip.ExportMeta
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a bus with the lowest free bus number.
func New() *VirtualBus {
	buses.Lock()
	defer buses.Unlock()
	return &VirtualBus{busId: buses.ids.take()}
}

// NewWithBusId creates bus busId. 0 is reserved.
func NewWithBusId(busId uint32) (*VirtualBus, error) {
	if busId == 0 {
		return nil, errors.New("bus number 0 is reserved")
	}
	buses.Lock()
	defer buses.Unlock()
	if !buses.ids.claim(busId) {
		return nil, fmt.Errorf("bus number %d already allocated", busId)
	}
	return &VirtualBus{busId: busId}, nil
}

// Add puts dev on the bus under the lowest free device number. The
// returned context carries the export metadata and the connect timer
// (device.GetDeviceMeta, device.GetConnTimer); it is cancelled when the
// device is removed or the bus is closed.
func (vb *VirtualBus) Add(dev usb.Device) (context.Context, error) {
	if dev == nil {
		return nil, errors.New("device is nil")
	}
	vb.mutex.Lock()
	defer vb.mutex.Unlock()
	if vb.find(func(e *entry) bool { return e.dev == dev }) >= 0 {
		return nil, errors.New("device already registered on this bus")
	}

	e := &entry{dev: dev}
	e.meta.BusId = vb.busId
	e.meta.DevId = vb.devIDs.take()
	name := fmt.Sprintf("%d-%d", vb.busId, e.meta.DevId)
	copy(e.meta.USBBusId[:], name)
	copy(e.meta.Path[:], fmt.Sprintf("%s%d/%s", sysfsRoot, vb.busId, name))

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	ctx, cancel := context.WithCancel(context.Background())
	ctx = context.WithValue(ctx, device.ExportMetaKey, &e.meta)
	e.ctx = context.WithValue(ctx, device.ConnTimerKey, timer)
	e.cancel = cancel

	vb.devices = append(vb.devices, e)
	return e.ctx, nil
}

func (vb *VirtualBus) find(match func(*entry) bool) int {
	for i, e := range vb.devices {
		if match(e) {
			return i
		}
	}
	return -1
}

func (vb *VirtualBus) removeAt(i int) {
	e := vb.devices[i]
	e.cancel()
	vb.devIDs.release(e.meta.DevId)
	vb.devices = append(vb.devices[:i], vb.devices[i+1:]...)
}

func (vb *VirtualBus) BusID() uint32 {
	vb.mutex.Lock()
	defer vb.mutex.Unlock()
	return vb.busId
}

// GetAllDeviceMetas lists the devices in the order they were added.
func (vb *VirtualBus) GetAllDeviceMetas() []DeviceMeta {
	vb.mutex.Lock()
	defer vb.mutex.Unlock()
	out := make([]DeviceMeta, len(vb.devices))
	for i, e := range vb.devices {
		out[i] = DeviceMeta{Dev: e.dev, Meta: e.meta}
	}
	return out
}

func (vb *VirtualBus) Devices() []usb.Device {
	vb.mutex.Lock()
	defer vb.mutex.Unlock()
	out := make([]usb.Device, len(vb.devices))
	for i, e := range vb.devices {
		out[i] = e.dev
	}
	return out
}

// Lookup finds a device by its number ("1", "2", ...).
func (vb *VirtualBus) Lookup(deviceID string) (usb.Device, context.Context, bool) {
	id, err := strconv.ParseUint(deviceID, 10, 32)
	if err != nil {
		return nil, nil, false
	}
	vb.mutex.Lock()
	defer vb.mutex.Unlock()
	if i := vb.find(func(e *entry) bool { return e.meta.DevId == uint32(id) }); i >= 0 {
		return vb.devices[i].dev, vb.devices[i].ctx, true
	}
	return nil, nil, false
}

// RemoveDeviceByID removes the device numbered deviceID.
func (vb *VirtualBus) RemoveDeviceByID(deviceID string) error {
	vb.mutex.Lock()
	defer vb.mutex.Unlock()
	i := vb.find(func(e *entry) bool { return strconv.FormatUint(uint64(e.meta.DevId), 10) == deviceID })
	if i < 0 {
		return fmt.Errorf("device with id %s not found on bus %d", deviceID, vb.busId)
	}
	vb.removeAt(i)
	return nil
}

// Remove takes dev off the bus and cancels its context, which ends the
// URB stream serving it.
func (vb *VirtualBus) Remove(dev usb.Device) error {
	vb.mutex.Lock()
	defer vb.mutex.Unlock()
	i := vb.find(func(e *entry) bool { return e.dev == dev })
	if i < 0 {
		return errors.New("device not found")
	}
	vb.removeAt(i)
	return nil
}

// GetDeviceContext returns the context Add returned for dev, or nil.
func (vb *VirtualBus) GetDeviceContext(dev usb.Device) context.Context {
	vb.mutex.Lock()
	defer vb.mutex.Unlock()
	if i := vb.find(func(e *entry) bool { return e.dev == dev }); i >= 0 {
		return vb.devices[i].ctx
	}
	return nil
}

// Close cancels every device and frees the bus number. The bus must not
// be used afterwards.
func (vb *VirtualBus) Close() error {
	vb.mutex.Lock()
	defer vb.mutex.Unlock()
	for _, e := range vb.devices {
		e.cancel()
	}
	vb.devices = nil

	buses.Lock()
	defer buses.Unlock()
	buses.ids.release(vb.busId)
	return nil
}

// idPool allocates the lowest free number starting at 1.
type idPool struct{ used map[uint32]bool }

func (p *idPool) take() uint32 {
	id := uint32(1)
	for p.used[id] {
		id++
	}
	p.claim(id)
	return id
}

func (p *idPool) claim(id uint32) bool {
	if p.used == nil {
		p.used = map[uint32]bool{}
	}
	if p.used[id] {
		return false
	}
	p.used[id] = true
	return true
}

func (p *idPool) release(id uint32) { delete(p.used, id) }
