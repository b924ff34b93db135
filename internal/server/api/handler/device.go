package handler

import (
	"encoding/json"
	"fmt"

	"github.com/Alia5/usbtest/apitypes"
	"github.com/Alia5/usbtest/device/usbtest"
	"github.com/Alia5/usbtest/internal/server/api"
	apierror "github.com/Alia5/usbtest/internal/server/api/error"
	"github.com/Alia5/usbtest/internal/server/usb"
	pusb "github.com/Alia5/usbtest/usb"
	"github.com/Alia5/usbtest/virtualbus"
)

// respond marshals v as the response body.
func respond(res *api.Response, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return apierror.ErrInternal(fmt.Sprintf("failed to marshal response: %v", err))
	}
	res.JSON = string(b)
	return nil
}

// lookupBus resolves the {id} route parameter.
func lookupBus(s *usb.Server, req *api.Request) (*virtualbus.VirtualBus, uint32, error) {
	idStr, ok := req.Params["id"]
	if !ok {
		return nil, 0, apierror.ErrBadRequest("missing id parameter")
	}
	busID, err := parseBusID(idStr)
	if err != nil {
		return nil, 0, err
	}
	b := s.GetBus(busID)
	if b == nil {
		return nil, 0, apierror.ErrNotFound(fmt.Sprintf("bus %d not found", busID))
	}
	return b, busID, nil
}

// lookupUsbtest resolves {id}/{devId} to a usbtest device.
func lookupUsbtest(s *usb.Server, req *api.Request) (*usbtest.Device, uint32, string, error) {
	b, busID, err := lookupBus(s, req)
	if err != nil {
		return nil, 0, "", err
	}
	devID := req.Params["devId"]
	dev, _, ok := b.Lookup(devID)
	if !ok {
		return nil, 0, "", apierror.ErrNotFound(fmt.Sprintf("device %s not found on bus %d", devID, busID))
	}
	ut, ok := dev.(*usbtest.Device)
	if !ok {
		return nil, 0, "", apierror.ErrBadRequest(fmt.Sprintf("device %s is a %s device, not usbtest", devID, api.DeviceType(dev)))
	}
	return ut, busID, devID, nil
}

func describeDevice(busID uint32, devID string, dev pusb.Device) apitypes.Device {
	d := dev.GetDescriptor().Device
	out := apitypes.Device{
		BusID: busID,
		DevId: devID,
		Vid:   fmt.Sprintf("0x%04x", d.IDVendor),
		Pid:   fmt.Sprintf("0x%04x", d.IDProduct),
		Type:  api.DeviceType(dev),
	}
	if ut, ok := dev.(*usbtest.Device); ok {
		out.Mode = ut.Mode().String()
	}
	return out
}

func apiStats(st usbtest.Stats) apitypes.DeviceStats {
	dir := func(d usbtest.DirectionState) apitypes.DirectionStats {
		return apitypes.DirectionStats{Armed: d.Armed, Stalled: d.Stalled, Len: d.Len}
	}
	return apitypes.DeviceStats{
		Mode:         st.Mode,
		State:        st.State,
		Configured:   st.Configured,
		EndpointOut:  st.EndpointOut,
		EndpointIn:   st.EndpointIn,
		Out:          dir(st.Out),
		In:           dir(st.In),
		Completions:  st.Completions,
		Failures:     st.Failures,
		Unknown:      st.Unknown,
		Spurious:     st.Spurious,
		BytesIn:      st.BytesIn,
		BytesOut:     st.BytesOut,
		LastActivity: st.LastActivity,
	}
}
