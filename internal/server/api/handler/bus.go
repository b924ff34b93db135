package handler

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/Alia5/usbtest/apitypes"
	"github.com/Alia5/usbtest/internal/server/api"
	apierror "github.com/Alia5/usbtest/internal/server/api/error"
	"github.com/Alia5/usbtest/internal/server/usb"
	"github.com/Alia5/usbtest/virtualbus"
)

func parseBusID(s string) (uint32, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
	if err != nil {
		return 0, apierror.ErrBadRequest(fmt.Sprintf("invalid busId: %v", err))
	}
	return uint32(n), nil
}

// BusList returns a handler that lists registered buses in ascending order.
func BusList(s *usb.Server) api.HandlerFunc {
	return func(req *api.Request, res *api.Response, logger *slog.Logger) error {
		return respond(res, apitypes.BusListResponse{Buses: s.ListBuses()})
	}
}

// BusCreate returns a handler that creates a bus. An empty payload picks
// the lowest free bus number.
func BusCreate(s *usb.Server) api.HandlerFunc {
	return func(req *api.Request, res *api.Response, logger *slog.Logger) error {
		var bus *virtualbus.VirtualBus
		if strings.TrimSpace(req.Payload) == "" {
			bus = virtualbus.New()
		} else {
			id, err := parseBusID(req.Payload)
			if err != nil {
				return err
			}
			if bus, err = virtualbus.NewWithBusId(id); err != nil {
				return apierror.ErrConflict(err.Error())
			}
		}
		if err := s.AddBus(bus); err != nil {
			_ = bus.Close()
			return apierror.ErrConflict(fmt.Sprintf("bus %d already exists", bus.BusID()))
		}
		logger.Info("bus created", "busID", bus.BusID())
		return respond(res, apitypes.BusCreateResponse{BusID: bus.BusID()})
	}
}

// BusRemove returns a handler that removes a bus together with its devices.
func BusRemove(s *usb.Server) api.HandlerFunc {
	return func(req *api.Request, res *api.Response, logger *slog.Logger) error {
		if strings.TrimSpace(req.Payload) == "" {
			return apierror.ErrBadRequest("missing busId")
		}
		id, err := parseBusID(req.Payload)
		if err != nil {
			return err
		}
		if err := s.RemoveBus(id); err != nil {
			return apierror.ErrNotFound(fmt.Sprintf("bus %d not found", id))
		}
		logger.Info("bus removed", "busID", id)
		return respond(res, apitypes.BusRemoveResponse{BusID: id})
	}
}

// BusDevicesList returns a handler that lists the devices on bus {id}.
func BusDevicesList(s *usb.Server) api.HandlerFunc {
	return func(req *api.Request, res *api.Response, logger *slog.Logger) error {
		b, busID, err := lookupBus(s, req)
		if err != nil {
			return err
		}
		devices := []apitypes.Device{}
		for _, m := range b.GetAllDeviceMetas() {
			devices = append(devices, describeDevice(busID, strconv.FormatUint(uint64(m.Meta.DevId), 10), m.Dev))
		}
		return respond(res, apitypes.DevicesListResponse{Devices: devices})
	}
}

// BusDeviceRemove returns a handler that removes the device whose number is
// the payload. Removal ends a USBIP import of that device.
func BusDeviceRemove(s *usb.Server) api.HandlerFunc {
	return func(req *api.Request, res *api.Response, logger *slog.Logger) error {
		b, busID, err := lookupBus(s, req)
		if err != nil {
			return err
		}
		devID := strings.TrimSpace(req.Payload)
		if devID == "" {
			return apierror.ErrBadRequest("missing device number")
		}
		if err := b.RemoveDeviceByID(devID); err != nil {
			return apierror.ErrNotFound(fmt.Sprintf("device %s not found on bus %d", devID, busID))
		}
		logger.Info("device removed", "busID", busID, "deviceID", devID)
		return respond(res, apitypes.DeviceRemoveResponse{BusID: busID, DevId: devID})
	}
}
