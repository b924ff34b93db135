package handler

import (
	"log/slog"

	"github.com/Alia5/usbtest/apitypes"
	"github.com/Alia5/usbtest/internal/server/api"
	"github.com/Alia5/usbtest/internal/server/usb"
)

// DeviceStats returns a handler reporting the counters and engine state of
// a usbtest device.
func DeviceStats(s *usb.Server) api.HandlerFunc {
	return func(req *api.Request, res *api.Response, logger *slog.Logger) error {
		dev, busID, devID, err := lookupUsbtest(s, req)
		if err != nil {
			return err
		}
		return respond(res, apitypes.DeviceStatsResponse{
			BusID: busID,
			DevId: devID,
			Stats: apiStats(dev.Stats()),
		})
	}
}

// DeviceReset returns a handler that forces a bus reset on a usbtest
// device. The engines are disabled and the host has to select the
// configuration again.
func DeviceReset(s *usb.Server) api.HandlerFunc {
	return func(req *api.Request, res *api.Response, logger *slog.Logger) error {
		dev, busID, devID, err := lookupUsbtest(s, req)
		if err != nil {
			return err
		}
		dev.Reset()
		logger.Info("device reset", "busID", busID, "deviceID", devID)
		return respond(res, apitypes.DeviceResetResponse{BusID: busID, DevId: devID})
	}
}
