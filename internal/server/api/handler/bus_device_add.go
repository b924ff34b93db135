package handler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/Alia5/usbtest/apitypes"
	"github.com/Alia5/usbtest/device"
	"github.com/Alia5/usbtest/internal/server/api"
	apierror "github.com/Alia5/usbtest/internal/server/api/error"
	usbs "github.com/Alia5/usbtest/internal/server/usb"
)

// decodeCreate parses the bus/{id}/add payload and resolves its type.
func decodeCreate(payload string) (string, api.DeviceRegistration, *device.CreateOptions, error) {
	if payload == "" {
		return "", nil, nil, apierror.ErrBadRequest("missing payload")
	}
	var req apitypes.DeviceCreateRequest
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		return "", nil, nil, apierror.ErrBadRequest(fmt.Sprintf("invalid JSON payload: %v", err))
	}
	if req.Type == nil {
		return "", nil, nil, apierror.ErrBadRequest("missing device type")
	}
	kind := strings.ToLower(*req.Type)
	reg := api.GetRegistration(kind)
	if reg == nil {
		return "", nil, nil, apierror.ErrBadRequest("unknown device type: " + kind)
	}
	return kind, reg, &device.CreateOptions{
		IdVendor:   req.IdVendor,
		IdProduct:  req.IdProduct,
		Mode:       req.Mode,
		BufferSize: req.BufferSize,
	}, nil
}

// BusDeviceAdd creates a device from the JSON payload and plugs it into
// the bus. Unless a device stream or a USBIP import claims it within the
// connect timeout, it is removed again.
func BusDeviceAdd(s *usbs.Server, apiSrv *api.Server) api.HandlerFunc {
	return func(req *api.Request, res *api.Response, logger *slog.Logger) error {
		bus, busID, err := lookupBus(s, req)
		if err != nil {
			return err
		}
		kind, reg, opts, err := decodeCreate(req.Payload)
		if err != nil {
			return err
		}
		dev, err := reg.CreateDevice(opts, logger)
		if err != nil {
			return apierror.ErrBadRequest(fmt.Sprintf("create %s device: %v", kind, err))
		}

		devCtx, err := bus.Add(dev)
		if err != nil {
			return apierror.ErrInternal(fmt.Sprintf("failed to add device to bus: %v", err))
		}
		meta := device.GetDeviceMeta(devCtx)
		if meta == nil {
			return apierror.ErrInternal("failed to get device metadata from context")
		}
		devID := strconv.FormatUint(uint64(meta.DevId), 10)
		logger.Info("device added", "busID", busID, "deviceID", devID, "type", kind)
		apiSrv.ArmDisconnectTimer(devCtx, bus, logger)

		if apiSrv.Config().AutoAttachLocalClient {
			if err := apiSrv.AttachLocalhostClient(req.Ctx, meta, logger); err != nil {
				return apierror.ErrConflict(fmt.Sprintf("failed to auto-attach device: %v", err))
			}
		}
		return respond(res, describeDevice(busID, devID, dev))
	}
}
