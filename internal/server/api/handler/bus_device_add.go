package handler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Alia5/CANIPER/apitypes"
	"github.com/Alia5/CANIPER/device"
	"github.com/Alia5/CANIPER/internal/server/api"
	apierror "github.com/Alia5/CANIPER/internal/server/api/error"
	usbs "github.com/Alia5/CANIPER/internal/server/usb"
	"github.com/Alia5/CANIPER/usb"
)

// BusDeviceAdd returns a handler to add devices to a bus. The device stays
// exported until it is removed; a stream connection is optional.
func BusDeviceAdd(s *usbs.Server, apiSrv *api.Server) api.HandlerFunc {
	return func(req *api.Request, res *api.Response, logger *slog.Logger) error {
		b, err := busParam(s, req, "id")
		if err != nil {
			return err
		}
		if req.Payload == "" {
			return apierror.ErrBadRequest("missing payload")
		}
		var createReq apitypes.DeviceCreateRequest
		if err := json.Unmarshal([]byte(req.Payload), &createReq); err != nil {
			return apierror.ErrBadRequest(fmt.Sprintf("invalid JSON payload: %v", err))
		}
		if createReq.Type == nil {
			return apierror.ErrBadRequest("missing device type")
		}

		name := strings.ToLower(*createReq.Type)
		reg := api.GetRegistration(name)
		if reg == nil {
			return apierror.ErrBadRequest(fmt.Sprintf("unknown device type: %s", name))
		}

		opts := device.CreateOptions{
			IdVendor:  createReq.IdVendor,
			IdProduct: createReq.IdProduct,
			Serial:    createReq.Serial,
			Channels:  createReq.Channels,
			Network:   apiSrv.Network(),
			Logger:    logger,
		}
		dev, err := reg.CreateDevice(&opts)
		if err != nil {
			return apierror.ErrUnprocessable(fmt.Sprintf("failed to create device: %v", err))
		}
		devCtx, err := s.AddDevice(b.BusID(), dev)
		if err != nil {
			if c, ok := dev.(interface{ Close() }); ok {
				c.Close()
			}
			return apierror.ErrInternal(fmt.Sprintf("failed to add device to bus: %v", err))
		}

		exportMeta := device.GetDeviceMeta(devCtx)
		if exportMeta == nil {
			return apierror.ErrInternal("failed to get device metadata from context")
		}
		devID := fmt.Sprintf("%d", exportMeta.DevId)
		logger.Info("Device added", "busID", b.BusID(), "deviceID", devID, "type", name)

		if apiSrv.Config().AutoAttachLocalClient {
			if err := api.AttachLocalhostClient(req.Ctx, exportMeta, s.GetListenPort(), logger); err != nil {
				return apierror.ErrConflict(fmt.Sprintf("failed to auto-attach device: %v", err))
			}
		}

		return writeJSON(res, describe(b.BusID(), devID, dev))
	}
}

func describe(busID uint32, devID string, dev usb.Device) apitypes.Device {
	desc := dev.GetDescriptor()
	out := apitypes.Device{
		BusID: busID,
		DevId: devID,
		Vid:   fmt.Sprintf("0x%04x", desc.Device.IDVendor),
		Pid:   fmt.Sprintf("0x%04x", desc.Device.IDProduct),
		Type:  api.DeviceType(dev),
	}
	if sr, ok := dev.(api.StatusReporter); ok {
		out.Channels = len(sr.Status())
	}
	return out
}
