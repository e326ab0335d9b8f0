package handler

import (
	"fmt"
	"log/slog"

	"github.com/Alia5/CANIPER/apitypes"
	"github.com/Alia5/CANIPER/internal/server/api"
	apierror "github.com/Alia5/CANIPER/internal/server/api/error"
	"github.com/Alia5/CANIPER/internal/server/usb"
)

// BusDeviceRemove returns a handler that removes a device by device number.
// Removal ends its USB/IP and stream connections and closes its
// controllers.
func BusDeviceRemove(s *usb.Server) api.HandlerFunc {
	return func(req *api.Request, res *api.Response, logger *slog.Logger) error {
		b, err := busParam(s, req, "id")
		if err != nil {
			return err
		}
		if req.Payload == "" {
			return apierror.ErrBadRequest("missing device number")
		}
		deviceID := req.Payload
		if err := s.RemoveDeviceByID(b.BusID(), deviceID); err != nil {
			return apierror.ErrNotFound(fmt.Sprintf("device %s not found on bus %d", deviceID, b.BusID()))
		}
		logger.Info("Device removed", "busID", b.BusID(), "deviceID", deviceID)
		return writeJSON(res, apitypes.DeviceRemoveResponse{BusID: b.BusID(), DevId: deviceID})
	}
}
