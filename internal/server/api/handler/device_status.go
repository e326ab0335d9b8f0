package handler

import (
	"fmt"
	"log/slog"

	"github.com/Alia5/CANIPER/apitypes"
	"github.com/Alia5/CANIPER/internal/server/api"
	apierror "github.com/Alia5/CANIPER/internal/server/api/error"
	"github.com/Alia5/CANIPER/internal/server/usb"
)

// DeviceStatus returns a handler that reports the channels of a device.
func DeviceStatus(s *usb.Server) api.HandlerFunc {
	return func(req *api.Request, res *api.Response, logger *slog.Logger) error {
		b, devID, dev, err := deviceParam(s, req)
		if err != nil {
			return err
		}
		sr, ok := dev.(api.StatusReporter)
		if !ok {
			return apierror.ErrUnprocessable(fmt.Sprintf("device %s does not report status", devID))
		}
		return writeJSON(res, apitypes.DeviceStatusResponse{
			BusID:    b.BusID(),
			DevId:    devID,
			Enabled:  sr.Enabled(),
			Channels: sr.Status(),
		})
	}
}
