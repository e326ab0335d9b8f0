package handler

import (
	"fmt"
	"log/slog"

	"github.com/Alia5/CANIPER/apitypes"
	"github.com/Alia5/CANIPER/internal/server/api"
	"github.com/Alia5/CANIPER/internal/server/usb"
)

// BusDevicesList returns a handler that lists devices on a bus.
func BusDevicesList(s *usb.Server) api.HandlerFunc {
	return func(req *api.Request, res *api.Response, logger *slog.Logger) error {
		b, err := busParam(s, req, "id")
		if err != nil {
			return err
		}
		metas := b.GetAllDeviceMetas()
		out := make([]apitypes.Device, 0, len(metas))
		for _, m := range metas {
			out = append(out, describe(m.Meta.BusId, fmt.Sprintf("%d", m.Meta.DevId), m.Dev))
		}
		return writeJSON(res, apitypes.DevicesListResponse{Devices: out})
	}
}
