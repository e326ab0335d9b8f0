package handler

import (
	"fmt"
	"log/slog"

	"github.com/Alia5/CANIPER/apitypes"
	"github.com/Alia5/CANIPER/internal/server/api"
	apierror "github.com/Alia5/CANIPER/internal/server/api/error"
	"github.com/Alia5/CANIPER/internal/server/usb"
)

// BusRemove returns a handler that removes a bus and every device on it.
func BusRemove(s *usb.Server) api.HandlerFunc {
	return func(req *api.Request, res *api.Response, logger *slog.Logger) error {
		if req.Payload == "" {
			return apierror.ErrBadRequest("missing busId")
		}
		busID, err := parseBusID(req.Payload)
		if err != nil {
			return err
		}
		if err := s.RemoveBus(busID); err != nil {
			return apierror.ErrNotFound(fmt.Sprintf("bus %d not found", busID))
		}
		return writeJSON(res, apitypes.BusRemoveResponse{BusID: busID})
	}
}
