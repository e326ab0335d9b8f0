package handler

import (
	"fmt"
	"log/slog"

	"github.com/Alia5/CANIPER/apitypes"
	"github.com/Alia5/CANIPER/internal/server/api"
	apierror "github.com/Alia5/CANIPER/internal/server/api/error"
	"github.com/Alia5/CANIPER/internal/server/usb"
	"github.com/Alia5/CANIPER/virtualbus"
)

// BusCreate returns a handler that creates a bus, with the number given in
// the payload or the lowest free one.
func BusCreate(s *usb.Server) api.HandlerFunc {
	return func(req *api.Request, res *api.Response, logger *slog.Logger) error {
		var b *virtualbus.VirtualBus
		if req.Payload != "" {
			busID, err := parseBusID(req.Payload)
			if err != nil {
				return err
			}
			if b, err = virtualbus.NewWithBusId(busID); err != nil {
				return apierror.ErrConflict(fmt.Sprintf("bus %d already exists", busID))
			}
		} else {
			b = virtualbus.New()
		}
		if err := s.AddBus(b); err != nil {
			_ = b.Close()
			return apierror.ErrConflict(fmt.Sprintf("bus %d already exists", b.BusID()))
		}
		logger.Info("Bus created", "busID", b.BusID())
		return writeJSON(res, apitypes.BusCreateResponse{BusID: b.BusID()})
	}
}
