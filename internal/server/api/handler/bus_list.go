package handler

import (
	"log/slog"

	"github.com/Alia5/CANIPER/apitypes"
	"github.com/Alia5/CANIPER/internal/server/api"
	"github.com/Alia5/CANIPER/internal/server/usb"
)

// BusList returns a handler that lists registered buses.
// Error logging is centralized in the API server.
func BusList(s *usb.Server) api.HandlerFunc {
	return func(req *api.Request, res *api.Response, logger *slog.Logger) error {
		return writeJSON(res, apitypes.BusListResponse{Buses: s.ListBuses()})
	}
}
