package handler

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/Alia5/CANIPER/internal/server/api"
	apierror "github.com/Alia5/CANIPER/internal/server/api/error"
	"github.com/Alia5/CANIPER/internal/server/usb"
	pusb "github.com/Alia5/CANIPER/usb"
	"github.com/Alia5/CANIPER/virtualbus"
)

func parseBusID(s string) (uint32, error) {
	busID, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, apierror.ErrBadRequest(fmt.Sprintf("invalid busId: %v", err))
	}
	return uint32(busID), nil
}

// busParam resolves the bus named by route parameter key.
func busParam(s *usb.Server, req *api.Request, key string) (*virtualbus.VirtualBus, error) {
	idStr, ok := req.Params[key]
	if !ok {
		return nil, apierror.ErrBadRequest(fmt.Sprintf("missing %s parameter", key))
	}
	busID, err := parseBusID(idStr)
	if err != nil {
		return nil, err
	}
	b := s.GetBus(busID)
	if b == nil {
		return nil, apierror.ErrNotFound(fmt.Sprintf("bus %d not found", busID))
	}
	return b, nil
}

// deviceParam resolves the device of a bus/{busId}/{deviceid}/... route.
func deviceParam(s *usb.Server, req *api.Request) (*virtualbus.VirtualBus, string, pusb.Device, error) {
	b, err := busParam(s, req, "busId")
	if err != nil {
		return nil, "", nil, err
	}
	devID := req.Params["deviceid"]
	dev, ok := b.Device(devID)
	if !ok {
		return nil, "", nil, apierror.ErrNotFound(fmt.Sprintf("device %s not found on bus %d", devID, b.BusID()))
	}
	return b, devID, dev, nil
}

func writeJSON(res *api.Response, v any) error {
	out, err := json.Marshal(v)
	if err != nil {
		return apierror.ErrInternal(fmt.Sprintf("failed to marshal response: %v", err))
	}
	res.JSON = string(out)
	return nil
}
