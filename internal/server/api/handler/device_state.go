package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Alia5/CANIPER/apitypes"
	"github.com/Alia5/CANIPER/can"
	"github.com/Alia5/CANIPER/device/gsusb"
	"github.com/Alia5/CANIPER/internal/server/api"
	apierror "github.com/Alia5/CANIPER/internal/server/api/error"
	"github.com/Alia5/CANIPER/internal/server/usb"
)

// DeviceState returns a handler that forces the error state of a virtual
// channel, e.g. to watch the host react to bus-off.
func DeviceState(s *usb.Server) api.HandlerFunc {
	return func(req *api.Request, res *api.Response, logger *slog.Logger) error {
		_, devID, dev, err := deviceParam(s, req)
		if err != nil {
			return err
		}
		inj, ok := dev.(api.StateInjector)
		if !ok {
			return apierror.ErrUnprocessable(fmt.Sprintf("device %s does not accept state injection", devID))
		}
		if req.Payload == "" {
			return apierror.ErrBadRequest("missing payload")
		}
		var sr apitypes.StateInjectRequest
		if err := json.Unmarshal([]byte(req.Payload), &sr); err != nil {
			return apierror.ErrBadRequest(fmt.Sprintf("invalid JSON payload: %v", err))
		}
		st, err := can.ParseState(sr.State)
		if err != nil || st == can.StateStopped {
			return apierror.ErrBadRequest(fmt.Sprintf("invalid state %q", sr.State))
		}
		err = inj.InjectState(sr.Channel, st, can.ErrorCounters{RX: sr.RxErrors, TX: sr.TxErrors})
		switch {
		case err == nil:
		case errors.Is(err, gsusb.ErrInvalid):
			return apierror.ErrBadRequest(err.Error())
		case errors.Is(err, gsusb.ErrNotSupported):
			return apierror.ErrUnprocessable(err.Error())
		case errors.Is(err, can.ErrNetDown):
			return apierror.ErrConflict(fmt.Sprintf("channel %d is not started", sr.Channel))
		default:
			return apierror.ErrInternal(err.Error())
		}
		logger.Info("Injected channel state", "deviceID", devID, "channel", sr.Channel, "state", st)
		return writeJSON(res, apitypes.StateInjectResponse{Channel: sr.Channel, State: st.String()})
	}
}
