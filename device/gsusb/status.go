package gsusb

import (
	"fmt"

	"github.com/Alia5/CANIPER/apitypes"
	"github.com/Alia5/CANIPER/can"
	"github.com/Alia5/CANIPER/can/virtual"
	"github.com/Alia5/CANIPER/internal/board"
)

// Enabled reports whether the host has configured the device.
func (d *Device) Enabled() bool { return d.engine.Enabled() }

// Board returns the board collaborators of a device created through the
// API, or nil.
func (d *Device) Board() *board.Board { return d.board }

// Status reports every channel, including the board state when the device
// has a board.
func (d *Device) Status() []apitypes.ChannelStatus {
	chans := d.engine.Registry().Channels()
	var bs []board.ChannelStatus
	if d.board != nil {
		bs = d.board.Status()
	}
	out := make([]apitypes.ChannelStatus, 0, len(chans))
	for _, ch := range chans {
		st := apitypes.ChannelStatus{
			Index:      ch.Index(),
			Controller: ch.Controller().Name(),
			Features:   ch.Features(),
			Started:    ch.Started(),
			Mode:       ch.Mode(),
			BusOff:     ch.BusOff(),
			Overflows:  ch.Overflows(),
		}
		if s, cnt, err := ch.Controller().State(); err == nil {
			st.State = s.String()
			st.RxErrors, st.TxErrors = cnt.RX, cnt.TX
		} else {
			st.State = "unknown"
		}
		if i := int(ch.Index()); i < len(bs) {
			st.Identify = bs[i].Identify
			st.Termination = bs[i].Termination
			st.Frames = bs[i].Frames
			st.LastActivity = bs[i].LastActivity
		}
		out = append(out, st)
	}
	return out
}

// InjectState forces the fault confinement state of channel ch. Only
// virtual controllers support it.
func (d *Device) InjectState(ch uint16, s can.State, cnt can.ErrorCounters) error {
	c, err := d.engine.Registry().Channel(ch)
	if err != nil {
		return err
	}
	vc, ok := c.Controller().(*virtual.Controller)
	if !ok {
		return fmt.Errorf("%w: channel %d is not virtual", ErrNotSupported, ch)
	}
	return vc.InjectState(s, cnt)
}
