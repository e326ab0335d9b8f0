package gsusb

import (
	"encoding/binary"
	"fmt"

	"github.com/Alia5/CANIPER/can"
	"github.com/Alia5/CANIPER/internal/metrics"
	"github.com/Alia5/CANIPER/usb"
)

// HandleControl answers one vendor control transfer. wValue carries the
// channel index. For device-to-host requests the returned slice is the
// response; any error stalls the control pipe.
func (e *Engine) HandleControl(setup usb.SetupPacket, data []byte) ([]byte, error) {
	if setup.Type() == usb.RequestTypeVendor &&
		setup.Recipient() == usb.RequestRecipientDevice &&
		setup.IsDeviceToHost() &&
		setup.Request == MSOSVendorCode &&
		setup.Index == MSOS20DescriptorIndex {
		metrics.ObserveControl("msos20", nil)
		return MSOS20DescriptorSet(), nil
	}
	if setup.Recipient() != usb.RequestRecipientInterface {
		e.logger.Debug("Rejecting control request", "setup", setup, "reason", "recipient")
		return nil, ErrNotSupported
	}

	var (
		resp []byte
		err  error
	)
	if setup.IsDeviceToHost() {
		resp, err = e.controlIn(setup.Request, setup.Value)
	} else {
		err = e.controlOut(setup.Request, setup.Value, data)
	}
	metrics.ObserveControl(RequestName(setup.Request), err)
	if err != nil {
		e.logger.Debug("Control request failed", "request", RequestName(setup.Request), "channel", setup.Value, "error", err)
		return nil, err
	}
	return resp, nil
}

func (e *Engine) controlOut(req uint8, ch uint16, data []byte) error {
	switch req {
	case RequestHostFormat:
		v, err := decodeUint32(data)
		if err != nil {
			return err
		}
		if v != HostFormat {
			return fmt.Errorf("%w: byte order 0x%08x", ErrNotSupported, v)
		}
		return nil

	case RequestBittiming:
		c, bt, err := e.timingTarget(ch, data)
		if err != nil {
			return err
		}
		t := clampTiming(bt, c.ctrl.TimingMin(), c.ctrl.TimingMax())
		if err := c.ctrl.SetTiming(t); err != nil {
			return fmt.Errorf("channel %d set timing: %w", ch, err)
		}
		e.logger.Debug("Bit timing set", "channel", ch, "timing", t)
		return nil

	case RequestDataBittiming:
		c, bt, err := e.timingTarget(ch, data)
		if err != nil {
			return err
		}
		dp, ok := c.dataPhase()
		if !ok {
			return fmt.Errorf("%w: channel %d has no data phase", ErrNotSupported, ch)
		}
		t := clampTiming(bt, dp.TimingDataMin(), dp.TimingDataMax())
		if err := dp.SetTimingData(t); err != nil {
			return fmt.Errorf("channel %d set data timing: %w", ch, err)
		}
		e.logger.Debug("Data bit timing set", "channel", ch, "timing", t)
		return nil

	case RequestMode:
		return e.setMode(ch, data)

	case RequestIdentify:
		if e.hooks.Identify == nil {
			return ErrNotSupported
		}
		if _, err := e.reg.Channel(ch); err != nil {
			return err
		}
		on, err := decodeSwitch(data)
		if err != nil {
			return err
		}
		return e.hooks.Identify.Identify(ch, on)

	case RequestSetTermination:
		if _, err := e.reg.Channel(ch); err != nil {
			return err
		}
		if e.hooks.Termination == nil {
			return ErrNotSupported
		}
		on, err := decodeSwitch(data)
		if err != nil {
			return err
		}
		return e.hooks.Termination.SetTermination(ch, on)
	}
	return fmt.Errorf("%w: request %s", ErrNotSupported, RequestName(req))
}

// timingTarget validates a BITTIMING or DATA_BITTIMING request.
func (e *Engine) timingTarget(ch uint16, data []byte) (*Channel, Bittiming, error) {
	var bt Bittiming
	c, err := e.reg.Channel(ch)
	if err != nil {
		return nil, bt, err
	}
	if err := Decode(data, &bt); err != nil {
		return nil, bt, err
	}
	if c.Started() {
		return nil, bt, fmt.Errorf("%w: channel %d is started", ErrBusy, ch)
	}
	return c, bt, nil
}

func (e *Engine) setMode(ch uint16, data []byte) error {
	c, err := e.reg.Channel(ch)
	if err != nil {
		return err
	}
	var m DeviceMode
	if err := Decode(data, &m); err != nil {
		return err
	}
	switch m.Mode {
	case ChannelModeReset:
		if err := e.reg.Reset(ch); err != nil {
			return err
		}
		e.logger.Info("Channel reset", "channel", ch)
	case ChannelModeStart:
		if c.Started() {
			return fmt.Errorf("%w: channel %d already started", ErrAlready, ch)
		}
		if extra := m.Flags &^ c.features; extra != 0 {
			return fmt.Errorf("%w: channel %d flags 0x%x", ErrNotSupported, ch, extra)
		}
		if err := c.ctrl.SetMode(controllerMode(m.Flags)); err != nil {
			return fmt.Errorf("channel %d set mode: %w", ch, err)
		}
		if err := c.ctrl.Start(); err != nil {
			return fmt.Errorf("channel %d start: %w", ch, err)
		}
		c.mode.Store(m.Flags)
		c.started.Store(true)
		e.logger.Info("Channel started", "channel", ch, "flags", fmt.Sprintf("0x%04x", m.Flags))
	default:
		return fmt.Errorf("%w: mode %d", ErrNotSupported, m.Mode)
	}
	if e.hooks.State != nil {
		if err := e.hooks.State.ChannelStateChanged(ch, c.Started()); err != nil {
			e.logger.Error("State callback failed", "channel", ch, "error", err)
			metrics.IncError(metrics.ErrHook)
		}
	}
	return nil
}

func decodeSwitch(data []byte) (bool, error) {
	v, err := decodeUint32(data)
	if err != nil {
		return false, err
	}
	switch v {
	case Off:
		return false, nil
	case On:
		return true, nil
	}
	return false, fmt.Errorf("%w: switch value %d", ErrNotSupported, v)
}

func (e *Engine) controlIn(req uint8, ch uint16) ([]byte, error) {
	switch req {
	case RequestBTConst:
		c, err := e.reg.Channel(ch)
		if err != nil {
			return nil, err
		}
		clock, err := c.ctrl.CoreClock()
		if err != nil {
			return nil, fmt.Errorf("channel %d core clock: %w", ch, err)
		}
		bc := btConst(c.features, clock, c.ctrl.TimingMin(), c.ctrl.TimingMax())
		return Encode(&bc), nil

	case RequestBTConstExt:
		c, err := e.reg.Channel(ch)
		if err != nil {
			return nil, err
		}
		dp, ok := c.dataPhase()
		if !ok {
			return nil, fmt.Errorf("%w: channel %d has no data phase", ErrNotSupported, ch)
		}
		clock, err := c.ctrl.CoreClock()
		if err != nil {
			return nil, fmt.Errorf("channel %d core clock: %w", ch, err)
		}
		dmin, dmax := dp.TimingDataMin(), dp.TimingDataMax()
		ext := BTConstExt{
			BTConst:   btConst(c.features, clock, c.ctrl.TimingMin(), c.ctrl.TimingMax()),
			DTseg1Min: uint32(dmin.PropSeg) + uint32(dmin.PhaseSeg1),
			DTseg1Max: uint32(dmax.PropSeg) + uint32(dmax.PhaseSeg1),
			DTseg2Min: uint32(dmin.PhaseSeg2),
			DTseg2Max: uint32(dmax.PhaseSeg2),
			DSJWMax:   uint32(dmax.SJW),
			DBRPMin:   uint32(dmin.Prescaler),
			DBRPMax:   uint32(dmax.Prescaler),
			DBRPInc:   1,
		}
		return Encode(&ext), nil

	case RequestDeviceConfig:
		dc := DeviceConfig{
			ICount:    uint8(e.reg.Len() - 1),
			SWVersion: SWVersion,
			HWVersion: HWVersion,
		}
		return Encode(&dc), nil

	case RequestTimestamp:
		if e.hooks.Timestamp == nil {
			return nil, ErrNotSupported
		}
		ts, err := e.hooks.Timestamp.Timestamp()
		if err != nil {
			return nil, fmt.Errorf("timestamp: %w", err)
		}
		return binary.LittleEndian.AppendUint32(nil, ts), nil

	case RequestGetTermination:
		if _, err := e.reg.Channel(ch); err != nil {
			return nil, err
		}
		if e.hooks.Termination == nil {
			return nil, ErrNotSupported
		}
		on, err := e.hooks.Termination.Termination(ch)
		if err != nil {
			return nil, fmt.Errorf("channel %d termination: %w", ch, err)
		}
		v := Off
		if on {
			v = On
		}
		return binary.LittleEndian.AppendUint32(nil, v), nil

	case RequestGetState:
		c, err := e.reg.Channel(ch)
		if err != nil {
			return nil, err
		}
		s, cnt, err := c.ctrl.State()
		if err != nil {
			return nil, fmt.Errorf("channel %d state: %w", ch, err)
		}
		var ws uint32
		switch s {
		case can.StateErrorActive:
			ws = StateErrorActive
		case can.StateErrorWarning:
			ws = StateErrorWarning
		case can.StateErrorPassive:
			ws = StateErrorPassive
		case can.StateBusOff:
			ws = StateBusOff
		case can.StateStopped:
			ws = StateStopped
		default:
			return nil, fmt.Errorf("%w: state %v", ErrNotSupported, s)
		}
		ds := DeviceState{State: ws, RxErr: uint32(cnt.RX), TxErr: uint32(cnt.TX)}
		return Encode(&ds), nil
	}
	return nil, fmt.Errorf("%w: request %s", ErrNotSupported, RequestName(req))
}
