package gsusb

import (
	"context"
	"errors"

	"github.com/Alia5/CANIPER/can"
	"github.com/Alia5/CANIPER/internal/metrics"
)

// onRxFrame runs on controller goroutines and must not block.
func (e *Engine) onRxFrame(ch *Channel, f can.Frame) {
	var ts uint32
	stamped := ch.timestamped()
	if stamped {
		ts = e.timestamp()
	}
	b := e.alloc()
	if b == nil {
		ch.overflows.give()
		metrics.IncOverflow()
		return
	}
	b.EchoID = EchoIDRx
	b.Channel = uint8(ch.index)
	b.DLC = f.DLC
	b.CANID = f.ID
	if f.Extended() {
		b.CANID |= IDIDE
	}
	if f.Remote() {
		b.CANID |= IDRTR
	}
	if f.FD() {
		b.Flags |= FlagFD
		if f.Flags&can.FlagBRS != 0 {
			b.Flags |= FlagBRS
		}
		if f.Flags&can.FlagESI != 0 {
			b.Flags |= FlagESI
		}
	}
	copy(b.Data[:], f.Data[:b.PayloadSize()])
	b.Timestamp, b.HasTimestamp = ts, stamped
	e.queueRx(b)
}

// onStateChange turns a fault confinement transition into an error frame.
// Stopped is not reported.
func (e *Engine) onStateChange(ch *Channel, s can.State, cnt can.ErrorCounters) {
	var id uint32
	var crtl uint8
	switch s {
	case can.StateErrorActive:
		id, crtl = IDErrCrtl, ErrCrtlActive
		if ch.busOff.Load() {
			id |= IDErrRestarted
		}
	case can.StateErrorWarning:
		id, crtl = IDErrCrtl, ErrCrtlTxWarning|ErrCrtlRxWarning
	case can.StateErrorPassive:
		id, crtl = IDErrCrtl, ErrCrtlTxPassive|ErrCrtlRxPassive
	case can.StateBusOff:
		id = IDErrBusOff
	default:
		return
	}

	var ts uint32
	stamped := ch.timestamped()
	if stamped {
		ts = e.timestamp()
	}
	b := e.alloc()
	if b == nil {
		ch.overflows.give()
		metrics.IncOverflow()
		return
	}
	ch.busOff.Store(s == can.StateBusOff)
	b.EchoID = EchoIDRx
	b.Channel = uint8(ch.index)
	b.CANID = IDErr | IDErrCnt | id
	b.DLC = ClassicPayloadSize
	b.Data[1] = crtl
	b.Data[6] = cnt.TX
	b.Data[7] = cnt.RX
	b.Timestamp, b.HasTimestamp = ts, stamped
	e.logger.Debug("Channel state changed", "channel", ch.index, "state", s, "txerr", cnt.TX, "rxerr", cnt.RX)
	e.queueRx(b)
}

// queueRx never blocks: the queue holds at most every pool buffer.
func (e *Engine) queueRx(b *frameBuf) {
	select {
	case e.rxq <- b:
	default:
		e.logger.Error("RX queue full, dropping frame", "channel", b.Channel)
		metrics.IncDrop(metrics.DropQueueFull)
		e.free(b)
	}
}

func (e *Engine) rxLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case b := <-e.rxq:
			e.relayIn(b)
		}
	}
}

// relayIn delivers one queued frame to the host, in queue order.
func (e *Engine) relayIn(b *frameBuf) {
	defer e.free(b)
	ch, err := e.reg.Channel(uint16(b.Channel))
	if err != nil {
		return
	}
	if ch.overflows.take() {
		b.Flags |= FlagOverflow
	}
	if !e.enabled.Load() {
		metrics.IncDrop(metrics.DropDisabled)
		return
	}
	isErr := b.CANID&IDErr != 0
	data := b.AppendBinary(make([]byte, 0, b.Size()))
	if err := e.transport.SendIn(e.session(), data); err != nil {
		if !errors.Is(err, context.Canceled) {
			e.logger.Error("Failed to send host frame", "channel", ch.index, "error", err)
			metrics.IncError(metrics.ErrHostIn)
		}
		return
	}
	metrics.IncHostRx()
	if isErr || e.hooks.Activity == nil {
		return
	}
	if err := e.hooks.Activity.ChannelActivity(ch.index); err != nil {
		e.logger.Error("Activity callback failed", "channel", ch.index, "error", err)
		metrics.IncError(metrics.ErrHook)
	}
}
