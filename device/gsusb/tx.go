package gsusb

import (
	"context"

	"github.com/Alia5/CANIPER/can"
	"github.com/Alia5/CANIPER/internal/metrics"
)

// ReceiveOut accepts one bulk OUT transfer. It blocks while every frame
// buffer is in use, which holds back further OUT transfers when the bus
// stalls.
func (e *Engine) ReceiveOut(ctx context.Context, data []byte) error {
	if !e.enabled.Load() {
		metrics.IncDrop(metrics.DropDisabled)
		return ErrNoDevice
	}
	b, err := e.allocWait(ctx)
	if err != nil {
		return err
	}
	b.out = data
	select {
	case e.txq <- b:
		return nil
	case <-ctx.Done():
		e.free(b)
		return ctx.Err()
	}
}

func (e *Engine) txLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case b := <-e.txq:
			e.relayOut(b)
		}
	}
}

// txContext travels with a transmission until its completion.
type txContext struct {
	e  *Engine
	b  *frameBuf
	ch *Channel
}

func (e *Engine) drop(b *frameBuf, reason string, msg string, args ...any) {
	e.logger.Warn(msg, args...)
	metrics.IncDrop(reason)
	e.free(b)
}

// relayOut validates a host transmission request and submits it to the
// channel's controller. The buffer is reused for the echo.
func (e *Engine) relayOut(b *frameBuf) {
	data := b.out
	b.out = nil
	if err := b.parseHeader(data); err != nil {
		e.drop(b, metrics.DropShort, "Dropping short host frame", "len", len(data))
		return
	}
	payload := data[HostFrameHeaderSize:]

	ch, err := e.reg.Channel(uint16(b.Channel))
	if err != nil {
		e.drop(b, metrics.DropChannel, "Dropping frame for unknown channel", "channel", b.Channel)
		return
	}
	if !ch.Started() {
		e.drop(b, metrics.DropNotStarted, "Dropping frame for stopped channel", "channel", b.Channel)
		return
	}

	f := can.Frame{DLC: b.DLC}
	if b.CANID&IDIDE != 0 {
		f.ID = b.CANID & can.ExtIDMask
		f.Flags |= can.FlagIDE
	} else {
		f.ID = b.CANID & can.StdIDMask
	}
	if b.Flags&FlagFD != 0 {
		f.Flags |= can.FlagFDF
	}
	if b.Flags&FlagBRS != 0 {
		f.Flags |= can.FlagBRS
	}
	if b.CANID&IDRTR != 0 {
		f.Flags |= can.FlagRTR
	} else if f.DLC != 0 {
		n := can.DLCToBytes(f.DLC)
		if n > len(payload) {
			e.drop(b, metrics.DropDLC, "Dropping frame with truncated payload", "channel", b.Channel, "dlc", f.DLC, "len", len(payload))
			return
		}
		copy(f.Data[:], payload[:n])
	}

	echo := HostFrameHeader{EchoID: b.EchoID, Channel: b.Channel, Flags: b.Flags}
	b.HostFrame = HostFrame{HostFrameHeader: echo}
	metrics.IncHostTx()

	tx := txContext{e: e, b: b, ch: ch}
	if err := ch.ctrl.Send(e.ctx, f, tx.complete); err != nil {
		e.drop(b, metrics.DropSend, "Failed to send frame", "channel", ch.index, "error", err)
	}
}

// complete runs on the controller's completion path and must not block.
func (t txContext) complete(err error) {
	if err != nil {
		t.e.drop(t.b, metrics.DropTxError, "Frame transmission failed", "channel", t.ch.index, "error", err)
		return
	}
	if t.ch.timestamped() {
		t.b.Timestamp, t.b.HasTimestamp = t.e.timestamp(), true
	}
	metrics.IncEcho()
	t.e.queueRx(t.b)
}
