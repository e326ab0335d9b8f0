package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/Alia5/CANIPER/apiclient"
	"github.com/Alia5/CANIPER/can"
	"github.com/Alia5/CANIPER/can/slcan"

	"golang.org/x/term"
)

// Dump joins the virtual buses of a device like another node and prints
// every frame it sees, candump style.
type Dump struct {
	Addr       string   `help:"Management API address" default:"localhost:3242" env:"CANIPER_DUMP_ADDR"`
	Password   string   `help:"API password (needed for remote servers)" env:"CANIPER_API_PASSWORD"`
	BusID      uint32   `arg:"" name:"bus" help:"Bus number"`
	DeviceID   string   `arg:"" name:"device" help:"Device number on the bus"`
	Channel    []uint8  `help:"Only print these channels" short:"c"`
	Send       []string `help:"Frames to put on the bus first, in SLCAN notation (t1232DEAD, T0000012380011223344556677)" placeholder:"FRAME"`
	Timestamps bool     `help:"Prefix frames with the receive time" default:"true" negatable:""`
	Color      string   `help:"Colorize output" enum:"auto,always,never" default:"auto"`
}

// Run is called by Kong when the dump command is executed.
func (d *Dump) Run(logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return d.dump(ctx, os.Stdout, logger)
}

func (d *Dump) colorize(out io.Writer) bool {
	switch d.Color {
	case "always":
		return true
	case "never":
		return false
	}
	if f, ok := out.(*os.File); ok {
		return term.IsTerminal(int(f.Fd()))
	}
	return false
}

func (d *Dump) dump(ctx context.Context, out io.Writer, logger *slog.Logger) error {
	toSend := make([]can.Frame, 0, len(d.Send))
	for _, s := range d.Send {
		f, err := slcan.ParseFrame(s)
		if err != nil {
			return fmt.Errorf("--send %q: %w", s, err)
		}
		toSend = append(toSend, f)
	}

	var client *apiclient.Client
	if d.Password != "" {
		client = apiclient.NewWithPassword(d.Addr, d.Password)
	} else {
		client = apiclient.New(d.Addr)
	}
	stream, err := client.OpenStream(ctx, d.BusID, d.DeviceID)
	if err != nil {
		return fmt.Errorf("open stream %d-%s: %w", d.BusID, d.DeviceID, err)
	}
	defer stream.Close()
	// Reads do not observe ctx; closing the stream ends them.
	stopClose := context.AfterFunc(ctx, func() { _ = stream.Close() })
	defer stopClose()
	logger.Info("Dumping device", "bus", d.BusID, "device", d.DeviceID, "addr", d.Addr)

	for _, f := range toSend {
		ch := uint8(0)
		if len(d.Channel) > 0 {
			ch = d.Channel[0]
		}
		if err := stream.WriteFrame(ch, f); err != nil {
			return fmt.Errorf("send %s: %w", f, err)
		}
	}

	p := framePrinter{color: d.colorize(out), timestamps: d.Timestamps, now: time.Now}
	frames, errCh := stream.StartReading(ctx, 64)
	for sf := range frames {
		if len(d.Channel) > 0 && !slices.Contains(d.Channel, sf.Channel) {
			continue
		}
		if _, err := io.WriteString(out, p.format(sf)); err != nil {
			return err
		}
	}
	err = <-errCh
	switch {
	case err == nil, errors.Is(err, context.Canceled), errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		return nil
	}
	return err
}

const (
	ansiReset  = "\x1b[0m"
	ansiID     = "\x1b[1;36m"
	ansiError  = "\x1b[1;31m"
	ansiRemote = "\x1b[33m"
)

type framePrinter struct {
	color      bool
	timestamps bool
	now        func() time.Time
}

// format renders one line: (time) chN  ID  [len]  bytes
func (p framePrinter) format(sf apiclient.StreamFrame) string {
	var sb strings.Builder
	if p.timestamps {
		t := p.now()
		fmt.Fprintf(&sb, "(%d.%06d) ", t.Unix(), t.Nanosecond()/1000)
	}
	fmt.Fprintf(&sb, "ch%d  ", sf.Channel)

	f := sf.Frame
	id := fmt.Sprintf("%03X", f.ID&can.StdIDMask)
	if f.Extended() {
		id = fmt.Sprintf("%08X", f.ID&can.ExtIDMask)
	}
	p.paint(&sb, ansiID, fmt.Sprintf("%8s", id))

	n := f.Len()
	if f.FD() {
		fmt.Fprintf(&sb, "  [%02d]", n)
	} else {
		fmt.Fprintf(&sb, "   [%d]", n)
	}
	if f.Remote() {
		sb.WriteString("  ")
		p.paint(&sb, ansiRemote, "remote request")
		sb.WriteByte('\n')
		return sb.String()
	}
	for _, b := range f.Payload() {
		fmt.Fprintf(&sb, " %02X", b)
	}
	if f.FD() && f.Flags&can.FlagBRS != 0 {
		sb.WriteString("  brs")
	}
	if f.Flags&can.FlagESI != 0 {
		sb.WriteString("  ")
		p.paint(&sb, ansiError, "esi")
	}
	sb.WriteByte('\n')
	return sb.String()
}

func (p framePrinter) paint(sb *strings.Builder, code, s string) {
	if !p.color {
		sb.WriteString(s)
		return
	}
	sb.WriteString(code)
	sb.WriteString(s)
	sb.WriteString(ansiReset)
}
