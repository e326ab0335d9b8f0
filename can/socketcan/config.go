package socketcan

import "github.com/Alia5/CANIPER/can"

// Config selects the interface and the limits advertised to the host.
type Config struct {
	Interface string
	FD        bool
	CoreClock uint32
	TimingMin can.Timing
	TimingMax can.Timing
	DataMin   can.Timing
	DataMax   can.Timing
}

func (c Config) Name() string { return "socketcan:" + c.Interface }

func (c *Config) setDefaults() {
	if c.CoreClock == 0 {
		c.CoreClock = 80_000_000
	}
	if c.TimingMax == (can.Timing{}) {
		c.TimingMin = can.Timing{SJW: 1, PhaseSeg1: 2, PhaseSeg2: 2, Prescaler: 1}
		c.TimingMax = can.Timing{SJW: 128, PhaseSeg1: 256, PhaseSeg2: 128, Prescaler: 32}
	}
	if c.DataMax == (can.Timing{}) {
		c.DataMin = can.Timing{SJW: 1, PhaseSeg1: 1, PhaseSeg2: 1, Prescaler: 1}
		c.DataMax = can.Timing{SJW: 16, PhaseSeg1: 32, PhaseSeg2: 16, Prescaler: 32}
	}
}
