package gsusb

// Identifier drives a per-channel identification indicator.
type Identifier interface {
	Identify(ch uint16, on bool) error
}

// Terminator switches the bus termination resistor of a channel.
type Terminator interface {
	SetTermination(ch uint16, on bool) error
	Termination(ch uint16) (bool, error)
}

// Timestamper returns a free running 1 MHz counter.
type Timestamper interface {
	Timestamp() (uint32, error)
}

// StateObserver is told when a channel is started or reset.
type StateObserver interface {
	ChannelStateChanged(ch uint16, started bool) error
}

// ActivityObserver is told about every non-error frame delivered to the
// host.
type ActivityObserver interface {
	ChannelActivity(ch uint16) error
}

// Hooks are the optional collaborators of an Engine. A nil field means the
// matching feature is not supported.
type Hooks struct {
	Identify    Identifier
	Termination Terminator
	Timestamp   Timestamper
	State       StateObserver
	Activity    ActivityObserver
}

// HooksFrom fills every field v implements.
func HooksFrom(v any) Hooks {
	var h Hooks
	h.Identify, _ = v.(Identifier)
	h.Termination, _ = v.(Terminator)
	h.Timestamp, _ = v.(Timestamper)
	h.State, _ = v.(StateObserver)
	h.Activity, _ = v.(ActivityObserver)
	return h
}

func (h Hooks) features() uint32 {
	var f uint32
	if h.Timestamp != nil {
		f |= FeatureHWTimestamp
	}
	if h.Identify != nil {
		f |= FeatureIdentify
	}
	if h.Termination != nil {
		f |= FeatureTermination
	}
	return f
}
