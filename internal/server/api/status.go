package api

import (
	"github.com/Alia5/CANIPER/apitypes"
	"github.com/Alia5/CANIPER/can"
)

// StatusReporter is a device that can describe its channels.
type StatusReporter interface {
	Enabled() bool
	Status() []apitypes.ChannelStatus
}

// StateInjector is a device whose channels accept forced error states.
type StateInjector interface {
	InjectState(ch uint16, s can.State, cnt can.ErrorCounters) error
}
