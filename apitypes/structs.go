package apitypes

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ApiError represents an RFC 7807 (problem+json) error response.
type ApiError struct {
	// Status is the HTTP-style status code (e.g., 400, 404, 500)
	Status int `json:"status"`
	// Title is a short, human-readable summary of the problem type
	Title string `json:"title"`
	// Detail is a human-readable explanation specific to this occurrence
	Detail string `json:"detail"`
}

func (e ApiError) Error() string {
	if e.Status == 0 && e.Title == "" {
		return "unknown error"
	}
	if e.Status == 0 {
		return fmt.Sprintf("%s: %s", e.Title, e.Detail)
	}
	return fmt.Sprintf("%d %s: %s", e.Status, e.Title, e.Detail)
}

// --

type PingResponse struct {
	Server  string `json:"server"`
	Version string `json:"version"`
}

type BusListResponse struct {
	Buses []uint32 `json:"buses"`
}

type BusCreateResponse struct {
	BusID uint32 `json:"busId"`
}

type BusRemoveResponse struct {
	BusID uint32 `json:"busId"`
}

type Device struct {
	BusID    uint32 `json:"busId"`
	DevId    string `json:"devId"`
	Vid      string `json:"vid"`
	Pid      string `json:"pid"`
	Type     string `json:"type"`
	Channels int    `json:"channels"`
}

type DevicesListResponse struct {
	Devices []Device `json:"devices"`
}

type DeviceRemoveResponse struct {
	BusID uint32 `json:"busId"`
	DevId string `json:"devId"`
}

// CAN backends a channel can be bound to.
const (
	BackendVirtual   = "virtual"
	BackendSocketCAN = "socketcan"
	BackendSLCAN     = "slcan"
)

// ChannelSpec selects the controller behind one gs_usb channel.
type ChannelSpec struct {
	// Backend is virtual (default), socketcan or slcan.
	Backend string `json:"backend,omitempty"`
	// Bus names the virtual bus (default "vcan0").
	Bus string `json:"bus,omitempty"`
	// Interface is the SocketCAN interface, e.g. "can0".
	Interface string `json:"interface,omitempty"`
	// Device and Baud select the serial port of an SLCAN adapter.
	Device string `json:"device,omitempty"`
	Baud   int    `json:"baud,omitempty"`
	// FD advertises CAN FD on a SocketCAN interface.
	FD bool `json:"fd,omitempty"`
}

type DeviceCreateRequest struct {
	Type      *string       `json:"type"`
	IdVendor  *uint16       `json:"idVendor,omitempty"`
	IdProduct *uint16       `json:"idProduct,omitempty"`
	Serial    string        `json:"serial,omitempty"`
	Channels  []ChannelSpec `json:"channels,omitempty"`
}

// UnmarshalJSON implements custom unmarshaling to accept both uint16 and hex string formats
// for idVendor and idProduct (e.g., "0x12ac" or 4780).
func (d *DeviceCreateRequest) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type      *string       `json:"type"`
		IdVendor  any           `json:"idVendor,omitempty"`
		IdProduct any           `json:"idProduct,omitempty"`
		Serial    string        `json:"serial,omitempty"`
		Channels  []ChannelSpec `json:"channels,omitempty"`
	}

	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	d.Type = raw.Type
	d.Serial = raw.Serial
	d.Channels = raw.Channels

	if raw.IdVendor != nil {
		val, err := parseUint16OrHex(raw.IdVendor)
		if err != nil {
			return fmt.Errorf("idVendor: %w", err)
		}
		d.IdVendor = &val
	}

	if raw.IdProduct != nil {
		val, err := parseUint16OrHex(raw.IdProduct)
		if err != nil {
			return fmt.Errorf("idProduct: %w", err)
		}
		d.IdProduct = &val
	}

	return nil
}

// parseUint16OrHex accepts either a JSON number or a hex string like "0x12ac"
func parseUint16OrHex(v any) (uint16, error) {
	switch val := v.(type) {
	case float64:
		if val < 0 || val > 65535 {
			return 0, fmt.Errorf("value %v out of uint16 range", val)
		}
		return uint16(val), nil
	case string:
		s := strings.TrimSpace(val)
		base := 10
		if strings.HasPrefix(strings.ToLower(s), "0x") {
			s = s[2:]
			base = 16
		} else if strings.ContainsAny(s, "abcdefABCDEF") {
			base = 16
		}
		parsed, err := strconv.ParseUint(s, base, 16)
		if err != nil {
			return 0, fmt.Errorf("invalid hex/numeric string %q: %w", val, err)
		}
		return uint16(parsed), nil
	default:
		return 0, fmt.Errorf("expected number or hex string, got %T", v)
	}
}

// ChannelStatus reports one gs_usb channel.
type ChannelStatus struct {
	Index        uint16    `json:"index"`
	Controller   string    `json:"controller"`
	Features     uint32    `json:"features"`
	Started      bool      `json:"started"`
	Mode         uint32    `json:"mode"`
	State        string    `json:"state"`
	RxErrors     uint8     `json:"rxErrors"`
	TxErrors     uint8     `json:"txErrors"`
	BusOff       bool      `json:"busOff"`
	Overflows    uint32    `json:"overflows"`
	Identify     bool      `json:"identify"`
	Termination  bool      `json:"termination"`
	Frames       uint64    `json:"frames"`
	LastActivity time.Time `json:"lastActivity,omitzero"`
}

type DeviceStatusResponse struct {
	BusID    uint32          `json:"busId"`
	DevId    string          `json:"devId"`
	Enabled  bool            `json:"enabled"`
	Channels []ChannelStatus `json:"channels"`
}

// StateInjectRequest forces the fault confinement state of a virtual
// controller. State is one of error-active, error-warning, error-passive,
// bus-off.
type StateInjectRequest struct {
	Channel  uint16 `json:"channel"`
	State    string `json:"state"`
	RxErrors uint8  `json:"rxErrors"`
	TxErrors uint8  `json:"txErrors"`
}

type StateInjectResponse struct {
	Channel uint16 `json:"channel"`
	State   string `json:"state"`
}
