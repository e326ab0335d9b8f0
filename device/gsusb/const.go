package gsusb

// Vendor request codes (bRequest).
const (
	RequestHostFormat     uint8 = 0
	RequestBittiming      uint8 = 1
	RequestMode           uint8 = 2
	RequestBerr           uint8 = 3
	RequestBTConst        uint8 = 4
	RequestDeviceConfig   uint8 = 5
	RequestTimestamp      uint8 = 6
	RequestIdentify       uint8 = 7
	RequestGetUserID      uint8 = 8
	RequestSetUserID      uint8 = 9
	RequestDataBittiming  uint8 = 10
	RequestBTConstExt     uint8 = 11
	RequestSetTermination uint8 = 12
	RequestGetTermination uint8 = 13
	RequestGetState       uint8 = 14
)

var requestNames = map[uint8]string{
	RequestHostFormat:     "host_format",
	RequestBittiming:      "bittiming",
	RequestMode:           "mode",
	RequestBerr:           "berr",
	RequestBTConst:        "bt_const",
	RequestDeviceConfig:   "device_config",
	RequestTimestamp:      "timestamp",
	RequestIdentify:       "identify",
	RequestGetUserID:      "get_user_id",
	RequestSetUserID:      "set_user_id",
	RequestDataBittiming:  "data_bittiming",
	RequestBTConstExt:     "bt_const_ext",
	RequestSetTermination: "set_termination",
	RequestGetTermination: "get_termination",
	RequestGetState:       "get_state",
}

// RequestName returns a stable label for a request code.
func RequestName(req uint8) string {
	if n, ok := requestNames[req]; ok {
		return n
	}
	return "unknown"
}

// Feature bits reported in bt_const. Mode flags share the same bit
// positions.
const (
	FeatureListenOnly          uint32 = 1 << 0
	FeatureLoopBack            uint32 = 1 << 1
	FeatureTripleSample        uint32 = 1 << 2
	FeatureOneShot             uint32 = 1 << 3
	FeatureHWTimestamp         uint32 = 1 << 4
	FeatureIdentify            uint32 = 1 << 5
	FeatureUserID              uint32 = 1 << 6
	FeaturePadPkts             uint32 = 1 << 7
	FeatureFD                  uint32 = 1 << 8
	FeatureReqUSBQuirkLPC546XX uint32 = 1 << 9
	FeatureBTConstExt          uint32 = 1 << 10
	FeatureTermination         uint32 = 1 << 11
	FeatureBerrReporting       uint32 = 1 << 12
	FeatureGetState            uint32 = 1 << 13
)

// Channel modes carried in device_mode.mode.
const (
	ChannelModeReset uint32 = 0
	ChannelModeStart uint32 = 1
)

// Channel states reported by GET_STATE.
const (
	StateErrorActive  uint32 = 0
	StateErrorWarning uint32 = 1
	StateErrorPassive uint32 = 2
	StateBusOff       uint32 = 3
	StateStopped      uint32 = 4
	StateSleeping     uint32 = 5
)

// Identify and termination values.
const (
	Off uint32 = 0
	On  uint32 = 1
)

// HostFormat is the only byte order marker accepted by HOST_FORMAT.
const HostFormat uint32 = 0x0000beef

// Host frame flags.
const (
	FlagOverflow uint8 = 1 << 0
	FlagFD       uint8 = 1 << 1
	FlagBRS      uint8 = 1 << 2
	FlagESI      uint8 = 1 << 3
)

// can_id flags, error classes in the low bits of error frames.
const (
	IDErrCrtl      uint32 = 1 << 2
	IDErrBusOff    uint32 = 1 << 6
	IDErrRestarted uint32 = 1 << 8
	IDErrCnt       uint32 = 1 << 9
	IDErr          uint32 = 1 << 29
	IDRTR          uint32 = 1 << 30
	IDIDE          uint32 = 1 << 31
)

// Error frame payload byte 1 (controller status).
const (
	ErrCrtlRxWarning uint8 = 1 << 2
	ErrCrtlTxWarning uint8 = 1 << 3
	ErrCrtlRxPassive uint8 = 1 << 4
	ErrCrtlTxPassive uint8 = 1 << 5
	ErrCrtlActive    uint8 = 1 << 6
)

// EchoIDRx marks frames received from the bus (and error frames).
const EchoIDRx uint32 = 0xFFFFFFFF

const (
	SWVersion uint32 = 2
	HWVersion uint32 = 1
)

// MaxChannels is the largest channel count the wire format can express.
const MaxChannels = 256

// Endpoint addresses.
const (
	EndpointIn    uint8 = 0x81
	EndpointDummy uint8 = 0x01
	EndpointOut   uint8 = 0x02
	BulkMaxPacket       = 64
)

// Microsoft OS 2.0 descriptor retrieval.
const (
	MSOSVendorCode         uint8  = 0xaa
	MSOS20DescriptorIndex  uint16 = 0x07
	DeviceInterfaceGUID           = "{B24D8379-235F-4853-95E7-7772516FA2D5}"
	DefaultVendorID        uint16 = 0x1d50
	DefaultProductID       uint16 = 0x606f
	DefaultManufacturer           = "CANIPER"
	DefaultProduct                = "CANIPER gs_usb"
	DefaultSerial                 = "000000000001"
)
