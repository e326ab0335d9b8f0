// Package usb holds the device side USB model shared by the USB/IP server
// and device implementations: descriptors, setup packets and the Device
// interface.
package usb

import "encoding/binary"

// Descriptor types (bDescriptorType).
const (
	DeviceDescType           = 0x01
	ConfigDescType           = 0x02
	StringDescType           = 0x03
	InterfaceDescType        = 0x04
	EndpointDescType         = 0x05
	IADDescType              = 0x0B
	BOSDescType              = 0x0F
	DeviceCapabilityDescType = 0x10
)

// Fixed descriptor lengths (bLength).
const (
	DeviceDescLen    = 18
	ConfigDescLen    = 9
	InterfaceDescLen = 9
	EndpointDescLen  = 7
	IADDescLen       = 8
	BOSDescLen       = 5
)

// Endpoint transfer types (bmAttributes).
const (
	EndpointControl     = 0x00
	EndpointIsochronous = 0x01
	EndpointBulk        = 0x02
	EndpointInterrupt   = 0x03
)

// LangIDEnglishUS is reported in string descriptor 0.
const LangIDEnglishUS = 0x0409

// Descriptor is the static descriptor set of a device with a single
// configuration.
type Descriptor struct {
	Device DeviceDescriptor
	// IAD, when set, precedes the first interface in the configuration.
	IAD        *InterfaceAssociationDescriptor
	Interfaces []InterfaceConfig
	Strings    map[uint8]string
	// BOS is the complete Binary Object Store, returned as-is.
	BOS []byte
}

// InterfaceConfig is one interface with its endpoints.
type InterfaceConfig struct {
	Descriptor InterfaceDescriptor
	Endpoints  []EndpointDescriptor
	// VendorData follows the interface descriptor verbatim (class or
	// vendor specific descriptors).
	VendorData []byte
}

// DeviceDescriptor carries the fields of the 18 byte device descriptor.
// Speed is not part of it; USB/IP reports it in the device list (1=low,
// 2=full, 3=high, 4=super).
type DeviceDescriptor struct {
	BcdUSB             uint16
	BDeviceClass       uint8
	BDeviceSubClass    uint8
	BDeviceProtocol    uint8
	BMaxPacketSize0    uint8
	IDVendor           uint16
	IDProduct          uint16
	BcdDevice          uint16
	IManufacturer      uint8
	IProduct           uint8
	ISerialNumber      uint8
	BNumConfigurations uint8
	Speed              uint32
}

// AppendBinary appends the device descriptor.
func (d DeviceDescriptor) AppendBinary(b []byte) []byte {
	b = append(b, DeviceDescLen, DeviceDescType)
	b = binary.LittleEndian.AppendUint16(b, d.BcdUSB)
	b = append(b, d.BDeviceClass, d.BDeviceSubClass, d.BDeviceProtocol, d.BMaxPacketSize0)
	b = binary.LittleEndian.AppendUint16(b, d.IDVendor)
	b = binary.LittleEndian.AppendUint16(b, d.IDProduct)
	b = binary.LittleEndian.AppendUint16(b, d.BcdDevice)
	return append(b, d.IManufacturer, d.IProduct, d.ISerialNumber, d.BNumConfigurations)
}

// Bytes returns the device descriptor.
func (d Descriptor) Bytes() []byte {
	return d.Device.AppendBinary(make([]byte, 0, DeviceDescLen))
}

// ConfigurationBytes returns configuration 1 in full: the header, the
// optional IAD, then each interface followed by its vendor bytes and
// endpoints. wTotalLength is patched in last.
func (d Descriptor) ConfigurationBytes() []byte {
	b := ConfigHeader{
		BNumInterfaces:      uint8(len(d.Interfaces)),
		BConfigurationValue: 1,
		BMAttributes:        0x80, // bus powered
		BMaxPower:           50,   // 100 mA
	}.AppendBinary(nil)
	if d.IAD != nil {
		b = d.IAD.AppendBinary(b)
	}
	for _, iface := range d.Interfaces {
		b = iface.Descriptor.AppendBinary(b)
		b = append(b, iface.VendorData...)
		for _, ep := range iface.Endpoints {
			b = ep.AppendBinary(b)
		}
	}
	binary.LittleEndian.PutUint16(b[2:4], uint16(len(b)))
	return b
}

// StringBytes returns string descriptor idx, or nil when it does not exist.
func (d Descriptor) StringBytes(idx uint8) []byte {
	if idx == 0 {
		return LanguageDescriptor()
	}
	if s, ok := d.Strings[idx]; ok {
		return EncodeStringDescriptor(s)
	}
	return nil
}

// EncodeStringDescriptor encodes s as a string descriptor (UTF-16LE after
// the two byte header). Runes outside the BMP are truncated to 16 bits.
func EncodeStringDescriptor(s string) []byte {
	runes := []rune(s)
	b := make([]byte, 2, 2+2*len(runes))
	b[0] = uint8(cap(b))
	b[1] = StringDescType
	for _, r := range runes {
		b = binary.LittleEndian.AppendUint16(b, uint16(r))
	}
	return b
}

// LanguageDescriptor is string descriptor 0.
func LanguageDescriptor() []byte {
	return binary.LittleEndian.AppendUint16([]byte{4, StringDescType}, LangIDEnglishUS)
}

// ConfigHeader is the 9 byte configuration descriptor header.
type ConfigHeader struct {
	WTotalLength        uint16
	BNumInterfaces      uint8
	BConfigurationValue uint8
	IConfiguration      uint8
	BMAttributes        uint8
	BMaxPower           uint8
}

func (h ConfigHeader) AppendBinary(b []byte) []byte {
	b = append(b, ConfigDescLen, ConfigDescType)
	b = binary.LittleEndian.AppendUint16(b, h.WTotalLength)
	return append(b, h.BNumInterfaces, h.BConfigurationValue, h.IConfiguration, h.BMAttributes, h.BMaxPower)
}

// InterfaceAssociationDescriptor groups interfaces into one function.
type InterfaceAssociationDescriptor struct {
	BFirstInterface   uint8
	BInterfaceCount   uint8
	BFunctionClass    uint8
	BFunctionSubClass uint8
	BFunctionProtocol uint8
	IFunction         uint8
}

func (a InterfaceAssociationDescriptor) AppendBinary(b []byte) []byte {
	return append(b, IADDescLen, IADDescType,
		a.BFirstInterface, a.BInterfaceCount,
		a.BFunctionClass, a.BFunctionSubClass, a.BFunctionProtocol,
		a.IFunction)
}

// InterfaceDescriptor is one interface altsetting.
type InterfaceDescriptor struct {
	BInterfaceNumber   uint8
	BAlternateSetting  uint8
	BNumEndpoints      uint8
	BInterfaceClass    uint8
	BInterfaceSubClass uint8
	BInterfaceProtocol uint8
	IInterface         uint8
}

func (i InterfaceDescriptor) AppendBinary(b []byte) []byte {
	return append(b, InterfaceDescLen, InterfaceDescType,
		i.BInterfaceNumber, i.BAlternateSetting, i.BNumEndpoints,
		i.BInterfaceClass, i.BInterfaceSubClass, i.BInterfaceProtocol,
		i.IInterface)
}

// EndpointDescriptor is one endpoint.
type EndpointDescriptor struct {
	BEndpointAddress uint8
	BMAttributes     uint8
	WMaxPacketSize   uint16
	BInterval        uint8
}

func (e EndpointDescriptor) AppendBinary(b []byte) []byte {
	b = append(b, EndpointDescLen, EndpointDescType, e.BEndpointAddress, e.BMAttributes)
	b = binary.LittleEndian.AppendUint16(b, e.WMaxPacketSize)
	return append(b, e.BInterval)
}

// BuildBOS wraps device capability descriptors in a BOS header.
func BuildBOS(caps ...[]byte) []byte {
	total := BOSDescLen
	for _, c := range caps {
		total += len(c)
	}
	b := append(make([]byte, 0, total), BOSDescLen, BOSDescType)
	b = binary.LittleEndian.AppendUint16(b, uint16(total))
	b = append(b, uint8(len(caps)))
	for _, c := range caps {
		b = append(b, c...)
	}
	return b
}
