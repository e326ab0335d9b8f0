package gsusb

import (
	"encoding/binary"
	"unicode/utf16"

	"github.com/Alia5/CANIPER/usb"
)

// Identity overrides the USB identity of a device.
type Identity struct {
	VendorID     uint16
	ProductID    uint16
	Manufacturer string
	Product      string
	Serial       string
}

func (id Identity) withDefaults() Identity {
	if id.VendorID == 0 {
		id.VendorID = DefaultVendorID
	}
	if id.ProductID == 0 {
		id.ProductID = DefaultProductID
	}
	if id.Manufacturer == "" {
		id.Manufacturer = DefaultManufacturer
	}
	if id.Product == "" {
		id.Product = DefaultProduct
	}
	if id.Serial == "" {
		id.Serial = DefaultSerial
	}
	return id
}

const (
	strManufacturer = 1
	strProduct      = 2
	strSerial       = 3
)

// MS OS 2.0 descriptor types and constants.
const (
	msos20SetHeader          = 0x00
	msos20CompatibleID       = 0x03
	msos20RegProperty        = 0x04
	msos20VendorRevision     = 0x08
	msos20RegMultiSZ         = 0x07
	msosWindowsVersion81     = 0x06030000
	bosCapabilityExtension   = 0x02
	bosCapabilityPlatform    = 0x05
	msos20PropertyDataLength = 80
)

// msOS20PlatformUUID is D8DD60DF-4589-4CC7-9CD2-659D9E648A9F in wire order.
var msOS20PlatformUUID = [16]byte{
	0xDF, 0x60, 0xDD, 0xD8, 0x89, 0x45, 0xC7, 0x4C,
	0x9C, 0xD2, 0x65, 0x9D, 0x9E, 0x64, 0x8A, 0x9F,
}

func utf16z(s string, size int) []byte {
	out := make([]byte, size)
	for i, u := range utf16.Encode([]rune(s)) {
		binary.LittleEndian.PutUint16(out[i*2:], u)
	}
	return out
}

// MSOS20DescriptorSet returns the Microsoft OS 2.0 descriptor set binding
// WinUSB with the device interface GUID.
func MSOS20DescriptorSet() []byte {
	le16 := binary.LittleEndian.AppendUint16
	le32 := binary.LittleEndian.AppendUint32

	var feat []byte
	// compatible ID
	feat = le16(feat, 20)
	feat = le16(feat, msos20CompatibleID)
	feat = append(feat, 'W', 'I', 'N', 'U', 'S', 'B', 0, 0)
	feat = append(feat, make([]byte, 8)...)
	// DeviceInterfaceGUIDs registry property
	name := utf16z("DeviceInterfaceGUIDs", 42)
	data := utf16z(DeviceInterfaceGUID, msos20PropertyDataLength)
	feat = le16(feat, uint16(10+len(name)+len(data)))
	feat = le16(feat, msos20RegProperty)
	feat = le16(feat, msos20RegMultiSZ)
	feat = le16(feat, uint16(len(name)))
	feat = append(feat, name...)
	feat = le16(feat, uint16(len(data)))
	feat = append(feat, data...)
	// vendor revision
	feat = le16(feat, 6)
	feat = le16(feat, msos20VendorRevision)
	feat = le16(feat, 1)

	out := make([]byte, 0, 10+len(feat))
	out = le16(out, 10)
	out = le16(out, msos20SetHeader)
	out = le32(out, msosWindowsVersion81)
	out = le16(out, uint16(10+len(feat)))
	return append(out, feat...)
}

// BOSDescriptor returns the BOS with a USB 2.0 extension capability and the
// MS OS 2.0 platform capability.
func BOSDescriptor() []byte {
	ext := []byte{7, usb.DeviceCapabilityDescType, bosCapabilityExtension, 0, 0, 0, 0}

	plat := []byte{28, usb.DeviceCapabilityDescType, bosCapabilityPlatform, 0}
	plat = append(plat, msOS20PlatformUUID[:]...)
	plat = binary.LittleEndian.AppendUint32(plat, msosWindowsVersion81)
	plat = binary.LittleEndian.AppendUint16(plat, uint16(len(MSOS20DescriptorSet())))
	plat = append(plat, MSOSVendorCode, 0)

	return usb.BuildBOS(ext, plat)
}

// NewDescriptor builds the USB descriptors of a gs_usb adapter: a
// miscellaneous class device with one IAD-wrapped vendor interface and
// three bulk endpoints.
func NewDescriptor(id Identity) usb.Descriptor {
	id = id.withDefaults()
	ep := func(addr uint8) usb.EndpointDescriptor {
		return usb.EndpointDescriptor{
			BEndpointAddress: addr,
			BMAttributes:     usb.EndpointBulk,
			WMaxPacketSize:   BulkMaxPacket,
		}
	}
	return usb.Descriptor{
		Device: usb.DeviceDescriptor{
			BcdUSB:             0x0201,
			BDeviceClass:       0xEF,
			BDeviceSubClass:    0x02,
			BDeviceProtocol:    0x01,
			BMaxPacketSize0:    64,
			IDVendor:           id.VendorID,
			IDProduct:          id.ProductID,
			BcdDevice:          0x0100,
			IManufacturer:      strManufacturer,
			IProduct:           strProduct,
			ISerialNumber:      strSerial,
			BNumConfigurations: 1,
			Speed:              2, // full speed
		},
		IAD: &usb.InterfaceAssociationDescriptor{
			BFirstInterface: 0,
			BInterfaceCount: 1,
			BFunctionClass:  0xFF,
		},
		Interfaces: []usb.InterfaceConfig{
			{
				Descriptor: usb.InterfaceDescriptor{
					BInterfaceNumber: 0,
					BNumEndpoints:    3,
					BInterfaceClass:  0xFF,
				},
				Endpoints: []usb.EndpointDescriptor{
					ep(EndpointIn),
					ep(EndpointDummy),
					ep(EndpointOut),
				},
			},
		},
		Strings: map[uint8]string{
			strManufacturer: id.Manufacturer,
			strProduct:      id.Product,
			strSerial:       id.Serial,
		},
		BOS: BOSDescriptor(),
	}
}
