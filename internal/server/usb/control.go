package usb

import (
	"fmt"

	"github.com/Alia5/CANIPER/usb"
)

// control answers a control transfer on endpoint 0. Standard requests are
// handled here; class and vendor requests go to the device. An error
// stalls the pipe.
func (st *urbStream) control(raw []byte, out []byte) ([]byte, error) {
	setup, err := usb.ParseSetupPacket(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", usb.ErrStall, err)
	}
	var resp []byte
	if setup.Type() == usb.RequestTypeStandard {
		resp, err = st.standard(setup)
	} else if h, ok := st.dev.(usb.ControlHandler); ok {
		resp, err = h.HandleControl(setup, out)
	} else {
		err = fmt.Errorf("%w: no control handler", usb.ErrStall)
	}
	if err != nil {
		st.s.logger.Debug("Control request stalled", "setup", setup, "error", err)
		return nil, err
	}
	if setup.IsDeviceToHost() && len(resp) > int(setup.Length) {
		resp = resp[:setup.Length]
	}
	return resp, nil
}

func (st *urbStream) standard(setup usb.SetupPacket) ([]byte, error) {
	desc := st.dev.GetDescriptor()
	switch setup.Request {
	case usb.RequestGetDescriptor:
		var data []byte
		switch setup.DescriptorType() {
		case usb.DeviceDescType:
			data = desc.Bytes()
		case usb.ConfigDescType:
			data = desc.ConfigurationBytes()
		case usb.StringDescType:
			data = desc.StringBytes(setup.DescriptorIndex())
		case usb.BOSDescType:
			data = desc.BOS
		}
		if len(data) == 0 {
			return nil, fmt.Errorf("%w: no descriptor 0x%02x/%d", usb.ErrStall, setup.DescriptorType(), setup.DescriptorIndex())
		}
		return data, nil

	case usb.RequestSetAddress:
		return nil, nil

	case usb.RequestSetConfiguration:
		cfg := uint8(setup.Value)
		if cfg > desc.Device.BNumConfigurations {
			return nil, fmt.Errorf("%w: configuration %d", usb.ErrStall, cfg)
		}
		prev := st.config
		st.config = cfg
		if lc, ok := st.dev.(usb.Lifecycle); ok {
			switch {
			case cfg == 0:
				lc.Disable()
			case prev == 0:
				lc.Enable()
			}
		}
		st.s.logger.Debug("Configuration set", "value", cfg)
		return nil, nil

	case usb.RequestGetConfiguration:
		return []byte{st.config}, nil

	case usb.RequestGetStatus:
		return []byte{0, 0}, nil

	case usb.RequestGetInterface:
		return []byte{0}, nil

	case usb.RequestSetInterface:
		if setup.Value != 0 {
			return nil, fmt.Errorf("%w: alternate setting %d", usb.ErrStall, setup.Value)
		}
		return nil, nil

	case usb.RequestClearFeature, usb.RequestSetFeature:
		return nil, nil
	}
	return nil, fmt.Errorf("%w: standard request 0x%02x", usb.ErrStall, setup.Request)
}
