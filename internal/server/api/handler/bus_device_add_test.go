package handler_test

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alia5/CANIPER/apiclient"
	"github.com/Alia5/CANIPER/apitypes"
	"github.com/Alia5/CANIPER/device"
	"github.com/Alia5/CANIPER/internal/server/api"
	"github.com/Alia5/CANIPER/internal/server/api/handler"
	"github.com/Alia5/CANIPER/internal/server/usb"
	th "github.com/Alia5/CANIPER/internal/testing"
	"github.com/Alia5/CANIPER/virtualbus"
)

func addBus(t *testing.T, s *usb.Server, id uint32) *virtualbus.VirtualBus {
	t.Helper()
	b, err := virtualbus.NewWithBusId(id)
	if err != nil {
		t.Fatalf("create bus failed: %v", err)
	}
	if err := s.AddBus(b); err != nil {
		t.Fatalf("add bus failed: %v", err)
	}
	return b
}

func TestBusDeviceAdd(t *testing.T) {
	tests := []struct {
		name             string
		setup            func(t *testing.T, s *usb.Server)
		pathParams       map[string]string
		payload          any
		expectedResponse string
		expectedStatus   int
	}{
		{
			name:             "add device to existing bus",
			setup:            func(t *testing.T, s *usb.Server) { addBus(t, s, 80001) },
			pathParams:       map[string]string{"id": "80001"},
			payload:          `{"type": "gsusb"}`,
			expectedResponse: `{"busId":80001, "devId": "1", "vid":"0x1d50", "pid":"0x606f", "type":"gsusb", "channels":1}`,
		},
		{
			name:             "custom ids as hex strings",
			setup:            func(t *testing.T, s *usb.Server) { addBus(t, s, 80002) },
			pathParams:       map[string]string{"id": "80002"},
			payload:          `{"type": "gsusb", "idVendor": "0x1234", "idProduct": 4660, "serial": "CAFE"}`,
			expectedResponse: `{"busId":80002, "devId": "1", "vid":"0x1234", "pid":"0x1234", "type":"gsusb", "channels":1}`,
		},
		{
			name:             "several virtual channels",
			setup:            func(t *testing.T, s *usb.Server) { addBus(t, s, 80003) },
			pathParams:       map[string]string{"id": "80003"},
			payload:          `{"type": "GSUSB", "channels": [{"backend": "virtual", "bus": "add-a"}, {"bus": "add-b"}, {}]}`,
			expectedResponse: `{"busId":80003, "devId": "1", "vid":"0x1d50", "pid":"0x606f", "type":"gsusb", "channels":3}`,
		},
		{
			name:             "add device to non-existing bus",
			pathParams:       map[string]string{"id": "99999"},
			payload:          `{"type": "gsusb"}`,
			expectedResponse: `{"status":404,"title":"Not Found","detail":"bus 99999 not found"}`,
		},
		{
			name:             "invalid bus number",
			pathParams:       map[string]string{"id": "baz"},
			payload:          `{"type": "gsusb"}`,
			expectedResponse: `{"status":400,"title":"Bad Request","detail":"invalid busId: strconv.ParseUint: parsing \"baz\": invalid syntax"}`,
		},
		{
			name:             "invalid json",
			setup:            func(t *testing.T, s *usb.Server) { addBus(t, s, 80004) },
			pathParams:       map[string]string{"id": "80004"},
			payload:          `gsusb`,
			expectedResponse: `{"status":400,"title":"Bad Request","detail":"invalid JSON payload: invalid character 'g' looking for beginning of value"}`,
		},
		{
			name:             "missing type",
			setup:            func(t *testing.T, s *usb.Server) { addBus(t, s, 80006) },
			pathParams:       map[string]string{"id": "80006"},
			payload:          `{"tpe": "gsusb"}`,
			expectedResponse: `{"status":400,"title":"Bad Request","detail":"missing device type"}`,
		},
		{
			name:             "unknown type",
			setup:            func(t *testing.T, s *usb.Server) { addBus(t, s, 80007) },
			pathParams:       map[string]string{"id": "80007"},
			payload:          `{"type": "joystick"}`,
			expectedResponse: `{"status":400,"title":"Bad Request","detail":"unknown device type: joystick"}`,
		},
		{
			name:           "unknown backend",
			setup:          func(t *testing.T, s *usb.Server) { addBus(t, s, 80008) },
			pathParams:     map[string]string{"id": "80008"},
			payload:        `{"type": "gsusb", "channels": [{"backend": "can9"}]}`,
			expectedStatus: 422,
		},
		{
			name:           "socketcan without interface",
			setup:          func(t *testing.T, s *usb.Server) { addBus(t, s, 80009) },
			pathParams:     map[string]string{"id": "80009"},
			payload:        `{"type": "gsusb", "channels": [{"backend": "socketcan"}]}`,
			expectedStatus: 422,
		},
		{
			name:           "too many channels",
			setup:          func(t *testing.T, s *usb.Server) { addBus(t, s, 80010) },
			pathParams:     map[string]string{"id": "80010"},
			payload:        `{"type": "gsusb", "channels": [` + strings.Repeat(`{},`, 256) + `{}]}`,
			expectedStatus: 422,
		},
		{
			name: "correct device id after add/remove",
			setup: func(t *testing.T, s *usb.Server) {
				b := addBus(t, s, 80005)
				if _, err := b.Add(th.NewMockDevice(1, 2)); err != nil {
					t.Fatalf("add device failed: %v", err)
				}
				if err := b.RemoveDeviceByID("1"); err != nil {
					t.Fatalf("remove device failed: %v", err)
				}
			},
			pathParams:       map[string]string{"id": "80005"},
			payload:          `{"type": "gsusb"}`,
			expectedResponse: `{"busId":80005, "devId": "1", "vid":"0x1d50", "pid":"0x606f", "type":"gsusb", "channels":1}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, srv, done := th.StartAPIServer(t, func(r *api.Router, s *usb.Server, apiSrv *api.Server) {
				r.Register("bus/{id}/add", handler.BusDeviceAdd(s, apiSrv))
			})
			defer done()

			c := apiclient.NewTransport(addr)
			if tt.setup != nil {
				tt.setup(t, srv)
			}
			line, err := c.Do("bus/{id}/add", tt.payload, tt.pathParams)
			assert.NoError(t, err)
			if tt.expectedStatus != 0 {
				var apiErr apitypes.ApiError
				require.NoError(t, json.Unmarshal([]byte(line), &apiErr), line)
				assert.Equal(t, tt.expectedStatus, apiErr.Status, line)
				return
			}
			assert.JSONEq(t, tt.expectedResponse, line)
		})
	}
}

func TestBusDeviceAdd_JoinsServerNetwork(t *testing.T) {
	var apiSrv *api.Server
	addr, srv, done := th.StartAPIServer(t, func(r *api.Router, s *usb.Server, as *api.Server) {
		apiSrv = as
		r.Register("bus/{id}/add", handler.BusDeviceAdd(s, as))
	})
	defer done()
	addBus(t, srv, 80101)

	c := apiclient.New(addr)
	_, err := c.DeviceAdd(80101, "gsusb", &device.CreateOptions{
		Channels: []apitypes.ChannelSpec{{Bus: "joined-a"}, {Bus: "joined-b"}},
	})
	require.NoError(t, err)
	assert.Subset(t, apiSrv.Network().Names(), []string{"joined-a", "joined-b"})
}

// Devices stay exported without a stream connection until removed.
func TestBusDeviceAdd_PersistsWithoutStream(t *testing.T) {
	addr, srv, done := th.StartAPIServer(t, func(r *api.Router, s *usb.Server, apiSrv *api.Server) {
		r.Register("bus/{id}/add", handler.BusDeviceAdd(s, apiSrv))
		r.Register("bus/{id}/list", handler.BusDevicesList(s))
		r.Register("bus/{id}/remove", handler.BusDeviceRemove(s))
	})
	defer done()
	addBus(t, srv, 80100)

	c := apiclient.New(addr)
	dev, err := c.DeviceAdd(80100, "gsusb", nil)
	require.NoError(t, err)

	time.Sleep(300 * time.Millisecond)
	list, err := c.DevicesList(80100)
	require.NoError(t, err)
	require.Len(t, list.Devices, 1)
	assert.Equal(t, dev.DevId, list.Devices[0].DevId)

	_, err = c.DeviceRemove(80100, dev.DevId)
	require.NoError(t, err)
	list, err = c.DevicesList(80100)
	require.NoError(t, err)
	assert.Empty(t, list.Devices)
}
