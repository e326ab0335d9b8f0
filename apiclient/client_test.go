package apiclient_test

import (
	"context"
	"errors"
	"testing"

	apiclient "github.com/Alia5/CANIPER/apiclient"
	apitypes "github.com/Alia5/CANIPER/apitypes"
	"github.com/Alia5/CANIPER/device"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorded is what the mock transport saw for one request.
type recorded struct {
	path    string
	payload any
	params  map[string]string
}

// mockClient answers every request with reply (or fails with err) and
// records the request.
func mockClient(reply string, err error) (*apiclient.Client, *recorded) {
	rec := &recorded{}
	c := apiclient.WithTransport(apiclient.NewMockTransport(func(path string, payload any, params map[string]string) (string, error) {
		*rec = recorded{path: path, payload: payload, params: params}
		return reply, err
	}))
	return c, rec
}

// testClient answers each path from responses; err fails every request.
func testClient(responses map[string]string, err error) *apiclient.Client {
	return apiclient.WithTransport(apiclient.NewMockTransport(func(path string, _ any, _ map[string]string) (string, error) {
		if err != nil {
			return "", err
		}
		return responses[path], nil
	}))
}

func TestClient_Requests(t *testing.T) {
	tests := []struct {
		name    string
		reply   string
		call    func(c *apiclient.Client) (any, error)
		path    string
		payload any
		params  map[string]string
		want    any
	}{
		{
			name:  "ping",
			reply: `{"server":"caniper","version":"dev"}`,
			call:  func(c *apiclient.Client) (any, error) { return c.Ping() },
			path:  "ping",
			want:  &apitypes.PingResponse{Server: "caniper", Version: "dev"},
		},
		{
			name:    "bus create",
			reply:   `{"busId":42}`,
			call:    func(c *apiclient.Client) (any, error) { return c.BusCreate(42) },
			path:    "bus/create",
			payload: "42",
			want:    &apitypes.BusCreateResponse{BusID: 42},
		},
		{
			name:    "bus remove",
			reply:   `{"busId":7}`,
			call:    func(c *apiclient.Client) (any, error) { return c.BusRemove(7) },
			path:    "bus/remove",
			payload: "7",
			want:    &apitypes.BusRemoveResponse{BusID: 7},
		},
		{
			name:   "devices list",
			reply:  `{"devices":[{"busId":1,"devId":"1","vid":"0x1d50","pid":"0x606f","type":"gsusb","channels":2}]}`,
			call:   func(c *apiclient.Client) (any, error) { return c.DevicesList(1) },
			path:   "bus/{id}/list",
			params: map[string]string{"id": "1"},
			want: &apitypes.DevicesListResponse{Devices: []apitypes.Device{
				{BusID: 1, DevId: "1", Vid: "0x1d50", Pid: "0x606f", Type: "gsusb", Channels: 2},
			}},
		},
		{
			name:    "device remove",
			reply:   `{"busId":3,"devId":"2"}`,
			call:    func(c *apiclient.Client) (any, error) { return c.DeviceRemove(3, "2") },
			path:    "bus/{id}/remove",
			payload: "2",
			params:  map[string]string{"id": "3"},
			want:    &apitypes.DeviceRemoveResponse{BusID: 3, DevId: "2"},
		},
		{
			name:    "inject state",
			reply:   `{"channel":1,"state":"bus-off"}`,
			call:    func(c *apiclient.Client) (any, error) { return c.InjectState(1, "1", apitypes.StateInjectRequest{Channel: 1, State: "bus-off"}) },
			path:    "bus/{busId}/{deviceid}/state",
			payload: apitypes.StateInjectRequest{Channel: 1, State: "bus-off"},
			params:  map[string]string{"busId": "1", "deviceid": "1"},
			want:    &apitypes.StateInjectResponse{Channel: 1, State: "bus-off"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, rec := mockClient(tt.reply, nil)
			got, err := tt.call(c)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.path, rec.path)
			assert.Equal(t, tt.payload, rec.payload)
			if tt.params != nil {
				assert.Equal(t, tt.params, rec.params)
			}
		})
	}
}

func TestClient_DeviceStatus(t *testing.T) {
	c, rec := mockClient(`{"busId":1,"devId":"1","enabled":true,"channels":[{"index":0,"controller":"vcan0/ch0","features":0,"started":true,"mode":0,"state":"error-active","rxErrors":0,"txErrors":0,"busOff":false,"overflows":0,"identify":false,"termination":false,"frames":3}]}`, nil)
	resp, err := c.DeviceStatus(1, "1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"busId": "1", "deviceid": "1"}, rec.params)
	assert.True(t, resp.Enabled)
	require.Len(t, resp.Channels, 1)
	assert.Equal(t, "error-active", resp.Channels[0].State)
	assert.Equal(t, uint64(3), resp.Channels[0].Frames)
}

func TestClient_DeviceAddPayload(t *testing.T) {
	c, rec := mockClient(`{"busId":1,"devId":"1","vid":"0x1d50","pid":"0x606f","type":"gsusb","channels":1}`, nil)
	vid := uint16(0x1234)
	_, err := c.DeviceAdd(1, "gsusb", &device.CreateOptions{
		IdVendor: &vid,
		Channels: []apitypes.ChannelSpec{{Backend: apitypes.BackendVirtual, Bus: "vcan0"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "bus/{id}/add", rec.path)
	body, ok := rec.payload.([]byte)
	require.True(t, ok)
	assert.Contains(t, string(body), `"type":"gsusb"`)
	assert.Contains(t, string(body), `"bus":"vcan0"`)

	_, err = c.DeviceAdd(1, "gsusb", nil)
	require.NoError(t, err, "nil options are allowed")
}

func TestClient_Errors(t *testing.T) {
	tests := []struct {
		name    string
		reply   string
		err     error
		wantErr string
	}{
		{name: "problem document", reply: `{"status":400,"title":"Bad Request","detail":"invalid busId"}`, wantErr: "400 Bad Request: invalid busId"},
		{name: "transport failure", err: errors.New("dial fail"), wantErr: "dial fail"},
		{name: "empty reply", wantErr: "empty response"},
		{name: "unknown field", reply: `{"buses":[1,2,3],"extra":true}`, wantErr: "decode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := mockClient(tt.reply, tt.err)
			_, err := c.BusList()
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}

	c, _ := mockClient(`{"status":404,"title":"Not Found","detail":"bus 9 not found"}`, nil)
	_, err := c.BusRemove(9)
	var apiErr *apitypes.ApiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 404, apiErr.Status)
}

func TestClient_CanceledContext(t *testing.T) {
	c := apiclient.New("127.0.0.1:9")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.BusListCtx(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
