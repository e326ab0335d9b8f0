// Package apiclient talks to the CANIPER management API: bus and device
// management over short request/reply connections, and the binary CAN
// frame stream of a device.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	apitypes "github.com/Alia5/CANIPER/apitypes"
	"github.com/Alia5/CANIPER/device"
)

// Client wraps a Transport with typed requests and responses. Replies
// carrying a problem document are returned as *apitypes.ApiError.
type Client struct{ transport *Transport }

// New returns a client for the API server at addr (host:port).
func New(addr string) *Client { return &Client{transport: NewTransport(addr)} }

// NewWithPassword returns a client that opens an authenticated session.
func NewWithPassword(addr, password string) *Client {
	return &Client{transport: NewTransportWithPassword(addr, password)}
}

// NewWithConfig returns a client with explicit transport settings.
func NewWithConfig(addr string, cfg *Config) *Client {
	return &Client{transport: NewTransportWithConfig(addr, cfg)}
}

// WithTransport returns a client over t, e.g. a mock transport.
func WithTransport(t *Transport) *Client { return &Client{transport: t} }

func busParams(busID uint32) map[string]string {
	return map[string]string{"id": strconv.FormatUint(uint64(busID), 10)}
}

func deviceParams(busID uint32, devID string) map[string]string {
	return map[string]string{"busId": strconv.FormatUint(uint64(busID), 10), "deviceid": devID}
}

// call performs one request and decodes its reply into T.
func call[T any](ctx context.Context, c *Client, path string, payload any, params map[string]string) (*T, error) {
	raw, err := c.transport.DoCtx(ctx, path, payload, params)
	if err != nil {
		return nil, err
	}
	return parse[T](raw)
}

func (c *Client) Ping() (*apitypes.PingResponse, error) {
	return c.PingCtx(context.Background())
}

// PingCtx returns the server version.
func (c *Client) PingCtx(ctx context.Context) (*apitypes.PingResponse, error) {
	return call[apitypes.PingResponse](ctx, c, "ping", nil, nil)
}

// BusCreate creates the USB/IP bus busID; taken numbers are a conflict.
func (c *Client) BusCreate(busID uint32) (*apitypes.BusCreateResponse, error) {
	return c.BusCreateCtx(context.Background(), busID)
}

func (c *Client) BusCreateCtx(ctx context.Context, busID uint32) (*apitypes.BusCreateResponse, error) {
	return call[apitypes.BusCreateResponse](ctx, c, "bus/create", strconv.FormatUint(uint64(busID), 10), nil)
}

// BusRemove removes a bus together with its devices.
func (c *Client) BusRemove(busID uint32) (*apitypes.BusRemoveResponse, error) {
	return c.BusRemoveCtx(context.Background(), busID)
}

func (c *Client) BusRemoveCtx(ctx context.Context, busID uint32) (*apitypes.BusRemoveResponse, error) {
	return call[apitypes.BusRemoveResponse](ctx, c, "bus/remove", strconv.FormatUint(uint64(busID), 10), nil)
}

func (c *Client) BusList() (*apitypes.BusListResponse, error) {
	return c.BusListCtx(context.Background())
}

func (c *Client) BusListCtx(ctx context.Context) (*apitypes.BusListResponse, error) {
	return call[apitypes.BusListResponse](ctx, c, "bus/list", nil, nil)
}

// DeviceAdd creates a device of devType ("gsusb") on a bus. o selects the
// USB identity and the CAN channels; nil means one virtual channel on the
// server's default bus.
func (c *Client) DeviceAdd(busID uint32, devType string, o *device.CreateOptions) (*apitypes.Device, error) {
	return c.DeviceAddCtx(context.Background(), busID, devType, o)
}

func (c *Client) DeviceAddCtx(ctx context.Context, busID uint32, devType string, o *device.CreateOptions) (*apitypes.Device, error) {
	if o == nil {
		o = &device.CreateOptions{}
	}
	req := apitypes.DeviceCreateRequest{
		Type:      &devType,
		IdVendor:  o.IdVendor,
		IdProduct: o.IdProduct,
		Serial:    o.Serial,
		Channels:  o.Channels,
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal device create request: %w", err)
	}
	return call[apitypes.Device](ctx, c, "bus/{id}/add", payload, busParams(busID))
}

// DeviceRemove removes device devID ("1") from a bus. Its USB/IP and
// stream connections are closed by the server.
func (c *Client) DeviceRemove(busID uint32, devID string) (*apitypes.DeviceRemoveResponse, error) {
	return c.DeviceRemoveCtx(context.Background(), busID, devID)
}

func (c *Client) DeviceRemoveCtx(ctx context.Context, busID uint32, devID string) (*apitypes.DeviceRemoveResponse, error) {
	return call[apitypes.DeviceRemoveResponse](ctx, c, "bus/{id}/remove", devID, busParams(busID))
}

func (c *Client) DevicesList(busID uint32) (*apitypes.DevicesListResponse, error) {
	return c.DevicesListCtx(context.Background(), busID)
}

func (c *Client) DevicesListCtx(ctx context.Context, busID uint32) (*apitypes.DevicesListResponse, error) {
	return call[apitypes.DevicesListResponse](ctx, c, "bus/{id}/list", nil, busParams(busID))
}

// DeviceStatus reports the per-channel state of a gs_usb device.
func (c *Client) DeviceStatus(busID uint32, devID string) (*apitypes.DeviceStatusResponse, error) {
	return c.DeviceStatusCtx(context.Background(), busID, devID)
}

func (c *Client) DeviceStatusCtx(ctx context.Context, busID uint32, devID string) (*apitypes.DeviceStatusResponse, error) {
	return call[apitypes.DeviceStatusResponse](ctx, c, "bus/{busId}/{deviceid}/status", nil, deviceParams(busID, devID))
}

// InjectState forces the error state of a virtual channel.
func (c *Client) InjectState(busID uint32, devID string, req apitypes.StateInjectRequest) (*apitypes.StateInjectResponse, error) {
	return c.InjectStateCtx(context.Background(), busID, devID, req)
}

func (c *Client) InjectStateCtx(ctx context.Context, busID uint32, devID string, req apitypes.StateInjectRequest) (*apitypes.StateInjectResponse, error) {
	return call[apitypes.StateInjectResponse](ctx, c, "bus/{busId}/{deviceid}/state", req, deviceParams(busID, devID))
}

// parse decodes a reply strictly: unknown fields are an error so a client
// never silently runs against a server speaking a different schema.
func parse[T any](data string) (*T, error) {
	if data == "" {
		return nil, errors.New("empty response")
	}
	var problem apitypes.ApiError
	if json.Unmarshal([]byte(data), &problem) == nil && (problem.Status != 0 || problem.Title != "") {
		return nil, &problem
	}
	var out T
	dec := json.NewDecoder(bytes.NewReader([]byte(data)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return &out, nil
}
