package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	apitypes "github.com/Alia5/usbtest/apitypes"
	"github.com/Alia5/usbtest/device"
)

// Client wraps a Transport with typed calls for every management route.
// Every call has a Ctx variant; the plain form uses context.Background.
type Client struct{ transport *Transport }

// New returns a client for the server at addr (host:port).
func New(addr string) *Client { return &Client{transport: NewTransport(addr)} }

// NewWithPassword returns a client that authenticates with password.
func NewWithPassword(addr, password string) *Client {
	return &Client{transport: NewTransportWithPassword(addr, password)}
}

// NewWithConfig returns a client with custom transport timeouts.
func NewWithConfig(addr string, cfg *Config) *Client {
	return &Client{transport: NewTransportWithConfig(addr, cfg)}
}

// WithTransport wraps an existing transport, e.g. a mock.
func WithTransport(t *Transport) *Client { return &Client{transport: t} }

func call[T any](ctx context.Context, c *Client, path string, payload any, params map[string]string) (*T, error) {
	raw, err := c.transport.DoCtx(ctx, path, payload, params)
	if err != nil {
		return nil, err
	}
	return parse[T](raw)
}

func onBus(busID uint32) map[string]string {
	return map[string]string{"id": strconv.FormatUint(uint64(busID), 10)}
}

func onDevice(busID uint32, devID string) map[string]string {
	p := onBus(busID)
	p["devId"] = devID
	return p
}

func (c *Client) Ping() (*apitypes.PingResponse, error) { return c.PingCtx(context.Background()) }

// PingCtx reports the server identity and version.
func (c *Client) PingCtx(ctx context.Context) (*apitypes.PingResponse, error) {
	return call[apitypes.PingResponse](ctx, c, "ping", nil, nil)
}

func (c *Client) BusCreate(busID uint32) (*apitypes.BusCreateResponse, error) {
	return c.BusCreateCtx(context.Background(), busID)
}

// BusCreateCtx creates bus busID, or the lowest free bus when busID is 0.
func (c *Client) BusCreateCtx(ctx context.Context, busID uint32) (*apitypes.BusCreateResponse, error) {
	var payload any
	if busID != 0 {
		payload = strconv.FormatUint(uint64(busID), 10)
	}
	return call[apitypes.BusCreateResponse](ctx, c, "bus/create", payload, nil)
}

func (c *Client) BusRemove(busID uint32) (*apitypes.BusRemoveResponse, error) {
	return c.BusRemoveCtx(context.Background(), busID)
}

// BusRemoveCtx removes a bus and every device on it.
func (c *Client) BusRemoveCtx(ctx context.Context, busID uint32) (*apitypes.BusRemoveResponse, error) {
	return call[apitypes.BusRemoveResponse](ctx, c, "bus/remove", strconv.FormatUint(uint64(busID), 10), nil)
}

func (c *Client) BusList() (*apitypes.BusListResponse, error) {
	return c.BusListCtx(context.Background())
}

func (c *Client) BusListCtx(ctx context.Context) (*apitypes.BusListResponse, error) {
	return call[apitypes.BusListResponse](ctx, c, "bus/list", nil, nil)
}

func (c *Client) DeviceAdd(busID uint32, devType string, o *device.CreateOptions) (*apitypes.Device, error) {
	return c.DeviceAddCtx(context.Background(), busID, devType, o)
}

// DeviceAddCtx adds a device of type devType (e.g. "usbtest"). Options
// select the usbtest mode, IDs and buffer size; nil keeps the defaults.
func (c *Client) DeviceAddCtx(ctx context.Context, busID uint32, devType string, o *device.CreateOptions) (*apitypes.Device, error) {
	if o == nil {
		o = &device.CreateOptions{}
	}
	body, err := json.Marshal(apitypes.DeviceCreateRequest{
		Type:       &devType,
		IdVendor:   o.IdVendor,
		IdProduct:  o.IdProduct,
		Mode:       o.Mode,
		BufferSize: o.BufferSize,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal device create request: %w", err)
	}
	return call[apitypes.Device](ctx, c, "bus/{id}/add", string(body), onBus(busID))
}

func (c *Client) DeviceRemove(busID uint32, devID string) (*apitypes.DeviceRemoveResponse, error) {
	return c.DeviceRemoveCtx(context.Background(), busID, devID)
}

// DeviceRemoveCtx removes device devID ("1", "2", ...) from a bus. An
// active USBIP import of the device ends.
func (c *Client) DeviceRemoveCtx(ctx context.Context, busID uint32, devID string) (*apitypes.DeviceRemoveResponse, error) {
	return call[apitypes.DeviceRemoveResponse](ctx, c, "bus/{id}/remove", devID, onBus(busID))
}

func (c *Client) DevicesList(busID uint32) (*apitypes.DevicesListResponse, error) {
	return c.DevicesListCtx(context.Background(), busID)
}

func (c *Client) DevicesListCtx(ctx context.Context, busID uint32) (*apitypes.DevicesListResponse, error) {
	return call[apitypes.DevicesListResponse](ctx, c, "bus/{id}/list", nil, onBus(busID))
}

func (c *Client) DeviceStats(busID uint32, devID string) (*apitypes.DeviceStatsResponse, error) {
	return c.DeviceStatsCtx(context.Background(), busID, devID)
}

// DeviceStatsCtx returns the counters and engine state of a usbtest device.
func (c *Client) DeviceStatsCtx(ctx context.Context, busID uint32, devID string) (*apitypes.DeviceStatsResponse, error) {
	return call[apitypes.DeviceStatsResponse](ctx, c, "bus/{id}/{devId}/stats", nil, onDevice(busID, devID))
}

func (c *Client) DeviceReset(busID uint32, devID string) (*apitypes.DeviceResetResponse, error) {
	return c.DeviceResetCtx(context.Background(), busID, devID)
}

// DeviceResetCtx forces a bus reset of a usbtest device. The host has to
// select the configuration again before data flows.
func (c *Client) DeviceResetCtx(ctx context.Context, busID uint32, devID string) (*apitypes.DeviceResetResponse, error) {
	return call[apitypes.DeviceResetResponse](ctx, c, "bus/{id}/{devId}/reset", nil, onDevice(busID, devID))
}

// parse decodes a response strictly. A problem document becomes an
// *apitypes.ApiError.
func parse[T any](data string) (*T, error) {
	if data == "" {
		return nil, errors.New("empty response")
	}
	var problem apitypes.ApiError
	if err := json.Unmarshal([]byte(data), &problem); err == nil && (problem.Status != 0 || problem.Title != "") {
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
