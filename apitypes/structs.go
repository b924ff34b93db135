// Package apitypes holds the JSON bodies of the management API.
package apitypes

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type PingResponse struct {
	Server  string `json:"server"`
	Version string `json:"version"`
}

type BusListResponse struct {
	Buses []uint32 `json:"buses"`
}

// BusCreateResponse and BusRemoveResponse name the affected bus.
type (
	BusCreateResponse struct {
		BusID uint32 `json:"busId"`
	}
	BusRemoveResponse struct {
		BusID uint32 `json:"busId"`
	}
)

// Device describes one device on a bus. Mode is set for usbtest devices.
type Device struct {
	BusID uint32 `json:"busId"`
	DevId string `json:"devId"`
	Vid   string `json:"vid"`
	Pid   string `json:"pid"`
	Type  string `json:"type"`
	Mode  string `json:"mode,omitempty"`
}

type DevicesListResponse struct {
	Devices []Device `json:"devices"`
}

// DeviceRemoveResponse and DeviceResetResponse name the affected device.
type (
	DeviceRemoveResponse struct {
		BusID uint32 `json:"busId"`
		DevId string `json:"devId"`
	}
	DeviceResetResponse struct {
		BusID uint32 `json:"busId"`
		DevId string `json:"devId"`
	}
)

type DirectionStats struct {
	Armed   bool `json:"armed"`
	Stalled bool `json:"stalled"`
	Len     int  `json:"len"`
}

// DeviceStats is a usbtest engine snapshot. The stats endpoint returns it
// and the device stream writes one per line while a host is attached.
type DeviceStats struct {
	Mode         string         `json:"mode"`
	State        string         `json:"state"`
	Configured   bool           `json:"configured"`
	EndpointOut  uint8          `json:"endpointOut"`
	EndpointIn   uint8          `json:"endpointIn"`
	Out          DirectionStats `json:"out"`
	In           DirectionStats `json:"in"`
	Completions  uint64         `json:"completions"`
	Failures     uint64         `json:"failures"`
	Unknown      uint64         `json:"unknown"`
	Spurious     uint64         `json:"spurious"`
	BytesIn      uint64         `json:"bytesIn"`
	BytesOut     uint64         `json:"bytesOut"`
	LastActivity time.Time      `json:"lastActivity"`
}

type DeviceStatsResponse struct {
	BusID uint32      `json:"busId"`
	DevId string      `json:"devId"`
	Stats DeviceStats `json:"stats"`
}

// DeviceCreateRequest is the payload of bus/{id}/add. Only Type is
// required.
type DeviceCreateRequest struct {
	Type       *string `json:"type"`
	IdVendor   *uint16 `json:"idVendor,omitempty"`
	IdProduct  *uint16 `json:"idProduct,omitempty"`
	Mode       *string `json:"mode,omitempty"`
	BufferSize *uint32 `json:"bufferSize,omitempty"`
}

// UnmarshalJSON also takes the vendor and product ids as strings, so
// "0x0525", "a4a0" and "1317" are accepted next to plain numbers.
func (d *DeviceCreateRequest) UnmarshalJSON(data []byte) error {
	type fields DeviceCreateRequest
	var aux struct {
		*fields
		IdVendor  json.RawMessage `json:"idVendor"`
		IdProduct json.RawMessage `json:"idProduct"`
	}
	aux.fields = (*fields)(d)
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	var err error
	if d.IdVendor, err = usbID(aux.IdVendor); err != nil {
		return fmt.Errorf("idVendor: %w", err)
	}
	if d.IdProduct, err = usbID(aux.IdProduct); err != nil {
		return fmt.Errorf("idProduct: %w", err)
	}
	return nil
}

func usbID(raw json.RawMessage) (*uint16, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	text, base := string(raw), 10
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil, err
		}
		text = strings.ToLower(strings.TrimSpace(text))
		if hex, ok := strings.CutPrefix(text, "0x"); ok {
			text, base = hex, 16
		} else if strings.ContainsAny(text, "abcdef") {
			base = 16
		}
	}
	v, err := strconv.ParseUint(text, base, 16)
	if err != nil {
		return nil, fmt.Errorf("%s is not a 16-bit id", raw)
	}
	id := uint16(v)
	return &id, nil
}
