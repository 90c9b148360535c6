package models

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Envelope is one message pushed by the tracking service over the socket.
// Any combination of keys may be present; unknown keys are ignored.
type Envelope struct {
	Positions []Position      `json:"positions,omitempty"`
	Devices   []Device        `json:"devices,omitempty"`
	Events    json.RawMessage `json:"events,omitempty"`
}

// Position is a single position report for a device.
type Position struct {
	DeviceID   int64               `json:"deviceId"`
	Latitude   float64             `json:"latitude"`
	Longitude  float64             `json:"longitude"`
	Attributes *PositionAttributes `json:"attributes,omitempty"`
}

// PositionAttributes holds the optional attributes attached to a position.
// Only the ones the relay persists are decoded.
type PositionAttributes struct {
	BatteryLevel *float64 `json:"batteryLevel,omitempty"`
}

// Device is a device metadata update. A null name or status decodes the same
// as an absent one and is never written.
type Device struct {
	ID     int64   `json:"id"`
	Name   *string `json:"name,omitempty"`
	Status *string `json:"status,omitempty"`
}

// MalformedFrameError reports a frame that could not be decoded as an Envelope.
type MalformedFrameError struct {
	Size int
	Err  error
}

func (e *MalformedFrameError) Error() string {
	return fmt.Sprintf("malformed frame (%d bytes): %v", e.Size, e.Err)
}

func (e *MalformedFrameError) Unwrap() error { return e.Err }

// ParseEnvelope decodes a raw frame. A JSON null decodes to an empty envelope.
func ParseEnvelope(frame []byte) (*Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(frame, &envelope); err != nil {
		return nil, &MalformedFrameError{Size: len(frame), Err: err}
	}
	return &envelope, nil
}

// IsEmpty reports whether the envelope carries nothing the relay persists.
func (e *Envelope) IsEmpty() bool {
	return len(e.Positions) == 0 && len(e.Devices) == 0
}
