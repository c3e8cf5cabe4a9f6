// Package status defines the receiver status record shared between the
// supervisor and its receivers, and the store that persists it. The store
// exposes compare-and-swap updates so that claim ownership can be decided
// without a coordinator.
package status

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/janiolos/SmartPhasorToolBox/errors"
)

// ConnectionState describes the receiver's link to its PMU.
type ConnectionState string

// Possible connection states
const (
	ConnIdle         ConnectionState = "idle"
	ConnConnecting   ConnectionState = "connecting"
	ConnConnected    ConnectionState = "connected"
	ConnReconnecting ConnectionState = "reconnecting"
	ConnFaulted      ConnectionState = "faulted"
)

// ReceiverStatus is the heartbeat record a receiver publishes while it
// holds the claim for a source.
type ReceiverStatus struct {
	SourceID   string          `json:"source_id"`
	IDCode     uint16          `json:"id_code"`
	Owner      uuid.UUID       `json:"owner"`
	Connection ConnectionState `json:"connection"`

	StartedAt time.Time `json:"started_at"`
	LastSeen  time.Time `json:"last_seen"`
	LastFrame time.Time `json:"last_frame,omitempty"`

	FramesReceived      uint64 `json:"frames_received"`
	FramesRejected      uint64 `json:"frames_rejected"`
	MeasurementsDropped uint64 `json:"measurements_dropped"`

	LastError string `json:"last_error,omitempty"`
}

// Stale reports whether the record's heartbeat is older than threshold.
func (s *ReceiverStatus) Stale(now time.Time, threshold time.Duration) bool {
	return now.Sub(s.LastSeen) > threshold
}

// Marshal encodes the status as JSON for storage.
func (s *ReceiverStatus) Marshal() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, errors.WrapInvalid(err, "ReceiverStatus", "Marshal", "encode status")
	}
	return data, nil
}

// Unmarshal decodes a stored status record.
func Unmarshal(data []byte) (*ReceiverStatus, error) {
	var s ReceiverStatus
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, errors.WrapInvalid(err, "ReceiverStatus", "Unmarshal", "decode status")
	}
	return &s, nil
}
