package models

import (
	"time"

	"github.com/benmeehan/tracker-relay/internal/constants"
)

// RelayStatus is the periodic status message published by the heartbeat service.
type RelayStatus struct {
	InstanceID  string                `json:"instance_id"`
	Timestamp   time.Time             `json:"timestamp"`
	State       constants.StreamState `json:"state"`
	Connections uint64                `json:"connections"`
	Frames      uint64                `json:"frames"`
	RSSBytes    uint64                `json:"rss_bytes,omitempty"`
	CPUPercent  float64               `json:"cpu_percent,omitempty"`
}
