// Package metrics holds the Prometheus collectors for the relay.
//
// Collectors are registered on the default registry by promauto and exposed by
// the ops server on /metrics.
package metrics

import (
	"errors"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/benmeehan/tracker-relay/internal/constants"
	"github.com/benmeehan/tracker-relay/pkg/traccar"
)

// Frame results.
const (
	FrameOK        = "ok"
	FrameMalformed = "malformed"
)

// Partial kinds.
const (
	PartialPosition = "position"
	PartialMetadata = "metadata"
)

var (
	// FramesTotal counts socket frames by parse result.
	FramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_frames_total",
			Help: "Total number of socket frames received, by parse result",
		},
		[]string{"result"},
	)

	// PartialsTotal counts partials handed to the reconciler.
	PartialsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_partials_total",
			Help: "Total number of partial device records dispatched",
		},
		[]string{"kind"},
	)

	// ReconnectsTotal counts reconnect cycles started after a lost connection.
	ReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_reconnects_total",
		Help: "Total number of reconnect cycles",
	})

	// AuthFailuresTotal counts failed session requests by HTTP status (0 when
	// no response was received).
	AuthFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_auth_failures_total",
			Help: "Total number of failed authentication attempts",
		},
		[]string{"status"},
	)

	// StoreWritesTotal counts upserts by outcome.
	StoreWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_store_writes_total",
			Help: "Total number of store upserts, by result",
		},
		[]string{"result"},
	)

	// StreamState is 1 for the current stream state and 0 for the others.
	StreamState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_stream_state",
			Help: "Current state of the tracking stream connection",
		},
		[]string{"state"},
	)
)

var streamStates = []constants.StreamState{
	constants.StateDisconnected,
	constants.StateConnecting,
	constants.StateConnected,
	constants.StateError,
	constants.StateClosed,
}

// RecordStreamState marks state as the current stream state.
func RecordStreamState(state constants.StreamState) {
	for _, s := range streamStates {
		v := 0.0
		if s == state {
			v = 1
		}
		StreamState.WithLabelValues(string(s)).Set(v)
	}
}

// RecordAuthFailure counts a failed authentication attempt.
func RecordAuthFailure(err error) {
	status := "0"
	var authErr *traccar.AuthError
	if errors.As(err, &authErr) && authErr.StatusCode > 0 {
		status = strconv.Itoa(authErr.StatusCode)
	}
	AuthFailuresTotal.WithLabelValues(status).Inc()
}

// RecordDroppedWrites counts writes discarded before reaching the store.
func RecordDroppedWrites(n int) {
	if n > 0 {
		StoreWritesTotal.WithLabelValues("dropped").Add(float64(n))
	}
}

// RecordStoreWrite counts one upsert outcome.
func RecordStoreWrite(err error) {
	if err != nil {
		StoreWritesTotal.WithLabelValues("error").Inc()
		return
	}
	StoreWritesTotal.WithLabelValues("ok").Inc()
}
