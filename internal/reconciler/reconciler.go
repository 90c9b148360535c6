// Package reconciler turns streamed position and device records into
// per-device merge-writes.
package reconciler

import (
	"context"
	"errors"
	"math"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/benmeehan/tracker-relay/internal/constants"
	"github.com/benmeehan/tracker-relay/internal/models"
	"github.com/benmeehan/tracker-relay/pkg/store"
)

// Reconciler issues exactly one upsert per partial. It never reads before
// writing; ordering between writes is left to the store.
type Reconciler struct {
	store      store.Store
	collection string
	logger     zerolog.Logger
}

// NewReconciler creates a Reconciler writing into collection.
func NewReconciler(s store.Store, collection string, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		store:      s,
		collection: collection,
		logger:     logger,
	}
}

// DeviceKey is the document key for a device id.
func DeviceKey(id int64) string {
	return strconv.FormatInt(id, 10)
}

// ApplyPosition merges a position partial into the device's document.
func (r *Reconciler) ApplyPosition(ctx context.Context, p models.Position) error {
	key := DeviceKey(p.DeviceID)
	return r.upsert(ctx, key, PositionFields(p))
}

// ApplyMetadata merges a device metadata partial into the device's document.
func (r *Reconciler) ApplyMetadata(ctx context.Context, d models.Device) error {
	key := DeviceKey(d.ID)
	return r.upsert(ctx, key, MetadataFields(d))
}

func (r *Reconciler) upsert(ctx context.Context, key string, fields store.Document) error {
	err := r.store.Upsert(ctx, r.collection, key, fields)
	if err == nil {
		r.logger.Debug().Str("key", key).Int("fields", len(fields)).Msg("Device document merged")
		return nil
	}

	var persistErr *store.PersistenceError
	if !errors.As(err, &persistErr) {
		err = &store.PersistenceError{Collection: r.collection, Key: key, Err: err}
	}
	return err
}

// PositionFields builds the position partial. batteryLevel is always written,
// as null when the position carries none.
func PositionFields(p models.Position) store.Document {
	return store.Document{
		constants.FieldID:           p.DeviceID,
		constants.FieldLatitude:     p.Latitude,
		constants.FieldLongitude:    p.Longitude,
		constants.FieldBatteryLevel: BatteryLevel(p.Attributes),
	}
}

// MetadataFields builds the metadata partial. Absent name or status are not
// written so they never clear a stored value.
func MetadataFields(d models.Device) store.Document {
	fields := store.Document{constants.FieldID: d.ID}
	if d.Name != nil {
		fields[constants.FieldName] = *d.Name
	}
	if d.Status != nil {
		fields[constants.FieldStatus] = *d.Status
	}
	return fields
}

// BatteryLevel rounds the battery attribute half up. It returns nil when the
// attribute is missing or not a finite number.
func BatteryLevel(attrs *models.PositionAttributes) any {
	if attrs == nil || attrs.BatteryLevel == nil {
		return nil
	}
	level := *attrs.BatteryLevel
	if math.IsNaN(level) || math.IsInf(level, 0) {
		return nil
	}
	return int64(math.Floor(level + 0.5))
}
