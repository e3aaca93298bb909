// Package store defines the persistence boundary the privacy manager and
// the correlation-evaluating policy read and write through. The manager
// never talks to a database directly; it only ever sees this interface,
// so tests can swap in the in-memory implementation without a running
// database.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/TillFleisch/TrixelManagementService/internal/model"
)

// ErrDuplicateMeasurement is returned by InsertMeasurement when a sensor
// submits a second measurement with a timestamp it has already used,
// mirroring the unique constraint on (ms_uuid, sensor_index, time).
var ErrDuplicateMeasurement = errors.New("store: duplicate measurement timestamp for sensor")

// CountWindow is a (total, valid) pair over a time window: total samples
// observed versus samples that carried a non-unknown value.
type CountWindow struct {
	Total int
	Valid int
}

// Store is the read/write surface the core uses. Implementations must be
// safe for concurrent use; the manager calls into it from multiple
// privatizers processing concurrently within one level.
type Store interface {
	// InsertMeasurement persists one raw sensor reading so it is available
	// for the correlation policy's uptime/median queries even across a
	// restart. A reading that reuses a timestamp the sensor has already
	// submitted is rejected with ErrDuplicateMeasurement.
	InsertMeasurement(ctx context.Context, m model.Measurement) error

	// InsertObservations persists the per-tick aggregation output for one
	// measurement type. Implementations should treat (time, trixel, type)
	// as a natural key and tolerate a duplicate tick being re-inserted.
	InsertObservations(ctx context.Context, typ model.MeasurementType, observations []model.Observation) error

	// GetSensorMedian returns the median value reported by a single sensor
	// over the trailing window, or nil if no measurement qualifies.
	GetSensorMedian(ctx context.Context, sensor model.UniqueSensorID, window time.Duration) (*float64, error)

	// GetSensorsMedian returns the median of every reading the given
	// sensors reported within the trailing window (used for the "local" correlation
	// check against all sensors of one privatizer).
	GetSensorsMedian(ctx context.Context, sensors []model.UniqueSensorID, window time.Duration) (*float64, error)

	// GetTrixelMedian returns the median of a trixel's own published
	// observation history over the trailing window.
	GetTrixelMedian(ctx context.Context, trixel model.TrixelID, typ model.MeasurementType, window time.Duration) (*float64, error)

	// GetMeasurementCount returns total vs. valid (non-unknown) sample
	// counts for one sensor over the trailing window, used for the uptime
	// bracketing calculation.
	GetMeasurementCount(ctx context.Context, sensor model.UniqueSensorID, window time.Duration) (CountWindow, error)

	// GetObservationCount mirrors GetMeasurementCount for a trixel's own
	// observation history, used by can_subdivide.
	GetObservationCount(ctx context.Context, trixel model.TrixelID, typ model.MeasurementType, window time.Duration) (CountWindow, error)

	// GetSensorAge returns how long a sensor has been reporting, capped at
	// windowCap, or nil if the sensor has no history.
	GetSensorAge(ctx context.Context, sensor model.UniqueSensorID, windowCap time.Duration) (*time.Duration, error)

	// GetSensorAccuracy returns the known measurement accuracy (standard
	// deviation) of a sensor, or nil if unknown.
	GetSensorAccuracy(ctx context.Context, sensor model.UniqueSensorID) (*float64, error)

	// PurgeOldSensorData drops raw measurements older than cutoff.
	PurgeOldSensorData(ctx context.Context, cutoff time.Time) error
}
