// Package model holds the domain types shared across the privacy manager,
// privatizer policies, and the storage/TLS boundaries.
package model

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// TrixelID is a 64-bit identifier for a region in the hierarchical
// triangular mesh. It is opaque outside the htm package.
type TrixelID uint64

// MeasurementType is a closed enum of sensor readings the service
// aggregates, with stable integer ids matching the upstream TLS.
type MeasurementType int

const (
	AmbientTemperature MeasurementType = 1
	RelativeHumidity   MeasurementType = 2
)

// String returns the canonical name of the measurement type, or "unknown".
func (t MeasurementType) String() string {
	switch t {
	case AmbientTemperature:
		return "ambient_temperature"
	case RelativeHumidity:
		return "relative_humidity"
	default:
		return "unknown"
	}
}

// Valid reports whether t is one of the known measurement types.
func (t MeasurementType) Valid() bool {
	switch t {
	case AmbientTemperature, RelativeHumidity:
		return true
	default:
		return false
	}
}

// AllMeasurementTypes lists every measurement type the manager tracks.
func AllMeasurementTypes() []MeasurementType {
	return []MeasurementType{AmbientTemperature, RelativeHumidity}
}

// UniqueSensorID identifies a single reading channel on a measurement
// station. Equality is structural, so it is safe to use as a map key.
type UniqueSensorID struct {
	MsUUID      uuid.UUID
	SensorIndex uint32
}

func (u UniqueSensorID) String() string {
	return u.MsUUID.String() + "/" + strconv.FormatUint(uint64(u.SensorIndex), 10)
}

// Measurement is a single reading submitted by a sensor. A nil Value
// conveys "sensor alive but reading unavailable" and is meaningful: it is
// distinct from the absence of a measurement altogether.
type Measurement struct {
	SensorID  UniqueSensorID
	Value     *float64
	Timestamp time.Time
}

// ExclusionReason records why a sensor was excluded by a quality gate.
type ExclusionReason string

const (
	ExclusionNone                   ExclusionReason = ""
	ExclusionUnknown                ExclusionReason = "unknown"
	ExclusionTooYoung               ExclusionReason = "too_young"
	ExclusionUptimeUnreliable       ExclusionReason = "uptime_unreliable"
	ExclusionInsignificantCorrelation ExclusionReason = "insignificant_correlation"
	ExclusionLowUpdateInterval      ExclusionReason = "low_update_interval"
)

// TrixelLevelChange is the routing hint returned to a measurement station
// after a contribution, telling it whether to move to a finer or coarser
// trixel on its next submission.
type TrixelLevelChange int

const (
	LevelKeep TrixelLevelChange = iota
	LevelIncrease
	LevelDecrease
)

func (c TrixelLevelChange) String() string {
	switch c {
	case LevelIncrease:
		return "increase"
	case LevelDecrease:
		return "decrease"
	default:
		return "keep"
	}
}

// BatchUpdate groups measurements destined for several trixels in one
// submission from a single measurement station.
type BatchUpdate map[TrixelID][]Measurement

// TrixelUpdate is the result of one privatizer's per-tick process step.
type TrixelUpdate struct {
	Changed      bool
	Value        *float64
	MsCount      int
	SensorCount  int
}

// Observation is a single persisted row describing one trixel's published
// state for one measurement type at one point in time.
type Observation struct {
	Time          time.Time
	TrixelID      TrixelID
	Type          MeasurementType
	Value         *float64
	MsCount       int
	SensorCount   int
}

// Delegation declares that this TMS is (or explicitly is not) responsible
// for a trixel sub-tree.
type Delegation struct {
	TrixelID TrixelID
	Exclude  bool
}
