// Package privatizer implements the per-(trixel, measurement-type)
// aggregator: the hierarchical state machine that absorbs sensor
// measurements, runs the k-anonymity shadow-promotion algorithm, and
// produces one published value per tick.
//
// The per-tick algorithm (Process) is identical for every aggregation
// policy; only sensor-quality evaluation and value computation vary. That
// variation is captured by the Aggregator interface and held by
// composition rather than replicated per policy, matching the
// correlation-gate-wraps-an-aggregator shape used throughout this
// package (see correlation.go).
package privatizer

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/TillFleisch/TrixelManagementService/internal/htm"
	"github.com/TillFleisch/TrixelManagementService/internal/lifecycle"
	"github.com/TillFleisch/TrixelManagementService/internal/model"
)

// Aggregator is the pluggable half of a privatizer: sensor-quality
// evaluation and value computation. Every policy in this package
// implements it; Privatizer.Process drives it through the fixed per-tick
// algorithm shared by all policies.
type Aggregator interface {
	// EvaluateSensorQuality decides whether a sensor currently qualifies
	// as a contributor and returns that decision (also responsible for
	// persisting it to the sensor's lifecycle).
	EvaluateSensorQuality(ctx context.Context, p *Privatizer, sensor model.UniqueSensorID) bool

	// NewValue records an incoming measurement. Called once per
	// contribution, outside of the tick.
	NewValue(p *Privatizer, sensor model.UniqueSensorID, m model.Measurement)

	// GetValue computes the trixel's published value from non-shadow
	// sensors and child privatizers' last published values.
	GetValue(p *Privatizer) *float64

	// PreProcessing runs before sensor evaluation each tick; policies that
	// track staleness remove sensors here.
	PreProcessing(ctx context.Context, p *Privatizer)

	// CanSubdivide reports whether this trixel has enough observation
	// history to safely unshadow a deeper child.
	CanSubdivide(ctx context.Context, p *Privatizer) bool

	// PostProcessing runs after the tick's value has been computed and
	// published internally.
	PostProcessing(ctx context.Context, p *Privatizer)

	// RemoveSensor releases any policy-owned per-sensor scratch state.
	// Called after Privatizer.RemoveSensor does its own bookkeeping.
	RemoveSensor(sensor model.UniqueSensorID)
}

// Lookup is the set of manager operations a privatizer needs without
// holding a direct reference to the manager itself, which would make
// every privatizer's lifetime entangled with the manager's concrete
// type. The manager implements it.
type Lookup interface {
	GetPrivatizer(trixel model.TrixelID, typ model.MeasurementType, create bool) *Privatizer
	GetLifecycle(sensor model.UniqueSensorID, instantiate bool) (*lifecycle.Lifecycle, bool)
	KRequirement(msUUID uuid.UUID) int
	RemoveSensorEverywhere(sensor model.UniqueSensorID)
}

// Privatizer is one instance per (trixel, measurement type) with current
// activity.
type Privatizer struct {
	mu sync.Mutex

	id    model.TrixelID
	typ   model.MeasurementType
	level int

	parentID    model.TrixelID
	childrenIDs []model.TrixelID

	sensors        map[model.UniqueSensorID]struct{}
	shadow         map[model.UniqueSensorID]bool
	shouldEvaluate map[model.UniqueSensorID]bool

	contributingMsCount     int
	contributingSensorCount int
	tlsMsCount              int
	lastPublished           model.TrixelUpdate
	stale                   bool

	aggregator Aggregator
	lookup     Lookup
}

// New constructs a privatizer for (id, typ), wired to the given
// aggregator policy and manager lookup.
func New(id model.TrixelID, typ model.MeasurementType, aggregator Aggregator, lookup Lookup) *Privatizer {
	return &Privatizer{
		id:             id,
		typ:            typ,
		level:          htm.Level(id),
		parentID:       htm.Parent(id),
		childrenIDs:    htm.Children(id),
		sensors:        make(map[model.UniqueSensorID]struct{}),
		shadow:         make(map[model.UniqueSensorID]bool),
		shouldEvaluate: make(map[model.UniqueSensorID]bool),
		aggregator:     aggregator,
		lookup:         lookup,
	}
}

func (p *Privatizer) ID() model.TrixelID           { return p.id }
func (p *Privatizer) Type() model.MeasurementType  { return p.typ }
func (p *Privatizer) Level() int                   { return p.level }
func (p *Privatizer) ParentID() model.TrixelID      { return p.parentID }
func (p *Privatizer) ChildrenIDs() []model.TrixelID { return p.childrenIDs }

// Value returns the last published value, nil if unknown.
func (p *Privatizer) Value() *float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastPublished.Value
}

// LastPublished returns a copy of the last published TrixelUpdate.
func (p *Privatizer) LastPublished() model.TrixelUpdate {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastPublished
}

// Sensors returns a snapshot of the currently attached sensors.
func (p *Privatizer) Sensors() []model.UniqueSensorID {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.UniqueSensorID, 0, len(p.sensors))
	for s := range p.sensors {
		out = append(out, s)
	}
	return out
}

// SensorCount returns the number of sensors currently attached,
// regardless of contributing/shadow state.
func (p *Privatizer) SensorCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sensors)
}

// AddSensor attaches a sensor, idempotently. An already-attached sensor
// keeps its existing shadow flag; a newly attached one starts shadowed.
func (p *Privatizer) AddSensor(sensor model.UniqueSensorID, shouldEvaluate bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.sensors[sensor]; !ok {
		p.sensors[sensor] = struct{}{}
		p.shadow[sensor] = true
	}
	p.shouldEvaluate[sensor] = shouldEvaluate
}

// RemoveSensor detaches a sensor, idempotently, dropping all per-sensor
// bookkeeping this privatizer owns (not the sensor's global lifecycle).
func (p *Privatizer) RemoveSensor(sensor model.UniqueSensorID) {
	p.mu.Lock()
	delete(p.sensors, sensor)
	delete(p.shadow, sensor)
	delete(p.shouldEvaluate, sensor)
	p.mu.Unlock()
	p.aggregator.RemoveSensor(sensor)
}

// ShadowMode reports whether sensor is currently shadow-contributing to
// this privatizer; unknown sensors default to true, since absence means
// "not yet promoted".
func (p *Privatizer) ShadowMode(sensor model.UniqueSensorID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if v, ok := p.shadow[sensor]; ok {
		return v
	}
	return true
}

func (p *Privatizer) setShadow(sensor model.UniqueSensorID, v bool) {
	p.shadow[sensor] = v
}

// NewValue records an incoming measurement, delegating to the policy.
func (p *Privatizer) NewValue(sensor model.UniqueSensorID, m model.Measurement) {
	p.aggregator.NewValue(p, sensor, m)
}

// ContributingMsCount returns the number of distinct measurement stations
// non-shadow contributing directly to this privatizer (excludes
// descendants).
func (p *Privatizer) ContributingMsCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.contributingMsCount
}

// TLSMsCount returns the ms_count last acknowledged by the TLS.
func (p *Privatizer) TLSMsCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tlsMsCount
}

// SetTLSMsCount records the ms_count successfully published to the TLS.
func (p *Privatizer) SetTLSMsCount(n int) {
	p.mu.Lock()
	p.tlsMsCount = n
	p.mu.Unlock()
}

// Stale reports whether this privatizer has no sensors and no tallies,
// making it eligible for garbage collection at the end of a tick.
func (p *Privatizer) Stale() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stale
}

// TotalContributingMsCount sums this privatizer's own contributing
// stations plus every descendant's, recursively, via the lookup's
// privatizer table.
func (p *Privatizer) TotalContributingMsCount() int {
	total := p.ContributingMsCount()
	for _, childID := range p.childrenIDs {
		if child := p.lookup.GetPrivatizer(childID, p.typ, false); child != nil {
			total += child.TotalContributingMsCount()
		}
	}
	return total
}

// aggregatorAsKalman unwraps a correlation gate (if present) to find the
// underlying *NaiveKalman, so an ancestor's Kalman aggregator can read the
// child's blended accuracy.
func (p *Privatizer) aggregatorAsKalman() (*NaiveKalman, bool) {
	switch a := p.aggregator.(type) {
	case *NaiveKalman:
		return a, true
	case *CorrelationGate:
		if nk, ok := a.inner.(*NaiveKalman); ok {
			return nk, true
		}
	}
	return nil, false
}

// TotalContributingSensorCount mirrors TotalContributingMsCount for
// sensor counts instead of distinct stations.
func (p *Privatizer) TotalContributingSensorCount() int {
	p.mu.Lock()
	total := p.contributingSensorCount
	p.mu.Unlock()
	for _, childID := range p.childrenIDs {
		if child := p.lookup.GetPrivatizer(childID, p.typ, false); child != nil {
			total += child.TotalContributingSensorCount()
		}
	}
	return total
}
