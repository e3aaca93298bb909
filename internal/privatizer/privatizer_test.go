package privatizer_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TillFleisch/TrixelManagementService/internal/cache"
	"github.com/TillFleisch/TrixelManagementService/internal/config"
	"github.com/TillFleisch/TrixelManagementService/internal/htm"
	"github.com/TillFleisch/TrixelManagementService/internal/lifecycle"
	"github.com/TillFleisch/TrixelManagementService/internal/model"
	"github.com/TillFleisch/TrixelManagementService/internal/privatizer"
	"github.com/TillFleisch/TrixelManagementService/internal/store"
)

// fakeLookup is a minimal privatizer.Lookup backed by plain maps, enough
// to exercise the k-anonymity shadow-promotion algorithm in Process
// without a full manager.
type fakeLookup struct {
	privatizers map[model.TrixelID]*privatizer.Privatizer
	lifecycles  *lifecycle.Store
	kReqs       map[uuid.UUID]int
}

func newFakeLookup() *fakeLookup {
	return &fakeLookup{
		privatizers: make(map[model.TrixelID]*privatizer.Privatizer),
		lifecycles:  lifecycle.NewStore(),
		kReqs:       make(map[uuid.UUID]int),
	}
}

func (f *fakeLookup) GetPrivatizer(id model.TrixelID, typ model.MeasurementType, create bool) *privatizer.Privatizer {
	if p, ok := f.privatizers[id]; ok {
		return p
	}
	if !create {
		return nil
	}
	p := privatizer.New(id, typ, privatizer.NewBlank(), f)
	f.privatizers[id] = p
	return p
}

func (f *fakeLookup) GetLifecycle(id model.UniqueSensorID, instantiate bool) (*lifecycle.Lifecycle, bool) {
	return f.lifecycles.Get(id, instantiate)
}

func (f *fakeLookup) KRequirement(msUUID uuid.UUID) int {
	if k, ok := f.kReqs[msUUID]; ok {
		return k
	}
	return 1 << 30
}

func (f *fakeLookup) RemoveSensorEverywhere(model.UniqueSensorID) {}

func sensorWithK(f *fakeLookup, k int) model.UniqueSensorID {
	id := model.UniqueSensorID{MsUUID: uuid.New(), SensorIndex: 0}
	f.kReqs[id.MsUUID] = k
	return id
}

func TestShadowPromotionUnshadowsWhenKSatisfied(t *testing.T) {
	lookup := newFakeLookup()
	trixel := htm.RootFace(0)
	child := htm.Children(trixel)[0]
	p := lookup.GetPrivatizer(child, model.AmbientTemperature, true)

	a := sensorWithK(lookup, 2)
	b := sensorWithK(lookup, 2)
	p.AddSensor(a, true)
	p.AddSensor(b, true)

	result := p.Process(context.Background())

	assert.Equal(t, 2, result.MsCount)
	assert.False(t, p.ShadowMode(a))
	assert.False(t, p.ShadowMode(b))
}

func TestShadowPromotionLeavesUnsatisfiedSensorsShadowed(t *testing.T) {
	lookup := newFakeLookup()
	trixel := htm.Children(htm.RootFace(1))[0]
	p := lookup.GetPrivatizer(trixel, model.AmbientTemperature, true)

	only := sensorWithK(lookup, 5)
	p.AddSensor(only, true)

	result := p.Process(context.Background())

	assert.Equal(t, 0, result.MsCount)
	assert.True(t, p.ShadowMode(only))
}

func TestOverSatisfierCountsTowardLargerKBucket(t *testing.T) {
	lookup := newFakeLookup()
	trixel := htm.Children(htm.RootFace(2))[0]
	p := lookup.GetPrivatizer(trixel, model.AmbientTemperature, true)

	low1 := sensorWithK(lookup, 2)
	low2 := sensorWithK(lookup, 2)
	needsThree := sensorWithK(lookup, 3)
	p.AddSensor(low1, true)
	p.AddSensor(low2, true)
	p.AddSensor(needsThree, true)

	result := p.Process(context.Background())

	require.Equal(t, 3, result.MsCount)
	assert.False(t, p.ShadowMode(needsThree), "a k=3 sensor should be unshadowed once two k=2 satisfiers also count toward it")
}

func TestOverSatisfierAccumulationAcrossThreeBuckets(t *testing.T) {
	lookup := newFakeLookup()
	trixel := htm.Children(htm.RootFace(2))[1]
	p := lookup.GetPrivatizer(trixel, model.AmbientTemperature, true)

	needsOne := sensorWithK(lookup, 1)
	needsTwo := sensorWithK(lookup, 2)
	needsFour := sensorWithK(lookup, 4)
	p.AddSensor(needsOne, true)
	p.AddSensor(needsTwo, true)
	p.AddSensor(needsFour, true)

	result := p.Process(context.Background())

	// Cumulative satisfiers per k: k=1 -> 1, k=2 -> 1+1=2, k=4 -> 1+1+1=3.
	// The k=1 and k=2 buckets clear their own requirement (1>=1, 2>=2),
	// but the k=4 bucket does not (3<4): each smaller bucket's count must
	// contribute to a larger bucket exactly once, not once directly and
	// again through an already-accumulated intermediate bucket.
	require.Equal(t, 2, result.MsCount)
	assert.False(t, p.ShadowMode(needsOne))
	assert.False(t, p.ShadowMode(needsTwo))
	assert.True(t, p.ShadowMode(needsFour), "a k=4 sensor must stay shadowed when only 3 distinct stations satisfy smaller requirements")
}

// captureAggregator records every measurement the correlation gate
// forwards to its inner policy, so impulse-noise rejection is observable.
type captureAggregator struct {
	*privatizer.Blank
	values []*float64
}

func (c *captureAggregator) NewValue(_ *privatizer.Privatizer, _ model.UniqueSensorID, m model.Measurement) {
	c.values = append(c.values, m.Value)
}

func TestImpulseNoiseRejectionBlanksValueButTracksEMA(t *testing.T) {
	lookup := newFakeLookup()
	capture := &captureAggregator{Blank: privatizer.NewBlank()}
	cfg := config.CorrelationConfig{
		SensorImpactNoiseThreshold: map[model.MeasurementType]float64{model.AmbientTemperature: 7},
		SensorEMASmoothingFactor:   0.2,
		CacheInvalidationFactor:    4,
	}
	gate := privatizer.NewCorrelationGate(capture, cfg, model.AmbientTemperature, store.NewMemory(), cache.New(cache.Config{Capacity: 16}))

	trixel := htm.Children(htm.RootFace(4))[0]
	p := privatizer.New(trixel, model.AmbientTemperature, gate, lookup)
	lookup.privatizers[trixel] = p

	s := sensorWithK(lookup, 1)
	p.AddSensor(s, true)

	calm, spike := 20.0, 35.0
	p.NewValue(s, model.Measurement{SensorID: s, Value: &calm, Timestamp: time.Now()})
	p.NewValue(s, model.Measurement{SensorID: s, Value: &spike, Timestamp: time.Now()})

	require.Len(t, capture.values, 2)
	require.NotNil(t, capture.values[0])
	assert.Equal(t, calm, *capture.values[0])
	assert.Nil(t, capture.values[1], "a reading deviating beyond the threshold must reach the policy as unknown")

	lc, ok := lookup.GetLifecycle(s, false)
	require.True(t, ok)
	require.NotNil(t, lc.Correlation.EMA)
	assert.InDelta(t, calm*0.8+spike*0.2, *lc.Correlation.EMA, 1e-9, "the EMA keeps tracking the raw reading so step changes are eventually accepted")
}

func TestStaleAfterAllSensorsRemoved(t *testing.T) {
	lookup := newFakeLookup()
	trixel := htm.Children(htm.RootFace(3))[0]
	p := lookup.GetPrivatizer(trixel, model.AmbientTemperature, true)

	s := sensorWithK(lookup, 1)
	p.AddSensor(s, true)
	p.Process(context.Background())
	assert.False(t, p.Stale())

	p.RemoveSensor(s)
	p.Process(context.Background())
	assert.True(t, p.Stale())
}
