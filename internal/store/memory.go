package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/TillFleisch/TrixelManagementService/internal/model"
)

type sensorSample struct {
	value     *float64
	timestamp time.Time
}

type trixelSample struct {
	value     *float64
	timestamp time.Time
}

// Memory is a goroutine-safe in-memory Store, used in tests and as the
// default store for a TMS that has not been wired to a real database yet.
type Memory struct {
	mu         sync.RWMutex
	sensors    map[model.UniqueSensorID][]sensorSample
	seen       map[model.UniqueSensorID]map[int64]struct{}
	accuracies map[model.UniqueSensorID]float64
	trixels    map[trixelKey][]trixelSample
}

type trixelKey struct {
	trixel model.TrixelID
	typ    model.MeasurementType
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		sensors:    make(map[model.UniqueSensorID][]sensorSample),
		seen:       make(map[model.UniqueSensorID]map[int64]struct{}),
		accuracies: make(map[model.UniqueSensorID]float64),
		trixels:    make(map[trixelKey][]trixelSample),
	}
}

func (m *Memory) InsertMeasurement(_ context.Context, meas model.Measurement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts := meas.Timestamp.UnixNano()
	if _, ok := m.seen[meas.SensorID][ts]; ok {
		return ErrDuplicateMeasurement
	}
	if m.seen[meas.SensorID] == nil {
		m.seen[meas.SensorID] = make(map[int64]struct{})
	}
	m.seen[meas.SensorID][ts] = struct{}{}
	m.sensors[meas.SensorID] = append(m.sensors[meas.SensorID], sensorSample{value: meas.Value, timestamp: meas.Timestamp})
	return nil
}

func (m *Memory) InsertObservations(_ context.Context, typ model.MeasurementType, observations []model.Observation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range observations {
		key := trixelKey{trixel: o.TrixelID, typ: typ}
		m.trixels[key] = append(m.trixels[key], trixelSample{value: o.Value, timestamp: o.Time})
	}
	return nil
}

func (m *Memory) GetSensorMedian(_ context.Context, sensor model.UniqueSensorID, window time.Duration) (*float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cutoff := time.Now().Add(-window)
	var values []float64
	for _, s := range m.sensors[sensor] {
		if s.value != nil && !s.timestamp.Before(cutoff) {
			values = append(values, *s.value)
		}
	}
	return median(values), nil
}

func (m *Memory) GetSensorsMedian(_ context.Context, sensors []model.UniqueSensorID, window time.Duration) (*float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cutoff := time.Now().Add(-window)
	var values []float64
	for _, sensor := range sensors {
		for _, s := range m.sensors[sensor] {
			if s.value != nil && !s.timestamp.Before(cutoff) {
				values = append(values, *s.value)
			}
		}
	}
	return median(values), nil
}

func (m *Memory) GetTrixelMedian(_ context.Context, trixel model.TrixelID, typ model.MeasurementType, window time.Duration) (*float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cutoff := time.Now().Add(-window)
	var values []float64
	for _, s := range m.trixels[trixelKey{trixel: trixel, typ: typ}] {
		if s.value != nil && !s.timestamp.Before(cutoff) {
			values = append(values, *s.value)
		}
	}
	return median(values), nil
}

func (m *Memory) GetMeasurementCount(_ context.Context, sensor model.UniqueSensorID, window time.Duration) (CountWindow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cutoff := time.Now().Add(-window)
	var cw CountWindow
	for _, s := range m.sensors[sensor] {
		if s.timestamp.Before(cutoff) {
			continue
		}
		cw.Total++
		if s.value != nil {
			cw.Valid++
		}
	}
	return cw, nil
}

func (m *Memory) GetObservationCount(_ context.Context, trixel model.TrixelID, typ model.MeasurementType, window time.Duration) (CountWindow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cutoff := time.Now().Add(-window)
	var cw CountWindow
	for _, s := range m.trixels[trixelKey{trixel: trixel, typ: typ}] {
		if s.timestamp.Before(cutoff) {
			continue
		}
		cw.Total++
		if s.value != nil {
			cw.Valid++
		}
	}
	return cw, nil
}

func (m *Memory) GetSensorAge(_ context.Context, sensor model.UniqueSensorID, windowCap time.Duration) (*time.Duration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	samples := m.sensors[sensor]
	if len(samples) == 0 {
		return nil, nil
	}
	oldest := samples[0].timestamp
	for _, s := range samples[1:] {
		if s.timestamp.Before(oldest) {
			oldest = s.timestamp
		}
	}
	age := time.Since(oldest)
	if age > windowCap {
		age = windowCap
	}
	return &age, nil
}

func (m *Memory) GetSensorAccuracy(_ context.Context, sensor model.UniqueSensorID) (*float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if acc, ok := m.accuracies[sensor]; ok {
		return &acc, nil
	}
	return nil, nil
}

// SetSensorAccuracy is a test/seed helper; production deployments populate
// accuracy from a calibration table outside this package's scope.
func (m *Memory) SetSensorAccuracy(sensor model.UniqueSensorID, accuracy float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accuracies[sensor] = accuracy
}

func (m *Memory) PurgeOldSensorData(_ context.Context, cutoff time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for sensor, samples := range m.sensors {
		kept := samples[:0]
		for _, s := range samples {
			if !s.timestamp.Before(cutoff) {
				kept = append(kept, s)
			} else {
				delete(m.seen[sensor], s.timestamp.UnixNano())
			}
		}
		m.sensors[sensor] = kept
	}
	return nil
}

func median(values []float64) *float64 {
	if len(values) == 0 {
		return nil
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	var v float64
	if n%2 == 1 {
		v = sorted[n/2]
	} else {
		v = (sorted[n/2-1] + sorted[n/2]) / 2
	}
	return &v
}
