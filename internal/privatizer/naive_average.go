package privatizer

import (
	"context"
	"sync"
	"time"

	"github.com/TillFleisch/TrixelManagementService/internal/config"
	"github.com/TillFleisch/TrixelManagementService/internal/model"
)

// NaiveAverage pools every non-shadow sensor's latest measurement with
// every child trixel's last published value, weighted by the child's
// total contributing sensor count. Staleness is judged against the
// sensor's own observed update interval once one is known, and against a
// fixed ceiling (MaxMeasurementAge) until then.
type NaiveAverage struct {
	mu sync.Mutex

	cfg config.NaiveAverageConfig

	lastMeasurement map[model.UniqueSensorID]*float64
	lastTimestamp   map[model.UniqueSensorID]time.Time
	updateInterval  map[model.UniqueSensorID]time.Duration

	// filterLocalSum/filterChildSum let NaiveSmoothingAverage intercept
	// the pooled sums before they are combined, without reimplementing
	// GetValue.
	filterLocalSum func(value *float64, count int) *float64
	filterChildSum func(value *float64, count int) *float64
}

func NewNaiveAverage(cfg config.NaiveAverageConfig) *NaiveAverage {
	na := &NaiveAverage{
		cfg:             cfg,
		lastMeasurement: make(map[model.UniqueSensorID]*float64),
		lastTimestamp:   make(map[model.UniqueSensorID]time.Time),
		updateInterval:  make(map[model.UniqueSensorID]time.Duration),
	}
	na.filterLocalSum = identityFilter
	na.filterChildSum = identityFilter
	return na
}

func identityFilter(value *float64, _ int) *float64 { return value }

func (n *NaiveAverage) EvaluateSensorQuality(_ context.Context, p *Privatizer, s model.UniqueSensorID) bool {
	if lc, ok := p.lookup.GetLifecycle(s, true); ok {
		lc.SetContributing(true)
	}
	return true
}

func (n *NaiveAverage) NewValue(p *Privatizer, s model.UniqueSensorID, m model.Measurement) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.lastMeasurement[s] = m.Value

	if time.Since(m.Timestamp) > n.cfg.MaxMeasurementAge {
		// Recording the stale timestamp lets pre_processing evict this
		// sensor next tick.
		n.lastTimestamp[s] = m.Timestamp
		return
	}

	if last, ok := n.lastTimestamp[s]; ok {
		interval := m.Timestamp.Sub(last)
		if existing, ok := n.updateInterval[s]; ok {
			w := n.cfg.UpdateIntervalWeight
			n.updateInterval[s] = time.Duration(float64(existing)*(1-w) + float64(interval)*w)
		} else {
			n.updateInterval[s] = interval
		}
	}
	n.lastTimestamp[s] = m.Timestamp
}

func (n *NaiveAverage) PreProcessing(_ context.Context, p *Privatizer) {
	n.mu.Lock()
	var stale []model.UniqueSensorID
	for _, s := range p.Sensors() {
		last, ok := n.lastTimestamp[s]
		if !ok {
			continue
		}
		age := time.Since(last)
		if interval, ok := n.updateInterval[s]; ok && age > time.Duration(float64(interval)*n.cfg.MissedUpdateThreshold) {
			stale = append(stale, s)
		} else if age > time.Duration(float64(n.cfg.MaxMeasurementAge)*n.cfg.MissedUpdateThreshold) {
			stale = append(stale, s)
		}
	}
	n.mu.Unlock()

	for _, s := range stale {
		p.lookup.RemoveSensorEverywhere(s)
		p.RemoveSensor(s)
	}
}

func (*NaiveAverage) PostProcessing(context.Context, *Privatizer)    {}
func (*NaiveAverage) CanSubdivide(context.Context, *Privatizer) bool { return true }

func (n *NaiveAverage) RemoveSensor(s model.UniqueSensorID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.lastMeasurement, s)
	delete(n.lastTimestamp, s)
	delete(n.updateInterval, s)
}

// GetValue pools local non-shadow contributors with child values, applying
// filterLocalSum/filterChildSum before the final combination so a wrapping
// policy (NaiveSmoothingAverage) can smooth each side independently.
func (n *NaiveAverage) GetValue(p *Privatizer) *float64 {
	n.mu.Lock()
	var localSum *float64
	localCount := 0
	for _, s := range p.Sensors() {
		if p.ShadowMode(s) {
			continue
		}
		ts, ok := n.lastTimestamp[s]
		if !ok || time.Since(ts) > n.cfg.MaxMeasurementAgeAveraging {
			continue
		}
		if lc, ok := p.lookup.GetLifecycle(s, false); !ok || lc == nil || !lc.IsContributing() {
			continue
		}
		v, ok := n.lastMeasurement[s]
		if !ok || v == nil {
			continue
		}
		if localSum == nil {
			zero := 0.0
			localSum = &zero
		}
		*localSum += *v
		localCount++
	}
	n.mu.Unlock()

	var childSum *float64
	childCount := 0
	for _, childID := range p.childrenIDs {
		child := p.lookup.GetPrivatizer(childID, p.typ, false)
		if child == nil {
			continue
		}
		v := child.Value()
		if v == nil {
			continue
		}
		weight := child.TotalContributingSensorCount()
		if childSum == nil {
			zero := 0.0
			childSum = &zero
		}
		*childSum += *v * float64(weight)
		childCount += weight
	}

	localSum = n.filterLocalSum(localSum, localCount)
	childSum = n.filterChildSum(childSum, childCount)

	if localSum == nil && childSum == nil {
		return nil
	}
	l, c := 0.0, 0.0
	if localSum != nil {
		l = *localSum
	}
	if childSum != nil {
		c = *childSum
	}
	total := localCount + childCount
	if total == 0 {
		return nil
	}
	result := (l + c) / float64(total)
	return &result
}
