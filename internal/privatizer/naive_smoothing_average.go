package privatizer

import (
	"sync"

	"github.com/TillFleisch/TrixelManagementService/internal/config"
)

// NaiveSmoothingAverage extends NaiveAverage with exponential smoothing
// applied separately to the local and child-trixel sums before they are
// combined, by overriding the parent's filter hooks. Everything else
// (staleness tracking, evaluation, pooling arithmetic) is inherited
// unmodified through the embedded *NaiveAverage.
type NaiveSmoothingAverage struct {
	*NaiveAverage

	cfg config.SmoothingConfig

	mu              sync.Mutex
	localLastValue  *float64
	localLastCount  int
	childLastValue  *float64
	childLastCount  int
}

func NewNaiveSmoothingAverage(cfg config.SmoothingConfig) *NaiveSmoothingAverage {
	s := &NaiveSmoothingAverage{
		NaiveAverage: NewNaiveAverage(cfg.NaiveAverageConfig),
		cfg:          cfg,
	}
	s.filterLocalSum = s.smoothLocal
	s.filterChildSum = s.smoothChild
	return s
}

func (s *NaiveSmoothingAverage) smoothLocal(value *float64, count int) *float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	filtered := exponentialFilter(s.cfg.LocalSmoothFactor, value, s.localLastValue, count, s.localLastCount)
	s.localLastValue, s.localLastCount = filtered, count
	return filtered
}

func (s *NaiveSmoothingAverage) smoothChild(value *float64, count int) *float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	filtered := exponentialFilter(s.cfg.ChildSmoothFactor, value, s.childLastValue, count, s.childLastCount)
	s.childLastValue, s.childLastCount = filtered, count
	return filtered
}

// exponentialFilter is sum-scale-compensated exponential smoothing: when
// the contributor count changes between ticks, the previous (filtered)
// sum is first rescaled to the new count before blending, so a
// growing/shrinking contributor set doesn't look like a step change in
// the underlying value.
func exponentialFilter(smoothFactor float64, value, lastValue *float64, count, lastCount int) *float64 {
	if smoothFactor == 1 {
		return value
	}
	if value == nil {
		return nil
	}
	if lastValue == nil {
		v := *value
		return &v
	}
	adjustedLast := *lastValue
	if count != lastCount && lastCount > 0 {
		adjustedLast = (*lastValue / float64(lastCount)) * float64(count)
	}
	blended := adjustedLast*(1-smoothFactor) + *value*smoothFactor
	return &blended
}
