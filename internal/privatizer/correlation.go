package privatizer

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/TillFleisch/TrixelManagementService/internal/cache"
	"github.com/TillFleisch/TrixelManagementService/internal/config"
	"github.com/TillFleisch/TrixelManagementService/internal/htm"
	"github.com/TillFleisch/TrixelManagementService/internal/lifecycle"
	"github.com/TillFleisch/TrixelManagementService/internal/model"
	"github.com/TillFleisch/TrixelManagementService/internal/store"
)

// CorrelationGate is the correlation-evaluating sensor-quality gate. It
// wraps another Aggregator and intercepts EvaluateSensorQuality (the
// age/uptime/correlation checks) and NewValue (impulse-noise rejection),
// and makes its own CanSubdivide decision from the privatizer's
// observation history. GetValue, pre/post-processing and sensor removal
// are forwarded to the wrapped aggregator unchanged.
// The combined policies (Average, SmoothingAverage, Kalman) are all
// built from this composition.
type CorrelationGate struct {
	inner Aggregator

	cfg   config.CorrelationConfig
	typ   model.MeasurementType
	store store.Store
	stats *cache.Cache

	// observationCache holds CanSubdivide's own observation-count lookup;
	// it's privatizer-instance-specific rather than a statistic keyed by
	// (trixel, window), so it doesn't belong in the shared stats cache.
	observationMu    sync.Mutex
	observationCache cachedCount
}

type cachedCount struct {
	count     store.CountWindow
	updatedAt time.Time
}

// NewCorrelationGate wraps inner with the correlation-evaluating sensor
// quality gate. stats is the shared, bounded statistic cache every gate
// in the service draws from for trixel and local medians.
func NewCorrelationGate(inner Aggregator, cfg config.CorrelationConfig, typ model.MeasurementType, st store.Store, stats *cache.Cache) *CorrelationGate {
	return &CorrelationGate{
		inner: inner,
		cfg:   cfg,
		typ:   typ,
		store: st,
		stats: stats,
	}
}

func (g *CorrelationGate) GetValue(p *Privatizer) *float64       { return g.inner.GetValue(p) }
func (g *CorrelationGate) PreProcessing(ctx context.Context, p *Privatizer) { g.inner.PreProcessing(ctx, p) }
func (g *CorrelationGate) PostProcessing(ctx context.Context, p *Privatizer) { g.inner.PostProcessing(ctx, p) }
func (g *CorrelationGate) RemoveSensor(s model.UniqueSensorID)              { g.inner.RemoveSensor(s) }

// CanSubdivide allows unshadowing a deeper child only once this
// privatizer has produced output reliably for long enough, judged by
// the fraction of expected ticks that actually produced an observation.
// Always true at root.
func (g *CorrelationGate) CanSubdivide(ctx context.Context, p *Privatizer) bool {
	if p.Level() == 0 {
		return true
	}
	window := g.cfg.PrivatizerSubdivisionTimeRequirement

	g.observationMu.Lock()
	cached := g.observationCache
	g.observationMu.Unlock()
	var count store.CountWindow
	if time.Since(cached.updatedAt) <= window/time.Duration(g.cfg.CacheInvalidationFactor) {
		count = cached.count
	} else {
		var err error
		count, err = g.store.GetObservationCount(ctx, p.ID(), p.Type(), window)
		if err != nil {
			return false
		}
		g.observationMu.Lock()
		g.observationCache = cachedCount{count: count, updatedAt: time.Now()}
		g.observationMu.Unlock()
	}

	expected := math.Max(1, window.Seconds())
	return float64(count.Valid)/expected > g.cfg.PrivatizerSubdivisionTimeThreshold
}

// NewValue applies impulse-noise rejection before delegating to the inner
// aggregator: a measurement that deviates from the sensor's own
// exponential moving average by more than the configured threshold has
// its value blanked (the sensor is still "alive", just discarded this
// round), while the EMA keeps tracking the raw reading so a genuine step
// change is not permanently rejected.
func (g *CorrelationGate) NewValue(p *Privatizer, s model.UniqueSensorID, m model.Measurement) {
	lc, _ := p.lookup.GetLifecycle(s, true)
	cs := lc.EnsureCorrelation()

	if m.Value != nil {
		if cs.EMA == nil {
			ema := *m.Value
			cs.EMA = &ema
		} else {
			outlier := math.Abs(*m.Value-*cs.EMA) > g.cfg.SensorImpactNoiseThreshold[g.typ]

			// The EMA tracks the raw reading even when the reading itself
			// is rejected, so a genuine step change drags the average along
			// and stops being treated as noise after a few samples.
			alpha := g.cfg.SensorEMASmoothingFactor
			ema := *cs.EMA*(1-alpha) + *m.Value*alpha
			cs.EMA = &ema

			if outlier {
				m.Value = nil
			}
		}
	}

	g.inner.NewValue(p, s, m)
}

// EvaluateSensorQuality implements the three-stage gate: age, uptime,
// and statistical correlation. A sensor contributes only if it passes
// all three.
func (g *CorrelationGate) EvaluateSensorQuality(ctx context.Context, p *Privatizer, s model.UniqueSensorID) bool {
	lc, _ := p.lookup.GetLifecycle(s, true)
	cs := lc.EnsureCorrelation()

	accept := func(ok bool, reason model.ExclusionReason) bool {
		cs.ExclusionReason = reason
		lc.SetContributing(ok)
		return ok
	}

	age := g.sensorAge(ctx, s, cs)
	if age != nil && *age < g.cfg.MinimumSensorAge {
		return accept(false, model.ExclusionTooYoung)
	}

	uptime, interval := g.evaluateUptime(ctx, s, cs)
	if uptime < g.cfg.UptimeRequirement {
		return accept(false, model.ExclusionUptimeUnreliable)
	}
	if interval >= g.cfg.MaxUpdateInterval {
		return accept(false, model.ExclusionLowUpdateInterval)
	}

	if p.Level() < g.cfg.LocalStatisticCheckSplitLevel {
		if len(p.Sensors()) < g.cfg.LocalCheckMinimumSensorCount {
			// Not enough peers to judge correlation yet; retain whatever
			// state the sensor already had.
			return lc.IsContributing()
		}
		score := g.localCorrelationScore(ctx, p, s, cs)
		if score <= g.cfg.RootLevelCorrelationThreshold {
			return accept(false, model.ExclusionInsignificantCorrelation)
		}
	} else {
		score := g.trixelCorrelationScore(ctx, p, s, cs)
		if score <= g.cfg.TrixelCorrelationThreshold {
			return accept(false, model.ExclusionInsignificantCorrelation)
		}
	}

	return accept(true, model.ExclusionNone)
}

// sensorAge returns a sensor's observed age, cached per
// AgeEvaluationInterval.
func (g *CorrelationGate) sensorAge(ctx context.Context, s model.UniqueSensorID, cs *lifecycle.CorrelationState) *time.Duration {
	if time.Since(cs.AgeLastUpdate) <= g.cfg.AgeEvaluationInterval && cs.AgeLastUpdate.Unix() != 0 {
		age := cs.Age
		return &age
	}
	windowCap := g.cfg.MinimumSensorAge
	age, err := g.store.GetSensorAge(ctx, s, windowCap)
	if err != nil || age == nil {
		return nil
	}
	cs.Age = *age
	cs.AgeLastUpdate = time.Now()
	return age
}

// evaluateUptime brackets a sensor's uptime by comparing the sample
// count in a base window against the count in an extended window, both
// extrapolating the short window up and interpolating the long window
// down, and taking the worse of the two. Cached per
// UptimeEvaluationInterval.
func (g *CorrelationGate) evaluateUptime(ctx context.Context, s model.UniqueSensorID, cs *lifecycle.CorrelationState) (uptime float64, avgInterval time.Duration) {
	if !cs.LastUptimeUpdate.IsZero() && time.Since(cs.LastUptimeUpdate) <= g.cfg.UptimeEvaluationInterval {
		return cs.Uptime, cs.AverageUpdateInterval
	}

	base := g.cfg.UptimeBaseTimeRange
	window, err := g.store.GetMeasurementCount(ctx, s, base)
	if err != nil || window.Valid == 0 {
		return 0, base
	}

	multiplier := float64(g.cfg.UptimeLongTimeMultiplier)
	longWindow := time.Duration(float64(base) * multiplier)
	long, err := g.store.GetMeasurementCount(ctx, s, longWindow)
	if err != nil {
		return 0, base
	}

	extrapolated := 1 - clamp01((float64(window.Valid)*multiplier-float64(long.Total))/(float64(window.Valid)*multiplier))
	interpolated := 1 - clamp01((float64(long.Valid)/multiplier-float64(window.Total))/(float64(long.Valid)/multiplier))
	uptime = math.Min(extrapolated, interpolated)
	avgInterval = base / time.Duration(window.Valid)

	cs.Uptime = uptime
	cs.AverageUpdateInterval = avgInterval
	cs.LastUptimeUpdate = time.Now()
	return uptime, avgInterval
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// cachedLocalMedian returns p's pooled sensor median for window from the
// shared statistic cache, refreshing it via the store on a miss or once
// it's older than window/CacheInvalidationFactor.
func (g *CorrelationGate) cachedLocalMedian(ctx context.Context, p *Privatizer, window time.Duration) *float64 {
	key := fmt.Sprintf("local/%d/%d/%d", p.ID(), g.typ, window)
	maxAge := window / time.Duration(g.cfg.CacheInvalidationFactor)
	v, err := g.stats.GetOrFetch(ctx, key, maxAge, func() (*float64, error) {
		return g.store.GetSensorsMedian(ctx, p.Sensors(), window)
	})
	if err != nil {
		return nil
	}
	return v
}

// cachedAncestorMedian is the same pattern specialized to a (trixel,
// window) pair: trixelCorrelationScore compares a sensor's median against
// several ancestor trixels in the same window, so the cache key must
// include the ancestor or their medians would overwrite each other.
func (g *CorrelationGate) cachedAncestorMedian(ctx context.Context, trixel model.TrixelID, window time.Duration, typ model.MeasurementType) *float64 {
	key := fmt.Sprintf("trixel/%d/%d/%d", trixel, typ, window)
	maxAge := window / time.Duration(g.cfg.CacheInvalidationFactor)
	v, err := g.stats.GetOrFetch(ctx, key, maxAge, func() (*float64, error) {
		return g.store.GetTrixelMedian(ctx, trixel, typ, window)
	})
	if err != nil {
		return nil
	}
	return v
}

// cachedSensorMedian is the per-sensor counterpart of cachedLocalMedian
// and cachedAncestorMedian. Per-sensor medians are cached on the
// sensor's own lifecycle record (lifecycle.
// CorrelationState.SensorMedian) rather than on the gate, since the gate
// instance is shared by every sensor a privatizer owns.
func (g *CorrelationGate) cachedSensorMedian(ctx context.Context, s model.UniqueSensorID, cs *lifecycle.CorrelationState, window time.Duration) *float64 {
	if last, ok := cs.SensorMedianLastUpdate[window]; ok && time.Since(last) <= window/time.Duration(g.cfg.CacheInvalidationFactor) {
		if v, ok := cs.SensorMedian[window]; ok {
			return &v
		}
	}
	v, err := g.store.GetSensorMedian(ctx, s, window)
	if err != nil || v == nil {
		return nil
	}
	cs.SensorMedian[window] = *v
	cs.SensorMedianLastUpdate[window] = time.Now()
	return v
}

// localCorrelationScore compares a sensor's own median to the median of
// every sensor in this privatizer, across every configured window,
// scoring 1-delta/tolerance per window and taking the minimum.
func (g *CorrelationGate) localCorrelationScore(ctx context.Context, p *Privatizer, s model.UniqueSensorID, cs *lifecycle.CorrelationState) float64 {
	minScore := 1.0
	for window, setting := range g.cfg.RootLevelCorrelationSettings {
		maxDelta, ok := setting.MaxDelta[g.typ]
		if !ok {
			continue
		}
		sensorMedian := g.cachedSensorMedian(ctx, s, cs, window)
		localMedian := g.cachedLocalMedian(ctx, p, window)
		if sensorMedian == nil || localMedian == nil {
			continue
		}
		delta := math.Abs(*localMedian - *sensorMedian)
		if delta > maxDelta {
			return 0
		}
		score := 1 - delta/maxDelta
		if score < minScore {
			minScore = score
		}
	}
	return minScore
}

// trixelCorrelationScore compares a sensor's own median to this
// privatizer's and its ancestors' observation-history medians, skipping
// the immediate parent (it typically just reflects this sensor and its
// neighbors) and scaling tolerance upward for coarser levels.
func (g *CorrelationGate) trixelCorrelationScore(ctx context.Context, p *Privatizer, s model.UniqueSensorID, cs *lifecycle.CorrelationState) float64 {
	minScore := 1.0
	ancestors := ancestorChain(p.ID(), g.cfg.TrixelStatisticCheckGenerations+2)

	for window, setting := range g.cfg.TrixelCorrelationSettings {
		maxDelta, ok := setting.MaxDelta[g.typ]
		if !ok {
			continue
		}
		if p.Level() < g.cfg.LocalStatisticCheckTargetLevel {
			levelsAbove := float64(g.cfg.LocalStatisticCheckTargetLevel - p.Level())
			maxDelta += levelsAbove * g.cfg.TrixelStatisticLevelScaleFactor * maxDelta
		}

		sensorMedian := g.cachedSensorMedian(ctx, s, cs, window)
		if sensorMedian == nil {
			continue
		}

		for i, ancestor := range ancestors {
			if i == 1 {
				// Skip the immediate parent: comparing against it is in
				// some cases just comparing the sensor against itself.
				continue
			}
			trixelMedian := g.cachedAncestorMedian(ctx, ancestor, window, p.Type())
			if trixelMedian == nil {
				continue
			}
			delta := math.Abs(*trixelMedian - *sensorMedian)
			if delta > maxDelta {
				return 0
			}
			score := 1 - delta/maxDelta
			if score < minScore {
				minScore = score
			}
		}
	}
	return minScore
}

// ancestorChain returns id and up to n ancestors, deepest first.
func ancestorChain(id model.TrixelID, n int) []model.TrixelID {
	chain := []model.TrixelID{id}
	cur := id
	for i := 0; i < n; i++ {
		cur = htm.Parent(cur)
		if cur == htm.Invalid {
			break
		}
		chain = append(chain, cur)
	}
	return chain
}
