package privatizer

import (
	"context"
	"sync"
	"time"

	"github.com/TillFleisch/TrixelManagementService/internal/config"
	"github.com/TillFleisch/TrixelManagementService/internal/model"
)

// kalman2 is a 2-state Kalman filter with state x = [value, bias]ᵀ,
// F = I (a random-walk model: nothing forces value/bias to evolve on its
// own between measurements), and H = [1, 0] (every measurement observes
// value directly). It's small enough to not warrant pulling in a linear
// algebra dependency for 2x2 matrices.
type kalman2 struct {
	x0, x1     float64
	p00, p01, p11 float64
	q          [2][2]float64
}

func newKalman2(processStdPerStep float64, dt time.Duration) *kalman2 {
	dtSeconds := dt.Seconds()
	if dtSeconds <= 0 {
		dtSeconds = 1
	}
	varQ := processStdPerStep * processStdPerStep
	k := &kalman2{x0: 1.0, x1: 0.0}
	k.resetCovariance()
	k.q = discreteWhiteNoise2(dtSeconds, varQ)
	return k
}

// discreteWhiteNoise2 is the discrete white-noise process covariance for
// a constant-velocity-style 2-state model over one step of dt.
func discreteWhiteNoise2(dt, variance float64) [2][2]float64 {
	return [2][2]float64{
		{dt * dt * dt * dt / 4 * variance, dt * dt * dt / 2 * variance},
		{dt * dt * dt / 2 * variance, dt * dt * variance},
	}
}

func (k *kalman2) resetCovariance() {
	k.p00, k.p01, k.p11 = 100, 0, 100
}

func (k *kalman2) predict() {
	// F = I, so state is unchanged; covariance grows by Q.
	k.p00 += k.q[0][0]
	k.p01 += k.q[0][1]
	k.p11 += k.q[1][1]
}

func (k *kalman2) update(z, r float64) {
	y := z - k.x0
	s := k.p00 + r
	if s == 0 {
		return
	}
	k0 := k.p00 / s
	k1 := k.p01 / s

	k.x0 += k0 * y
	k.x1 += k1 * y

	newP00 := (1 - k0) * k.p00
	newP01 := (1 - k0) * k.p01
	newP11 := k.p11 - k1*k.p01

	k.p00, k.p01, k.p11 = newP00, newP01, newP11
}

// NaiveKalman fuses non-shadow sensor measurements and child trixel
// values through a per-privatizer Kalman filter. It embeds NaiveAverage
// for its staleness tracking (last measurement, update interval); only
// GetValue differs.
type NaiveKalman struct {
	*NaiveAverage

	mu               sync.Mutex
	cfg              config.KalmanConfig
	filter           *kalman2
	averageAccuracy  *float64
	accuracyLookup   func(sensor model.UniqueSensorID) *float64
}

func NewNaiveKalman(cfg config.KalmanConfig, tickPeriod time.Duration, accuracyLookup func(model.UniqueSensorID) *float64) *NaiveKalman {
	return &NaiveKalman{
		NaiveAverage:   NewNaiveAverage(cfg.NaiveAverageConfig),
		cfg:            cfg,
		filter:         newKalman2(cfg.ProcessStdDeviationPerStep, tickPeriod),
		accuracyLookup: accuracyLookup,
	}
}

// AverageAccuracy reports the blended measurement accuracy contributors
// provided this tick, for ancestors to use as their own "child accuracy"
// input.
func (k *NaiveKalman) AverageAccuracy() *float64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.averageAccuracy
}

func (k *NaiveKalman) GetValue(p *Privatizer) *float64 {
	k.mu.Lock()
	defer k.mu.Unlock()

	var accuracySum float64
	var contributors int

	for _, s := range p.Sensors() {
		if p.ShadowMode(s) {
			continue
		}
		if lc, ok := p.lookup.GetLifecycle(s, false); !ok || lc == nil || !lc.IsContributing() {
			continue
		}
		k.NaiveAverage.mu.Lock()
		ts, hasTs := k.NaiveAverage.lastTimestamp[s]
		v, hasV := k.NaiveAverage.lastMeasurement[s]
		k.NaiveAverage.mu.Unlock()
		if !hasTs || time.Since(ts) > k.cfg.MaxMeasurementAgeAveraging || !hasV || v == nil {
			continue
		}

		accuracy := k.cfg.DefaultSensorAccuracy[p.Type()]
		if a := k.accuracyLookup(s); a != nil {
			accuracy = *a
		}

		k.filter.predict()
		k.filter.update(*v, accuracy*accuracy)
		accuracySum += accuracy
		contributors++
	}

	for _, childID := range p.childrenIDs {
		child := p.lookup.GetPrivatizer(childID, p.typ, false)
		if child == nil {
			continue
		}
		v := child.Value()
		if v == nil {
			continue
		}
		accuracy := k.cfg.DefaultChildTrixelAccuracy[p.Type()]
		if nk, ok := child.aggregatorAsKalman(); ok {
			if avg := nk.AverageAccuracy(); avg != nil {
				accuracy = *avg
			}
		}
		k.filter.predict()
		k.filter.update(*v, accuracy*accuracy)
		accuracySum += accuracy
		contributors++
	}

	if contributors == 0 {
		k.filter.resetCovariance()
		k.averageAccuracy = nil
		return nil
	}

	avg := accuracySum / float64(contributors)
	k.averageAccuracy = &avg
	result := k.filter.x0
	return &result
}

func (*NaiveKalman) PostProcessing(context.Context, *Privatizer) {}
