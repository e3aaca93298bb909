package privatizer

import (
	"context"
	"sort"

	"github.com/TillFleisch/TrixelManagementService/internal/model"
)

// TrixelUpdateResult is what Process reports to the manager's sweep: the
// tick's outcome for this (trixel, type), plus whether the TLS needs an
// updated station count.
type TrixelUpdateResult struct {
	TrixelID    model.TrixelID
	Type        model.MeasurementType
	Changed     bool
	Value       *float64
	MsCount     int
	SensorCount int
	UpdateTLS   bool
}

// Process runs one tick of the per-(trixel,type) aggregation algorithm:
// evaluate sensor quality, run k-anonymity shadow promotion, compute
// the published value, and report whether the TLS needs an updated
// count. Identical across every policy; only the Aggregator hooks vary.
func (p *Privatizer) Process(ctx context.Context) TrixelUpdateResult {
	p.aggregator.PreProcessing(ctx, p)

	sensors := p.Sensors()
	contributing := make(map[model.UniqueSensorID]bool, len(sensors))
	for _, s := range sensors {
		if p.shouldEvaluateFor(s) {
			contributing[s] = p.aggregator.EvaluateSensorQuality(ctx, p, s)
		} else if lc, ok := p.lookup.GetLifecycle(s, false); ok && lc != nil {
			contributing[s] = lc.IsContributing()
		}
	}

	childMs := p.sumChildrenMsCount()

	if p.aggregator.CanSubdivide(ctx, p) {
		p.runShadowPromotion(sensors, contributing, childMs)
	}

	p.recomputeTallies(sensors, contributing)

	newValue := p.aggregator.GetValue(p)
	sensorCount := p.TotalContributingSensorCount()

	p.mu.Lock()
	msCount := p.contributingMsCount + childMs
	p.stale = msCount == 0 && len(p.sensors) == 0
	changed := valueChanged(p.lastPublished.Value, newValue) ||
		p.lastPublished.MsCount != msCount ||
		p.lastPublished.SensorCount != sensorCount
	updateTLS := msCount != p.tlsMsCount
	p.lastPublished = model.TrixelUpdate{Changed: changed, Value: newValue, MsCount: msCount, SensorCount: sensorCount}
	p.mu.Unlock()

	p.aggregator.PostProcessing(ctx, p)

	return TrixelUpdateResult{
		TrixelID:    p.id,
		Type:        p.typ,
		Changed:     changed,
		Value:       newValue,
		MsCount:     msCount,
		SensorCount: sensorCount,
		UpdateTLS:   updateTLS,
	}
}

func valueChanged(a, b *float64) bool {
	if (a == nil) != (b == nil) {
		return true
	}
	return a != nil && b != nil && *a != *b
}

func (p *Privatizer) shouldEvaluateFor(s model.UniqueSensorID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shouldEvaluate[s]
}

// sumChildrenMsCount is the total contributing station count across
// every descendant, the term added to this privatizer's own count when
// judging which k-requirements the sub-tree can satisfy.
func (p *Privatizer) sumChildrenMsCount() int {
	total := 0
	for _, childID := range p.childrenIDs {
		if child := p.lookup.GetPrivatizer(childID, p.typ, false); child != nil {
			total += child.TotalContributingMsCount()
		}
	}
	return total
}

// runShadowPromotion implements the k-anonymity over-satisfier bucketing
// algorithm: a sensor whose own k requirement is met by the count of
// distinct stations with a k requirement at or below it (plus any
// contribution already flowing up from children) gets unshadowed and
// removed from its parent.
func (p *Privatizer) runShadowPromotion(sensors []model.UniqueSensorID, contributing map[model.UniqueSensorID]bool, childMs int) {
	satisfierCountByK := make(map[int]int)
	seenStation := make(map[string]struct{})
	for _, s := range sensors {
		if !contributing[s] {
			continue
		}
		if _, seen := seenStation[s.MsUUID.String()]; seen {
			continue
		}
		seenStation[s.MsUUID.String()] = struct{}{}
		k := p.lookup.KRequirement(s.MsUUID)
		satisfierCountByK[k]++
	}

	ks := make([]int, 0, len(satisfierCountByK))
	for k := range satisfierCountByK {
		ks = append(ks, k)
	}
	sort.Ints(ks)

	// Over-satisfier accumulation: a station satisfying a smaller k also
	// counts toward every larger k's requirement. Accumulated into a
	// fresh map rather than satisfierCountByK itself, since accumulating
	// in place would let an already-bumped smaller bucket get folded into
	// a larger one a second time once three or more buckets are present.
	cumulativeByK := make(map[int]int, len(ks))
	running := 0
	for _, k := range ks {
		running += satisfierCountByK[k]
		cumulativeByK[k] = running
	}

	shadowMaxK := 0
	for _, k := range ks {
		if cumulativeByK[k]+childMs >= k {
			if k > shadowMaxK {
				shadowMaxK = k
			}
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range sensors {
		k := p.lookup.KRequirement(s.MsUUID)
		if shadowMaxK > 0 && k <= shadowMaxK {
			p.setShadow(s, false)
			if parent := p.lookup.GetPrivatizer(p.parentID, p.typ, false); parent != nil {
				parent.RemoveSensor(s)
			}
		} else {
			p.setShadow(s, true)
		}
	}
}

// recomputeTallies derives contributingMsCount/contributingSensorCount
// from the set of non-shadow contributing sensors.
func (p *Privatizer) recomputeTallies(sensors []model.UniqueSensorID, contributing map[model.UniqueSensorID]bool) {
	stations := make(map[string]struct{})
	sensorCount := 0
	p.mu.Lock()
	for _, s := range sensors {
		if !contributing[s] || p.shadow[s] {
			continue
		}
		stations[s.MsUUID.String()] = struct{}{}
		sensorCount++
	}
	p.contributingMsCount = len(stations)
	p.contributingSensorCount = sensorCount
	p.mu.Unlock()
}
