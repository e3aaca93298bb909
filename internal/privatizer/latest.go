package privatizer

import (
	"context"
	"sync"

	"github.com/TillFleisch/TrixelManagementService/internal/model"
)

// Latest publishes the most recent non-shadow measurement, averaged
// across children when they have a value. Any sensor that does not
// contribute a measurement since the previous tick is dropped as stale.
type Latest struct {
	mu                 sync.Mutex
	lastValue          *float64
	currentContributors map[model.UniqueSensorID]struct{}
}

func NewLatest() *Latest {
	return &Latest{currentContributors: make(map[model.UniqueSensorID]struct{})}
}

func (l *Latest) EvaluateSensorQuality(_ context.Context, p *Privatizer, s model.UniqueSensorID) bool {
	if lc, ok := p.lookup.GetLifecycle(s, true); ok {
		lc.SetContributing(true)
	}
	return true
}

func (l *Latest) NewValue(p *Privatizer, s model.UniqueSensorID, m model.Measurement) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.currentContributors[s] = struct{}{}
	if !p.ShadowMode(s) && m.Value != nil {
		v := *m.Value
		l.lastValue = &v
	}
}

func (l *Latest) GetValue(p *Privatizer) *float64 {
	var sum float64
	var count int
	for _, childID := range p.childrenIDs {
		child := p.lookup.GetPrivatizer(childID, p.typ, false)
		if child == nil {
			continue
		}
		if v := child.Value(); v != nil {
			sum += *v
			count++
		}
	}
	if count > 0 {
		avg := sum / float64(count)
		return &avg
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastValue
}

func (l *Latest) PreProcessing(_ context.Context, p *Privatizer) {
	l.mu.Lock()
	stale := make([]model.UniqueSensorID, 0)
	for _, s := range p.Sensors() {
		if _, ok := l.currentContributors[s]; !ok {
			stale = append(stale, s)
		}
	}
	l.currentContributors = make(map[model.UniqueSensorID]struct{})
	l.mu.Unlock()

	for _, s := range stale {
		p.lookup.RemoveSensorEverywhere(s)
		p.RemoveSensor(s)
	}
}

func (*Latest) PostProcessing(context.Context, *Privatizer)    {}
func (*Latest) CanSubdivide(context.Context, *Privatizer) bool { return true }
func (l *Latest) RemoveSensor(s model.UniqueSensorID) {
	l.mu.Lock()
	delete(l.currentContributors, s)
	l.mu.Unlock()
}
