// Package lifecycle holds the process-wide mapping from a sensor to its
// lifecycle record: the one piece of per-sensor state that outlives
// privatizer reassignment (a sensor keeps its contributing/exclusion
// history as it is routed between trixels while a station relocates).
package lifecycle

import (
	"sync"
	"time"

	"github.com/TillFleisch/TrixelManagementService/internal/model"
)

// CorrelationState is the correlation-evaluating policy's cached scratch,
// kept separate from the common fields so that simpler policies never pay
// for it.
type CorrelationState struct {
	ExclusionReason        model.ExclusionReason
	AverageUpdateInterval  time.Duration
	Uptime                 float64
	LastUptimeUpdate       time.Time
	Age                    time.Duration
	AgeLastUpdate          time.Time
	SensorMedian           map[time.Duration]float64
	SensorMedianLastUpdate map[time.Duration]time.Time
	EMA                    *float64
}

// Lifecycle is the per-sensor record. Contributing is read by any
// privatizer that routed a sensor here without itself owning evaluation
// (see the "should_evaluate" split in the privatizer process loop).
type Lifecycle struct {
	mu           sync.Mutex
	Contributing bool
	Correlation  *CorrelationState
}

// EnsureCorrelation lazily creates the correlation scratch on first use.
func (l *Lifecycle) EnsureCorrelation() *CorrelationState {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Correlation == nil {
		l.Correlation = &CorrelationState{
			SensorMedian:           make(map[time.Duration]float64),
			SensorMedianLastUpdate: make(map[time.Duration]time.Time),
		}
	}
	return l.Correlation
}

// SetContributing updates the common contributing flag under the
// lifecycle's own lock, since it may be written by one privatizer and
// read by a sibling in the same tick.
func (l *Lifecycle) SetContributing(v bool) {
	l.mu.Lock()
	l.Contributing = v
	l.mu.Unlock()
}

// IsContributing reads the common contributing flag.
func (l *Lifecycle) IsContributing() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.Contributing
}

// Store is the process-wide sensor-to-lifecycle table.
type Store struct {
	mu         sync.RWMutex
	lifecycles map[model.UniqueSensorID]*Lifecycle
}

// NewStore returns an empty lifecycle store.
func NewStore() *Store {
	return &Store{lifecycles: make(map[model.UniqueSensorID]*Lifecycle)}
}

// Get returns the lifecycle for id, creating one lazily unless instantiate
// is false, in which case a missing sensor returns (nil, false).
func (s *Store) Get(id model.UniqueSensorID, instantiate bool) (*Lifecycle, bool) {
	s.mu.RLock()
	l, ok := s.lifecycles[id]
	s.mu.RUnlock()
	if ok || !instantiate {
		return l, ok
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok = s.lifecycles[id]; ok {
		return l, true
	}
	l = &Lifecycle{}
	s.lifecycles[id] = l
	return l, true
}

// Remove deletes the lifecycle for id. The manager does not call it: a
// sensor's lifecycle stays in the store after the sensor is removed from
// its privatizers.
func (s *Store) Remove(id model.UniqueSensorID) {
	s.mu.Lock()
	delete(s.lifecycles, id)
	s.mu.Unlock()
}

// Len reports the number of tracked lifecycles, mainly for metrics/tests.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.lifecycles)
}
