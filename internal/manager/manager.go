// Package manager implements the privacy manager: the orchestrator that
// routes sensor contributions to the right privatizers, runs the
// bottom-up per-tick sweep, and keeps the upstream TLS informed of
// station-count changes. It is the concrete implementation of
// privatizer.Lookup.
//
// Mutations to the routing tables come from two directions, ingest
// requests and the periodic tick, so every table is guarded by the
// manager's lock, and the tick itself starts from a signal-based
// activation wait rather than polling an "active" flag.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/TillFleisch/TrixelManagementService/internal/cache"
	"github.com/TillFleisch/TrixelManagementService/internal/config"
	"github.com/TillFleisch/TrixelManagementService/internal/delegation"
	"github.com/TillFleisch/TrixelManagementService/internal/htm"
	"github.com/TillFleisch/TrixelManagementService/internal/lifecycle"
	"github.com/TillFleisch/TrixelManagementService/internal/model"
	"github.com/TillFleisch/TrixelManagementService/internal/privatizer"
	"github.com/TillFleisch/TrixelManagementService/internal/store"
	"github.com/TillFleisch/TrixelManagementService/internal/sweep"
	"github.com/TillFleisch/TrixelManagementService/internal/telemetry/logging"
	"github.com/TillFleisch/TrixelManagementService/internal/telemetry/metrics"
	"github.com/TillFleisch/TrixelManagementService/internal/tlsclient"
)

// ErrNotDelegated is returned by Contribute when the target trixel does
// not belong to this TMS; BatchContribute lists such trixels among its
// rejected ones instead.
var ErrNotDelegated = errors.New("manager: trixel is not delegated to this tms")

// ErrInvalidLevel is returned when a contribution targets the root
// trixel or a level deeper than the configured maximum.
var ErrInvalidLevel = errors.New("manager: invalid trixel level for contribution")

// unknownKRequirement is returned by KRequirement for a station the
// manager has never been told the k-requirement of. It's deliberately
// larger than any realistic requirement so such a sensor never
// satisfies the shadow-promotion bucketing until its real requirement
// is known.
const unknownKRequirement = math.MaxInt32

// Manager is the privacy manager: it owns every privatizer, the
// process-wide sensor lifecycle table, and the station k-requirement
// map, and drives the periodic bottom-up tick.
type Manager struct {
	cfg     *config.Watcher
	store   store.Store
	stats   *cache.Cache
	tls     *tlsclient.Client
	deleg   *delegation.Table
	metrics *metrics.TMSMetrics
	log     logging.Logger

	mu          sync.RWMutex
	privatizers map[model.MeasurementType]map[model.TrixelID]*privatizer.Privatizer
	levelLookup map[int]map[model.TrixelID]struct{}
	sensorMap   map[model.UniqueSensorID]model.TrixelID
	kMap        map[uuid.UUID]int

	lifecycles *lifecycle.Store

	activateOnce sync.Once
	activated    chan struct{}

	ticking atomic.Bool
}

// New constructs a Manager. cfg must already be loaded; store, stats,
// tls, and deleg are the persistence, caching, and TLS boundaries every
// privatizer and the sweep draw from.
func New(cfg *config.Watcher, st store.Store, stats *cache.Cache, tls *tlsclient.Client, deleg *delegation.Table, tmsMetrics *metrics.TMSMetrics) *Manager {
	m := &Manager{
		cfg:         cfg,
		store:       st,
		stats:       stats,
		tls:         tls,
		deleg:       deleg,
		metrics:     tmsMetrics,
		log:         logging.New(slog.Default()),
		privatizers: make(map[model.MeasurementType]map[model.TrixelID]*privatizer.Privatizer),
		levelLookup: make(map[int]map[model.TrixelID]struct{}),
		sensorMap:   make(map[model.UniqueSensorID]model.TrixelID),
		kMap:        make(map[uuid.UUID]int),
		lifecycles:  lifecycle.NewStore(),
		activated:   make(chan struct{}),
	}
	for _, typ := range model.AllMeasurementTypes() {
		m.privatizers[typ] = make(map[model.TrixelID]*privatizer.Privatizer)
	}
	return m
}

// Activate marks the TMS as synchronized with the TLS, releasing
// PeriodicProcessing's startup wait. Idempotent.
func (m *Manager) Activate() {
	m.activateOnce.Do(func() { close(m.activated) })
}

// accuracyLookup wraps the store's per-sensor accuracy query in the
// signature the Kalman policy needs. A background context is used here
// because privatizer.Lookup carries no context parameter; the
// underlying store call is expected to be a fast local lookup.
func (m *Manager) accuracyLookup(s model.UniqueSensorID) *float64 {
	v, err := m.store.GetSensorAccuracy(context.Background(), s)
	if err != nil {
		return nil
	}
	return v
}

// GetPrivatizer implements privatizer.Lookup: returns the privatizer
// responsible for (trixel, type), instantiating it from the current
// configuration if create is true and it doesn't exist yet.
func (m *Manager) GetPrivatizer(id model.TrixelID, typ model.MeasurementType, create bool) *privatizer.Privatizer {
	m.mu.RLock()
	p, ok := m.privatizers[typ][id]
	m.mu.RUnlock()
	if ok || !create {
		return p
	}

	cfg := m.cfg.Get()
	pcfg, ok := cfg.PrivatizerConfig[typ]
	if !ok {
		return nil
	}
	built, err := privatizer.NewPrivatizer(id, typ, pcfg, cfg.TrixelUpdateFrequency, m.accuracyLookup, m.store, m.stats, m)
	if err != nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.privatizers[typ][id]; ok {
		return existing
	}
	m.privatizers[typ][id] = built
	level := htm.Level(id)
	if m.levelLookup[level] == nil {
		m.levelLookup[level] = make(map[model.TrixelID]struct{})
	}
	m.levelLookup[level][id] = struct{}{}
	return built
}

// GetLifecycle implements privatizer.Lookup.
func (m *Manager) GetLifecycle(sensor model.UniqueSensorID, instantiate bool) (*lifecycle.Lifecycle, bool) {
	return m.lifecycles.Get(sensor, instantiate)
}

// KRequirement implements privatizer.Lookup.
func (m *Manager) KRequirement(msUUID uuid.UUID) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if k, ok := m.kMap[msUUID]; ok {
		return k
	}
	return unknownKRequirement
}

// SetKRequirement records the k-anonymity requirement a measurement
// station asserts for its contributions.
func (m *Manager) SetKRequirement(msUUID uuid.UUID, k int) {
	m.mu.Lock()
	m.kMap[msUUID] = k
	m.mu.Unlock()
}

// RemoveSensorEverywhere implements privatizer.Lookup: drops a sensor
// from whichever privatizer currently owns it and that privatizer's
// parent, and forgets its routing entry.
func (m *Manager) RemoveSensorEverywhere(sensor model.UniqueSensorID) {
	m.mu.Lock()
	childID, ok := m.sensorMap[sensor]
	delete(m.sensorMap, sensor)
	m.mu.Unlock()
	if !ok {
		return
	}

	// The sensor's measurement type isn't tracked by sensorMap (a
	// UniqueSensorID is scoped to one type by convention upstream), so
	// every type's privatizer at childID is checked; only the one that
	// actually holds the sensor does anything.
	for _, typ := range model.AllMeasurementTypes() {
		if child := m.GetPrivatizer(childID, typ, false); child != nil {
			child.RemoveSensor(sensor)
			if parent := m.GetPrivatizer(child.ParentID(), typ, false); parent != nil {
				parent.RemoveSensor(sensor)
			}
		}
	}
}

// Contribute routes a single measurement through the child-then-parent
// shadow/real contribution rule: a sensor contributes for real to the
// deepest trixel its k-requirement allows, and shadow-contributes one
// level up (or down) so the manager knows when to recommend a trixel
// change.
func (m *Manager) Contribute(ctx context.Context, subTrixelID model.TrixelID, sensor model.UniqueSensorID, measurement model.Measurement, typ model.MeasurementType, kRequirement int) (model.TrixelLevelChange, error) {
	level := htm.Level(subTrixelID)
	cfg := m.cfg.Get()
	if level == 0 {
		return model.LevelKeep, ErrInvalidLevel
	}
	if level > cfg.MaxLevel {
		return model.LevelKeep, ErrInvalidLevel
	}
	if !m.deleg.IsDelegated(subTrixelID) {
		return model.LevelKeep, ErrNotDelegated
	}

	m.SetKRequirement(sensor.MsUUID, kRequirement)

	// Persist the raw reading before routing so correlation-policy history
	// survives a restart. A reused timestamp is rejected by the store's
	// unique constraint: routing still runs (and yields the same hint the
	// first submission got), but the duplicate value is not fed to the
	// policies again.
	recordValue := true
	var dupErr error
	if err := m.store.InsertMeasurement(ctx, measurement); err != nil {
		if errors.Is(err, store.ErrDuplicateMeasurement) {
			recordValue = false
			dupErr = err
		} else {
			m.log.ErrorCtx(ctx, "persisting measurement failed", "sensor", sensor.String(), "error", err.Error())
		}
	}

	child := m.GetPrivatizer(subTrixelID, typ, true)
	parent := m.GetPrivatizer(child.ParentID(), typ, true)

	m.mu.Lock()
	existingID, hadExisting := m.sensorMap[sensor]
	firstContribution := !hadExisting
	if hadExisting && existingID != subTrixelID {
		m.mu.Unlock()
		m.RemoveSensorEverywhere(sensor)
		m.mu.Lock()
	}
	m.sensorMap[sensor] = subTrixelID
	m.mu.Unlock()

	contributeToChild := child.TotalContributingMsCount() >= kRequirement
	contributeToParent := parent.TotalContributingMsCount() >= kRequirement

	shadowChild := child.ShadowMode(sensor)
	shadowParent := parent.ShadowMode(sensor)
	onlyShadow := shadowChild && shadowParent

	contributeToParent = contributeToParent && !contributeToChild

	if (contributeToChild && !shadowChild) || (shadowChild && !shadowParent) {
		shouldEvaluate := !shadowChild || onlyShadow
		child.AddSensor(sensor, shouldEvaluate)
		if recordValue {
			child.NewValue(sensor, measurement)
		}
	} else {
		child.RemoveSensor(sensor)
	}

	if contributeToParent || shadowParent {
		shouldEvaluate := !shadowParent || onlyShadow
		parent.AddSensor(sensor, shouldEvaluate)
		if recordValue {
			parent.NewValue(sensor, measurement)
		}
	} else {
		parent.RemoveSensor(sensor)
	}

	direction := model.LevelKeep
	switch {
	case contributeToChild && !shadowChild:
		direction = model.LevelIncrease
	case !firstContribution && parent.Level() > 0 && !contributeToParent:
		direction = model.LevelDecrease
	}
	if m.metrics != nil {
		m.metrics.Contributions.Inc(1, typ.String(), direction.String())
	}
	return direction, dupErr
}

// BatchContribute processes every measurement in a single station's
// batch update, recording its asserted k-requirement once for the whole
// batch. Trixels this TMS is not delegated for are rejected up front
// rather than per measurement.
func (m *Manager) BatchContribute(ctx context.Context, msUUID uuid.UUID, batch model.BatchUpdate, typeOf func(sensorIndex uint32) model.MeasurementType, kRequirement int) (map[uint32]model.TrixelLevelChange, []model.TrixelID, error) {
	m.SetKRequirement(msUUID, kRequirement)

	accepted, rejected := delegation.Split(m.deleg, batch)
	if m.metrics != nil && len(rejected) > 0 {
		m.metrics.RejectedBatches.Inc(float64(len(rejected)), "not_delegated")
	}

	changes := make(map[uint32]model.TrixelLevelChange)
	for trixelID, measurements := range accepted {
		for _, meas := range measurements {
			typ := typeOf(meas.SensorID.SensorIndex)
			direction, err := m.Contribute(ctx, trixelID, meas.SensorID, meas, typ, kRequirement)
			if err != nil {
				continue
			}
			if direction != model.LevelKeep {
				changes[meas.SensorID.SensorIndex] = direction
			}
		}
	}
	return changes, rejected, nil
}

// Process runs one bottom-up tick per measurement type: every active
// trixel's privatizer is processed deepest level first so a parent
// always reads children that already ran this tick, stale privatizers
// are pruned, and changed station counts are batched to the TLS. Types
// are independent of one another, so each type's sweep runs in its own
// goroutine via errgroup.
func (m *Manager) Process(ctx context.Context) error {
	if m.metrics != nil {
		stop := m.metrics.TickDuration()
		defer stop.ObserveDuration()
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, typ := range model.AllMeasurementTypes() {
		typ := typ
		g.Go(func() error {
			return m.processType(gctx, typ)
		})
	}
	return g.Wait()
}

// processType runs one measurement type's bottom-up sweep: the per-level
// barrier, observation persistence, and TLS publish that used to live
// inline in Process before types were parallelized.
func (m *Manager) processType(ctx context.Context, typ model.MeasurementType) error {
	engine := sweep.New(sweep.Config{Workers: 0})

	m.mu.RLock()
	tasks := make([]sweep.Task, 0)
	for level, ids := range m.levelLookup {
		for id := range ids {
			if p, ok := m.privatizers[typ][id]; ok {
				tasks = append(tasks, sweep.Task{Level: level, Processor: p})
			}
		}
	}
	m.mu.RUnlock()

	now := time.Now()
	var tlsUpdates []tlsclient.StationCountUpdate
	var persistErr error
	engine.RunWithLevelCallback(ctx, tasks, func(_ int, levelResults []privatizer.TrixelUpdateResult) {
		if persistErr != nil {
			return
		}
		observations := make([]model.Observation, 0, len(levelResults))
		for _, r := range levelResults {
			// Only trixels that produced a value or changed state get a row;
			// an unchanged valueless privatizer writing every tick would
			// flood the observation history with no information.
			if r.Value != nil || r.Changed {
				observations = append(observations, model.Observation{
					Time: now, TrixelID: r.TrixelID, Type: r.Type,
					Value: r.Value, MsCount: r.MsCount, SensorCount: r.SensorCount,
				})
			}
			if r.UpdateTLS {
				tlsUpdates = append(tlsUpdates, tlsclient.StationCountUpdate{
					TrixelID: r.TrixelID, Type: r.Type, MsCount: r.MsCount,
				})
			}
		}
		// Each level's observations are persisted before the sweep
		// moves on to the next shallower level, so that level's
		// correlation-policy store reads see this tick's descendant
		// history rather than last tick's.
		if err := m.store.InsertObservations(ctx, typ, observations); err != nil {
			persistErr = fmt.Errorf("persist observations: %w", err)
		}
	})
	if persistErr != nil {
		return persistErr
	}

	if len(tlsUpdates) > 0 && m.tls != nil {
		err := m.tls.PublishCounts(ctx, tlsUpdates)
		if m.metrics != nil {
			status := "success"
			if err != nil {
				status = "failed"
			}
			m.metrics.TLSPublishes.Inc(1, status)
		}
		if err != nil {
			// Counts retry next tick: tls_ms_count is only advanced on a
			// successful publish, so every failed update stays dirty.
			m.log.ErrorCtx(ctx, "publishing station counts to TLS failed", "type", typ.String(), "updates", len(tlsUpdates), "error", err.Error())
		}
		if err == nil {
			m.mu.RLock()
			for _, u := range tlsUpdates {
				if p, ok := m.privatizers[u.Type][u.TrixelID]; ok {
					p.SetTLSMsCount(u.MsCount)
				}
			}
			m.mu.RUnlock()
		}
	}

	m.pruneStale(typ)

	if m.metrics != nil {
		m.mu.RLock()
		active := 0
		for _, p := range m.privatizers[typ] {
			if !p.Stale() {
				active++
			}
		}
		m.mu.RUnlock()
		m.metrics.ActiveTrixels.Set(float64(active), typ.String())
	}
	return nil
}

// pruneStale removes every privatizer of typ with no sensors and no
// tallies after a tick, along with its level-lookup entry if no other
// type still uses that trixel.
func (m *Manager) pruneStale(typ model.MeasurementType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, p := range m.privatizers[typ] {
		if !p.Stale() {
			continue
		}
		delete(m.privatizers[typ], id)

		stillUsed := false
		for _, other := range model.AllMeasurementTypes() {
			if _, ok := m.privatizers[other][id]; ok {
				stillUsed = true
				break
			}
		}
		if !stillUsed {
			delete(m.levelLookup[htm.Level(id)], id)
		}
	}
}

// PeriodicProcessing drives the tick on cfg.TrixelUpdateFrequency. It
// blocks until Activate is called (the manager is synchronized with the
// TLS) before starting. If a tick is still running when the next one is
// due, that tick is skipped rather than run concurrently with the one
// in flight. Once ctx is cancelled no new tick starts, and
// PeriodicProcessing returns only after a tick already in flight has
// finished.
func (m *Manager) PeriodicProcessing(ctx context.Context) {
	select {
	case <-m.activated:
	case <-ctx.Done():
		return
	}

	m.seedFromTLS(ctx)

	ticker := time.NewTicker(m.cfg.Get().TrixelUpdateFrequency)
	defer ticker.Stop()
	var inFlight sync.WaitGroup
	defer inFlight.Wait()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !m.ticking.CompareAndSwap(false, true) {
				m.log.ErrorCtx(ctx, "tick overran its interval, skipping periodic evaluation")
				continue
			}
			inFlight.Add(1)
			go func() {
				defer inFlight.Done()
				defer m.ticking.Store(false)
				if err := m.Process(context.WithoutCancel(ctx)); err != nil {
					m.log.ErrorCtx(ctx, "tick failed", "error", err.Error())
				}
			}()
		}
	}
}

// seedFromTLS pre-creates a privatizer for every trixel the TLS reports
// as populated, so the hierarchy starts with awareness of regions that
// had contributors before a restart instead of rediscovering them one
// contribution at a time.
func (m *Manager) seedFromTLS(ctx context.Context) {
	if m.tls == nil {
		return
	}
	for _, typ := range model.AllMeasurementTypes() {
		ids, err := m.tls.PopulatedTrixels(ctx, typ)
		if err != nil {
			m.log.ErrorCtx(ctx, "fetching populated trixels failed", "type", typ.String(), "error", err.Error())
			continue
		}
		for _, id := range ids {
			m.GetPrivatizer(id, typ, true)
		}
	}
}

// PeriodicPurge drops raw sensor measurements older than the configured
// keep interval, on the configured purge cadence. Runs until ctx is
// cancelled; meant to be started alongside PeriodicProcessing.
func (m *Manager) PeriodicPurge(ctx context.Context) {
	cfg := m.cfg.Get()
	if cfg.SensorDataPurgeInterval <= 0 {
		return
	}
	ticker := time.NewTicker(cfg.SensorDataPurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-m.cfg.Get().SensorDataKeepInterval)
			if err := m.store.PurgeOldSensorData(ctx, cutoff); err != nil {
				m.log.ErrorCtx(ctx, "purging old sensor data failed", "error", err.Error())
			}
		}
	}
}
