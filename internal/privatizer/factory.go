package privatizer

import (
	"fmt"
	"time"

	"github.com/TillFleisch/TrixelManagementService/internal/cache"
	"github.com/TillFleisch/TrixelManagementService/internal/config"
	"github.com/TillFleisch/TrixelManagementService/internal/model"
	"github.com/TillFleisch/TrixelManagementService/internal/store"
)

// NewAverage wraps NaiveAverage in the correlation-evaluating gate:
// gated sensor quality, plain pooled averaging.
func NewAverage(cfg config.PrivatizerConfig, typ model.MeasurementType, st store.Store, stats *cache.Cache) Aggregator {
	return NewCorrelationGate(NewNaiveAverage(cfg.NaiveAverage), cfg.Correlation, typ, st, stats)
}

// NewSmoothingAverage is the correlation gate wrapping
// NaiveSmoothingAverage.
func NewSmoothingAverage(cfg config.PrivatizerConfig, typ model.MeasurementType, st store.Store, stats *cache.Cache) Aggregator {
	return NewCorrelationGate(NewNaiveSmoothingAverage(cfg.Smoothing), cfg.Correlation, typ, st, stats)
}

// NewKalman gates NewNaiveKalman behind the same correlation check,
// making the Kalman policy consistent with the other two combined
// policies instead of a special case.
func NewKalman(cfg config.PrivatizerConfig, typ model.MeasurementType, tickPeriod time.Duration, accuracyLookup func(model.UniqueSensorID) *float64, st store.Store, stats *cache.Cache) Aggregator {
	return NewCorrelationGate(NewNaiveKalman(cfg.Kalman, tickPeriod, accuracyLookup), cfg.Correlation, typ, st, stats)
}

// NewAggregator builds the Aggregator named by cfg.Kind. stats is the
// shared bounded statistic cache (internal/cache) every
// correlation-gated policy draws its trixel/local median lookups from.
func NewAggregator(cfg config.PrivatizerConfig, typ model.MeasurementType, tickPeriod time.Duration, accuracyLookup func(model.UniqueSensorID) *float64, st store.Store, stats *cache.Cache) (Aggregator, error) {
	switch cfg.Kind {
	case config.PrivatizerBlank:
		return &Blank{}, nil
	case config.PrivatizerLatest:
		return NewLatest(), nil
	case config.PrivatizerNaiveAverage:
		return NewNaiveAverage(cfg.NaiveAverage), nil
	case config.PrivatizerNaiveSmoothingAverage:
		return NewNaiveSmoothingAverage(cfg.Smoothing), nil
	case config.PrivatizerAverage:
		return NewAverage(cfg, typ, st, stats), nil
	case config.PrivatizerSmoothingAverage:
		return NewSmoothingAverage(cfg, typ, st, stats), nil
	case config.PrivatizerNaiveKalman:
		return NewNaiveKalman(cfg.Kalman, tickPeriod, accuracyLookup), nil
	case config.PrivatizerKalman:
		return NewKalman(cfg, typ, tickPeriod, accuracyLookup, st, stats), nil
	default:
		return nil, fmt.Errorf("privatizer: unknown kind %q", cfg.Kind)
	}
}

// NewPrivatizer builds a Privatizer for (id, typ) using the aggregation
// policy named by cfg.Kind.
func NewPrivatizer(id model.TrixelID, typ model.MeasurementType, cfg config.PrivatizerConfig, tickPeriod time.Duration, accuracyLookup func(model.UniqueSensorID) *float64, st store.Store, stats *cache.Cache, lookup Lookup) (*Privatizer, error) {
	aggregator, err := NewAggregator(cfg, typ, tickPeriod, accuracyLookup, st, stats)
	if err != nil {
		return nil, err
	}
	return New(id, typ, aggregator, lookup), nil
}
