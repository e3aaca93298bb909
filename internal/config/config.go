// Package config loads and hot-reloads the service's single configuration
// document: trixel subdivision limits, TLS connection details, delegation
// table, and per-policy tuning constants for every privatizer variant.
package config

import (
	"fmt"
	"time"

	"github.com/TillFleisch/TrixelManagementService/internal/model"
)

// PrivatizerKind selects which aggregation policy a measurement type uses.
type PrivatizerKind string

const (
	PrivatizerBlank                  PrivatizerKind = "blank"
	PrivatizerLatest                 PrivatizerKind = "latest"
	PrivatizerNaiveAverage           PrivatizerKind = "naive_average"
	PrivatizerNaiveSmoothingAverage  PrivatizerKind = "naive_smoothing_average"
	PrivatizerAverage                PrivatizerKind = "average"
	PrivatizerSmoothingAverage       PrivatizerKind = "smoothing_average"
	PrivatizerNaiveKalman            PrivatizerKind = "naive_kalman"
	PrivatizerKalman                 PrivatizerKind = "kalman"
)

// StatisticCorrelationSetting is the per-window tolerance used by the
// correlation-evaluating policy's local and trixel checks.
type StatisticCorrelationSetting struct {
	MaxDelta map[model.MeasurementType]float64 `yaml:"max_delta"`
}

// CorrelationConfig holds every tuning constant for the
// correlation-evaluating sensor-quality gate (§4.9).
type CorrelationConfig struct {
	PrivatizerSubdivisionTimeRequirement time.Duration                                 `yaml:"privatizer_subdivision_time_requirement"`
	PrivatizerSubdivisionTimeThreshold   float64                                        `yaml:"privatizer_subdivision_time_threshold"`
	MinimumSensorAge                     time.Duration                                 `yaml:"minimum_sensor_age"`
	AgeEvaluationInterval                time.Duration                                 `yaml:"age_evaluation_interval"`
	UptimeRequirement                    float64                                        `yaml:"uptime_requirement"`
	MaxUpdateInterval                    time.Duration                                 `yaml:"max_update_interval"`
	UptimeEvaluationInterval             time.Duration                                 `yaml:"uptime_evaluation_interval"`
	UptimeBaseTimeRange                  time.Duration                                 `yaml:"uptime_base_time_range"`
	UptimeLongTimeMultiplier              int                                           `yaml:"uptime_long_time_multiplier"`
	LocalStatisticCheckSplitLevel        int                                           `yaml:"local_trixel_statistic_check_split_level"`
	LocalCheckMinimumSensorCount         int                                           `yaml:"local_check_minimum_sensor_count"`
	RootLevelCorrelationSettings         map[time.Duration]StatisticCorrelationSetting `yaml:"root_level_statistic_correlation_settings"`
	RootLevelCorrelationThreshold        float64                                        `yaml:"root_level_statistic_correlation_threshold"`
	TrixelCorrelationSettings            map[time.Duration]StatisticCorrelationSetting `yaml:"trixel_statistic_correlation_settings"`
	TrixelCorrelationThreshold           float64                                        `yaml:"trixel_statistic_correlation_threshold"`
	TrixelStatisticCheckGenerations      int                                           `yaml:"trixel_statistic_check_generations"`
	LocalStatisticCheckTargetLevel       int                                           `yaml:"local_trixel_statistic_check_target_level"`
	TrixelStatisticLevelScaleFactor      float64                                        `yaml:"trixel_statistic_level_scale_factor"`
	CacheInvalidationFactor              int                                           `yaml:"cache_invalidation_factor"`
	SensorEMASmoothingFactor             float64                                        `yaml:"sensor_ema_smoothing_factor"`
	SensorImpactNoiseThreshold           map[model.MeasurementType]float64             `yaml:"sensor_impact_noise_threshold"`
}

// NaiveAverageConfig holds tuning constants shared by the naive-average and
// naive-smoothing-average policies (§4.6-4.7).
type NaiveAverageConfig struct {
	MaxMeasurementAge           time.Duration `yaml:"max_measurement_age"`
	MaxMeasurementAgeAveraging  time.Duration `yaml:"max_measurement_age_averaging"`
	MissedUpdateThreshold       float64       `yaml:"missed_update_threshold"`
	UpdateIntervalWeight        float64       `yaml:"update_interval_weight"`
}

// SmoothingConfig adds the exponential-smoothing factors on top of
// NaiveAverageConfig (§4.7).
type SmoothingConfig struct {
	NaiveAverageConfig  `yaml:",inline"`
	LocalSmoothFactor   float64 `yaml:"local_smooth_factor"`
	ChildSmoothFactor   float64 `yaml:"child_smooth_factor"`
}

// KalmanConfig holds tuning constants for the naive-Kalman policy (§4.8).
type KalmanConfig struct {
	NaiveAverageConfig           `yaml:",inline"`
	ProcessStdDeviationPerStep   float64                            `yaml:"process_std_deviation_per_time_step"`
	DefaultSensorAccuracy        map[model.MeasurementType]float64 `yaml:"default_sensor_accuracy"`
	DefaultChildTrixelAccuracy   map[model.MeasurementType]float64 `yaml:"default_child_trixel_accuracy"`
}

// PrivatizerConfig is the tagged configuration for one measurement type's
// aggregation policy, mirroring the composition used at runtime: the
// correlation-gated variants (average/smoothing_average/kalman) carry both
// a CorrelationConfig and the inner policy's own tuning constants.
type PrivatizerConfig struct {
	Kind        PrivatizerKind      `yaml:"privatizer"`
	Logging     bool                `yaml:"logging"`
	NaiveAverage NaiveAverageConfig `yaml:"naive_average,omitempty"`
	Smoothing    SmoothingConfig    `yaml:"smoothing,omitempty"`
	Kalman       KalmanConfig       `yaml:"kalman,omitempty"`
	Correlation  CorrelationConfig  `yaml:"correlation,omitempty"`
}

// TLSConfig describes how to reach the upstream Trixel Lookup Service.
type TLSConfig struct {
	Host   string `yaml:"host"`
	UseSSL bool   `yaml:"use_ssl"`
}

// TMSIdentity is the registration state assigned to this service by the
// TLS: its id, activation flag, and bearer token. It is rewritten to disk
// whenever the TLS (re-)issues credentials (see internal/tlsclient).
type TMSIdentity struct {
	ID     *int64 `yaml:"id,omitempty"`
	Active bool   `yaml:"active"`
	Token  string `yaml:"api_token,omitempty"`
}

// GlobalConfig is the single configuration document for the service.
type GlobalConfig struct {
	Version  string `yaml:"version"`

	MaxLevel                int           `yaml:"max_level"`
	TrixelUpdateFrequency   time.Duration `yaml:"trixel_update_frequency"`
	SensorDataKeepInterval  time.Duration `yaml:"sensor_data_keep_interval"`
	SensorDataPurgeInterval time.Duration `yaml:"sensor_data_purge_interval"`

	TLS      TLSConfig   `yaml:"tls"`
	Identity TMSIdentity `yaml:"identity"`

	Delegations []model.Delegation `yaml:"delegations"`

	PrivatizerConfig map[model.MeasurementType]PrivatizerConfig `yaml:"privatizer_config"`

	LogLevel string `yaml:"log_level"`
}

// Default returns the configuration the service ships with, applied to
// every measurement type unless overridden.
func Default() *GlobalConfig {
	correlation := CorrelationConfig{
		PrivatizerSubdivisionTimeRequirement: 48 * time.Hour,
		PrivatizerSubdivisionTimeThreshold:   0.8,
		MinimumSensorAge:                     24 * time.Hour,
		AgeEvaluationInterval:                12 * time.Hour,
		UptimeRequirement:                    0.95,
		MaxUpdateInterval:                    10 * time.Minute,
		UptimeEvaluationInterval:             12 * time.Hour,
		UptimeBaseTimeRange:                  24 * time.Hour,
		UptimeLongTimeMultiplier:             7,
		LocalStatisticCheckSplitLevel:        2,
		LocalCheckMinimumSensorCount:         15,
		RootLevelCorrelationSettings: map[time.Duration]StatisticCorrelationSetting{
			24 * time.Hour: {MaxDelta: map[model.MeasurementType]float64{model.AmbientTemperature: 1.75, model.RelativeHumidity: 1.75}},
			7 * 24 * time.Hour: {MaxDelta: map[model.MeasurementType]float64{model.AmbientTemperature: 1, model.RelativeHumidity: 1}},
			14 * 24 * time.Hour: {MaxDelta: map[model.MeasurementType]float64{model.AmbientTemperature: 0.8, model.RelativeHumidity: 0.8}},
		},
		RootLevelCorrelationThreshold: 0.6,
		TrixelCorrelationSettings: map[time.Duration]StatisticCorrelationSetting{
			24 * time.Hour: {MaxDelta: map[model.MeasurementType]float64{model.AmbientTemperature: 2, model.RelativeHumidity: 2}},
			7 * 24 * time.Hour: {MaxDelta: map[model.MeasurementType]float64{model.AmbientTemperature: 1, model.RelativeHumidity: 1}},
			14 * 24 * time.Hour: {MaxDelta: map[model.MeasurementType]float64{model.AmbientTemperature: 0.75, model.RelativeHumidity: 0.75}},
		},
		TrixelCorrelationThreshold:      0.3,
		TrixelStatisticCheckGenerations: 2,
		LocalStatisticCheckTargetLevel:  8,
		TrixelStatisticLevelScaleFactor: 0.1,
		CacheInvalidationFactor:         4,
		SensorEMASmoothingFactor:        0.2,
		SensorImpactNoiseThreshold:      map[model.MeasurementType]float64{model.AmbientTemperature: 7, model.RelativeHumidity: 7},
	}

	naiveAverage := NaiveAverageConfig{
		MaxMeasurementAge:          5 * time.Minute,
		MaxMeasurementAgeAveraging: 150 * time.Second,
		MissedUpdateThreshold:      2,
		UpdateIntervalWeight:       0.1,
	}

	smoothing := SmoothingConfig{
		NaiveAverageConfig: naiveAverage,
		LocalSmoothFactor:  0.5,
		ChildSmoothFactor:  1,
	}

	kalman := KalmanConfig{
		NaiveAverageConfig:         naiveAverage,
		ProcessStdDeviationPerStep: 1,
		DefaultSensorAccuracy:      map[model.MeasurementType]float64{model.AmbientTemperature: 1, model.RelativeHumidity: 1},
		DefaultChildTrixelAccuracy: map[model.MeasurementType]float64{model.AmbientTemperature: 0.1, model.RelativeHumidity: 0.1},
	}

	perType := PrivatizerConfig{
		Kind:         PrivatizerAverage,
		NaiveAverage: naiveAverage,
		Smoothing:    smoothing,
		Kalman:       kalman,
		Correlation:  correlation,
	}

	return &GlobalConfig{
		Version:                 "1.0.0",
		MaxLevel:                24,
		TrixelUpdateFrequency:   time.Minute,
		SensorDataKeepInterval:  30 * 24 * time.Hour,
		SensorDataPurgeInterval: 24 * time.Hour,
		TLS:                     TLSConfig{UseSSL: true},
		PrivatizerConfig: map[model.MeasurementType]PrivatizerConfig{
			model.AmbientTemperature: perType,
			model.RelativeHumidity:   perType,
		},
		LogLevel: "info",
	}
}

// Validate rejects a configuration that violates the service's
// invariants (level bounds, [0,1]-bounded factors, positive windows).
func (c *GlobalConfig) Validate() error {
	if c.MaxLevel < 1 || c.MaxLevel > 24 {
		return fmt.Errorf("config: max_level must be within [1,24], got %d", c.MaxLevel)
	}
	if c.TrixelUpdateFrequency <= 0 {
		return fmt.Errorf("config: trixel_update_frequency must be positive")
	}
	for typ, pc := range c.PrivatizerConfig {
		if !typ.Valid() {
			return fmt.Errorf("config: unknown measurement type %v in privatizer_config", typ)
		}
		if err := pc.validate(); err != nil {
			return fmt.Errorf("config: privatizer_config[%s]: %w", typ, err)
		}
	}
	return nil
}

func (pc PrivatizerConfig) validate() error {
	switch pc.Kind {
	case PrivatizerBlank, PrivatizerLatest:
		return nil
	case PrivatizerNaiveAverage:
		return pc.NaiveAverage.validate()
	case PrivatizerNaiveSmoothingAverage:
		return pc.Smoothing.validate()
	case PrivatizerNaiveKalman:
		return pc.Kalman.validate()
	case PrivatizerAverage:
		if err := pc.NaiveAverage.validate(); err != nil {
			return err
		}
		return pc.Correlation.validate()
	case PrivatizerSmoothingAverage:
		if err := pc.Smoothing.validate(); err != nil {
			return err
		}
		return pc.Correlation.validate()
	case PrivatizerKalman:
		if err := pc.Kalman.validate(); err != nil {
			return err
		}
		return pc.Correlation.validate()
	default:
		return fmt.Errorf("unknown privatizer kind %q", pc.Kind)
	}
}

func (n NaiveAverageConfig) validate() error {
	if n.MissedUpdateThreshold <= 0 {
		return fmt.Errorf("missed_update_threshold must be positive")
	}
	if n.UpdateIntervalWeight < 0 || n.UpdateIntervalWeight > 1 {
		return fmt.Errorf("update_interval_weight must be within [0,1]")
	}
	if n.MaxMeasurementAge <= 0 || n.MaxMeasurementAgeAveraging <= 0 {
		return fmt.Errorf("measurement age windows must be positive")
	}
	return nil
}

func (s SmoothingConfig) validate() error {
	if err := s.NaiveAverageConfig.validate(); err != nil {
		return err
	}
	if s.LocalSmoothFactor < 0 || s.LocalSmoothFactor > 1 {
		return fmt.Errorf("local_smooth_factor must be within [0,1]")
	}
	if s.ChildSmoothFactor < 0 || s.ChildSmoothFactor > 1 {
		return fmt.Errorf("child_smooth_factor must be within [0,1]")
	}
	return nil
}

func (k KalmanConfig) validate() error {
	if err := k.NaiveAverageConfig.validate(); err != nil {
		return err
	}
	if k.ProcessStdDeviationPerStep <= 0 {
		return fmt.Errorf("process_std_deviation_per_time_step must be positive")
	}
	return nil
}

func (c CorrelationConfig) validate() error {
	if c.UptimeRequirement < 0 || c.UptimeRequirement > 1 {
		return fmt.Errorf("uptime_requirement must be within [0,1]")
	}
	if c.UptimeLongTimeMultiplier <= 0 {
		return fmt.Errorf("uptime_long_time_multiplier must be positive")
	}
	if c.LocalStatisticCheckSplitLevel < 1 {
		return fmt.Errorf("local_trixel_statistic_check_split_level must be at least 1")
	}
	if c.CacheInvalidationFactor <= 0 {
		return fmt.Errorf("cache_invalidation_factor must be positive")
	}
	if c.SensorEMASmoothingFactor < 0 || c.SensorEMASmoothingFactor > 1 {
		return fmt.Errorf("sensor_ema_smoothing_factor must be within [0,1]")
	}
	return nil
}
