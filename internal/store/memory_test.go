package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TillFleisch/TrixelManagementService/internal/htm"
	"github.com/TillFleisch/TrixelManagementService/internal/model"
	"github.com/TillFleisch/TrixelManagementService/internal/store"
)

func float(v float64) *float64 { return &v }

func TestGetSensorMedianIgnoresStaleSamples(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	sensor := model.UniqueSensorID{MsUUID: uuid.New(), SensorIndex: 1}

	require.NoError(t, mem.InsertMeasurement(ctx, model.Measurement{SensorID: sensor, Value: float(10), Timestamp: time.Now().Add(-time.Hour)}))
	require.NoError(t, mem.InsertMeasurement(ctx, model.Measurement{SensorID: sensor, Value: float(20), Timestamp: time.Now()}))

	median, err := mem.GetSensorMedian(ctx, sensor, 10*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, median)
	assert.Equal(t, 20.0, *median)
}

func TestInsertMeasurementRejectsDuplicateTimestamp(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	sensor := model.UniqueSensorID{MsUUID: uuid.New(), SensorIndex: 1}
	ts := time.Now()

	require.NoError(t, mem.InsertMeasurement(ctx, model.Measurement{SensorID: sensor, Value: float(10), Timestamp: ts}))
	err := mem.InsertMeasurement(ctx, model.Measurement{SensorID: sensor, Value: float(11), Timestamp: ts})

	assert.ErrorIs(t, err, store.ErrDuplicateMeasurement)

	// A different sensor reusing the same timestamp is not a collision.
	other := model.UniqueSensorID{MsUUID: sensor.MsUUID, SensorIndex: 2}
	assert.NoError(t, mem.InsertMeasurement(ctx, model.Measurement{SensorID: other, Value: float(12), Timestamp: ts}))
}

func TestGetSensorMedianWithNoSamplesReturnsNil(t *testing.T) {
	mem := store.NewMemory()
	sensor := model.UniqueSensorID{MsUUID: uuid.New(), SensorIndex: 1}
	median, err := mem.GetSensorMedian(context.Background(), sensor, time.Hour)
	require.NoError(t, err)
	assert.Nil(t, median)
}

func TestGetMeasurementCountDistinguishesValidFromTotal(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	sensor := model.UniqueSensorID{MsUUID: uuid.New(), SensorIndex: 1}

	require.NoError(t, mem.InsertMeasurement(ctx, model.Measurement{SensorID: sensor, Value: float(1), Timestamp: time.Now()}))
	require.NoError(t, mem.InsertMeasurement(ctx, model.Measurement{SensorID: sensor, Value: nil, Timestamp: time.Now()}))

	cw, err := mem.GetMeasurementCount(ctx, sensor, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, cw.Total)
	assert.Equal(t, 1, cw.Valid)
}

func TestGetTrixelMedianScopedByType(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	trixel := htm.RootFace(0)

	require.NoError(t, mem.InsertObservations(ctx, model.AmbientTemperature, []model.Observation{
		{TrixelID: trixel, Value: float(5), Time: time.Now()},
	}))
	require.NoError(t, mem.InsertObservations(ctx, model.RelativeHumidity, []model.Observation{
		{TrixelID: trixel, Value: float(50), Time: time.Now()},
	}))

	tempMedian, err := mem.GetTrixelMedian(ctx, trixel, model.AmbientTemperature, time.Hour)
	require.NoError(t, err)
	require.NotNil(t, tempMedian)
	assert.Equal(t, 5.0, *tempMedian)

	humidityMedian, err := mem.GetTrixelMedian(ctx, trixel, model.RelativeHumidity, time.Hour)
	require.NoError(t, err)
	require.NotNil(t, humidityMedian)
	assert.Equal(t, 50.0, *humidityMedian)
}

func TestPurgeOldSensorDataDropsOnlyStaleSamples(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	sensor := model.UniqueSensorID{MsUUID: uuid.New(), SensorIndex: 1}
	cutoff := time.Now().Add(-time.Hour)

	require.NoError(t, mem.InsertMeasurement(ctx, model.Measurement{SensorID: sensor, Value: float(1), Timestamp: cutoff.Add(-time.Minute)}))
	require.NoError(t, mem.InsertMeasurement(ctx, model.Measurement{SensorID: sensor, Value: float(2), Timestamp: time.Now()}))

	require.NoError(t, mem.PurgeOldSensorData(ctx, cutoff))

	cw, err := mem.GetMeasurementCount(ctx, sensor, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, cw.Total)
}

func TestSensorAccuracyDefaultsToUnknown(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	sensor := model.UniqueSensorID{MsUUID: uuid.New(), SensorIndex: 1}

	acc, err := mem.GetSensorAccuracy(ctx, sensor)
	require.NoError(t, err)
	assert.Nil(t, acc)

	mem.SetSensorAccuracy(sensor, 0.5)
	acc, err = mem.GetSensorAccuracy(ctx, sensor)
	require.NoError(t, err)
	require.NotNil(t, acc)
	assert.Equal(t, 0.5, *acc)
}
