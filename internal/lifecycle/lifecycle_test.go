package lifecycle_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/TillFleisch/TrixelManagementService/internal/lifecycle"
	"github.com/TillFleisch/TrixelManagementService/internal/model"
)

func TestGetWithoutInstantiateDoesNotCreate(t *testing.T) {
	store := lifecycle.NewStore()
	sensor := model.UniqueSensorID{MsUUID: uuid.New(), SensorIndex: 1}

	l, ok := store.Get(sensor, false)
	assert.False(t, ok)
	assert.Nil(t, l)
	assert.Equal(t, 0, store.Len())
}

func TestGetInstantiatesOnce(t *testing.T) {
	store := lifecycle.NewStore()
	sensor := model.UniqueSensorID{MsUUID: uuid.New(), SensorIndex: 1}

	first, ok := store.Get(sensor, true)
	assert.True(t, ok)
	assert.NotNil(t, first)

	second, ok := store.Get(sensor, true)
	assert.True(t, ok)
	assert.Same(t, first, second)
	assert.Equal(t, 1, store.Len())
}

func TestContributingFlagRoundTrips(t *testing.T) {
	l := &lifecycle.Lifecycle{}
	assert.False(t, l.IsContributing())
	l.SetContributing(true)
	assert.True(t, l.IsContributing())
}

func TestEnsureCorrelationLazilyInitializesMaps(t *testing.T) {
	l := &lifecycle.Lifecycle{}
	cs := l.EnsureCorrelation()
	assert.NotNil(t, cs.SensorMedian)
	assert.NotNil(t, cs.SensorMedianLastUpdate)
	assert.Same(t, cs, l.EnsureCorrelation())
}

func TestRemoveDropsLifecycle(t *testing.T) {
	store := lifecycle.NewStore()
	sensor := model.UniqueSensorID{MsUUID: uuid.New(), SensorIndex: 1}
	store.Get(sensor, true)
	store.Remove(sensor)
	_, ok := store.Get(sensor, false)
	assert.False(t, ok)
}
