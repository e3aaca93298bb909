package manager_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TillFleisch/TrixelManagementService/internal/cache"
	"github.com/TillFleisch/TrixelManagementService/internal/config"
	"github.com/TillFleisch/TrixelManagementService/internal/delegation"
	"github.com/TillFleisch/TrixelManagementService/internal/htm"
	"github.com/TillFleisch/TrixelManagementService/internal/manager"
	"github.com/TillFleisch/TrixelManagementService/internal/model"
	"github.com/TillFleisch/TrixelManagementService/internal/store"
)

func newTestManager(t *testing.T) (*manager.Manager, *config.Watcher, model.TrixelID) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	// The blank policy accepts every sensor unconditionally, which keeps
	// these tests focused on routing and shadow promotion rather than on
	// the correlation gate's store-backed history requirements.
	raw := "max_level: 10\ntrixel_update_frequency: 1s\nprivatizer_config:\n  1:\n    privatizer: blank\n  2:\n    privatizer: blank\n"
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o600))

	w, err := config.Load(path)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })

	root := htm.RootFace(0)
	deleg := delegation.NewTable([]model.Delegation{{TrixelID: root, Exclude: false}})
	mgr := manager.New(w, store.NewMemory(), cache.New(cache.Config{Capacity: 100}), nil, deleg, nil)
	return mgr, w, htm.Children(root)[0]
}

func TestContributeFirstTimeKeepsLevel(t *testing.T) {
	mgr, _, target := newTestManager(t)
	sensor := model.UniqueSensorID{MsUUID: uuid.New(), SensorIndex: 1}
	value := 21.5

	change, err := mgr.Contribute(context.Background(), target, sensor, model.Measurement{SensorID: sensor, Value: &value, Timestamp: time.Now()}, model.AmbientTemperature, 1)

	require.NoError(t, err)
	assert.Equal(t, model.LevelKeep, change)
}

func TestContributeRecommendsIncreaseOncePromotionCascades(t *testing.T) {
	mgr, _, target := newTestManager(t)
	ctx := context.Background()
	sensor := model.UniqueSensorID{MsUUID: uuid.New(), SensorIndex: 1}
	value := 21.5

	contribute := func() model.TrixelLevelChange {
		change, err := mgr.Contribute(ctx, target, sensor, model.Measurement{SensorID: sensor, Value: &value, Timestamp: time.Now()}, model.AmbientTemperature, 1)
		require.NoError(t, err)
		return change
	}

	// First contribution lands in the parent as a shadow contribution.
	assert.Equal(t, model.LevelKeep, contribute())

	// Tick one: the parent's shadow promotion accepts the sensor (k=1),
	// after which the sensor also shadow-contributes to the child.
	require.NoError(t, mgr.Process(ctx))
	assert.Equal(t, model.LevelKeep, contribute())

	// Tick two: the child's own shadow promotion runs, making the child
	// populated; only now should the station be told to move deeper.
	require.NoError(t, mgr.Process(ctx))
	assert.Equal(t, model.LevelIncrease, contribute())

	// The recommendation repeats until the client actually changes trixel.
	assert.Equal(t, model.LevelIncrease, contribute())
}

func TestContributeRejectsUndelegatedTrixel(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	other := htm.Children(htm.RootFace(1))[0]
	sensor := model.UniqueSensorID{MsUUID: uuid.New(), SensorIndex: 1}
	value := 1.0

	_, err := mgr.Contribute(context.Background(), other, sensor, model.Measurement{SensorID: sensor, Value: &value, Timestamp: time.Now()}, model.AmbientTemperature, 1)

	assert.ErrorIs(t, err, manager.ErrNotDelegated)
}

func TestContributeRejectsRootLevel(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	sensor := model.UniqueSensorID{MsUUID: uuid.New(), SensorIndex: 1}
	value := 1.0

	_, err := mgr.Contribute(context.Background(), htm.RootFace(0), sensor, model.Measurement{SensorID: sensor, Value: &value, Timestamp: time.Now()}, model.AmbientTemperature, 1)

	assert.ErrorIs(t, err, manager.ErrInvalidLevel)
}

func TestBatchContributeSplitsRejectedTrixels(t *testing.T) {
	mgr, _, target := newTestManager(t)
	other := htm.Children(htm.RootFace(1))[0]

	msUUID := uuid.New()
	value := 10.0
	sensorA := model.UniqueSensorID{MsUUID: msUUID, SensorIndex: 1}
	sensorB := model.UniqueSensorID{MsUUID: msUUID, SensorIndex: 2}

	batch := model.BatchUpdate{
		target: {{SensorID: sensorA, Value: &value, Timestamp: time.Now()}},
		other:  {{SensorID: sensorB, Value: &value, Timestamp: time.Now()}},
	}

	changes, rejected, err := mgr.BatchContribute(context.Background(), msUUID, batch, func(uint32) model.MeasurementType { return model.AmbientTemperature }, 1)

	require.NoError(t, err)
	assert.Equal(t, []model.TrixelID{other}, rejected)
	// First contributions are implicit KEEPs and never appear in the map,
	// and the rejected trixel's sensor must not have been routed at all.
	assert.Empty(t, changes)
}

func TestContributeDuplicateTimestampKeepsRoutingIdentical(t *testing.T) {
	mgr, _, target := newTestManager(t)
	sensor := model.UniqueSensorID{MsUUID: uuid.New(), SensorIndex: 1}
	value := 21.5
	ts := time.Now()
	m := model.Measurement{SensorID: sensor, Value: &value, Timestamp: ts}

	first, err := mgr.Contribute(context.Background(), target, sensor, m, model.AmbientTemperature, 1)
	require.NoError(t, err)

	second, err := mgr.Contribute(context.Background(), target, sensor, m, model.AmbientTemperature, 1)

	assert.ErrorIs(t, err, store.ErrDuplicateMeasurement)
	assert.Equal(t, first, second)
}

func TestProcessSucceedsAfterContribution(t *testing.T) {
	mgr, _, target := newTestManager(t)
	sensor := model.UniqueSensorID{MsUUID: uuid.New(), SensorIndex: 1}
	value := 18.0

	_, err := mgr.Contribute(context.Background(), target, sensor, model.Measurement{SensorID: sensor, Value: &value, Timestamp: time.Now()}, model.AmbientTemperature, 1)
	require.NoError(t, err)

	require.NoError(t, mgr.Process(context.Background()))
}
