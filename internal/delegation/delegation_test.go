package delegation_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/TillFleisch/TrixelManagementService/internal/delegation"
	"github.com/TillFleisch/TrixelManagementService/internal/htm"
	"github.com/TillFleisch/TrixelManagementService/internal/model"
)

func TestSplitAcceptsAndRejects(t *testing.T) {
	root := htm.RootFace(0)
	other := htm.RootFace(1)
	table := delegation.NewTable([]model.Delegation{{TrixelID: root, Exclude: false}})

	batch := model.BatchUpdate{
		root:  {{SensorID: model.UniqueSensorID{SensorIndex: 1}}},
		other: {{SensorID: model.UniqueSensorID{SensorIndex: 2}}},
	}

	accepted, rejected := delegation.Split(table, batch)
	assert.Contains(t, accepted, root)
	assert.NotContains(t, accepted, other)
	assert.Equal(t, []model.TrixelID{other}, rejected)
}

func TestReplaceUpdatesLiveLookups(t *testing.T) {
	root := htm.RootFace(2)
	table := delegation.NewTable(nil)
	assert.False(t, table.IsDelegated(root))

	table.Replace([]model.Delegation{{TrixelID: root, Exclude: false}})
	assert.True(t, table.IsDelegated(root))
}
