package htm_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TillFleisch/TrixelManagementService/internal/htm"
	"github.com/TillFleisch/TrixelManagementService/internal/model"
)

func TestRootLevel(t *testing.T) {
	for face := 0; face < 8; face++ {
		root := htm.RootFace(face)
		assert.Equal(t, 0, htm.Level(root))
		assert.True(t, htm.Valid(root))
		assert.Equal(t, htm.Invalid, htm.Parent(root))
	}
}

func TestParentChildRoundTrip(t *testing.T) {
	root := htm.RootFace(3)
	children := htm.Children(root)
	require.Len(t, children, 4)
	for _, c := range children {
		assert.Equal(t, 1, htm.Level(c))
		assert.Equal(t, root, htm.Parent(c))
	}
}

func TestMaxLevelHasNoChildren(t *testing.T) {
	id := htm.RootFace(0)
	for i := 0; i < htm.MaxLevel; i++ {
		id = htm.Children(id)[0]
	}
	assert.Equal(t, htm.MaxLevel, htm.Level(id))
	assert.Nil(t, htm.Children(id))
}

func TestNeighborsExcludeSelf(t *testing.T) {
	root := htm.RootFace(0)
	child := htm.Children(root)[1]
	neighbors := htm.Neighbors(child)
	require.Len(t, neighbors, 3)
	for _, n := range neighbors {
		assert.NotEqual(t, child, n)
		assert.Equal(t, root, htm.Parent(n))
	}
}

func TestIsDescendant(t *testing.T) {
	root := htm.RootFace(2)
	child := htm.Children(root)[0]
	grandchild := htm.Children(child)[3]

	assert.True(t, htm.IsDescendant(grandchild, root))
	assert.True(t, htm.IsDescendant(grandchild, grandchild))
	assert.False(t, htm.IsDescendant(root, grandchild))

	other := htm.RootFace(5)
	assert.False(t, htm.IsDescendant(grandchild, other))
}

func TestIsDelegatedPicksDeepestAncestor(t *testing.T) {
	root := htm.RootFace(1)
	child := htm.Children(root)[0]
	grandchild := htm.Children(child)[2]

	table := htm.DelegationTable([]model.Delegation{
		{TrixelID: root, Exclude: false},
		{TrixelID: child, Exclude: true},
	})

	assert.True(t, htm.IsDelegated(root, table))
	assert.False(t, htm.IsDelegated(child, table))
	assert.False(t, htm.IsDelegated(grandchild, table), "grandchild inherits the deeper exclude from its parent")

	other := htm.RootFace(6)
	assert.False(t, htm.IsDelegated(other, table), "no matching ancestor means not delegated")
}
