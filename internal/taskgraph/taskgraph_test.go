package taskgraph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddTaskAndDependencyBuildsFrontier(t *testing.T) {
	g := New("req-1")
	require.NoError(t, g.AddTask(NewNode("a", OpCreatePrimitive, "box", nil, nil)))
	require.NoError(t, g.AddTask(NewNode("b", OpBooleanOp, "union", nil, []string{"a"})))

	ready := g.ReadyTasks()
	require.Len(t, ready, 1)
	assert.Equal(t, "a", ready[0].ID)

	require.NoError(t, g.Mark("a", StatusReady, ""))
	require.NoError(t, g.Mark("a", StatusRunning, ""))
	require.NoError(t, g.Mark("a", StatusCompleted, "artifact-a"))

	ready = g.ReadyTasks()
	require.Len(t, ready, 1)
	assert.Equal(t, "b", ready[0].ID)
}

func TestAddDependencyRejectsCycle(t *testing.T) {
	g := New("req-2")
	require.NoError(t, g.AddTask(NewNode("a", OpCreatePrimitive, "", nil, nil)))
	require.NoError(t, g.AddTask(NewNode("b", OpTransform, "", nil, []string{"a"})))

	err := g.AddDependency("b", "a")
	assert.ErrorIs(t, err, ErrCycle)
}

func TestTopologicalLevelsLayersIndependentTasks(t *testing.T) {
	g := New("req-3")
	require.NoError(t, g.AddTask(NewNode("a", OpCreatePrimitive, "", nil, nil)))
	require.NoError(t, g.AddTask(NewNode("b", OpCreatePrimitive, "", nil, nil)))
	require.NoError(t, g.AddTask(NewNode("c", OpBooleanOp, "", nil, []string{"a", "b"})))

	levels, err := g.TopologicalLevels()
	require.NoError(t, err)
	require.Len(t, levels, 2)
	assert.Len(t, levels[0], 2)
	assert.Len(t, levels[1], 1)
	assert.Equal(t, "c", levels[1][0].ID)
}

func TestMarkRejectsIllegalTransition(t *testing.T) {
	g := New("req-4")
	require.NoError(t, g.AddTask(NewNode("a", OpCreatePrimitive, "", nil, nil)))

	err := g.Mark("a", StatusCompleted, "x")
	assert.Error(t, err)
}

func TestFailedTaskBlocksDependents(t *testing.T) {
	g := New("req-5")
	require.NoError(t, g.AddTask(NewNode("a", OpCreatePrimitive, "", nil, nil)))
	require.NoError(t, g.AddTask(NewNode("b", OpTransform, "", nil, []string{"a"})))

	require.NoError(t, g.Mark("a", StatusReady, ""))
	require.NoError(t, g.Mark("a", StatusRunning, ""))
	require.NoError(t, g.Mark("a", StatusFailed, ""))

	assert.Empty(t, g.ReadyTasks())
	dependents := g.Dependents("a")
	assert.Equal(t, []string{"b"}, dependents)
}
