package engine_test

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"operaflow/internal/domain"
	"operaflow/internal/engine"
	"operaflow/internal/repo"
)

func titles(tasks []domain.Task) []string {
	out := make([]string, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.Title)
	}
	return out
}

func TestCreateTaskLevels(t *testing.T) {
	env := newTestEnv(t)
	root := env.task(t, engine.TaskCreateOptions{Title: "Building A"})
	floor := env.task(t, engine.TaskCreateOptions{Title: "Floor 1", ParentID: root.ID})
	room := env.task(t, engine.TaskCreateOptions{Title: "Room 101", ParentID: floor.ID, PlannedStart: "2024-01-08", PlannedEnd: "2024-01-12"})

	require.Nil(t, root.ParentID)
	require.Equal(t, 0, root.Level)
	require.Equal(t, 1, floor.Level)
	require.Equal(t, 2, room.Level)
	require.Equal(t, domain.TaskNotStarted, room.Status)
	require.Equal(t, 1, room.Version)

	second := env.task(t, engine.TaskCreateOptions{Title: "Floor 2", ParentID: root.ID})
	require.Equal(t, 1, second.OrderIndex)

	_, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "lost", ParentID: "nope"})
	require.ErrorIs(t, err, engine.ErrInvalidParent)

	_, err = env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: " "})
	require.ErrorIs(t, err, engine.ErrInvalidInput)

	_, err = env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "backwards", PlannedStart: "2024-02-01", PlannedEnd: "2024-01-01"})
	require.ErrorIs(t, err, engine.ErrInvalidInput)

	problems, err := env.Engine.CheckTree(env.Ctx)
	require.NoError(t, err)
	require.Empty(t, problems)
}

func TestMoveTaskRejectsCycles(t *testing.T) {
	env := newTestEnv(t)
	a := env.task(t, engine.TaskCreateOptions{Title: "a"})
	b := env.task(t, engine.TaskCreateOptions{Title: "b", ParentID: a.ID})
	c := env.task(t, engine.TaskCreateOptions{Title: "c", ParentID: b.ID})

	_, err := env.Engine.MoveTask(env.Ctx, engine.TaskMoveOptions{ID: a.ID, NewParentID: c.ID})
	require.ErrorIs(t, err, engine.ErrCycleDetected)

	_, err = env.Engine.MoveTask(env.Ctx, engine.TaskMoveOptions{ID: a.ID, NewParentID: a.ID})
	require.ErrorIs(t, err, engine.ErrCycleDetected)

	_, err = env.Engine.MoveTask(env.Ctx, engine.TaskMoveOptions{ID: b.ID, NewParentID: "ghost"})
	require.ErrorIs(t, err, engine.ErrInvalidParent)

	_, err = env.Engine.MoveTask(env.Ctx, engine.TaskMoveOptions{ID: "ghost"})
	var nf engine.NotFoundError
	require.ErrorAs(t, err, &nf)
	require.Equal(t, "task", nf.Kind)
	require.ErrorIs(t, err, repo.ErrNotFound)

	// Nothing moved.
	got, err := env.Engine.Repo.GetTask(env.Ctx, nil, a.ID)
	require.NoError(t, err)
	require.Nil(t, got.ParentID)
}

func TestMoveTaskRelevelsSubtree(t *testing.T) {
	env := newTestEnv(t)
	a := env.task(t, engine.TaskCreateOptions{Title: "a"})
	b := env.task(t, engine.TaskCreateOptions{Title: "b", ParentID: a.ID})
	c := env.task(t, engine.TaskCreateOptions{Title: "c", ParentID: b.ID})
	other := env.task(t, engine.TaskCreateOptions{Title: "other"})

	moved, err := env.Engine.MoveTask(env.Ctx, engine.TaskMoveOptions{ID: b.ID, NewParentID: other.ID, ActorID: "tester"})
	require.NoError(t, err)
	require.Equal(t, other.ID, *moved.ParentID)
	require.Equal(t, 1, moved.Level)

	gotC, err := env.Engine.Repo.GetTask(env.Ctx, nil, c.ID)
	require.NoError(t, err)
	require.Equal(t, 2, gotC.Level)

	moved, err = env.Engine.MoveTask(env.Ctx, engine.TaskMoveOptions{ID: b.ID})
	require.NoError(t, err)
	require.Nil(t, moved.ParentID)
	require.Equal(t, 0, moved.Level)
	gotC, err = env.Engine.Repo.GetTask(env.Ctx, nil, c.ID)
	require.NoError(t, err)
	require.Equal(t, 1, gotC.Level)

	problems, err := env.Engine.CheckTree(env.Ctx)
	require.NoError(t, err)
	require.Empty(t, problems)
}

func TestMoveTaskReordersSiblings(t *testing.T) {
	env := newTestEnv(t)
	parent := env.task(t, engine.TaskCreateOptions{Title: "parent"})
	for _, title := range []string{"one", "two", "three"} {
		env.task(t, engine.TaskCreateOptions{Title: title, ParentID: parent.ID})
	}
	children, err := env.Engine.Repo.ListChildren(env.Ctx, nil, &parent.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"one", "two", "three"}, titles(children))

	_, err = env.Engine.MoveTask(env.Ctx, engine.TaskMoveOptions{ID: children[2].ID, NewParentID: parent.ID, NewIndex: 0})
	require.NoError(t, err)
	children, err = env.Engine.Repo.ListChildren(env.Ctx, nil, &parent.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"three", "one", "two"}, titles(children))
	for i, c := range children {
		require.Equal(t, i, c.OrderIndex)
	}

	// Out of range indexes clamp to the end.
	_, err = env.Engine.MoveTask(env.Ctx, engine.TaskMoveOptions{ID: children[0].ID, NewParentID: parent.ID, NewIndex: 99})
	require.NoError(t, err)
	children, err = env.Engine.Repo.ListChildren(env.Ctx, nil, &parent.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"one", "two", "three"}, titles(children))
}

func TestDeleteTaskCascade(t *testing.T) {
	env := newTestEnv(t)
	root := env.task(t, engine.TaskCreateOptions{Title: "root"})
	mid := env.task(t, engine.TaskCreateOptions{Title: "mid", ParentID: root.ID})
	leaf := env.task(t, engine.TaskCreateOptions{Title: "leaf", ParentID: mid.ID})
	sibling := env.task(t, engine.TaskCreateOptions{Title: "sibling", ParentID: root.ID})
	env.resource(t, "r1", "technician", 35)
	_, err := env.Engine.AssignResource(env.Ctx, engine.AssignOptions{
		TaskID: leaf.ID, ResourceID: "r1", Start: "2024-01-08", End: "2024-01-09", Hours: 8,
	})
	require.NoError(t, err)

	_, err = env.Engine.DeleteTask(env.Ctx, mid.ID, false, "tester")
	require.ErrorIs(t, err, engine.ErrHasChildren)

	removed, err := env.Engine.DeleteTask(env.Ctx, mid.ID, true, "tester")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{mid.ID, leaf.ID}, removed)

	_, err = env.Engine.Repo.GetTask(env.Ctx, nil, leaf.ID)
	require.ErrorIs(t, err, repo.ErrNotFound)
	left, err := env.Engine.Repo.ListAssignments(env.Ctx, nil, repo.AssignmentFilters{ResourceID: "r1"})
	require.NoError(t, err)
	require.Empty(t, left)

	got, err := env.Engine.Repo.GetTask(env.Ctx, nil, sibling.ID)
	require.NoError(t, err)
	require.Equal(t, 0, got.OrderIndex)

	removed, err = env.Engine.DeleteTask(env.Ctx, sibling.ID, false, "tester")
	require.NoError(t, err)
	require.Equal(t, []string{sibling.ID}, removed)

	_, err = env.Engine.DeleteTask(env.Ctx, "ghost", true, "tester")
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestWalkDepthFirstAndLazy(t *testing.T) {
	env := newTestEnv(t)
	a := env.task(t, engine.TaskCreateOptions{Title: "a"})
	a1 := env.task(t, engine.TaskCreateOptions{Title: "a1", ParentID: a.ID})
	env.task(t, engine.TaskCreateOptions{Title: "a1x", ParentID: a1.ID})
	env.task(t, engine.TaskCreateOptions{Title: "a2", ParentID: a.ID})
	env.task(t, engine.TaskCreateOptions{Title: "b"})

	all, err := env.Engine.Tree(env.Ctx, "")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "a1", "a1x", "a2", "b"}, titles(all))

	sub, err := env.Engine.Tree(env.Ctx, a1.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"a1", "a1x"}, titles(sub))

	var seen []string
	for task, err := range env.Engine.Walk(env.Ctx, "") {
		require.NoError(t, err)
		seen = append(seen, task.Title)
		if len(seen) == 2 {
			break
		}
	}
	require.Equal(t, []string{"a", "a1"}, seen)

	_, err = env.Engine.Tree(env.Ctx, "ghost")
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestUpdateTaskStatusAndVersion(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, engine.TaskCreateOptions{Title: "pour slab"})
	done := domain.TaskDone
	_, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, Status: &done})
	require.ErrorIs(t, err, engine.ErrInvalidTransition)

	inProgress := domain.TaskInProgress
	task, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, Status: &inProgress, ExpectedVersion: 1})
	require.NoError(t, err)
	require.Equal(t, "2024-01-01", task.ActualStart)
	require.Equal(t, 2, task.Version)

	_, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, Status: &done, ExpectedVersion: 1})
	require.ErrorIs(t, err, engine.ErrConcurrentUpdate)

	task, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, Status: &done})
	require.NoError(t, err)
	require.Equal(t, 100, task.Progress)

	progress := 150
	_, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, Progress: &progress})
	require.ErrorIs(t, err, engine.ErrInvalidInput)
}

func TestConcurrentCrossMovesCannotBothSucceed(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 20; i++ {
		a := env.task(t, engine.TaskCreateOptions{Title: fmt.Sprintf("a%d", i)})
		b := env.task(t, engine.TaskCreateOptions{Title: fmt.Sprintf("b%d", i)})

		var wg sync.WaitGroup
		errs := make([]error, 2)
		for j, move := range []engine.TaskMoveOptions{
			{ID: a.ID, NewParentID: b.ID, ActorID: "p1"},
			{ID: b.ID, NewParentID: a.ID, ActorID: "p2"},
		} {
			wg.Add(1)
			go func(j int, move engine.TaskMoveOptions) {
				defer wg.Done()
				_, errs[j] = env.Engine.MoveTask(env.Ctx, move)
			}(j, move)
		}
		wg.Wait()

		succeeded := 0
		for _, err := range errs {
			if err == nil {
				succeeded++
				continue
			}
			require.True(t, errors.Is(err, engine.ErrCycleDetected) || errors.Is(err, engine.ErrConcurrentUpdate), err.Error())
		}
		require.Equal(t, 1, succeeded, "iteration %d", i)
	}

	problems, err := env.Engine.CheckTree(env.Ctx)
	require.NoError(t, err)
	require.Empty(t, problems)
}
