package engine_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"operaflow/internal/domain"
	"operaflow/internal/engine"
	"operaflow/internal/repo"
)

var week2 = time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC)

func (env testEnv) assign(t *testing.T, taskID, resourceID, start, end string, hours float64) domain.Assignment {
	t.Helper()
	a, err := env.Engine.AssignResource(env.Ctx, engine.AssignOptions{
		TaskID:     taskID,
		ResourceID: resourceID,
		Role:       "technician",
		Start:      start,
		End:        end,
		Hours:      hours,
		ActorID:    "tester",
	})
	require.NoError(t, err)
	return a
}

func TestDetectOverallocation(t *testing.T) {
	env := newTestEnv(t)
	env.resource(t, "r1", "technician", 35)
	t1 := env.task(t, engine.TaskCreateOptions{Title: "t1"})
	t2 := env.task(t, engine.TaskCreateOptions{Title: "t2"})
	env.assign(t, t1.ID, "r1", "2024-01-08", "2024-01-12", 20)
	env.assign(t, t2.ID, "r1", "2024-01-08", "2024-01-12", 25)

	report, err := env.Engine.DetectConflicts(env.Ctx, week2)
	require.NoError(t, err)
	require.Equal(t, "2024-01-08", report.AsOf)
	require.Equal(t, 1, report.Created)
	require.Len(t, report.Conflicts, 1)
	c := report.Conflicts[0]
	require.Equal(t, domain.ConflictOverallocation, c.Type)
	require.Equal(t, domain.SeverityHigh, c.Severity)
	require.Equal(t, "r1", c.ResourceID)
	require.Empty(t, c.TaskID)
	require.Equal(t, "2024-W02", c.Details["peak_week"])
	require.False(t, c.Resolved)
}

func TestDetectOverallocationSeverityLadder(t *testing.T) {
	cases := []struct {
		name     string
		hours    float64
		severity string
	}{
		{name: "critical above 150 percent", hours: 60, severity: domain.SeverityCritical},
		{name: "high above 120 percent", hours: 45, severity: domain.SeverityHigh},
		{name: "medium above 100 percent", hours: 38, severity: domain.SeverityMedium},
		{name: "at capacity", hours: 35, severity: ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.resource(t, "r1", "technician", 35)
			task := env.task(t, engine.TaskCreateOptions{Title: "work"})
			env.assign(t, task.ID, "r1", "2024-01-08", "2024-01-12", tc.hours)

			report, err := env.Engine.DetectConflicts(env.Ctx, week2)
			require.NoError(t, err)
			if tc.severity == "" {
				require.Empty(t, report.Conflicts)
				return
			}
			require.Len(t, report.Conflicts, 1)
			require.Equal(t, tc.severity, report.Conflicts[0].Severity)
		})
	}
}

func TestDetectConflictsIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.resource(t, "r1", "technician", 35)
	task := env.task(t, engine.TaskCreateOptions{Title: "work"})
	env.assign(t, task.ID, "r1", "2024-01-08", "2024-01-12", 45)

	first, err := env.Engine.DetectConflicts(env.Ctx, week2)
	require.NoError(t, err)
	second, err := env.Engine.DetectConflicts(env.Ctx, week2)
	require.NoError(t, err)

	require.Equal(t, 0, second.Created)
	require.Equal(t, 0, second.Updated)
	require.Equal(t, 0, second.Cleared)
	require.Len(t, second.Conflicts, 1)
	require.Equal(t, first.Conflicts[0].ID, second.Conflicts[0].ID)
	require.Equal(t, first.Conflicts[0].DetectedAt, second.Conflicts[0].DetectedAt)
}

func TestResolvedFlagSurvivesDetection(t *testing.T) {
	env := newTestEnv(t)
	env.resource(t, "r1", "technician", 35)
	t1 := env.task(t, engine.TaskCreateOptions{Title: "t1"})
	t2 := env.task(t, engine.TaskCreateOptions{Title: "t2"})
	env.assign(t, t1.ID, "r1", "2024-01-08", "2024-01-12", 20)
	extra := env.assign(t, t2.ID, "r1", "2024-01-08", "2024-01-12", 25)

	report, err := env.Engine.DetectConflicts(env.Ctx, week2)
	require.NoError(t, err)
	id := report.Conflicts[0].ID

	resolved, err := env.Engine.ResolveConflict(env.Ctx, id, "planner")
	require.NoError(t, err)
	require.True(t, resolved.Resolved)
	require.NotNil(t, resolved.ResolvedAt)

	report, err = env.Engine.DetectConflicts(env.Ctx, week2)
	require.NoError(t, err)
	require.Len(t, report.Conflicts, 1)
	require.True(t, report.Conflicts[0].Resolved)

	reopened, err := env.Engine.ReopenConflict(env.Ctx, id, "planner")
	require.NoError(t, err)
	require.False(t, reopened.Resolved)
	require.Nil(t, reopened.ResolvedAt)
	open := false
	list, err := env.Engine.Repo.ListConflicts(env.Ctx, nil, repo.ConflictFilters{Resolved: &open})
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, env.Engine.RemoveAssignment(env.Ctx, extra.ID, "planner"))
	report, err = env.Engine.DetectConflicts(env.Ctx, week2)
	require.NoError(t, err)
	require.Equal(t, 1, report.Cleared)
	require.Empty(t, report.Conflicts)

	_, err = env.Engine.ResolveConflict(env.Ctx, id, "planner")
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestDetectSeverityChangeUpdatesInPlace(t *testing.T) {
	env := newTestEnv(t)
	env.resource(t, "r1", "technician", 35)
	task := env.task(t, engine.TaskCreateOptions{Title: "work"})
	env.assign(t, task.ID, "r1", "2024-01-08", "2024-01-12", 38)
	first, err := env.Engine.DetectConflicts(env.Ctx, week2)
	require.NoError(t, err)
	require.Equal(t, domain.SeverityMedium, first.Conflicts[0].Severity)

	env.assign(t, task.ID, "r1", "2024-01-08", "2024-01-12", 30)
	second, err := env.Engine.DetectConflicts(env.Ctx, week2)
	require.NoError(t, err)
	require.Equal(t, 1, second.Updated)
	require.Equal(t, first.Conflicts[0].ID, second.Conflicts[0].ID)
	require.Equal(t, domain.SeverityCritical, second.Conflicts[0].Severity)
}

func TestDetectAbsenceAndCompetence(t *testing.T) {
	env := newTestEnv(t)
	env.resource(t, "r1", "technician", 35, "electrical")
	_, err := env.Engine.RecordAbsence(env.Ctx, domain.Absence{ResourceID: "r1", Start: "2024-01-10", End: "2024-01-11", Reason: "training"}, "hr")
	require.NoError(t, err)

	plain := env.task(t, engine.TaskCreateOptions{Title: "weld frame", RequiredCompetence: "welding"})
	milestone := env.task(t, engine.TaskCreateOptions{Title: "handover", RequiredCompetence: "welding", IsMilestone: true})
	wired := env.task(t, engine.TaskCreateOptions{Title: "wire panel", RequiredCompetence: "electrical"})
	env.assign(t, plain.ID, "r1", "2024-01-15", "2024-01-16", 4)
	env.assign(t, milestone.ID, "r1", "2024-01-17", "2024-01-17", 2)
	env.assign(t, wired.ID, "r1", "2024-01-09", "2024-01-10", 6)

	report, err := env.Engine.DetectConflicts(env.Ctx, week2)
	require.NoError(t, err)

	byKey := map[string]domain.ResourceConflict{}
	for _, c := range report.Conflicts {
		byKey[c.TaskID+"/"+c.Type] = c
	}
	require.Len(t, byKey, 3)
	require.Equal(t, domain.SeverityHigh, byKey[wired.ID+"/"+domain.ConflictAbsence].Severity)
	require.Equal(t, domain.SeverityMedium, byKey[plain.ID+"/"+domain.ConflictCompetenceMismatch].Severity)
	require.Equal(t, domain.SeverityHigh, byKey[milestone.ID+"/"+domain.ConflictCompetenceMismatch].Severity)
}

func TestDetectIgnoresUnknownResourcesAndPastWork(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, engine.TaskCreateOptions{Title: "subcontracted", RequiredCompetence: "roofing"})
	env.assign(t, task.ID, "contractor-9", "2024-01-08", "2024-01-12", 200)

	report, err := env.Engine.DetectConflicts(env.Ctx, week2)
	require.NoError(t, err)
	require.Empty(t, report.Conflicts)

	env.resource(t, "r1", "technician", 35)
	env.assign(t, task.ID, "r1", "2024-01-08", "2024-01-12", 80)
	report, err = env.Engine.DetectConflicts(env.Ctx, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Empty(t, report.Conflicts)
}

func TestDetectSpreadsHoursAcrossWeeks(t *testing.T) {
	env := newTestEnv(t)
	env.resource(t, "r1", "technician", 35)
	task := env.task(t, engine.TaskCreateOptions{Title: "long job"})
	// Ten working days over two weeks: 36h per week.
	env.assign(t, task.ID, "r1", "2024-01-08", "2024-01-19", 72)

	report, err := env.Engine.DetectConflicts(env.Ctx, week2)
	require.NoError(t, err)
	require.Len(t, report.Conflicts, 1)
	require.Equal(t, domain.SeverityMedium, report.Conflicts[0].Severity)

	// From the second week on only that week counts.
	report, err = env.Engine.DetectConflicts(env.Ctx, time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, report.Conflicts, 1)
	require.Equal(t, "2024-W03", report.Conflicts[0].Details["peak_week"])
}
