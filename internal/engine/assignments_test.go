package engine_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"operaflow/internal/domain"
	"operaflow/internal/engine"
	"operaflow/internal/repo"
)

type substitutionFixture struct {
	task domain.Task
	rule domain.SubstitutionRule
}

func newSubstitutionFixture(t *testing.T, env testEnv) substitutionFixture {
	t.Helper()
	task := env.task(t, engine.TaskCreateOptions{
		Title:        "Commission boiler",
		PlannedStart: "2024-01-08",
		PlannedEnd:   "2024-01-19",
		PlannedHours: 40,
	})
	env.resource(t, "tech-1", "technician", 35)
	rule, err := env.Engine.CreateSubstitutionRule(env.Ctx, domain.SubstitutionRule{
		Description: "technician covers team lead for a week",
		MaxDays:     5,
		SourceRole:  "technician",
		TargetRole:  "team_lead",
		Cost:        2,
	}, "tester")
	require.NoError(t, err)
	return substitutionFixture{task: task, rule: rule}
}

func (f substitutionFixture) request(start, end string) engine.ProvisionalRequest {
	return engine.ProvisionalRequest{
		TaskID:      f.task.ID,
		ResourceID:  "tech-1",
		ActingRole:  "team_lead",
		Start:       start,
		End:         end,
		RuleID:      f.rule.ID,
		RequesterID: "planner-1",
	}
}

func TestRequestProvisionalAssignment(t *testing.T) {
	env := newTestEnv(t)
	f := newSubstitutionFixture(t, env)

	p, err := env.Engine.RequestProvisionalAssignment(env.Ctx, f.request("2024-01-08", "2024-01-12"))
	require.NoError(t, err)
	require.Equal(t, domain.ProvisionalPending, p.Status)
	require.Equal(t, "technician", p.PrimaryRole)
	require.Equal(t, 40.0, p.Hours)
	// cost 2 + role weight 10 * distance 2 + duration weight 5 * 5/5 days
	require.Equal(t, 27.0, p.PenaltyScore)
	require.Equal(t, "2024-01-04T00:00:00Z", p.ExpiresAt)
	require.Empty(t, p.OverlapsWith)

	stored, err := env.Engine.Repo.GetProvisional(env.Ctx, nil, p.ID)
	require.NoError(t, err)
	require.Equal(t, p.PenaltyScore, stored.PenaltyScore)
	require.Equal(t, domain.ProvisionalPending, stored.Status)
}

func TestRequestProvisionalAssignmentRuleViolation(t *testing.T) {
	env := newTestEnv(t)
	f := newSubstitutionFixture(t, env)

	_, err := env.Engine.RequestProvisionalAssignment(env.Ctx, f.request("2024-01-08", "2024-01-17"))
	require.ErrorIs(t, err, engine.ErrRuleViolation)

	wrongRole := f.request("2024-01-08", "2024-01-09")
	wrongRole.ActingRole = "site_manager"
	_, err = env.Engine.RequestProvisionalAssignment(env.Ctx, wrongRole)
	require.ErrorIs(t, err, engine.ErrRuleViolation)

	list, err := env.Engine.Repo.ListProvisional(env.Ctx, nil, repo.ProvisionalFilters{})
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestRequestProvisionalAssignmentNotFound(t *testing.T) {
	env := newTestEnv(t)
	f := newSubstitutionFixture(t, env)

	req := f.request("2024-01-08", "2024-01-09")
	req.ResourceID = "nobody"
	_, err := env.Engine.RequestProvisionalAssignment(env.Ctx, req)
	var nf engine.NotFoundError
	require.ErrorAs(t, err, &nf)
	require.Equal(t, "resource", nf.Kind)

	req = f.request("2024-01-08", "2024-01-09")
	req.RuleID = "no-rule"
	_, err = env.Engine.RequestProvisionalAssignment(env.Ctx, req)
	require.ErrorIs(t, err, repo.ErrNotFound)

	req = f.request("2024-01-09", "2024-01-08")
	_, err = env.Engine.RequestProvisionalAssignment(env.Ctx, req)
	require.ErrorIs(t, err, engine.ErrInvalidInput)
}

func TestRequestProvisionalReportsOverlaps(t *testing.T) {
	env := newTestEnv(t)
	f := newSubstitutionFixture(t, env)
	other := env.task(t, engine.TaskCreateOptions{Title: "Inspect roof"})
	a, err := env.Engine.AssignResource(env.Ctx, engine.AssignOptions{
		TaskID: other.ID, ResourceID: "tech-1", Start: "2024-01-10", End: "2024-01-15", Hours: 10,
	})
	require.NoError(t, err)

	p, err := env.Engine.RequestProvisionalAssignment(env.Ctx, f.request("2024-01-08", "2024-01-12"))
	require.NoError(t, err)
	require.Equal(t, []string{a.ID}, p.OverlapsWith)
}

func TestDecideApproveCreatesOneAssignment(t *testing.T) {
	env := newTestEnv(t)
	f := newSubstitutionFixture(t, env)
	p, err := env.Engine.RequestProvisionalAssignment(env.Ctx, f.request("2024-01-08", "2024-01-12"))
	require.NoError(t, err)

	d, err := env.Engine.Decide(env.Ctx, p.ID, true, "approver-1")
	require.NoError(t, err)
	require.Equal(t, domain.ProvisionalApproved, d.Provisional.Status)
	require.Equal(t, "approver-1", *d.Provisional.ApproverID)
	require.NotNil(t, d.Assignment)
	require.Equal(t, domain.ProvenanceAutomatic, d.Assignment.Provenance)
	require.Equal(t, p.ID, *d.Assignment.ProvisionalID)
	require.Equal(t, "team_lead", d.Assignment.Role)

	_, err = env.Engine.Decide(env.Ctx, p.ID, true, "approver-1")
	require.ErrorIs(t, err, engine.ErrNotPending)
	_, err = env.Engine.Decide(env.Ctx, p.ID, false, "approver-2")
	require.ErrorIs(t, err, engine.ErrNotPending)

	list, err := env.Engine.Repo.ListAssignments(env.Ctx, nil, repo.AssignmentFilters{TaskID: f.task.ID})
	require.NoError(t, err)
	require.Len(t, list, 1)

	task, err := env.Engine.Repo.GetTask(env.Ctx, nil, f.task.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"tech-1"}, task.AssignedResourceIDs)
}

func TestDecideRejectCreatesNothing(t *testing.T) {
	env := newTestEnv(t)
	f := newSubstitutionFixture(t, env)
	p, err := env.Engine.RequestProvisionalAssignment(env.Ctx, f.request("2024-01-08", "2024-01-09"))
	require.NoError(t, err)

	d, err := env.Engine.Decide(env.Ctx, p.ID, false, "approver-1")
	require.NoError(t, err)
	require.Equal(t, domain.ProvisionalRejected, d.Provisional.Status)
	require.Nil(t, d.Assignment)

	list, err := env.Engine.Repo.ListAssignments(env.Ctx, nil, repo.AssignmentFilters{TaskID: f.task.ID})
	require.NoError(t, err)
	require.Empty(t, list)

	_, err = env.Engine.Decide(env.Ctx, "missing", true, "approver-1")
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestDecideRacingExpiryHasOneWinner(t *testing.T) {
	env := newTestEnv(t)
	f := newSubstitutionFixture(t, env)

	for i := 0; i < 20; i++ {
		p, err := env.Engine.RequestProvisionalAssignment(env.Ctx, f.request("2024-01-08", "2024-01-09"))
		require.NoError(t, err)
		deadline, err := time.Parse(time.RFC3339, p.ExpiresAt)
		require.NoError(t, err)

		var (
			wg        sync.WaitGroup
			decideErr error
			expired   []string
			expireErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, decideErr = env.Engine.Decide(env.Ctx, p.ID, true, "approver")
		}()
		go func() {
			defer wg.Done()
			expired, expireErr = env.Engine.ExpireOverdue(env.Ctx, deadline)
		}()
		wg.Wait()
		require.NoError(t, expireErr)

		stored, err := env.Engine.Repo.GetProvisional(env.Ctx, nil, p.ID)
		require.NoError(t, err)
		if decideErr == nil {
			require.NotContains(t, expired, p.ID, "iteration %d", i)
			require.Equal(t, domain.ProvisionalApproved, stored.Status)
		} else {
			require.ErrorIs(t, decideErr, engine.ErrNotPending, "iteration %d", i)
			require.Equal(t, []string{p.ID}, expired)
			require.Equal(t, domain.ProvisionalExpired, stored.Status)
		}
	}
}

func TestConcurrentDecideHasOneWinner(t *testing.T) {
	env := newTestEnv(t)
	f := newSubstitutionFixture(t, env)
	p, err := env.Engine.RequestProvisionalAssignment(env.Ctx, f.request("2024-01-08", "2024-01-12"))
	require.NoError(t, err)

	const workers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		wins     int
		rejected int
		other    []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(approve bool) {
			defer wg.Done()
			_, err := env.Engine.Decide(env.Ctx, p.ID, approve, "approver")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, engine.ErrNotPending):
				rejected++
			default:
				other = append(other, err)
			}
		}(i%2 == 0)
	}
	wg.Wait()
	require.Empty(t, other)
	require.Equal(t, 1, wins)
	require.Equal(t, workers-1, rejected)

	stored, err := env.Engine.Repo.GetProvisional(env.Ctx, nil, p.ID)
	require.NoError(t, err)
	list, err := env.Engine.Repo.ListAssignments(env.Ctx, nil, repo.AssignmentFilters{TaskID: f.task.ID})
	require.NoError(t, err)
	if stored.Status == domain.ProvisionalApproved {
		require.Len(t, list, 1)
	} else {
		require.Equal(t, domain.ProvisionalRejected, stored.Status)
		require.Empty(t, list)
	}
}

func TestExpireOverdueIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	f := newSubstitutionFixture(t, env)
	p1, err := env.Engine.RequestProvisionalAssignment(env.Ctx, f.request("2024-01-08", "2024-01-09"))
	require.NoError(t, err)
	late := f.request("2024-01-10", "2024-01-11")
	late.ExpiresAt = "2024-02-01T00:00:00Z"
	p2, err := env.Engine.RequestProvisionalAssignment(env.Ctx, late)
	require.NoError(t, err)

	ids, err := env.Engine.ExpireOverdue(env.Ctx, time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Empty(t, ids)

	now := time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)
	ids, err = env.Engine.ExpireOverdue(env.Ctx, now)
	require.NoError(t, err)
	require.Equal(t, []string{p1.ID}, ids)

	ids, err = env.Engine.ExpireOverdue(env.Ctx, now)
	require.NoError(t, err)
	require.Empty(t, ids)

	stored, err := env.Engine.Repo.GetProvisional(env.Ctx, nil, p1.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ProvisionalExpired, stored.Status)
	_, err = env.Engine.Decide(env.Ctx, p1.ID, true, "approver")
	require.ErrorIs(t, err, engine.ErrNotPending)

	stored, err = env.Engine.Repo.GetProvisional(env.Ctx, nil, p2.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ProvisionalPending, stored.Status)
}

func TestDecideOnOverdueRecordExpiresIt(t *testing.T) {
	env := newTestEnv(t)
	f := newSubstitutionFixture(t, env)
	p, err := env.Engine.RequestProvisionalAssignment(env.Ctx, f.request("2024-01-08", "2024-01-09"))
	require.NoError(t, err)

	env.setNow(time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC))
	_, err = env.Engine.Decide(env.Ctx, p.ID, true, "approver")
	require.ErrorIs(t, err, engine.ErrNotPending)

	stored, err := env.Engine.Repo.GetProvisional(env.Ctx, nil, p.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ProvisionalExpired, stored.Status)

	list, err := env.Engine.Repo.ListAssignments(env.Ctx, nil, repo.AssignmentFilters{TaskID: f.task.ID})
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestListProvisionalOrdersByPenalty(t *testing.T) {
	env := newTestEnv(t)
	f := newSubstitutionFixture(t, env)
	short, err := env.Engine.RequestProvisionalAssignment(env.Ctx, f.request("2024-01-08", "2024-01-08"))
	require.NoError(t, err)
	long, err := env.Engine.RequestProvisionalAssignment(env.Ctx, f.request("2024-01-08", "2024-01-12"))
	require.NoError(t, err)
	require.Greater(t, long.PenaltyScore, short.PenaltyScore)

	list, err := env.Engine.Repo.ListProvisional(env.Ctx, nil, repo.ProvisionalFilters{Status: domain.ProvisionalPending})
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, long.ID, list[0].ID)
}

func TestAssignResourceManualProvenance(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, engine.TaskCreateOptions{Title: "Wire panel", PlannedHours: 12})
	env.resource(t, "elec-1", "senior_technician", 35)

	a, err := env.Engine.AssignResource(env.Ctx, engine.AssignOptions{
		TaskID: task.ID, ResourceID: "elec-1", Start: "2024-01-08", End: "2024-01-09",
	})
	require.NoError(t, err)
	require.Equal(t, domain.ProvenanceManual, a.Provenance)
	require.Equal(t, "senior_technician", a.Role)
	require.Equal(t, 12.0, a.Hours)

	_, err = env.Engine.AssignResource(env.Ctx, engine.AssignOptions{
		TaskID: task.ID, ResourceID: "contractor-9", Start: "2024-01-08", End: "2024-01-09",
	})
	require.ErrorIs(t, err, engine.ErrInvalidInput)

	require.NoError(t, env.Engine.RemoveAssignment(env.Ctx, a.ID, "tester"))
	got, err := env.Engine.Repo.GetTask(env.Ctx, nil, task.ID)
	require.NoError(t, err)
	require.Empty(t, got.AssignedResourceIDs)

	err = env.Engine.RemoveAssignment(env.Ctx, a.ID, "tester")
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestCreateSubstitutionRuleValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateSubstitutionRule(env.Ctx, domain.SubstitutionRule{Description: "x", MaxDays: 0}, "tester")
	require.ErrorIs(t, err, engine.ErrInvalidInput)
	_, err = env.Engine.CreateSubstitutionRule(env.Ctx, domain.SubstitutionRule{Description: "x", MaxDays: 3, Cost: -1}, "tester")
	require.ErrorIs(t, err, engine.ErrInvalidInput)

	rule, err := env.Engine.CreateSubstitutionRule(env.Ctx, domain.SubstitutionRule{Description: "any role, three days", MaxDays: 3}, "tester")
	require.NoError(t, err)
	rules, err := env.Engine.Repo.ListRules(env.Ctx)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	require.Equal(t, rule.ID, rules[0].ID)
}
