package engine_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"operaflow/internal/domain"
	"operaflow/internal/engine"
	"operaflow/internal/repo"
)

func (env testEnv) contract(t *testing.T, c domain.Contract) domain.Contract {
	t.Helper()
	out, err := env.Engine.UpsertContract(env.Ctx, c, "tester")
	require.NoError(t, err)
	return out
}

func threeLots() []domain.FinancialLot {
	due := "2024-03-29"
	return []domain.FinancialLot{
		{Label: "Foundations", Amount: decimal.RequireFromString("12000.50"), DueDate: &due},
		{Label: "", Amount: decimal.RequireFromString("8000")},
		{Label: "Handover", Amount: decimal.RequireFromString("4000")},
	}
}

func countTasks(t *testing.T, env testEnv) int {
	t.Helper()
	tasks, err := env.Engine.Repo.ListTasks(env.Ctx, nil, repo.TaskFilters{})
	require.NoError(t, err)
	return len(tasks)
}

func TestDeclareIntoPlanning(t *testing.T) {
	env := newTestEnv(t)
	c := env.contract(t, domain.Contract{
		ID:            "c1",
		Code:          "BPU-24-001",
		Name:          "School maintenance",
		CapacityHours: 500,
		SoldHours:     450,
		Competence:    "hvac",
		Lots:          threeLots(),
	})
	require.Equal(t, domain.ContractDraft, c.Status)
	require.Equal(t, domain.PricingUnitPrice, c.PricingType)

	d, err := env.Engine.DeclareIntoPlanning(env.Ctx, c.ID, "2024-01-08", "2024-06-28", "planner")
	require.NoError(t, err)
	require.Equal(t, domain.ContractValidated, d.Contract.Status)
	require.True(t, d.Umbrella.IsUmbrella)
	require.Equal(t, "BPU-24-001 School maintenance", d.Umbrella.Title)
	require.Equal(t, 500.0, d.Umbrella.PlannedHours)
	require.Nil(t, d.Umbrella.ParentID)
	require.Len(t, d.Milestones, 3)

	require.Equal(t, []string{"Foundations", "Lot 2", "Handover"}, titles(d.Milestones))
	for i, m := range d.Milestones {
		require.True(t, m.IsMilestone)
		require.Equal(t, d.Umbrella.ID, *m.ParentID)
		require.Equal(t, 1, m.Level)
		require.Equal(t, i, m.OrderIndex)
		require.Equal(t, "hvac", m.RequiredCompetence)
	}
	require.Equal(t, "2024-03-29", d.Milestones[0].PlannedEnd)
	require.Equal(t, "2024-06-28", d.Milestones[1].PlannedEnd)
	require.Equal(t, 4, countTasks(t, env))

	stored, err := env.Engine.Repo.GetContract(env.Ctx, nil, c.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ContractValidated, stored.Status)
	require.Equal(t, d.Umbrella.ID, *stored.UmbrellaTaskID)
}

func TestDeclareTwiceIsRejected(t *testing.T) {
	env := newTestEnv(t)
	c := env.contract(t, domain.Contract{ID: "c1", Code: "BPU-1", CapacityHours: 100, Lots: threeLots()})
	_, err := env.Engine.DeclareIntoPlanning(env.Ctx, c.ID, "2024-01-08", "2024-06-28", "planner")
	require.NoError(t, err)

	_, err = env.Engine.DeclareIntoPlanning(env.Ctx, c.ID, "2024-01-08", "2024-06-28", "planner")
	require.ErrorIs(t, err, engine.ErrAlreadyDeclared)
	require.Equal(t, 4, countTasks(t, env))

	// Same lots are accepted; changed lots are not.
	stored, err := env.Engine.Repo.GetContract(env.Ctx, nil, c.ID)
	require.NoError(t, err)
	stored.Name = "renamed"
	_, err = env.Engine.UpsertContract(env.Ctx, stored, "tester")
	require.NoError(t, err)
	stored.Lots = stored.Lots[:1]
	_, err = env.Engine.UpsertContract(env.Ctx, stored, "tester")
	require.ErrorIs(t, err, engine.ErrAlreadyDeclared)
}

func TestDeclareWithoutLotsWritesNothing(t *testing.T) {
	env := newTestEnv(t)
	c := env.contract(t, domain.Contract{ID: "c1", Code: "BPU-2", CapacityHours: 100})

	_, err := env.Engine.DeclareIntoPlanning(env.Ctx, c.ID, "2024-01-08", "2024-06-28", "planner")
	require.ErrorIs(t, err, engine.ErrNoFinancialLots)
	require.Equal(t, 0, countTasks(t, env))

	stored, err := env.Engine.Repo.GetContract(env.Ctx, nil, c.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ContractDraft, stored.Status)
	require.Nil(t, stored.UmbrellaTaskID)
}

func TestDeclareRejectsFixedPriceAndUnknownContracts(t *testing.T) {
	env := newTestEnv(t)
	c := env.contract(t, domain.Contract{ID: "c1", Code: "FX-1", PricingType: domain.PricingFixed, Lots: threeLots()})

	_, err := env.Engine.DeclareIntoPlanning(env.Ctx, c.ID, "2024-01-08", "2024-06-28", "planner")
	require.ErrorIs(t, err, engine.ErrNotUnitPriced)

	_, err = env.Engine.DeclareIntoPlanning(env.Ctx, "missing", "2024-01-08", "2024-06-28", "planner")
	var nf engine.NotFoundError
	require.ErrorAs(t, err, &nf)
	require.Equal(t, "contract", nf.Kind)

	_, err = env.Engine.DeclareIntoPlanning(env.Ctx, c.ID, "2024-06-28", "2024-01-08", "planner")
	require.ErrorIs(t, err, engine.ErrInvalidInput)
	require.Equal(t, 0, countTasks(t, env))
}

func TestUmbrellaSummaryRates(t *testing.T) {
	env := newTestEnv(t)
	env.contract(t, domain.Contract{ID: "c1", Code: "BPU-3", CapacityHours: 500, SoldHours: 450, Lots: threeLots()})
	env.contract(t, domain.Contract{ID: "c2", Code: "BPU-4", Lots: threeLots()})

	_, err := env.Engine.UmbrellaSummary(env.Ctx, "c1")
	require.ErrorIs(t, err, repo.ErrNotFound)

	d1, err := env.Engine.DeclareIntoPlanning(env.Ctx, "c1", "2024-01-08", "2024-06-28", "planner")
	require.NoError(t, err)
	d2, err := env.Engine.DeclareIntoPlanning(env.Ctx, "c2", "2024-01-08", "2024-06-28", "planner")
	require.NoError(t, err)

	s, err := env.Engine.UmbrellaSummary(env.Ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, 0.0, s.FillRate)
	require.Equal(t, 0.0, s.CompletionRate)

	_, err = env.Engine.RecordRealization(env.Ctx, engine.RealizationOptions{
		TaskID: d1.Milestones[0].ID, Hours: 30, Amount: decimal.RequireFromString("1500.25"), ActorID: "site",
	})
	require.NoError(t, err)
	_, err = env.Engine.RecordRealization(env.Ctx, engine.RealizationOptions{
		TaskID: d1.Umbrella.ID, Hours: 20, Amount: decimal.RequireFromString("999.75"), ActorID: "site",
	})
	require.NoError(t, err)

	s, err = env.Engine.UmbrellaSummary(env.Ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, 50.0, s.RealizedHours)
	require.True(t, decimal.RequireFromString("2500").Equal(s.RealizedAmount))
	require.Equal(t, 10.0, s.FillRate)
	require.Equal(t, 11.11, s.CompletionRate)

	// Zero capacity and zero sold hours give zero rates, not a division error.
	_, err = env.Engine.RecordRealization(env.Ctx, engine.RealizationOptions{TaskID: d2.Umbrella.ID, Hours: 8, Amount: decimal.Zero})
	require.NoError(t, err)
	s, err = env.Engine.UmbrellaSummary(env.Ctx, "c2")
	require.NoError(t, err)
	require.Equal(t, 8.0, s.RealizedHours)
	require.Equal(t, 0.0, s.FillRate)
	require.Equal(t, 0.0, s.CompletionRate)

	// Realized hours accumulate on the task and every ancestor.
	umbrella, err := env.Engine.Repo.GetTask(env.Ctx, nil, d1.Umbrella.ID)
	require.NoError(t, err)
	require.Equal(t, 50.0, umbrella.ActualHours)
	milestone, err := env.Engine.Repo.GetTask(env.Ctx, nil, d1.Milestones[0].ID)
	require.NoError(t, err)
	require.Equal(t, 30.0, milestone.ActualHours)
	sibling, err := env.Engine.Repo.GetTask(env.Ctx, nil, d1.Milestones[1].ID)
	require.NoError(t, err)
	require.Equal(t, 0.0, sibling.ActualHours)
}

func TestRealizationRollsUpNestedTasks(t *testing.T) {
	env := newTestEnv(t)
	root := env.task(t, engine.TaskCreateOptions{Title: "Building A"})
	floor := env.task(t, engine.TaskCreateOptions{Title: "Floor 1", ParentID: root.ID})
	room := env.task(t, engine.TaskCreateOptions{Title: "Room 101", ParentID: floor.ID})

	_, err := env.Engine.RecordRealization(env.Ctx, engine.RealizationOptions{TaskID: room.ID, Hours: 6, Amount: decimal.NewFromInt(300)})
	require.NoError(t, err)
	_, err = env.Engine.RecordRealization(env.Ctx, engine.RealizationOptions{TaskID: floor.ID, Hours: 2, Amount: decimal.Zero})
	require.NoError(t, err)

	for id, want := range map[string]float64{root.ID: 8, floor.ID: 8, room.ID: 6} {
		got, err := env.Engine.Repo.GetTask(env.Ctx, nil, id)
		require.NoError(t, err)
		require.Equal(t, want, got.ActualHours, got.Title)
	}
}

func TestDeletingUmbrellaReleasesContract(t *testing.T) {
	env := newTestEnv(t)
	env.contract(t, domain.Contract{ID: "c1", Code: "BPU-5", CapacityHours: 100, SoldHours: 80, Lots: threeLots()})
	d, err := env.Engine.DeclareIntoPlanning(env.Ctx, "c1", "2024-01-08", "2024-06-28", "planner")
	require.NoError(t, err)

	_, err = env.Engine.DeleteTask(env.Ctx, d.Umbrella.ID, false, "planner")
	require.ErrorIs(t, err, engine.ErrHasChildren)

	removed, err := env.Engine.DeleteTask(env.Ctx, d.Umbrella.ID, true, "planner")
	require.NoError(t, err)
	require.Len(t, removed, 4)
	require.Equal(t, 0, countTasks(t, env))

	stored, err := env.Engine.Repo.GetContract(env.Ctx, nil, "c1")
	require.NoError(t, err)
	require.Equal(t, domain.ContractDraft, stored.Status)
	require.Nil(t, stored.UmbrellaTaskID)
	require.Len(t, stored.Lots, 3)

	_, err = env.Engine.UmbrellaSummary(env.Ctx, "c1")
	require.ErrorIs(t, err, repo.ErrNotFound)

	evts, err := env.Engine.Repo.EventsAfter(env.Ctx, 100, 0)
	require.NoError(t, err)
	var released []string
	for _, e := range evts {
		if e.Type == "contract.released" {
			released = append(released, e.EntityID)
		}
	}
	require.Equal(t, []string{"c1"}, released)

	again, err := env.Engine.DeclareIntoPlanning(env.Ctx, "c1", "2024-01-08", "2024-06-28", "planner")
	require.NoError(t, err)
	require.NotEqual(t, d.Umbrella.ID, again.Umbrella.ID)
	require.Equal(t, 4, countTasks(t, env))

	s, err := env.Engine.UmbrellaSummary(env.Ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, again.Umbrella.ID, s.UmbrellaTaskID)
}

func TestDeletingMilestoneKeepsContractDeclared(t *testing.T) {
	env := newTestEnv(t)
	env.contract(t, domain.Contract{ID: "c1", Code: "BPU-6", CapacityHours: 100, Lots: threeLots()})
	d, err := env.Engine.DeclareIntoPlanning(env.Ctx, "c1", "2024-01-08", "2024-06-28", "planner")
	require.NoError(t, err)

	_, err = env.Engine.DeleteTask(env.Ctx, d.Milestones[2].ID, false, "planner")
	require.NoError(t, err)

	stored, err := env.Engine.Repo.GetContract(env.Ctx, nil, "c1")
	require.NoError(t, err)
	require.Equal(t, domain.ContractValidated, stored.Status)
	require.Equal(t, d.Umbrella.ID, *stored.UmbrellaTaskID)
}

func TestRecordRealizationValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.RecordRealization(env.Ctx, engine.RealizationOptions{TaskID: "ghost", Hours: 1})
	require.ErrorIs(t, err, repo.ErrNotFound)

	task := env.task(t, engine.TaskCreateOptions{Title: "t"})
	_, err = env.Engine.RecordRealization(env.Ctx, engine.RealizationOptions{TaskID: task.ID, Hours: -1})
	require.ErrorIs(t, err, engine.ErrInvalidInput)
	_, err = env.Engine.RecordRealization(env.Ctx, engine.RealizationOptions{TaskID: task.ID, Amount: decimal.NewFromInt(-5)})
	require.ErrorIs(t, err, engine.ErrInvalidInput)
}
