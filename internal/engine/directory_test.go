package engine_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"operaflow/internal/domain"
	"operaflow/internal/engine"
	"operaflow/internal/repo"
)

const directoryYAML = `resources:
  - id: r1
    name: Ada
    primary_role: technician
    weekly_capacity_hours: 35
    competencies: [electrical, hvac]
  - id: r2
    name: Lin
    primary_role: team_lead
    weekly_capacity_hours: 39
absences:
  - id: abs-1
    resource_id: r1
    start: 2024-01-10
    end: 2024-01-12
    reason: training
contracts:
  - id: c1
    code: BPU-24-007
    name: Gymnasium upkeep
    capacity_hours: 300
    sold_hours: 280
    lots:
      - label: Winter
        amount: "1500.00"
        due_date: 2024-03-01
`

func TestImportDirectory(t *testing.T) {
	env := newTestEnv(t)
	d, err := engine.ParseDirectory([]byte(directoryYAML))
	require.NoError(t, err)

	rep, err := env.Engine.ImportDirectory(env.Ctx, d, "hr")
	require.NoError(t, err)
	require.Equal(t, engine.ImportReport{Resources: 2, Absences: 1, Contracts: 1}, rep)

	r1, err := env.Engine.Repo.GetResource(env.Ctx, nil, "r1")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"electrical", "hvac"}, r1.Competencies)
	require.Equal(t, 35.0, r1.WeeklyCapacityHours)

	c, err := env.Engine.Repo.GetContract(env.Ctx, nil, "c1")
	require.NoError(t, err)
	require.Equal(t, domain.PricingUnitPrice, c.PricingType)
	require.Equal(t, domain.ContractDraft, c.Status)
	require.Len(t, c.Lots, 1)
	require.Equal(t, "2024-03-01", *c.Lots[0].DueDate)

	// Importing again updates in place.
	rep, err = env.Engine.ImportDirectory(env.Ctx, d, "hr")
	require.NoError(t, err)
	require.Equal(t, 2, rep.Resources)
	all, err := env.Engine.Repo.ListResources(env.Ctx, nil)
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestParseDirectoryRejectsUnknownFields(t *testing.T) {
	_, err := engine.ParseDirectory([]byte("resources:\n  - id: r1\n    salary: 10\n"))
	require.ErrorIs(t, err, engine.ErrInvalidInput)
}

func TestImportDirectoryIsAtomic(t *testing.T) {
	env := newTestEnv(t)
	d := engine.Directory{
		Resources: []domain.Resource{{ID: "r1", PrimaryRole: "technician", WeeklyCapacityHours: 35}},
		Absences:  []domain.Absence{{ResourceID: "nobody", Start: "2024-01-10", End: "2024-01-11"}},
	}
	_, err := env.Engine.ImportDirectory(env.Ctx, d, "hr")
	require.ErrorIs(t, err, repo.ErrNotFound)

	_, err = env.Engine.Repo.GetResource(env.Ctx, nil, "r1")
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestUpsertResourceValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.UpsertResource(env.Ctx, domain.Resource{ID: "r1"}, "hr")
	require.ErrorIs(t, err, engine.ErrInvalidInput)
	_, err = env.Engine.UpsertResource(env.Ctx, domain.Resource{ID: "r1", PrimaryRole: "technician", WeeklyCapacityHours: -1}, "hr")
	require.ErrorIs(t, err, engine.ErrInvalidInput)

	_, err = env.Engine.RecordAbsence(env.Ctx, domain.Absence{ResourceID: "r1", Start: "2024-01-10", End: "2024-01-11"}, "hr")
	var nf engine.NotFoundError
	require.ErrorAs(t, err, &nf)
	require.Equal(t, "resource", nf.Kind)
}
