package engine_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"operaflow/internal/config"
	"operaflow/internal/domain"
	"operaflow/internal/engine"
)

func TestRoleDistance(t *testing.T) {
	p := config.Default().Penalty
	require.Equal(t, 0, engine.RoleDistance(p, "technician", "technician"))
	require.Equal(t, 2, engine.RoleDistance(p, "team_lead", "technician"))
	require.Equal(t, 2, engine.RoleDistance(p, "technician", "team_lead"))
	require.Equal(t, p.UnknownRoleDistance, engine.RoleDistance(p, "astronaut", "technician"))
	require.Equal(t, 0, engine.RoleDistance(p, "astronaut", "astronaut"))
}

func TestPenaltyScore(t *testing.T) {
	p := config.Default().Penalty
	rule := &domain.SubstitutionRule{MaxDays: 5, Cost: 2}

	require.Equal(t, 27.0, engine.PenaltyScore(p, rule, 2, 5))
	// Without a rule the policy default of 30 days is the reference.
	require.Equal(t, 1.0, engine.PenaltyScore(p, nil, 0, 6))
	require.Equal(t, 0.33, engine.PenaltyScore(p, &domain.SubstitutionRule{MaxDays: 15}, 0, 1))
}

func TestPenaltyScoreIsMonotonic(t *testing.T) {
	p := config.Default().Penalty
	rule := &domain.SubstitutionRule{MaxDays: 10, Cost: 1.5}
	for distance := 0; distance < 5; distance++ {
		for days := 1; days < 20; days++ {
			base := engine.PenaltyScore(p, rule, distance, days)
			require.GreaterOrEqual(t, engine.PenaltyScore(p, rule, distance+1, days), base)
			require.GreaterOrEqual(t, engine.PenaltyScore(p, rule, distance, days+1), base)
		}
	}

	// Zero weights flatten the score to the rule cost.
	flat := p
	flat.RoleWeight = 0
	flat.DurationWeight = 0
	require.Equal(t, 1.5, engine.PenaltyScore(flat, rule, 4, 19))
}
