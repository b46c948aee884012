package engine

import (
	"math"

	"operaflow/internal/config"
	"operaflow/internal/domain"
)

// RoleDistance is the number of ladder steps between two roles. Equal roles
// are 0 apart; a role missing from the ladder is UnknownRoleDistance away.
func RoleDistance(p config.PenaltyPolicy, acting, primary string) int {
	if acting == primary {
		return 0
	}
	ai, aok := ladderIndex(p.RoleLadder, acting)
	pi, pok := ladderIndex(p.RoleLadder, primary)
	if !aok || !pok {
		return p.UnknownRoleDistance
	}
	d := ai - pi
	if d < 0 {
		d = -d
	}
	return d
}

func ladderIndex(ladder []string, role string) (int, bool) {
	for i, r := range ladder {
		if r == role {
			return i, true
		}
	}
	return 0, false
}

// PenaltyScore prices a substitution:
//
//	cost + RoleWeight*distance + DurationWeight*(days/reference)
//
// where reference is the rule's max_days or the policy default. The result is
// rounded to two decimals and never decreases as distance or days grow.
func PenaltyScore(p config.PenaltyPolicy, rule *domain.SubstitutionRule, distance, days int) float64 {
	reference := p.DefaultMaxDays
	cost := 0.0
	if rule != nil {
		cost = rule.Cost
		if rule.MaxDays > 0 {
			reference = rule.MaxDays
		}
	}
	if reference <= 0 {
		reference = 1
	}
	score := cost + p.RoleWeight*float64(distance) + p.DurationWeight*float64(days)/float64(reference)
	return math.Round(score*100) / 100
}
