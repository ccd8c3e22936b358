package ledger

// Coverage tiers sold through the dashboard.
const (
	PlanBasic    = 1
	PlanStandard = 2
	PlanPremium  = 3
)

// planTokens is the fixed reward-token grant per committed payment, by plan.
var planTokens = map[int]int64{
	PlanBasic:    1000,
	PlanStandard: 2000,
	PlanPremium:  3000,
}

// TokenReward returns the reward for a plan, 0 for unknown plans.
func TokenReward(planID int) int64 {
	return planTokens[planID]
}

// KnownPlan reports whether planID identifies a sellable coverage tier.
func KnownPlan(planID int) bool {
	_, ok := planTokens[planID]
	return ok
}
