package settings

import "strings"

// DB config keys and defaults for settings.
const (
	// PlanLimitTrialKey overrides the all-time trial quota.
	PlanLimitTrialKey = "PLAN_LIMIT_TRIAL"
	// PlanLimitLiteKey overrides the monthly lite quota.
	PlanLimitLiteKey = "PLAN_LIMIT_LITE"
	// PlanLimitProKey overrides the monthly pro quota.
	PlanLimitProKey = "PLAN_LIMIT_PRO"
	// DefaultPollIntervalSeconds is the fallback settings poll interval.
	DefaultPollIntervalSeconds = 15
)

// PlanLimitKey returns the settings key overriding the quota for plan.
func PlanLimitKey(plan string) string {
	plan = strings.ToUpper(strings.TrimSpace(plan))
	if plan == "" {
		return ""
	}
	return "PLAN_LIMIT_" + plan
}
