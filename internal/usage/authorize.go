package usage

import (
	"context"

	"github.com/receiptflow/receiptflow/internal/metrics"
	"github.com/receiptflow/receiptflow/internal/models"
	log "github.com/sirupsen/logrus"
)

// CanProcessReceipt reports whether the user may start another chargeable operation.
// It never writes. Any error denies the request.
func (s *Service) CanProcessReceipt(ctx context.Context, userID uint64) Authorization {
	user, errUser := loadUser(ctx, s.db, userID, false)
	if errUser != nil {
		return s.deny(userID, "", errUser)
	}
	now := s.Now()

	current, errCalc := s.CalculateFor(ctx, s.db, user, now)
	if errCalc != nil {
		return s.deny(userID, string(user.Plan), errCalc)
	}
	limit, errLimit := s.EffectiveLimitFor(ctx, s.db, user, now)
	if errLimit != nil {
		return s.deny(userID, string(user.Plan), errLimit)
	}

	auth := Authorization{
		CanProcess: current.CurrentPlanTotal < limit,
		Used:       current.CurrentPlanTotal,
		Limit:      limit,
		Remaining:  remaining(limit, current.CurrentPlanTotal),
		PlanType:   user.Plan,
		Breakdown:  current.ByPlan,
	}
	decision := metrics.DecisionAllowed
	if !auth.CanProcess {
		decision = metrics.DecisionDenied
	}
	s.metrics.RecordAuthorization(string(user.Plan), decision)
	return auth
}

func (s *Service) deny(userID uint64, plan string, err error) Authorization {
	log.WithError(err).WithField("user_id", userID).Warn("usage: authorization check failed, denying")
	s.metrics.RecordAuthorization(plan, metrics.DecisionDeniedError)
	return Authorization{
		CanProcess: false,
		PlanType:   models.PlanType(plan),
		Breakdown:  models.PlanBreakdown{},
		Err:        err,
	}
}
