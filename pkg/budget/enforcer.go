// Package budget enforces token budgets on top of recorded usage.
package budget

import (
	"context"
	"fmt"
	"time"

	"github.com/deepshell/deepshell/pkg/llmerr"
	"github.com/deepshell/deepshell/pkg/models"
	"github.com/deepshell/deepshell/pkg/tracker"
)

// Enforcer checks token usage against budget policies.
type Enforcer struct {
	policies []models.BudgetPolicy
	tracker  tracker.Tracker
	now      func() time.Time
}

// New creates an Enforcer with the given policies and tracker.
func New(policies []models.BudgetPolicy, t tracker.Tracker) *Enforcer {
	return &Enforcer{policies: policies, tracker: t, now: time.Now}
}

// Check fails with a rate limit error once provider and model have used up
// any applicable policy in the current period.
func (e *Enforcer) Check(ctx context.Context, provider, model string) error {
	for _, p := range e.applicable(provider, model) {
		used, err := e.used(ctx, p, provider)
		if err != nil {
			return fmt.Errorf("budget check: %w", err)
		}
		if used >= p.MaxTokens {
			return llmerr.Errorf(llmerr.KindRateLimit, "budget",
				"%s token budget of %d exhausted for %s (used %d)", p.Period, p.MaxTokens, scope(p, provider), used)
		}
	}
	return nil
}

// Status returns usage against every policy matching provider.
func (e *Enforcer) Status(ctx context.Context, provider string) ([]models.BudgetStatus, error) {
	var statuses []models.BudgetStatus
	for _, p := range e.policies {
		if p.Provider != "*" && p.Provider != provider {
			continue
		}
		used, err := e.used(ctx, p, provider)
		if err != nil {
			return nil, fmt.Errorf("budget status: %w", err)
		}
		statuses = append(statuses, models.BudgetStatus{
			Policy:    p,
			Used:      used,
			Remaining: max(p.MaxTokens-used, 0),
		})
	}
	return statuses, nil
}

func (e *Enforcer) used(ctx context.Context, p models.BudgetPolicy, provider string) (int64, error) {
	filter := provider
	if p.Provider == "*" {
		filter = ""
	}
	return e.tracker.TotalFor(ctx, filter, p.Model, periodStart(p.Period, e.now()))
}

func (e *Enforcer) applicable(provider, model string) []models.BudgetPolicy {
	var result []models.BudgetPolicy
	for _, p := range e.policies {
		if p.Provider != "*" && p.Provider != provider {
			continue
		}
		if p.Model == "" || p.Model == model {
			result = append(result, p)
		}
	}
	return result
}

func scope(p models.BudgetPolicy, provider string) string {
	s := provider
	if p.Provider == "*" {
		s = "all providers"
	}
	if p.Model != "" {
		s += "/" + p.Model
	}
	return s
}

func periodStart(period models.BudgetPeriod, now time.Time) time.Time {
	now = now.UTC()
	switch period {
	case models.BudgetMonthly:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	default: // daily
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	}
}
