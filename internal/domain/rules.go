package domain

import "github.com/shopspring/decimal"

// AggregateInput is what a status rule is evaluated against.
type AggregateInput struct {
	DaysWorked int
	DaysPaid   int
	Statuses   map[PaymentStatus]int
}

// Has reports whether at least one payment has one of the given statuses.
func (in AggregateInput) Has(statuses ...PaymentStatus) bool {
	for _, s := range statuses {
		if in.Statuses[s] > 0 {
			return true
		}
	}
	return false
}

// StatusRule maps a predicate to the aggregate status it yields.
type StatusRule struct {
	Name    string
	Matches func(AggregateInput) bool
	Status  WorkPeriodPaymentStatus
}

// Rules is the immutable payment rule set: which payment statuses count toward the day
// budget, the ordered aggregate status rules, and the payment transition table. It is
// built once at startup and shared by pointer.
type Rules struct {
	active      map[PaymentStatus]bool
	statusRules []StatusRule
	fallback    WorkPeriodPaymentStatus
	transitions map[PaymentStatus][]PaymentStatus
	weekDivisor decimal.Decimal
}

// DefaultRules returns the production rule set.
func DefaultRules() *Rules {
	return &Rules{
		active: map[PaymentStatus]bool{
			PaymentScheduled:  true,
			PaymentInProgress: true,
			PaymentCompleted:  true,
		},
		statusRules: []StatusRule{
			{
				Name:    "no-days-worked",
				Matches: func(in AggregateInput) bool { return in.DaysWorked == 0 },
				Status:  WorkPeriodPaymentNoDays,
			},
			{
				Name:    "payment-pending-or-running",
				Matches: func(in AggregateInput) bool { return in.Has(PaymentScheduled, PaymentInProgress) },
				Status:  WorkPeriodPaymentInProgress,
			},
			{
				Name:    "all-days-paid",
				Matches: func(in AggregateInput) bool { return in.DaysWorked == in.DaysPaid },
				Status:  WorkPeriodPaymentCompleted,
			},
			{
				Name:    "some-days-paid",
				Matches: func(in AggregateInput) bool { return in.Has(PaymentCompleted) },
				Status:  WorkPeriodPaymentPartiallyCompleted,
			},
			{
				Name:    "payment-failed",
				Matches: func(in AggregateInput) bool { return in.Has(PaymentFailed) },
				Status:  WorkPeriodPaymentFailed,
			},
		},
		fallback: WorkPeriodPaymentPending,
		transitions: map[PaymentStatus][]PaymentStatus{
			PaymentScheduled:  {PaymentInProgress, PaymentCancelled},
			PaymentInProgress: {PaymentCompleted, PaymentFailed},
			PaymentFailed:     {PaymentScheduled, PaymentCancelled},
		},
		weekDivisor: decimal.NewFromInt(BusinessWeekDays),
	}
}

// IsActive reports whether payments in status s count toward daysPaid.
func (r *Rules) IsActive(s PaymentStatus) bool {
	return r.active[s]
}

// ResolveStatus evaluates the status rules in order; the first match wins.
func (r *Rules) ResolveStatus(in AggregateInput) WorkPeriodPaymentStatus {
	for _, rule := range r.statusRules {
		if rule.Matches(in) {
			return rule.Status
		}
	}
	return r.fallback
}

// StatusRules returns a copy of the ordered status rules.
func (r *Rules) StatusRules() []StatusRule {
	out := make([]StatusRule, len(r.statusRules))
	copy(out, r.statusRules)
	return out
}

// CanTransition reports whether a payment may move from one status to another.
// Staying in the same status is always allowed.
func (r *Rules) CanTransition(from, to PaymentStatus) bool {
	if from == to {
		return true
	}
	for _, next := range r.transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// PaymentAmount computes round(memberRate * days / 5, 2).
func (r *Rules) PaymentAmount(memberRate decimal.Decimal, days int) decimal.Decimal {
	return memberRate.Mul(decimal.NewFromInt(int64(days))).Div(r.weekDivisor).Round(2)
}
