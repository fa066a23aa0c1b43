package engine

import "fmt"

// InvalidSplitTotalError indicates pool-source rules do not sum to 100%.
type InvalidSplitTotalError struct {
	Sum int64
}

func (e InvalidSplitTotalError) Error() string {
	return fmt.Sprintf("active pool rules sum to %d bps, want 10000", e.Sum)
}

// FundExceedsBudgetError indicates a credit would push funding past the total budget.
type FundExceedsBudgetError struct {
	PoolID    string
	Requested int64
	Capacity  int64
}

func (e FundExceedsBudgetError) Error() string {
	return fmt.Sprintf("funding %d exceeds remaining budget capacity %d of pool %s", e.Requested, e.Capacity, e.PoolID)
}

// InsufficientFundsError indicates a reservation or release over the available balance.
type InsufficientFundsError struct {
	PoolID    string
	Requested int64
	Available int64
}

func (e InsufficientFundsError) Error() string {
	return fmt.Sprintf("pool %s has %d available, %d requested", e.PoolID, e.Available, e.Requested)
}

// InvalidPoolStateError indicates an operation not allowed in the pool's current status.
type InvalidPoolStateError struct {
	PoolID    string
	Current   string
	Requested string
}

func (e InvalidPoolStateError) Error() string {
	return fmt.Sprintf("pool %s is %s; cannot %s", e.PoolID, e.Current, e.Requested)
}

// InvalidMilestoneStateError indicates an illegal milestone transition.
type InvalidMilestoneStateError struct {
	MilestoneID string
	Current     string
	Requested   string
}

func (e InvalidMilestoneStateError) Error() string {
	return fmt.Sprintf("milestone %s is %s; cannot %s", e.MilestoneID, e.Current, e.Requested)
}

// MissingRejectReasonError indicates a rejection without a reason.
type MissingRejectReasonError struct{}

func (e MissingRejectReasonError) Error() string {
	return "reject reason is required"
}

// QualityGateNotMetError indicates a quality-gated approval whose score fails the gate.
type QualityGateNotMetError struct {
	Score     int
	Threshold int
	Operator  string
}

func (e QualityGateNotMetError) Error() string {
	return fmt.Sprintf("quality score %d does not satisfy gate %s %d", e.Score, e.Operator, e.Threshold)
}

// OpenMilestonesError indicates a cancel attempt while milestones are still open.
type OpenMilestonesError struct {
	PoolID string
	Count  int
}

func (e OpenMilestonesError) Error() string {
	return fmt.Sprintf("pool %s has %d open milestones", e.PoolID, e.Count)
}

// ConfirmRequiredError indicates a cancel outside the revoke window without confirmation.
type ConfirmRequiredError struct {
	PoolID string
}

func (e ConfirmRequiredError) Error() string {
	return fmt.Sprintf("cancelling pool %s outside the revoke window requires confirm", e.PoolID)
}
