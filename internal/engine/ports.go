package engine

import (
	"context"
	"database/sql"

	"payline/internal/alloc"
	"payline/internal/domain"
)

// LedgerPort is the narrow slice of the ledger the milestone workflow needs.
// Reservations, refunds and releases run inside the caller's transaction.
type LedgerPort interface {
	ReserveTx(ctx context.Context, tx *sql.Tx, poolID string, amount int64, actorID string) error
	UnreserveTx(ctx context.Context, tx *sql.Tx, poolID string, amount int64, actorID string) error
	ReleaseTx(ctx context.Context, tx *sql.Tx, poolID string, amount int64, actorID string) error
}

// CalculatorPort computes fee and allocation breakdowns.
type CalculatorPort interface {
	Preview(gross int64, currency string, plan *domain.SplitPlan, flags alloc.Flags) (domain.AllocationPreview, error)
}

// CalculatorFunc adapts a function to CalculatorPort.
type CalculatorFunc func(gross int64, currency string, plan *domain.SplitPlan, flags alloc.Flags) (domain.AllocationPreview, error)

func (f CalculatorFunc) Preview(gross int64, currency string, plan *domain.SplitPlan, flags alloc.Flags) (domain.AllocationPreview, error) {
	return f(gross, currency, plan, flags)
}

// QualityScorer supplies a quality score for gated approvals when the caller
// does not provide one.
type QualityScorer interface {
	Score(ctx context.Context, m domain.Milestone) (int, error)
}
