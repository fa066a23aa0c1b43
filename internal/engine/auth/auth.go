package auth

import (
	"context"
	"database/sql"
	"fmt"
)

// UnauthorizedActionError indicates the actor may not perform the action.
type UnauthorizedActionError struct {
	ActorID string
	Action  string
}

func (e UnauthorizedActionError) Error() string {
	return fmt.Sprintf("actor %s is not allowed to %s", e.ActorID, e.Action)
}

// Service provides pool-level authorization helpers backed by SQL.
type Service struct {
	DB *sql.DB
}

// EnsureOwner fails unless the actor owns the pool.
func (s Service) EnsureOwner(ctx context.Context, tx *sql.Tx, poolID, actorID, action string) error {
	if actorID == "" {
		return UnauthorizedActionError{ActorID: actorID, Action: action}
	}
	row := tx.QueryRowContext(ctx, `SELECT 1 FROM budget_pools WHERE id=? AND owner_id=? LIMIT 1`, poolID, actorID)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return UnauthorizedActionError{ActorID: actorID, Action: action}
	}
	return err
}

// EnsureMutator fails unless the actor owns the pool or participates with a
// mutating role. Observers cannot mutate.
func (s Service) EnsureMutator(ctx context.Context, tx *sql.Tx, poolID, actorID, action string) error {
	if actorID == "" {
		return UnauthorizedActionError{ActorID: actorID, Action: action}
	}
	row := tx.QueryRowContext(ctx, `
SELECT 1 FROM budget_pools p
WHERE p.id=? AND (p.owner_id=? OR EXISTS (
	SELECT 1 FROM pool_participants pp
	WHERE pp.pool_id=p.id AND pp.actor_id=? AND pp.role IN ('executor','reviewer')
)) LIMIT 1`, poolID, actorID, actorID)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return UnauthorizedActionError{ActorID: actorID, Action: action}
	}
	return err
}

// ParticipantRole returns the actor's role on a pool, "owner" for the owner,
// or "" when the actor has no standing.
func (s Service) ParticipantRole(ctx context.Context, tx *sql.Tx, poolID, actorID string) (string, error) {
	var owner string
	err := tx.QueryRowContext(ctx, `SELECT owner_id FROM budget_pools WHERE id=?`, poolID).Scan(&owner)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if owner == actorID {
		return "owner", nil
	}
	var role string
	err = tx.QueryRowContext(ctx, `SELECT role FROM pool_participants WHERE pool_id=? AND actor_id=?`, poolID, actorID).Scan(&role)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return role, err
}
