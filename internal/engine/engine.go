package engine

import (
	"database/sql"
	"time"

	"payline/internal/alloc"
	"payline/internal/config"
	"payline/internal/engine/auth"
	"payline/internal/events"
	"payline/internal/repo"
)

// Engine wires the ledger, plan registry and milestone workflow over one
// database handle. All mutations run in a single transaction each.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Auth   auth.Service
	Config *config.Config
	Now    func() time.Time

	Ledger     *Ledger
	Plans      *Registry
	Milestones *Workflow
}

func New(db *sql.DB, cfg *config.Config) *Engine {
	e := &Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Auth:   auth.Service{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
	e.Ledger = &Ledger{e: e}
	e.Plans = &Registry{e: e}
	e.Milestones = &Workflow{
		e:      e,
		Ledger: e.Ledger,
		Calc:   CalculatorFunc(alloc.Preview),
	}
	return e
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) nowString() string {
	return e.now().UTC().Format(time.RFC3339)
}
