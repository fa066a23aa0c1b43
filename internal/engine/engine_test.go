package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"payline/internal/alloc"
	"payline/internal/app"
	"payline/internal/config"
	"payline/internal/db"
	"payline/internal/domain"
	"payline/internal/engine"
	"payline/internal/engine/auth"
	"payline/internal/migrate"
	"payline/internal/repo"
)

type testEnv struct {
	Engine *engine.Engine
	Ctx    context.Context
	now    time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	env := &testEnv{
		Engine: engine.New(conn, cfg),
		Ctx:    context.Background(),
		now:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	env.Engine.Now = func() time.Time { return env.now }
	return env
}

func (env *testEnv) advance(d time.Duration) {
	env.now = env.now.Add(d)
}

func (env *testEnv) createPool(t *testing.T, total int64, opts engine.PoolCreateOptions) domain.BudgetPool {
	t.Helper()
	opts.Name = "test pool"
	opts.TotalBudget = total
	if opts.ActorID == "" {
		opts.ActorID = "owner"
	}
	p, err := env.Engine.Ledger.CreatePool(env.Ctx, opts)
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}
	return p
}

func (env *testEnv) fundedPool(t *testing.T, total, funded int64) domain.BudgetPool {
	t.Helper()
	p := env.createPool(t, total, engine.PoolCreateOptions{})
	p, err := env.Engine.Ledger.Fund(env.Ctx, engine.FundOptions{PoolID: p.ID, Amount: funded, ActorID: "owner"})
	if err != nil {
		t.Fatalf("fund pool: %v", err)
	}
	return p
}

func checkConservation(t *testing.T, env *testEnv, poolID string) domain.BudgetPool {
	t.Helper()
	p, err := env.Engine.Ledger.Get(env.Ctx, poolID)
	if err != nil {
		t.Fatalf("get pool: %v", err)
	}
	if p.ReservedAmount+p.ReleasedAmount > p.FundedAmount {
		t.Fatalf("conservation violated: reserved %d + released %d > funded %d", p.ReservedAmount, p.ReleasedAmount, p.FundedAmount)
	}
	if p.FundedAmount > p.TotalBudget {
		t.Fatalf("conservation violated: funded %d > total %d", p.FundedAmount, p.TotalBudget)
	}
	return p
}

func TestPoolLifecycle(t *testing.T) {
	env := newTestEnv(t)
	p := env.createPool(t, 1000, engine.PoolCreateOptions{})
	if p.Status != "draft" {
		t.Fatalf("expected draft, got %s", p.Status)
	}
	p, err := env.Engine.Ledger.Fund(env.Ctx, engine.FundOptions{PoolID: p.ID, Amount: 600, ActorID: "owner"})
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
	if p.Status != "funded" || p.FundedAmount != 600 {
		t.Fatalf("expected funded/600, got %s/%d", p.Status, p.FundedAmount)
	}
	m, err := env.Engine.Milestones.Create(env.Ctx, engine.MilestoneCreateOptions{
		PoolID: p.ID, Name: "first", Amount: 200, ActorID: "owner",
	})
	if err != nil {
		t.Fatalf("create milestone: %v", err)
	}
	if m.Status != "pending" || m.ReservedAmount != 200 {
		t.Fatalf("unexpected milestone %s/%d", m.Status, m.ReservedAmount)
	}
	p = checkConservation(t, env, p.ID)
	if p.Status != "active" {
		t.Fatalf("expected active after first reservation, got %s", p.Status)
	}
	if p.Available() != 400 {
		t.Fatalf("expected 400 available, got %d", p.Available())
	}
}

func TestFundExceedsBudget(t *testing.T) {
	env := newTestEnv(t)
	p := env.fundedPool(t, 1000, 800)
	_, err := env.Engine.Ledger.Fund(env.Ctx, engine.FundOptions{PoolID: p.ID, Amount: 300, ActorID: "owner"})
	var overfund engine.FundExceedsBudgetError
	if !errors.As(err, &overfund) {
		t.Fatalf("expected FundExceedsBudgetError, got %v", err)
	}
	if overfund.Capacity != 200 {
		t.Fatalf("expected capacity 200, got %d", overfund.Capacity)
	}
	p = checkConservation(t, env, p.ID)
	if p.FundedAmount != 800 {
		t.Fatalf("failed fund must not move money, funded=%d", p.FundedAmount)
	}
}

func TestFundIdempotencyReplay(t *testing.T) {
	env := newTestEnv(t)
	p := env.createPool(t, 1000, engine.PoolCreateOptions{})
	first, err := env.Engine.Ledger.Fund(env.Ctx, engine.FundOptions{
		PoolID: p.ID, Amount: 500, IdempotencyKey: "fund-1", ActorID: "owner",
	})
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
	replay, err := env.Engine.Ledger.Fund(env.Ctx, engine.FundOptions{
		PoolID: p.ID, Amount: 500, IdempotencyKey: "fund-1", ActorID: "owner",
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replay.FundedAmount != first.FundedAmount {
		t.Fatalf("replay returned different snapshot: %d vs %d", replay.FundedAmount, first.FundedAmount)
	}
	p = checkConservation(t, env, p.ID)
	if p.FundedAmount != 500 {
		t.Fatalf("replay must not credit twice, funded=%d", p.FundedAmount)
	}
}

func TestReserveInsufficientFunds(t *testing.T) {
	env := newTestEnv(t)
	p := env.fundedPool(t, 1000, 100)
	if _, err := env.Engine.Milestones.Create(env.Ctx, engine.MilestoneCreateOptions{
		PoolID: p.ID, Name: "a", Amount: 60, ActorID: "owner",
	}); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	_, err := env.Engine.Milestones.Create(env.Ctx, engine.MilestoneCreateOptions{
		PoolID: p.ID, Name: "b", Amount: 60, ActorID: "owner",
	})
	var insufficient engine.InsufficientFundsError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientFundsError, got %v", err)
	}
	p = checkConservation(t, env, p.ID)
	if p.ReservedAmount != 60 {
		t.Fatalf("failed reserve must not earmark, reserved=%d", p.ReservedAmount)
	}
	items, err := env.Engine.Milestones.List(env.Ctx, repo.MilestoneFilters{PoolID: p.ID})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("failed create must not leave a milestone row, got %d", len(items))
	}
}

func TestConcurrentReservesExactlyOneWins(t *testing.T) {
	env := newTestEnv(t)
	p := env.fundedPool(t, 100, 100)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, name := range []string{"left", "right"} {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			_, err := env.Engine.Milestones.Create(env.Ctx, engine.MilestoneCreateOptions{
				PoolID: p.ID, Name: name, Amount: 60, ActorID: "owner",
			})
			errs <- err
		}(name)
	}
	wg.Wait()
	close(errs)

	var failed int
	for err := range errs {
		if err == nil {
			continue
		}
		var insufficient engine.InsufficientFundsError
		if !errors.As(err, &insufficient) {
			t.Fatalf("expected InsufficientFundsError, got %v", err)
		}
		failed++
	}
	if failed != 1 {
		t.Fatalf("expected exactly one losing reservation, got %d", failed)
	}
	p = checkConservation(t, env, p.ID)
	if p.ReservedAmount != 60 {
		t.Fatalf("expected 60 reserved after the race, got %d", p.ReservedAmount)
	}
}

func TestMilestoneFlowToRelease(t *testing.T) {
	env := newTestEnv(t)
	p := env.fundedPool(t, 500, 500)
	m, err := env.Engine.Milestones.Create(env.Ctx, engine.MilestoneCreateOptions{
		PoolID: p.ID, Name: "ship it", Amount: 500, ActorID: "owner",
	})
	if err != nil {
		t.Fatal(err)
	}
	if m, err = env.Engine.Milestones.Start(env.Ctx, m.ID, "owner"); err != nil || m.Status != "in_progress" {
		t.Fatalf("start: %v (%s)", err, m.Status)
	}
	m, err = env.Engine.Milestones.Submit(env.Ctx, engine.SubmitOptions{
		ID: m.ID, ActorID: "owner",
		Artifacts: []domain.Artifact{{Type: "code", URL: "https://example.com/pr/1"}},
	})
	if err != nil || m.Status != "pending_review" {
		t.Fatalf("submit: %v (%s)", err, m.Status)
	}
	if m, err = env.Engine.Milestones.Approve(env.Ctx, engine.ApproveOptions{ID: m.ID, Note: "lgtm", ActorID: "owner"}); err != nil || m.Status != "approved" {
		t.Fatalf("approve: %v (%s)", err, m.Status)
	}
	m, err = env.Engine.Milestones.Release(env.Ctx, m.ID, "owner")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if m.Status != "released" || m.ReleasedAmount != 500 || m.ReservedAmount != 0 {
		t.Fatalf("unexpected released milestone: %s %d/%d", m.Status, m.ReleasedAmount, m.ReservedAmount)
	}
	p = checkConservation(t, env, p.ID)
	if p.Status != "depleted" {
		t.Fatalf("fully spent pool should be depleted, got %s", p.Status)
	}
	if p.ReleasedAmount != 500 || p.ReservedAmount != 0 {
		t.Fatalf("unexpected balances released=%d reserved=%d", p.ReleasedAmount, p.ReservedAmount)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	p := env.fundedPool(t, 300, 300)
	m, err := env.Engine.Milestones.Create(env.Ctx, engine.MilestoneCreateOptions{PoolID: p.ID, Name: "once", Amount: 100, ActorID: "owner"})
	if err != nil {
		t.Fatal(err)
	}
	m, _ = env.Engine.Milestones.Start(env.Ctx, m.ID, "owner")
	m, _ = env.Engine.Milestones.Submit(env.Ctx, engine.SubmitOptions{ID: m.ID, ActorID: "owner"})
	m, _ = env.Engine.Milestones.Approve(env.Ctx, engine.ApproveOptions{ID: m.ID, ActorID: "owner"})
	if m, err = env.Engine.Milestones.Release(env.Ctx, m.ID, "owner"); err != nil {
		t.Fatalf("release: %v", err)
	}
	again, err := env.Engine.Milestones.Release(env.Ctx, m.ID, "owner")
	if err != nil {
		t.Fatalf("second release: %v", err)
	}
	if again.ReleasedAmount != 100 {
		t.Fatalf("second release changed amount: %d", again.ReleasedAmount)
	}
	p = checkConservation(t, env, p.ID)
	if p.ReleasedAmount != 100 {
		t.Fatalf("double release moved money: %d", p.ReleasedAmount)
	}
}

func TestRejectRefundsReservation(t *testing.T) {
	env := newTestEnv(t)
	p := env.fundedPool(t, 400, 400)
	m, err := env.Engine.Milestones.Create(env.Ctx, engine.MilestoneCreateOptions{PoolID: p.ID, Name: "redo", Amount: 150, ActorID: "owner"})
	if err != nil {
		t.Fatal(err)
	}
	m, _ = env.Engine.Milestones.Start(env.Ctx, m.ID, "owner")
	m, _ = env.Engine.Milestones.Submit(env.Ctx, engine.SubmitOptions{ID: m.ID, ActorID: "owner"})

	_, err = env.Engine.Milestones.Reject(env.Ctx, engine.RejectOptions{ID: m.ID, Reason: "   ", ActorID: "owner"})
	var missing engine.MissingRejectReasonError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingRejectReasonError, got %v", err)
	}

	m, err = env.Engine.Milestones.Reject(env.Ctx, engine.RejectOptions{ID: m.ID, Reason: "not to spec", ActorID: "owner"})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if m.Status != "rejected" || m.ReservedAmount != 0 {
		t.Fatalf("unexpected rejected milestone %s/%d", m.Status, m.ReservedAmount)
	}
	p = checkConservation(t, env, p.ID)
	if p.ReservedAmount != 0 || p.Available() != 400 {
		t.Fatalf("rejection must refund in full: reserved=%d available=%d", p.ReservedAmount, p.Available())
	}
}

func TestIllegalTransitionsLeaveLedgerAlone(t *testing.T) {
	env := newTestEnv(t)
	p := env.fundedPool(t, 200, 200)
	m, err := env.Engine.Milestones.Create(env.Ctx, engine.MilestoneCreateOptions{PoolID: p.ID, Name: "m", Amount: 100, ActorID: "owner"})
	if err != nil {
		t.Fatal(err)
	}
	var state engine.InvalidMilestoneStateError
	if _, err := env.Engine.Milestones.Submit(env.Ctx, engine.SubmitOptions{ID: m.ID, ActorID: "owner"}); !errors.As(err, &state) {
		t.Fatalf("submit from pending should fail, got %v", err)
	}
	if _, err := env.Engine.Milestones.Approve(env.Ctx, engine.ApproveOptions{ID: m.ID, ActorID: "owner"}); !errors.As(err, &state) {
		t.Fatalf("approve from pending should fail, got %v", err)
	}
	if _, err := env.Engine.Milestones.Release(env.Ctx, m.ID, "owner"); !errors.As(err, &state) {
		t.Fatalf("release from pending should fail, got %v", err)
	}
	p = checkConservation(t, env, p.ID)
	if p.ReservedAmount != 100 || p.ReleasedAmount != 0 {
		t.Fatalf("illegal transitions moved money: reserved=%d released=%d", p.ReservedAmount, p.ReleasedAmount)
	}
}

func TestAutoApprovalOnSubmit(t *testing.T) {
	env := newTestEnv(t)
	p := env.fundedPool(t, 100, 100)
	m, err := env.Engine.Milestones.Create(env.Ctx, engine.MilestoneCreateOptions{
		PoolID: p.ID, Name: "auto", Amount: 100, ApprovalType: "auto", ActorID: "owner",
	})
	if err != nil {
		t.Fatal(err)
	}
	m, _ = env.Engine.Milestones.Start(env.Ctx, m.ID, "owner")
	m, err = env.Engine.Milestones.Submit(env.Ctx, engine.SubmitOptions{ID: m.ID, ActorID: "owner"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if m.Status != "approved" || m.ReviewedAt == nil {
		t.Fatalf("auto submit should approve, got %s", m.Status)
	}
	// release stays explicit
	if m.ReleasedAmount != 0 {
		t.Fatalf("auto approval must not release funds")
	}
}

func TestQualityGate(t *testing.T) {
	env := newTestEnv(t)
	p := env.fundedPool(t, 100, 100)
	m, err := env.Engine.Milestones.Create(env.Ctx, engine.MilestoneCreateOptions{
		PoolID: p.ID, Name: "gated", Amount: 100, ApprovalType: "quality_gate",
		QualityGate: &domain.QualityGate{Threshold: 80, Operator: ">="},
		ActorID:     "owner",
	})
	if err != nil {
		t.Fatal(err)
	}
	m, _ = env.Engine.Milestones.Start(env.Ctx, m.ID, "owner")
	m, _ = env.Engine.Milestones.Submit(env.Ctx, engine.SubmitOptions{ID: m.ID, ActorID: "owner"})

	low := 70
	_, err = env.Engine.Milestones.Approve(env.Ctx, engine.ApproveOptions{ID: m.ID, Score: &low, ActorID: "owner"})
	var gate engine.QualityGateNotMetError
	if !errors.As(err, &gate) {
		t.Fatalf("expected QualityGateNotMetError, got %v", err)
	}

	high := 85
	m, err = env.Engine.Milestones.Approve(env.Ctx, engine.ApproveOptions{ID: m.ID, Score: &high, ActorID: "owner"})
	if err != nil || m.Status != "approved" {
		t.Fatalf("approve with passing score: %v (%s)", err, m.Status)
	}
	if m.QualityScore == nil || *m.QualityScore != 85 {
		t.Fatalf("expected recorded score 85")
	}
}

func TestPlanActivationRequiresFullSplit(t *testing.T) {
	env := newTestEnv(t)
	plan, err := env.Engine.Plans.Create(env.Ctx, engine.PlanCreateOptions{
		Name: "partial", ProductType: "service", ActorID: "owner",
		Rules: []domain.SplitRule{
			{Role: "executor", Recipient: "alice", ShareBps: 7000, Source: "pool", Active: true},
			{Role: "referrer", Recipient: "bob", ShareBps: 2000, Source: "pool", Active: true},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.Plans.Activate(env.Ctx, plan.ID, "owner")
	var split engine.InvalidSplitTotalError
	if !errors.As(err, &split) {
		t.Fatalf("expected InvalidSplitTotalError, got %v", err)
	}
	if split.Sum != 9000 {
		t.Fatalf("expected sum 9000, got %d", split.Sum)
	}

	plan, err = env.Engine.Plans.Update(env.Ctx, engine.PlanUpdateOptions{
		ID: plan.ID, ActorID: "owner",
		Rules: []domain.SplitRule{
			{Role: "executor", Recipient: "alice", ShareBps: 7000, Source: "pool", Active: true},
			{Role: "referrer", Recipient: "bob", ShareBps: 3000, Source: "pool", Active: true},
		},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if plan.Version != 2 {
		t.Fatalf("expected version bump, got %d", plan.Version)
	}
	if plan, err = env.Engine.Plans.Activate(env.Ctx, plan.ID, "owner"); err != nil || plan.Status != "active" {
		t.Fatalf("activate: %v (%s)", err, plan.Status)
	}
	if _, err := env.Engine.Plans.Update(env.Ctx, engine.PlanUpdateOptions{ID: plan.ID, ActorID: "owner"}); err == nil {
		t.Fatalf("active plans must be frozen")
	}
}

func TestReleaseResolvesLivePlan(t *testing.T) {
	env := newTestEnv(t)
	plan, err := env.Engine.Plans.Create(env.Ctx, engine.PlanCreateOptions{
		Name: "split", ProductType: "service", ActorID: "owner",
		Rules: []domain.SplitRule{
			{Role: "executor", Recipient: "alice", ShareBps: 10000, Source: "pool", Active: true},
		},
		FeeConfig: &domain.FeeConfig{SplitFeeBps: 0, MinSplitFee: 0},
	})
	if err != nil {
		t.Fatal(err)
	}
	if plan, err = env.Engine.Plans.Activate(env.Ctx, plan.ID, "owner"); err != nil {
		t.Fatal(err)
	}
	p := env.createPool(t, 1000, engine.PoolCreateOptions{SplitPlanID: plan.ID})
	if _, err := env.Engine.Ledger.Fund(env.Ctx, engine.FundOptions{PoolID: p.ID, Amount: 1000, ActorID: "owner"}); err != nil {
		t.Fatal(err)
	}
	m, err := env.Engine.Milestones.Create(env.Ctx, engine.MilestoneCreateOptions{PoolID: p.ID, Name: "work", Amount: 300, ActorID: "owner"})
	if err != nil {
		t.Fatal(err)
	}
	m, _ = env.Engine.Milestones.Start(env.Ctx, m.ID, "owner")
	m, _ = env.Engine.Milestones.Submit(env.Ctx, engine.SubmitOptions{ID: m.ID, ActorID: "owner"})
	m, _ = env.Engine.Milestones.Approve(env.Ctx, engine.ApproveOptions{ID: m.ID, ActorID: "owner"})
	if _, err := env.Engine.Milestones.Release(env.Ctx, m.ID, "owner"); err != nil {
		t.Fatalf("release: %v", err)
	}
	rows, err := env.Engine.DB.QueryContext(env.Ctx, `SELECT count(*) FROM events WHERE type='milestone.released' AND entity_id=?`, m.ID)
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	defer rows.Close()
	var count int
	rows.Next()
	rows.Scan(&count)
	if count != 1 {
		t.Fatalf("expected one release event, got %d", count)
	}
}

func TestCancelRevokeWindow(t *testing.T) {
	env := newTestEnv(t)
	p := env.fundedPool(t, 100, 100)
	env.advance(time.Duration(env.Engine.Config.Service.RevokeWindowSecs+60) * time.Second)
	_, err := env.Engine.Ledger.Cancel(env.Ctx, engine.CancelOptions{PoolID: p.ID, ActorID: "owner"})
	var confirm engine.ConfirmRequiredError
	if !errors.As(err, &confirm) {
		t.Fatalf("expected ConfirmRequiredError after window, got %v", err)
	}
	p2, err := env.Engine.Ledger.Cancel(env.Ctx, engine.CancelOptions{PoolID: p.ID, Confirm: true, ActorID: "owner"})
	if err != nil || p2.Status != "cancelled" {
		t.Fatalf("confirmed cancel: %v (%s)", err, p2.Status)
	}

	fresh := env.fundedPool(t, 100, 100)
	if _, err := env.Engine.Ledger.Cancel(env.Ctx, engine.CancelOptions{PoolID: fresh.ID, ActorID: "owner"}); err != nil {
		t.Fatalf("cancel inside revoke window should not need confirm: %v", err)
	}
}

func TestCancelBlockedByOpenMilestones(t *testing.T) {
	env := newTestEnv(t)
	p := env.fundedPool(t, 200, 200)
	if _, err := env.Engine.Milestones.Create(env.Ctx, engine.MilestoneCreateOptions{PoolID: p.ID, Name: "open", Amount: 100, ActorID: "owner"}); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.Ledger.Cancel(env.Ctx, engine.CancelOptions{PoolID: p.ID, Confirm: true, ActorID: "owner"})
	var open engine.OpenMilestonesError
	if !errors.As(err, &open) {
		t.Fatalf("expected OpenMilestonesError, got %v", err)
	}
}

func TestExpirySweep(t *testing.T) {
	env := newTestEnv(t)
	expiry := env.now.Add(time.Hour).Format(time.RFC3339)
	p := env.createPool(t, 100, engine.PoolCreateOptions{ExpiresAt: expiry})
	env.advance(2 * time.Hour)
	n, err := env.Engine.ExpireDuePools(env.Ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired pool, got %d", n)
	}
	got, _ := env.Engine.Ledger.Get(env.Ctx, p.ID)
	if got.Status != "expired" {
		t.Fatalf("expected expired, got %s", got.Status)
	}
	// second sweep is a no-op
	if n, _ = env.Engine.ExpireDuePools(env.Ctx); n != 0 {
		t.Fatalf("expected idempotent sweep, got %d", n)
	}
}

func TestOwnershipEnforced(t *testing.T) {
	env := newTestEnv(t)
	p := env.createPool(t, 100, engine.PoolCreateOptions{
		Participants: []domain.PoolParticipant{{ActorID: "worker", Role: "executor"}},
	})
	_, err := env.Engine.Ledger.Fund(env.Ctx, engine.FundOptions{PoolID: p.ID, Amount: 50, ActorID: "intruder"})
	var ua auth.UnauthorizedActionError
	if !errors.As(err, &ua) {
		t.Fatalf("expected UnauthorizedActionError for fund, got %v", err)
	}
	if _, err := env.Engine.Ledger.Fund(env.Ctx, engine.FundOptions{PoolID: p.ID, Amount: 50, ActorID: "owner"}); err != nil {
		t.Fatalf("owner fund: %v", err)
	}
	// executor participants may create milestones, strangers may not
	if _, err := env.Engine.Milestones.Create(env.Ctx, engine.MilestoneCreateOptions{PoolID: p.ID, Name: "w", Amount: 10, ActorID: "worker"}); err != nil {
		t.Fatalf("participant create: %v", err)
	}
	_, err = env.Engine.Milestones.Create(env.Ctx, engine.MilestoneCreateOptions{PoolID: p.ID, Name: "x", Amount: 10, ActorID: "intruder"})
	if !errors.As(err, &ua) {
		t.Fatalf("expected UnauthorizedActionError for milestone, got %v", err)
	}
}

func TestSystemTemplatesSeeded(t *testing.T) {
	env := newTestEnv(t)
	if err := app.EnsureSystemTemplates(env.Ctx, env.Engine.Repo, env.Engine.Config); err != nil {
		t.Fatalf("seed: %v", err)
	}
	tpl, err := env.Engine.Plans.DefaultTemplate(env.Ctx, "skill")
	if err != nil {
		t.Fatalf("template: %v", err)
	}
	if !tpl.IsSystemTemplate || tpl.Status != "active" {
		t.Fatalf("unexpected template %v/%s", tpl.IsSystemTemplate, tpl.Status)
	}
	var sum int64
	for _, r := range tpl.Rules {
		if r.Active && r.Source == "pool" {
			sum += r.ShareBps
		}
	}
	if sum != alloc.BpsDenominator {
		t.Fatalf("template pool shares must sum to %d, got %d", alloc.BpsDenominator, sum)
	}
	// idempotent
	if err := app.EnsureSystemTemplates(env.Ctx, env.Engine.Repo, env.Engine.Config); err != nil {
		t.Fatalf("second seed: %v", err)
	}
}

func TestSystemTemplatesImmutable(t *testing.T) {
	env := newTestEnv(t)
	if err := app.EnsureSystemTemplates(env.Ctx, env.Engine.Repo, env.Engine.Config); err != nil {
		t.Fatalf("seed: %v", err)
	}
	tpl, err := env.Engine.Plans.DefaultTemplate(env.Ctx, "skill")
	if err != nil {
		t.Fatalf("template: %v", err)
	}
	if _, err := env.Engine.Plans.Archive(env.Ctx, tpl.ID, "someone"); err == nil {
		t.Fatalf("archiving a system template must fail")
	}
	if _, err := env.Engine.Plans.Activate(env.Ctx, tpl.ID, "someone"); err == nil {
		t.Fatalf("activating a system template must fail")
	}
	if _, err := env.Engine.Plans.Update(env.Ctx, engine.PlanUpdateOptions{ID: tpl.ID, ActorID: "someone"}); err == nil {
		t.Fatalf("updating a system template must fail")
	}
	if err := env.Engine.Plans.Delete(env.Ctx, tpl.ID, "someone"); err == nil {
		t.Fatalf("deleting a system template must fail")
	}
	got, err := env.Engine.Plans.DefaultTemplate(env.Ctx, "skill")
	if err != nil {
		t.Fatalf("template lookup after mutation attempts: %v", err)
	}
	if got.Status != "active" {
		t.Fatalf("template status changed to %s", got.Status)
	}
}

func TestEventAppendOnStateChanges(t *testing.T) {
	env := newTestEnv(t)
	p := env.fundedPool(t, 100, 100)
	m, err := env.Engine.Milestones.Create(env.Ctx, engine.MilestoneCreateOptions{PoolID: p.ID, Name: "evented", Amount: 100, ActorID: "owner"})
	if err != nil {
		t.Fatal(err)
	}
	m, _ = env.Engine.Milestones.Start(env.Ctx, m.ID, "owner")
	m, _ = env.Engine.Milestones.Submit(env.Ctx, engine.SubmitOptions{ID: m.ID, ActorID: "owner"})
	m, _ = env.Engine.Milestones.Approve(env.Ctx, engine.ApproveOptions{ID: m.ID, ActorID: "owner"})
	if _, err := env.Engine.Milestones.Release(env.Ctx, m.ID, "owner"); err != nil {
		t.Fatal(err)
	}
	events, err := env.Engine.Repo.LatestEvents(env.Ctx, 50, p.ID, "", "", "")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	types := map[string]bool{}
	for _, evt := range events {
		types[evt.Type] = true
	}
	for _, want := range []string{"pool.created", "pool.funded", "pool.reserved", "milestone.created", "milestone.released", "pool.depleted"} {
		if !types[want] {
			t.Fatalf("missing event %s in %v", want, types)
		}
	}
}
