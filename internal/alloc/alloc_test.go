package alloc_test

import (
	"errors"
	"testing"

	"payline/internal/alloc"
	"payline/internal/domain"
)

func testPlan() *domain.SplitPlan {
	return &domain.SplitPlan{
		ID:          "plan-1",
		Name:        "standard",
		ProductType: "skill",
		Status:      "active",
		Rules: []domain.SplitRule{
			{Role: "executor", Recipient: "alice", ShareBps: 7000, Source: "pool", Active: true},
			{Role: "referrer", Recipient: "bob", ShareBps: 2000, Source: "pool", Active: true},
			{Role: "promoter", Recipient: "carol", ShareBps: 1000, Source: "pool", Active: true},
		},
		FeeConfig: domain.FeeConfig{OnrampFeeBps: 10, OfframpFeeBps: 10, SplitFeeBps: 30, MinSplitFee: 0},
	}
}

func TestPreviewSplitsNetByShare(t *testing.T) {
	plan := testPlan()
	p, err := alloc.Preview(300, "USDC", plan, alloc.Flags{UsesSplit: true})
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	// splitFee floors to zero at this scale
	if p.Fees.SplitFee != 0 || p.Fees.TotalFees != 0 {
		t.Fatalf("unexpected fees %+v", p.Fees)
	}
	want := map[string]int64{"alice": 210, "bob": 60, "carol": 30}
	for _, a := range p.Allocations {
		if a.Amount != want[a.Recipient] {
			t.Fatalf("allocation %s = %d, want %d", a.Recipient, a.Amount, want[a.Recipient])
		}
	}
}

func TestPreviewRoundTrip(t *testing.T) {
	plan := testPlan()
	// uneven shares so flooring leaves a remainder
	plan.Rules = []domain.SplitRule{
		{Role: "executor", Recipient: "alice", ShareBps: 3333, Source: "pool", Active: true},
		{Role: "referrer", Recipient: "bob", ShareBps: 3333, Source: "pool", Active: true},
		{Role: "promoter", Recipient: "carol", ShareBps: 3334, Source: "pool", Active: true},
	}
	for _, gross := range []int64{1, 100, 99999999} {
		p, err := alloc.Preview(gross, "USDC", plan, alloc.Flags{UsesSplit: true, UsesOnramp: true, UsesOfframp: true})
		if err != nil {
			t.Fatalf("preview %d: %v", gross, err)
		}
		var sum int64
		for _, a := range p.Allocations {
			if a.Source == "pool" {
				sum += a.Amount
			}
		}
		if sum+p.Fees.TotalFees != gross {
			t.Fatalf("gross %d: allocations %d + fees %d != gross", gross, sum, p.Fees.TotalFees)
		}
	}
}

func TestPreviewRemainderGoesToLargestShare(t *testing.T) {
	plan := testPlan()
	p, err := alloc.Preview(101, "USDC", plan, alloc.Flags{UsesSplit: true})
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	// floors: 70, 20, 10; remainder 1 lands on the 7000 bps rule
	if p.Allocations[0].Recipient != "alice" || p.Allocations[0].Amount != 71 {
		t.Fatalf("expected alice to absorb remainder, got %+v", p.Allocations)
	}
}

func TestPreviewMinSplitFeeFloor(t *testing.T) {
	plan := testPlan()
	plan.FeeConfig.MinSplitFee = 50
	p, err := alloc.Preview(1000, "USDC", plan, alloc.Flags{UsesSplit: true})
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	// 1000*30/10000 = 3, floored up to the absolute minimum
	if p.Fees.SplitFee != 50 {
		t.Fatalf("split fee = %d, want 50", p.Fees.SplitFee)
	}
	var sum int64
	for _, a := range p.Allocations {
		sum += a.Amount
	}
	if sum+p.Fees.TotalFees != 1000 {
		t.Fatalf("round trip broken: %d + %d", sum, p.Fees.TotalFees)
	}
}

func TestPreviewRejectsBadPlan(t *testing.T) {
	plan := testPlan()
	plan.Rules[2].ShareBps = 500 // sum 9500
	if _, err := alloc.Preview(1000, "USDC", plan, alloc.Flags{UsesSplit: true}); !errors.Is(err, alloc.ErrInvalidPlan) {
		t.Fatalf("expected ErrInvalidPlan, got %v", err)
	}
	if _, err := alloc.Preview(1000, "USDC", nil, alloc.Flags{UsesSplit: true}); !errors.Is(err, alloc.ErrInvalidPlan) {
		t.Fatalf("expected ErrInvalidPlan for missing plan, got %v", err)
	}
}

func TestPreviewPlatformRulesDoNotConsumePoolShare(t *testing.T) {
	plan := testPlan()
	plan.Rules = append(plan.Rules, domain.SplitRule{
		Role: "custom", CustomRoleName: "ops", Recipient: "platform-ops", ShareBps: 5000, Source: "platform", Active: true,
	})
	p, err := alloc.Preview(100000, "USDC", plan, alloc.Flags{UsesSplit: true})
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	var poolSum int64
	for _, a := range p.Allocations {
		if a.Source == "pool" {
			poolSum += a.Amount
		}
		if a.Recipient == "platform-ops" && a.Role != "ops" {
			t.Fatalf("custom role name not applied: %+v", a)
		}
	}
	if poolSum+p.Fees.TotalFees != 100000 {
		t.Fatalf("platform rule leaked into pool share: %d + %d", poolSum, p.Fees.TotalFees)
	}
}

func TestPreviewInactiveRulesIgnored(t *testing.T) {
	plan := testPlan()
	plan.Rules[2].Active = false
	plan.Rules[0].ShareBps = 8000 // alice+bob back to 10000
	p, err := alloc.Preview(1000, "USDC", plan, alloc.Flags{UsesSplit: true})
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	for _, a := range p.Allocations {
		if a.Recipient == "carol" {
			t.Fatalf("inactive rule allocated: %+v", a)
		}
	}
}

func TestPreviewNoSplitNoFees(t *testing.T) {
	p, err := alloc.Preview(5000, "USDC", nil, alloc.Flags{})
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if p.Fees.TotalFees != 0 || p.MerchantNet != 5000 || len(p.Allocations) != 0 {
		t.Fatalf("unexpected preview without plan: %+v", p)
	}
}
