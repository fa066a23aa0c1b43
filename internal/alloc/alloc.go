package alloc

import (
	"errors"
	"fmt"

	"payline/internal/domain"
)

// BpsDenominator is the basis-point scale: 10,000 bps = 100%.
const BpsDenominator = 10000

// ErrInvalidPlan is returned when a split is requested without a usable plan.
var ErrInvalidPlan = errors.New("invalid split plan")

// Flags select which payment-channel fees apply to a preview.
type Flags struct {
	UsesOnramp  bool
	UsesOfframp bool
	UsesSplit   bool
}

// Preview computes the fee breakdown and per-recipient allocation for a gross
// amount. It is a pure function: no state, no I/O.
//
// All arithmetic is integer minor units. Per-rule amounts round down; the
// remainder left by flooring is assigned to the pool rule with the largest
// share (first in rule order on ties), so that
// sum(pool allocations) + totalFees == gross exactly.
func Preview(gross int64, currency string, plan *domain.SplitPlan, flags Flags) (domain.AllocationPreview, error) {
	if gross < 0 {
		return domain.AllocationPreview{}, fmt.Errorf("gross amount must be non-negative, got %d", gross)
	}
	preview := domain.AllocationPreview{
		GrossAmount: gross,
		Currency:    currency,
	}

	var fees domain.FeeBreakdown
	if plan != nil {
		fc := plan.FeeConfig
		preview.RateBreakdown = domain.RateBreakdown{
			OnrampFeeBps:  fc.OnrampFeeBps,
			OfframpFeeBps: fc.OfframpFeeBps,
			SplitFeeBps:   fc.SplitFeeBps,
			MinSplitFee:   fc.MinSplitFee,
		}
		if flags.UsesOnramp {
			fees.OnrampFee = gross * fc.OnrampFeeBps / BpsDenominator
		}
		if flags.UsesOfframp {
			fees.OfframpFee = gross * fc.OfframpFeeBps / BpsDenominator
		}
	}
	if flags.UsesSplit {
		if plan == nil {
			return domain.AllocationPreview{}, fmt.Errorf("%w: split requested without a plan", ErrInvalidPlan)
		}
		fees.SplitFee = gross * plan.FeeConfig.SplitFeeBps / BpsDenominator
		if fees.SplitFee < plan.FeeConfig.MinSplitFee {
			fees.SplitFee = plan.FeeConfig.MinSplitFee
		}
	}
	fees.TotalFees = fees.OnrampFee + fees.OfframpFee + fees.SplitFee
	preview.Fees = fees

	net := gross - fees.TotalFees
	preview.MerchantNet = net
	if plan == nil {
		return preview, nil
	}

	if flags.UsesSplit {
		poolRules := activeRules(plan.Rules, domain.SourcePool)
		if sum := SumShareBps(poolRules); sum != BpsDenominator {
			return domain.AllocationPreview{}, fmt.Errorf("%w: active pool rules sum to %d bps, want %d", ErrInvalidPlan, sum, BpsDenominator)
		}
		var allocated int64
		largest := 0
		for i, rule := range poolRules {
			amount := net * rule.ShareBps / BpsDenominator
			allocated += amount
			preview.Allocations = append(preview.Allocations, domain.Allocation{
				Recipient: rule.Recipient,
				Role:      ruleRole(rule),
				Amount:    amount,
				ShareBps:  rule.ShareBps,
				Source:    rule.Source,
			})
			if rule.ShareBps > poolRules[largest].ShareBps {
				largest = i
			}
		}
		// Flooring remainder goes to the largest share so no minor unit leaks.
		preview.Allocations[largest].Amount += net - allocated
		preview.MerchantNet = 0
	}

	// Platform/merchant rules are side entries carved out of collected fees;
	// they never reduce the pool-side net a second time.
	for _, rule := range activeRules(plan.Rules, domain.SourcePlatform) {
		preview.Allocations = append(preview.Allocations, domain.Allocation{
			Recipient: rule.Recipient,
			Role:      ruleRole(rule),
			Amount:    fees.TotalFees * rule.ShareBps / BpsDenominator,
			ShareBps:  rule.ShareBps,
			Source:    rule.Source,
		})
	}
	for _, rule := range activeRules(plan.Rules, domain.SourceMerchant) {
		preview.Allocations = append(preview.Allocations, domain.Allocation{
			Recipient: rule.Recipient,
			Role:      ruleRole(rule),
			Amount:    preview.MerchantNet * rule.ShareBps / BpsDenominator,
			ShareBps:  rule.ShareBps,
			Source:    rule.Source,
		})
	}
	return preview, nil
}

// ValidatePlanForSplit reports whether a plan can back a split: active
// pool-sourced rules must sum to exactly 10,000 bps.
func ValidatePlanForSplit(plan domain.SplitPlan) error {
	sum := SumShareBps(activeRules(plan.Rules, domain.SourcePool))
	if sum != BpsDenominator {
		return fmt.Errorf("%w: active pool rules sum to %d bps, want %d", ErrInvalidPlan, sum, BpsDenominator)
	}
	return nil
}

// SumShareBps totals shareBps over the given rules.
func SumShareBps(rules []domain.SplitRule) int64 {
	var sum int64
	for _, r := range rules {
		sum += r.ShareBps
	}
	return sum
}

func activeRules(rules []domain.SplitRule, source domain.SplitSource) []domain.SplitRule {
	var out []domain.SplitRule
	for _, r := range rules {
		if r.Active && r.Source == string(source) {
			out = append(out, r)
		}
	}
	return out
}

func ruleRole(r domain.SplitRule) string {
	if r.Role == string(domain.RoleCustom) && r.CustomRoleName != "" {
		return r.CustomRoleName
	}
	return r.Role
}
