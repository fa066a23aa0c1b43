package domain

// All monetary amounts are int64 minor units of the pool currency.

type SplitRole string

const (
	RoleExecutor SplitRole = "executor"
	RoleReferrer SplitRole = "referrer"
	RolePromoter SplitRole = "promoter"
	RoleL1       SplitRole = "l1"
	RoleL2       SplitRole = "l2"
	RoleCustom   SplitRole = "custom"
)

func ValidSplitRole(r string) bool {
	switch SplitRole(r) {
	case RoleExecutor, RoleReferrer, RolePromoter, RoleL1, RoleL2, RoleCustom:
		return true
	}
	return false
}

type SplitSource string

const (
	SourcePool     SplitSource = "pool"
	SourcePlatform SplitSource = "platform"
	SourceMerchant SplitSource = "merchant"
)

func ValidSplitSource(s string) bool {
	switch SplitSource(s) {
	case SourcePool, SourcePlatform, SourceMerchant:
		return true
	}
	return false
}

type SplitRule struct {
	Role             string `json:"role" enum:"executor,referrer,promoter,l1,l2,custom"`
	CustomRoleName   string `json:"custom_role_name,omitempty"`
	Recipient        string `json:"recipient"`
	ShareBps         int64  `json:"share_bps"`
	Source           string `json:"source" enum:"pool,platform,merchant"`
	Active           bool   `json:"active"`
	RecipientAddress string `json:"recipient_address,omitempty"`
}

type FeeConfig struct {
	OnrampFeeBps  int64 `json:"onramp_fee_bps"`
	OfframpFeeBps int64 `json:"offramp_fee_bps"`
	SplitFeeBps   int64 `json:"split_fee_bps"`
	MinSplitFee   int64 `json:"min_split_fee"`
}

type SplitPlan struct {
	ID               string      `json:"id"`
	Name             string      `json:"name"`
	Description      string      `json:"description,omitempty"`
	ProductType      string      `json:"product_type" enum:"physical,service,virtual,nft,skill,agent_task"`
	OwnerID          string      `json:"owner_id"`
	Rules            []SplitRule `json:"rules"`
	FeeConfig        FeeConfig   `json:"fee_config"`
	Status           string      `json:"status" enum:"draft,active,archived"`
	IsSystemTemplate bool        `json:"is_system_template"`
	Version          int         `json:"version"`
	CreatedAt        string      `json:"created_at" format:"date-time"`
	UpdatedAt        string      `json:"updated_at" format:"date-time"`
}

func ValidProductType(t string) bool {
	switch t {
	case "physical", "service", "virtual", "nft", "skill", "agent_task":
		return true
	}
	return false
}

// PoolRef links a pool to the task or order it funds. Kind "none" carries no id.
type PoolRef struct {
	Kind string `json:"kind" enum:"none,task,order"`
	ID   string `json:"id,omitempty"`
}

type BudgetPool struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Description    string  `json:"description,omitempty"`
	Currency       string  `json:"currency"`
	TotalBudget    int64   `json:"total_budget"`
	FundedAmount   int64   `json:"funded_amount"`
	ReservedAmount int64   `json:"reserved_amount"`
	ReleasedAmount int64   `json:"released_amount"`
	FundingSource  string  `json:"funding_source,omitempty" enum:"wallet,payment,credit"`
	SplitPlanID    *string `json:"split_plan_id,omitempty"`
	Status         string  `json:"status" enum:"draft,funded,active,depleted,expired,cancelled"`
	ExpiresAt      *string `json:"expires_at,omitempty" format:"date-time"`
	OwnerID        string  `json:"owner_id"`
	Ref            PoolRef `json:"ref"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	UpdatedAt      string  `json:"updated_at" format:"date-time"`
}

// Available is the portion of funded money not yet reserved or released.
func (p BudgetPool) Available() int64 {
	return p.FundedAmount - p.ReservedAmount - p.ReleasedAmount
}

func PoolTerminal(status string) bool {
	switch status {
	case "depleted", "expired", "cancelled":
		return true
	}
	return false
}

type Artifact struct {
	Type        string `json:"type" enum:"document,code,design,report,other"`
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
}

// QualityGate gates quality_gate approvals: the supplied score must satisfy
// `score <operator> threshold`.
type QualityGate struct {
	Threshold int    `json:"threshold"`
	Operator  string `json:"operator" enum:">=,>,=,<,<="`
}

type Milestone struct {
	ID             string       `json:"id"`
	BudgetPoolID   string       `json:"budget_pool_id"`
	Name           string       `json:"name"`
	Description    string       `json:"description,omitempty"`
	ReservedAmount int64        `json:"reserved_amount"`
	ReleasedAmount int64        `json:"released_amount"`
	ApprovalType   string       `json:"approval_type" enum:"manual,auto,quality_gate"`
	QualityGate    *QualityGate `json:"quality_gate,omitempty"`
	DueDate        *string      `json:"due_date,omitempty" format:"date-time"`
	Artifacts      []Artifact   `json:"artifacts,omitempty"`
	ReviewNote     string       `json:"review_note,omitempty"`
	RejectReason   string       `json:"reject_reason,omitempty"`
	QualityScore   *int         `json:"quality_score,omitempty"`
	SortOrder      int          `json:"sort_order"`
	Status         string       `json:"status" enum:"pending,in_progress,pending_review,approved,rejected,released"`
	StartedAt      *string      `json:"started_at,omitempty" format:"date-time"`
	SubmittedAt    *string      `json:"submitted_at,omitempty" format:"date-time"`
	ReviewedAt     *string      `json:"reviewed_at,omitempty" format:"date-time"`
	ReleasedAt     *string      `json:"released_at,omitempty" format:"date-time"`
	CreatedAt      string       `json:"created_at" format:"date-time"`
	UpdatedAt      string       `json:"updated_at" format:"date-time"`
}

func MilestoneTerminal(status string) bool {
	return status == "rejected" || status == "released"
}

type FeeBreakdown struct {
	OnrampFee  int64 `json:"onramp_fee"`
	OfframpFee int64 `json:"offramp_fee"`
	SplitFee   int64 `json:"split_fee"`
	TotalFees  int64 `json:"total_fees"`
}

type Allocation struct {
	Recipient string `json:"recipient"`
	Role      string `json:"role"`
	Amount    int64  `json:"amount"`
	ShareBps  int64  `json:"share_bps"`
	Source    string `json:"source" enum:"pool,platform,merchant"`
}

type RateBreakdown struct {
	OnrampFeeBps  int64 `json:"onramp_fee_bps"`
	OfframpFeeBps int64 `json:"offramp_fee_bps"`
	SplitFeeBps   int64 `json:"split_fee_bps"`
	MinSplitFee   int64 `json:"min_split_fee"`
}

// AllocationPreview is the stateless calculator output; never persisted.
type AllocationPreview struct {
	GrossAmount   int64         `json:"gross_amount"`
	Currency      string        `json:"currency"`
	Fees          FeeBreakdown  `json:"fees"`
	Allocations   []Allocation  `json:"allocations"`
	MerchantNet   int64         `json:"merchant_net"`
	RateBreakdown RateBreakdown `json:"rate_breakdown"`
}

// PoolParticipant is a collaborator on a pool. Executors and reviewers may
// drive milestones; observers are read-only.
type PoolParticipant struct {
	PoolID    string `json:"pool_id"`
	ActorID   string `json:"actor_id"`
	Role      string `json:"role" enum:"executor,reviewer,observer"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type PoolStats struct {
	TotalBudget         int64 `json:"total_budget"`
	Funded              int64 `json:"funded"`
	Reserved            int64 `json:"reserved"`
	Released            int64 `json:"released"`
	Available           int64 `json:"available"`
	MilestoneCount      int   `json:"milestone_count"`
	CompletedMilestones int   `json:"completed_milestones"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	PoolID     string `json:"pool_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
