package server

import (
	"encoding/json"

	"payline/internal/domain"
)

// Request payloads

type CreatePlanRequest struct {
	Name        string             `json:"name"`
	Description *string            `json:"description,omitempty"`
	ProductType string             `json:"product_type" enum:"physical,service,virtual,nft,skill,agent_task"`
	Rules       []domain.SplitRule `json:"rules,omitempty"`
	FeeConfig   *domain.FeeConfig  `json:"fee_config,omitempty"`
}

type UpdatePlanRequest struct {
	Name        *string            `json:"name,omitempty"`
	Description *string            `json:"description,omitempty"`
	Rules       []domain.SplitRule `json:"rules,omitempty"`
	FeeConfig   *domain.FeeConfig  `json:"fee_config,omitempty"`
}

type ParticipantRequest struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role" enum:"executor,reviewer,observer"`
}

type CreatePoolRequest struct {
	Name          string               `json:"name"`
	Description   *string              `json:"description,omitempty"`
	Currency      *string              `json:"currency,omitempty"`
	TotalBudget   int64                `json:"total_budget"`
	FundingSource *string              `json:"funding_source,omitempty" enum:"wallet,payment,credit"`
	SplitPlanID   *string              `json:"split_plan_id,omitempty"`
	ExpiresAt     *string              `json:"expires_at,omitempty" format:"date-time"`
	Ref           *domain.PoolRef      `json:"ref,omitempty"`
	Participants  []ParticipantRequest `json:"participants,omitempty"`
}

type FundPoolRequest struct {
	Amount         int64   `json:"amount"`
	IdempotencyKey *string `json:"idempotency_key,omitempty"`
}

type CancelPoolRequest struct {
	Confirm bool `json:"confirm,omitempty"`
}

type CreateMilestoneRequest struct {
	Name         string              `json:"name"`
	Description  *string             `json:"description,omitempty"`
	Amount       int64               `json:"amount"`
	ApprovalType *string             `json:"approval_type,omitempty" enum:"manual,auto,quality_gate"`
	QualityGate  *domain.QualityGate `json:"quality_gate,omitempty"`
	DueDate      *string             `json:"due_date,omitempty" format:"date-time"`
	SortOrder    *int                `json:"sort_order,omitempty"`
}

type CreateMilestoneDirectRequest struct {
	BudgetPoolID string `json:"budget_pool_id"`
	CreateMilestoneRequest
}

type SubmitMilestoneRequest struct {
	Artifacts []domain.Artifact `json:"artifacts,omitempty"`
}

type ApproveMilestoneRequest struct {
	Note  *string `json:"note,omitempty"`
	Score *int    `json:"score,omitempty"`
}

type RejectMilestoneRequest struct {
	Reason string `json:"reason"`
}

type PreviewRequest struct {
	GrossAmount int64   `json:"gross_amount"`
	Currency    *string `json:"currency,omitempty"`
	SplitPlanID *string `json:"split_plan_id,omitempty"`
	UsesOnramp  bool    `json:"uses_onramp,omitempty"`
	UsesOfframp bool    `json:"uses_offramp,omitempty"`
	UsesSplit   bool    `json:"uses_split,omitempty"`
}

type CreateAPIKeyRequest struct {
	ActorID *string `json:"actor_id,omitempty"`
	Name    *string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Response payloads

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	PoolID     string         `json:"pool_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedPlans struct {
	Items      []domain.SplitPlan `json:"items"`
	NextCursor string             `json:"next_cursor,omitempty"`
}

type paginatedPools struct {
	Items      []domain.BudgetPool `json:"items"`
	NextCursor string              `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		PoolID:     e.PoolID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
