package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuditLog is one append-only record of a state-changing request.
// OrgID is nil for staff operations that are not scoped to one org.
type AuditLog struct {
	ID           uuid.UUID      `json:"id"`
	OrgID        *uuid.UUID     `json:"org_id,omitempty"`
	ActorID      string         `json:"actor_id"`
	ActorEmail   string         `json:"actor_email,omitempty"`
	Staff        bool           `json:"staff"`
	Method       string         `json:"method"`
	Endpoint     string         `json:"endpoint"`
	Operation    string         `json:"operation"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	Before       any            `json:"before,omitempty"`
	After        any            `json:"after,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	RequestID    string         `json:"request_id,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// AuditFilter narrows GET /audit-logs. A nil OrgID lists every org (staff only).
type AuditFilter struct {
	OrgID        *uuid.UUID
	ResourceType string
	Since        *time.Time
	Limit        int
	Offset       int
}

// RetentionPolicy controls how long an org's audit logs and action runs are kept.
// A nil day count keeps rows forever.
type RetentionPolicy struct {
	OrgID         uuid.UUID     `json:"org_id"`
	AuditLogDays  *int          `json:"audit_log_days"`
	ActionRunDays *int          `json:"action_run_days"`
	UpdatedAt     *time.Time    `json:"updated_at,omitempty"`
	LastRun       *RetentionRun `json:"last_run,omitempty"`
}

// RetentionRun records one purge pass over an org.
type RetentionRun struct {
	ID          uuid.UUID        `json:"id"`
	OrgID       uuid.UUID        `json:"org_id"`
	Trigger     string           `json:"trigger"`
	Deleted     map[string]int64 `json:"deleted"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

// Retention run triggers.
const (
	RetentionTriggerSchedule = "schedule"
	RetentionTriggerManual   = "manual"
)

// Retention bounds, in days.
const (
	MinRetentionDays = 1
	MaxRetentionDays = 3650
)

// SetRetentionRequest is the request body for PUT /retention.
type SetRetentionRequest struct {
	AuditLogDays  *int `json:"audit_log_days"`
	ActionRunDays *int `json:"action_run_days"`
}

// Validate checks the day counts that are set.
func (r SetRetentionRequest) Validate() error {
	for field, v := range map[string]*int{"audit_log_days": r.AuditLogDays, "action_run_days": r.ActionRunDays} {
		if v != nil && (*v < MinRetentionDays || *v > MaxRetentionDays) {
			return fmt.Errorf("%s must be between %d and %d", field, MinRetentionDays, MaxRetentionDays)
		}
	}
	return nil
}

// Billing record kinds.
const (
	BillingInvoice = "invoice"
	BillingPayment = "payment"
	BillingCredit  = "credit"
)

// Billing record statuses.
const (
	BillingDraft = "draft"
	BillingOpen  = "open"
	BillingPaid  = "paid"
	BillingVoid  = "void"
)

// BillingRecord is a line in an org's billing history, maintained by staff.
type BillingRecord struct {
	ID          uuid.UUID  `json:"id"`
	OrgID       uuid.UUID  `json:"org_id"`
	Kind        string     `json:"kind"`
	Description string     `json:"description"`
	AmountCents int64      `json:"amount_cents"`
	Currency    string     `json:"currency"`
	Status      string     `json:"status"`
	PeriodStart *time.Time `json:"period_start,omitempty"`
	PeriodEnd   *time.Time `json:"period_end,omitempty"`
	ExternalRef *string    `json:"external_ref,omitempty"`
	IssuedAt    time.Time  `json:"issued_at"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// CreateBillingRecordRequest is the request body for POST /billing/records.
type CreateBillingRecordRequest struct {
	OrgID       uuid.UUID  `json:"org_id"`
	Kind        string     `json:"kind"`
	Description string     `json:"description"`
	AmountCents int64      `json:"amount_cents"`
	Currency    string     `json:"currency,omitempty"`
	Status      string     `json:"status,omitempty"`
	PeriodStart *time.Time `json:"period_start,omitempty"`
	PeriodEnd   *time.Time `json:"period_end,omitempty"`
	ExternalRef *string    `json:"external_ref,omitempty"`
	IssuedAt    *time.Time `json:"issued_at,omitempty"`
}

// UpdateBillingRecordRequest is the request body for PATCH /billing/records/{id}.
type UpdateBillingRecordRequest struct {
	Description *string `json:"description,omitempty"`
	Status      *string `json:"status,omitempty"`
	ExternalRef *string `json:"external_ref,omitempty"`
}

func validateBillingStatus(s string) error {
	return oneOf("status", s, BillingDraft, BillingOpen, BillingPaid, BillingVoid)
}

// Validate checks required fields and applies defaults.
func (r *CreateBillingRecordRequest) Validate() error {
	if r.OrgID == uuid.Nil {
		return fmt.Errorf("org_id is required")
	}
	if err := oneOf("kind", r.Kind, BillingInvoice, BillingPayment, BillingCredit); err != nil {
		return err
	}
	if err := requireName("description", r.Description); err != nil {
		return err
	}
	if r.AmountCents < 0 {
		return fmt.Errorf("amount_cents must not be negative")
	}
	if r.Currency == "" {
		r.Currency = "usd"
	}
	if len(r.Currency) != 3 {
		return fmt.Errorf("currency must be a three-letter ISO 4217 code")
	}
	if r.Status == "" {
		r.Status = BillingOpen
	}
	if r.PeriodStart != nil && r.PeriodEnd != nil && r.PeriodEnd.Before(*r.PeriodStart) {
		return fmt.Errorf("period_end must not be before period_start")
	}
	return validateBillingStatus(r.Status)
}

// Validate checks the fields that are present.
func (r UpdateBillingRecordRequest) Validate() error {
	if r.Description != nil {
		if err := requireName("description", *r.Description); err != nil {
			return err
		}
	}
	if r.Status != nil {
		return validateBillingStatus(*r.Status)
	}
	return nil
}

// Apply copies the present fields onto b.
func (r UpdateBillingRecordRequest) Apply(b *BillingRecord) {
	if r.Description != nil {
		b.Description = *r.Description
	}
	if r.Status != nil {
		b.Status = *r.Status
	}
	if r.ExternalRef != nil {
		b.ExternalRef = r.ExternalRef
	}
}

// OverviewCounts are the per-entity totals on the overview page.
type OverviewCounts struct {
	Sites            int `json:"sites"`
	Flows            int `json:"flows"`
	KnowledgeSources int `json:"knowledge_sources"`
	Documents        int `json:"documents"`
	Integrations     int `json:"integrations"`
	Actions          int `json:"actions"`
}

// Overview is the response for GET /portal/overview.
type Overview struct {
	OrgID          uuid.UUID      `json:"org_id"`
	Organization   Organization   `json:"organization"`
	Counts         OverviewCounts `json:"counts"`
	RunsLast30Days map[string]int `json:"runs_last_30_days"`
	LatestBilling  *BillingRecord `json:"latest_billing,omitempty"`
	RecentActivity []AuditLog     `json:"recent_activity"`
}
