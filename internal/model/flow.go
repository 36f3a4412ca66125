package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Flow triggers.
const (
	TriggerManual   = "manual"
	TriggerChat     = "chat"
	TriggerForm     = "form"
	TriggerSchedule = "schedule"
	TriggerWebhook  = "webhook"
)

// Flow step kinds.
const (
	StepMessage   = "message"
	StepQuestion  = "question"
	StepCondition = "condition"
	StepAction    = "action"
	StepHandoff   = "handoff"
	StepDelay     = "delay"
)

// MaxFlowSteps bounds the size of a single flow definition.
const MaxFlowSteps = 200

// Flow is a named automation sequence configured per organization.
type Flow struct {
	ID          uuid.UUID  `json:"id"`
	OrgID       uuid.UUID  `json:"org_id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Trigger     string     `json:"trigger"`
	Enabled     bool       `json:"enabled"`
	Steps       []FlowStep `json:"steps,omitempty"`
	Rules       []FlowRule `json:"rules,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// FlowStep is one ordered step of a flow. Positions are dense from 0.
type FlowStep struct {
	ID       uuid.UUID      `json:"id"`
	FlowID   uuid.UUID      `json:"flow_id"`
	Position int            `json:"position"`
	Kind     string         `json:"kind"`
	Config   map[string]any `json:"config"`
}

// FlowRule routes a flow when its condition matches. Lower priority runs first.
type FlowRule struct {
	ID        uuid.UUID `json:"id"`
	FlowID    uuid.UUID `json:"flow_id"`
	Name      string    `json:"name"`
	Condition string    `json:"condition"`
	Action    string    `json:"action"`
	Priority  int       `json:"priority"`
	CreatedAt time.Time `json:"created_at"`
}

// FlowStepInput is a step in a create or replace request.
type FlowStepInput struct {
	Kind   string         `json:"kind"`
	Config map[string]any `json:"config,omitempty"`
}

// CreateFlowRequest is the request body for POST /flows.
type CreateFlowRequest struct {
	OrgID       uuid.UUID       `json:"org_id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Trigger     string          `json:"trigger,omitempty"`
	Enabled     *bool           `json:"enabled,omitempty"`
	Steps       []FlowStepInput `json:"steps,omitempty"`
}

// UpdateFlowRequest is the request body for PATCH /flows/{id}.
type UpdateFlowRequest struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	Trigger     *string `json:"trigger,omitempty"`
	Enabled     *bool   `json:"enabled,omitempty"`
}

// ReplaceStepsRequest is the request body for PUT /flows/{id}/steps.
type ReplaceStepsRequest struct {
	Steps []FlowStepInput `json:"steps"`
}

// CreateRuleRequest is the request body for POST /flows/{id}/rules.
type CreateRuleRequest struct {
	Name      string `json:"name"`
	Condition string `json:"condition"`
	Action    string `json:"action"`
	Priority  int    `json:"priority"`
}

func validateTrigger(t string) error {
	return oneOf("trigger", t, TriggerManual, TriggerChat, TriggerForm, TriggerSchedule, TriggerWebhook)
}

// ValidateSteps checks the step list of a create or replace request.
func ValidateSteps(steps []FlowStepInput) error {
	if len(steps) > MaxFlowSteps {
		return fmt.Errorf("a flow may have at most %d steps", MaxFlowSteps)
	}
	for i, s := range steps {
		if err := oneOf("kind", s.Kind, StepMessage, StepQuestion, StepCondition, StepAction, StepHandoff, StepDelay); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}
	return nil
}

// Validate checks required fields and applies defaults.
func (r *CreateFlowRequest) Validate() error {
	if err := requireName("name", r.Name); err != nil {
		return err
	}
	if len(r.Description) > MaxDescriptionLen {
		return fmt.Errorf("description exceeds maximum length of %d bytes", MaxDescriptionLen)
	}
	if r.Trigger == "" {
		r.Trigger = TriggerManual
	}
	if err := validateTrigger(r.Trigger); err != nil {
		return err
	}
	return ValidateSteps(r.Steps)
}

// Validate checks the fields that are present.
func (r UpdateFlowRequest) Validate() error {
	if r.Name != nil {
		if err := requireName("name", *r.Name); err != nil {
			return err
		}
	}
	if r.Description != nil && len(*r.Description) > MaxDescriptionLen {
		return fmt.Errorf("description exceeds maximum length of %d bytes", MaxDescriptionLen)
	}
	if r.Trigger != nil {
		return validateTrigger(*r.Trigger)
	}
	return nil
}

// Apply copies the present fields onto f.
func (r UpdateFlowRequest) Apply(f *Flow) {
	if r.Name != nil {
		f.Name = *r.Name
	}
	if r.Description != nil {
		f.Description = *r.Description
	}
	if r.Trigger != nil {
		f.Trigger = *r.Trigger
	}
	if r.Enabled != nil {
		f.Enabled = *r.Enabled
	}
}

// Validate checks required rule fields.
func (r CreateRuleRequest) Validate() error {
	if err := requireName("name", r.Name); err != nil {
		return err
	}
	if r.Condition == "" || r.Action == "" {
		return fmt.Errorf("condition and action are required")
	}
	if len(r.Condition) > MaxDescriptionLen || len(r.Action) > MaxDescriptionLen {
		return fmt.Errorf("condition and action must be at most %d bytes", MaxDescriptionLen)
	}
	return nil
}
