package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Integration kinds.
const (
	IntegrationWebhook  = "webhook"
	IntegrationSlack    = "slack"
	IntegrationHubSpot  = "hubspot"
	IntegrationCalendly = "calendly"
	IntegrationStripe   = "stripe"
	IntegrationCustom   = "custom"
)

// Integration is a connection to a third-party service. Credentials are
// write-only: they are sealed at rest and never returned.
type Integration struct {
	ID             uuid.UUID      `json:"id"`
	OrgID          uuid.UUID      `json:"org_id"`
	Kind           string         `json:"kind"`
	Name           string         `json:"name"`
	Config         map[string]any `json:"config"`
	Enabled        bool           `json:"enabled"`
	HasCredentials bool           `json:"has_credentials"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// CreateIntegrationRequest is the request body for POST /integrations.
type CreateIntegrationRequest struct {
	OrgID       uuid.UUID         `json:"org_id"`
	Kind        string            `json:"kind"`
	Name        string            `json:"name"`
	Config      map[string]any    `json:"config,omitempty"`
	Credentials map[string]string `json:"credentials,omitempty"`
	Enabled     *bool             `json:"enabled,omitempty"`
}

// UpdateIntegrationRequest is the request body for PATCH /integrations/{id}.
// A present, empty Credentials map clears the stored credentials.
type UpdateIntegrationRequest struct {
	Name        *string            `json:"name,omitempty"`
	Config      map[string]any     `json:"config,omitempty"`
	Credentials *map[string]string `json:"credentials,omitempty"`
	Enabled     *bool              `json:"enabled,omitempty"`
}

// Validate checks required fields and applies defaults.
func (r *CreateIntegrationRequest) Validate() error {
	if err := requireName("name", r.Name); err != nil {
		return err
	}
	if err := oneOf("kind", r.Kind,
		IntegrationWebhook, IntegrationSlack, IntegrationHubSpot,
		IntegrationCalendly, IntegrationStripe, IntegrationCustom,
	); err != nil {
		return err
	}
	if r.Config == nil {
		r.Config = map[string]any{}
	}
	if r.Kind == IntegrationWebhook {
		u, _ := r.Config["url"].(string)
		if u == "" {
			return fmt.Errorf("config.url is required for webhook integrations")
		}
		if err := ValidatePublicURL("config.url", u); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks the fields that are present.
func (r UpdateIntegrationRequest) Validate() error {
	if r.Name != nil {
		if err := requireName("name", *r.Name); err != nil {
			return err
		}
	}
	if u, ok := r.Config["url"].(string); ok && u != "" {
		return ValidatePublicURL("config.url", u)
	}
	return nil
}

// Apply copies the present non-secret fields onto in.
func (r UpdateIntegrationRequest) Apply(in *Integration) {
	if r.Name != nil {
		in.Name = *r.Name
	}
	if r.Config != nil {
		in.Config = r.Config
	}
	if r.Enabled != nil {
		in.Enabled = *r.Enabled
	}
}
