package model

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Action kinds.
const ActionWebhook = "webhook"

// Action run statuses.
const (
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
)

// Action is an operation a client can trigger from the portal, such as
// posting a lead to their CRM.
type Action struct {
	ID            uuid.UUID    `json:"id"`
	OrgID         uuid.UUID    `json:"org_id"`
	IntegrationID *uuid.UUID   `json:"integration_id,omitempty"`
	Name          string       `json:"name"`
	Kind          string       `json:"kind"`
	Config        ActionConfig `json:"config"`
	Enabled       bool         `json:"enabled"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// ActionConfig describes the outbound request of a webhook action.
type ActionConfig struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// ActionRun records one execution of an action.
type ActionRun struct {
	ID          uuid.UUID      `json:"id"`
	ActionID    uuid.UUID      `json:"action_id"`
	OrgID       uuid.UUID      `json:"org_id"`
	Status      string         `json:"status"`
	Input       map[string]any `json:"input"`
	Output      any            `json:"output,omitempty"`
	Error       *string        `json:"error,omitempty"`
	HTTPStatus  *int           `json:"http_status,omitempty"`
	TriggeredBy string         `json:"triggered_by"`
	StartedAt   time.Time      `json:"started_at"`
	FinishedAt  *time.Time     `json:"finished_at,omitempty"`
}

// RedactedHeaderValue stands in for action header values in API responses.
const RedactedHeaderValue = "[redacted]"

// Redacted returns a copy of a that is safe to show clients and the audit
// log. Header names survive; their values do not.
func (a Action) Redacted() Action {
	if len(a.Config.Headers) == 0 {
		return a
	}
	headers := make(map[string]string, len(a.Config.Headers))
	for k := range a.Config.Headers {
		headers[k] = RedactedHeaderValue
	}
	a.Config.Headers = headers
	return a
}

// CreateActionRequest is the request body for POST /actions.
type CreateActionRequest struct {
	OrgID         uuid.UUID    `json:"org_id"`
	IntegrationID *uuid.UUID   `json:"integration_id,omitempty"`
	Name          string       `json:"name"`
	Kind          string       `json:"kind,omitempty"`
	Config        ActionConfig `json:"config"`
	Enabled       *bool        `json:"enabled,omitempty"`
}

// RunActionRequest is the request body for POST /actions/{id}/run. The body is optional.
type RunActionRequest struct {
	Input map[string]any `json:"input,omitempty"`
}

// headers the caller may not set on outbound action requests. Credentials
// belong on the linked integration, which never returns them.
var reservedHeaders = map[string]bool{
	"authorization":       true,
	"proxy-authorization": true,
	"cookie":              true,
	"x-api-key":           true,
	"content-type":        true,
	"content-length":      true,
	"host":                true,
}

// Validate checks required fields and applies defaults.
func (r *CreateActionRequest) Validate() error {
	if err := requireName("name", r.Name); err != nil {
		return err
	}
	if r.Kind == "" {
		r.Kind = ActionWebhook
	}
	if err := oneOf("kind", r.Kind, ActionWebhook); err != nil {
		return err
	}
	if err := ValidatePublicURL("config.url", r.Config.URL); err != nil {
		return err
	}
	r.Config.Method = strings.ToUpper(r.Config.Method)
	if r.Config.Method == "" {
		r.Config.Method = http.MethodPost
	}
	if err := oneOf("config.method", r.Config.Method, http.MethodPost, http.MethodPut, http.MethodPatch); err != nil {
		return err
	}
	for k := range r.Config.Headers {
		if reservedHeaders[strings.ToLower(k)] {
			return fmt.Errorf("config.headers may not set %s", k)
		}
	}
	return nil
}
