package model

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Site statuses.
const (
	SiteDraft  = "draft"
	SiteLive   = "live"
	SitePaused = "paused"
)

// Site is a client web property the agency deploys widgets and flows onto.
type Site struct {
	ID        uuid.UUID      `json:"id"`
	OrgID     uuid.UUID      `json:"org_id"`
	Name      string         `json:"name"`
	Domain    string         `json:"domain"`
	Status    string         `json:"status"`
	Settings  map[string]any `json:"settings"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// CreateSiteRequest is the request body for POST /sites.
type CreateSiteRequest struct {
	OrgID    uuid.UUID      `json:"org_id"`
	Name     string         `json:"name"`
	Domain   string         `json:"domain"`
	Status   string         `json:"status,omitempty"`
	Settings map[string]any `json:"settings,omitempty"`
}

// UpdateSiteRequest is the request body for PATCH /sites/{id}.
type UpdateSiteRequest struct {
	Name     *string        `json:"name,omitempty"`
	Domain   *string        `json:"domain,omitempty"`
	Status   *string        `json:"status,omitempty"`
	Settings map[string]any `json:"settings,omitempty"`
}

var domainPattern = regexp.MustCompile(`^(?:[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?\.)+[a-z]{2,63}$`)

// NormalizeDomain lowercases d and validates it as a bare hostname.
func NormalizeDomain(d string) (string, error) {
	d = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(d)), ".")
	if len(d) > 253 || !domainPattern.MatchString(d) {
		return "", fmt.Errorf("domain must be a hostname such as www.example.com")
	}
	return d, nil
}

func validateSiteStatus(s string) error {
	return oneOf("status", s, SiteDraft, SiteLive, SitePaused)
}

// Validate checks required fields, normalizes the domain and applies defaults.
func (r *CreateSiteRequest) Validate() error {
	if err := requireName("name", r.Name); err != nil {
		return err
	}
	d, err := NormalizeDomain(r.Domain)
	if err != nil {
		return err
	}
	r.Domain = d
	if r.Status == "" {
		r.Status = SiteDraft
	}
	if r.Settings == nil {
		r.Settings = map[string]any{}
	}
	return validateSiteStatus(r.Status)
}

// Validate checks the fields that are present and normalizes the domain.
func (r *UpdateSiteRequest) Validate() error {
	if r.Name != nil {
		if err := requireName("name", *r.Name); err != nil {
			return err
		}
	}
	if r.Domain != nil {
		d, err := NormalizeDomain(*r.Domain)
		if err != nil {
			return err
		}
		r.Domain = &d
	}
	if r.Status != nil {
		return validateSiteStatus(*r.Status)
	}
	return nil
}

// Apply copies the present fields onto s.
func (r UpdateSiteRequest) Apply(s *Site) {
	if r.Name != nil {
		s.Name = *r.Name
	}
	if r.Domain != nil {
		s.Domain = *r.Domain
	}
	if r.Status != nil {
		s.Status = *r.Status
	}
	if r.Settings != nil {
		s.Settings = r.Settings
	}
}
