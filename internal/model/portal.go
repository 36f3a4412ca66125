package model

import (
	"fmt"
	"net/mail"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// Portal modules a client organization can have enabled.
const (
	ModuleOverview     = "overview"
	ModuleSites        = "sites"
	ModuleFlows        = "flows"
	ModuleKnowledge    = "knowledge"
	ModuleIntegrations = "integrations"
	ModuleActions      = "actions"
	ModuleBilling      = "billing"
	ModuleAudit        = "audit"
)

// ModuleCatalog lists every known module in display order.
var ModuleCatalog = []string{
	ModuleOverview,
	ModuleSites,
	ModuleFlows,
	ModuleKnowledge,
	ModuleIntegrations,
	ModuleActions,
	ModuleBilling,
	ModuleAudit,
}

// Branding is the white-label presentation of the portal for one org.
type Branding struct {
	CompanyName  string `json:"company_name"`
	LogoURL      string `json:"logo_url"`
	PrimaryColor string `json:"primary_color"`
	AccentColor  string `json:"accent_color"`
	SupportEmail string `json:"support_email"`
}

// PortalConfig is the response for GET/PATCH /portal/config.
type PortalConfig struct {
	OrgID     uuid.UUID  `json:"org_id"`
	Branding  Branding   `json:"branding"`
	Modules   []string   `json:"modules"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
	UpdatedBy string     `json:"updated_by,omitempty"`
}

// BrandingPatch carries the branding fields present in a PATCH body.
// An empty string clears the field.
type BrandingPatch struct {
	CompanyName  *string `json:"company_name,omitempty"`
	LogoURL      *string `json:"logo_url,omitempty"`
	PrimaryColor *string `json:"primary_color,omitempty"`
	AccentColor  *string `json:"accent_color,omitempty"`
	SupportEmail *string `json:"support_email,omitempty"`
}

// UpdatePortalConfigRequest is the request body for PATCH /portal/config.
type UpdatePortalConfigRequest struct {
	Branding *BrandingPatch `json:"branding,omitempty"`
	Modules  *[]string      `json:"modules,omitempty"`
}

var hexColorPattern = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

// DefaultPortalConfig is what an org sees before anyone has saved a config.
func DefaultPortalConfig(org Organization) PortalConfig {
	return PortalConfig{
		OrgID:    org.ID,
		Branding: Branding{CompanyName: org.Name},
		Modules:  append([]string(nil), ModuleCatalog...),
	}
}

// Validate checks every field that is present in the patch.
func (r UpdatePortalConfigRequest) Validate() error {
	if r.Branding == nil && r.Modules == nil {
		return fmt.Errorf("branding or modules is required")
	}
	if b := r.Branding; b != nil {
		if b.CompanyName != nil && len(*b.CompanyName) > MaxNameLen {
			return fmt.Errorf("branding.company_name exceeds maximum length of %d characters", MaxNameLen)
		}
		if b.LogoURL != nil && *b.LogoURL != "" {
			if err := ValidatePublicURL("branding.logo_url", *b.LogoURL); err != nil {
				return err
			}
		}
		for field, c := range map[string]*string{
			"branding.primary_color": b.PrimaryColor,
			"branding.accent_color":  b.AccentColor,
		} {
			if c != nil && *c != "" && !hexColorPattern.MatchString(*c) {
				return fmt.Errorf("%s must be a #RRGGBB hex color", field)
			}
		}
		if b.SupportEmail != nil && *b.SupportEmail != "" {
			if _, err := mail.ParseAddress(*b.SupportEmail); err != nil {
				return fmt.Errorf("branding.support_email is not a valid email address")
			}
		}
	}
	if r.Modules != nil {
		if _, err := NormalizeModules(*r.Modules); err != nil {
			return err
		}
	}
	return nil
}

// ApplyTo merges the patch into cfg. Branding fields absent from the patch
// keep their stored value; a present modules list replaces the stored set.
func (r UpdatePortalConfigRequest) ApplyTo(cfg *PortalConfig) error {
	if b := r.Branding; b != nil {
		set := func(dst *string, src *string) {
			if src != nil {
				*dst = *src
			}
		}
		set(&cfg.Branding.CompanyName, b.CompanyName)
		set(&cfg.Branding.LogoURL, b.LogoURL)
		set(&cfg.Branding.PrimaryColor, b.PrimaryColor)
		set(&cfg.Branding.AccentColor, b.AccentColor)
		set(&cfg.Branding.SupportEmail, b.SupportEmail)
	}
	if r.Modules != nil {
		mods, err := NormalizeModules(*r.Modules)
		if err != nil {
			return err
		}
		cfg.Modules = mods
	}
	return nil
}

// NormalizeModules rejects unknown module names and drops duplicates,
// keeping the first occurrence of each.
func NormalizeModules(mods []string) ([]string, error) {
	known := make(map[string]bool, len(ModuleCatalog))
	for _, m := range ModuleCatalog {
		known[m] = true
	}
	seen := make(map[string]bool, len(mods))
	out := make([]string, 0, len(mods))
	for _, m := range mods {
		if !known[m] {
			return nil, fmt.Errorf("unknown module %q", m)
		}
		if seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	return out, nil
}
