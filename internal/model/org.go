package model

import (
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// Organization plans.
const (
	PlanStarter    = "starter"
	PlanGrowth     = "growth"
	PlanEnterprise = "enterprise"
)

// Member roles within an organization.
const (
	MemberRoleOwner  = "owner"
	MemberRoleMember = "member"
)

// Organization is a tenant. ExternalID holds the identity provider's org id
// (Clerk "org_..."), which session tokens carry in their org_id claim.
type Organization struct {
	ID         uuid.UUID `json:"id"`
	Name       string    `json:"name"`
	Slug       string    `json:"slug"`
	ExternalID *string   `json:"external_id,omitempty"`
	Plan       string    `json:"plan"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// OrgMember links an identity provider user to an organization.
type OrgMember struct {
	OrgID     uuid.UUID `json:"org_id"`
	UserID    string    `json:"user_id"`
	Email     string    `json:"email,omitempty"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// Membership is an organization as seen by one of its members.
type Membership struct {
	Organization
	Role string `json:"role"`
}

// Me is the response for GET /portal/me.
type Me struct {
	UserID      string       `json:"user_id"`
	Email       string       `json:"email,omitempty"`
	Staff       bool         `json:"staff"`
	TokenOrgID  string       `json:"token_org_id,omitempty"`
	Memberships []Membership `json:"memberships"`
}

// CreateOrgRequest is the request body for POST /portal/orgs.
type CreateOrgRequest struct {
	Name       string  `json:"name"`
	Slug       string  `json:"slug"`
	Plan       string  `json:"plan,omitempty"`
	ExternalID *string `json:"external_id,omitempty"`
}

// UpdateOrgRequest is the request body for PATCH /portal/orgs/{orgId}.
type UpdateOrgRequest struct {
	Name       *string `json:"name,omitempty"`
	Slug       *string `json:"slug,omitempty"`
	Plan       *string `json:"plan,omitempty"`
	ExternalID *string `json:"external_id,omitempty"`
}

// AddMemberRequest is the request body for POST /portal/orgs/{orgId}/members.
type AddMemberRequest struct {
	UserID string `json:"user_id"`
	Email  string `json:"email,omitempty"`
	Role   string `json:"role,omitempty"`
}

var slugPattern = regexp.MustCompile(`^[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?$`)

// ValidateSlug checks that s is a lowercase DNS-label style slug.
func ValidateSlug(s string) error {
	if !slugPattern.MatchString(s) {
		return fmt.Errorf("slug must be 1-63 lowercase letters, digits or hyphens, not starting or ending with a hyphen")
	}
	return nil
}

func validatePlan(p string) error {
	return oneOf("plan", p, PlanStarter, PlanGrowth, PlanEnterprise)
}

// Validate checks required fields and applies defaults.
func (r *CreateOrgRequest) Validate() error {
	if err := requireName("name", r.Name); err != nil {
		return err
	}
	if err := ValidateSlug(r.Slug); err != nil {
		return err
	}
	if r.Plan == "" {
		r.Plan = PlanStarter
	}
	return validatePlan(r.Plan)
}

// Validate checks the fields that are present.
func (r UpdateOrgRequest) Validate() error {
	if r.Name != nil {
		if err := requireName("name", *r.Name); err != nil {
			return err
		}
	}
	if r.Slug != nil {
		if err := ValidateSlug(*r.Slug); err != nil {
			return err
		}
	}
	if r.Plan != nil {
		return validatePlan(*r.Plan)
	}
	return nil
}

// Apply copies the present fields onto org.
func (r UpdateOrgRequest) Apply(org *Organization) {
	if r.Name != nil {
		org.Name = *r.Name
	}
	if r.Slug != nil {
		org.Slug = *r.Slug
	}
	if r.Plan != nil {
		org.Plan = *r.Plan
	}
	if r.ExternalID != nil {
		if *r.ExternalID == "" {
			org.ExternalID = nil
		} else {
			org.ExternalID = r.ExternalID
		}
	}
}

// Validate checks required fields and applies defaults.
func (r *AddMemberRequest) Validate() error {
	if err := requireName("user_id", r.UserID); err != nil {
		return err
	}
	if r.Role == "" {
		r.Role = MemberRoleMember
	}
	return oneOf("role", r.Role, MemberRoleOwner, MemberRoleMember)
}
