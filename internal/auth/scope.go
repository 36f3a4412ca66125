package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Sentinel errors returned while resolving an org scope.
var (
	ErrOrgRequired  = errors.New("orgId is required")
	ErrInvalidOrgID = errors.New("orgId must be a UUID")
	ErrForbidden    = errors.New("not a member of this organization")
	ErrStaffOnly    = errors.New("staff access required")
	ErrOrgNotFound  = errors.New("organization not found")
)

// OrgAccessChecker reports whether an org exists and whether a user belongs
// to it, either through an explicit membership or the token's external org id.
type OrgAccessChecker interface {
	OrgAccess(ctx context.Context, orgID uuid.UUID, userID, externalOrgID string) (exists, member bool, err error)
}

// Scope is the set of organizations a request operates on.
type Scope struct {
	OrgID   uuid.UUID
	AllOrgs bool // staff list view across every org; OrgID is uuid.Nil
}

// OrgFilter returns nil for a cross-org scope and the org id otherwise.
func (s Scope) OrgFilter() *uuid.UUID {
	if s.AllOrgs {
		return nil
	}
	id := s.OrgID
	return &id
}

// Resolver turns the requested orgId and the caller's claims into a Scope.
type Resolver struct {
	store OrgAccessChecker
}

// NewResolver creates a Resolver backed by store.
func NewResolver(store OrgAccessChecker) *Resolver {
	return &Resolver{store: store}
}

// Resolve validates requested against the caller. An empty requested id is
// a 400 unless the caller is staff and the endpoint allows a cross-org view.
func (r *Resolver) Resolve(ctx context.Context, claims *Claims, requested string, allowAllOrgs bool) (Scope, error) {
	if requested == "" {
		if claims.IsStaff() && allowAllOrgs {
			return Scope{AllOrgs: true}, nil
		}
		return Scope{}, ErrOrgRequired
	}
	orgID, err := uuid.Parse(requested)
	if err != nil {
		return Scope{}, ErrInvalidOrgID
	}
	if err := r.Authorize(ctx, claims, orgID); err != nil {
		return Scope{}, err
	}
	return Scope{OrgID: orgID}, nil
}

// Authorize checks that the caller may act on orgID. Staff may act on any
// org that exists. Other callers get ErrForbidden for orgs they do not
// belong to, whether or not the org exists.
func (r *Resolver) Authorize(ctx context.Context, claims *Claims, orgID uuid.UUID) error {
	if claims == nil {
		return ErrForbidden
	}
	exists, member, err := r.store.OrgAccess(ctx, orgID, claims.Subject, claims.OrgID)
	if err != nil {
		return fmt.Errorf("auth: check org access: %w", err)
	}
	if claims.IsStaff() {
		if !exists {
			return ErrOrgNotFound
		}
		return nil
	}
	if !exists || !member {
		return ErrForbidden
	}
	return nil
}
