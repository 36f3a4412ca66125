package auth

import (
	"context"

	"github.com/google/uuid"
)

// fakeAccess mirrors the auth_test fake for internal-package tests.
type fakeAccess struct {
	orgs    map[uuid.UUID]bool
	members map[uuid.UUID]string // org -> user id
	ext     map[uuid.UUID]string // org -> external org id
	err     error
}

func (f fakeAccess) OrgAccess(_ context.Context, orgID uuid.UUID, userID, externalOrgID string) (bool, bool, error) {
	if f.err != nil {
		return false, false, f.err
	}
	if !f.orgs[orgID] {
		return false, false, nil
	}
	member := f.members[orgID] == userID || (externalOrgID != "" && f.ext[orgID] == externalOrgID)
	return true, member, nil
}
