package portal

import (
	"time"

	"github.com/google/uuid"
)

// Claims is the verified identity behind a request, as returned by a
// custom TokenVerifier.
type Claims struct {
	Subject   string // user id; matched against org_members.user_id
	OrgID     string // external (Clerk) org id; matched against organizations.external_id
	OrgRole   string
	Email     string
	Staff     bool // may act on any org and list across orgs
	ExpiresAt time.Time
}

// SearchResult is one hit from a custom Searcher.
type SearchResult struct {
	ChunkID uuid.UUID
	Score   float32 // cosine similarity, higher is closer
}
