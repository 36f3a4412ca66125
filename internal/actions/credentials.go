package actions

import (
	"context"

	"github.com/google/uuid"

	"github.com/ashita-ai/portal/internal/secrets"
)

// SealedCredentialStore loads sealed integration credentials.
type SealedCredentialStore interface {
	GetIntegrationCredentials(ctx context.Context, id uuid.UUID) ([]byte, error)
}

// SealedCredentials is a CredentialSource that opens credentials sealed
// with the integration ID as associated data.
type SealedCredentials struct {
	Store  SealedCredentialStore
	Sealer *secrets.Sealer
}

// IntegrationCredentials implements CredentialSource.
func (s SealedCredentials) IntegrationCredentials(ctx context.Context, integrationID uuid.UUID) (map[string]string, error) {
	sealed, err := s.Store.GetIntegrationCredentials(ctx, integrationID)
	if err != nil {
		return nil, err
	}
	return s.Sealer.OpenCredentials(sealed, integrationID[:])
}
