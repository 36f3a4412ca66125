package ctxutil_test

import (
	"context"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"

	"github.com/ashita-ai/portal/internal/auth"
	"github.com/ashita-ai/portal/internal/ctxutil"
)

func TestAuditMetaFallsBackToClaims(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, "unknown", ctxutil.AuditMetaFromContext(ctx).ActorID)

	ctx = ctxutil.WithRequestID(ctx, "req-1")
	ctx = ctxutil.WithClaims(ctx, &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user_1"},
		Email:            "ops@example.com",
		Staff:            true,
	})
	m := ctxutil.AuditMetaFromContext(ctx)
	assert.Equal(t, "user_1", m.ActorID)
	assert.Equal(t, "ops@example.com", m.ActorEmail)
	assert.True(t, m.Staff)
	assert.Equal(t, "req-1", m.RequestID)
}

func TestExplicitAuditMetaWins(t *testing.T) {
	ctx := ctxutil.WithClaims(context.Background(), &auth.Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "user_1"}})
	ctx = ctxutil.WithAuditMeta(ctx, ctxutil.AuditMeta{ActorID: "system:retention"})
	assert.Equal(t, "system:retention", ctxutil.AuditMetaFromContext(ctx).ActorID)
}
