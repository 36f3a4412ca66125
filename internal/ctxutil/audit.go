package ctxutil

import "context"

// AuditMeta identifies who performed a mutation and through which endpoint.
// Background jobs set a system actor; HTTP requests derive it from claims.
type AuditMeta struct {
	RequestID  string
	ActorID    string
	ActorEmail string
	Staff      bool
	HTTPMethod string
	Endpoint   string
}

const keyAuditMeta contextKey = "audit_meta"

// WithAuditMeta returns a new context carrying m.
func WithAuditMeta(ctx context.Context, m AuditMeta) context.Context {
	return context.WithValue(ctx, keyAuditMeta, m)
}

// AuditMetaFromContext returns the audit metadata for ctx. Without explicit
// metadata it falls back to the request's claims and ID.
func AuditMetaFromContext(ctx context.Context) AuditMeta {
	if v, ok := ctx.Value(keyAuditMeta).(AuditMeta); ok {
		return v
	}
	m := AuditMeta{ActorID: "unknown", RequestID: RequestIDFromContext(ctx)}
	if c := ClaimsFromContext(ctx); c != nil {
		m.ActorID = c.Subject
		m.ActorEmail = c.Email
		m.Staff = c.IsStaff()
	}
	return m
}
