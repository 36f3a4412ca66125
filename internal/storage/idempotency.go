package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrIdempotencyPayloadMismatch means the key was first used with a
	// different request body.
	ErrIdempotencyPayloadMismatch = errors.New("idempotency key reused with different payload")
	// ErrIdempotencyInProgress means the first request holding the key has
	// not finished.
	ErrIdempotencyInProgress = errors.New("idempotency key request already in progress")
)

const (
	keyInProgress = "in_progress"
	keyCompleted  = "completed"
)

// IdempotencyScope is the primary key of an idempotency_keys row. Keys are
// private to one caller on one endpoint of one organization.
type IdempotencyScope struct {
	OrgID    uuid.UUID
	ActorID  string
	Endpoint string
	Key      string
}

func (s IdempotencyScope) args(extra ...any) []any {
	return append([]any{s.OrgID, s.ActorID, s.Endpoint, s.Key}, extra...)
}

// IdempotencyLookup is the outcome of BeginIdempotency. Completed is set
// when an earlier response must be replayed instead of doing the work.
type IdempotencyLookup struct {
	Completed    bool
	StatusCode   int
	ResponseData json.RawMessage
}

// BeginIdempotency reserves s for a request whose body hashes to
// requestHash, or reports what an earlier request with the same key left.
// A reservation that was never completed keeps blocking retries until it is
// cleared or expires, since the first attempt may already have called the
// action's webhook.
func (db *DB) BeginIdempotency(ctx context.Context, s IdempotencyScope, requestHash string) (IdempotencyLookup, error) {
	var (
		reserved   bool
		storedHash string
		status     string
		code       *int
		response   []byte
	)
	// The no-op update makes RETURNING yield the existing row on conflict.
	// xmax is zero only for a freshly inserted tuple.
	err := db.pool.QueryRow(ctx,
		`INSERT INTO idempotency_keys (org_id, actor_id, endpoint, idempotency_key, request_hash, status)
		 VALUES ($1, $2, $3, $4, $5, 'in_progress')
		 ON CONFLICT (org_id, actor_id, endpoint, idempotency_key)
		 DO UPDATE SET updated_at = idempotency_keys.updated_at
		 RETURNING xmax = 0, request_hash, status, status_code, response_data`,
		s.args(requestHash)...,
	).Scan(&reserved, &storedHash, &status, &code, &response)
	if err != nil {
		return IdempotencyLookup{}, fmt.Errorf("storage: reserve idempotency key: %w", err)
	}

	switch {
	case reserved:
		return IdempotencyLookup{}, nil
	case storedHash != requestHash:
		return IdempotencyLookup{}, ErrIdempotencyPayloadMismatch
	case status != keyCompleted:
		return IdempotencyLookup{}, ErrIdempotencyInProgress
	}
	out := IdempotencyLookup{Completed: true, ResponseData: response}
	if code != nil {
		out.StatusCode = *code
	}
	return out, nil
}

// CompleteIdempotency records the response for a key reserved by
// BeginIdempotency.
func (db *DB) CompleteIdempotency(ctx context.Context, s IdempotencyScope, statusCode int, responseData any) error {
	body, err := json.Marshal(responseData)
	if err != nil {
		return fmt.Errorf("storage: encode idempotent response: %w", err)
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE idempotency_keys
		 SET status = $5, status_code = $6, response_data = $7::jsonb, updated_at = now()
		 WHERE org_id = $1 AND actor_id = $2 AND endpoint = $3 AND idempotency_key = $4
		   AND status = $8`,
		s.args(keyCompleted, statusCode, body, keyInProgress)...,
	)
	if err != nil {
		return fmt.Errorf("storage: complete idempotency key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: complete idempotency key %q: %w", s.Key, ErrNotFound)
	}
	return nil
}

// ClearInProgressIdempotency drops an unfinished reservation so the caller
// may retry. Completed keys are left alone.
func (db *DB) ClearInProgressIdempotency(ctx context.Context, s IdempotencyScope) error {
	if _, err := db.pool.Exec(ctx,
		`DELETE FROM idempotency_keys
		 WHERE org_id = $1 AND actor_id = $2 AND endpoint = $3 AND idempotency_key = $4
		   AND status = $5`,
		s.args(keyInProgress)...,
	); err != nil {
		return fmt.Errorf("storage: clear idempotency key: %w", err)
	}
	return nil
}

// CleanupIdempotencyKeys expires completed keys idle for completedTTL and
// abandoned reservations idle for inProgressTTL.
func (db *DB) CleanupIdempotencyKeys(ctx context.Context, completedTTL, inProgressTTL time.Duration) (int64, error) {
	now := time.Now()
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM idempotency_keys
		 WHERE (status = $1 AND updated_at < $2)
		    OR (status = $3 AND updated_at < $4)`,
		keyCompleted, now.Add(-completedTTL), keyInProgress, now.Add(-inProgressTTL),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: expire idempotency keys: %w", err)
	}
	return tag.RowsAffected(), nil
}
