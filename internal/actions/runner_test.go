package actions_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/portal/internal/actions"
	"github.com/ashita-ai/portal/internal/model"
	"github.com/ashita-ai/portal/internal/secrets"
)

type memRuns struct {
	mu       sync.Mutex
	started  []model.ActionRun
	finished []model.ActionRun
}

func (m *memRuns) StartActionRun(_ context.Context, r model.ActionRun) (model.ActionRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.ID = uuid.New()
	r.Status = model.RunRunning
	r.StartedAt = time.Now().UTC()
	m.started = append(m.started, r)
	return r, nil
}

func (m *memRuns) FinishActionRun(_ context.Context, r model.ActionRun) (model.ActionRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	r.FinishedAt = &now
	m.finished = append(m.finished, r)
	return r, nil
}

type staticCreds map[string]string

func (s staticCreds) IntegrationCredentials(context.Context, uuid.UUID) (map[string]string, error) {
	return s, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func webhookAction(url string) model.Action {
	return model.Action{
		ID:      uuid.New(),
		OrgID:   uuid.New(),
		Name:    "Send lead",
		Kind:    model.ActionWebhook,
		Config:  model.ActionConfig{URL: url, Method: http.MethodPost, Headers: map[string]string{"X-Source": "portal"}},
		Enabled: true,
	}
}

func TestRun_Success(t *testing.T) {
	var gotBody map[string]any
	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"ok":true}`)
	}))
	defer srv.Close()

	store := &memRuns{}
	runner := actions.NewRunner(store, nil, 5*time.Second, discardLogger())
	a := webhookAction(srv.URL)

	run, err := runner.Run(context.Background(), a, map[string]any{"email": "lead@example.com"}, "user_1")
	require.NoError(t, err)

	assert.Equal(t, model.RunSucceeded, run.Status)
	require.NotNil(t, run.HTTPStatus)
	assert.Equal(t, http.StatusOK, *run.HTTPStatus)
	assert.Nil(t, run.Error)
	assert.JSONEq(t, `{"ok":true}`, string(run.Output.(json.RawMessage)))
	assert.Equal(t, "user_1", run.TriggeredBy)

	assert.Equal(t, "lead@example.com", gotBody["email"])
	assert.Equal(t, a.ID.String(), gotBody["action_id"])
	assert.Equal(t, a.OrgID.String(), gotBody["org_id"])
	assert.Equal(t, run.ID.String(), gotBody["run_id"])
	assert.Equal(t, "portal", gotHeaders.Get("X-Source"))
	assert.Equal(t, "application/json", gotHeaders.Get("Content-Type"))
	assert.Empty(t, gotHeaders.Get("Authorization"))

	require.Len(t, store.started, 1)
	require.Len(t, store.finished, 1)
}

func TestRun_NonSuccessStatusFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = io.WriteString(w, "upstream down")
	}))
	defer srv.Close()

	runner := actions.NewRunner(&memRuns{}, nil, 5*time.Second, discardLogger())
	run, err := runner.Run(context.Background(), webhookAction(srv.URL), nil, "user_1")
	require.NoError(t, err)

	assert.Equal(t, model.RunFailed, run.Status)
	require.NotNil(t, run.HTTPStatus)
	assert.Equal(t, http.StatusBadGateway, *run.HTTPStatus)
	require.NotNil(t, run.Error)
	assert.Contains(t, *run.Error, "502")
	assert.Equal(t, `"upstream down"`, string(run.Output.(json.RawMessage)))
}

func TestRun_TransportErrorFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	runner := actions.NewRunner(&memRuns{}, nil, 2*time.Second, discardLogger())
	run, err := runner.Run(context.Background(), webhookAction(url), nil, "user_1")
	require.NoError(t, err)

	assert.Equal(t, model.RunFailed, run.Status)
	assert.Nil(t, run.HTTPStatus)
	require.NotNil(t, run.Error)
	assert.Contains(t, *run.Error, "send request")
}

func TestRun_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	runner := actions.NewRunner(&memRuns{}, nil, 50*time.Millisecond, discardLogger())
	run, err := runner.Run(context.Background(), webhookAction(srv.URL), nil, "user_1")
	require.NoError(t, err)
	assert.Equal(t, model.RunFailed, run.Status)
}

func TestRun_RedirectNotFollowed(t *testing.T) {
	var followed bool
	target := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { followed = true }))
	defer target.Close()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, target.URL, http.StatusFound)
	}))
	defer srv.Close()

	runner := actions.NewRunner(&memRuns{}, nil, 5*time.Second, discardLogger())
	run, err := runner.Run(context.Background(), webhookAction(srv.URL), nil, "user_1")
	require.NoError(t, err)
	assert.False(t, followed)
	assert.Equal(t, model.RunFailed, run.Status)
	assert.Equal(t, http.StatusFound, *run.HTTPStatus)
}

func TestRun_IntegrationBearer(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	a := webhookAction(srv.URL)
	integrationID := uuid.New()
	a.IntegrationID = &integrationID

	runner := actions.NewRunner(&memRuns{}, staticCreds{"api_key": "sk_live_123"}, 5*time.Second, discardLogger())
	run, err := runner.Run(context.Background(), a, nil, "user_1")
	require.NoError(t, err)
	assert.Equal(t, model.RunSucceeded, run.Status)
	assert.Nil(t, run.Output)
	assert.Equal(t, "Bearer sk_live_123", auth)
}

func TestRun_Disabled(t *testing.T) {
	store := &memRuns{}
	runner := actions.NewRunner(store, nil, time.Second, discardLogger())
	a := webhookAction("https://hooks.example.com/x")
	a.Enabled = false

	_, err := runner.Run(context.Background(), a, nil, "user_1")
	require.ErrorIs(t, err, actions.ErrDisabled)
	require.ErrorIs(t, err, actions.ErrNotDispatched)
	assert.Empty(t, store.started)
}

type brokenRuns struct {
	memRuns
	startErr, finishErr error
}

func (b *brokenRuns) StartActionRun(ctx context.Context, r model.ActionRun) (model.ActionRun, error) {
	if b.startErr != nil {
		return model.ActionRun{}, b.startErr
	}
	return b.memRuns.StartActionRun(ctx, r)
}

func (b *brokenRuns) FinishActionRun(ctx context.Context, r model.ActionRun) (model.ActionRun, error) {
	if b.finishErr != nil {
		return model.ActionRun{}, b.finishErr
	}
	return b.memRuns.FinishActionRun(ctx, r)
}

func TestRun_StoreFailuresReportDispatch(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer srv.Close()
	a := webhookAction(srv.URL)
	dbDown := errors.New("connection refused")

	runner := actions.NewRunner(&brokenRuns{startErr: dbDown}, nil, 5*time.Second, discardLogger())
	_, err := runner.Run(context.Background(), a, nil, "user_1")
	require.ErrorIs(t, err, dbDown)
	require.ErrorIs(t, err, actions.ErrNotDispatched)
	assert.Zero(t, calls)

	runner = actions.NewRunner(&brokenRuns{finishErr: dbDown}, nil, 5*time.Second, discardLogger())
	_, err = runner.Run(context.Background(), a, nil, "user_1")
	require.ErrorIs(t, err, dbDown)
	assert.NotErrorIs(t, err, actions.ErrNotDispatched, "the webhook already fired")
	assert.Equal(t, 1, calls)
}

func TestRun_OutputTruncated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, strings.Repeat("a", actions.MaxOutputBytes+100))
	}))
	defer srv.Close()

	runner := actions.NewRunner(&memRuns{}, nil, 5*time.Second, discardLogger())
	run, err := runner.Run(context.Background(), webhookAction(srv.URL), nil, "user_1")
	require.NoError(t, err)

	var s string
	require.NoError(t, json.Unmarshal(run.Output.(json.RawMessage), &s))
	assert.Len(t, s, actions.MaxOutputBytes)
}

type sealedStore map[uuid.UUID][]byte

func (s sealedStore) GetIntegrationCredentials(_ context.Context, id uuid.UUID) ([]byte, error) {
	sealed, ok := s[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return sealed, nil
}

func TestSealedCredentials(t *testing.T) {
	key, err := secrets.GenerateKey()
	require.NoError(t, err)
	sealer, err := secrets.NewSealer(key)
	require.NoError(t, err)

	id := uuid.New()
	sealed, err := sealer.SealCredentials(map[string]string{"token": "xoxb-1"}, id[:])
	require.NoError(t, err)

	src := actions.SealedCredentials{Store: sealedStore{id: sealed}, Sealer: sealer}
	creds, err := src.IntegrationCredentials(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"token": "xoxb-1"}, creds)

	other := uuid.New()
	src.Store = sealedStore{other: sealed}
	_, err = src.IntegrationCredentials(context.Background(), other)
	require.Error(t, err)
}
