// Package actions executes portal actions. An action run is one outbound
// HTTP request whose outcome is recorded as an action_runs row.
package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/portal/internal/model"
	"github.com/ashita-ai/portal/internal/telemetry"
)

// MaxOutputBytes caps how much of the response body is kept on the run.
const MaxOutputBytes = 64 << 10

var (
	// ErrDisabled is returned when running an action that is switched off.
	ErrDisabled = errors.New("actions: action is disabled")
	// ErrNotDispatched wraps every Run error that occurred before the
	// outbound request was sent. Such a run may safely be retried.
	ErrNotDispatched = errors.New("actions: run not dispatched")
)

// RunStore persists action runs.
type RunStore interface {
	StartActionRun(ctx context.Context, r model.ActionRun) (model.ActionRun, error)
	FinishActionRun(ctx context.Context, r model.ActionRun) (model.ActionRun, error)
}

// CredentialSource returns the unsealed credentials of an integration.
type CredentialSource interface {
	IntegrationCredentials(ctx context.Context, integrationID uuid.UUID) (map[string]string, error)
}

// Runner performs action runs.
type Runner struct {
	store  RunStore
	creds  CredentialSource
	client *http.Client
	logger *slog.Logger
	runs   otelmetric.Int64Counter
}

// NewRunner creates a Runner. creds may be nil when no action links an
// integration. Redirects are not followed: the configured URL is the only
// host contacted.
func NewRunner(store RunStore, creds CredentialSource, timeout time.Duration, logger *slog.Logger) *Runner {
	runs, _ := telemetry.Meter("portal/actions").Int64Counter("actions.runs",
		otelmetric.WithDescription("Action runs by final status"))
	return &Runner{
		store: store,
		creds: creds,
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: logger,
		runs:   runs,
	}
}

// Run executes the action once and returns the finished run. The outbound request's
// failure is recorded on the run, not returned; only storage errors and
// ErrDisabled are. Errors from before the webhook call wrap ErrNotDispatched.
func (rn *Runner) Run(ctx context.Context, a model.Action, input map[string]any, triggeredBy string) (model.ActionRun, error) {
	if !a.Enabled {
		return model.ActionRun{}, fmt.Errorf("%w: %w", ErrNotDispatched, ErrDisabled)
	}

	run, err := rn.store.StartActionRun(ctx, model.ActionRun{
		ActionID:    a.ID,
		OrgID:       a.OrgID,
		Input:       input,
		TriggeredBy: triggeredBy,
	})
	if err != nil {
		return model.ActionRun{}, fmt.Errorf("%w: start run: %w", ErrNotDispatched, err)
	}

	status, output, callErr := rn.call(ctx, a, run)
	switch {
	case callErr != nil:
		run.Status = model.RunFailed
		msg := callErr.Error()
		run.Error = &msg
	case status < 200 || status > 299:
		run.Status = model.RunFailed
		msg := fmt.Sprintf("webhook returned status %d", status)
		run.Error = &msg
	default:
		run.Status = model.RunSucceeded
	}
	if status != 0 {
		run.HTTPStatus = &status
	}
	if output != nil {
		run.Output = output
	}

	// The run row must be finished even if the caller went away mid-request.
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	finished, err := rn.store.FinishActionRun(finishCtx, run)
	if err != nil {
		return model.ActionRun{}, err
	}

	if rn.runs != nil {
		rn.runs.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("status", finished.Status)))
	}
	rn.logger.Info("action run finished",
		"action_id", a.ID, "run_id", finished.ID, "status", finished.Status, "http_status", status)
	return finished, nil
}

// call performs the outbound request. It returns the HTTP status (0 on
// transport errors) and the captured response body.
func (rn *Runner) call(ctx context.Context, a model.Action, run model.ActionRun) (int, json.RawMessage, error) {
	payload := make(map[string]any, len(run.Input)+3)
	for k, v := range run.Input {
		payload[k] = v
	}
	payload["action_id"] = a.ID
	payload["org_id"] = a.OrgID
	payload["run_id"] = run.ID

	body, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("marshal payload: %w", err)
	}

	method := a.Config.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, a.Config.URL, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	for k, v := range a.Config.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "portal-actions/1")

	if a.IntegrationID != nil && rn.creds != nil {
		creds, err := rn.creds.IntegrationCredentials(ctx, *a.IntegrationID)
		if err != nil {
			return 0, nil, fmt.Errorf("load integration credentials: %w", err)
		}
		if token := bearerToken(creds); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := rn.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, MaxOutputBytes))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, captureOutput(raw), nil
}

// bearerToken picks the credential sent as the Authorization bearer.
func bearerToken(creds map[string]string) string {
	for _, k := range []string{"token", "api_key", "access_token"} {
		if v := creds[k]; v != "" {
			return v
		}
	}
	return ""
}

// captureOutput stores a JSON response as-is and anything else as a JSON
// string. An empty body yields nil.
func captureOutput(raw []byte) json.RawMessage {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil
	}
	if json.Valid(raw) {
		return json.RawMessage(raw)
	}
	quoted, _ := json.Marshal(string(raw))
	return quoted
}
