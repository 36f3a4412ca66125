package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/portal/internal/actions"
	"github.com/ashita-ai/portal/internal/auth"
	"github.com/ashita-ai/portal/internal/model"
	"github.com/ashita-ai/portal/internal/retention"
	"github.com/ashita-ai/portal/internal/search"
	"github.com/ashita-ai/portal/internal/secrets"
	"github.com/ashita-ai/portal/internal/server"
	"github.com/ashita-ai/portal/internal/storage"
	"github.com/ashita-ai/portal/internal/testutil"
)

var (
	testDB   *storage.DB
	testSrv  *httptest.Server
	testJWKS *testutil.JWKS
	testCfg  server.ServerConfig
)

func TestMain(m *testing.M) {
	if !testutil.DockerAvailable() {
		fmt.Fprintln(os.Stderr, "docker unavailable: skipping server integration tests")
		os.Exit(m.Run())
	}

	tc := testutil.MustStartPostgres()
	logger := testutil.TestLogger()
	ctx := context.Background()

	db, err := tc.NewTestDB(ctx, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		tc.Terminate()
		os.Exit(1)
	}
	testDB = db

	testJWKS, err = testutil.NewJWKS()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	verifier, err := auth.NewVerifier(auth.VerifierConfig{JWKSURL: testJWKS.URL(), StaffRoles: []string{"staff"}})
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	key, _ := secrets.GenerateKey()
	sealer, _ := secrets.NewSealer(key)

	testCfg = server.ServerConfig{
		DB:                  db,
		Sealer:              sealer,
		Runner:              actions.NewRunner(db, actions.SealedCredentials{Store: db, Sealer: sealer}, 5*time.Second, logger),
		Purger:              retention.New(db, logger),
		Logger:              logger,
		Verifier:            verifier,
		Version:             "test",
		MaxRequestBodyBytes: 1 << 20,
		EmbeddingDimensions: 3,
	}
	testSrv = httptest.NewServer(server.New(testCfg).Handler())

	code := m.Run()

	testSrv.Close()
	testJWKS.Close()
	db.Close()
	tc.Terminate()
	os.Exit(code)
}

func requireServer(t *testing.T) {
	t.Helper()
	if testSrv == nil {
		t.Skip("requires docker")
	}
}

type client struct {
	t     *testing.T
	token string
	base  string // defaults to testSrv.URL
}

func (c client) do(method, path string, body any, headers ...string) (*http.Response, []byte) {
	c.t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(c.t, err)
		r = bytes.NewReader(b)
	}
	base := c.base
	if base == "" {
		base = testSrv.URL
	}
	req, err := http.NewRequest(method, base+path, r)
	require.NoError(c.t, err)
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(c.t, err)
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	require.NoError(c.t, err)
	return resp, data
}

func (c client) json(method, path string, body any, wantStatus int, out any) {
	c.t.Helper()
	resp, data := c.do(method, path, body)
	require.Equal(c.t, wantStatus, resp.StatusCode, "%s %s: %s", method, path, data)
	if out != nil {
		require.NoError(c.t, json.Unmarshal(data, out))
	}
}

func staffClient(t *testing.T) client {
	return client{t: t, token: testJWKS.StaffToken("user_staff_" + uuid.NewString()[:8])}
}

func memberClient(t *testing.T, sub string) client {
	return client{t: t, token: testJWKS.Token(sub)}
}

// newOrgWithMember creates an org as staff and adds sub as a member.
func newOrgWithMember(t *testing.T, sub string) model.Organization {
	t.Helper()
	staff := staffClient(t)
	slug := "org-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:10]

	var org model.Organization
	staff.json(http.MethodPost, "/portal/orgs", model.CreateOrgRequest{Name: "Acme " + slug, Slug: slug}, http.StatusCreated, &org)
	staff.json(http.MethodPost, "/portal/orgs/"+org.ID.String()+"/members",
		model.AddMemberRequest{UserID: sub, Email: sub + "@example.com"}, http.StatusCreated, nil)
	return org
}

func TestHealth(t *testing.T) {
	requireServer(t)
	resp, err := http.Get(testSrv.URL + "/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var h model.HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&h))
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, "connected", h.Postgres)
	assert.Equal(t, "test", h.Version)
	assert.Equal(t, "pgvector", h.SearchIndex)
	assert.Equal(t, "client", h.Embeddings)
}

func TestPortalConfigRoundTrip(t *testing.T) {
	requireServer(t)
	sub := "user_" + uuid.NewString()[:8]
	org := newOrgWithMember(t, sub)
	member := memberClient(t, sub)
	path := "/portal/config?orgId=" + org.ID.String()

	var defaults model.PortalConfig
	member.json(http.MethodGet, path, nil, http.StatusOK, &defaults)
	assert.Equal(t, org.Name, defaults.Branding.CompanyName)
	assert.Equal(t, model.ModuleCatalog, defaults.Modules)

	company, logo, primary := "Acme Support", "https://cdn.example.com/logo.png", "#112233"
	modules := []string{model.ModuleKnowledge, model.ModuleSites, model.ModuleKnowledge}
	var patched model.PortalConfig
	member.json(http.MethodPatch, path, model.UpdatePortalConfigRequest{
		Branding: &model.BrandingPatch{CompanyName: &company, LogoURL: &logo, PrimaryColor: &primary},
		Modules:  &modules,
	}, http.StatusOK, &patched)

	var got model.PortalConfig
	member.json(http.MethodGet, path, nil, http.StatusOK, &got)
	assert.Equal(t, patched.Branding, got.Branding)
	assert.Equal(t, patched.Modules, got.Modules)
	assert.Equal(t, []string{model.ModuleKnowledge, model.ModuleSites}, got.Modules)
	assert.Equal(t, company, got.Branding.CompanyName)
	assert.Equal(t, sub, got.UpdatedBy)

	// A branding-only patch leaves the module set alone.
	accent := "#abcdef"
	member.json(http.MethodPatch, path, model.UpdatePortalConfigRequest{
		Branding: &model.BrandingPatch{AccentColor: &accent},
	}, http.StatusOK, nil)
	member.json(http.MethodGet, path, nil, http.StatusOK, &got)
	assert.Equal(t, []string{model.ModuleKnowledge, model.ModuleSites}, got.Modules)
	assert.Equal(t, logo, got.Branding.LogoURL)
	assert.Equal(t, accent, got.Branding.AccentColor)

	bad := []string{"nope"}
	resp, _ := member.do(http.MethodPatch, path, model.UpdatePortalConfigRequest{Modules: &bad})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestOrgScopeEnforcement(t *testing.T) {
	requireServer(t)
	sub := "user_" + uuid.NewString()[:8]
	org := newOrgWithMember(t, sub)
	other := newOrgWithMember(t, "user_"+uuid.NewString()[:8])

	member := memberClient(t, sub)
	member.json(http.MethodGet, "/sites?orgId="+org.ID.String(), nil, http.StatusOK, nil)

	resp, _ := member.do(http.MethodGet, "/sites?orgId="+other.ID.String(), nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp, _ = member.do(http.MethodGet, "/portal/orgs/"+other.ID.String(), nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// A resource loaded by id is checked against its own org.
	var site model.Site
	staff := staffClient(t)
	staff.json(http.MethodPost, "/sites", model.CreateSiteRequest{OrgID: other.ID, Name: "Other", Domain: "other.example.com"}, http.StatusCreated, &site)
	resp, _ = member.do(http.MethodGet, "/sites/"+site.ID.String(), nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Staff reach any existing org; unknown orgs are 404.
	staff.json(http.MethodGet, "/sites?orgId="+org.ID.String(), nil, http.StatusOK, nil)
	resp, _ = staff.do(http.MethodGet, "/sites?orgId="+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = staff.do(http.MethodGet, "/sites/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTokenOrgClaimGrantsAccess(t *testing.T) {
	requireServer(t)
	staff := staffClient(t)
	ext := "org_" + uuid.NewString()[:8]
	slug := "ext-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:10]

	var org model.Organization
	staff.json(http.MethodPost, "/portal/orgs",
		model.CreateOrgRequest{Name: "External", Slug: slug, ExternalID: &ext}, http.StatusCreated, &org)

	c := client{t: t, token: testJWKS.Token("user_unlisted", func(cl *auth.Claims) { cl.OrgID = ext })}
	c.json(http.MethodGet, "/portal/overview?orgId="+org.ID.String(), nil, http.StatusOK, nil)
}

func TestMeAndOrgList(t *testing.T) {
	requireServer(t)
	sub := "user_" + uuid.NewString()[:8]
	org := newOrgWithMember(t, sub)
	member := memberClient(t, sub)

	var me model.Me
	member.json(http.MethodGet, "/portal/me", nil, http.StatusOK, &me)
	assert.Equal(t, sub, me.UserID)
	assert.False(t, me.Staff)
	require.Len(t, me.Memberships, 1)
	assert.Equal(t, org.ID, me.Memberships[0].ID)

	var list struct {
		Organizations []model.Organization `json:"organizations"`
		Total         int                  `json:"total"`
	}
	member.json(http.MethodGet, "/portal/orgs", nil, http.StatusOK, &list)
	assert.Equal(t, 1, list.Total)

	// Duplicate slug conflicts.
	resp, body := staffClient(t).do(http.MethodPost, "/portal/orgs", model.CreateOrgRequest{Name: "Dup", Slug: org.Slug})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, string(body), "slug")
}

func TestSitesCRUDIsAudited(t *testing.T) {
	requireServer(t)
	sub := "user_" + uuid.NewString()[:8]
	org := newOrgWithMember(t, sub)
	member := memberClient(t, sub)

	var site model.Site
	member.json(http.MethodPost, "/sites", model.CreateSiteRequest{OrgID: org.ID, Name: "Main", Domain: "WWW.Example.com"},
		http.StatusCreated, &site)
	assert.Equal(t, "www.example.com", site.Domain)

	resp, _ := member.do(http.MethodPost, "/sites", model.CreateSiteRequest{OrgID: org.ID, Name: "Again", Domain: "www.example.com"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	name := "Renamed"
	member.json(http.MethodPatch, "/sites/"+site.ID.String(), model.UpdateSiteRequest{Name: &name}, http.StatusOK, &site)
	assert.Equal(t, name, site.Name)
	member.json(http.MethodDelete, "/sites/"+site.ID.String(), nil, http.StatusNoContent, nil)
	resp, _ = member.do(http.MethodGet, "/sites/"+site.ID.String(), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var logs struct {
		AuditLogs []model.AuditLog `json:"audit_logs"`
	}
	member.json(http.MethodGet, "/audit-logs?orgId="+org.ID.String()+"&resource_type=site", nil, http.StatusOK, &logs)
	var ops []string
	for _, l := range logs.AuditLogs {
		ops = append(ops, l.Operation)
		assert.Equal(t, sub, l.ActorID)
	}
	assert.ElementsMatch(t, []string{"site.create", "site.update", "site.delete"}, ops)
}

// flakyRuns fails the first n StartActionRun calls and then records runs
// in the test database.
type flakyRuns struct {
	*storage.DB
	failures atomic.Int32
}

func (f *flakyRuns) StartActionRun(ctx context.Context, r model.ActionRun) (model.ActionRun, error) {
	if f.failures.Add(-1) >= 0 {
		return model.ActionRun{}, errors.New("pool exhausted")
	}
	return f.DB.StartActionRun(ctx, r)
}

func TestActionRunRetryAfterFailureBeforeDispatch(t *testing.T) {
	requireServer(t)
	sub := "user_" + uuid.NewString()[:8]
	org := newOrgWithMember(t, sub)
	member := memberClient(t, sub)

	var calls atomic.Int32
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer hook.Close()
	a, err := testDB.CreateAction(context.Background(), model.Action{
		OrgID: org.ID, Name: "Notify", Kind: model.ActionWebhook, Enabled: true,
		Config: model.ActionConfig{URL: hook.URL, Method: http.MethodPost},
	})
	require.NoError(t, err)

	runs := &flakyRuns{DB: testDB}
	runs.failures.Store(1)
	cfg := testCfg
	cfg.Runner = actions.NewRunner(runs, nil, 5*time.Second, testutil.TestLogger())
	flaky := httptest.NewServer(server.New(cfg).Handler())
	defer flaky.Close()
	member.base = flaky.URL

	path := "/actions/" + a.ID.String() + "/run"
	req := model.RunActionRequest{Input: map[string]any{"n": 1}}
	resp, body := member.do(http.MethodPost, path, req, "Idempotency-Key", "retry-1")
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode, string(body))
	assert.Zero(t, calls.Load())

	var run model.ActionRun
	resp, body = member.do(http.MethodPost, path, req, "Idempotency-Key", "retry-1")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	require.NoError(t, json.Unmarshal(body, &run))
	assert.Equal(t, model.RunSucceeded, run.Status)
	assert.Empty(t, resp.Header.Get("Idempotent-Replayed"))
	assert.Equal(t, int32(1), calls.Load())
}

func TestActionRun(t *testing.T) {
	requireServer(t)
	sub := "user_" + uuid.NewString()[:8]
	org := newOrgWithMember(t, sub)
	member := memberClient(t, sub)

	var calls atomic.Int32
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"received":%q}`, body["lead"])
	}))
	defer hook.Close()

	// Loopback targets are rejected by the API, so the action is seeded directly.
	a, err := testDB.CreateAction(context.Background(), model.Action{
		OrgID: org.ID, Name: "Post lead", Kind: model.ActionWebhook, Enabled: true,
		Config: model.ActionConfig{URL: hook.URL, Method: http.MethodPost},
	})
	require.NoError(t, err)

	var run model.ActionRun
	resp, body := member.do(http.MethodPost, "/actions/"+a.ID.String()+"/run",
		model.RunActionRequest{Input: map[string]any{"lead": "ada@example.com"}}, "Idempotency-Key", "run-1")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	require.NoError(t, json.Unmarshal(body, &run))
	assert.Equal(t, model.RunSucceeded, run.Status)
	assert.Equal(t, sub, run.TriggeredBy)
	require.NotNil(t, run.HTTPStatus)
	assert.Equal(t, http.StatusOK, *run.HTTPStatus)

	// The same key replays the first run without calling the webhook again.
	var replay model.ActionRun
	resp, body = member.do(http.MethodPost, "/actions/"+a.ID.String()+"/run",
		model.RunActionRequest{Input: map[string]any{"lead": "ada@example.com"}}, "Idempotency-Key", "run-1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &replay))
	assert.Equal(t, run.ID, replay.ID)
	assert.Equal(t, "true", resp.Header.Get("Idempotent-Replayed"))
	assert.Equal(t, int32(1), calls.Load())

	resp, _ = member.do(http.MethodPost, "/actions/"+a.ID.String()+"/run",
		model.RunActionRequest{Input: map[string]any{"lead": "other"}}, "Idempotency-Key", "run-1")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	var runs struct {
		Runs  []model.ActionRun `json:"runs"`
		Total int               `json:"total"`
	}
	member.json(http.MethodGet, "/actions/"+a.ID.String()+"/runs", nil, http.StatusOK, &runs)
	assert.Equal(t, 1, runs.Total)

	// Outsiders cannot trigger it.
	outsider := memberClient(t, "user_"+uuid.NewString()[:8])
	resp, _ = outsider.do(http.MethodPost, "/actions/"+a.ID.String()+"/run", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestActionHeaderValuesAreRedacted(t *testing.T) {
	requireServer(t)
	sub := "user_" + uuid.NewString()[:8]
	org := newOrgWithMember(t, sub)
	member := memberClient(t, sub)

	got := make(chan string, 1)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.Header.Get("X-Tenant")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	a, err := testDB.CreateAction(context.Background(), model.Action{
		OrgID: org.ID, Name: "Tenant hook", Kind: model.ActionWebhook, Enabled: true,
		Config: model.ActionConfig{URL: hook.URL, Method: http.MethodPost, Headers: map[string]string{"X-Tenant": "t-secret"}},
	})
	require.NoError(t, err)

	var one model.Action
	member.json(http.MethodGet, "/actions/"+a.ID.String(), nil, http.StatusOK, &one)
	assert.Equal(t, model.RedactedHeaderValue, one.Config.Headers["X-Tenant"])

	var list struct {
		Actions []model.Action `json:"actions"`
	}
	member.json(http.MethodGet, "/actions?orgId="+org.ID.String(), nil, http.StatusOK, &list)
	require.Len(t, list.Actions, 1)
	assert.Equal(t, model.RedactedHeaderValue, list.Actions[0].Config.Headers["X-Tenant"])

	// The outbound request still carries the stored value.
	resp, body := member.do(http.MethodPost, "/actions/"+a.ID.String()+"/run", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, "t-secret", <-got)
}

func TestKnowledgeDocumentsAndSearch(t *testing.T) {
	requireServer(t)
	sub := "user_" + uuid.NewString()[:8]
	org := newOrgWithMember(t, sub)
	member := memberClient(t, sub)

	var src model.KnowledgeSource
	member.json(http.MethodPost, "/knowledge/sources", model.CreateSourceRequest{OrgID: org.ID, Name: "FAQ"}, http.StatusCreated, &src)

	var doc model.Document
	member.json(http.MethodPost, "/knowledge/sources/"+src.ID.String()+"/documents",
		model.CreateDocumentRequest{Title: "Pricing", Content: "v1 body"}, http.StatusCreated, &doc)
	assert.Equal(t, 1, doc.CurrentVersion)

	var v2 model.DocumentVersion
	member.json(http.MethodPost, "/knowledge/documents/"+doc.ID.String()+"/versions",
		model.AddVersionRequest{Content: "v2 body"}, http.StatusCreated, &v2)
	assert.Equal(t, 2, v2.Version)

	var got model.DocumentVersion
	member.json(http.MethodGet, "/knowledge/documents/"+doc.ID.String()+"/versions/1", nil, http.StatusOK, &got)
	require.NotNil(t, got.Content)
	assert.Equal(t, "v1 body", *got.Content)

	member.json(http.MethodPut, "/knowledge/documents/"+doc.ID.String()+"/versions/2/chunks",
		model.ReplaceChunksRequest{Chunks: []model.ChunkInput{
			{Content: "plans start at $10", Embedding: []float32{1, 0, 0}},
			{Content: "refunds within 30 days", Embedding: []float32{0, 1, 0}},
		}}, http.StatusOK, nil)

	resp, _ := member.do(http.MethodPut, "/knowledge/documents/"+doc.ID.String()+"/versions/2/chunks",
		model.ReplaceChunksRequest{Chunks: []model.ChunkInput{{Content: "x", Embedding: []float32{1, 0}}}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "wrong embedding dimension")

	var results struct {
		Results []model.ChunkMatch `json:"results"`
	}
	member.json(http.MethodPost, "/knowledge/search?orgId="+org.ID.String(),
		model.SearchRequest{Embedding: []float32{0.9, 0.1, 0}, Limit: 1}, http.StatusOK, &results)
	require.Len(t, results.Results, 1)
	assert.Equal(t, "plans start at $10", results.Results[0].Content)
	assert.Equal(t, "Pricing", results.Results[0].DocumentTitle)
}

type scriptedSearcher struct {
	results   []search.Result
	err       error
	healthErr error
	calls     atomic.Int32
}

func (s *scriptedSearcher) Search(_ context.Context, _ uuid.UUID, _ []float32, _ *uuid.UUID, _ int) ([]search.Result, error) {
	s.calls.Add(1)
	return s.results, s.err
}

func (s *scriptedSearcher) Healthy(context.Context) error { return s.healthErr }

func TestKnowledgeSearchUsesIndex(t *testing.T) {
	requireServer(t)
	sub := "user_" + uuid.NewString()[:8]
	org := newOrgWithMember(t, sub)
	member := memberClient(t, sub)

	var src model.KnowledgeSource
	member.json(http.MethodPost, "/knowledge/sources", model.CreateSourceRequest{OrgID: org.ID, Name: "FAQ"}, http.StatusCreated, &src)
	var doc model.Document
	member.json(http.MethodPost, "/knowledge/sources/"+src.ID.String()+"/documents",
		model.CreateDocumentRequest{Title: "Hours", Content: "body"}, http.StatusCreated, &doc)
	var replaced struct {
		Chunks []model.Chunk `json:"chunks"`
	}
	member.json(http.MethodPut, "/knowledge/documents/"+doc.ID.String()+"/versions/1/chunks",
		model.ReplaceChunksRequest{Chunks: []model.ChunkInput{
			{Content: "open 9-5", Embedding: []float32{1, 0, 0}},
			{Content: "closed sundays", Embedding: []float32{0, 1, 0}},
		}}, http.StatusOK, &replaced)
	require.Len(t, replaced.Chunks, 2)

	idx := &scriptedSearcher{results: []search.Result{
		{ChunkID: uuid.New(), Score: 0.99},
		{ChunkID: replaced.Chunks[1].ID, Score: 0.9},
		{ChunkID: replaced.Chunks[0].ID, Score: 0.5},
	}}
	cfg := testCfg
	cfg.Searcher = idx
	indexed := httptest.NewServer(server.New(cfg).Handler())
	defer indexed.Close()
	member.base = indexed.URL

	var results struct {
		Results []model.ChunkMatch `json:"results"`
	}
	query := model.SearchRequest{Embedding: []float32{1, 0, 0}, Limit: 1}
	member.json(http.MethodPost, "/knowledge/search?orgId="+org.ID.String(), query, http.StatusOK, &results)
	require.Len(t, results.Results, 1)
	assert.Equal(t, "closed sundays", results.Results[0].Content, "index ranking wins")
	assert.InDelta(t, 0.1, results.Results[0].Distance, 1e-6)
	assert.Equal(t, int32(1), idx.calls.Load())

	idx.err = errors.New("qdrant down")
	member.json(http.MethodPost, "/knowledge/search?orgId="+org.ID.String(), query, http.StatusOK, &results)
	require.Len(t, results.Results, 1)
	assert.Equal(t, "open 9-5", results.Results[0].Content, "pgvector fallback")

	idx.err, idx.healthErr = nil, errors.New("unhealthy")
	member.json(http.MethodPost, "/knowledge/search?orgId="+org.ID.String(), query, http.StatusOK, &results)
	assert.Equal(t, "open 9-5", results.Results[0].Content)
	assert.Equal(t, int32(2), idx.calls.Load(), "unhealthy index is not queried")
}

func TestMembershipCacheInvalidatedOnRemove(t *testing.T) {
	requireServer(t)
	cfg := testCfg
	cfg.AccessCacheTTL = time.Hour
	cached := httptest.NewServer(server.New(cfg).Handler())
	defer cached.Close()

	sub := "user_" + uuid.NewString()[:8]
	org := newOrgWithMember(t, sub)
	member := memberClient(t, sub)
	member.base = cached.URL
	staff := staffClient(t)
	staff.base = cached.URL
	path := "/portal/config?orgId=" + org.ID.String()

	member.json(http.MethodGet, path, nil, http.StatusOK, nil)
	staff.json(http.MethodDelete, "/portal/orgs/"+org.ID.String()+"/members/"+sub, nil, http.StatusNoContent, nil)
	member.json(http.MethodGet, path, nil, http.StatusForbidden, nil)
}

// keywordEmbedder maps text mentioning "open" to one axis and everything
// else to another.
type keywordEmbedder struct{ fail bool }

func (e keywordEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if e.fail {
		return nil, errors.New("provider down")
	}
	if strings.Contains(text, "open") {
		return []float32{1, 0, 0}, nil
	}
	return []float32{0, 1, 0}, nil
}

func (e keywordEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (keywordEmbedder) Dimensions() int { return 3 }

func TestKnowledgeServerSideEmbedding(t *testing.T) {
	requireServer(t)
	sub := "user_" + uuid.NewString()[:8]
	org := newOrgWithMember(t, sub)
	member := memberClient(t, sub)
	searchPath := "/knowledge/search?orgId=" + org.ID.String()

	member.json(http.MethodPost, searchPath, model.SearchRequest{Query: "when are you open"}, http.StatusBadRequest, nil)

	cfg := testCfg
	cfg.Embedder = keywordEmbedder{}
	embedding := httptest.NewServer(server.New(cfg).Handler())
	defer embedding.Close()
	member.base = embedding.URL

	var src model.KnowledgeSource
	member.json(http.MethodPost, "/knowledge/sources", model.CreateSourceRequest{OrgID: org.ID, Name: "FAQ"}, http.StatusCreated, &src)
	var doc model.Document
	member.json(http.MethodPost, "/knowledge/sources/"+src.ID.String()+"/documents",
		model.CreateDocumentRequest{Title: "Hours", Content: "body"}, http.StatusCreated, &doc)
	var replaced struct {
		Chunks []model.Chunk `json:"chunks"`
	}
	member.json(http.MethodPut, "/knowledge/documents/"+doc.ID.String()+"/versions/1/chunks",
		model.ReplaceChunksRequest{Chunks: []model.ChunkInput{
			{Content: "closed sundays"},
			{Content: "we open at nine"},
		}}, http.StatusOK, &replaced)
	require.Len(t, replaced.Chunks, 2)
	for _, c := range replaced.Chunks {
		assert.True(t, c.HasEmbedding, c.Content)
	}

	var results struct {
		Results []model.ChunkMatch `json:"results"`
	}
	member.json(http.MethodPost, searchPath, model.SearchRequest{Query: "open today?", Limit: 1}, http.StatusOK, &results)
	require.Len(t, results.Results, 1)
	assert.Equal(t, "we open at nine", results.Results[0].Content)

	cfg.Embedder = keywordEmbedder{fail: true}
	failing := httptest.NewServer(server.New(cfg).Handler())
	defer failing.Close()
	member.base = failing.URL
	resp, body := member.do(http.MethodPost, searchPath, model.SearchRequest{Query: "open?"})
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Contains(t, string(body), model.ErrCodeUpstream)
}

// skewedEmbedder returns too few vectors for batches and vectors of the
// wrong size for single texts.
type skewedEmbedder struct{}

func (skewedEmbedder) Embed(context.Context, string) ([]float32, error) {
	return []float32{1, 0}, nil
}

func (skewedEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	return [][]float32{{1, 0, 0}}, nil
}

func (skewedEmbedder) Dimensions() int { return 3 }

func TestKnowledgeRejectsMalformedProviderOutput(t *testing.T) {
	requireServer(t)
	sub := "user_" + uuid.NewString()[:8]
	org := newOrgWithMember(t, sub)
	member := memberClient(t, sub)

	cfg := testCfg
	cfg.Embedder = skewedEmbedder{}
	skewed := httptest.NewServer(server.New(cfg).Handler())
	defer skewed.Close()
	member.base = skewed.URL

	var src model.KnowledgeSource
	member.json(http.MethodPost, "/knowledge/sources", model.CreateSourceRequest{OrgID: org.ID, Name: "FAQ"}, http.StatusCreated, &src)
	var doc model.Document
	member.json(http.MethodPost, "/knowledge/sources/"+src.ID.String()+"/documents",
		model.CreateDocumentRequest{Title: "Hours", Content: "body"}, http.StatusCreated, &doc)

	resp, body := member.do(http.MethodPut, "/knowledge/documents/"+doc.ID.String()+"/versions/1/chunks",
		model.ReplaceChunksRequest{Chunks: []model.ChunkInput{{Content: "one"}, {Content: "two"}}})
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode, string(body))
	assert.Contains(t, string(body), model.ErrCodeUpstream)

	var chunks struct {
		Chunks []model.Chunk `json:"chunks"`
	}
	member.json(http.MethodGet, "/knowledge/documents/"+doc.ID.String()+"/versions/1/chunks", nil, http.StatusOK, &chunks)
	assert.Empty(t, chunks.Chunks)

	resp, body = member.do(http.MethodPost, "/knowledge/search?orgId="+org.ID.String(), model.SearchRequest{Query: "hours"})
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode, string(body))
	assert.Contains(t, string(body), model.ErrCodeUpstream)
}

func TestKnowledgeSearchForeignSource(t *testing.T) {
	requireServer(t)
	owner := "user_" + uuid.NewString()[:8]
	org := newOrgWithMember(t, owner)
	var src model.KnowledgeSource
	memberClient(t, owner).json(http.MethodPost, "/knowledge/sources",
		model.CreateSourceRequest{OrgID: org.ID, Name: "Private"}, http.StatusCreated, &src)

	sub := "user_" + uuid.NewString()[:8]
	other := newOrgWithMember(t, sub)
	member := memberClient(t, sub)
	searchPath := "/knowledge/search?orgId=" + other.ID.String()

	for _, id := range []uuid.UUID{src.ID, uuid.New()} {
		resp, body := member.do(http.MethodPost, searchPath,
			model.SearchRequest{Embedding: []float32{1, 0, 0}, SourceID: &id})
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, string(body))
	}
}

func TestIntegrationCredentialsAreWriteOnly(t *testing.T) {
	requireServer(t)
	sub := "user_" + uuid.NewString()[:8]
	org := newOrgWithMember(t, sub)
	member := memberClient(t, sub)

	resp, body := member.do(http.MethodPost, "/integrations", model.CreateIntegrationRequest{
		OrgID: org.ID, Kind: model.IntegrationHubSpot, Name: "CRM",
		Credentials: map[string]string{"api_key": "super-secret"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	assert.NotContains(t, string(body), "super-secret")

	var in model.Integration
	require.NoError(t, json.Unmarshal(body, &in))
	assert.True(t, in.HasCredentials)

	sealed, err := testDB.GetIntegrationCredentials(context.Background(), in.ID)
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "super-secret")

	empty := map[string]string{}
	member.json(http.MethodPatch, "/integrations/"+in.ID.String(),
		model.UpdateIntegrationRequest{Credentials: &empty}, http.StatusOK, &in)
	assert.False(t, in.HasCredentials)
}

func TestRetentionAndBilling(t *testing.T) {
	requireServer(t)
	sub := "user_" + uuid.NewString()[:8]
	org := newOrgWithMember(t, sub)
	member := memberClient(t, sub)
	staff := staffClient(t)
	q := "?orgId=" + org.ID.String()

	days := 30
	var policy model.RetentionPolicy
	member.json(http.MethodPut, "/retention"+q, model.SetRetentionRequest{AuditLogDays: &days}, http.StatusOK, &policy)
	require.NotNil(t, policy.AuditLogDays)
	assert.Equal(t, 30, *policy.AuditLogDays)

	var run model.RetentionRun
	staff.json(http.MethodPost, "/retention/run"+q, nil, http.StatusOK, &run)
	assert.Equal(t, model.RetentionTriggerManual, run.Trigger)

	member.json(http.MethodGet, "/retention"+q, nil, http.StatusOK, &policy)
	require.NotNil(t, policy.LastRun)
	assert.Equal(t, run.ID, policy.LastRun.ID)

	var rec model.BillingRecord
	staff.json(http.MethodPost, "/billing/records", model.CreateBillingRecordRequest{
		OrgID: org.ID, Kind: model.BillingInvoice, Description: "March", AmountCents: 4900,
	}, http.StatusCreated, &rec)
	assert.Equal(t, "usd", rec.Currency)

	paid := model.BillingPaid
	staff.json(http.MethodPatch, "/billing/records/"+rec.ID.String(),
		model.UpdateBillingRecordRequest{Status: &paid}, http.StatusOK, &rec)
	assert.Equal(t, model.BillingPaid, rec.Status)

	var list struct {
		Records []model.BillingRecord `json:"records"`
		Total   int                   `json:"total"`
	}
	member.json(http.MethodGet, "/billing/records"+q, nil, http.StatusOK, &list)
	assert.Equal(t, 1, list.Total)

	// Staff may list across orgs.
	staff.json(http.MethodGet, "/billing/records", nil, http.StatusOK, &list)
	assert.GreaterOrEqual(t, list.Total, 1)
}
