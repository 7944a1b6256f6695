package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"testing"

	"readyline/internal/config"
	"readyline/internal/db"
	"readyline/internal/domain"
	"readyline/internal/migrate"
	"readyline/internal/pipeline"
	"readyline/internal/repo"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ctx := context.Background()
	r := repo.Repo{DB: conn}
	seedFixtures(t, ctx, r)

	p := pipeline.New(conn, config.Default("org-1"))
	p.Logger = log.New(io.Discard, "", 0)
	handler, err := New(Config{
		Pipeline: p,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:              "test-secret",
			AllowLegacyActorHeader: true,
			Logger:                 p.Logger,
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func seedFixtures(t *testing.T, ctx context.Context, r repo.Repo) {
	t.Helper()
	must := func(err error) {
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	must(r.InsertOrg(ctx, nil, domain.Org{ID: "org-1", Name: "Acme", Status: "active", CreatedAt: "2024-01-01T00:00:00Z"}))
	must(r.InsertPlan(ctx, nil, domain.Plan{ID: "plan-1", OrgID: "org-1", Name: "Outage response", Status: "active", CreatedAt: "2024-01-01T00:00:00Z"}))
	must(r.InsertPlanTask(ctx, nil, domain.PlanTask{ID: "t1", PlanID: "plan-1", Title: "Contain", SortOrder: 0}))
	must(r.InsertPlaybook(ctx, nil, domain.Playbook{ID: "pb-1", OrgID: "org-1", Name: "Sev-1 playbook", CreatedAt: "2024-01-01T00:00:00Z"}))
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

var actorHeader = map[string]string{"X-Actor-Id": "tester"}

func TestActivateOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/activations", map[string]any{
		"plan_id":     "plan-1",
		"playbook_id": "pb-1",
	}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", res.StatusCode, data)
	}
	var result pipeline.ActivationResult
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !result.Success || result.Activation == nil {
		t.Fatalf("expected successful activation: %s", data)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/activations/"+result.Activation.ID, nil, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status fetch: %d: %s", res.StatusCode, data)
	}
	var view pipeline.AggregateView
	if err := json.Unmarshal(data, &view); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	if view.Activation.ID != result.Activation.ID || len(view.Events) == 0 {
		t.Fatalf("incomplete view: %s", data)
	}

	// a second running activation for the same plan conflicts
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/activations", map[string]any{
		"plan_id":     "plan-1",
		"playbook_id": "pb-1",
	}, actorHeader)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/activations/"+result.Activation.ID+"/complete", map[string]any{
		"outcome": "successful",
	}, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete: %d: %s", res.StatusCode, data)
	}
	var act domain.Activation
	if err := json.Unmarshal(data, &act); err != nil {
		t.Fatalf("decode activation: %v", err)
	}
	if act.Status != "completed" {
		t.Fatalf("expected completed, got %s", act.Status)
	}
}

func TestActivationNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/activations/does-not-exist", nil, actorHeader)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, data)
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	if envelope.Error.Code != "not_found" {
		t.Fatalf("expected not_found code, got %q", envelope.Error.Code)
	}
}

func TestEvaluateReadinessOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/readiness/evaluations", map[string]any{
		"plan_id": "plan-1",
	}, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.StatusCode, data)
	}
	var verdict struct {
		CanProceed bool   `json:"can_proceed"`
		SnapshotID string `json:"snapshot_id"`
	}
	if err := json.Unmarshal(data, &verdict); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !verdict.CanProceed {
		t.Fatalf("expected can_proceed for fully unstaffed-free plan: %s", data)
	}
	if verdict.SnapshotID == "" {
		t.Fatalf("expected snapshot id")
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/plans", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
}

func TestDevLoginBearerToken(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id": "tester",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login: %d: %s", res.StatusCode, data)
	}
	var login struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(data, &login); err != nil || login.Token == "" {
		t.Fatalf("decode token: %v %s", err, data)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/plans", nil, map[string]string{
		"Authorization": "Bearer " + login.Token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("bearer request: %d: %s", res.StatusCode, data)
	}
}

func TestMintAndUseAPIKey(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/keys", map[string]any{
		"name": "ci",
	}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("mint: %d: %s", res.StatusCode, data)
	}
	var minted struct {
		ID  string `json:"id"`
		Key string `json:"key"`
	}
	if err := json.Unmarshal(data, &minted); err != nil || minted.Key == "" {
		t.Fatalf("decode key: %v %s", err, data)
	}

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/plans", nil, map[string]string{
		"X-Api-Key": minted.Key,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("api key request: %d", res.StatusCode)
	}
}
