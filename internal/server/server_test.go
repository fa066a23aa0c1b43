package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"payline/internal/app"
	"payline/internal/config"
	"payline/internal/db"
	"payline/internal/domain"
	"payline/internal/engine"
	"payline/internal/migrate"
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
	cfg := config.Default()
	e := engine.New(conn, cfg)
	if err := app.EnsureSystemTemplates(context.Background(), e.Repo, cfg); err != nil {
		t.Fatalf("seed templates: %v", err)
	}
	handler, err := New(context.Background(), Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: "test-secret", AllowLegacyActorHeader: true},
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

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return envelope.Error.Code
}

func asOwner() map[string]string {
	return map[string]string{"X-Actor-Id": "owner"}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/commerce/budget-pools", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "unauthorized" {
		t.Fatalf("expected code unauthorized, got %s", code)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health must not need auth, got %d", res.StatusCode)
	}
}

func TestDevLoginBearerFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{"actor_id": "owner"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login: %d %s", res.StatusCode, string(data))
	}
	var login struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(data, &login); err != nil || login.Token == "" {
		t.Fatalf("expected token: %v %s", err, string(data))
	}
	bearer := map[string]string{"Authorization": "Bearer " + login.Token}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/commerce/budget-pools", map[string]any{
		"name":         "api pool",
		"total_budget": 1000,
	}, bearer)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create pool: %d %s", res.StatusCode, string(data))
	}
	var pool domain.BudgetPool
	if err := json.Unmarshal(data, &pool); err != nil {
		t.Fatalf("unmarshal pool: %v", err)
	}
	if pool.Status != "draft" || pool.OwnerID != "owner" {
		t.Fatalf("unexpected pool %s/%s", pool.Status, pool.OwnerID)
	}
}

func TestPoolMilestoneFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/commerce/budget-pools", map[string]any{
		"name":         "flow pool",
		"total_budget": 500,
	}, asOwner())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create pool: %d %s", res.StatusCode, string(data))
	}
	var pool domain.BudgetPool
	_ = json.Unmarshal(data, &pool)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/commerce/budget-pools/"+pool.ID+"/fund", map[string]any{
		"amount": 500,
	}, asOwner())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("fund: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/commerce/budget-pools/"+pool.ID+"/milestones", map[string]any{
		"name":   "deliver",
		"amount": 500,
	}, asOwner())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create milestone: %d %s", res.StatusCode, string(data))
	}
	var ms domain.Milestone
	_ = json.Unmarshal(data, &ms)

	for _, step := range []string{"start", "submit", "approve", "release"} {
		var body any
		if step == "submit" || step == "approve" {
			body = map[string]any{}
		}
		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/commerce/milestones/"+ms.ID+"/"+step, body, asOwner())
		if res.StatusCode != http.StatusOK {
			t.Fatalf("%s: %d %s", step, res.StatusCode, string(data))
		}
	}
	var released domain.Milestone
	if err := json.Unmarshal(data, &released); err != nil {
		t.Fatalf("unmarshal milestone: %v", err)
	}
	if released.Status != "released" || released.ReleasedAmount != 500 {
		t.Fatalf("expected released/500, got %s/%d", released.Status, released.ReleasedAmount)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/commerce/budget-pools/"+pool.ID+"/stats", nil, asOwner())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("stats: %d %s", res.StatusCode, string(data))
	}
	var stats domain.PoolStats
	_ = json.Unmarshal(data, &stats)
	if stats.Released != 500 || stats.Reserved != 0 || stats.Available != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestCreateMilestoneTopLevelRoute(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/commerce/budget-pools", map[string]any{
		"name":         "direct pool",
		"total_budget": 300,
	}, asOwner())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create pool: %d %s", res.StatusCode, string(data))
	}
	var pool domain.BudgetPool
	_ = json.Unmarshal(data, &pool)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/commerce/budget-pools/"+pool.ID+"/fund", map[string]any{
		"amount": 300,
	}, asOwner())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("fund: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/commerce/milestones", map[string]any{
		"budget_pool_id": pool.ID,
		"name":           "direct",
		"amount":         100,
	}, asOwner())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create milestone: %d %s", res.StatusCode, string(data))
	}
	var ms domain.Milestone
	if err := json.Unmarshal(data, &ms); err != nil {
		t.Fatalf("unmarshal milestone: %v", err)
	}
	if ms.BudgetPoolID != pool.ID || ms.ReservedAmount != 100 {
		t.Fatalf("unexpected milestone %+v", ms)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/commerce/milestones", map[string]any{
		"name":   "no pool",
		"amount": 100,
	}, asOwner())
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without budget_pool_id, got %d %s", res.StatusCode, string(data))
	}
}

func TestErrorEnvelopeCodes(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/commerce/budget-pools/missing", nil, asOwner())
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "not_found" {
		t.Fatalf("expected not_found, got %s", code)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/commerce/budget-pools", map[string]any{
		"name":         "small",
		"total_budget": 100,
	}, asOwner())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", res.StatusCode, string(data))
	}
	var pool domain.BudgetPool
	_ = json.Unmarshal(data, &pool)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/commerce/budget-pools/"+pool.ID+"/fund", map[string]any{
		"amount": 500,
	}, asOwner())
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for overfund, got %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "fund_exceeds_budget" {
		t.Fatalf("expected fund_exceeds_budget, got %s", code)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/commerce/budget-pools/"+pool.ID+"/fund", map[string]any{
		"amount": 50,
	}, map[string]string{"X-Actor-Id": "intruder"})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "forbidden" {
		t.Fatalf("expected forbidden, got %s", code)
	}
}

func TestPreviewEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/commerce/allocations/preview", map[string]any{
		"gross_amount": 10000,
		"uses_onramp":  true,
	}, asOwner())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("preview: %d %s", res.StatusCode, string(data))
	}
	var preview domain.AllocationPreview
	if err := json.Unmarshal(data, &preview); err != nil {
		t.Fatalf("unmarshal preview: %v", err)
	}
	if preview.GrossAmount != 10000 {
		t.Fatalf("unexpected gross %d", preview.GrossAmount)
	}
	if preview.Fees.TotalFees != preview.Fees.OnrampFee {
		t.Fatalf("expected only onramp fee, got %+v", preview.Fees)
	}
}

func TestSystemTemplateEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/commerce/split-plans/templates/skill", nil, asOwner())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("template: %d %s", res.StatusCode, string(data))
	}
	var plan domain.SplitPlan
	if err := json.Unmarshal(data, &plan); err != nil {
		t.Fatalf("unmarshal plan: %v", err)
	}
	if !plan.IsSystemTemplate || plan.ProductType != "skill" {
		t.Fatalf("unexpected template %+v", plan)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/apikeys", map[string]any{
		"name": "ci",
	}, asOwner())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create key: %d %s", res.StatusCode, string(data))
	}
	var created APIKeyResponse
	if err := json.Unmarshal(data, &created); err != nil || created.Key == "" {
		t.Fatalf("expected plaintext key once: %v %s", err, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/commerce/budget-pools", map[string]any{
		"name":         "keyed pool",
		"total_budget": 100,
	}, map[string]string{"X-Api-Key": created.Key})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create pool with api key: %d %s", res.StatusCode, string(data))
	}
	var pool domain.BudgetPool
	_ = json.Unmarshal(data, &pool)
	if pool.OwnerID != "owner" {
		t.Fatalf("api key should act as its actor, got %s", pool.OwnerID)
	}
}
