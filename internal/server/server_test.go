package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"processline/internal/db"
	"processline/internal/dispatch"
	"processline/internal/domain"
	"processline/internal/events"
	"processline/internal/ledger"
	"processline/internal/manifest"
	"processline/internal/migrate"
	"processline/internal/repo"
	"processline/internal/server"
	"processline/internal/strategy"
)

const (
	testSecret = "test-secret"
	opsToken   = "tok-ops"
)

const serverManifestYAML = `
processes:
  handle-price-increase:
    input_schema:
      type: object
      required: [contract_id, new_unit_price]
      properties:
        contract_id: {type: string}
        new_unit_price: {type: number}
    strategy:
      address: direct
    variants:
      - id: v1
        target: flows/echo/v1
`

type env struct {
	srv    *httptest.Server
	ledger *ledger.Ledger
	repo   repo.Repo
}

func newTestEnv(t *testing.T) env {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	emitter := events.NewEmitter(r, "", "processline-test", 0, zerolog.Nop())
	led := ledger.New(conn, emitter, nil, zerolog.Nop())

	store, err := manifest.FromYAML([]byte(serverManifestYAML), strategy.Known)
	if err != nil {
		t.Fatalf("manifests: %v", err)
	}
	registry := dispatch.NewRegistry()
	registry.Register("flows/echo/v1", func(ctx context.Context, inv dispatch.Invocation) (any, error) {
		return map[string]any{"echoed": inv.Input["contract_id"], "actor": inv.ActorID}, nil
	})
	resolver := dispatch.NewResolver(store, nil, zerolog.Nop())

	handler, err := server.New(server.Config{
		Ledger:     led,
		Dispatcher: dispatch.New(resolver, registry),
		Manifests:  store,
		Repo:       r,
		Reconciler: events.NewReconciler(r, 0, 0.1, zerolog.Nop()),
		BasePath:   "/v0",
		Auth: server.AuthConfig{
			JWTSecret:        testSecret,
			StaticTokens:     map[string]string{opsToken: "ops"},
			AllowActorHeader: true,
			Log:              zerolog.Nop(),
		},
		Log: zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return env{srv: srv, ledger: led, repo: r}
}

func (e env) do(t *testing.T, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	var decoded map[string]any
	_ = json.NewDecoder(res.Body).Decode(&decoded)
	return res, decoded
}

func errorCode(body map[string]any) string {
	envlp, _ := body["error"].(map[string]any)
	code, _ := envlp["code"].(string)
	return code
}

func TestHealthNeedsNoCredentials(t *testing.T) {
	e := newTestEnv(t)
	res, body := e.do(t, http.MethodGet, "/v0/health", "", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %v", res.StatusCode, body)
	}
}

func TestUnauthenticatedRequestsRejected(t *testing.T) {
	e := newTestEnv(t)
	res, body := e.do(t, http.MethodGet, "/v0/processes", "", nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
	if errorCode(body) != "unauthorized" {
		t.Fatalf("error code: %v", body)
	}

	res, body = e.do(t, http.MethodGet, "/v0/processes", "garbage-token", nil)
	if res.StatusCode != http.StatusUnauthorized || errorCode(body) != "invalid_credentials" {
		t.Fatalf("bogus token: %d %v", res.StatusCode, body)
	}
}

func TestStaticTokenAuth(t *testing.T) {
	e := newTestEnv(t)
	res, body := e.do(t, http.MethodGet, "/v0/processes", opsToken, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("static token rejected: %d %v", res.StatusCode, body)
	}
}

func TestJWTAuthCarriesActor(t *testing.T) {
	e := newTestEnv(t)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject: "alice",
	}).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}

	res, body := e.do(t, http.MethodPost, "/v0/entities/user/commands/RegisterUser", token,
		map[string]any{"payload": map[string]any{"email": "alice@example.com"}})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register user: %d %v", res.StatusCode, body)
	}
	id, _ := body["id"].(string)
	if id == "" {
		t.Fatalf("no entity id in response: %v", body)
	}

	history, err := e.repo.ListHistory(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || history[0].ActorID != "alice" {
		t.Fatalf("actor not recorded from jwt subject: %+v", history)
	}
}

func TestActorHeaderFallback(t *testing.T) {
	e := newTestEnv(t)
	req, err := http.NewRequest(http.MethodGet, e.srv.URL+"/v0/processes", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("X-Actor-Id", "local-dev")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("actor header fallback: %d", res.StatusCode)
	}
}

func TestDispatchEndpoint(t *testing.T) {
	e := newTestEnv(t)
	res, body := e.do(t, http.MethodPost, "/v0/dispatch", opsToken, map[string]any{
		"process": "handle-price-increase",
		"input":   map[string]any{"contract_id": "c-1", "new_unit_price": 0.5},
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dispatch: %d %v", res.StatusCode, body)
	}
	if body["variant"] != "v1" {
		t.Fatalf("variant: %v", body)
	}
	if tid, _ := body["trace_id"].(string); tid == "" || res.Header.Get("X-Trace-Id") != tid {
		t.Fatalf("trace id missing or not echoed: %v", body)
	}
	result, _ := body["result"].(map[string]any)
	if result["echoed"] != "c-1" || result["actor"] != "ops" {
		t.Fatalf("target result: %v", result)
	}
}

func TestDispatchErrorCodes(t *testing.T) {
	e := newTestEnv(t)
	res, body := e.do(t, http.MethodPost, "/v0/dispatch", opsToken, map[string]any{
		"process": "no-such-process",
		"input":   map[string]any{},
	})
	if res.StatusCode != http.StatusNotFound || errorCode(body) != "unknown_process" {
		t.Fatalf("unknown process: %d %v", res.StatusCode, body)
	}

	res, body = e.do(t, http.MethodPost, "/v0/dispatch", opsToken, map[string]any{
		"process": "handle-price-increase",
		"input":   map[string]any{"contract_id": "c-1"},
	})
	if res.StatusCode != http.StatusBadRequest || errorCode(body) != "invalid_input" {
		t.Fatalf("invalid input: %d %v", res.StatusCode, body)
	}
}

func TestEntityCommandFlow(t *testing.T) {
	e := newTestEnv(t)
	res, body := e.do(t, http.MethodPost, "/v0/entities/contract/commands/RegisterPendingContract", opsToken,
		map[string]any{"payload": map[string]any{
			"user_id": "u-1", "provider_id": "p-1", "tariff_name": "green", "unit_price": 0.4,
		}})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %v", res.StatusCode, body)
	}
	id := body["id"].(string)
	if body["status"] != domain.ContractPendingActivation {
		t.Fatalf("status: %v", body["status"])
	}

	res, body = e.do(t, http.MethodPost, "/v0/entities/contract/"+id+"/commands/ConfirmActivation", opsToken,
		map[string]any{"payload": map[string]any{}})
	if res.StatusCode != http.StatusOK || body["status"] != domain.ContractActive {
		t.Fatalf("activate: %d %v", res.StatusCode, body)
	}

	// Activating twice violates the state machine.
	res, body = e.do(t, http.MethodPost, "/v0/entities/contract/"+id+"/commands/ConfirmActivation", opsToken,
		map[string]any{"payload": map[string]any{}})
	if res.StatusCode != http.StatusConflict || errorCode(body) != "illegal_transition" {
		t.Fatalf("double activation: %d %v", res.StatusCode, body)
	}
	details, _ := body["error"].(map[string]any)["details"].(map[string]any)
	if details["current_status"] != domain.ContractActive {
		t.Fatalf("conflict details: %v", details)
	}

	res, body = e.do(t, http.MethodGet, "/v0/entities/contract/"+id, opsToken, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("details: %d %v", res.StatusCode, body)
	}
	computed, _ := body["computed"].(map[string]any)
	if computed["is_active"] != true {
		t.Fatalf("computed: %v", computed)
	}

	res, _ = e.do(t, http.MethodGet, "/v0/entities/user/"+id, opsToken, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("type mismatch must 404: %d", res.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, e.srv.URL+"/v0/entities/contract/"+id+"/history", nil)
	req.Header.Set("Authorization", "Bearer "+opsToken)
	hres, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer hres.Body.Close()
	var history []domain.HistoryEntry
	if err := json.NewDecoder(hres.Body).Decode(&history); err != nil {
		t.Fatal(err)
	}
	if len(history) != 3 {
		t.Fatalf("history entries: %d", len(history))
	}
	if history[0].ActorID != "ops" {
		t.Fatalf("actor from static token not recorded: %+v", history[0])
	}
}

func TestTimelineRejectsMalformedTerms(t *testing.T) {
	e := newTestEnv(t)
	res, body := e.do(t, http.MethodPost, "/v0/entities/task/commands/CreateTask", opsToken,
		map[string]any{"payload": map[string]any{"title": "check meter"}})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task: %d %v", res.StatusCode, body)
	}
	id := body["id"].(string)

	res, body = e.do(t, http.MethodGet, "/v0/entities/task/"+id+"/timeline?terms=not-json", opsToken, nil)
	if res.StatusCode != http.StatusBadRequest || errorCode(body) != "bad_request" {
		t.Fatalf("malformed terms: %d %v", res.StatusCode, body)
	}
}

func TestRecordOutcomeValidatesVariant(t *testing.T) {
	e := newTestEnv(t)
	res, body := e.do(t, http.MethodPost, "/v0/processes/handle-price-increase/outcomes", opsToken,
		map[string]any{"variant": "v9", "success": true})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("undeclared variant: %d %v", res.StatusCode, body)
	}

	res, body = e.do(t, http.MethodPost, "/v0/processes/handle-price-increase/outcomes", opsToken,
		map[string]any{"variant": "v1", "success": true})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("record outcome: %d %v", res.StatusCode, body)
	}
	stats, err := e.repo.VariantStats(context.Background(), "handle-price-increase")
	if err != nil {
		t.Fatal(err)
	}
	if len(stats) != 1 {
		t.Fatalf("stats rows: %v", stats)
	}
}

func TestOpenAPISpecStableUnderConcurrentFirstFetch(t *testing.T) {
	e := newTestEnv(t)
	const fetchers = 8
	bodies := make([]string, fetchers)
	var wg sync.WaitGroup
	for i := 0; i < fetchers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req, err := http.NewRequest(http.MethodGet, e.srv.URL+"/v0/openapi.json", nil)
			if err != nil {
				t.Error(err)
				return
			}
			req.Header.Set("Authorization", "Bearer "+opsToken)
			res, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Error(err)
				return
			}
			defer res.Body.Close()
			if res.StatusCode != http.StatusOK {
				t.Errorf("spec fetch: %d", res.StatusCode)
				return
			}
			data, err := io.ReadAll(res.Body)
			if err != nil {
				t.Error(err)
				return
			}
			bodies[i] = string(data)
		}(i)
	}
	wg.Wait()
	if bodies[0] == "" {
		t.Fatal("empty spec")
	}
	for i := 1; i < fetchers; i++ {
		if bodies[i] != bodies[0] {
			t.Fatalf("spec bytes differ between concurrent fetches")
		}
	}
}
