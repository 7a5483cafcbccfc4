package events_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"processline/internal/db"
	"processline/internal/domain"
	"processline/internal/events"
	"processline/internal/ledger"
	"processline/internal/migrate"
	"processline/internal/repo"
)

func newTestRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

func testEnvelope(e *events.Emitter) domain.Envelope {
	return e.NewEnvelope(
		"contract.activated",
		"trace-1",
		domain.EntityRef{ID: "c-1", Type: domain.TypeContract},
		domain.EventPayload{
			Transition: &domain.Transition{FromStatus: domain.ContractPendingActivation, ToStatus: domain.ContractActive},
			Context:    map[string]any{"command": "ConfirmActivation", "user_id": "u-1"},
		},
	)
}

func TestEmitterDeliversLeanEnvelope(t *testing.T) {
	r := newTestRepo(t)
	received := make(chan map[string]any, 1)
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		var env map[string]any
		if err := json.Unmarshal(body, &env); err != nil {
			t.Errorf("envelope json: %v", err)
		}
		received <- env
		w.WriteHeader(http.StatusAccepted)
	}))
	defer sink.Close()

	emitter := events.NewEmitter(r, sink.URL, "processline-ledger", 0, zerolog.Nop())
	emitter.Emit(testEnvelope(emitter))
	emitter.Wait()

	env := <-received
	for _, key := range []string{"event_id", "event_type", "event_source", "event_version", "timestamp", "trace_id", "entity", "payload"} {
		if _, ok := env[key]; !ok {
			t.Fatalf("envelope missing %s: %v", key, env)
		}
	}
	if env["event_source"] != "processline-ledger" {
		t.Fatalf("source: %v", env["event_source"])
	}
	entity := env["entity"].(map[string]any)
	if entity["id"] != "c-1" || entity["type"] != "contract" {
		t.Fatalf("entity ref wrong: %v", entity)
	}
	// Lean contract: the envelope carries a reference and curated context,
	// never the entity's attribute document.
	if _, ok := entity["attributes"]; ok {
		t.Fatal("envelope must not embed entity attributes")
	}
	payload := env["payload"].(map[string]any)
	transition := payload["transition"].(map[string]any)
	if transition["from_status"] != "PENDING_ACTIVATION" || transition["to_status"] != "ACTIVE" {
		t.Fatalf("transition wrong: %v", transition)
	}

	deliveries, err := r.ListDeliveries(context.Background(), domain.DeliveryPublished, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(deliveries) != 1 {
		t.Fatalf("expected one published delivery, got %d", len(deliveries))
	}
}

func TestEmitterFailureIsRecordedNotRaised(t *testing.T) {
	r := newTestRepo(t)
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		http.Error(w, "downstream unavailable", http.StatusServiceUnavailable)
	}))
	defer sink.Close()

	emitter := events.NewEmitter(r, sink.URL, "processline-ledger", 0, zerolog.Nop())
	emitter.Emit(testEnvelope(emitter))
	emitter.Wait()

	deliveries, err := r.ListDeliveries(context.Background(), domain.DeliveryFailed, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(deliveries) != 1 {
		t.Fatalf("expected one failed delivery, got %d", len(deliveries))
	}
	if deliveries[0].Error == "" {
		t.Fatal("failed delivery must record the error")
	}
}

func TestCommandSucceedsWhenSinkIsDown(t *testing.T) {
	r := newTestRepo(t)
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer sink.Close()

	emitter := events.NewEmitter(r, sink.URL, "processline-ledger", 0, zerolog.Nop())
	led := ledger.New(r.DB, emitter, nil, zerolog.Nop())

	contract, err := led.Execute(context.Background(), ledger.Request{
		EntityType: domain.TypeContract,
		Command:    ledger.CmdRegisterPendingContract,
		Payload: ledger.Payload{
			"user_id": "u-1", "provider_id": "p-1", "tariff_name": "t", "unit_price": 0.4,
		},
	})
	if err != nil {
		t.Fatalf("command must not fail on emission problems: %v", err)
	}
	emitter.Wait()

	// State and history are durable even though the event never landed.
	stored, err := r.GetEntity(context.Background(), contract.ID)
	if err != nil || stored.Status != domain.ContractPendingActivation {
		t.Fatalf("entity not durable: %v %v", stored, err)
	}
	history, _ := r.ListHistory(context.Background(), contract.ID)
	if len(history) != 1 {
		t.Fatalf("history missing: %d", len(history))
	}
	failed, _ := r.ListDeliveries(context.Background(), domain.DeliveryFailed, 10)
	if len(failed) != 1 {
		t.Fatalf("failed delivery not recorded: %d", len(failed))
	}
}

func TestReconcilerReportsGapsAndFailures(t *testing.T) {
	r := newTestRepo(t)
	// No sink configured: commands commit history but record no deliveries.
	emitter := events.NewEmitter(r, "", "processline-ledger", 0, zerolog.Nop())
	led := ledger.New(r.DB, emitter, nil, zerolog.Nop())
	ctx := context.Background()

	if _, err := led.Execute(ctx, ledger.Request{
		EntityType: domain.TypeUser,
		Command:    ledger.CmdRegisterUser,
		Payload:    ledger.Payload{"email": "a@example.com"},
	}); err != nil {
		t.Fatal(err)
	}
	emitter.Wait()

	rec := events.NewReconciler(r, time.Minute, 0.1, zerolog.Nop())
	report, err := rec.ReconcileOnce(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.UndeliveredEntities != 1 || report.UndeliveredTotal != 1 {
		t.Fatalf("gap not detected: %+v", report)
	}
	if report.Alert {
		t.Fatalf("no failures yet, no alert expected: %+v", report)
	}

	// All recent attempts failed: ratio 1.0 crosses the 0.1 threshold.
	now := time.Now().UTC().Format(time.RFC3339)
	if err := r.InsertDelivery(ctx, domain.Delivery{
		EventID: "ev-1", EventType: "user.registered", EntityID: "u-x",
		EntityType: domain.TypeUser, Status: domain.DeliveryFailed, Error: "timeout", TS: now,
	}); err != nil {
		t.Fatal(err)
	}
	report, err = rec.ReconcileOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !report.Alert || report.FailureRatio != 1.0 {
		t.Fatalf("expected alert at ratio 1.0: %+v", report)
	}
}
