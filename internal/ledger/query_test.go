package ledger_test

import (
	"context"
	"testing"

	"processline/internal/domain"
	"processline/internal/ledger"
)

// Fixed clock in newTestLedger is 2026-01-02T03:04:05Z; dates below are
// chosen relative to it.

func registerTermContract(t *testing.T, led *ledger.Ledger) domain.Entity {
	t.Helper()
	contract, err := led.Execute(context.Background(), ledger.Request{
		EntityType: domain.TypeContract,
		Command:    ledger.CmdRegisterPendingContract,
		ActorID:    "tester",
		Payload: ledger.Payload{
			"user_id":                  "u-1",
			"provider_id":              "p-1",
			"tariff_name":              "green-basic",
			"unit_price":               0.40,
			"end_date":                 "2026-03-01T00:00:00Z",
			"cancellation_period_days": 30,
		},
	})
	if err != nil {
		t.Fatalf("register contract: %v", err)
	}
	return contract
}

func TestContractDetailsComputed(t *testing.T) {
	led, ctx := newTestLedger(t)
	contract := registerTermContract(t, led)

	details, err := led.GetDetails(ctx, contract.ID)
	if err != nil {
		t.Fatalf("details: %v", err)
	}
	if details.Computed["is_active"] != false {
		t.Fatalf("pending contract reported active: %v", details.Computed)
	}
	if details.Computed["has_pending_price_increase"] != false {
		t.Fatalf("no increase reported yet: %v", details.Computed)
	}
	// 2026-01-02T03:04:05Z to 2026-03-01T00:00:00Z, rounded up.
	if details.Computed["days_until_renewal"] != 58 {
		t.Fatalf("days_until_renewal: %v", details.Computed["days_until_renewal"])
	}
	// Deadline 2026-01-30 is still ahead of the fixed clock.
	if details.Computed["is_within_cancellation_window"] != true {
		t.Fatalf("cancellation window: %v", details.Computed)
	}
	if details.Computed["cancellation_deadline"] != "2026-01-30T00:00:00Z" {
		t.Fatalf("cancellation_deadline: %v", details.Computed["cancellation_deadline"])
	}

	contract = exec(t, led, ctx, domain.TypeContract, ledger.CmdConfirmActivation, contract.ID, nil)
	exec(t, led, ctx, domain.TypeContract, ledger.CmdReportPriceIncrease, contract.ID,
		ledger.Payload{"new_unit_price": 0.48, "effective_date": "2026-02-15T00:00:00Z"})

	details, err = led.GetDetails(ctx, contract.ID)
	if err != nil {
		t.Fatal(err)
	}
	if details.Computed["is_active"] != true || details.Computed["has_pending_price_increase"] != true {
		t.Fatalf("after activation and increase: %v", details.Computed)
	}
}

func TestTaskDetailsComputed(t *testing.T) {
	led, ctx := newTestLedger(t)
	task := createTask(t, led, ledger.Payload{
		"title":    "Chase provider",
		"due_date": "2026-01-01T00:00:00Z", // already past the fixed clock
	})

	details, err := led.GetDetails(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if details.Computed["is_terminal"] != false || details.Computed["is_overdue"] != true {
		t.Fatalf("open overdue task: %v", details.Computed)
	}

	task = exec(t, led, ctx, domain.TypeTask, ledger.CmdAssign, task.ID,
		ledger.Payload{"assignee_type": "human", "assignee_id": "sam"})
	task = exec(t, led, ctx, domain.TypeTask, ledger.CmdBeginProgress, task.ID, nil)
	exec(t, led, ctx, domain.TypeTask, ledger.CmdComplete, task.ID,
		ledger.Payload{"resolution": map[string]any{"outcome": "chased"}})

	details, err = led.GetDetails(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if details.Computed["is_terminal"] != true {
		t.Fatalf("completed task not terminal: %v", details.Computed)
	}
	if details.Computed["is_overdue"] != false {
		t.Fatalf("terminal task cannot be overdue: %v", details.Computed)
	}
}

func findProjection(entries []ledger.TimelineEntry, label string) (ledger.TimelineEntry, bool) {
	for _, e := range entries {
		if e.Kind == ledger.KindProjection && e.Label == label {
			return e, true
		}
	}
	return ledger.TimelineEntry{}, false
}

func TestTimelineMixesHistoryAndProjections(t *testing.T) {
	led, ctx := newTestLedger(t)
	contract := registerTermContract(t, led)
	contract = exec(t, led, ctx, domain.TypeContract, ledger.CmdConfirmActivation, contract.ID, nil)
	exec(t, led, ctx, domain.TypeContract, ledger.CmdReportPriceIncrease, contract.ID,
		ledger.Payload{"new_unit_price": 0.48, "effective_date": "2026-02-15T00:00:00Z"})

	entries, err := led.GetTimeline(ctx, contract.ID, nil)
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}

	var history, projections int
	for _, e := range entries {
		switch e.Kind {
		case ledger.KindHistory:
			history++
		case ledger.KindProjection:
			projections++
		}
	}
	if history != 3 {
		t.Fatalf("expected 3 history entries, got %d", history)
	}
	if projections != 3 {
		t.Fatalf("expected renewal, deadline and increase projections, got %d", projections)
	}

	for i := 1; i < len(entries); i++ {
		if entries[i-1].TS > entries[i].TS {
			t.Fatalf("timeline out of order at %d: %s > %s", i, entries[i-1].TS, entries[i].TS)
		}
	}

	renewal, ok := findProjection(entries, "contract_renewal")
	if !ok || renewal.TS != "2026-03-01T00:00:00Z" {
		t.Fatalf("renewal projection: %+v", renewal)
	}
	deadline, ok := findProjection(entries, "cancellation_deadline")
	if !ok || deadline.TS != "2026-01-30T00:00:00Z" {
		t.Fatalf("deadline projection: %+v", deadline)
	}
	increase, ok := findProjection(entries, "price_increase_effective")
	if !ok || increase.TS != "2026-02-15T00:00:00Z" {
		t.Fatalf("increase projection: %+v", increase)
	}
	if increase.Details["new_unit_price"] != 0.48 {
		t.Fatalf("increase details: %v", increase.Details)
	}
}

func TestTimelineHypotheticalTermsDoNotPersist(t *testing.T) {
	led, ctx := newTestLedger(t)
	contract := registerTermContract(t, led)

	entries, err := led.GetTimeline(ctx, contract.ID, map[string]any{
		"end_date": "2026-06-30T00:00:00Z",
	})
	if err != nil {
		t.Fatal(err)
	}
	renewal, ok := findProjection(entries, "contract_renewal")
	if !ok || renewal.TS != "2026-06-30T00:00:00Z" {
		t.Fatalf("hypothetical end_date not applied: %+v", renewal)
	}
	deadline, ok := findProjection(entries, "cancellation_deadline")
	if !ok || deadline.TS != "2026-05-31T00:00:00Z" {
		t.Fatalf("deadline must follow hypothetical end_date: %+v", deadline)
	}

	// Stored terms are untouched by what-if queries.
	stored, err := led.Repo.GetEntity(ctx, contract.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Attributes["end_date"] != "2026-03-01T00:00:00Z" {
		t.Fatalf("hypothetical terms leaked into storage: %v", stored.Attributes["end_date"])
	}
}

func TestTimelineTerminalContractHasNoProjections(t *testing.T) {
	led, ctx := newTestLedger(t)
	contract := registerTermContract(t, led)
	contract = exec(t, led, ctx, domain.TypeContract, ledger.CmdConfirmActivation, contract.ID, nil)
	contract = exec(t, led, ctx, domain.TypeContract, ledger.CmdInitiateUserCancellation, contract.ID, nil)
	exec(t, led, ctx, domain.TypeContract, ledger.CmdConfirmProviderTermination, contract.ID, nil)

	entries, err := led.GetTimeline(ctx, contract.ID, nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.Kind == ledger.KindProjection {
			t.Fatalf("terminated contract projected %s", e.Label)
		}
	}
}
