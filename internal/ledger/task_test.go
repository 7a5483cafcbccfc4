package ledger_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"processline/internal/domain"
	"processline/internal/events"
	"processline/internal/ledger"
)

func createTask(t *testing.T, led *ledger.Ledger, payload ledger.Payload) domain.Entity {
	t.Helper()
	if payload == nil {
		payload = ledger.Payload{"title": "Review something"}
	}
	task, err := led.Execute(context.Background(), ledger.Request{
		EntityType: domain.TypeTask,
		Command:    ledger.CmdCreateTask,
		ActorID:    "tester",
		Payload:    payload,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func TestTaskLifecycle(t *testing.T) {
	led, ctx := newTestLedger(t)
	task := createTask(t, led, ledger.Payload{
		"title":    "Compare offers for contract c-1",
		"priority": "high",
		"context": map[string]any{
			"entities": []any{map[string]any{"id": "c-1", "type": "contract"}},
			"process":  "handle-price-increase",
			"trace_id": "trace-9",
		},
	})
	if task.Status != domain.TaskOpen {
		t.Fatalf("status after create: %s", task.Status)
	}

	task = exec(t, led, ctx, domain.TypeTask, ledger.CmdAssign, task.ID,
		ledger.Payload{"assignee_type": "agent", "assignee_id": "offer-bot"})
	if task.Status != domain.TaskAssigned {
		t.Fatalf("status after assign: %s", task.Status)
	}
	task = exec(t, led, ctx, domain.TypeTask, ledger.CmdBeginProgress, task.ID, nil)
	if task.Status != domain.TaskInProgress {
		t.Fatalf("status after begin: %s", task.Status)
	}
	task = exec(t, led, ctx, domain.TypeTask, ledger.CmdRequestInfo, task.ID,
		ledger.Payload{"question": "which meter point?"})
	if task.Status != domain.TaskPendingInfo {
		t.Fatalf("status after request info: %s", task.Status)
	}
	task = exec(t, led, ctx, domain.TypeTask, ledger.CmdProvideInfo, task.ID, nil)
	if task.Status != domain.TaskInProgress {
		t.Fatalf("status after provide info: %s", task.Status)
	}
	task = exec(t, led, ctx, domain.TypeTask, ledger.CmdComplete, task.ID,
		ledger.Payload{"resolution": map[string]any{"outcome": "no_better_offer", "summary": "keep contract"}})
	if task.Status != domain.TaskCompleted {
		t.Fatalf("status after complete: %s", task.Status)
	}

	decoded, err := domain.TaskFromEntity(task)
	if err != nil {
		t.Fatalf("decode task: %v", err)
	}
	if decoded.Resolution == nil || decoded.Resolution.Outcome != "no_better_offer" {
		t.Fatalf("resolution lost: %+v", decoded.Resolution)
	}
	if decoded.Context.Process != "handle-price-increase" {
		t.Fatalf("context lost: %+v", decoded.Context)
	}
}

func TestTaskCompleteOnlyFromInProgress(t *testing.T) {
	led, ctx := newTestLedger(t)
	task := createTask(t, led, nil)
	task = exec(t, led, ctx, domain.TypeTask, ledger.CmdAssign, task.ID,
		ledger.Payload{"assignee_type": "human", "assignee_id": "sam"})

	_, err := led.Execute(ctx, ledger.Request{
		EntityType: domain.TypeTask,
		Command:    ledger.CmdComplete,
		EntityID:   task.ID,
		Payload:    ledger.Payload{"resolution": map[string]any{"outcome": "done"}},
	})
	var it ledger.IllegalTransitionError
	if !errors.As(err, &it) {
		t.Fatalf("expected IllegalTransitionError from ASSIGNED, got %v", err)
	}
}

func TestTaskCompleteRequiresResolution(t *testing.T) {
	led, ctx := newTestLedger(t)
	task := createTask(t, led, nil)
	task = exec(t, led, ctx, domain.TypeTask, ledger.CmdAssign, task.ID,
		ledger.Payload{"assignee_type": "human", "assignee_id": "sam"})
	task = exec(t, led, ctx, domain.TypeTask, ledger.CmdBeginProgress, task.ID, nil)

	var ve ledger.ValidationError
	_, err := led.Execute(ctx, ledger.Request{
		EntityType: domain.TypeTask,
		Command:    ledger.CmdComplete,
		EntityID:   task.ID,
	})
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError without resolution, got %v", err)
	}
	_, err = led.Execute(ctx, ledger.Request{
		EntityType: domain.TypeTask,
		Command:    ledger.CmdComplete,
		EntityID:   task.ID,
		Payload:    ledger.Payload{"resolution": map[string]any{"summary": "no outcome"}},
	})
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError without outcome, got %v", err)
	}
}

func TestTaskCancelOnlyBeforeProgress(t *testing.T) {
	led, ctx := newTestLedger(t)
	task := createTask(t, led, nil)
	task = exec(t, led, ctx, domain.TypeTask, ledger.CmdCancel, task.ID,
		ledger.Payload{"reason": "duplicate"})
	if task.Status != domain.TaskCancelled {
		t.Fatalf("cancel from OPEN failed: %s", task.Status)
	}

	task2 := createTask(t, led, nil)
	task2 = exec(t, led, ctx, domain.TypeTask, ledger.CmdAssign, task2.ID,
		ledger.Payload{"assignee_type": "human", "assignee_id": "sam"})
	task2 = exec(t, led, ctx, domain.TypeTask, ledger.CmdBeginProgress, task2.ID, nil)
	_, err := led.Execute(ctx, ledger.Request{
		EntityType: domain.TypeTask,
		Command:    ledger.CmdCancel,
		EntityID:   task2.ID,
	})
	var it ledger.IllegalTransitionError
	if !errors.As(err, &it) {
		t.Fatalf("expected IllegalTransitionError cancelling in-progress task, got %v", err)
	}
}

func TestTaskInvalidPriorityAndAssigneeType(t *testing.T) {
	led, ctx := newTestLedger(t)
	_, err := led.Execute(ctx, ledger.Request{
		EntityType: domain.TypeTask,
		Command:    ledger.CmdCreateTask,
		Payload:    ledger.Payload{"title": "x", "priority": "asap"},
	})
	var ve ledger.ValidationError
	if !errors.As(err, &ve) || ve.Field != "priority" {
		t.Fatalf("expected priority ValidationError, got %v", err)
	}

	task := createTask(t, led, nil)
	_, err = led.Execute(ctx, ledger.Request{
		EntityType: domain.TypeTask,
		Command:    ledger.CmdAssign,
		EntityID:   task.ID,
		Payload:    ledger.Payload{"assignee_type": "robot", "assignee_id": "r2"},
	})
	if !errors.As(err, &ve) || ve.Field != "assignee_type" {
		t.Fatalf("expected assignee_type ValidationError, got %v", err)
	}
}

func TestTaskCompletionTriggerDeliversFullTask(t *testing.T) {
	led, ctx := newTestLedger(t)

	received := make(chan domain.Task, 1)
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var task domain.Task
		if err := json.Unmarshal(body, &task); err != nil {
			t.Errorf("trigger body: %v", err)
		}
		received <- task
		w.WriteHeader(http.StatusNoContent)
	}))
	defer sink.Close()
	led.Trigger = events.NewTrigger(sink.URL, 0, zerolog.Nop())

	task := createTask(t, led, ledger.Payload{
		"title":   "Confirm termination",
		"context": map[string]any{"process": "handle-cancellation", "trace_id": "trace-3"},
	})
	task = exec(t, led, ctx, domain.TypeTask, ledger.CmdAssign, task.ID,
		ledger.Payload{"assignee_type": "agent", "assignee_id": "provider-bot"})
	task = exec(t, led, ctx, domain.TypeTask, ledger.CmdBeginProgress, task.ID, nil)
	task = exec(t, led, ctx, domain.TypeTask, ledger.CmdComplete, task.ID,
		ledger.Payload{"resolution": map[string]any{"outcome": "terminated"}})
	led.Trigger.Wait()

	select {
	case got := <-received:
		if got.ID != task.ID {
			t.Fatalf("trigger delivered wrong task: %s", got.ID)
		}
		if got.Resolution == nil || got.Resolution.Outcome != "terminated" {
			t.Fatalf("trigger task missing resolution: %+v", got.Resolution)
		}
		if got.Context.TraceID != "trace-3" {
			t.Fatalf("trigger task missing context: %+v", got.Context)
		}
	default:
		t.Fatal("completion trigger never fired")
	}
}

func TestTaskFailRecordsReason(t *testing.T) {
	led, ctx := newTestLedger(t)
	task := createTask(t, led, nil)
	task = exec(t, led, ctx, domain.TypeTask, ledger.CmdAssign, task.ID,
		ledger.Payload{"assignee_type": "agent", "assignee_id": "bot"})
	task = exec(t, led, ctx, domain.TypeTask, ledger.CmdBeginProgress, task.ID, nil)
	task = exec(t, led, ctx, domain.TypeTask, ledger.CmdFail, task.ID,
		ledger.Payload{"reason": "provider API unreachable"})
	if task.Status != domain.TaskFailed {
		t.Fatalf("status after fail: %s", task.Status)
	}
	decoded, err := domain.TaskFromEntity(task)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.Resolution == nil || decoded.Resolution.Outcome != "failed" {
		t.Fatalf("fail resolution wrong: %+v", decoded.Resolution)
	}
}
