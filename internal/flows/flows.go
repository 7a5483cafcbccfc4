package flows

import (
	"context"
	"fmt"

	"processline/internal/dispatch"
	"processline/internal/domain"
	"processline/internal/ledger"
)

// Target addresses referenced by manifest variants.
const (
	TargetPriceIncreaseV1 = "flows/price-increase/v1"
	TargetPriceIncreaseV2 = "flows/price-increase/v2"
	TargetCancellationV1  = "flows/cancellation/v1"
	TargetMeterReadingV1  = "flows/meter-reading/v1"
)

// Register wires every built-in flow target into the dispatcher registry.
// Targets are plain functions: routing between them is manifest data.
func Register(reg *dispatch.Registry, l *ledger.Ledger) {
	reg.Register(TargetPriceIncreaseV1, priceIncreaseV1(l))
	reg.Register(TargetPriceIncreaseV2, priceIncreaseV2(l))
	reg.Register(TargetCancellationV1, cancellationV1(l))
	reg.Register(TargetMeterReadingV1, meterReadingV1(l))
}

// priceIncreaseV1 records the increase and opens a review task for a human.
func priceIncreaseV1(l *ledger.Ledger) dispatch.TargetFunc {
	return func(ctx context.Context, inv dispatch.Invocation) (any, error) {
		contractID, _ := inv.Input["contract_id"].(string)
		contract, err := l.Execute(ctx, ledger.Request{
			EntityType: domain.TypeContract,
			Command:    ledger.CmdReportPriceIncrease,
			EntityID:   contractID,
			ActorID:    inv.ActorID,
			TraceID:    inv.TraceID,
			Payload: ledger.Payload{
				"new_unit_price": inv.Input["new_unit_price"],
				"effective_date": inv.Input["effective_date"],
			},
		})
		if err != nil {
			return nil, err
		}
		task, err := l.Execute(ctx, ledger.Request{
			EntityType: domain.TypeTask,
			Command:    ledger.CmdCreateTask,
			ActorID:    inv.ActorID,
			TraceID:    inv.TraceID,
			Payload: ledger.Payload{
				"title":       fmt.Sprintf("Review price increase for contract %s", contract.ID),
				"description": "Compare the announced terms against current market offers.",
				"priority":    "normal",
				"context":     taskContext(inv, contract),
			},
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{"contract": contract, "task_id": task.ID}, nil
	}
}

// priceIncreaseV2 is the experiment arm: small increases are accepted
// automatically, only large ones go to review.
func priceIncreaseV2(l *ledger.Ledger) dispatch.TargetFunc {
	const autoAcceptPct = 5.0
	return func(ctx context.Context, inv dispatch.Invocation) (any, error) {
		contractID, _ := inv.Input["contract_id"].(string)
		contract, err := l.Execute(ctx, ledger.Request{
			EntityType: domain.TypeContract,
			Command:    ledger.CmdReportPriceIncrease,
			EntityID:   contractID,
			ActorID:    inv.ActorID,
			TraceID:    inv.TraceID,
			Payload: ledger.Payload{
				"new_unit_price": inv.Input["new_unit_price"],
				"effective_date": inv.Input["effective_date"],
			},
		})
		if err != nil {
			return nil, err
		}
		if pct, ok := increasePct(contract, inv.Input["new_unit_price"]); ok && pct <= autoAcceptPct {
			contract, err = l.Execute(ctx, ledger.Request{
				EntityType: domain.TypeContract,
				Command:    ledger.CmdAcceptNewTerms,
				EntityID:   contract.ID,
				ActorID:    inv.ActorID,
				TraceID:    inv.TraceID,
			})
			if err != nil {
				return nil, err
			}
			return map[string]any{"contract": contract, "auto_accepted": true}, nil
		}
		task, err := l.Execute(ctx, ledger.Request{
			EntityType: domain.TypeTask,
			Command:    ledger.CmdCreateTask,
			ActorID:    inv.ActorID,
			TraceID:    inv.TraceID,
			Payload: ledger.Payload{
				"title":    fmt.Sprintf("Review large price increase for contract %s", contract.ID),
				"priority": "high",
				"context":  taskContext(inv, contract),
			},
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{"contract": contract, "auto_accepted": false, "task_id": task.ID}, nil
	}
}

func cancellationV1(l *ledger.Ledger) dispatch.TargetFunc {
	return func(ctx context.Context, inv dispatch.Invocation) (any, error) {
		contractID, _ := inv.Input["contract_id"].(string)
		contract, err := l.Execute(ctx, ledger.Request{
			EntityType: domain.TypeContract,
			Command:    ledger.CmdInitiateUserCancellation,
			EntityID:   contractID,
			ActorID:    inv.ActorID,
			TraceID:    inv.TraceID,
			Payload: ledger.Payload{
				"cancellation_reason": inv.Input["reason"],
			},
		})
		if err != nil {
			return nil, err
		}
		task, err := l.Execute(ctx, ledger.Request{
			EntityType: domain.TypeTask,
			Command:    ledger.CmdCreateTask,
			ActorID:    inv.ActorID,
			TraceID:    inv.TraceID,
			Payload: ledger.Payload{
				"title":    fmt.Sprintf("Confirm termination with provider for contract %s", contract.ID),
				"priority": "high",
				"context":  taskContext(inv, contract),
			},
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{"contract": contract, "task_id": task.ID}, nil
	}
}

func meterReadingV1(l *ledger.Ledger) dispatch.TargetFunc {
	return func(ctx context.Context, inv dispatch.Invocation) (any, error) {
		meterPointID, _ := inv.Input["meter_point_id"].(string)
		return l.Execute(ctx, ledger.Request{
			EntityType: domain.TypeMeterPoint,
			Command:    ledger.CmdRecordMeterReading,
			EntityID:   meterPointID,
			ActorID:    inv.ActorID,
			TraceID:    inv.TraceID,
			Payload: ledger.Payload{
				"value":   inv.Input["value"],
				"read_at": inv.Input["read_at"],
			},
		})
	}
}

func taskContext(inv dispatch.Invocation, entities ...domain.Entity) map[string]any {
	refs := make([]map[string]any, 0, len(entities))
	for _, e := range entities {
		refs = append(refs, map[string]any{"id": e.ID, "type": e.Type})
	}
	return map[string]any{
		"entities": refs,
		"process":  inv.Process,
		"trace_id": inv.TraceID,
	}
}

func increasePct(contract domain.Entity, newPrice any) (float64, bool) {
	current, okCur := numeric(contract.Attributes["unit_price"])
	next, okNew := numeric(newPrice)
	if !okCur || !okNew || current <= 0 {
		return 0, false
	}
	return (next - current) / current * 100, true
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
