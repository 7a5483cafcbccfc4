package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/danielgtaylor/huma/v2"
	"github.com/rs/zerolog"

	"processline/internal/manifest"
	"processline/internal/repo"
	"processline/internal/strategy"
)

// Resolution is the outcome of strategy resolution for one dispatch.
type Resolution struct {
	Process  string `json:"process"`
	Strategy string `json:"strategy"`
	Variant  string `json:"variant"`
	Target   string `json:"target"`
}

// StatsSource supplies bandit counter snapshots. Loaded once per decision
// so no counter change can leak into a resolution midway.
type StatsSource interface {
	VariantStats(ctx context.Context, process string) ([]repo.VariantStat, error)
}

// Resolver loads the manifest for a process, validates caller input against
// its schema and runs the referenced strategy.
type Resolver struct {
	Manifests *manifest.Store
	Stats     StatsSource
	Log       zerolog.Logger

	schemaRegistry huma.Registry
}

func NewResolver(store *manifest.Store, stats StatsSource, log zerolog.Logger) *Resolver {
	return &Resolver{
		Manifests:      store,
		Stats:          stats,
		Log:            log,
		schemaRegistry: huma.NewMapRegistry("#/components/schemas/", huma.DefaultSchemaNamer),
	}
}

// Resolve returns the execution target for a process invocation or fails
// with UnknownProcessError, InvalidInputError, StrategyConfigError or
// InvalidStrategyResultError.
func (r *Resolver) Resolve(ctx context.Context, process string, callerCtx map[string]any, input map[string]any, traceID string) (Resolution, error) {
	m, err := r.Manifests.Get(process)
	if err != nil {
		return Resolution{}, err
	}

	if m.InputSchema != nil {
		if err := r.validateInput(process, &m.InputSchema.Schema, input); err != nil {
			return Resolution{}, err
		}
	}

	decision, ok := strategy.Lookup(m.Strategy.Address)
	if !ok {
		return Resolution{}, fmt.Errorf("process %s references unregistered strategy %s", process, m.Strategy.Address)
	}

	sctx := strategy.Context{Attributes: callerCtx}
	if m.Strategy.Address == strategy.AddrBanditUCB1 {
		if r.Stats == nil {
			return Resolution{}, fmt.Errorf("process %s uses %s but no stats source is configured", process, m.Strategy.Address)
		}
		stats, err := r.Stats.VariantStats(ctx, process)
		if err != nil {
			return Resolution{}, fmt.Errorf("load variant stats: %w", err)
		}
		sctx.Stats = make(map[string]strategy.Stat, len(stats))
		for _, s := range stats {
			sctx.Stats[s.Variant] = strategy.Stat{Attempts: s.Attempts, Successes: s.Successes}
		}
	}

	variantID, err := decision(sctx, m.Variants, m.Strategy.StaticArgs)
	if err != nil {
		// A missing context path is the caller's fault; everything else a
		// decision can reject lives in the manifest's static args.
		var ce strategy.ContextError
		if errors.As(err, &ce) {
			return Resolution{}, InvalidInputError{Process: process, Field: ce.Path, Reason: ce.Reason}
		}
		return Resolution{}, StrategyConfigError{Process: process, Strategy: m.Strategy.Address, Reason: err.Error()}
	}
	chosen, ok := m.VariantByID(variantID)
	if !ok {
		return Resolution{}, InvalidStrategyResultError{Process: process, Strategy: m.Strategy.Address, Variant: variantID}
	}

	res := Resolution{
		Process:  process,
		Strategy: m.Strategy.Address,
		Variant:  chosen.ID,
		Target:   chosen.Target,
	}
	r.Log.Info().
		Str("process", res.Process).
		Str("strategy", res.Strategy).
		Str("variant", res.Variant).
		Str("target", res.Target).
		Str("trace_id", traceID).
		Msg("process resolved")
	return res, nil
}

func (r *Resolver) validateInput(process string, schema *huma.Schema, input map[string]any) error {
	pb := huma.NewPathBuffer([]byte(""), 0)
	result := &huma.ValidateResult{}
	huma.Validate(r.schemaRegistry, schema, pb, huma.ModeWriteToServer, input, result)
	if len(result.Errors) == 0 {
		return nil
	}
	first := result.Errors[0]
	if detail, ok := first.(*huma.ErrorDetail); ok {
		return InvalidInputError{Process: process, Field: detail.Location, Reason: detail.Message}
	}
	return InvalidInputError{Process: process, Reason: first.Error()}
}
