package ledger

import (
	"context"
	"math"
	"sort"
	"time"

	"processline/internal/domain"
)

// Details is an entity snapshot plus derived properties. Every computed
// value is a pure function of stored data and the current time; nothing
// probabilistic belongs here.
type Details struct {
	Entity   domain.Entity  `json:"entity"`
	Computed map[string]any `json:"computed"`
}

func (l *Ledger) GetDetails(ctx context.Context, id string) (Details, error) {
	entity, err := l.Repo.GetEntity(ctx, id)
	if err != nil {
		return Details{}, err
	}
	return Details{Entity: entity, Computed: l.computed(entity)}, nil
}

func (l *Ledger) computed(e domain.Entity) map[string]any {
	now := l.now().UTC()
	c := map[string]any{}
	switch e.Type {
	case domain.TypeContract:
		c["is_active"] = e.Status == domain.ContractActive
		c["has_pending_price_increase"] = e.Attributes["pending_price_increase"] != nil
		if end, ok := attrTime(e.Attributes, "end_date"); ok {
			c["days_until_renewal"] = daysUntil(now, end)
			if period, ok := asNumber(e.Attributes["cancellation_period_days"]); ok {
				deadline := end.AddDate(0, 0, -int(period))
				c["is_within_cancellation_window"] = now.Before(deadline)
				c["cancellation_deadline"] = deadline.Format(time.RFC3339)
			}
		}
	case domain.TypeTask:
		terminal := e.Status == domain.TaskCompleted || e.Status == domain.TaskCancelled || e.Status == domain.TaskFailed
		c["is_terminal"] = terminal
		if due, ok := attrTime(e.Attributes, "due_date"); ok {
			c["is_overdue"] = !terminal && now.After(due)
		}
	case domain.TypeUser:
		c["is_active"] = e.Status == domain.UserActive
	case domain.TypeAddress:
		c["is_active"] = e.Status == domain.AddressActive
	case domain.TypeMeterPoint:
		c["is_verified"] = e.Status == domain.MeterPointVerified
		if reading, ok := e.Attributes["last_reading"].(map[string]any); ok {
			c["last_reading_value"] = reading["value"]
		}
	case domain.TypeProviderProfile:
		c["is_listed"] = e.Status == domain.ProviderActive
	case domain.TypeOfferDefinition:
		c["is_published"] = e.Status == domain.OfferPublished
	}
	return c
}

// Timeline entry kinds.
const (
	KindHistory    = "HISTORY"
	KindProjection = "PROJECTION"
)

// TimelineEntry is one step in an entity's chronological view: either a
// transition that happened or a future point deterministically derivable
// from written terms.
type TimelineEntry struct {
	Kind       string         `json:"kind" enum:"HISTORY,PROJECTION"`
	TS         string         `json:"ts" format:"date-time"`
	Label      string         `json:"label"`
	FromStatus string         `json:"from_status,omitempty"`
	ToStatus   string         `json:"to_status,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

// GetTimeline returns history entries plus projections derived from the
// entity's written terms. Hypothetical terms, when given, override stored
// attributes for projection only; stored state is untouched.
func (l *Ledger) GetTimeline(ctx context.Context, id string, hypothetical map[string]any) ([]TimelineEntry, error) {
	entity, err := l.Repo.GetEntity(ctx, id)
	if err != nil {
		return nil, err
	}
	history, err := l.Repo.ListHistory(ctx, id)
	if err != nil {
		return nil, err
	}

	entries := make([]TimelineEntry, 0, len(history)+3)
	for _, h := range history {
		entries = append(entries, TimelineEntry{
			Kind:       KindHistory,
			TS:         h.TS,
			Label:      h.Command,
			FromStatus: h.FromStatus,
			ToStatus:   h.ToStatus,
		})
	}

	terms := cloneAttributes(entity.Attributes)
	for k, v := range hypothetical {
		terms[k] = v
	}
	entries = append(entries, l.projections(entity, terms)...)

	sort.SliceStable(entries, func(i, j int) bool { return entries[i].TS < entries[j].TS })
	return entries, nil
}

func (l *Ledger) projections(e domain.Entity, terms map[string]any) []TimelineEntry {
	var res []TimelineEntry
	switch e.Type {
	case domain.TypeContract:
		if e.Status == domain.ContractArchived || e.Status == domain.ContractTerminated || e.Status == domain.ContractExpired {
			return nil
		}
		if end, ok := attrTime(terms, "end_date"); ok {
			res = append(res, TimelineEntry{
				Kind:    KindProjection,
				TS:      end.Format(time.RFC3339),
				Label:   "contract_renewal",
				Details: map[string]any{"source": "end_date"},
			})
			if period, ok := asNumber(terms["cancellation_period_days"]); ok {
				deadline := end.AddDate(0, 0, -int(period))
				res = append(res, TimelineEntry{
					Kind:    KindProjection,
					TS:      deadline.Format(time.RFC3339),
					Label:   "cancellation_deadline",
					Details: map[string]any{"source": "end_date - cancellation_period_days"},
				})
			}
		}
		if pending, ok := terms["pending_price_increase"].(map[string]any); ok {
			if effective, ok := pending["effective_date"].(string); ok && effective != "" {
				res = append(res, TimelineEntry{
					Kind:    KindProjection,
					TS:      effective,
					Label:   "price_increase_effective",
					Details: map[string]any{"new_unit_price": pending["new_unit_price"]},
				})
			}
		}
	case domain.TypeTask:
		if e.Status == domain.TaskCompleted || e.Status == domain.TaskCancelled || e.Status == domain.TaskFailed {
			return nil
		}
		if due, ok := attrTime(terms, "due_date"); ok {
			res = append(res, TimelineEntry{
				Kind:  KindProjection,
				TS:    due.Format(time.RFC3339),
				Label: "task_due",
			})
		}
	}
	return res
}

func attrTime(attrs map[string]any, field string) (time.Time, bool) {
	s, ok := attrs[field].(string)
	if !ok || s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func daysUntil(now, t time.Time) int {
	return int(math.Ceil(t.Sub(now).Hours() / 24))
}
