package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"processline/internal/domain"
	"processline/internal/events"
	"processline/internal/repo"
)

// Payload is the raw body of a command invocation.
type Payload map[string]any

// Command declares one intent-named mutation for one entity type: its
// allowed source statuses, resulting status, payload invariants and the
// curated event context. All commands share a single transactional apply
// primitive; none carries its own persistence code.
type Command struct {
	Name       string
	EntityType string
	EventType  string
	Create     bool
	From       []string
	To         string // empty for status-preserving commands
	Validate   func(p Payload) error
	Apply      func(e *domain.Entity, p Payload) error
	// EventContext picks the stable keys downstream reactors route on.
	// Never a full entity dump.
	EventContext func(e domain.Entity, p Payload) map[string]any
	// AfterCommit runs once the transaction is durable, off the error path.
	AfterCommit func(l *Ledger, e domain.Entity)
}

// Ledger is the exclusive owner of entity state.
type Ledger struct {
	DB      *sql.DB
	Repo    repo.Repo
	Emitter *events.Emitter
	Trigger *events.Trigger
	Log     zerolog.Logger
	Now     func() time.Time

	catalog map[string]map[string]Command
}

func New(db *sql.DB, emitter *events.Emitter, trigger *events.Trigger, log zerolog.Logger) *Ledger {
	l := &Ledger{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Emitter: emitter,
		Trigger: trigger,
		Log:     log,
		Now:     time.Now,
	}
	l.catalog = buildCatalog()
	return l
}

func buildCatalog() map[string]map[string]Command {
	catalog := map[string]map[string]Command{}
	all := [][]Command{
		contractCommands(),
		taskCommands(),
		userCommands(),
		addressCommands(),
		meterPointCommands(),
		providerCommands(),
		offerCommands(),
	}
	for _, group := range all {
		for _, cmd := range group {
			byName, ok := catalog[cmd.EntityType]
			if !ok {
				byName = map[string]Command{}
				catalog[cmd.EntityType] = byName
			}
			byName[cmd.Name] = cmd
		}
	}
	return catalog
}

func (l *Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// Commands lists the catalog for an entity type, or all when empty.
func (l *Ledger) Commands(entityType string) []Command {
	var res []Command
	for et, byName := range l.catalog {
		if entityType != "" && et != entityType {
			continue
		}
		for _, cmd := range byName {
			res = append(res, cmd)
		}
	}
	return res
}

// Request invokes one command against one entity.
type Request struct {
	EntityType string
	Command    string
	EntityID   string
	ActorID    string
	TraceID    string
	Payload    Payload
}

const applyRetries = 3

// Execute runs a command: precondition check, payload invariants, guarded
// update and history append as one atomic unit, then a best-effort event
// emission that cannot fail the command.
func (l *Ledger) Execute(ctx context.Context, req Request) (domain.Entity, error) {
	cmd, ok := l.catalog[req.EntityType][req.Command]
	if !ok {
		return domain.Entity{}, UnknownCommandError{EntityType: req.EntityType, Command: req.Command}
	}
	if req.Payload == nil {
		req.Payload = Payload{}
	}
	if cmd.Create {
		if err := validatePayload(cmd, req.Payload); err != nil {
			return domain.Entity{}, err
		}
		return l.create(ctx, cmd, req)
	}

	var conflict error
	for attempt := 0; attempt < applyRetries; attempt++ {
		entity, retry, err := l.apply(ctx, cmd, req)
		if err == nil {
			return entity, nil
		}
		if !retry {
			return domain.Entity{}, err
		}
		conflict = err
	}
	return domain.Entity{}, fmt.Errorf("command %s on %s: %w", req.Command, req.EntityID, conflict)
}

// apply is the shared transactional primitive. The returned bool reports
// whether the failure was a lost optimistic-concurrency race worth retrying.
func (l *Ledger) apply(ctx context.Context, cmd Command, req Request) (domain.Entity, bool, error) {
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Entity{}, false, err
	}
	defer tx.Rollback()

	entity, err := l.Repo.GetEntityTx(ctx, tx, req.EntityID)
	if err != nil {
		if err == repo.ErrNotFound {
			return domain.Entity{}, false, fmt.Errorf("%s %s: %w", req.EntityType, req.EntityID, repo.ErrNotFound)
		}
		return domain.Entity{}, false, err
	}
	if entity.Type != req.EntityType {
		return domain.Entity{}, false, fmt.Errorf("%s %s: %w", req.EntityType, req.EntityID, repo.ErrNotFound)
	}
	if !statusIn(entity.Status, cmd.From) {
		return domain.Entity{}, false, IllegalTransitionError{
			EntityID:      entity.ID,
			EntityType:    entity.Type,
			Command:       cmd.Name,
			CurrentStatus: entity.Status,
			Allowed:       cmd.From,
		}
	}
	// Payload invariants are checked only once the entity exists and the
	// transition is legal, so a bad payload never masks a missing entity.
	if err := validatePayload(cmd, req.Payload); err != nil {
		return domain.Entity{}, false, err
	}

	priorStatus := entity.Status
	next := entity
	next.Attributes = cloneAttributes(entity.Attributes)
	if cmd.Apply != nil {
		if err := cmd.Apply(&next, req.Payload); err != nil {
			return domain.Entity{}, false, err
		}
	}
	next.Status = priorStatus
	if cmd.To != "" {
		next.Status = cmd.To
	}
	next.UpdatedAt = l.now().UTC().Format(time.RFC3339)

	affected, err := l.Repo.UpdateEntityGuarded(ctx, tx, entity.ID, priorStatus, next)
	if err != nil {
		return domain.Entity{}, false, err
	}
	if affected == 0 {
		// Another command changed the status first; re-check from scratch.
		return domain.Entity{}, true, fmt.Errorf("concurrent status change on %s", entity.ID)
	}

	if err := l.appendHistory(ctx, tx, cmd, req, priorStatus, next); err != nil {
		return domain.Entity{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Entity{}, false, err
	}

	l.emit(cmd, req, priorStatus, next)
	if cmd.AfterCommit != nil {
		cmd.AfterCommit(l, next)
	}
	return next, false, nil
}

func (l *Ledger) create(ctx context.Context, cmd Command, req Request) (domain.Entity, error) {
	id := req.EntityID
	if id == "" {
		if v, ok := req.Payload["id"].(string); ok {
			id = v
		}
	}
	if id == "" {
		id = uuid.New().String()
	}
	now := l.now().UTC().Format(time.RFC3339)
	entity := domain.Entity{
		ID:         id,
		Type:       cmd.EntityType,
		Status:     cmd.To,
		Attributes: map[string]any{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if cmd.Apply != nil {
		if err := cmd.Apply(&entity, req.Payload); err != nil {
			return domain.Entity{}, err
		}
	}

	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Entity{}, err
	}
	defer tx.Rollback()
	if err := l.Repo.InsertEntityTx(ctx, tx, entity); err != nil {
		return domain.Entity{}, fmt.Errorf("insert %s: %w", cmd.EntityType, err)
	}
	if err := l.appendHistory(ctx, tx, cmd, req, "", entity); err != nil {
		return domain.Entity{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Entity{}, err
	}

	l.emit(cmd, req, "", entity)
	if cmd.AfterCommit != nil {
		cmd.AfterCommit(l, entity)
	}
	return entity, nil
}

func (l *Ledger) appendHistory(ctx context.Context, tx *sql.Tx, cmd Command, req Request, fromStatus string, next domain.Entity) error {
	seq, err := l.Repo.NextHistorySeqTx(ctx, tx, next.ID)
	if err != nil {
		return err
	}
	var payloadJSON string
	if len(req.Payload) > 0 {
		data, err := json.Marshal(req.Payload)
		if err != nil {
			return fmt.Errorf("marshal command payload: %w", err)
		}
		payloadJSON = string(data)
	}
	return l.Repo.AppendHistoryTx(ctx, tx, domain.HistoryEntry{
		EntityID:    next.ID,
		EntityType:  next.Type,
		Seq:         seq,
		Command:     cmd.Name,
		FromStatus:  fromStatus,
		ToStatus:    next.Status,
		ActorID:     req.ActorID,
		TraceID:     req.TraceID,
		PayloadJSON: payloadJSON,
		TS:          l.now().UTC().Format(time.RFC3339),
	})
}

func (l *Ledger) emit(cmd Command, req Request, fromStatus string, next domain.Entity) {
	if l.Emitter == nil {
		return
	}
	payload := domain.EventPayload{Context: map[string]any{"command": cmd.Name}}
	if cmd.EventContext != nil {
		for k, v := range cmd.EventContext(next, req.Payload) {
			payload.Context[k] = v
		}
	}
	if fromStatus != next.Status {
		payload.Transition = &domain.Transition{FromStatus: fromStatus, ToStatus: next.Status}
	}
	env := l.Emitter.NewEnvelope(cmd.EventType, req.TraceID, domain.EntityRef{ID: next.ID, Type: next.Type}, payload)
	l.Emitter.Emit(env)
}

func validatePayload(cmd Command, p Payload) error {
	if cmd.Validate == nil {
		return nil
	}
	return cmd.Validate(p)
}

func statusIn(status string, allowed []string) bool {
	for _, s := range allowed {
		if s == status {
			return true
		}
	}
	return false
}

func cloneAttributes(attrs map[string]any) map[string]any {
	clone := make(map[string]any, len(attrs))
	for k, v := range attrs {
		clone[k] = v
	}
	return clone
}

// contextFromAttrs copies the named attribute keys into an event context,
// skipping absent ones.
func contextFromAttrs(e domain.Entity, keys ...string) map[string]any {
	res := map[string]any{}
	for _, k := range keys {
		if v, ok := e.Attributes[k]; ok {
			res[k] = v
		}
	}
	return res
}
