package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"processline/internal/domain"
	"processline/internal/repo"
)

const (
	defaultTimeout = 5 * time.Second
	eventVersion   = 1
)

// Emitter delivers event envelopes to a single fixed sink, best-effort.
// Delivery never blocks or fails the command that produced the event; the
// outcome of every attempt is logged and recorded for reconciliation.
type Emitter struct {
	Repo    repo.Repo
	SinkURL string
	Source  string
	Client  *http.Client
	Log     zerolog.Logger
	Now     func() time.Time

	wg sync.WaitGroup
}

func NewEmitter(r repo.Repo, sinkURL, source string, timeout time.Duration, log zerolog.Logger) *Emitter {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Emitter{
		Repo:    r,
		SinkURL: sinkURL,
		Source:  source,
		Client:  &http.Client{Timeout: timeout},
		Log:     log,
		Now:     time.Now,
	}
}

func (e *Emitter) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// NewEnvelope builds the canonical envelope for a completed transition.
func (e *Emitter) NewEnvelope(eventType, traceID string, entity domain.EntityRef, payload domain.EventPayload) domain.Envelope {
	if payload.Context == nil {
		payload.Context = map[string]any{}
	}
	return domain.Envelope{
		EventID:      uuid.New().String(),
		EventType:    eventType,
		EventSource:  e.Source,
		EventVersion: eventVersion,
		Timestamp:    e.now().UTC().Format(time.RFC3339),
		TraceID:      traceID,
		Entity:       entity,
		Payload:      payload,
	}
}

// Emit dispatches the envelope asynchronously: one attempt, no retry. The
// caller's transaction has already committed by the time this runs.
func (e *Emitter) Emit(env domain.Envelope) {
	if strings.TrimSpace(e.SinkURL) == "" {
		e.Log.Debug().Str("event_type", env.EventType).Msg("event sink not configured; skipping emission")
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.deliver(env)
	}()
}

// Wait blocks until in-flight emissions settle. Used by tests and shutdown.
func (e *Emitter) Wait() {
	e.wg.Wait()
}

func (e *Emitter) deliver(env domain.Envelope) {
	err := e.post(env)
	delivery := domain.Delivery{
		EventID:    env.EventID,
		EventType:  env.EventType,
		EntityID:   env.Entity.ID,
		EntityType: env.Entity.Type,
		TraceID:    env.TraceID,
		Status:     domain.DeliveryPublished,
		TS:         e.now().UTC().Format(time.RFC3339),
	}
	if err != nil {
		delivery.Status = domain.DeliveryFailed
		delivery.Error = err.Error()
		e.Log.Warn().
			Str("event_id", env.EventID).
			Str("event_type", env.EventType).
			Str("entity_id", env.Entity.ID).
			Str("trace_id", env.TraceID).
			Err(err).
			Msg("EventPublishFailed")
	} else {
		e.Log.Info().
			Str("event_id", env.EventID).
			Str("event_type", env.EventType).
			Str("entity_id", env.Entity.ID).
			Str("trace_id", env.TraceID).
			Msg("EventPublished")
	}
	if err := e.Repo.InsertDelivery(context.Background(), delivery); err != nil {
		e.Log.Error().Err(err).Str("event_id", env.EventID).Msg("record event delivery")
	}
}

func (e *Emitter) post(env domain.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	req, err := http.NewRequest(http.MethodPost, e.SinkURL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Processline-Event", env.EventType)
	req.Header.Set("X-Processline-Trace", env.TraceID)
	res, err := e.Client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("sink status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// Trigger posts a completed task to the fixed completion sink. This is the
// only resumption channel for work blocked on the task; the ledger has no
// knowledge of what resumes.
type Trigger struct {
	URL    string
	Client *http.Client
	Log    zerolog.Logger

	wg sync.WaitGroup
}

func NewTrigger(url string, timeout time.Duration, log zerolog.Logger) *Trigger {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Trigger{URL: url, Client: &http.Client{Timeout: timeout}, Log: log}
}

// Fire sends the full completed task, best-effort, off the caller's path.
func (t *Trigger) Fire(task domain.Task) {
	if strings.TrimSpace(t.URL) == "" {
		t.Log.Debug().Str("task_id", task.ID).Msg("completion sink not configured; skipping trigger")
		return
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := t.post(task); err != nil {
			t.Log.Warn().Str("task_id", task.ID).Str("trace_id", task.Context.TraceID).Err(err).Msg("task completion trigger failed")
			return
		}
		t.Log.Info().Str("task_id", task.ID).Str("trace_id", task.Context.TraceID).Msg("task completion trigger delivered")
	}()
}

// Wait blocks until in-flight triggers settle.
func (t *Trigger) Wait() {
	t.wg.Wait()
}

func (t *Trigger) post(task domain.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, t.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Processline-Trace", task.Context.TraceID)
	res, err := t.Client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("completion sink status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
