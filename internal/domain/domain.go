package domain

import "encoding/json"

// Entity type identifiers used across the ledger.
const (
	TypeContract        = "contract"
	TypeUser            = "user"
	TypeTask            = "task"
	TypeAddress         = "address"
	TypeMeterPoint      = "meter_point"
	TypeProviderProfile = "provider_profile"
	TypeOfferDefinition = "offer_definition"
)

// Contract statuses.
const (
	ContractPendingActivation   = "PENDING_ACTIVATION"
	ContractActive              = "ACTIVE"
	ContractCancellationPending = "CANCELLATION_PENDING"
	ContractTerminated          = "TERMINATED"
	ContractExpired             = "EXPIRED"
	ContractErrored             = "ERRORED"
	ContractArchived            = "ARCHIVED"
)

// Task statuses.
const (
	TaskOpen        = "OPEN"
	TaskAssigned    = "ASSIGNED"
	TaskInProgress  = "IN_PROGRESS"
	TaskPendingInfo = "PENDING_INFO"
	TaskCompleted   = "COMPLETED"
	TaskCancelled   = "CANCELLED"
	TaskFailed      = "FAILED"
)

// User statuses.
const (
	UserActive    = "ACTIVE"
	UserSuspended = "SUSPENDED"
	UserClosed    = "CLOSED"
)

// Address statuses.
const (
	AddressActive   = "ACTIVE"
	AddressArchived = "ARCHIVED"
)

// MeterPoint statuses.
const (
	MeterPointUnverified     = "UNVERIFIED"
	MeterPointVerified       = "VERIFIED"
	MeterPointDecommissioned = "DECOMMISSIONED"
)

// ProviderProfile statuses.
const (
	ProviderActive   = "ACTIVE"
	ProviderDelisted = "DELISTED"
)

// OfferDefinition statuses.
const (
	OfferDraft     = "DRAFT"
	OfferPublished = "PUBLISHED"
	OfferWithdrawn = "WITHDRAWN"
)

// Entity is the ledger-owned snapshot shared by all entity types. Raw
// attributes are schemaless; typed views (Task) decode from them.
type Entity struct {
	ID         string         `json:"id"`
	Type       string         `json:"type" enum:"contract,user,task,address,meter_point,provider_profile,offer_definition"`
	Status     string         `json:"status"`
	Attributes map[string]any `json:"attributes"`
	CreatedAt  string         `json:"created_at" format:"date-time"`
	UpdatedAt  string         `json:"updated_at" format:"date-time"`
}

// HistoryEntry is one immutable line of an entity's append-only log.
type HistoryEntry struct {
	ID          int64  `json:"id"`
	EntityID    string `json:"entity_id"`
	EntityType  string `json:"entity_type"`
	Seq         int64  `json:"seq"`
	Command     string `json:"command"`
	FromStatus  string `json:"from_status"`
	ToStatus    string `json:"to_status"`
	ActorID     string `json:"actor_id"`
	TraceID     string `json:"trace_id"`
	PayloadJSON string `json:"payload_json,omitempty"`
	TS          string `json:"ts" format:"date-time"`
}

// EntityRef identifies an entity inside envelopes and task context.
type EntityRef struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// Transition records a status change inside an event payload.
type Transition struct {
	FromStatus string `json:"from_status"`
	ToStatus   string `json:"to_status"`
}

// EventPayload is intentionally lean: a transition block plus curated
// context keys, never a full entity dump.
type EventPayload struct {
	Transition *Transition    `json:"transition,omitempty"`
	Context    map[string]any `json:"context"`
}

// Envelope is the canonical event shape delivered to the downstream sink.
type Envelope struct {
	EventID      string       `json:"event_id"`
	EventType    string       `json:"event_type"`
	EventSource  string       `json:"event_source"`
	EventVersion int          `json:"event_version"`
	Timestamp    string       `json:"timestamp" format:"date-time"`
	TraceID      string       `json:"trace_id"`
	Entity       EntityRef    `json:"entity"`
	Payload      EventPayload `json:"payload"`
}

// Delivery records the outcome of one best-effort emission attempt. The
// reconciler diffs these against history entries.
type Delivery struct {
	ID         int64  `json:"id"`
	EventID    string `json:"event_id"`
	EventType  string `json:"event_type"`
	EntityID   string `json:"entity_id"`
	EntityType string `json:"entity_type"`
	TraceID    string `json:"trace_id"`
	Status     string `json:"status" enum:"published,failed"`
	Error      string `json:"error,omitempty"`
	TS         string `json:"ts" format:"date-time"`
}

// Delivery statuses.
const (
	DeliveryPublished = "published"
	DeliveryFailed    = "failed"
)

// TaskContext links a task back to the entities and process invocation
// that spawned it.
type TaskContext struct {
	Entities []EntityRef `json:"entities,omitempty"`
	Process  string      `json:"process,omitempty"`
	TraceID  string      `json:"trace_id,omitempty"`
}

// TaskAssignment names the worker a task is assigned to.
type TaskAssignment struct {
	Type string `json:"type" enum:"human,agent"`
	ID   string `json:"id"`
}

// TaskResolution is populated only at completion.
type TaskResolution struct {
	Outcome string         `json:"outcome"`
	Summary string         `json:"summary,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// Task is the typed view over a task entity's attributes.
type Task struct {
	ID          string          `json:"id"`
	Status      string          `json:"status" enum:"OPEN,ASSIGNED,IN_PROGRESS,PENDING_INFO,COMPLETED,CANCELLED,FAILED"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Priority    string          `json:"priority,omitempty"`
	DueDate     string          `json:"due_date,omitempty" format:"date-time"`
	Context     TaskContext     `json:"context"`
	Assignment  *TaskAssignment `json:"assignment,omitempty"`
	Resolution  *TaskResolution `json:"resolution,omitempty"`
	CreatedAt   string          `json:"created_at" format:"date-time"`
	UpdatedAt   string          `json:"updated_at" format:"date-time"`
}

// TaskFromEntity decodes the typed task view from a task entity snapshot.
func TaskFromEntity(e Entity) (Task, error) {
	var t Task
	data, err := json.Marshal(e.Attributes)
	if err != nil {
		return t, err
	}
	if err := json.Unmarshal(data, &t); err != nil {
		return t, err
	}
	t.ID = e.ID
	t.Status = e.Status
	t.CreatedAt = e.CreatedAt
	t.UpdatedAt = e.UpdatedAt
	return t, nil
}

// ToAttributes encodes the task-specific fields back into entity attributes.
// Identity and status live on the entity row, not in attributes.
func (t Task) ToAttributes() (map[string]any, error) {
	shadow := t
	shadow.ID = ""
	shadow.Status = ""
	shadow.CreatedAt = ""
	shadow.UpdatedAt = ""
	data, err := json.Marshal(shadow)
	if err != nil {
		return nil, err
	}
	attrs := map[string]any{}
	if err := json.Unmarshal(data, &attrs); err != nil {
		return nil, err
	}
	delete(attrs, "id")
	delete(attrs, "status")
	delete(attrs, "created_at")
	delete(attrs, "updated_at")
	return attrs, nil
}
