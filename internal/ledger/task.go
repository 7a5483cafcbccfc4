package ledger

import (
	"encoding/json"

	"processline/internal/domain"
)

// Task command names.
const (
	CmdCreateTask    = "CreateTask"
	CmdAssign        = "Assign"
	CmdBeginProgress = "BeginProgress"
	CmdRequestInfo   = "RequestInfo"
	CmdProvideInfo   = "ProvideInfo"
	CmdComplete      = "Complete"
	CmdFail          = "Fail"
	CmdCancel        = "Cancel"
)

var taskPriorities = map[string]bool{"low": true, "normal": true, "high": true, "urgent": true}

// mutateTask applies a typed edit to a task entity's attributes.
func mutateTask(e *domain.Entity, fn func(t *domain.Task) error) error {
	t, err := domain.TaskFromEntity(*e)
	if err != nil {
		return err
	}
	if err := fn(&t); err != nil {
		return err
	}
	attrs, err := t.ToAttributes()
	if err != nil {
		return err
	}
	e.Attributes = attrs
	return nil
}

func decodeInto(v any, out any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func taskCommands() []Command {
	return []Command{
		{
			Name:       CmdCreateTask,
			EntityType: domain.TypeTask,
			EventType:  "task.created",
			Create:     true,
			To:         domain.TaskOpen,
			Validate: func(p Payload) error {
				if _, err := requireString(p, "title"); err != nil {
					return err
				}
				if prio := optionalString(p, "priority"); prio != "" && !taskPriorities[prio] {
					return ValidationError{Field: "priority", Reason: "must be one of low, normal, high, urgent"}
				}
				_, err := optionalDate(p, "due_date")
				return err
			},
			Apply: func(e *domain.Entity, p Payload) error {
				return mutateTask(e, func(t *domain.Task) error {
					t.Title = optionalString(p, "title")
					t.Description = optionalString(p, "description")
					t.Priority = optionalString(p, "priority")
					if t.Priority == "" {
						t.Priority = "normal"
					}
					t.DueDate = optionalString(p, "due_date")
					if raw, ok := p["context"]; ok {
						if err := decodeInto(raw, &t.Context); err != nil {
							return ValidationError{Field: "context", Reason: err.Error()}
						}
					}
					return nil
				})
			},
			EventContext: taskEventContext,
		},
		{
			Name:       CmdAssign,
			EntityType: domain.TypeTask,
			EventType:  "task.assigned",
			From:       []string{domain.TaskOpen},
			To:         domain.TaskAssigned,
			Validate: func(p Payload) error {
				kind, err := requireString(p, "assignee_type")
				if err != nil {
					return err
				}
				if kind != "human" && kind != "agent" {
					return ValidationError{Field: "assignee_type", Reason: "must be human or agent"}
				}
				_, err = requireString(p, "assignee_id")
				return err
			},
			Apply: func(e *domain.Entity, p Payload) error {
				return mutateTask(e, func(t *domain.Task) error {
					t.Assignment = &domain.TaskAssignment{
						Type: optionalString(p, "assignee_type"),
						ID:   optionalString(p, "assignee_id"),
					}
					return nil
				})
			},
			EventContext: taskEventContext,
		},
		{
			Name:         CmdBeginProgress,
			EntityType:   domain.TypeTask,
			EventType:    "task.started",
			From:         []string{domain.TaskAssigned},
			To:           domain.TaskInProgress,
			EventContext: taskEventContext,
		},
		{
			Name:       CmdRequestInfo,
			EntityType: domain.TypeTask,
			EventType:  "task.info_requested",
			From:       []string{domain.TaskInProgress},
			To:         domain.TaskPendingInfo,
			Validate: func(p Payload) error {
				_, err := requireString(p, "question")
				return err
			},
			EventContext: func(e domain.Entity, p Payload) map[string]any {
				ctx := taskEventContext(e, p)
				ctx["question"] = p["question"]
				return ctx
			},
		},
		{
			Name:         CmdProvideInfo,
			EntityType:   domain.TypeTask,
			EventType:    "task.info_provided",
			From:         []string{domain.TaskPendingInfo},
			To:           domain.TaskInProgress,
			EventContext: taskEventContext,
		},
		{
			Name:       CmdComplete,
			EntityType: domain.TypeTask,
			EventType:  "task.completed",
			From:       []string{domain.TaskInProgress},
			To:         domain.TaskCompleted,
			Validate: func(p Payload) error {
				res, ok := p["resolution"].(map[string]any)
				if !ok || len(res) == 0 {
					return ValidationError{Field: "resolution", Reason: "required and must not be empty"}
				}
				if s, _ := res["outcome"].(string); s == "" {
					return ValidationError{Field: "resolution.outcome", Reason: "required"}
				}
				return nil
			},
			Apply: func(e *domain.Entity, p Payload) error {
				return mutateTask(e, func(t *domain.Task) error {
					var res domain.TaskResolution
					if err := decodeInto(p["resolution"], &res); err != nil {
						return ValidationError{Field: "resolution", Reason: err.Error()}
					}
					t.Resolution = &res
					return nil
				})
			},
			EventContext: func(e domain.Entity, p Payload) map[string]any {
				ctx := taskEventContext(e, p)
				if res, ok := p["resolution"].(map[string]any); ok {
					ctx["outcome"] = res["outcome"]
				}
				return ctx
			},
			AfterCommit: fireCompletionTrigger,
		},
		{
			Name:       CmdFail,
			EntityType: domain.TypeTask,
			EventType:  "task.failed",
			From:       []string{domain.TaskInProgress},
			To:         domain.TaskFailed,
			Validate: func(p Payload) error {
				_, err := requireString(p, "reason")
				return err
			},
			Apply: func(e *domain.Entity, p Payload) error {
				return mutateTask(e, func(t *domain.Task) error {
					t.Resolution = &domain.TaskResolution{Outcome: "failed", Summary: optionalString(p, "reason")}
					return nil
				})
			},
			EventContext: func(e domain.Entity, p Payload) map[string]any {
				ctx := taskEventContext(e, p)
				ctx["reason"] = p["reason"]
				return ctx
			},
		},
		{
			Name:       CmdCancel,
			EntityType: domain.TypeTask,
			EventType:  "task.cancelled",
			From:       []string{domain.TaskOpen, domain.TaskAssigned},
			To:         domain.TaskCancelled,
			Apply: func(e *domain.Entity, p Payload) error {
				return mutateTask(e, func(t *domain.Task) error {
					if reason := optionalString(p, "reason"); reason != "" {
						t.Resolution = &domain.TaskResolution{Outcome: "cancelled", Summary: reason}
					}
					return nil
				})
			},
			EventContext: taskEventContext,
		},
	}
}

func taskEventContext(e domain.Entity, _ Payload) map[string]any {
	t, err := domain.TaskFromEntity(e)
	if err != nil {
		return map[string]any{}
	}
	ctx := map[string]any{"title": t.Title, "priority": t.Priority}
	if t.Context.Process != "" {
		ctx["process"] = t.Context.Process
	}
	if t.Assignment != nil {
		ctx["assignee_type"] = t.Assignment.Type
		ctx["assignee_id"] = t.Assignment.ID
	}
	return ctx
}

// fireCompletionTrigger delivers the full completed task to the fixed
// completion sink. Best-effort: a missed trigger is recovered operationally,
// never by retry from here.
func fireCompletionTrigger(l *Ledger, e domain.Entity) {
	if l.Trigger == nil {
		return
	}
	t, err := domain.TaskFromEntity(e)
	if err != nil {
		l.Log.Error().Err(err).Str("task_id", e.ID).Msg("decode completed task for trigger")
		return
	}
	l.Trigger.Fire(t)
}
