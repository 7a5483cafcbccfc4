package ledger

import (
	"fmt"
	"strings"
)

// IllegalTransitionError names the command and the current vs required
// status so callers can act without reading server logs.
type IllegalTransitionError struct {
	EntityID      string
	EntityType    string
	Command       string
	CurrentStatus string
	Allowed       []string
}

func (e IllegalTransitionError) Error() string {
	return fmt.Sprintf("%s %s: command %s requires status in [%s], current status is %s",
		e.EntityType, e.EntityID, e.Command, strings.Join(e.Allowed, ", "), e.CurrentStatus)
}

// ValidationError reports a payload-specific business invariant violation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("field %s: %s", e.Field, e.Reason)
}

// UnknownCommandError means no handler exists for the (entity type, command)
// pair.
type UnknownCommandError struct {
	EntityType string
	Command    string
}

func (e UnknownCommandError) Error() string {
	return fmt.Sprintf("unknown command %s for entity type %s", e.Command, e.EntityType)
}
