package ledger

import "processline/internal/domain"

// User command names.
const (
	CmdRegisterUser  = "RegisterUser"
	CmdSuspendUser   = "SuspendUser"
	CmdReinstateUser = "ReinstateUser"
	CmdCloseUser     = "CloseUser"
)

func userCommands() []Command {
	return []Command{
		{
			Name:       CmdRegisterUser,
			EntityType: domain.TypeUser,
			EventType:  "user.registered",
			Create:     true,
			To:         domain.UserActive,
			Validate: func(p Payload) error {
				_, err := requireString(p, "email")
				return err
			},
			Apply: func(e *domain.Entity, p Payload) error {
				copyAttrs(e.Attributes, p, "email", "display_name", "locale")
				return nil
			},
			EventContext: func(e domain.Entity, _ Payload) map[string]any {
				return contextFromAttrs(e, "email")
			},
		},
		{
			Name:       CmdSuspendUser,
			EntityType: domain.TypeUser,
			EventType:  "user.suspended",
			From:       []string{domain.UserActive},
			To:         domain.UserSuspended,
			Validate: func(p Payload) error {
				_, err := requireString(p, "reason")
				return err
			},
			Apply: func(e *domain.Entity, p Payload) error {
				e.Attributes["suspension_reason"] = p["reason"]
				return nil
			},
			EventContext: func(e domain.Entity, p Payload) map[string]any {
				return map[string]any{"reason": p["reason"]}
			},
		},
		{
			Name:       CmdReinstateUser,
			EntityType: domain.TypeUser,
			EventType:  "user.reinstated",
			From:       []string{domain.UserSuspended},
			To:         domain.UserActive,
			Apply: func(e *domain.Entity, _ Payload) error {
				delete(e.Attributes, "suspension_reason")
				return nil
			},
		},
		{
			Name:       CmdCloseUser,
			EntityType: domain.TypeUser,
			EventType:  "user.closed",
			From:       []string{domain.UserActive, domain.UserSuspended},
			To:         domain.UserClosed,
		},
	}
}
