package ledger

import "processline/internal/domain"

// ProviderProfile command names.
const (
	CmdRegisterProviderProfile = "RegisterProviderProfile"
	CmdUpdateProviderTerms     = "UpdateProviderTerms"
	CmdDelistProvider          = "DelistProvider"
)

func providerCommands() []Command {
	return []Command{
		{
			Name:       CmdRegisterProviderProfile,
			EntityType: domain.TypeProviderProfile,
			EventType:  "provider_profile.registered",
			Create:     true,
			To:         domain.ProviderActive,
			Validate: func(p Payload) error {
				_, err := requireString(p, "name")
				return err
			},
			Apply: func(e *domain.Entity, p Payload) error {
				copyAttrs(e.Attributes, p, "name", "support_email", "terms_url", "cancellation_channel")
				return nil
			},
			EventContext: func(e domain.Entity, _ Payload) map[string]any {
				return contextFromAttrs(e, "name")
			},
		},
		{
			Name:       CmdUpdateProviderTerms,
			EntityType: domain.TypeProviderProfile,
			EventType:  "provider_profile.terms_updated",
			From:       []string{domain.ProviderActive},
			Validate: func(p Payload) error {
				_, err := requireString(p, "terms_url")
				return err
			},
			Apply: func(e *domain.Entity, p Payload) error {
				copyAttrs(e.Attributes, p, "terms_url", "cancellation_channel")
				return nil
			},
			EventContext: func(e domain.Entity, _ Payload) map[string]any {
				return contextFromAttrs(e, "name", "terms_url")
			},
		},
		{
			Name:       CmdDelistProvider,
			EntityType: domain.TypeProviderProfile,
			EventType:  "provider_profile.delisted",
			From:       []string{domain.ProviderActive},
			To:         domain.ProviderDelisted,
			Validate: func(p Payload) error {
				_, err := requireString(p, "reason")
				return err
			},
			Apply: func(e *domain.Entity, p Payload) error {
				e.Attributes["delist_reason"] = p["reason"]
				return nil
			},
			EventContext: func(e domain.Entity, p Payload) map[string]any {
				ctx := contextFromAttrs(e, "name")
				ctx["reason"] = p["reason"]
				return ctx
			},
		},
	}
}
