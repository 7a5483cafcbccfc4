package ledger

import (
	"fmt"

	"processline/internal/domain"
)

// OfferDefinition command names.
const (
	CmdDraftOffer            = "DraftOffer"
	CmdCorrectOfferAttribute = "CorrectOfferAttribute"
	CmdPublishOffer          = "PublishOffer"
	CmdWithdrawOffer         = "WithdrawOffer"
)

func offerCommands() []Command {
	return []Command{
		{
			Name:       CmdDraftOffer,
			EntityType: domain.TypeOfferDefinition,
			EventType:  "offer_definition.drafted",
			Create:     true,
			To:         domain.OfferDraft,
			Validate: func(p Payload) error {
				if _, err := requireString(p, "provider_id"); err != nil {
					return err
				}
				if _, err := requireString(p, "tariff_name"); err != nil {
					return err
				}
				price, err := requireNumber(p, "unit_price")
				if err != nil {
					return err
				}
				if price <= 0 {
					return ValidationError{Field: "unit_price", Reason: "must be positive"}
				}
				return nil
			},
			Apply: func(e *domain.Entity, p Payload) error {
				copyAttrs(e.Attributes, p, "provider_id", "tariff_name", "unit_price", "base_fee", "term_months", "energy_type")
				return nil
			},
			EventContext: func(e domain.Entity, _ Payload) map[string]any {
				return contextFromAttrs(e, "provider_id", "tariff_name")
			},
		},
		{
			Name:       CmdCorrectOfferAttribute,
			EntityType: domain.TypeOfferDefinition,
			EventType:  "offer_definition.attribute_corrected",
			From:       []string{domain.OfferDraft},
			Validate: func(p Payload) error {
				if _, err := requireString(p, "field"); err != nil {
					return err
				}
				if _, ok := p["old_value"]; !ok {
					return ValidationError{Field: "old_value", Reason: "required"}
				}
				if _, ok := p["new_value"]; !ok {
					return ValidationError{Field: "new_value", Reason: "required"}
				}
				return nil
			},
			Apply: func(e *domain.Entity, p Payload) error {
				field := p["field"].(string)
				current, ok := e.Attributes[field]
				if !ok {
					return ValidationError{Field: "field", Reason: fmt.Sprintf("attribute %s not set", field)}
				}
				if fmt.Sprintf("%v", current) != fmt.Sprintf("%v", p["old_value"]) {
					return ValidationError{Field: "old_value", Reason: fmt.Sprintf("does not match current value %v", current)}
				}
				e.Attributes[field] = p["new_value"]
				return nil
			},
			EventContext: func(_ domain.Entity, p Payload) map[string]any {
				return map[string]any{"field": p["field"], "old_value": p["old_value"], "new_value": p["new_value"]}
			},
		},
		{
			Name:       CmdPublishOffer,
			EntityType: domain.TypeOfferDefinition,
			EventType:  "offer_definition.published",
			From:       []string{domain.OfferDraft},
			To:         domain.OfferPublished,
			EventContext: func(e domain.Entity, _ Payload) map[string]any {
				return contextFromAttrs(e, "provider_id", "tariff_name", "unit_price")
			},
		},
		{
			Name:       CmdWithdrawOffer,
			EntityType: domain.TypeOfferDefinition,
			EventType:  "offer_definition.withdrawn",
			From:       []string{domain.OfferPublished},
			To:         domain.OfferWithdrawn,
			EventContext: func(e domain.Entity, _ Payload) map[string]any {
				return contextFromAttrs(e, "provider_id", "tariff_name")
			},
		},
	}
}
