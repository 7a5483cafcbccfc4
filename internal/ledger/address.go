package ledger

import (
	"fmt"

	"processline/internal/domain"
)

// Address command names.
const (
	CmdRegisterAddress         = "RegisterAddress"
	CmdCorrectAddressAttribute = "CorrectAddressAttribute"
	CmdArchiveAddress          = "ArchiveAddress"
)

func addressCommands() []Command {
	return []Command{
		{
			Name:       CmdRegisterAddress,
			EntityType: domain.TypeAddress,
			EventType:  "address.registered",
			Create:     true,
			To:         domain.AddressActive,
			Validate: func(p Payload) error {
				for _, field := range []string{"street", "postal_code", "city"} {
					if _, err := requireString(p, field); err != nil {
						return err
					}
				}
				return nil
			},
			Apply: func(e *domain.Entity, p Payload) error {
				copyAttrs(e.Attributes, p, "street", "house_number", "postal_code", "city", "country", "user_id")
				return nil
			},
			EventContext: func(e domain.Entity, _ Payload) map[string]any {
				return contextFromAttrs(e, "postal_code", "city", "user_id")
			},
		},
		{
			Name:       CmdCorrectAddressAttribute,
			EntityType: domain.TypeAddress,
			EventType:  "address.attribute_corrected",
			From:       []string{domain.AddressActive},
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
			Name:       CmdArchiveAddress,
			EntityType: domain.TypeAddress,
			EventType:  "address.archived",
			From:       []string{domain.AddressActive},
			To:         domain.AddressArchived,
			EventContext: func(e domain.Entity, _ Payload) map[string]any {
				return contextFromAttrs(e, "user_id")
			},
		},
	}
}
