package ledger

import (
	"fmt"

	"processline/internal/domain"
)

// Contract command names.
const (
	CmdRegisterPendingContract    = "RegisterPendingContract"
	CmdConfirmActivation          = "ConfirmActivation"
	CmdReportActivationFailure    = "ReportActivationFailure"
	CmdInitiateUserCancellation   = "InitiateUserCancellation"
	CmdConfirmProviderTermination = "ConfirmProviderTermination"
	CmdReportTerminationFailure   = "ReportTerminationFailure"
	CmdExpireContract             = "ExpireContract"
	CmdArchiveContract            = "ArchiveContract"
	CmdReportPriceIncrease        = "ReportPriceIncrease"
	CmdAcceptNewTerms             = "AcceptNewTerms"
	CmdCorrectContractAttribute   = "CorrectContractAttribute"
	CmdApplyManualCredit          = "ApplyManualCredit"
)

func contractCommands() []Command {
	return []Command{
		{
			Name:       CmdRegisterPendingContract,
			EntityType: domain.TypeContract,
			EventType:  "contract.registered",
			Create:     true,
			To:         domain.ContractPendingActivation,
			Validate: func(p Payload) error {
				if _, err := requireString(p, "user_id"); err != nil {
					return err
				}
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
				if _, err := optionalDate(p, "start_date"); err != nil {
					return err
				}
				if _, err := optionalDate(p, "end_date"); err != nil {
					return err
				}
				return nil
			},
			Apply: func(e *domain.Entity, p Payload) error {
				copyAttrs(e.Attributes, p,
					"user_id", "provider_id", "tariff_name", "unit_price",
					"start_date", "end_date", "cancellation_period_days",
					"meter_point_id", "address_id")
				return nil
			},
			EventContext: func(e domain.Entity, _ Payload) map[string]any {
				return contextFromAttrs(e, "user_id", "provider_id", "tariff_name")
			},
		},
		{
			Name:       CmdConfirmActivation,
			EntityType: domain.TypeContract,
			EventType:  "contract.activated",
			From:       []string{domain.ContractPendingActivation},
			To:         domain.ContractActive,
			Validate: func(p Payload) error {
				_, err := optionalDate(p, "activated_at")
				return err
			},
			Apply: func(e *domain.Entity, p Payload) error {
				copyAttrs(e.Attributes, p, "activated_at")
				return nil
			},
			EventContext: func(e domain.Entity, _ Payload) map[string]any {
				return contextFromAttrs(e, "user_id", "provider_id")
			},
		},
		{
			Name:       CmdReportActivationFailure,
			EntityType: domain.TypeContract,
			EventType:  "contract.activation_failed",
			From:       []string{domain.ContractPendingActivation},
			To:         domain.ContractErrored,
			Validate: func(p Payload) error {
				_, err := requireString(p, "reason")
				return err
			},
			Apply: func(e *domain.Entity, p Payload) error {
				e.Attributes["error_reason"] = p["reason"]
				return nil
			},
			EventContext: func(e domain.Entity, p Payload) map[string]any {
				ctx := contextFromAttrs(e, "user_id", "provider_id")
				ctx["reason"] = p["reason"]
				return ctx
			},
		},
		{
			Name:       CmdInitiateUserCancellation,
			EntityType: domain.TypeContract,
			EventType:  "contract.cancellation_initiated",
			From:       []string{domain.ContractActive},
			To:         domain.ContractCancellationPending,
			Apply: func(e *domain.Entity, p Payload) error {
				copyAttrs(e.Attributes, p, "cancellation_reason")
				return nil
			},
			EventContext: func(e domain.Entity, _ Payload) map[string]any {
				return contextFromAttrs(e, "user_id", "provider_id", "cancellation_reason")
			},
		},
		{
			Name:       CmdConfirmProviderTermination,
			EntityType: domain.TypeContract,
			EventType:  "contract.terminated",
			From:       []string{domain.ContractCancellationPending},
			To:         domain.ContractTerminated,
			Validate: func(p Payload) error {
				_, err := optionalDate(p, "terminated_at")
				return err
			},
			Apply: func(e *domain.Entity, p Payload) error {
				copyAttrs(e.Attributes, p, "terminated_at")
				return nil
			},
			EventContext: func(e domain.Entity, _ Payload) map[string]any {
				return contextFromAttrs(e, "user_id", "provider_id", "terminated_at")
			},
		},
		{
			Name:       CmdReportTerminationFailure,
			EntityType: domain.TypeContract,
			EventType:  "contract.termination_failed",
			From:       []string{domain.ContractCancellationPending},
			To:         domain.ContractErrored,
			Validate: func(p Payload) error {
				_, err := requireString(p, "reason")
				return err
			},
			Apply: func(e *domain.Entity, p Payload) error {
				e.Attributes["error_reason"] = p["reason"]
				return nil
			},
			EventContext: func(e domain.Entity, p Payload) map[string]any {
				ctx := contextFromAttrs(e, "user_id", "provider_id")
				ctx["reason"] = p["reason"]
				return ctx
			},
		},
		{
			Name:       CmdExpireContract,
			EntityType: domain.TypeContract,
			EventType:  "contract.expired",
			From:       []string{domain.ContractActive},
			To:         domain.ContractExpired,
			EventContext: func(e domain.Entity, _ Payload) map[string]any {
				return contextFromAttrs(e, "user_id", "provider_id", "end_date")
			},
		},
		{
			Name:       CmdArchiveContract,
			EntityType: domain.TypeContract,
			EventType:  "contract.archived",
			From:       []string{domain.ContractTerminated, domain.ContractExpired},
			To:         domain.ContractArchived,
			EventContext: func(e domain.Entity, _ Payload) map[string]any {
				return contextFromAttrs(e, "user_id")
			},
		},
		{
			Name:       CmdReportPriceIncrease,
			EntityType: domain.TypeContract,
			EventType:  "contract.price_increase_reported",
			From:       []string{domain.ContractActive},
			Validate: func(p Payload) error {
				price, err := requireNumber(p, "new_unit_price")
				if err != nil {
					return err
				}
				if price <= 0 {
					return ValidationError{Field: "new_unit_price", Reason: "must be positive"}
				}
				_, err = optionalDate(p, "effective_date")
				return err
			},
			Apply: func(e *domain.Entity, p Payload) error {
				e.Attributes["pending_price_increase"] = map[string]any{
					"new_unit_price": p["new_unit_price"],
					"effective_date": optionalString(p, "effective_date"),
				}
				return nil
			},
			EventContext: func(e domain.Entity, p Payload) map[string]any {
				ctx := contextFromAttrs(e, "user_id", "provider_id", "tariff_name")
				ctx["new_unit_price"] = p["new_unit_price"]
				if v := optionalString(p, "effective_date"); v != "" {
					ctx["effective_date"] = v
				}
				return ctx
			},
		},
		{
			Name:       CmdAcceptNewTerms,
			EntityType: domain.TypeContract,
			EventType:  "contract.new_terms_accepted",
			From:       []string{domain.ContractActive},
			Apply: func(e *domain.Entity, p Payload) error {
				pending, ok := e.Attributes["pending_price_increase"].(map[string]any)
				if !ok {
					return ValidationError{Field: "pending_price_increase", Reason: "no pending price increase to accept"}
				}
				e.Attributes["unit_price"] = pending["new_unit_price"]
				delete(e.Attributes, "pending_price_increase")
				return nil
			},
			EventContext: func(e domain.Entity, _ Payload) map[string]any {
				return contextFromAttrs(e, "user_id", "provider_id", "unit_price")
			},
		},
		{
			Name:       CmdCorrectContractAttribute,
			EntityType: domain.TypeContract,
			EventType:  "contract.attribute_corrected",
			From: []string{
				domain.ContractPendingActivation, domain.ContractActive,
				domain.ContractCancellationPending, domain.ContractTerminated,
				domain.ContractExpired, domain.ContractErrored,
			},
			Validate: func(p Payload) error {
				if _, err := requireString(p, "field"); err != nil {
					return err
				}
				// Both values are required so the correction is auditable.
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
			EventContext: func(e domain.Entity, p Payload) map[string]any {
				return map[string]any{
					"field":     p["field"],
					"old_value": p["old_value"],
					"new_value": p["new_value"],
				}
			},
		},
		{
			Name:       CmdApplyManualCredit,
			EntityType: domain.TypeContract,
			EventType:  "contract.manual_credit_applied",
			From:       []string{domain.ContractActive, domain.ContractCancellationPending},
			Validate: func(p Payload) error {
				amount, err := requireNumber(p, "amount")
				if err != nil {
					return err
				}
				if amount <= 0 {
					return ValidationError{Field: "amount", Reason: "must be positive"}
				}
				_, err = requireString(p, "reason")
				return err
			},
			Apply: func(e *domain.Entity, p Payload) error {
				credits, _ := e.Attributes["credits"].([]any)
				credits = append(credits, map[string]any{
					"amount": p["amount"],
					"reason": p["reason"],
				})
				e.Attributes["credits"] = credits
				return nil
			},
			EventContext: func(e domain.Entity, p Payload) map[string]any {
				ctx := contextFromAttrs(e, "user_id")
				ctx["amount"] = p["amount"]
				ctx["reason"] = p["reason"]
				return ctx
			},
		},
	}
}
