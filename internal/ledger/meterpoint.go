package ledger

import "processline/internal/domain"

// MeterPoint command names.
const (
	CmdRegisterMeterPoint     = "RegisterMeterPoint"
	CmdVerifyMeterPoint       = "VerifyMeterPoint"
	CmdRecordMeterReading     = "RecordMeterReading"
	CmdDecommissionMeterPoint = "DecommissionMeterPoint"
)

func meterPointCommands() []Command {
	return []Command{
		{
			Name:       CmdRegisterMeterPoint,
			EntityType: domain.TypeMeterPoint,
			EventType:  "meter_point.registered",
			Create:     true,
			To:         domain.MeterPointUnverified,
			Validate: func(p Payload) error {
				if _, err := requireString(p, "meter_number"); err != nil {
					return err
				}
				_, err := requireString(p, "address_id")
				return err
			},
			Apply: func(e *domain.Entity, p Payload) error {
				copyAttrs(e.Attributes, p, "meter_number", "address_id", "energy_type")
				return nil
			},
			EventContext: func(e domain.Entity, _ Payload) map[string]any {
				return contextFromAttrs(e, "meter_number", "address_id")
			},
		},
		{
			Name:       CmdVerifyMeterPoint,
			EntityType: domain.TypeMeterPoint,
			EventType:  "meter_point.verified",
			From:       []string{domain.MeterPointUnverified},
			To:         domain.MeterPointVerified,
			EventContext: func(e domain.Entity, _ Payload) map[string]any {
				return contextFromAttrs(e, "meter_number")
			},
		},
		{
			Name:       CmdRecordMeterReading,
			EntityType: domain.TypeMeterPoint,
			EventType:  "meter_point.reading_recorded",
			From:       []string{domain.MeterPointVerified},
			Validate: func(p Payload) error {
				value, err := requireNumber(p, "value")
				if err != nil {
					return err
				}
				if value < 0 {
					return ValidationError{Field: "value", Reason: "must not be negative"}
				}
				_, err = optionalDate(p, "read_at")
				return err
			},
			Apply: func(e *domain.Entity, p Payload) error {
				e.Attributes["last_reading"] = map[string]any{
					"value":   p["value"],
					"read_at": optionalString(p, "read_at"),
				}
				return nil
			},
			EventContext: func(e domain.Entity, p Payload) map[string]any {
				ctx := contextFromAttrs(e, "meter_number")
				ctx["value"] = p["value"]
				return ctx
			},
		},
		{
			Name:       CmdDecommissionMeterPoint,
			EntityType: domain.TypeMeterPoint,
			EventType:  "meter_point.decommissioned",
			From:       []string{domain.MeterPointVerified},
			To:         domain.MeterPointDecommissioned,
			EventContext: func(e domain.Entity, _ Payload) map[string]any {
				return contextFromAttrs(e, "meter_number", "address_id")
			},
		},
	}
}
