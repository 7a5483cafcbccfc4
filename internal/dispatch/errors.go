package dispatch

import "fmt"

// InvalidInputError reports caller input that does not conform to the
// manifest's input schema, naming the violating field.
type InvalidInputError struct {
	Process string
	Field   string
	Reason  string
}

func (e InvalidInputError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid input for process %s: %s", e.Process, e.Reason)
	}
	return fmt.Sprintf("invalid input for process %s: field %s: %s", e.Process, e.Field, e.Reason)
}

// InvalidStrategyResultError reports a strategy that returned an empty or
// undeclared variant id.
type InvalidStrategyResultError struct {
	Process  string
	Strategy string
	Variant  string
}

func (e InvalidStrategyResultError) Error() string {
	if e.Variant == "" {
		return fmt.Sprintf("strategy %s returned no variant for process %s", e.Strategy, e.Process)
	}
	return fmt.Sprintf("strategy %s returned undeclared variant %s for process %s", e.Strategy, e.Variant, e.Process)
}

// StrategyConfigError reports a manifest or static-args fault discovered at
// decision time. The caller's request was fine; an operator has to fix the
// manifest.
type StrategyConfigError struct {
	Process  string
	Strategy string
	Reason   string
}

func (e StrategyConfigError) Error() string {
	return fmt.Sprintf("strategy %s misconfigured for process %s: %s", e.Strategy, e.Process, e.Reason)
}

// UnknownTargetError means a resolved variant points at an address no
// handler is registered for; a configuration fault, not a caller error.
type UnknownTargetError struct {
	Process string
	Target  string
}

func (e UnknownTargetError) Error() string {
	return fmt.Sprintf("no handler registered for target %s (process %s)", e.Target, e.Process)
}
