package model

// PowerState is the target state carried by a directive.
type PowerState string

const (
	PowerOn  PowerState = "on"
	PowerOff PowerState = "off"
)

// StateOf converts a boolean power flag into a PowerState.
func StateOf(on bool) PowerState {
	if on {
		return PowerOn
	}
	return PowerOff
}

// On reports whether the state means powered.
func (s PowerState) On() bool { return s == PowerOn }

// Directive is a proposed state change emitted by the balancer. It is not
// applied until the caller hands it to the registry.
type Directive struct {
	ApplianceID string     `json:"appliance_id"`
	Target      PowerState `json:"target"`
}

// OffDirective builds a shed directive for the appliance.
func OffDirective(id string) Directive {
	return Directive{ApplianceID: id, Target: PowerOff}
}

// OnDirective builds a restore directive for the appliance.
func OnDirective(id string) Directive {
	return Directive{ApplianceID: id, Target: PowerOn}
}
