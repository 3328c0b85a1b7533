package quirks

import "strconv"

// ClassHints is the set of flags/operations the PTP still-image-
// capture interface class (0x06/0x01/0x01) implies, per spec.md
// §4.3 layer 2.
var ClassHints = Flags{
	SupportsGetObjectPropList:  true,
	PrefersPropListEnumeration: true,
	SupportsPartialRead32:      true,
	RequiresKernelDetach:       false, // explicitly cleared by this class
}

// PTPStillImageClass, PTPStillImageSubclass and PTPStillImageProtocol
// are the interface descriptor values that trigger ClassHints.
const (
	PTPStillImageClass    uint8 = 0x06
	PTPStillImageSubclass uint8 = 0x01
	PTPStillImageProtocol uint8 = 0x01
)

// Provenance tags a BuildPolicy field can carry.
const (
	ProvDefaults    = "defaults"
	ProvClass       = "class"
	ProvCapability  = "capability"
	ProvLearned     = "learned"
	ProvQuirk       = "quirk"
	ProvUser        = "user"
)

// BuildPolicy records, per EffectiveTuning field, which layer last set
// its value -- for diagnostics (the §4.3 "BuildPolicy" structure).
type BuildPolicy struct {
	MaxChunkBytes       string
	IoTimeoutMs         string
	HandshakeTimeoutMs  string
	InactivityTimeoutMs string
	OverallDeadlineMs   string
	StabilizeMs         string
	ResetOnOpen         string
}

// BuildEffective composes the final EffectiveTuning for a device,
// applying the six layers of spec.md §4.3 in precedence order
// (each later layer overrides the former): built-in defaults,
// interface-class hints, capability-probe results, a learned
// per-device profile, a static quirk entry, and user overrides.
//
// overrides is a string map (as environment/config overrides arrive);
// numeric fields are parsed, unknown keys are ignored.
func BuildEffective(
	fp Fingerprint,
	capabilities map[string]bool,
	learned *Tuning,
	quirk *DeviceQuirk,
	overrides map[string]string,
) (EffectiveTuning, BuildPolicy) {
	eff := Defaults()
	policy := BuildPolicy{
		MaxChunkBytes:       ProvDefaults,
		IoTimeoutMs:         ProvDefaults,
		HandshakeTimeoutMs:  ProvDefaults,
		InactivityTimeoutMs: ProvDefaults,
		OverallDeadlineMs:   ProvDefaults,
		StabilizeMs:         ProvDefaults,
		ResetOnOpen:         ProvDefaults,
	}

	// Layer 2: interface-class hints.
	if fp.IfaceClass != nil && *fp.IfaceClass == PTPStillImageClass &&
		fp.IfaceSubclass != nil && *fp.IfaceSubclass == PTPStillImageSubclass &&
		fp.IfaceProtocol != nil && *fp.IfaceProtocol == PTPStillImageProtocol {
		eff.Flags = eff.Flags.Merge(ClassHints)
	}

	// Layer 3: capability-probe results, merged into operations.
	for op, ok := range capabilities {
		eff.Operations[op] = ok
	}

	// Layer 4: learned per-device profile.
	applyTuning(&eff, &policy, learned, ProvLearned)

	// Layer 5: static quirk entry (tuning + hooks + flags + ops).
	if quirk != nil {
		applyTuning(&eff, &policy, &quirk.Tuning, ProvQuirk)
		eff.Flags = eff.Flags.Merge(quirk.Flags)
		eff.Hooks = append(eff.Hooks, quirk.Hooks...)
		for op, ok := range quirk.Operations {
			eff.Operations[op] = ok
		}
	}
	eff.DisableEventPump = eff.Flags.DisableEventPump

	// Layer 6: user overrides (string map; numeric fields parsed,
	// unknown keys ignored).
	applyOverrides(&eff, &policy, overrides)

	eff.clamp()

	return eff, policy
}

func applyTuning(eff *EffectiveTuning, policy *BuildPolicy, t *Tuning, prov string) {
	if t == nil {
		return
	}
	if t.MaxChunkBytes != nil {
		eff.MaxChunkBytes = *t.MaxChunkBytes
		policy.MaxChunkBytes = prov
	}
	if t.IoTimeoutMs != nil {
		eff.IoTimeoutMs = *t.IoTimeoutMs
		policy.IoTimeoutMs = prov
	}
	if t.HandshakeTimeoutMs != nil {
		eff.HandshakeTimeoutMs = *t.HandshakeTimeoutMs
		policy.HandshakeTimeoutMs = prov
	}
	if t.InactivityTimeoutMs != nil {
		eff.InactivityTimeoutMs = *t.InactivityTimeoutMs
		policy.InactivityTimeoutMs = prov
	}
	if t.OverallDeadlineMs != nil {
		eff.OverallDeadlineMs = *t.OverallDeadlineMs
		policy.OverallDeadlineMs = prov
	}
	if t.StabilizeMs != nil {
		eff.StabilizeMs = *t.StabilizeMs
		policy.StabilizeMs = prov
	}
	if t.ResetOnOpen != nil {
		eff.ResetOnOpen = *t.ResetOnOpen
		policy.ResetOnOpen = prov
	}
}

func applyOverrides(eff *EffectiveTuning, policy *BuildPolicy, overrides map[string]string) {
	for key, raw := range overrides {
		switch key {
		case "maxChunkBytes", "MAX_CHUNK_BYTES":
			if v, err := strconv.ParseUint(raw, 10, 64); err == nil {
				eff.MaxChunkBytes = v
				policy.MaxChunkBytes = ProvUser
			}
		case "ioTimeoutMs", "IO_TIMEOUT_MS":
			if v, err := strconv.ParseUint(raw, 10, 64); err == nil {
				eff.IoTimeoutMs = v
				policy.IoTimeoutMs = ProvUser
			}
		case "handshakeTimeoutMs":
			if v, err := strconv.ParseUint(raw, 10, 64); err == nil {
				eff.HandshakeTimeoutMs = v
				policy.HandshakeTimeoutMs = ProvUser
			}
		case "inactivityTimeoutMs":
			if v, err := strconv.ParseUint(raw, 10, 64); err == nil {
				eff.InactivityTimeoutMs = v
				policy.InactivityTimeoutMs = ProvUser
			}
		case "overallDeadlineMs":
			if v, err := strconv.ParseUint(raw, 10, 64); err == nil {
				eff.OverallDeadlineMs = v
				policy.OverallDeadlineMs = ProvUser
			}
		case "stabilizeMs":
			if v, err := strconv.ParseUint(raw, 10, 64); err == nil {
				eff.StabilizeMs = v
				policy.StabilizeMs = ProvUser
			}
		case "resetOnOpen":
			if v, err := strconv.ParseBool(raw); err == nil {
				eff.ResetOnOpen = v
				policy.ResetOnOpen = ProvUser
			}
		}
		// Unknown keys are ignored, per spec.
	}
}
