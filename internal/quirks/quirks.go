// Package quirks implements the device-match scoring and layered
// effective-tuning builder: a Fingerprint identifies an attached
// device, a Database matches it against known DeviceQuirk entries,
// and BuildEffective composes the final runtime tuning from defaults,
// interface-class hints, capability probe results, a learned profile,
// a static quirk entry, and user overrides, in that precedence order.
package quirks

import "time"

// Fingerprint is the tuple used to match a device against the quirk
// database. The optional fields are nil when not known/declared.
type Fingerprint struct {
	VID, PID      uint16
	BCDDevice     *uint16
	IfaceClass    *uint8
	IfaceSubclass *uint8
	IfaceProtocol *uint8
}

// Tuning holds the optional, overridable timing/sizing knobs a
// DeviceQuirk entry, a learned profile, or user overrides may set.
// Nil fields are "not specified at this layer".
type Tuning struct {
	MaxChunkBytes       *uint64
	IoTimeoutMs         *uint64
	HandshakeTimeoutMs  *uint64
	InactivityTimeoutMs *uint64
	OverallDeadlineMs   *uint64
	StabilizeMs         *uint64
	ResetOnOpen         *bool
}

// HookPhase names a point in the device lifecycle a Hook attaches to.
type HookPhase string

// Hook phases, in lifecycle order of first possible occurrence.
const (
	PhasePostOpenUSB          HookPhase = "postOpenUSB"
	PhasePostClaimInterface   HookPhase = "postClaimInterface"
	PhasePostOpenSession      HookPhase = "postOpenSession"
	PhaseBeforeGetDeviceInfo  HookPhase = "beforeGetDeviceInfo"
	PhaseBeforeGetStorageIDs  HookPhase = "beforeGetStorageIDs"
	PhaseBeforeGetObjectHdls  HookPhase = "beforeGetObjectHandles"
	PhaseBeforeTransfer       HookPhase = "beforeTransfer"
	PhaseAfterTransfer        HookPhase = "afterTransfer"
	PhaseOnDeviceBusy         HookPhase = "onDeviceBusy"
	PhaseOnDetach             HookPhase = "onDetach"
)

// BusyBackoff describes the retry schedule for the onDeviceBusy hook.
type BusyBackoff struct {
	Retries     int
	BaseMs      uint64
	JitterPct   int
}

// Hook is one entry of a DeviceQuirk's hook list.
type Hook struct {
	Phase       HookPhase
	DelayMs     uint64
	BusyBackoff *BusyBackoff
}

// Status is the review state of a DeviceQuirk entry.
type Status string

// Quirk review states. Any unrecognized status string in the quirk
// file decodes to StatusProposed.
const (
	StatusProposed Status = "proposed"
	StatusVerified Status = "verified"
	StatusPromoted Status = "promoted"
)

// Confidence is an optional human-assigned confidence level.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// Provenance records who/when submitted a quirk entry.
type Provenance struct {
	SubmittedBy string
	Date        string
}

// Flags is the set of named, independently-settable boolean hints a
// quirk or interface-class rule may carry.
type Flags struct {
	RequiresKernelDetach        bool
	DisableEventPump            bool
	SupportsGetObjectPropList   bool
	PrefersPropListEnumeration  bool
	SupportsPartialRead32       bool

	// WriteToSubfolderOnly marks a device that rejects (or silently
	// mishandles) writes targeting the storage root: internal/transfer
	// treats this as a pre-flight validation flag on the write path,
	// rejecting parent==0 writes before any wire traffic.
	WriteToSubfolderOnly bool
}

// Merge ORs in every true field of other, leaving already-true fields
// of f untouched (flags only ever turn on as layers apply).
func (f Flags) Merge(other Flags) Flags {
	f.RequiresKernelDetach = f.RequiresKernelDetach || other.RequiresKernelDetach
	f.DisableEventPump = f.DisableEventPump || other.DisableEventPump
	f.SupportsGetObjectPropList = f.SupportsGetObjectPropList || other.SupportsGetObjectPropList
	f.PrefersPropListEnumeration = f.PrefersPropListEnumeration || other.PrefersPropListEnumeration
	f.SupportsPartialRead32 = f.SupportsPartialRead32 || other.SupportsPartialRead32
	f.WriteToSubfolderOnly = f.WriteToSubfolderOnly || other.WriteToSubfolderOnly
	return f
}

// DeviceQuirk is one entry of the quirk database.
type DeviceQuirk struct {
	ID         string
	DeviceName string
	Category   string
	Match      Fingerprint
	Tuning     Tuning
	Hooks      []Hook
	Operations map[string]bool
	Flags      Flags
	Status     Status
	Confidence Confidence
	Provenance *Provenance

	// order is the entry's position in the Database's load order,
	// counted across all loaded files, used to break matching-score
	// ties (first loaded wins).
	order int
}

// EffectiveTuning is the flattened, clamped runtime configuration
// built by BuildEffective for one specific device.
type EffectiveTuning struct {
	MaxChunkBytes       uint64
	IoTimeoutMs         uint64
	HandshakeTimeoutMs  uint64
	InactivityTimeoutMs uint64
	OverallDeadlineMs   uint64
	StabilizeMs         uint64
	ResetOnOpen         bool
	DisableEventPump    bool
	Operations          map[string]bool
	Hooks               []Hook
	Flags               Flags
}

// defaultOverallDeadlineMs bounds composite operations' (chunked
// transfers) bounded exponential backoff when no quirk or override
// sets overallDeadlineMs explicitly. Without this, the zero value
// reads as "unset" to clamp and the backoff loop in
// internal/transfer.withRetry would expire on its first failure.
const defaultOverallDeadlineMs = 30000

// Defaults returns the built-in base tuning (layer 1 of §4.3).
func Defaults() EffectiveTuning {
	return EffectiveTuning{
		MaxChunkBytes:      1 << 20, // 1 MiB
		IoTimeoutMs:        8000,
		HandshakeTimeoutMs: 6000,
		OverallDeadlineMs:  defaultOverallDeadlineMs,
		StabilizeMs:        0,
		ResetOnOpen:        false,
		DisableEventPump:   false,
		Operations:         map[string]bool{},
		Hooks:              nil,
	}
}

// BusyBackoffFromHooks returns the onDeviceBusy hook's backoff
// schedule from hooks, or nil if none is configured.
func BusyBackoffFromHooks(hooks []Hook) *BusyBackoff {
	for _, h := range hooks {
		if h.Phase == PhaseOnDeviceBusy && h.BusyBackoff != nil {
			return h.BusyBackoff
		}
	}
	return nil
}

// Clamp bounds, matching spec.md §3.6/§4.3 invariants.
const (
	MinChunkBytes = 128 * 1024
	MaxChunkBytesBound = 16 * 1024 * 1024
	MinDurationMs = 1000
	MaxIoTimeoutMs = 60000
)

// clampDuration enforces the >= 1s floor for all duration fields.
func clampDuration(ms uint64) uint64 {
	if ms < MinDurationMs {
		return MinDurationMs
	}
	return ms
}

// clamp applies the bounds from spec.md §3.6/§4.3 in place, after all
// layers have merged.
func (t *EffectiveTuning) clamp() {
	switch {
	case t.MaxChunkBytes < MinChunkBytes:
		t.MaxChunkBytes = MinChunkBytes
	case t.MaxChunkBytes > MaxChunkBytesBound:
		t.MaxChunkBytes = MaxChunkBytesBound
	}

	t.IoTimeoutMs = clampDuration(t.IoTimeoutMs)
	if t.IoTimeoutMs > MaxIoTimeoutMs {
		t.IoTimeoutMs = MaxIoTimeoutMs
	}
	t.HandshakeTimeoutMs = clampDuration(t.HandshakeTimeoutMs)
	if t.InactivityTimeoutMs != 0 {
		t.InactivityTimeoutMs = clampDuration(t.InactivityTimeoutMs)
	}
	if t.OverallDeadlineMs != 0 {
		t.OverallDeadlineMs = clampDuration(t.OverallDeadlineMs)
	}
	t.StabilizeMs = clampDuration0(t.StabilizeMs)
}

// clampDuration0 is like clampDuration but leaves a genuine zero
// (meaning "no stabilization delay") alone -- only a *positive* but
// sub-floor value gets raised. StabilizeMs=0 is a valid, common case.
func clampDuration0(ms uint64) uint64 {
	if ms == 0 {
		return 0
	}
	return clampDuration(ms)
}

// IoTimeout is a convenience accessor returning the io timeout as a
// time.Duration, for callers (internal/transport, internal/transfer)
// that want it in stdlib units.
func (t EffectiveTuning) IoTimeout() time.Duration {
	return time.Duration(t.IoTimeoutMs) * time.Millisecond
}
