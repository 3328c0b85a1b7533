package quirks

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// hexOrInt decodes a JSON number that may arrive as a hex-prefixed
// string ("0x18D1") or as a bare JSON integer, per spec.md §6.1.
type hexOrInt uint64

func (h *hexOrInt) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		base := 10
		if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
			s = s[2:]
			base = 16
		}
		v, err := strconv.ParseUint(s, base, 64)
		if err != nil {
			return fmt.Errorf("quirks: invalid numeric field %q: %w", s, err)
		}
		*h = hexOrInt(v)
		return nil
	}

	var v uint64
	if err := json.Unmarshal(b, &v); err != nil {
		return fmt.Errorf("quirks: invalid numeric field: %w", err)
	}
	*h = hexOrInt(v)
	return nil
}

type ifaceMatchFile struct {
	Class    *hexOrInt `json:"class,omitempty"`
	Subclass *hexOrInt `json:"subclass,omitempty"`
	Protocol *hexOrInt `json:"protocol,omitempty"`
}

type matchFile struct {
	VID       hexOrInt        `json:"vid"`
	PID       hexOrInt        `json:"pid"`
	BCDDevice *hexOrInt       `json:"bcdDevice,omitempty"`
	Iface     *ifaceMatchFile `json:"iface,omitempty"`
}

type tuningFile struct {
	MaxChunkBytes       *uint64 `json:"maxChunkBytes,omitempty"`
	IoTimeoutMs         *uint64 `json:"ioTimeoutMs,omitempty"`
	HandshakeTimeoutMs  *uint64 `json:"handshakeTimeoutMs,omitempty"`
	InactivityTimeoutMs *uint64 `json:"inactivityTimeoutMs,omitempty"`
	OverallDeadlineMs   *uint64 `json:"overallDeadlineMs,omitempty"`
	StabilizeMs         *uint64 `json:"stabilizeMs,omitempty"`
	ResetOnOpen         *bool   `json:"resetOnOpen,omitempty"`
}

func (t tuningFile) toTuning() Tuning {
	return Tuning{
		MaxChunkBytes:       t.MaxChunkBytes,
		IoTimeoutMs:         t.IoTimeoutMs,
		HandshakeTimeoutMs:  t.HandshakeTimeoutMs,
		InactivityTimeoutMs: t.InactivityTimeoutMs,
		OverallDeadlineMs:   t.OverallDeadlineMs,
		StabilizeMs:         t.StabilizeMs,
		ResetOnOpen:         t.ResetOnOpen,
	}
}

type hookFile struct {
	Phase       string       `json:"phase"`
	DelayMs     uint64       `json:"delayMs,omitempty"`
	BusyBackoff *busyBackoff `json:"busyBackoff,omitempty"`
}

type busyBackoff struct {
	Retries   int `json:"retries"`
	BaseMs    uint64 `json:"baseMs"`
	JitterPct int `json:"jitterPct"`
}

type flagsFile struct {
	RequiresKernelDetach       bool `json:"requiresKernelDetach,omitempty"`
	DisableEventPump           bool `json:"disableEventPump,omitempty"`
	SupportsGetObjectPropList  bool `json:"supportsGetObjectPropList,omitempty"`
	PrefersPropListEnumeration bool `json:"prefersPropListEnumeration,omitempty"`
	SupportsPartialRead32      bool `json:"supportsPartialRead32,omitempty"`
}

type provenanceFile struct {
	SubmittedBy string `json:"submittedBy,omitempty"`
	Date        string `json:"date,omitempty"`
}

// entryFile is the on-the-wire shape of one quirk-file entry. It
// accepts both the nested tuning{} form and legacy top-level tuning
// fields (the latter folded in by decodeEntry below), per spec.md
// §3.4/§6.1.
type entryFile struct {
	ID         string          `json:"id"`
	DeviceName string          `json:"deviceName,omitempty"`
	Category   string          `json:"category,omitempty"`
	Match      matchFile       `json:"match"`
	Tuning     *tuningFile     `json:"tuning,omitempty"`
	Hooks      []hookFile      `json:"hooks,omitempty"`
	Ops        map[string]bool `json:"ops,omitempty"`
	Flags      *flagsFile      `json:"flags,omitempty"`
	Status     string          `json:"status,omitempty"`
	Confidence string          `json:"confidence,omitempty"`
	Provenance *provenanceFile `json:"provenance,omitempty"`

	// Legacy top-level tuning fields, accepted alongside the nested
	// "tuning" object for backward compatibility.
	LegacyMaxChunkBytes       *uint64 `json:"maxChunkBytes,omitempty"`
	LegacyIoTimeoutMs         *uint64 `json:"ioTimeoutMs,omitempty"`
	LegacyHandshakeTimeoutMs  *uint64 `json:"handshakeTimeoutMs,omitempty"`
	LegacyInactivityTimeoutMs *uint64 `json:"inactivityTimeoutMs,omitempty"`
	LegacyOverallDeadlineMs   *uint64 `json:"overallDeadlineMs,omitempty"`
	LegacyStabilizeMs         *uint64 `json:"stabilizeMs,omitempty"`
	LegacyResetOnOpen         *bool   `json:"resetOnOpen,omitempty"`
}

type fileFormat struct {
	SchemaVersion string      `json:"schemaVersion"`
	Entries       []entryFile `json:"entries"`
}

func u8ptr(h *hexOrInt) *uint8 {
	if h == nil {
		return nil
	}
	v := uint8(*h)
	return &v
}

func u16ptr(h *hexOrInt) *uint16 {
	if h == nil {
		return nil
	}
	v := uint16(*h)
	return &v
}

func statusOrProposed(s string) Status {
	switch Status(s) {
	case StatusProposed, StatusVerified, StatusPromoted:
		return Status(s)
	default:
		return StatusProposed
	}
}

func decodeEntry(ef entryFile) (*DeviceQuirk, error) {
	fp := Fingerprint{
		VID: uint16(ef.Match.VID),
		PID: uint16(ef.Match.PID),
	}
	if ef.Match.BCDDevice != nil {
		fp.BCDDevice = u16ptr(ef.Match.BCDDevice)
	}
	if ef.Match.Iface != nil {
		fp.IfaceClass = u8ptr(ef.Match.Iface.Class)
		fp.IfaceSubclass = u8ptr(ef.Match.Iface.Subclass)
		fp.IfaceProtocol = u8ptr(ef.Match.Iface.Protocol)
	}

	// Nested tuning{} takes precedence; legacy top-level fields fill
	// in anything the nested form didn't specify.
	var tuning Tuning
	if ef.Tuning != nil {
		tuning = ef.Tuning.toTuning()
	}
	if tuning.MaxChunkBytes == nil {
		tuning.MaxChunkBytes = ef.LegacyMaxChunkBytes
	}
	if tuning.IoTimeoutMs == nil {
		tuning.IoTimeoutMs = ef.LegacyIoTimeoutMs
	}
	if tuning.HandshakeTimeoutMs == nil {
		tuning.HandshakeTimeoutMs = ef.LegacyHandshakeTimeoutMs
	}
	if tuning.InactivityTimeoutMs == nil {
		tuning.InactivityTimeoutMs = ef.LegacyInactivityTimeoutMs
	}
	if tuning.OverallDeadlineMs == nil {
		tuning.OverallDeadlineMs = ef.LegacyOverallDeadlineMs
	}
	if tuning.StabilizeMs == nil {
		tuning.StabilizeMs = ef.LegacyStabilizeMs
	}
	if tuning.ResetOnOpen == nil {
		tuning.ResetOnOpen = ef.LegacyResetOnOpen
	}

	hooks := make([]Hook, 0, len(ef.Hooks))
	for _, hf := range ef.Hooks {
		h := Hook{Phase: HookPhase(hf.Phase), DelayMs: hf.DelayMs}
		if hf.BusyBackoff != nil {
			h.BusyBackoff = &BusyBackoff{
				Retries:   hf.BusyBackoff.Retries,
				BaseMs:    hf.BusyBackoff.BaseMs,
				JitterPct: hf.BusyBackoff.JitterPct,
			}
		}
		hooks = append(hooks, h)
	}

	var flags Flags
	if ef.Flags != nil {
		flags = Flags{
			RequiresKernelDetach:       ef.Flags.RequiresKernelDetach,
			DisableEventPump:           ef.Flags.DisableEventPump,
			SupportsGetObjectPropList:  ef.Flags.SupportsGetObjectPropList,
			PrefersPropListEnumeration: ef.Flags.PrefersPropListEnumeration,
			SupportsPartialRead32:      ef.Flags.SupportsPartialRead32,
		}
	}

	q := &DeviceQuirk{
		ID:         ef.ID,
		DeviceName: ef.DeviceName,
		Category:   ef.Category,
		Match:      fp,
		Tuning:     tuning,
		Hooks:      hooks,
		Operations: ef.Ops,
		Flags:      flags,
		Status:     statusOrProposed(ef.Status),
		Confidence: Confidence(ef.Confidence),
	}
	if ef.Provenance != nil {
		q.Provenance = &Provenance{
			SubmittedBy: ef.Provenance.SubmittedBy,
			Date:        ef.Provenance.Date,
		}
	}

	return q, nil
}

// DecodeFile parses a quirk database file per spec.md §6.1: UTF-8
// JSON, lenient numeric fields (hex-prefixed string or integer),
// unknown status values mapped to "proposed", and legacy top-level
// tuning fields accepted alongside the nested "tuning" object.
//
// Entries sharing the same id are a schema error.
func DecodeFile(data []byte) (*Database, error) {
	var ff fileFormat
	if err := json.Unmarshal(data, &ff); err != nil {
		return nil, fmt.Errorf("quirks: decode: %w", err)
	}

	db := NewDatabase()
	seen := make(map[string]bool, len(ff.Entries))

	for _, ef := range ff.Entries {
		if seen[ef.ID] {
			return nil, fmt.Errorf("quirks: duplicate entry id %q", ef.ID)
		}
		seen[ef.ID] = true

		q, err := decodeEntry(ef)
		if err != nil {
			return nil, fmt.Errorf("quirks: entry %q: %w", ef.ID, err)
		}

		db.Add(q)
	}

	return db, nil
}
