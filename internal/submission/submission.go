// Package submission writes the device-submission bundle of spec.md
// §6.2: a directory of JSON/CSV/text files describing one attached
// device's capabilities and observed transfer performance, for a
// human to review and an external submission pipeline to fold into
// the quirk database. The pipeline itself — matching, review,
// promotion — stays external; this package only produces the bundle.
package submission

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/mtpusbd/mtpusbd/internal/capability"
	"github.com/mtpusbd/mtpusbd/internal/ptp"
	"github.com/mtpusbd/mtpusbd/internal/quirks"
)

// Manifest is submission.json: the bundle's table of contents.
type Manifest struct {
	BundleID   string    `json:"bundleId"`
	CreatedAt  time.Time `json:"createdAt"`
	DeviceName string    `json:"deviceName"`
	QuirkID    string    `json:"quirkId,omitempty"`
	Files      []string  `json:"files"`
}

// Probe is probe.json: the device's structured, redacted capability
// snapshot.
type Probe struct {
	VID                   uint16  `json:"vid"`
	PID                   uint16  `json:"pid"`
	IfaceClass            *uint8  `json:"ifaceClass,omitempty"`
	IfaceSubclass         *uint8  `json:"ifaceSubclass,omitempty"`
	IfaceProtocol         *uint8  `json:"ifaceProtocol,omitempty"`
	Manufacturer          string  `json:"manufacturer"`
	Model                 string  `json:"model"`
	DeviceVersion         string  `json:"deviceVersion"`
	SerialNumberRedacted  string  `json:"serialNumberRedacted,omitempty"`
	OperationsSupported   []uint16 `json:"operationsSupported"`
	EventsSupported       []uint16 `json:"eventsSupported"`
	Capabilities          capability.Capabilities `json:"capabilities"`
	EffectiveTuning       quirks.EffectiveTuning   `json:"effectiveTuning"`
}

// BuildProbe assembles a Probe from a live device's DeviceInfo,
// fingerprint, probed capabilities, and effective tuning, redacting
// the serial number through r.
func BuildProbe(info ptp.DeviceInfo, fp quirks.Fingerprint, caps capability.Capabilities, tuning quirks.EffectiveTuning, r *Redactor) Probe {
	return Probe{
		VID:                  fp.VID,
		PID:                  fp.PID,
		IfaceClass:           fp.IfaceClass,
		IfaceSubclass:        fp.IfaceSubclass,
		IfaceProtocol:        fp.IfaceProtocol,
		Manufacturer:         info.Manufacturer,
		Model:                info.Model,
		DeviceVersion:        info.DeviceVersion,
		SerialNumberRedacted: r.Redact(info.SerialNumber),
		OperationsSupported:  info.OperationsSupported,
		EventsSupported:      info.EventsSupported,
		Capabilities:         caps,
		EffectiveTuning:      tuning,
	}
}

// FormatUSBDump renders usb-dump.txt: a human-readable text dump of
// the device and interface descriptors, serial redacted the same way
// as Probe.
func FormatUSBDump(info ptp.DeviceInfo, fp quirks.Fingerprint, r *Redactor) string {
	s := fmt.Sprintf("VID=0x%04X PID=0x%04X\n", fp.VID, fp.PID)
	if fp.IfaceClass != nil {
		s += fmt.Sprintf("Interface: class=0x%02X", *fp.IfaceClass)
		if fp.IfaceSubclass != nil {
			s += fmt.Sprintf(" subclass=0x%02X", *fp.IfaceSubclass)
		}
		if fp.IfaceProtocol != nil {
			s += fmt.Sprintf(" protocol=0x%02X", *fp.IfaceProtocol)
		}
		s += "\n"
	}
	s += fmt.Sprintf("Manufacturer: %s\n", info.Manufacturer)
	s += fmt.Sprintf("Model: %s\n", info.Model)
	s += fmt.Sprintf("DeviceVersion: %s\n", info.DeviceVersion)
	s += fmt.Sprintf("SerialNumber: %s (redacted)\n", r.Redact(info.SerialNumber))
	s += fmt.Sprintf("StandardVersion: %d\n", info.StandardVersion)
	s += fmt.Sprintf("VendorExtensionDesc: %s\n", info.VendorExtensionDesc)
	s += fmt.Sprintf("OperationsSupported: %v\n", info.OperationsSupported)
	s += fmt.Sprintf("EventsSupported: %v\n", info.EventsSupported)
	s += fmt.Sprintf("DevicePropertiesSupported: %v\n", info.DevicePropertiesSupported)
	return s
}

// BenchResult is one row of a bench-*.csv file, matching spec.md
// §6.2's schema verbatim.
type BenchResult struct {
	Timestamp       time.Time
	Operation       string
	SizeBytes       uint64
	DurationSeconds float64
	SpeedMbps       float64
}

// csvHeader is spec.md §6.2's literal bench-*.csv schema.
var csvHeader = []string{"timestamp", "operation", "size_bytes", "duration_seconds", "speed_mbps"}

// QuirkSuggestion is quirk-suggestion.json: a single candidate quirk
// entry, proposed for human review rather than auto-promoted. Its
// shape is not the quirk file's: the match object is flat
// (VID/PID/IfaceClass/... with no nested iface object) and the entry
// carries no id, so internal/quirks' decoder does not read it as is.
// It is only ever written, never read back by this project.
type QuirkSuggestion struct {
	SchemaVersion string             `json:"schemaVersion"`
	Entry         QuirkSuggestionEntry `json:"entry"`
}

// QuirkSuggestionEntry is one proposed database row.
type QuirkSuggestionEntry struct {
	DeviceName string          `json:"deviceName,omitempty"`
	Match      QuirkMatch      `json:"match"`
	Tuning     quirks.Tuning   `json:"tuning"`
	Flags      quirks.Flags    `json:"flags"`
	Status     string          `json:"status"`
	Confidence string          `json:"confidence"`
}

// QuirkMatch is QuirkSuggestionEntry's device-identification subobject.
type QuirkMatch struct {
	VID, PID      uint16
	IfaceClass    *uint8
	IfaceSubclass *uint8
	IfaceProtocol *uint8
}

// Bundle is the full set of files one device-submission run produces.
type Bundle struct {
	Manifest        Manifest
	Probe           Probe
	USBDump         string
	Bench           []BenchResult
	QuirkSuggestion *QuirkSuggestion
}

// Write creates dir (and any missing parents) and writes every file
// bundle names in its Manifest, plus the manifest itself. dir must not
// already contain a bundle; callers create a fresh directory per run.
func Write(dir string, bundle Bundle) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("submission: creating bundle directory: %w", err)
	}

	if err := writeJSON(filepath.Join(dir, "submission.json"), bundle.Manifest); err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(dir, "probe.json"), bundle.Probe); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "usb-dump.txt"), []byte(bundle.USBDump), 0o644); err != nil {
		return fmt.Errorf("submission: writing usb-dump.txt: %w", err)
	}
	if err := writeBenchCSV(filepath.Join(dir, "bench-"+bundle.Manifest.BundleID+".csv"), bundle.Bench); err != nil {
		return err
	}
	if bundle.QuirkSuggestion != nil {
		if err := writeJSON(filepath.Join(dir, "quirk-suggestion.json"), bundle.QuirkSuggestion); err != nil {
			return err
		}
	}
	return nil
}

func writeJSON(path string, v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("submission: encoding %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("submission: writing %s: %w", filepath.Base(path), err)
	}
	return nil
}

func writeBenchCSV(path string, rows []BenchResult) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("submission: creating %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(csvHeader); err != nil {
		return fmt.Errorf("submission: writing %s header: %w", filepath.Base(path), err)
	}
	for _, r := range rows {
		record := []string{
			r.Timestamp.UTC().Format(time.RFC3339),
			r.Operation,
			strconv.FormatUint(r.SizeBytes, 10),
			strconv.FormatFloat(r.DurationSeconds, 'f', 6, 64),
			strconv.FormatFloat(r.SpeedMbps, 'f', 3, 64),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("submission: writing %s row: %w", filepath.Base(path), err)
		}
	}
	w.Flush()
	return w.Error()
}
