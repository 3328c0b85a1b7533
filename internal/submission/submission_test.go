package submission

import (
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mtpusbd/mtpusbd/internal/capability"
	"github.com/mtpusbd/mtpusbd/internal/ptp"
	"github.com/mtpusbd/mtpusbd/internal/quirks"
)

func TestRedactIsDeterministicAndSaltDependent(t *testing.T) {
	r1, salt, err := NewRedactor()
	if err != nil {
		t.Fatalf("NewRedactor: %v", err)
	}
	r2 := &Redactor{key: salt}

	a := r1.Redact("SN1234567890")
	b := r2.Redact("SN1234567890")
	if a != b {
		t.Fatalf("same salt produced different digests: %q vs %q", a, b)
	}
	if a == "SN1234567890" {
		t.Fatal("Redact returned the input unchanged")
	}

	r3, _, err := NewRedactor()
	if err != nil {
		t.Fatalf("NewRedactor: %v", err)
	}
	if r3.Redact("SN1234567890") == a {
		t.Fatal("different salts produced the same digest")
	}
}

func TestRedactEmptyStringStaysEmpty(t *testing.T) {
	r, _, err := NewRedactor()
	if err != nil {
		t.Fatalf("NewRedactor: %v", err)
	}
	if got := r.Redact(""); got != "" {
		t.Fatalf("Redact(\"\") = %q, want \"\"", got)
	}
}

func TestWriteSaltFileAndReload(t *testing.T) {
	r, salt, err := NewRedactor()
	if err != nil {
		t.Fatalf("NewRedactor: %v", err)
	}
	path := filepath.Join(t.TempDir(), "bundle.salt")
	if err := WriteSaltFile(path, salt); err != nil {
		t.Fatalf("WriteSaltFile: %v", err)
	}

	reloaded, err := RedactorFromSaltFile(path)
	if err != nil {
		t.Fatalf("RedactorFromSaltFile: %v", err)
	}
	if reloaded.Redact("SN1") != r.Redact("SN1") {
		t.Fatal("reloaded redactor disagrees with the original")
	}
}

func TestBuildProbeRedactsSerialNumber(t *testing.T) {
	r, _, err := NewRedactor()
	if err != nil {
		t.Fatalf("NewRedactor: %v", err)
	}
	info := ptp.DeviceInfo{
		Manufacturer:        "Acme",
		Model:                "Phone X",
		DeviceVersion:        "1.0",
		SerialNumber:         "SECRET-123",
		OperationsSupported:  []uint16{0x1001, 0x1002},
	}
	class := uint8(0x06)
	fp := quirks.Fingerprint{VID: 0x18D1, PID: 0x4EE1, IfaceClass: &class}
	caps := capability.Capabilities{PartialRead: true}
	tuning := quirks.Defaults()

	probe := BuildProbe(info, fp, caps, tuning, r)
	if probe.SerialNumberRedacted == "SECRET-123" {
		t.Fatal("probe carries the raw serial number")
	}
	if probe.SerialNumberRedacted != r.Redact("SECRET-123") {
		t.Fatal("probe's redacted serial doesn't match Redact's own output")
	}
	if probe.Manufacturer != "Acme" || probe.VID != 0x18D1 {
		t.Fatalf("probe = %+v", probe)
	}
}

func TestFormatUSBDumpNeverContainsRawSerial(t *testing.T) {
	r, _, err := NewRedactor()
	if err != nil {
		t.Fatalf("NewRedactor: %v", err)
	}
	info := ptp.DeviceInfo{SerialNumber: "SECRET-123", Manufacturer: "Acme", Model: "Phone X"}
	fp := quirks.Fingerprint{VID: 0x18D1, PID: 0x4EE1}

	dump := FormatUSBDump(info, fp, r)
	if got := r.Redact("SECRET-123"); !contains(dump, got) {
		t.Fatalf("dump does not contain the redacted serial: %s", dump)
	}
	if contains(dump, "SECRET-123") {
		t.Fatalf("dump leaks the raw serial number: %s", dump)
	}
}

func contains(s, sub string) bool {
	return len(sub) > 0 && len(s) >= len(sub) && indexOf(s, sub) >= 0
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

func TestWriteProducesAllBundleFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "bundle-1")
	bundle := Bundle{
		Manifest: Manifest{
			BundleID:   "bundle-1",
			CreatedAt:  time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC),
			DeviceName: "Acme Phone X",
			Files:      []string{"submission.json", "probe.json", "usb-dump.txt", "bench-bundle-1.csv", "quirk-suggestion.json"},
		},
		Probe: Probe{VID: 0x18D1, PID: 0x4EE1, Manufacturer: "Acme", Model: "Phone X"},
		USBDump: "VID=0x18D1 PID=0x4EE1\n",
		Bench: []BenchResult{
			{Timestamp: time.Date(2026, 7, 31, 12, 0, 1, 0, time.UTC), Operation: "read", SizeBytes: 1 << 20, DurationSeconds: 0.5, SpeedMbps: 16.0},
		},
		QuirkSuggestion: &QuirkSuggestion{
			SchemaVersion: "1.0.0",
			Entry: QuirkSuggestionEntry{
				DeviceName: "Acme Phone X",
				Match:      QuirkMatch{VID: 0x18D1, PID: 0x4EE1},
				Status:     "proposed",
				Confidence: "low",
			},
		},
	}

	if err := Write(dir, bundle); err != nil {
		t.Fatalf("Write: %v", err)
	}

	for _, name := range []string{"submission.json", "probe.json", "usb-dump.txt", "bench-bundle-1.csv", "quirk-suggestion.json"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("expected %s to exist: %v", name, err)
		}
	}

	var manifest Manifest
	raw, err := os.ReadFile(filepath.Join(dir, "submission.json"))
	if err != nil {
		t.Fatalf("reading submission.json: %v", err)
	}
	if err := json.Unmarshal(raw, &manifest); err != nil {
		t.Fatalf("decoding submission.json: %v", err)
	}
	if manifest.BundleID != "bundle-1" || manifest.DeviceName != "Acme Phone X" {
		t.Fatalf("manifest = %+v", manifest)
	}
}

func TestWriteBenchCSVMatchesSpecSchema(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "bundle-2")
	bundle := Bundle{
		Manifest: Manifest{BundleID: "bundle-2"},
		Bench: []BenchResult{
			{Timestamp: time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC), Operation: "write", SizeBytes: 2048, DurationSeconds: 0.125, SpeedMbps: 131.072},
		},
	}
	if err := Write(dir, bundle); err != nil {
		t.Fatalf("Write: %v", err)
	}

	f, err := os.Open(filepath.Join(dir, "bench-bundle-2.csv"))
	if err != nil {
		t.Fatalf("opening bench csv: %v", err)
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("reading bench csv: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2 (header + 1 data row)", len(rows))
	}
	wantHeader := []string{"timestamp", "operation", "size_bytes", "duration_seconds", "speed_mbps"}
	for i, col := range wantHeader {
		if rows[0][i] != col {
			t.Fatalf("header[%d] = %q, want %q", i, rows[0][i], col)
		}
	}
	if rows[1][1] != "write" || rows[1][2] != "2048" {
		t.Fatalf("data row = %v", rows[1])
	}
}

func TestWriteOmitsQuirkSuggestionWhenNil(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "bundle-3")
	bundle := Bundle{Manifest: Manifest{BundleID: "bundle-3"}}
	if err := Write(dir, bundle); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "quirk-suggestion.json")); !os.IsNotExist(err) {
		t.Fatalf("expected quirk-suggestion.json to be absent, stat err = %v", err)
	}
}
