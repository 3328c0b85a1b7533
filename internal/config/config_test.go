package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mtpusbd/mtpusbd/internal/logger"
)

func writeConf(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ConfFileName)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConf(t, `
[storage]
state-dir = /tmp/mtpusbd-state
cache-max-bytes = 16M

[logging]
device-log = debug,trace-usb
console-log = error
max-file-size = 4k
max-backup-files = 3

[crawl]
seed-concurrency = 8
periodic-interval-sec = 60
`)

	conf := Default()
	if err := loadFile(&conf, path); err != nil {
		t.Fatalf("loadFile: %v", err)
	}

	if conf.StateDir != "/tmp/mtpusbd-state" {
		t.Errorf("StateDir = %q", conf.StateDir)
	}
	if conf.CacheMaxBytes != 16*1024*1024 {
		t.Errorf("CacheMaxBytes = %d", conf.CacheMaxBytes)
	}
	wantDevice := logger.LogDebug | logger.LogInfo | logger.LogError | logger.LogTraceUSB
	if conf.LogDevice != wantDevice {
		t.Errorf("LogDevice = %v, want %v", conf.LogDevice, wantDevice)
	}
	if conf.LogConsole != logger.LogError {
		t.Errorf("LogConsole = %v, want %v", conf.LogConsole, logger.LogError)
	}
	if conf.LogMaxFileSize != 4*1024 {
		t.Errorf("LogMaxFileSize = %d", conf.LogMaxFileSize)
	}
	if conf.LogMaxBackupFiles != 3 {
		t.Errorf("LogMaxBackupFiles = %d", conf.LogMaxBackupFiles)
	}
	if conf.CrawlSeedConcurrency != 8 {
		t.Errorf("CrawlSeedConcurrency = %d", conf.CrawlSeedConcurrency)
	}
	if conf.CrawlPeriodicIntervalS != 60 {
		t.Errorf("CrawlPeriodicIntervalS = %d", conf.CrawlPeriodicIntervalS)
	}
}

func TestLoadFileMissingIsNotAnError(t *testing.T) {
	conf := Default()
	if err := loadFile(&conf, filepath.Join(t.TempDir(), "nope.conf")); err != nil {
		t.Fatalf("loadFile on missing file: %v", err)
	}
}

func TestLoadFileRejectsBadLogLevel(t *testing.T) {
	path := writeConf(t, "[logging]\ndevice-log = bogus\n")
	conf := Default()
	if err := loadFile(&conf, path); err == nil {
		t.Fatal("expected an error for an invalid log level name")
	}
}

func TestLoadEnvFoldsOverridesAndDenyList(t *testing.T) {
	t.Setenv("IO_TIMEOUT_MS", "2500")
	t.Setenv("MAX_CHUNK_BYTES", "65536")
	t.Setenv("DENY_QUIRKS", "canon-eos-80d, nikon-d3500")
	t.Setenv("DEBUG", "1")

	conf := Default()
	loadEnv(&conf)

	if conf.EnvOverrides["IO_TIMEOUT_MS"] != "2500" {
		t.Errorf("EnvOverrides[IO_TIMEOUT_MS] = %q", conf.EnvOverrides["IO_TIMEOUT_MS"])
	}
	if conf.EnvOverrides["MAX_CHUNK_BYTES"] != "65536" {
		t.Errorf("EnvOverrides[MAX_CHUNK_BYTES] = %q", conf.EnvOverrides["MAX_CHUNK_BYTES"])
	}
	if !conf.DenyQuirks["canon-eos-80d"] || !conf.DenyQuirks["nikon-d3500"] {
		t.Errorf("DenyQuirks = %+v, want both ids set", conf.DenyQuirks)
	}
	if !conf.Debug {
		t.Error("Debug = false, want true")
	}
}

func TestLoadEnvLeavesDefaultsWhenUnset(t *testing.T) {
	conf := Default()
	loadEnv(&conf)

	if len(conf.EnvOverrides) != 0 {
		t.Errorf("EnvOverrides = %+v, want empty", conf.EnvOverrides)
	}
	if conf.Debug {
		t.Error("Debug = true, want false")
	}
}
