// Package config loads the daemon's configuration: mtpusbd.conf (an
// INI-style file searched for in /etc/mtpusbd then the executable's
// directory, decoded with internal/inifile) plus a handful of
// env-derived overrides that feed quirks.BuildEffective as precedence
// layer 6.
package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mtpusbd/mtpusbd/internal/inifile"
	"github.com/mtpusbd/mtpusbd/internal/logger"
)

const (
	// ConfFileName is the daemon's configuration file name.
	ConfFileName = "mtpusbd.conf"

	// PathConfDir is where the packaged configuration file lives.
	PathConfDir = "/etc/mtpusbd"

	// PathProgState is the daemon's persistent-state root.
	PathProgState = "/var/lib/mtpusbd"

	// PathLockFile is the single-instance guard file under PathProgState.
	PathLockFile = PathProgState + "/mtpusbd.lock"

	// PathControlSocket is the Extension RPC's unix control socket.
	PathControlSocket = PathProgState + "/control.sock"

	// PathProgStateDev is where per-device state (index/journal DBs,
	// learned profiles) is kept.
	PathProgStateDev = PathProgState + "/dev"

	// PathQuirksDir is where packaged quirk entries are installed.
	PathQuirksDir = "/usr/share/mtpusbd/quirks"

	// PathConfQuirksDir is where locally-added quirk entries live.
	PathConfQuirksDir = PathConfDir + "/quirks"
)

// Configuration is the daemon's runtime configuration: persistent
// paths, logging masks, crawl/cache tuning defaults and the
// env-derived overrides folded in from spec §6.4.
type Configuration struct {
	StateDir   string // persistent-state root (index/journal DBs, learned profiles)
	QuirksDirs []string

	LogDevice  logger.LogLevel // per-device LogLevel mask
	LogMain    logger.LogLevel // main daemon LogLevel mask
	LogConsole logger.LogLevel // console LogLevel mask

	LogMaxFileSize    int64
	LogMaxBackupFiles uint

	CrawlSeedConcurrency   uint
	CrawlPeriodicIntervalS uint

	CacheMaxBytes int64

	// EnvOverrides is the flattened IO_TIMEOUT_MS/MAX_CHUNK_BYTES view
	// of the process environment (DEBUG sets Debug instead), in the string-map shape
	// quirks.BuildEffective's overrides parameter expects directly.
	EnvOverrides map[string]string

	// DenyQuirks lists quirk entry IDs (DENY_QUIRKS=<id,...>) whose
	// matched-entry application is suppressed for this run.
	DenyQuirks map[string]bool

	// Debug enables verbose event tracing (DEBUG=1).
	Debug bool
}

// Default returns the built-in configuration, before ConfFileName or
// the environment are consulted.
func Default() Configuration {
	return Configuration{
		StateDir:               PathProgStateDev,
		QuirksDirs:             []string{PathQuirksDir, PathConfQuirksDir},
		LogDevice:              logger.LogDebug,
		LogMain:                logger.LogDebug,
		LogConsole:             logger.LogInfo,
		LogMaxFileSize:         256 * 1024,
		LogMaxBackupFiles:      5,
		CrawlSeedConcurrency:   4,
		CrawlPeriodicIntervalS: 300,
		CacheMaxBytes:          256 * 1024 * 1024,
		EnvOverrides:           map[string]string{},
		DenyQuirks:             map[string]bool{},
	}
}

// Load builds the effective Configuration: Default(), then
// mtpusbd.conf from PathConfDir and then the executable's own
// directory (later files win, matching ConfLoad's search order), then
// the env overrides of spec §6.4.
func Load() (Configuration, error) {
	conf := Default()

	exepath, err := os.Executable()
	if err != nil {
		return conf, fmt.Errorf("config: %w", err)
	}
	exepath = filepath.Dir(exepath)

	files := []string{
		filepath.Join(PathConfDir, ConfFileName),
		filepath.Join(exepath, ConfFileName),
	}

	for _, file := range files {
		if err := loadFile(&conf, file); err != nil {
			return conf, fmt.Errorf("config: %w", err)
		}
	}

	loadEnv(&conf)

	return conf, nil
}

func loadFile(conf *Configuration, path string) error {
	ini, err := inifile.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer ini.Close()

	for {
		rec, err := ini.Next()
		if err != nil {
			return err
		}
		if rec == nil {
			break
		}

		switch rec.Section {
		case "storage":
			switch rec.Key {
			case "state-dir":
				conf.StateDir = rec.Value
			case "cache-max-bytes":
				if err := loadSizeKey(&conf.CacheMaxBytes, rec); err != nil {
					return err
				}
			}
		case "logging":
			switch rec.Key {
			case "device-log":
				if err := loadLogLevelKey(&conf.LogDevice, rec); err != nil {
					return err
				}
			case "main-log":
				if err := loadLogLevelKey(&conf.LogMain, rec); err != nil {
					return err
				}
			case "console-log":
				if err := loadLogLevelKey(&conf.LogConsole, rec); err != nil {
					return err
				}
			case "max-file-size":
				if err := loadSizeKey(&conf.LogMaxFileSize, rec); err != nil {
					return err
				}
			case "max-backup-files":
				if err := loadUintKey(&conf.LogMaxBackupFiles, rec); err != nil {
					return err
				}
			}
		case "crawl":
			switch rec.Key {
			case "seed-concurrency":
				if err := loadUintKey(&conf.CrawlSeedConcurrency, rec); err != nil {
					return err
				}
			case "periodic-interval-sec":
				if err := loadUintKey(&conf.CrawlPeriodicIntervalS, rec); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

// loadEnv folds the spec §6.4 env knobs into conf.EnvOverrides (fed
// straight into quirks.BuildEffective's overrides parameter) plus
// DenyQuirks and Debug.
func loadEnv(conf *Configuration) {
	for _, name := range []string{"IO_TIMEOUT_MS", "MAX_CHUNK_BYTES"} {
		if v, ok := os.LookupEnv(name); ok {
			conf.EnvOverrides[name] = v
		}
	}

	if v, ok := os.LookupEnv("DENY_QUIRKS"); ok {
		for _, id := range strings.Split(v, ",") {
			id = strings.TrimSpace(id)
			if id != "" {
				conf.DenyQuirks[id] = true
			}
		}
	}

	if v, ok := os.LookupEnv("DEBUG"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			conf.Debug = b
		}
	}
}

func confBadValue(rec *inifile.Record, format string, args ...interface{}) error {
	return &inifile.Error{File: rec.File, Line: rec.Line, Message: fmt.Sprintf(rec.Key+": "+format, args...)}
}

func loadLogLevelKey(out *logger.LogLevel, rec *inifile.Record) error {
	var mask logger.LogLevel
	for _, s := range strings.Split(rec.Value, ",") {
		s = strings.TrimSpace(s)
		switch s {
		case "":
		case "error":
			mask |= logger.LogError
		case "info":
			mask |= logger.LogInfo | logger.LogError
		case "debug":
			mask |= logger.LogDebug | logger.LogInfo | logger.LogError
		case "trace-usb":
			mask |= logger.LogTraceUSB | logger.LogDebug | logger.LogInfo | logger.LogError
		case "trace-ptp":
			mask |= logger.LogTracePTP | logger.LogDebug | logger.LogInfo | logger.LogError
		case "all", "trace-all":
			mask |= logger.LogAll
		default:
			return confBadValue(rec, "invalid log level %q", s)
		}
	}
	*out = mask
	return nil
}

func loadSizeKey(out *int64, rec *inifile.Record) error {
	units := uint64(1)
	value := rec.Value

	if l := len(value); l > 0 {
		switch value[l-1] {
		case 'k', 'K':
			units = 1024
		case 'm', 'M':
			units = 1024 * 1024
		}
		if units != 1 {
			value = value[:l-1]
		}
	}

	sz, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return confBadValue(rec, "%q: invalid size", rec.Value)
	}
	if sz > uint64(math.MaxInt64/units) {
		return confBadValue(rec, "size too large")
	}

	*out = int64(sz * units)
	return nil
}

func loadUintKey(out *uint, rec *inifile.Record) error {
	num, err := strconv.ParseUint(rec.Value, 10, 0)
	if err != nil {
		return confBadValue(rec, "%q: invalid number", rec.Value)
	}
	*out = uint(num)
	return nil
}
