// Command mtpusbd is the MTP-over-USB daemon: it discovers attached
// MTP devices, serves a live filesystem-shaped index of their content
// over the Extension RPC control socket, and keeps that index fresh
// via the crawl scheduler and device event pump, generalizing the
// teacher's single-purpose "discover IPP-over-USB printers, proxy
// HTTP to each" daemon loop (main.go/pnp.go) to MTP's richer
// storage/object/event surface.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/google/gousb"

	"github.com/mtpusbd/mtpusbd/internal/config"
	"github.com/mtpusbd/mtpusbd/internal/lock"
	"github.com/mtpusbd/mtpusbd/internal/logger"
	"github.com/mtpusbd/mtpusbd/internal/quirks"
	"github.com/mtpusbd/mtpusbd/internal/rpc"
	"github.com/mtpusbd/mtpusbd/internal/transport"
	"github.com/mtpusbd/mtpusbd/internal/watcher"
)

// usbPollInterval stands in for the teacher's hotplug subscription:
// gousb exposes no hotplug callback, so the watcher polls instead (see
// internal/watcher's doc comment).
const usbPollInterval = 2 * time.Second

const usageText = `Usage:
    %s mode [options]

Modes are:
    standalone  - run forever, automatically discover MTP devices
                  and serve them all
    debug       - logs duplicated on console, -bg option is
                  ignored
    check       - list attached MTP-candidate devices and exit
    status      - print mtpusbd status and exit

Options are
    -bg         - run in background (ignored in debug mode)
`

// RunMode selects what main does once configuration is loaded.
type RunMode int

const (
	RunDefault RunMode = iota
	RunStandalone
	RunDebug
	RunCheck
	RunStatus
)

func (m RunMode) String() string {
	switch m {
	case RunDefault:
		return "default"
	case RunStandalone:
		return "standalone"
	case RunDebug:
		return "debug"
	case RunCheck:
		return "check"
	case RunStatus:
		return "status"
	}
	return fmt.Sprintf("unknown (%d)", int(m))
}

// RunParameters is the outcome of parsing argv.
type RunParameters struct {
	Mode       RunMode
	Background bool
}

func usage() {
	fmt.Printf(usageText, os.Args[0])
	os.Exit(0)
}

func usageError(format string, args ...interface{}) {
	if format != "" {
		fmt.Printf(format+"\n", args...)
	}
	fmt.Printf("Try %s -h for more information\n", os.Args[0])
	os.Exit(1)
}

func parseArgv() (params RunParameters) {
	params.Mode = RunDebug

	modes := 0
	for _, arg := range os.Args[1:] {
		switch arg {
		case "-h", "-help", "--help":
			usage()
		case "standalone":
			params.Mode = RunStandalone
			modes++
		case "debug":
			params.Mode = RunDebug
			modes++
		case "check":
			params.Mode = RunCheck
			modes++
		case "status":
			params.Mode = RunStatus
			modes++
		case "-bg":
			params.Background = true
		default:
			usageError("Invalid argument %s", arg)
		}
	}

	if modes > 1 {
		usageError("Conflicting run modes")
	}
	if params.Mode == RunDebug {
		params.Background = false
	}
	return
}

// printCheck lists every attached device with at least one scored MTP
// interface candidate, without opening a session on any of them.
func printCheck(log *logger.Logger) {
	ctx, err := gousb.NewContext()
	if err != nil {
		log.Info(0, "Can't access USB: %s", err)
		return
	}
	defer ctx.Close()

	type found struct {
		addr       watcher.Addr
		vendor     gousb.ID
		product    gousb.ID
		candidates []transport.Candidate
	}
	var list []found

	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if cand := transport.Probe(desc); len(cand) > 0 {
			list = append(list, found{
				addr:       watcher.Addr{Bus: desc.Bus, Address: desc.Address},
				vendor:     desc.Vendor,
				product:    desc.Product,
				candidates: cand,
			})
		}
		return false
	})
	for _, d := range devs {
		d.Close()
	}
	if err != nil {
		log.Info(0, "Can't read list of USB devices: %s", err)
		return
	}

	if len(list) == 0 {
		log.Info(0, "No MTP devices found")
		return
	}

	sort.Slice(list, func(i, j int) bool { return list[i].addr.Less(list[j].addr) })

	log.Info(0, "MTP-candidate devices:")
	log.Info(0, " Num  Device              Vndr:Prod  Best score")
	for i, d := range list {
		log.Info(0, "%3d. %s  %4.4x:%4.4x  %d", i+1, d.addr, uint16(d.vendor), uint16(d.product), d.candidates[0].Score)
	}
}

// printStatus fetches and prints the running daemon's status report
// over the control socket.
func printStatus(log *logger.Logger) {
	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", config.PathControlSocket)
			},
		},
		Timeout: 5 * time.Second,
	}

	resp, err := client.Get("http://unix/status")
	if err != nil {
		log.Info(0, "%s", err)
		return
	}
	defer resp.Body.Close()

	var report rpc.StatusReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		log.Info(0, "%s", err)
		return
	}

	if len(report.Devices) == 0 {
		log.Info(0, "No devices attached")
		return
	}
	for _, d := range report.Devices {
		log.Info(0, "%s (%s)", d.DisplayName, d.DomainID)
		if d.QuirkID != "" {
			log.Info(0, "  quirk: %s (%s)", d.QuirkID, d.QuirkStatus)
		}
		if len(d.ActiveTransfer) > 0 {
			log.Info(0, "  active transfers: %d", len(d.ActiveTransfer))
		}
	}
}

func main() {
	params := parseArgv()

	conf, err := config.Load()
	initLog := logger.New().ToConsole()
	initLog.Check(err)

	log := logger.New()
	console := logger.New()

	if params.Mode == RunDebug || params.Mode == RunCheck || params.Mode == RunStatus {
		console.ToColorConsole()
	}
	log.Cc(conf.LogConsole, console)

	if params.Mode == RunCheck {
		initLog.Info(0, "Configuration files: OK")
		printCheck(initLog)
	}

	if params.Mode == RunStatus {
		printStatus(initLog)
		os.Exit(0)
	}

	if os.Geteuid() != 0 {
		initLog.Exit(0, "mtpusbd requires root privileges")
	}

	if params.Mode == RunCheck {
		os.Exit(0)
	}

	if params.Background {
		err = Daemon()
		initLog.Check(err)
		os.Exit(0)
	}

	os.MkdirAll(config.PathProgState, 0o755)
	lk, err := lock.Acquire(config.PathLockFile)
	if err == lock.ErrBusy {
		initLog.Exit(0, "mtpusbd already running")
	}
	initLog.Check(err)
	defer lk.Release()

	log.Info(' ', "===============================")
	log.Info(' ', "mtpusbd started in %q mode, pid=%d", params.Mode, os.Getpid())
	defer log.Info(' ', "mtpusbd finished")

	if params.Mode != RunDebug {
		err = CloseStdInOutErr()
		initLog.Check(err)
	}

	qdb, err := quirks.LoadDirs(conf.QuirksDirs...)
	log.Check(err)
	qdb.Deny(conf.DenyQuirks)

	registry := NewRegistry(conf, qdb, log)

	usbCtx, err := gousb.NewContext()
	log.Check(err)
	defer usbCtx.Close()

	rpcSrv := rpc.New(config.PathControlSocket, registry)
	log.Check(rpcSrv.Start())
	defer rpcSrv.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w := watcher.New(usbCtx, usbPollInterval, registry.OnAttach, registry.OnDetach, func(err error) {
		log.Debug(0, "watcher: %s", err)
	})

	if err := w.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error('!', "watcher: %s", err)
	}
}
