package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"
	"unicode"
)

// CloseStdInOutErr redirects stdin/stdout/stderr to /dev/null, once the
// daemon has finished printing startup diagnostics to the console.
// Unlike the teacher's cgo-backed C.dup2 (needed only because
// syscall.Dup2 was missing on old ARM64 Go toolchains), this module
// targets a current Go toolchain, so the stdlib syscall is used
// directly and this function needs no cgo of its own.
func CloseStdInOutErr() error {
	nul, err := syscall.Open(os.DevNull, syscall.O_RDONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %q: %s", os.DevNull, err)
	}
	defer syscall.Close(nul)

	for _, fd := range []int{0, 1, 2} {
		if err := syscall.Dup2(nul, fd); err != nil {
			return fmt.Errorf("dup2: %s", err)
		}
	}
	return nil
}

// Daemon re-execs the running binary detached from the controlling
// terminal (new session, stdin from /dev/null), strips the -bg flag
// from its argv so the child doesn't re-daemonize, and waits for the
// child's startup output: anything on stderr before it finishes
// initializing is treated as a fatal startup error and reported back
// to the foreground caller instead of being silently lost.
func Daemon() error {
	rstdout, wstdout, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("pipe(): %s", err)
	}
	rstderr, wstderr, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("pipe(): %s", err)
	}

	devnull, err := os.Open(os.DevNull)
	if err != nil {
		return fmt.Errorf("open %q: %s", os.DevNull, err)
	}
	defer devnull.Close()

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("daemon: %s", err)
	}

	attr := &os.ProcAttr{
		Files: []*os.File{devnull, wstdout, wstderr},
		Sys:   &syscall.SysProcAttr{Setsid: true},
	}

	args := make([]string, 0, len(os.Args))
	for _, arg := range os.Args {
		if arg != "-bg" {
			args = append(args, arg)
		}
	}

	proc, err := os.StartProcess(exe, args, attr)
	if err != nil {
		return err
	}

	wstdout.Close()
	wstderr.Close()

	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	io.Copy(stdout, rstdout)
	io.Copy(stderr, rstderr)

	if stdout.Len() != 0 {
		os.Stdout.Write(stdout.Bytes())
	}

	if stderr.Len() > 0 {
		s := strings.TrimFunc(stderr.String(), unicode.IsSpace)
		proc.Kill() // child failed to initialize; don't leave it running
		return errors.New(s)
	}

	proc.Release()
	return nil
}
