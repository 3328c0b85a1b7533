package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestCcMaskImpliesLowerLevels(t *testing.T) {
	tests := []struct {
		mask LogLevel
		want LogLevel
	}{
		{LogError, LogError},
		{LogInfo, LogInfo | LogError},
		{LogDebug, LogDebug | LogInfo | LogError},
		{LogTraceUSB, LogTraceUSB | LogDebug | LogInfo | LogError},
	}

	for _, tt := range tests {
		l := New().ToConsole()
		cc := New().ToConsole()
		l.Cc(tt.mask, cc)
		if got := l.cc[0].mask; got != tt.want {
			t.Errorf("Cc(%v): mask = %v, want %v", tt.mask, got, tt.want)
		}
	}
}

func TestMessageWritesToConsole(t *testing.T) {
	var buf bytes.Buffer
	l := New().ToConsole()
	l.out = &buf

	l.Info(0, "hello %s", "world")

	if got := buf.String(); !strings.Contains(got, "hello world") {
		t.Fatalf("console output = %q, want it to contain %q", got, "hello world")
	}
}

func TestBeginCommitIsAtomicAgainstParent(t *testing.T) {
	var buf bytes.Buffer
	l := New().ToConsole()
	l.out = &buf

	child := l.LogMessage.Begin()
	child.Info(0, "line one")
	child.Info(0, "line two")
	child.Commit()

	out := buf.String()
	if !strings.Contains(out, "line one") || !strings.Contains(out, "line two") {
		t.Fatalf("console output = %q, want both lines", out)
	}
}

func TestToDevFileWritesAndRotates(t *testing.T) {
	dir := t.TempDir()
	l := New().ToDevFile(dir, "deadbeef-0001").WithRotation(64, 2)

	for i := 0; i < 20; i++ {
		l.Info(0, "line number %d of the log", i)
	}
	l.Close()

	path := filepath.Join(dir, "deadbeef-0001.log")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected log file to exist: %v", err)
	}
}

func TestHexDumpFormatsRows(t *testing.T) {
	var buf bytes.Buffer
	l := New().ToConsole()
	l.out = &buf

	l.HexDump(LogDebug, []byte("ABCDEFGHIJKLMNOPQ"))

	out := buf.String()
	if !strings.Contains(out, "0000:") || !strings.Contains(out, "0010:") {
		t.Fatalf("hex dump output = %q, want two offset rows", out)
	}
}

func TestLineWriterSplitsOnNewlines(t *testing.T) {
	var got [][]byte
	lw := &LineWriter{Func: func(line []byte) {
		cp := append([]byte(nil), line...)
		got = append(got, cp)
	}}

	lw.Write([]byte("first\nsecond\nthi"))
	lw.Write([]byte("rd"))
	lw.Close()

	if len(got) != 3 {
		t.Fatalf("got %d lines, want 3: %q", len(got), got)
	}
	if string(got[2]) != "third\n" {
		t.Fatalf("last line = %q, want %q", got[2], "third\n")
	}
}
