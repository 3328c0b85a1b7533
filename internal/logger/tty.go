package logger

import "os"

// isTerminal reports whether file refers to a character device
// (a terminal), used to decide whether ToColorConsole should emit
// ANSI escapes.
func isTerminal(file *os.File) bool {
	stat, err := file.Stat()
	if err != nil {
		return false
	}
	return stat.Mode()&os.ModeCharDevice != 0
}
