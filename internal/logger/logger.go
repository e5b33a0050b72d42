// Package logger is the process-wide logger for manualrag.
// Debug, Info and Section lines are only written with --verbose.
// Warnings are always written so degraded ingests and searches stay visible.
package logger

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

var (
	mu         sync.RWMutex
	verbose    bool
	timestamps bool
	output     io.Writer = os.Stderr
)

// SetVerbose enables or disables verbose logging.
func SetVerbose(v bool) {
	mu.Lock()
	defer mu.Unlock()
	verbose = v
}

// IsVerbose reports whether verbose mode is enabled.
func IsVerbose() bool {
	mu.RLock()
	defer mu.RUnlock()
	return verbose
}

// SetTimestamps prefixes every line with a UTC timestamp. Long running
// commands (serve, watch) turn this on.
func SetTimestamps(on bool) {
	mu.Lock()
	defer mu.Unlock()
	timestamps = on
}

// SetOutput sets the writer for log lines. Defaults to os.Stderr.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	output = w
}

// Debug prints a message if verbose mode is enabled.
func Debug(format string, args ...any) {
	write(true, "DEBUG", format, args...)
}

// Info prints an informational message if verbose mode is enabled.
func Info(format string, args ...any) {
	write(true, "INFO", format, args...)
}

// Warn prints a warning regardless of verbose mode.
func Warn(format string, args ...any) {
	write(false, "WARN", format, args...)
}

// Section prints a section header if verbose mode is enabled.
func Section(name string) {
	mu.RLock()
	defer mu.RUnlock()
	if verbose {
		fmt.Fprintf(output, "\n=== %s ===\n", name)
	}
}

func write(verboseOnly bool, level, format string, args ...any) {
	mu.RLock()
	defer mu.RUnlock()
	if verboseOnly && !verbose {
		return
	}
	prefix := "[" + level + "] "
	if timestamps {
		prefix = time.Now().UTC().Format(time.RFC3339) + " " + prefix
	}
	fmt.Fprintf(output, prefix+format+"\n", args...)
}
