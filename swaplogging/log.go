// Package swaplogging wires up the subsystem loggers shared across the
// swap engine, following the same btclog.Backend-plus-rotator idiom the
// btcsuite family uses: one Logger per subsystem tag, all backed by a
// single rotated log file plus stdout.
package swaplogging

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"
)

// logWriter implements io.Writer and writes to both standard output and
// the rotating log file.
type logWriter struct{}

func (logWriter) Write(p []byte) (int, error) {
	os.Stdout.Write(p)
	if logRotator != nil {
		logRotator.Write(p)
	}
	return len(p), nil
}

// logRotator is initialized by InitLogRotator and is used by logWriter's
// Write to archive the log file once it exceeds a threshold size.
var logRotator *rotator.Rotator

// backendLog is the logging backend used to create all subsystem loggers.
// It always writes to standard output; the rotated log file is added once
// InitLogRotator is called.
var backendLog = btclog.NewBackend(logWriter{})

// subsystemLoggers maps each subsystem tag to its Logger. New subsystems
// must be registered here; packages obtain theirs through Logger(tag).
var subsystemLoggers = map[string]btclog.Logger{
	"MKR": backendLog.Logger("MKR"), // makerswap
	"TKR": backendLog.Logger("TKR"), // takerswap
	"NGT": backendLog.Logger("NGT"), // negotiate
	"REG": backendLog.Logger("REG"), // swapregistry
	"NET": backendLog.Logger("NET"), // swapnet
	"RPC": backendLog.Logger("RPC"), // rpc
	"RCV": backendLog.Logger("RCV"), // recovery
	"JNL": backendLog.Logger("JNL"), // swaplog
	"SWD": backendLog.Logger("SWD"), // cmd/swapd
}

// Logger returns the named subsystem's Logger, or btclog.Disabled if tag
// is unrecognized.
func Logger(tag string) btclog.Logger {
	if l, ok := subsystemLoggers[tag]; ok {
		return l
	}
	return btclog.Disabled
}

// SupportedSubsystems returns the sorted list of registered subsystem
// tags, for a daemon's --debuglevel=help output.
func SupportedSubsystems() []string {
	tags := make([]string, 0, len(subsystemLoggers))
	for tag := range subsystemLoggers {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// SetLogLevel sets the log level for the named subsystem. An unrecognized
// tag is a no-op, matching the btcsuite family's tolerant CLI parsing.
func SetLogLevel(subsystemTag, level string) {
	logger, ok := subsystemLoggers[subsystemTag]
	if !ok {
		return
	}
	lvl, ok := btclog.LevelFromString(level)
	if !ok {
		return
	}
	logger.SetLevel(lvl)
}

// SetLogLevels sets every registered subsystem's log level.
func SetLogLevels(level string) {
	for tag := range subsystemLoggers {
		SetLogLevel(tag, level)
	}
}

// InitLogRotator creates a rotating log file at logFile and directs the
// shared logWriter's output at it. It must be called before any logger
// produces output that should survive a restart.
func InitLogRotator(logFile string) error {
	logDir := filepath.Dir(logFile)
	if err := os.MkdirAll(logDir, 0o700); err != nil {
		return fmt.Errorf("swaplogging: create log directory %s: %w", logDir, err)
	}
	r, err := rotator.New(logFile, 10*1024, false, 3)
	if err != nil {
		return fmt.Errorf("swaplogging: create log rotator: %w", err)
	}
	logRotator = r
	return nil
}
