// Package logging provides centralized logging functionality using logrus.
// It configures structured logging with JSON formatting and provides
// component-tagged convenience functions for the SDK's packages.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
)

// programName is used as a field in all log entries for identification
var programName = "beaconkit"

// Component names used in the "component" field.
const (
	ComponentKit      = "kit"
	ComponentSender   = "sender"
	ComponentWatchdog = "watchdog"
	ComponentSession  = "session"
	ComponentCache    = "cache"
	ComponentConfig   = "config"
	ComponentHTTP     = "http"
)

func entry(component string) *log.Entry {
	return log.WithFields(log.Fields{"job": programName, "component": component})
}

// LogInfo logs an informational message for the given component.
func LogInfo(component, msg string) {
	entry(component).Info(msg)
}

// LogWarn logs a warning for the given component. Invalid input passed
// through the public API is reported this way.
func LogWarn(component, msg string) {
	entry(component).Warn(msg)
}

// LogError logs a recoverable error for the given component.
func LogError(component, msg string) {
	entry(component).Error(msg)
}

// HandleError logs the provided error and exits the program with a non-zero exit code.
// This function should be used to handle critical errors that prevent the program from continuing.
func HandleError(err error) {
	log.WithFields(log.Fields{"job": programName}).Error(err)
	os.Exit(2)
}

// SetLevel parses a logrus level name ("debug", "info", ...) and applies it.
func SetLevel(level string) error {
	parsed, err := log.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	log.SetLevel(parsed)
	return nil
}

// PrepareLogs initializes the logging system with the specified log file.
// It configures logging to write to both stdout and the log file with JSON formatting.
// An empty logName logs to stdout only.
//
// Parameters:
//   - logName: Path to the log file (will be created if it doesn't exist)
//
// Returns an error if the log file cannot be opened or created.
func PrepareLogs(logName string) error {
	var out io.Writer = os.Stdout
	if logName != "" {
		logFile, err := os.OpenFile(logName, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		out = io.MultiWriter(os.Stdout, logFile)
	}
	log.SetOutput(out)
	log.SetFormatter(&log.JSONFormatter{})
	return nil
}
