package simulate

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/okian/recsync/pkg/logger"
)

const logFilePermission = 0o600

// SetupLogging initialises the global logger to write to both stdout and a
// log file. An empty logFile gets a timestamped name.
func SetupLogging(logFile string, verbose bool) (io.Closer, error) {
	if logFile == "" {
		logFile = "simulate_" + time.Now().Format("20060102_150405") + ".log"
	}
	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, logFilePermission)
	if err != nil {
		return nil, fmt.Errorf("create log file: %w", err)
	}
	if err := logger.Init(logger.WithWriter(io.MultiWriter(os.Stdout, file))); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("initialize logger: %w", err)
	}
	if verbose {
		_ = logger.SetLevelString("debug")
	}
	return file, nil
}

// ShowHelp prints usage information for the simulator.
func ShowHelp(w io.Writer) {
	_, _ = io.WriteString(w, `recsync traffic simulator
=========================

Signs up synthetic users, seeds their topics, streams feedback, reads
recommendations and then checks the service from the outside.

Usage:
  go run ./cmd/simulate [options]

Options:
  -url string         Base URL of the service (default "http://localhost:9080")
  -users int          Number of users to sign up (default 100)
  -feedback int       Feedback records per user (default 12)
  -batch int          Feedback records per request (default 3)
  -topics string      Comma separated topics (default "go,distributed-systems,cooking,surfing")
  -workers int        Number of concurrent workers (default CPU cores * 2)
  -timeout duration   HTTP request timeout (default 30s)
  -threshold int      Expected sync threshold; users must stay below it (0 disables, use 0 in async mode)
  -log string         Log file (default: simulate_TIMESTAMP.log)
  -verbose            Enable verbose logging
  -help               Show this help message

Examples:
  go run ./cmd/simulate -users 500 -feedback 20 -threshold 5
  go run ./cmd/simulate -url http://localhost:8080 -workers 16
`)
}
