package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/okian/recsync/internal/simulate"
)

const (
	defaultWorkers = 2 // multiplier for runtime.NumCPU()
	defaultRunTime = 10 * time.Minute
)

func main() {
	var (
		baseURL   = flag.String("url", "http://localhost:9080", "Base URL of the service")
		users     = flag.Int("users", simulate.DefaultUsers, "Number of users to sign up")
		perUser   = flag.Int("feedback", simulate.DefaultFeedbackPerUser, "Feedback records per user")
		batch     = flag.Int("batch", simulate.DefaultBatchSize, "Feedback records per request")
		topics    = flag.String("topics", strings.Join(simulate.DefaultTopics, ","), "Comma separated topics")
		workers   = flag.Int("workers", runtime.NumCPU()*defaultWorkers, "Number of concurrent workers")
		timeout   = flag.Duration("timeout", simulate.DefaultTimeout, "HTTP request timeout")
		threshold = flag.Int("threshold", 0, "Expected sync threshold (0 disables the pending check)")
		logFile   = flag.String("log", "", "Log file (default: simulate_TIMESTAMP.log)")
		verbose   = flag.Bool("verbose", false, "Enable verbose logging")
		help      = flag.Bool("help", false, "Show help")
	)
	flag.Parse()

	if *help {
		simulate.ShowHelp(os.Stdout)
		return
	}

	closer, err := simulate.SetupLogging(*logFile, *verbose)
	if err != nil {
		os.Stderr.WriteString("Failed to setup logging: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = closer.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, defaultRunTime)
	defer cancel()

	config := &simulate.Config{
		BaseURL:         strings.TrimRight(*baseURL, "/"),
		Users:           *users,
		FeedbackPerUser: *perUser,
		BatchSize:       *batch,
		Topics:          splitTopics(*topics),
		Workers:         *workers,
		Timeout:         *timeout,
		SyncThreshold:   *threshold,
		LogFile:         *logFile,
		Verbose:         *verbose,
	}

	if _, err := simulate.Run(ctx, config); err != nil {
		os.Stderr.WriteString("Simulation failed: " + err.Error() + "\n")
		_ = closer.Close()
		cancel()
		stop()
		os.Exit(1)
	}
}

func splitTopics(s string) []string {
	var out []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}
