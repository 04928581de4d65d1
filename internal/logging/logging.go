// Package logging provides categorized structured logging for the extraction
// pipeline. Each subsystem logs under a named category, and request-scoped
// loggers carry the extraction correlation id on every entry.
package logging

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category names a pipeline subsystem for log routing.
type Category string

const (
	CategoryGateway     Category = "gateway"     // inference gateway, retry/backoff
	CategorySource      Category = "source"      // source normalization
	CategoryFamiliarize Category = "familiarize" // embedding stage
	CategoryCoding      Category = "coding"      // code extraction stage
	CategoryThemes      Category = "themes"      // generation + review stages
	CategoryLabeling    Category = "labeling"    // theme labeling stage
	CategoryProgress    Category = "progress"    // progress broadcasting
	CategoryPipeline    Category = "pipeline"    // orchestrator
)

var (
	mu   sync.RWMutex
	root = zap.NewNop()
)

// Init installs the process-wide logger. Call once at startup; before Init
// (and in tests) all loggers are no-ops.
func Init(debug bool) error {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := cfg.Build()
	if err != nil {
		return err
	}
	mu.Lock()
	root = logger
	mu.Unlock()
	return nil
}

// Set replaces the process-wide logger. Used by tests to capture output.
func Set(logger *zap.Logger) {
	mu.Lock()
	if logger == nil {
		logger = zap.NewNop()
	}
	root = logger
	mu.Unlock()
}

// Sync flushes buffered log entries. Safe to call at shutdown.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = root.Sync()
}

// L returns a sugared logger named for the category.
func L(category Category) *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return root.Named(string(category)).Sugar()
}

// ForRequest returns a category logger that stamps every entry with the
// extraction request's correlation id.
func ForRequest(category Category, requestID string) *zap.SugaredLogger {
	return L(category).With("request_id", requestID)
}

// Timer measures an operation's duration and logs it on Stop.
type Timer struct {
	log   *zap.SugaredLogger
	op    string
	start time.Time
}

// StartTimer begins timing an operation within a category.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{log: L(category), op: operation, start: time.Now()}
}

// Stop logs the elapsed time at debug level and returns it.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	t.log.Debugw("operation completed", "op", t.op, "elapsed", elapsed)
	return elapsed
}
