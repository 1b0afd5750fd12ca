// Package output implements the Output Manager (C7): three files per run
// under a user-chosen base path — a JSONL error stream, a human-readable
// progress log, and a final summary. Grounded on the teacher's structured
// logging conventions (infrastructure/logging/logger.go uses logrus fields
// for structured output) generalized to file streams instead of stdout,
// since the pack carries no dedicated file-rotation/JSONL library.
package output

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/r3edge-labs/dataverse-migrate/pkg/errorcodes"
)

// ErrorRecord is one line of the errors.jsonl stream (§3 "Error Record").
type ErrorRecord struct {
	Entity      string             `json:"entity"`
	RowIndex    int                `json:"rowIndex"`
	RowID       string             `json:"rowId,omitempty"`
	ErrorCode   string             `json:"errorCode,omitempty"`
	Message     string             `json:"message"`
	Pattern     errorcodes.Pattern `json:"pattern"`
	Timestamp   time.Time          `json:"timestamp"`
	Diagnostics *Diagnostic        `json:"diagnostics,omitempty"`
}

// Diagnostic is attached when a "does not exist" failure is traced back to
// a specific row/field (§4.5).
type Diagnostic struct {
	RowIndex         int    `json:"rowIndex"`
	FieldName        string `json:"fieldName"`
	ReferencedEntity string `json:"referencedEntity"`
	ReferencedID     string `json:"referencedId"`
}

// PhaseTiming records wall-clock duration for one orchestrator phase.
type PhaseTiming struct {
	EntityImport    time.Duration `json:"entityImport"`
	DeferredFields  time.Duration `json:"deferredFields"`
	Relationships   time.Duration `json:"relationships"`
}

// PoolStatistics mirrors connection.Statistics for the summary without
// importing the connection package (keeps output a leaf dependency).
type PoolStatistics struct {
	RequestsServed   int64         `json:"requestsServed"`
	ThrottleEvents   int64         `json:"throttleEvents"`
	TotalBackoffTime time.Duration `json:"totalBackoffTime"`
	RetriesAttempted int64         `json:"retriesAttempted"`
	RetriesSucceeded int64         `json:"retriesSucceeded"`
}

// ExecutionContext records the run's version and invocation metadata (§6
// "*.summary.json").
type ExecutionContext struct {
	ToolVersion     string            `json:"toolVersion"`
	RuntimeVersion  string            `json:"runtimeVersion"`
	Platform        string            `json:"platform"`
	ImportMode      string            `json:"importMode"`
	Flags           map[string]string `json:"flags,omitempty"`
}

// Warning is one structured warning surfaced in the summary (e.g. a
// structural bulk-refusal downgrade, §7 category 5).
type Warning struct {
	Code    string `json:"code"`
	Entity  string `json:"entity,omitempty"`
	Message string `json:"message"`
	Impact  string `json:"impact,omitempty"`
}

// Summary is the final *.summary.json document (§6 output file layouts).
type Summary struct {
	GeneratedAt       time.Time                    `json:"generatedAt"`
	SourceFile        string                       `json:"sourceFile,omitempty"`
	TargetEnvironment string                       `json:"targetEnvironment,omitempty"`
	ExecutionContext  ExecutionContext             `json:"executionContext"`
	Success           bool                         `json:"success"`
	Duration          time.Duration                `json:"duration"`
	TiersProcessed    int                          `json:"tiersProcessed"`
	RecordsImported   int64                        `json:"recordsImported"`
	RecordsUpdated    int64                        `json:"recordsUpdated"`
	RecordsFailed     int64                        `json:"recordsFailed"`
	RecordsPerSecond  float64                      `json:"recordsPerSecond"`
	ErrorPatterns     map[errorcodes.Pattern]int64 `json:"errorPatterns,omitempty"`
	Entities          []EntityCounts               `json:"entities"`
	PhaseTiming       PhaseTiming                  `json:"phaseTiming"`
	PoolStatistics    PoolStatistics               `json:"poolStatistics"`
	Warnings          []Warning                    `json:"warnings,omitempty"`

	// PatternCounts is an alias kept for internal callers that want the
	// histogram before it is copied into ErrorPatterns at Finish time.
	PatternCounts map[errorcodes.Pattern]int64 `json:"-"`
	StartedAt     time.Time                    `json:"-"`
	FinishedAt    time.Time                    `json:"-"`
}

// EntityCounts is one entity's row-level outcome breakdown (§6 "entities").
type EntityCounts struct {
	Entity           string        `json:"entity"`
	Tier             int           `json:"tier"`
	RecordCount      int64         `json:"recordCount"`
	SuccessCount     int64         `json:"successCount"`
	FailureCount     int64         `json:"failureCount"`
	CreatedCount     int64         `json:"createdCount,omitempty"`
	UpdatedCount     int64         `json:"updatedCount,omitempty"`
	Duration         time.Duration `json:"duration"`
	RecordsPerSecond float64       `json:"recordsPerSecond"`
}

// Manager owns the three output streams for a single run. Each stream is
// serialized by its own lock so concurrent phases can log independently
// without contending with each other (§4.7 "Thread safety").
type Manager struct {
	errMu   sync.Mutex
	errFile *os.File
	errEnc  *json.Encoder

	logMu   sync.Mutex
	logFile *os.File
	logW    *bufio.Writer

	basePath string

	patternCounts map[errorcodes.Pattern]int64
}

// Open creates the errors and progress-log files under basePath (e.g.
// "/var/run/migrate-2026-07-30" yields "migrate-2026-07-30.errors.jsonl"
// and "migrate-2026-07-30.progress.log"). The summary file is written once
// by Finish and is not opened here.
func Open(basePath string) (*Manager, error) {
	errFile, err := os.Create(basePath + ".errors.jsonl")
	if err != nil {
		return nil, fmt.Errorf("opening errors file: %w", err)
	}
	logFile, err := os.Create(basePath + ".progress.log")
	if err != nil {
		errFile.Close()
		return nil, fmt.Errorf("opening progress log: %w", err)
	}

	return &Manager{
		errFile:       errFile,
		errEnc:        json.NewEncoder(errFile),
		logFile:       logFile,
		logW:          bufio.NewWriter(logFile),
		basePath:      basePath,
		patternCounts: make(map[errorcodes.Pattern]int64),
	}, nil
}

// WriteError appends one JSONL line and flushes it, so every error logged
// is durable before the call returns (§4.7 "Guarantees").
func (m *Manager) WriteError(rec ErrorRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	m.errMu.Lock()
	defer m.errMu.Unlock()

	m.patternCounts[rec.Pattern]++

	if err := m.errEnc.Encode(rec); err != nil {
		return err
	}
	return m.errFile.Sync()
}

// LogLine appends one timestamped human-readable progress line and
// flushes it.
func (m *Manager) LogLine(format string, args ...any) error {
	m.logMu.Lock()
	defer m.logMu.Unlock()

	line := fmt.Sprintf("[%s] "+format+"\n", append([]any{time.Now().Format("15:04:05")}, args...)...)
	if _, err := m.logW.WriteString(line); err != nil {
		return err
	}
	if err := m.logW.Flush(); err != nil {
		return err
	}
	return m.logFile.Sync()
}

// PatternCounts returns a snapshot of the classified-pattern histogram
// accumulated from every WriteError call so far.
func (m *Manager) PatternCounts() map[errorcodes.Pattern]int64 {
	m.errMu.Lock()
	defer m.errMu.Unlock()
	out := make(map[errorcodes.Pattern]int64, len(m.patternCounts))
	for k, v := range m.patternCounts {
		out[k] = v
	}
	return out
}

// Finish writes the summary file and closes both streams. It must run even
// on a cancelled import (§4.7 "Summary writing is the last step"); callers
// should invoke it from a deferred or cancellation-path call, not only on
// the success path.
func (m *Manager) Finish(summary Summary) error {
	if summary.PatternCounts == nil {
		summary.PatternCounts = m.PatternCounts()
	}
	if summary.ErrorPatterns == nil {
		summary.ErrorPatterns = summary.PatternCounts
	}
	if summary.FinishedAt.IsZero() {
		summary.FinishedAt = time.Now()
	}
	if summary.GeneratedAt.IsZero() {
		summary.GeneratedAt = summary.FinishedAt
	}
	if summary.Duration == 0 && !summary.StartedAt.IsZero() {
		summary.Duration = summary.FinishedAt.Sub(summary.StartedAt)
	}

	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling summary: %w", err)
	}

	if err := os.WriteFile(m.basePath+".summary.json", data, 0o644); err != nil {
		return fmt.Errorf("writing summary: %w", err)
	}

	m.logMu.Lock()
	m.logW.Flush()
	m.logFile.Close()
	m.logMu.Unlock()

	m.errMu.Lock()
	m.errFile.Close()
	m.errMu.Unlock()

	return nil
}
