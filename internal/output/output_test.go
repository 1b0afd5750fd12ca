package output

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/r3edge-labs/dataverse-migrate/pkg/errorcodes"
)

func TestManager_WriteErrorIsDurableJSONL(t *testing.T) {
	base := filepath.Join(t.TempDir(), "run")
	m, err := Open(base)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := m.WriteError(ErrorRecord{Entity: "account", RowIndex: 0, Message: "required field missing", Pattern: errorcodes.RequiredField}); err != nil {
		t.Fatalf("WriteError: %v", err)
	}
	if err := m.WriteError(ErrorRecord{Entity: "account", RowIndex: 1, Message: "duplicate", Pattern: errorcodes.DuplicateRecord}); err != nil {
		t.Fatalf("WriteError: %v", err)
	}

	if err := m.Finish(Summary{Success: false}); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	f, err := os.Open(base + ".errors.jsonl")
	if err != nil {
		t.Fatalf("reopening errors file: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	count := 0
	for scanner.Scan() {
		var rec ErrorRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("line %d not valid JSON: %v", count, err)
		}
		count++
	}
	if count != 2 {
		t.Errorf("expected 2 JSONL lines, got %d", count)
	}
}

func TestManager_PatternCountsHistogram(t *testing.T) {
	base := filepath.Join(t.TempDir(), "run")
	m, err := Open(base)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer m.Finish(Summary{})

	m.WriteError(ErrorRecord{Pattern: errorcodes.RequiredField})
	m.WriteError(ErrorRecord{Pattern: errorcodes.RequiredField})
	m.WriteError(ErrorRecord{Pattern: errorcodes.DuplicateRecord})

	counts := m.PatternCounts()
	if counts[errorcodes.RequiredField] != 2 {
		t.Errorf("expected 2 RequiredField errors, got %d", counts[errorcodes.RequiredField])
	}
	if counts[errorcodes.DuplicateRecord] != 1 {
		t.Errorf("expected 1 DuplicateRecord error, got %d", counts[errorcodes.DuplicateRecord])
	}
}

func TestManager_FinishWritesSummaryEvenWithNoErrors(t *testing.T) {
	base := filepath.Join(t.TempDir(), "run")
	m, err := Open(base)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := m.Finish(Summary{Success: true, RecordsImported: 10}); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	data, err := os.ReadFile(base + ".summary.json")
	if err != nil {
		t.Fatalf("reading summary: %v", err)
	}
	var s Summary
	if err := json.Unmarshal(data, &s); err != nil {
		t.Fatalf("summary not valid JSON: %v", err)
	}
	if !s.Success || s.RecordsImported != 10 {
		t.Errorf("unexpected summary contents: %+v", s)
	}
}

func TestManager_LogLineWritesTimestampedEntries(t *testing.T) {
	base := filepath.Join(t.TempDir(), "run")
	m, err := Open(base)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := m.LogLine("tier %d started (%s)", 1, "account,contact"); err != nil {
		t.Fatalf("LogLine: %v", err)
	}
	m.Finish(Summary{})

	data, err := os.ReadFile(base + ".progress.log")
	if err != nil {
		t.Fatalf("reading progress log: %v", err)
	}
	line := string(data)
	if !strings.HasPrefix(line, "[") {
		t.Fatalf("expected a bracketed timestamp prefix, got %q", line)
	}
	closeIdx := strings.Index(line, "] ")
	if closeIdx == -1 {
		t.Fatalf("expected a closing bracket followed by a space, got %q", line)
	}
	ts := line[1:closeIdx]
	if _, err := time.Parse("15:04:05", ts); err != nil {
		t.Fatalf("expected an HH:MM:SS timestamp, got %q: %v", ts, err)
	}
	if !strings.Contains(line, "tier 1 started (account,contact)") {
		t.Fatalf("expected the formatted message body, got %q", line)
	}
}
