// Command dvmigrate is the migration toolkit's CLI entry point: it parses
// the OrchestratorRequest shape (§6), wires the connection pool, retry
// policy, bulk executor, dependency tier plan, progress channel, and
// output manager together, and drives the orchestrator to completion.
//
// Flag parsing, credential storage, and interactive auth flows are
// explicitly out of scope for the core (§1); this binary is the thin,
// hand-rolled-flag entry point the teacher's own CLIs use (cmd/slcli),
// not a framework-driven command tree.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/r3edge-labs/dataverse-migrate/internal/archive"
	"github.com/r3edge-labs/dataverse-migrate/internal/bulk"
	"github.com/r3edge-labs/dataverse-migrate/internal/connection"
	"github.com/r3edge-labs/dataverse-migrate/internal/orchestrator"
	"github.com/r3edge-labs/dataverse-migrate/internal/output"
	"github.com/r3edge-labs/dataverse-migrate/internal/platform"
	"github.com/r3edge-labs/dataverse-migrate/internal/progress"
	"github.com/r3edge-labs/dataverse-migrate/internal/retrypolicy"
	"github.com/r3edge-labs/dataverse-migrate/internal/schemaio"
	"github.com/r3edge-labs/dataverse-migrate/internal/throttle"
	"github.com/r3edge-labs/dataverse-migrate/internal/tier"
	"github.com/r3edge-labs/dataverse-migrate/internal/webapiclient"
	"github.com/r3edge-labs/dataverse-migrate/pkg/config"
	"github.com/r3edge-labs/dataverse-migrate/pkg/errorcodes"
	"github.com/r3edge-labs/dataverse-migrate/pkg/logging"
)

// exit codes per §6.
const (
	exitSuccess = 0
	exitFailure = 1
	exitInvalid = 2
)

// credentialEnvVar is the test-only bearer-token override mentioned in §6
// ("a test-only credential override used to bypass secure credential
// storage"); production credential resolution is a peripheral module's
// concern, out of scope here.
const credentialEnvVar = "DVMIGRATE_BEARER_TOKEN"

type cliFlags struct {
	sourceEnvURL       string
	targetEnvURL       string
	schemaPath         string
	dataArchivePath    string
	importMode         string
	bypassPlugins      string
	bypassFlows        bool
	continueOnError    bool
	userMappingPath    string
	stripOwnerFields   bool
	skipMissingColumns bool
	batchSize          int
	parallelism        int
	outputBasePath     string
}

func parseFlags(args []string) (*cliFlags, error) {
	fs := flag.NewFlagSet("dvmigrate", flag.ContinueOnError)
	f := &cliFlags{}

	fs.StringVar(&f.sourceEnvURL, "source-env-url", "", "source environment URL (recorded in the summary only)")
	fs.StringVar(&f.targetEnvURL, "target-env-url", "", "target environment URL bulk operations are issued against")
	fs.StringVar(&f.schemaPath, "schema-path", "", "path to the YAML schema descriptor (entities + reference fields + relationships)")
	fs.StringVar(&f.dataArchivePath, "data-archive-path", "", "path to the exported data archive directory")
	fs.StringVar(&f.importMode, "import-mode", "create", "one of create, update, upsert")
	fs.StringVar(&f.bypassPlugins, "bypass-plugins", "none", "one of none, sync, async, all")
	fs.BoolVar(&f.bypassFlows, "bypass-flows", false, "bypass Power Automate flow triggers")
	fs.BoolVar(&f.continueOnError, "continue-on-error", false, "keep processing remaining batches after a row failure")
	fs.StringVar(&f.userMappingPath, "user-mapping-path", "", "optional YAML file mapping source to target user/team ids (validated at startup; rows are not rewritten)")
	fs.BoolVar(&f.stripOwnerFields, "strip-owner-fields", false, "accepted but not applied: owner fields are sent unchanged")
	fs.BoolVar(&f.skipMissingColumns, "skip-missing-columns", false, "noted as a summary warning; row fields are sent unfiltered")
	fs.IntVar(&f.batchSize, "batch-size", 0, "bulk sub-batch size (0 = component default)")
	fs.IntVar(&f.parallelism, "parallelism", 0, "configured parallelism budget (0 = component default)")
	fs.StringVar(&f.outputBasePath, "output-base-path", "", "base path for the *.errors.jsonl/*.progress.log/*.summary.json files")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *cliFlags) validate() error {
	if f.targetEnvURL == "" {
		return fmt.Errorf("-target-env-url is required")
	}
	if f.schemaPath == "" {
		return fmt.Errorf("-schema-path is required")
	}
	if f.dataArchivePath == "" {
		return fmt.Errorf("-data-archive-path is required")
	}
	if f.outputBasePath == "" {
		return fmt.Errorf("-output-base-path is required")
	}
	switch strings.ToLower(f.importMode) {
	case "create", "update", "upsert":
	default:
		return fmt.Errorf("-import-mode must be one of create, update, upsert, got %q", f.importMode)
	}
	switch strings.ToLower(f.bypassPlugins) {
	case "none", "sync", "async", "all":
	default:
		return fmt.Errorf("-bypass-plugins must be one of none, sync, async, all, got %q", f.bypassPlugins)
	}
	return nil
}

func (f *cliFlags) operationKind() platform.OperationKind {
	switch strings.ToLower(f.importMode) {
	case "update":
		return platform.OpUpdate
	case "upsert":
		return platform.OpUpsert
	default:
		return platform.OpCreate
	}
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags, err := parseFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitInvalid
	}
	if err := flags.validate(); err != nil {
		fmt.Fprintln(os.Stderr, "invalid arguments:", err)
		return exitInvalid
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "loading configuration:", err)
		return exitInvalid
	}

	logger := logging.New("cli", cfg.Logging.Level, cfg.Logging.Format)
	ctx := logging.WithRunID(context.Background(), logging.NewRunID())

	schemas, relationships, err := schemaio.Load(flags.schemaPath)
	if err != nil {
		logger.WithError(err).Error("failed to load schema descriptor")
		return exitInvalid
	}
	plan := tier.Build(schemas, relationships)

	if _, err := schemaio.LoadUserMapping(flags.userMappingPath); err != nil {
		logger.WithError(err).Error("failed to load user mapping")
		return exitInvalid
	}

	bearer := strings.TrimSpace(os.Getenv(credentialEnvVar))
	if bearer == "" {
		fmt.Fprintf(os.Stderr, "%s must be set (no interactive credential flow is wired into this CLI)\n", credentialEnvVar)
		return exitInvalid
	}

	tracker := throttle.NewTracker()
	provider := webapiclient.NewProvider(nil)
	source := connection.NewSource(platform.Credential{
		Name:           "target",
		Bearer:         bearer,
		EnvironmentURL: flags.targetEnvURL,
	}, provider, logger)

	poolCfg := connection.Config{
		MaxConcurrentRequests: cfg.Pool.MaxConcurrentRequests,
		AcquireTimeout:        cfg.Pool.AcquireTimeout,
		Strategy:              connection.SelectionStrategy(cfg.Pool.Selection),
	}
	pool := connection.New([]*connection.Source{source}, tracker, poolCfg, logger)

	results := pool.EnsureInitialized(ctx)
	if !pool.AnyReady() {
		for _, r := range results {
			logger.WithFields(logrus.Fields{"source": r.Name, "failure": r.Failure}).Error("source failed to initialize")
		}
		return exitFailure
	}
	for _, r := range results {
		if !r.Ready {
			logger.WithFields(logrus.Fields{"source": r.Name, "failure": r.Failure}).Warn("source unavailable, continuing with remaining sources")
		}
	}

	policy := retrypolicy.New(pool, tracker, retrypolicy.Config{
		MaxRetries:            cfg.Retry.MaxRetries,
		PoolExhaustionRetries: cfg.Retry.PoolExhaustionRetries,
	}, logger)

	parallelism := effectiveParallelism(flags.parallelism, cfg.Bulk.ConfiguredParallelism)
	if parallelism <= 0 {
		parallelism = 1
	}

	executor := bulk.New(pool, policy, bulk.Config{
		ConfiguredParallelism: parallelism,
	}, logger).WithMaxTolerance(cfg.Retry.MaxTolerance)

	sink := progress.NewChannel()
	outManager, err := output.Open(flags.outputBasePath)
	if err != nil {
		logger.WithError(err).Error("failed to open output streams")
		return exitFailure
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		sink.Run(stop, 500*time.Millisecond, func(events []progress.Event) {
			publishEvents(outManager, events)
		})
	}()

	dataSource := archive.New(flags.dataArchivePath)

	req := orchestrator.Request{
		ImportMode:           flags.operationKind(),
		BypassPlugins:        strings.ToLower(flags.bypassPlugins) != "none",
		BypassFlows:          flags.bypassFlows,
		ContinueOnError:      flags.continueOnError,
		BatchSize:            flags.batchSize,
		Parallelism:          parallelism,
		MaxThrottleTolerance: cfg.Retry.MaxTolerance,
	}

	orch := orchestrator.New(executor, plan, dataSource, dataSource, sink, req, logger)

	startedAt := time.Now()
	result := orch.Run(ctx)

	sink.Close()
	close(stop)
	<-done

	summary := buildSummary(flags, result, startedAt, pool.Statistics(), outManager.PatternCounts())
	if err := outManager.Finish(summary); err != nil {
		logger.WithError(err).Error("failed to write summary")
		return exitFailure
	}

	if !result.Success {
		return exitFailure
	}
	return exitSuccess
}

func effectiveParallelism(flagValue, configValue int) int {
	if flagValue > 0 {
		return flagValue
	}
	return configValue
}

// publishEvents folds drained progress events into the output manager's
// two streams (§4.7): error samples become errors.jsonl entries; warnings
// and every other kind become progress-log lines.
func publishEvents(out *output.Manager, events []progress.Event) {
	for _, ev := range events {
		switch ev.Kind {
		case progress.Warning:
			out.LogLine("WARNING %s", ev.Message)
		case progress.ErrorSample:
			out.WriteError(output.ErrorRecord{
				Message:   ev.Message,
				Pattern:   errorcodes.Uncategorized,
				Timestamp: ev.Timestamp,
			})
		case progress.PhaseStart:
			out.LogLine("phase %s started", ev.Phase)
		case progress.PhaseEnd:
			out.LogLine("phase %s finished", ev.Phase)
		case progress.TierStart:
			out.LogLine("tier %d started (%s)", ev.TierNumber, strings.Join(ev.TierEntities, ", "))
		case progress.TierEnd:
			out.LogLine("tier %d finished", ev.TierNumber)
		case progress.EntityProgress:
			out.LogLine("%s: %d/%d", ev.Entity, ev.Processed, ev.Total)
		case progress.Complete:
			out.LogLine("run complete, success=%v", ev.Success)
		}
	}
}

func buildSummary(flags *cliFlags, result orchestrator.Result, startedAt time.Time, poolStats connection.Statistics, patternCounts map[errorcodes.Pattern]int64) output.Summary {
	finishedAt := time.Now()
	duration := finishedAt.Sub(startedAt)

	entities := make([]output.EntityCounts, len(result.Entities))
	for i, e := range result.Entities {
		entities[i] = output.EntityCounts{
			Entity:           e.Entity,
			Tier:             e.Tier,
			RecordCount:      int64(e.RecordCount),
			SuccessCount:     int64(e.SuccessCount),
			FailureCount:     int64(e.FailureCount),
			CreatedCount:     int64(e.Created),
			UpdatedCount:     int64(e.Updated),
			Duration:         e.Duration,
			RecordsPerSecond: perSecond(int64(e.SuccessCount), e.Duration),
		}
	}

	var warnings []output.Warning
	if flags.skipMissingColumns {
		warnings = append(warnings, output.Warning{
			Code:    "SkipMissingColumns",
			Message: "skip-missing-columns is enabled, but columns absent from the target schema are not dropped; rows are sent as exported",
			Impact:  "rows carrying columns absent from the target schema may fail",
		})
	}
	for _, w := range result.Warnings {
		warnings = append(warnings, output.Warning{Code: "OrchestratorWarning", Message: w})
	}

	return output.Summary{
		GeneratedAt:       finishedAt,
		SourceFile:        flags.sourceEnvURL,
		TargetEnvironment: flags.targetEnvURL,
		ExecutionContext: output.ExecutionContext{
			ToolVersion:    "dvmigrate/0.1",
			RuntimeVersion: runtime.Version(),
			Platform:       runtime.GOOS + "/" + runtime.GOARCH,
			ImportMode:     strings.ToLower(flags.importMode),
			Flags: map[string]string{
				"bypass-plugins":      flags.bypassPlugins,
				"bypass-flows":        fmt.Sprintf("%v", flags.bypassFlows),
				"continue-on-error":   fmt.Sprintf("%v", flags.continueOnError),
				"skip-missing-columns": fmt.Sprintf("%v", flags.skipMissingColumns),
			},
		},
		Success:          result.Success,
		Duration:         duration,
		TiersProcessed:   result.TiersProcessed,
		RecordsImported:  result.RecordsImported,
		RecordsUpdated:   result.RecordsUpdated,
		RecordsFailed:    result.RecordsFailed,
		RecordsPerSecond: perSecond(result.RecordsImported, duration),
		ErrorPatterns:    patternCounts,
		Entities:         entities,
		PhaseTiming: output.PhaseTiming{
			EntityImport:   result.EntityImportTime,
			DeferredFields: result.DeferredFieldsTime,
			Relationships:  result.RelationshipsTime,
		},
		PoolStatistics: output.PoolStatistics{
			RequestsServed:   poolStats.RequestsServed,
			ThrottleEvents:   poolStats.ThrottleEvents,
			TotalBackoffTime: poolStats.TotalBackoff,
			RetriesAttempted: poolStats.RetriesAttempted,
			RetriesSucceeded: poolStats.RetriesSucceeded,
		},
		Warnings:      warnings,
		PatternCounts: patternCounts,
		StartedAt:     startedAt,
		FinishedAt:    finishedAt,
	}
}

func perSecond(count int64, d time.Duration) float64 {
	secs := d.Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(count) / secs
}
