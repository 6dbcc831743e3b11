package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/trustai/fairsight/alerting"
	"github.com/trustai/fairsight/engine"
	"github.com/trustai/fairsight/telemetry"
	"github.com/trustai/fairsight/types"
)

var ingestContinueOnError bool

var ingestCmd = &cobra.Command{
	Use:   "ingest <decisions.jsonl>",
	Short: "Ingest decisions from a JSONL file",
	Long: `Ingest a batch of decision drafts from a JSONL file.

Each line is one decision draft. Ids and recording timestamps are
assigned at ingestion; any id present in the input is ignored. Fairness
counters and alert thresholds are evaluated as each decision lands,
exactly as they would be for live traffic.`,
	Example: `  fairsight ingest decisions.jsonl
  fairsight ingest decisions.jsonl --continue-on-error`,
	Args: cobra.ExactArgs(1),
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)

	ingestCmd.Flags().BoolVar(&ingestContinueOnError, "continue-on-error", false, "Skip invalid lines instead of aborting")
}

func runIngest(cmd *cobra.Command, args []string) error {
	logger := telemetry.NewLogger("fairsight")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	core, err := engine.New(flagDataDir, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = core.Close() }()

	file, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("failed to open input: %w", err)
	}
	defer file.Close()

	ctx := cmd.Context()
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var ingested, skipped, line int
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var draft types.Decision
		if err := json.Unmarshal(raw, &draft); err != nil {
			if ingestContinueOnError {
				fmt.Fprintf(os.Stderr, "line %d: unparseable, skipped: %v\n", line, err)
				skipped++
				continue
			}
			return fmt.Errorf("line %d: %w", line, err)
		}
		draft.ID = ""

		if _, err := core.RecordDecision(ctx, draft); err != nil {
			if ingestContinueOnError {
				fmt.Fprintf(os.Stderr, "line %d: rejected, skipped: %v\n", line, err)
				skipped++
				continue
			}
			return fmt.Errorf("line %d: %w", line, err)
		}
		ingested++
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	fmt.Printf("Ingested %d decisions (%d skipped)\n", ingested, skipped)

	if open := core.ListOpenAlerts(alerting.Filter{}); len(open) > 0 {
		fmt.Printf("Open bias alerts: %d\n", len(open))
		for _, alert := range open {
			fmt.Printf("  [%s] %s value=%.3f threshold=%.3f\n",
				alert.Severity, alert.Key, alert.BreachValue, alert.Threshold)
		}
	}

	return nil
}
