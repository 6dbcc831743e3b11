package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/trustai/fairsight/alerting"
	"github.com/trustai/fairsight/engine"
	"github.com/trustai/fairsight/telemetry"
	"github.com/trustai/fairsight/types"
)

var (
	reportType      string
	reportAttribute string
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Print current fairness metrics and open alerts",
	Long: `Compute the current fairness metrics from stored decisions and
list the bias alerts that still need human action.

All four metrics are ratios where 1.0 means the group's rate matches
the comparison rate exactly. Metrics without enough samples in every
group are reported as pending.`,
	Example: `  fairsight report --type loan-approval --attribute age-bracket
  fairsight report --type credit-limit --attribute gender`,
	RunE: runReport,
}

func init() {
	rootCmd.AddCommand(reportCmd)

	reportCmd.Flags().StringVar(&reportType, "type", string(types.DecisionLoanApproval), "Decision type to report on")
	reportCmd.Flags().StringVar(&reportAttribute, "attribute", "", "Protected attribute to report on (required)")
	_ = reportCmd.MarkFlagRequired("attribute")
}

func runReport(cmd *cobra.Command, args []string) error {
	logger := telemetry.NewLogger("fairsight")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	decisionType := types.DecisionType(reportType)
	if !decisionType.Valid() {
		return fmt.Errorf("unknown decision type %q", reportType)
	}

	core, err := engine.New(flagDataDir, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = core.Close() }()

	ctx := cmd.Context()

	fmt.Printf("Fairness report: %s / %s\n\n", decisionType, reportAttribute)

	for _, name := range types.AllMetrics {
		snaps, err := core.GetMetric(ctx, name, decisionType, reportAttribute)
		if err != nil {
			var insufficient *types.InsufficientSampleError
			if errors.As(err, &insufficient) {
				fmt.Printf("%-22s pending (%v)\n", name, insufficient)
				continue
			}
			return err
		}

		for _, snap := range snaps {
			group := snap.Group
			if group == "" {
				group = "(all groups)"
			}
			fmt.Printf("%-22s %-16s %.4f  (n=%d)\n", name, group, snap.Value, snap.SampleSize)
		}
	}

	open := core.ListOpenAlerts(alerting.Filter{Type: decisionType, Attribute: reportAttribute})
	fmt.Printf("\nOpen alerts: %d\n", len(open))
	for _, alert := range open {
		fmt.Printf("  %s [%s] %s breach=%.3f last=%.3f opened=%s\n",
			alert.ID, alert.Severity, alert.Key,
			alert.BreachValue, alert.LastValue,
			alert.OpenedAt.Format("2006-01-02 15:04:05"))
	}

	return nil
}
