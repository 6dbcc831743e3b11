package main

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/trustai/fairsight/audit"
	"github.com/trustai/fairsight/types"
)

var verifyFile string

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the audit log hash chain",
	Long: `Verify the integrity of an audit log.

Every entry's hash is recomputed from its stored bytes and the previous
entry's hash. Any mutation, insertion or deletion anywhere in the file
is reported with the sequence number where the chain first breaks.`,
	Example: `  fairsight verify                          # Verify the live audit log
  fairsight verify --file /backup/audit.log # Verify an archived copy`,
	RunE: runVerify,
}

func init() {
	rootCmd.AddCommand(verifyCmd)

	verifyCmd.Flags().StringVar(&verifyFile, "file", "", "Audit log file to verify (defaults to the data directory's log)")
}

func runVerify(cmd *cobra.Command, args []string) error {
	path := verifyFile
	if path == "" {
		path = filepath.Join(flagDataDir, "audit.log")
	}

	n, err := audit.VerifyFile(path)
	if err != nil {
		var integrity *types.IntegrityError
		if errors.As(err, &integrity) {
			fmt.Printf("FAILED: %v\n", integrity)
			return fmt.Errorf("audit chain broken at sequence %d", integrity.Seq)
		}
		return err
	}

	fmt.Printf("OK: %d entries verified in %s\n", n, path)
	return nil
}
