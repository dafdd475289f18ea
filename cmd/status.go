package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/salevine/scrape-edu/internal/ledger"
	"github.com/salevine/scrape-edu/internal/source"
)

// newStatusCmd creates the 'status' subcommand.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show pipeline status",
		Long:  "Prints how many schools the IPEDS data yields and the manifest's per-status counts.",
		RunE:  runStatus,
	}
}

func runStatus(cmd *cobra.Command, _ []string) error {
	e, err := resolveEnv(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	schools, err := source.LoadSchools(e.cfg.IPEDSDir, source.WithLogger(e.logger.Named("ipeds")))
	if err != nil {
		// The manifest is still worth showing without IPEDS data.
		fmt.Fprintf(out, "IPEDS data not found: %v\n", err)
	} else {
		fmt.Fprintf(out, "Schools loaded from IPEDS: %d\n", len(schools))
	}

	missing := fmt.Sprintf("No manifest found at %s\nRun 'scrape-edu run' to start scraping.",
		filepath.Join(e.cfg.OutputDir, ledger.FileName))
	return printManifestSummary(out, e.cfg.OutputDir, "Manifest status:", missing, e.logger)
}
