package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/salevine/scrape-edu/internal/ledger"
	"github.com/salevine/scrape-edu/internal/metadata"
)

type rescrapeFlags struct {
	schools     string
	all         bool
	resetPhases bool
}

// newRescrapeCmd creates the 'rescrape' subcommand.
func newRescrapeCmd() *cobra.Command {
	var flags rescrapeFlags
	cmd := &cobra.Command{
		Use:   "rescrape",
		Short: "Flag schools for re-scraping",
		Long: `Marks schools in the manifest so the next run processes them again.
Phases already completed for a school are skipped on that run unless
--reset-phases is given, which clears the school's phase records while
keeping its download history.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRescrape(cmd, flags)
		},
	}
	cmd.Flags().StringVar(&flags.schools, "schools", "", "comma-separated school slugs to flag")
	cmd.Flags().BoolVar(&flags.all, "all", false, "flag every school in the manifest")
	cmd.Flags().BoolVar(&flags.resetPhases, "reset-phases", false, "also clear completed phases so every phase runs again")
	cmd.MarkFlagsMutuallyExclusive("schools", "all")
	return cmd
}

func runRescrape(cmd *cobra.Command, flags rescrapeFlags) error {
	e, err := resolveEnv(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	var slugs []string
	switch {
	case flags.all:
	case flags.schools != "":
		slugs = splitList(flags.schools)
		if len(slugs) == 0 {
			return errors.New("--schools lists no slugs")
		}
	default:
		return errors.New("specify --schools or --all")
	}

	path := filepath.Join(e.cfg.OutputDir, ledger.FileName)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("no manifest found at %s, nothing to rescrape", path)
		}
		return fmt.Errorf("stat manifest: %w", err)
	}
	l, err := ledger.Open(path, ledger.WithLogger(e.logger.Named("manifest")))
	if err != nil {
		return fmt.Errorf("open manifest: %w", err)
	}

	count, err := l.FlagForRescrape(slugs)
	if err != nil {
		return fmt.Errorf("flag for rescrape: %w", err)
	}
	fmt.Fprintf(out, "Flagged %d schools for re-scraping.\n", count)

	if flags.resetPhases {
		if slugs == nil {
			slugs = l.Slugs()
		}
		reset, err := resetPhases(l, e.cfg.OutputDir, slugs, e.logger)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Reset phases for %d schools.\n", reset)
	}
	return nil
}

// resetPhases clears phase records for every known slug that already has a
// metadata document.
func resetPhases(l *ledger.Ledger, outputDir string, slugs []string, logger *zap.Logger) (int, error) {
	count := 0
	for _, slug := range slugs {
		if _, known := l.Status(slug); !known {
			continue
		}
		dir := filepath.Join(outputDir, slug)
		if _, err := os.Stat(filepath.Join(dir, metadata.FileName)); err != nil {
			continue
		}
		store := metadata.Load(dir, metadata.WithLogger(logger.Named("metadata")))
		store.ResetPhases()
		if err := store.Save(); err != nil {
			return count, fmt.Errorf("reset phases for %s: %w", slug, err)
		}
		count++
	}
	return count, nil
}
