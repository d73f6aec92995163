package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var reprocessForce bool

var reprocessCmd = &cobra.Command{
	Use:   "reprocess CHAPTER_ID...",
	Short: "Rebuild chapter pages from the stored source archive",
	Long: `reprocess queues a new extraction for chapters whose source archive is
already stored. Chapters that still have pages are refused unless --force
is given, in which case their pages are replaced.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, ids []string) error {
		c := newClient()
		for _, id := range ids {
			if err := c.ReprocessChapter(cmd.Context(), id, reprocessForce); err != nil {
				return fmt.Errorf("%s: %w", id, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s queued\n", id)
		}
		return nil
	},
}

func init() {
	reprocessCmd.Flags().BoolVar(&reprocessForce, "force", false, "replace existing pages")
}
