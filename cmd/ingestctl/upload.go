package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var (
	uploadSeries    string
	uploadChunkSize string
	uploadWait      bool
	uploadPoll      time.Duration
)

var uploadCmd = &cobra.Command{
	Use:   "upload FILE...",
	Short: "Upload archives in chunks and queue them for extraction",
	Example: `  ingestctl upload --series 42 "Chapter 12.cbz" "Chapter 13.cbr"
  ingestctl upload --series 42 --chunk-size 8MB --wait vol1.pdf`,
	Args: cobra.MinimumNArgs(1),
	RunE: runUpload,
}

func init() {
	uploadCmd.Flags().StringVar(&uploadSeries, "series", "", "series id the chapters belong to")
	uploadCmd.Flags().StringVar(&uploadChunkSize, "chunk-size", "5MB", "size of each uploaded part")
	uploadCmd.Flags().BoolVar(&uploadWait, "wait", false, "poll progress until extraction finishes")
	uploadCmd.Flags().DurationVar(&uploadPoll, "poll-interval", 2*time.Second, "delay between progress polls")
	_ = uploadCmd.MarkFlagRequired("series")
}

func runUpload(cmd *cobra.Command, files []string) error {
	ctx := cmd.Context()
	chunkSize, err := humanize.ParseBytes(uploadChunkSize)
	if err != nil || chunkSize == 0 {
		return fmt.Errorf("invalid --chunk-size %q", uploadChunkSize)
	}

	c := newClient()
	out := cmd.OutOrStdout()
	sessionIDs := make([]string, 0, len(files))
	for _, path := range files {
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("stat %s: %w", path, err)
		}

		bar := progressbar.NewOptions64(
			info.Size(),
			progressbar.OptionSetWriter(cmd.ErrOrStderr()),
			progressbar.OptionSetDescription(filepath.Base(path)),
			progressbar.OptionShowBytes(true),
			progressbar.OptionSetWidth(30),
			progressbar.OptionClearOnFinish(),
		)
		id, err := c.UploadFile(ctx, path, int64(chunkSize), func(n int) {
			_ = bar.Add(n)
		})
		_ = bar.Finish()
		if err != nil {
			return fmt.Errorf("upload %s: %w", path, err)
		}
		fmt.Fprintf(out, "uploaded %s (%s) as %s\n", filepath.Base(path), humanize.IBytes(uint64(info.Size())), id)
		sessionIDs = append(sessionIDs, id)
	}

	accepted, err := c.ProcessArchives(ctx, uploadSeries, sessionIDs)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%d of %d archives queued for series %s\n", accepted, len(sessionIDs), uploadSeries)

	if !uploadWait {
		return nil
	}
	return waitForProgress(cmd, c, sessionIDs, uploadPoll)
}
