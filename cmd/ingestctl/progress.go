package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/mangaanimeden/chapter-ingest/internal/client"
	"github.com/mangaanimeden/chapter-ingest/internal/core/domain"
)

var progressCmd = &cobra.Command{
	Use:   "progress SESSION_ID...",
	Short: "Show extraction progress for upload sessions",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, ids []string) error {
		c := newClient()
		report, err := c.Progress(cmd.Context(), ids)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), renderReport(report))
		return printSessions(cmd, c, ids)
	},
}

func waitForProgress(cmd *cobra.Command, c *client.Client, ids []string, interval time.Duration) error {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	started := time.Now()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		report, err := c.Progress(cmd.Context(), ids)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "\r%3d%% (%d/%d files, %d/%d uploads, %d failed)",
			report.Percentage, report.ProcessedFiles, report.TotalFiles,
			report.CompletedSessions, report.TotalSessions, report.FailedSessions)
		if report.Status == domain.ProgressFinished {
			fmt.Fprintf(cmd.ErrOrStderr(), "\nfinished, started %s\n", humanize.Time(started))
			return printSessions(cmd, c, ids)
		}

		select {
		case <-cmd.Context().Done():
			return cmd.Context().Err()
		case <-ticker.C:
		}
	}
}

func printSessions(cmd *cobra.Command, c *client.Client, ids []string) error {
	rows := make([][]string, 0, len(ids))
	for _, id := range ids {
		s, err := c.GetUpload(cmd.Context(), id)
		if err != nil {
			rows = append(rows, []string{id, "-", "unknown", "-", "-", err.Error()})
			continue
		}
		detail := s.Error
		if detail == "" {
			detail = s.ExtractionError
		}
		rows = append(rows, []string{
			s.ID,
			s.Filename,
			string(s.Status),
			extractionLabel(s.ExtractionStatus),
			strconv.Itoa(s.ProcessedFiles) + "/" + strconv.Itoa(s.TotalFilesToProcess),
			detail,
		})
	}
	fmt.Fprintln(cmd.OutOrStdout(), renderTable(
		[]string{"Session", "File", "Upload", "Extraction", "Pages", "Error"},
		rows,
		[]text.Align{text.AlignLeft, text.AlignLeft, text.AlignLeft, text.AlignLeft, text.AlignRight, text.AlignLeft},
	))
	return nil
}

func extractionLabel(s domain.ExtractionStatus) string {
	if s == domain.ExtractionNone {
		return "-"
	}
	return string(s)
}

func renderReport(report domain.ProgressReport) string {
	return renderTable(
		[]string{"Status", "Uploads", "Failed", "Files", "Percent"},
		[][]string{{
			string(report.Status),
			fmt.Sprintf("%d/%d", report.CompletedSessions, report.TotalSessions),
			strconv.Itoa(report.FailedSessions),
			fmt.Sprintf("%s/%s", humanize.Comma(int64(report.ProcessedFiles)), humanize.Comma(int64(report.TotalFiles))),
			strconv.Itoa(report.Percentage) + "%",
		}},
		[]text.Align{text.AlignLeft, text.AlignRight, text.AlignRight, text.AlignRight, text.AlignRight},
	)
}

func renderTable(headers []string, rows [][]string, aligns []text.Align) string {
	columns := len(headers)
	if columns == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, columns)
	for i := range headers {
		header[i] = headers[i]
	}
	tw.AppendHeader(header)

	for _, row := range rows {
		r := make(table.Row, columns)
		for i := 0; i < columns; i++ {
			if i < len(row) {
				r[i] = row[i]
			} else {
				r[i] = ""
			}
		}
		tw.AppendRow(r)
	}

	configs := make([]table.ColumnConfig, 0, columns)
	for i := 0; i < columns; i++ {
		align := text.AlignLeft
		if i < len(aligns) {
			align = aligns[i]
		}
		configs = append(configs, table.ColumnConfig{Number: i + 1, Align: align, AlignHeader: text.AlignLeft})
	}
	tw.SetColumnConfigs(configs)
	return tw.Render()
}
