package usecase

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/mangaanimeden/chapter-ingest/internal/core/domain"
	"github.com/mangaanimeden/chapter-ingest/internal/core/ports"
)

type ProgressTracker struct {
	sessions ports.UploadSessionRepository
	counter  ports.ProgressCounter
}

func NewProgressTracker(sessions ports.UploadSessionRepository, counter ports.ProgressCounter) *ProgressTracker {
	return &ProgressTracker{
		sessions: sessions,
		counter:  counter,
	}
}

// Reset sets the denominator and zeroes the numerator before a run starts.
func (t *ProgressTracker) Reset(ctx context.Context, sessionID string, total int) error {
	if total < 0 {
		total = 0
	}
	if err := t.counter.ResetProgress(ctx, sessionID, total); err != nil {
		return fmt.Errorf("reset progress: %w", err)
	}
	return nil
}

func (t *ProgressTracker) Increment(ctx context.Context, sessionID string) error {
	if err := t.counter.IncrementProcessed(ctx, sessionID); err != nil {
		return fmt.Errorf("increment progress: %w", err)
	}
	return nil
}

// Sink binds the tracker to one session for an extraction run.
func (t *ProgressTracker) Sink(sessionID string) ports.ProgressSink {
	return sessionSink{tracker: t, sessionID: sessionID}
}

// Aggregate sums counters over the known sessions among ids. Settled
// sessions count as completed or failed; the report is finished once every
// known session is settled. An id set with no known session reports finished
// so pollers stop.
func (t *ProgressTracker) Aggregate(ctx context.Context, sessionIDs []string) (domain.ProgressReport, error) {
	ids := normalizeIDs(sessionIDs)
	report := domain.ProgressReport{Status: domain.ProgressFinished}
	if len(ids) == 0 {
		return report, nil
	}

	sessions, err := t.sessions.ListByIDs(ctx, ids)
	if err != nil {
		return domain.ProgressReport{}, fmt.Errorf("list sessions: %w", err)
	}
	if len(sessions) == 0 {
		return report, nil
	}

	known := make([]string, 0, len(sessions))
	for _, s := range sessions {
		known = append(known, s.ID)
	}
	counts, err := t.counter.Counts(ctx, known)
	if err != nil {
		return domain.ProgressReport{}, fmt.Errorf("read progress counters: %w", err)
	}

	report.TotalSessions = len(sessions)
	for _, s := range sessions {
		c := counts[s.ID]
		report.TotalFiles += c.Total
		report.ProcessedFiles += c.Processed
		switch {
		case !s.Settled():
		case s.Failed():
			report.FailedSessions++
		default:
			report.CompletedSessions++
		}
	}
	report.Percentage = percentage(report.ProcessedFiles, report.TotalFiles)
	if report.CompletedSessions+report.FailedSessions < report.TotalSessions {
		report.Status = domain.ProgressProcessing
	}
	return report, nil
}

func percentage(processed, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(float64(processed) / float64(total) * 100))
}

// normalizeIDs trims, drops empties and de-duplicates while keeping order.
func normalizeIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// SplitIDs parses a comma-separated id list.
func SplitIDs(raw string) []string {
	return normalizeIDs(strings.Split(raw, ","))
}

type sessionSink struct {
	tracker   *ProgressTracker
	sessionID string
}

func (s sessionSink) Start(ctx context.Context, total int) error {
	return s.tracker.Reset(ctx, s.sessionID, total)
}

func (s sessionSink) Advance(ctx context.Context) error {
	return s.tracker.Increment(ctx, s.sessionID)
}
