package usecase

import (
	"context"
	"sync"
	"testing"

	"github.com/mangaanimeden/chapter-ingest/internal/core/domain"
)

func TestProgressConcurrentIncrementsAreNotLost(t *testing.T) {
	repo := newSessionRepoFake(domain.UploadSession{ID: "s1", Status: domain.UploadCompleted})
	tracker := NewProgressTracker(repo, repo)
	sink := tracker.Sink("s1")

	if err := sink.Start(context.Background(), 200); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sink.Advance(context.Background()); err != nil {
				t.Errorf("Advance() error = %v", err)
			}
		}()
	}
	wg.Wait()

	s := repo.get("s1")
	if s.TotalFilesToProcess != 200 || s.ProcessedFiles != 200 {
		t.Fatalf("expected 200/200, got %d/%d", s.ProcessedFiles, s.TotalFilesToProcess)
	}
}

func TestProgressResetZeroesNumerator(t *testing.T) {
	repo := newSessionRepoFake(domain.UploadSession{ID: "s1", TotalFilesToProcess: 4, ProcessedFiles: 4})
	tracker := NewProgressTracker(repo, repo)

	if err := tracker.Reset(context.Background(), "s1", -3); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	s := repo.get("s1")
	if s.TotalFilesToProcess != 0 || s.ProcessedFiles != 0 {
		t.Fatalf("unexpected counters after reset: %+v", s)
	}
}

func TestAggregateSumsAcrossSessions(t *testing.T) {
	repo := newSessionRepoFake(
		domain.UploadSession{ID: "a", Status: domain.UploadCompleted, ExtractionStatus: domain.ExtractionDone, TotalFilesToProcess: 10, ProcessedFiles: 10},
		domain.UploadSession{ID: "b", Status: domain.UploadCompleted, ExtractionStatus: domain.ExtractionRunning, TotalFilesToProcess: 10, ProcessedFiles: 5},
	)
	tracker := NewProgressTracker(repo, repo)

	report, err := tracker.Aggregate(context.Background(), []string{"a", "b", "a", " "})
	if err != nil {
		t.Fatalf("Aggregate() error = %v", err)
	}
	want := domain.ProgressReport{
		TotalFiles:        20,
		ProcessedFiles:    15,
		CompletedSessions: 1,
		TotalSessions:     2,
		Percentage:        75,
		Status:            domain.ProgressProcessing,
	}
	if report != want {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestAggregateFinishedWhenEverySessionSettled(t *testing.T) {
	repo := newSessionRepoFake(
		domain.UploadSession{ID: "a", Status: domain.UploadCompleted, ExtractionStatus: domain.ExtractionDone, TotalFilesToProcess: 3, ProcessedFiles: 1},
		domain.UploadSession{ID: "b", Status: domain.UploadFailed},
		domain.UploadSession{ID: "c", Status: domain.UploadCompleted, ExtractionStatus: domain.ExtractionFailed},
	)
	tracker := NewProgressTracker(repo, repo)

	report, err := tracker.Aggregate(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("Aggregate() error = %v", err)
	}
	if report.Status != domain.ProgressFinished {
		t.Fatalf("expected finished, got %+v", report)
	}
	if report.CompletedSessions != 1 || report.FailedSessions != 2 {
		t.Fatalf("failed upload and failed extraction must not count as completed: %+v", report)
	}
	if report.Percentage != 33 {
		t.Fatalf("expected rounded 33%%, got %d", report.Percentage)
	}
}

func TestAggregateQueuedSessionIsNotFinished(t *testing.T) {
	repo := newSessionRepoFake(
		domain.UploadSession{ID: "a", Status: domain.UploadCompleted, ExtractionStatus: domain.ExtractionQueued},
	)
	report, err := NewProgressTracker(repo, repo).Aggregate(context.Background(), []string{"a"})
	if err != nil {
		t.Fatalf("Aggregate() error = %v", err)
	}
	if report.Status != domain.ProgressProcessing || report.Percentage != 0 {
		t.Fatalf("expected processing at 0%%, got %+v", report)
	}
}

func TestAggregateEmptyAndUnknownIDs(t *testing.T) {
	repo := newSessionRepoFake()
	tracker := NewProgressTracker(repo, repo)

	for _, ids := range [][]string{nil, {"", "  "}, {"ghost"}} {
		report, err := tracker.Aggregate(context.Background(), ids)
		if err != nil {
			t.Fatalf("Aggregate(%v) error = %v", ids, err)
		}
		if report.Status != domain.ProgressFinished || report.TotalSessions != 0 || report.Percentage != 0 {
			t.Fatalf("Aggregate(%v) unexpected report %+v", ids, report)
		}
	}
}

func TestSplitIDs(t *testing.T) {
	got := SplitIDs(" a, ,b,a,c ")
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("SplitIDs() = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("SplitIDs() = %v, want %v", got, want)
		}
	}
	if len(SplitIDs("")) != 0 {
		t.Fatalf("expected no ids for empty input")
	}
}
