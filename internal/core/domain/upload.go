package domain

import "time"

type UploadStatus string

const (
	UploadUploading  UploadStatus = "uploading"
	UploadProcessing UploadStatus = "processing"
	UploadCompleted  UploadStatus = "completed"
	UploadFailed     UploadStatus = "failed"
)

// Terminal reports whether no further status transition is allowed.
func (s UploadStatus) Terminal() bool {
	return s == UploadCompleted || s == UploadFailed
}

type ExtractionStatus string

const (
	ExtractionNone    ExtractionStatus = ""
	ExtractionQueued  ExtractionStatus = "queued"
	ExtractionRunning ExtractionStatus = "running"
	ExtractionDone    ExtractionStatus = "done"
	ExtractionFailed  ExtractionStatus = "failed"
)

// Pending reports whether an orchestrated run has been requested but not finished.
func (s ExtractionStatus) Pending() bool {
	return s == ExtractionQueued || s == ExtractionRunning
}

// UploadSession is one logical file uploaded in parts.
type UploadSession struct {
	ID                  string           `json:"id"`
	Filename            string           `json:"filename"`
	Owner               string           `json:"owner,omitempty"`
	TotalChunks         int              `json:"total_chunks"`
	ReceivedChunks      int              `json:"received_chunks"`
	Status              UploadStatus     `json:"status"`
	TotalFilesToProcess int              `json:"total_files_to_process"`
	ProcessedFiles      int              `json:"processed_files"`
	AssembledKey        string           `json:"assembled_key,omitempty"`
	ExtractionStatus    ExtractionStatus `json:"extraction_status,omitempty"`
	ExtractionError     string           `json:"extraction_error,omitempty"`
	ChapterID           string           `json:"chapter_id,omitempty"`
	Error               string           `json:"error,omitempty"`
	CreatedAt           time.Time        `json:"created_at"`
	UpdatedAt           time.Time        `json:"updated_at"`
}

// Failed reports whether the upload or its orchestrated extraction failed.
func (s UploadSession) Failed() bool {
	return s.Status == UploadFailed || (s.Status == UploadCompleted && s.ExtractionStatus == ExtractionFailed)
}

// Settled reports whether the session needs no further work end to end.
// A failed upload is settled; a completed upload is settled once no
// orchestrated extraction is queued or running for it.
func (s UploadSession) Settled() bool {
	switch s.Status {
	case UploadFailed:
		return true
	case UploadCompleted:
		return !s.ExtractionStatus.Pending()
	default:
		return false
	}
}

type ProgressStatus string

const (
	ProgressProcessing ProgressStatus = "processing"
	ProgressFinished   ProgressStatus = "finished"
)

// ProgressReport aggregates counters across the sessions of one poll.
// CompletedSessions counts settled sessions that did not fail; FailedSessions
// counts failed uploads and failed extractions.
type ProgressReport struct {
	TotalFiles        int            `json:"total_files"`
	ProcessedFiles    int            `json:"processed_files"`
	CompletedSessions int            `json:"completed_uploads"`
	FailedSessions    int            `json:"failed_uploads"`
	TotalSessions     int            `json:"total_uploads"`
	Percentage        int            `json:"percentage"`
	Status            ProgressStatus `json:"status"`
}

// ArchiveJob is one orchestrated unit: a session's archive attached to a
// series, or, when ChapterID is set, a re-extraction of that chapter from its
// stored source.
type ArchiveJob struct {
	SeriesID   string    `json:"series_id"`
	SessionID  string    `json:"session_id,omitempty"`
	ChapterID  string    `json:"chapter_id,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Reprocess reports whether the job re-extracts a chapter rather than a session.
func (j ArchiveJob) Reprocess() bool {
	return j.ChapterID != "" && j.SessionID == ""
}

type ProgressCount struct {
	Total     int
	Processed int
}
