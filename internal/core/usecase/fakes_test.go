package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mangaanimeden/chapter-ingest/internal/core/domain"
	"github.com/mangaanimeden/chapter-ingest/internal/infrastructure/storage/localfs"
)

// sessionRepoFake mirrors the guarded updates of the postgres repository.
type sessionRepoFake struct {
	mu       sync.Mutex
	sessions map[string]*domain.UploadSession
	chunks   map[string]map[int]bool
	setErr   error
}

func newSessionRepoFake(sessions ...domain.UploadSession) *sessionRepoFake {
	f := &sessionRepoFake{
		sessions: make(map[string]*domain.UploadSession),
		chunks:   make(map[string]map[int]bool),
	}
	for _, s := range sessions {
		copyS := s
		f.sessions[s.ID] = &copyS
	}
	return f
}

func (f *sessionRepoFake) get(id string) domain.UploadSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.sessions[id]
}

func (f *sessionRepoFake) Create(_ context.Context, s *domain.UploadSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copyS := *s
	f.sessions[s.ID] = &copyS
	return nil
}

func (f *sessionRepoFake) GetByID(_ context.Context, id string) (*domain.UploadSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, domain.WrapError(domain.ErrSessionNotFound, "get upload session", fmt.Errorf("id=%s", id))
	}
	copyS := *s
	return &copyS, nil
}

func (f *sessionRepoFake) ListByIDs(_ context.Context, ids []string) ([]domain.UploadSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.UploadSession
	for _, id := range ids {
		if s, ok := f.sessions[id]; ok {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (f *sessionRepoFake) RecordChunk(_ context.Context, id string, index int) (*domain.UploadSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	if f.chunks[id] == nil {
		f.chunks[id] = make(map[int]bool)
	}
	if !f.chunks[id][index] && s.ReceivedChunks < s.TotalChunks {
		f.chunks[id][index] = true
		s.ReceivedChunks++
	}
	if s.Status == domain.UploadUploading && s.ReceivedChunks >= s.TotalChunks {
		s.Status = domain.UploadProcessing
	}
	copyS := *s
	return &copyS, nil
}

func (f *sessionRepoFake) MarkAssembled(_ context.Context, id, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.sessions[id]
	if s.Status != domain.UploadProcessing {
		return domain.ErrInvalidState
	}
	s.Status = domain.UploadCompleted
	s.AssembledKey = key
	return nil
}

func (f *sessionRepoFake) MarkFailed(_ context.Context, id, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.sessions[id]
	if s.Status.Terminal() {
		return domain.ErrInvalidState
	}
	s.Status = domain.UploadFailed
	s.Error = msg
	return nil
}

func (f *sessionRepoFake) SetExtractionStatus(
	_ context.Context,
	id string,
	status domain.ExtractionStatus,
	chapterID, msg string,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return f.setErr
	}
	s, ok := f.sessions[id]
	if !ok {
		return domain.ErrSessionNotFound
	}
	s.ExtractionStatus = status
	if chapterID != "" {
		s.ChapterID = chapterID
	}
	s.ExtractionError = msg
	return nil
}

func (f *sessionRepoFake) ResetProgress(_ context.Context, id string, total int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return domain.ErrSessionNotFound
	}
	s.TotalFilesToProcess = total
	s.ProcessedFiles = 0
	return nil
}

func (f *sessionRepoFake) IncrementProcessed(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return domain.ErrSessionNotFound
	}
	s.ProcessedFiles++
	return nil
}

func (f *sessionRepoFake) Counts(_ context.Context, ids []string) (map[string]domain.ProgressCount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]domain.ProgressCount, len(ids))
	for _, id := range ids {
		if s, ok := f.sessions[id]; ok {
			out[id] = domain.ProgressCount{Total: s.TotalFilesToProcess, Processed: s.ProcessedFiles}
		}
	}
	return out, nil
}

// blobStoreFake keeps objects in memory. failSave makes the nth Save (1-based) fail.
type blobStoreFake struct {
	mu       sync.Mutex
	objects  map[string][]byte
	saves    int
	failSave int
	deleted  []string
}

func newBlobStoreFake() *blobStoreFake {
	return &blobStoreFake{objects: make(map[string][]byte)}
}

func (f *blobStoreFake) Save(_ context.Context, key string, data io.Reader) error {
	raw, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves++
	if f.failSave > 0 && f.saves == f.failSave {
		return errors.New("disk full")
	}
	f.objects[key] = raw
	return nil
}

func (f *blobStoreFake) Open(_ context.Context, key string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.objects[key]
	if !ok {
		return nil, fmt.Errorf("object %s not found", key)
	}
	return io.NopCloser(bytes.NewReader(raw)), nil
}

func (f *blobStoreFake) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	f.deleted = append(f.deleted, key)
	return nil
}

func (f *blobStoreFake) Exists(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok, nil
}

func (f *blobStoreFake) keys(prefix string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func (f *blobStoreFake) content(key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return string(f.objects[key])
}

type chapterRepoFake struct {
	mu         sync.Mutex
	chapters   map[string]*domain.Chapter
	pages      map[string][]domain.Page
	replaceErr error
	created    int
}

func newChapterRepoFake() *chapterRepoFake {
	return &chapterRepoFake{
		chapters: make(map[string]*domain.Chapter),
		pages:    make(map[string][]domain.Page),
	}
}

func (f *chapterRepoFake) GetOrCreate(_ context.Context, seriesID string, number float64) (*domain.Chapter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.chapters {
		if ch.SeriesID == seriesID && ch.Number == number {
			copyCh := *ch
			return &copyCh, nil
		}
	}
	f.created++
	ch := &domain.Chapter{
		ID:        fmt.Sprintf("ch-%d", f.created),
		SeriesID:  seriesID,
		Number:    number,
		CreatedAt: time.Now().UTC(),
	}
	f.chapters[ch.ID] = ch
	copyCh := *ch
	return &copyCh, nil
}

func (f *chapterRepoFake) SetSource(_ context.Context, chapterID, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.chapters[chapterID]
	if !ok {
		return domain.ErrChapterNotFound
	}
	ch.SourceKey = key
	return nil
}

func (f *chapterRepoFake) CountPages(_ context.Context, chapterID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pages[chapterID]), nil
}

func (f *chapterRepoFake) ReplacePages(_ context.Context, chapterID string, pages []domain.Page) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.replaceErr != nil {
		return nil, f.replaceErr
	}
	var old []string
	for _, p := range f.pages[chapterID] {
		old = append(old, p.ImageKey)
	}
	f.pages[chapterID] = append([]domain.Page(nil), pages...)
	return old, nil
}

func (f *chapterRepoFake) GetByID(_ context.Context, chapterID string) (*domain.Chapter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.chapters[chapterID]
	if !ok {
		return nil, domain.WrapError(domain.ErrChapterNotFound, "get chapter", fmt.Errorf("id=%s", chapterID))
	}
	copyCh := *ch
	return &copyCh, nil
}

func (f *chapterRepoFake) AppendPages(_ context.Context, chapterID string, pages []domain.Page) ([]domain.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	last := 0
	for _, p := range f.pages[chapterID] {
		if p.PageNumber > last {
			last = p.PageNumber
		}
	}
	stored := make([]domain.Page, len(pages))
	for i, p := range pages {
		p.ChapterID = chapterID
		p.PageNumber = last + i + 1
		stored[i] = p
	}
	f.pages[chapterID] = append(f.pages[chapterID], stored...)
	return stored, nil
}

// seedPages stores pages as given, bypassing append numbering.
func (f *chapterRepoFake) seedPages(chapterID string, pages ...domain.Page) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages[chapterID] = append(f.pages[chapterID], pages...)
}

func (f *chapterRepoFake) pagesOf(chapterID string) []domain.Page {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]domain.Page(nil), f.pages[chapterID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].PageNumber < out[j].PageNumber })
	return out
}

type queueFake struct {
	mu   sync.Mutex
	jobs []domain.ArchiveJob
	err  error
}

func (f *queueFake) PublishArchiveJob(_ context.Context, job domain.ArchiveJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.jobs = append(f.jobs, job)
	return nil
}

func (f *queueFake) SubscribeArchiveJobs(context.Context, func(context.Context, domain.ArchiveJob) error) error {
	return errors.New("not implemented")
}

type sinkFake struct {
	mu       sync.Mutex
	total    int
	advanced int
}

func (s *sinkFake) Start(_ context.Context, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total = total
	return nil
}

func (s *sinkFake) Advance(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advanced++
	return nil
}

func newScratch(t *testing.T) *localfs.Storage {
	t.Helper()
	s, err := localfs.New(t.TempDir())
	if err != nil {
		t.Fatalf("localfs.New() error = %v", err)
	}
	return s
}
