package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"
)

type fakeServer struct {
	mu         sync.Mutex
	parts      map[int][]byte
	failFirst  int
	chunkCalls int
	total      int
	filename   string
	owner      string
	completed  bool
}

func (s *fakeServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/uploads", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Filename    string `json:"filename"`
			TotalChunks int    `json:"total_chunks"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		s.mu.Lock()
		s.filename, s.total, s.owner = req.Filename, req.TotalChunks, r.Header.Get("X-User-Id")
		s.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"session_id": "sess-1"})
	})
	mux.HandleFunc("POST /v1/uploads/{id}/chunks", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.chunkCalls++
		if s.failFirst > 0 {
			s.failFirst--
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "busy"})
			return
		}
		index, _ := strconv.Atoi(r.FormValue("index"))
		file, _, err := r.FormFile("chunk")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		data, _ := io.ReadAll(file)
		s.parts[index] = data
		_ = json.NewEncoder(w).Encode(ChunkAck{OK: true, ReceivedChunks: len(s.parts), TotalChunks: s.total, Status: "uploading"})
	})
	mux.HandleFunc("POST /v1/uploads/{id}/complete", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.completed = true
		s.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{"final_location": "temp_uploads/assembled/" + r.PathValue("id")})
	})
	return mux
}

func newFakeServer(t *testing.T) (*fakeServer, *Client) {
	t.Helper()
	fake := &fakeServer{parts: make(map[int][]byte)}
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)
	return fake, New(srv.URL, Options{Owner: "user-1", RetryDelay: time.Millisecond})
}

func TestUploadFileSplitsIntoOrderedChunks(t *testing.T) {
	fake, c := newFakeServer(t)
	path := filepath.Join(t.TempDir(), "Chapter 3.cbz")
	content := []byte("0123456789abcdefghij-")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	var sent int
	id, err := c.UploadFile(context.Background(), path, 8, func(n int) { sent += n })
	if err != nil {
		t.Fatalf("UploadFile() error = %v", err)
	}
	if id != "sess-1" || !fake.completed {
		t.Fatalf("expected completed session sess-1, got %q completed=%v", id, fake.completed)
	}
	if fake.total != 3 || fake.filename != "Chapter 3.cbz" || fake.owner != "user-1" {
		t.Fatalf("unexpected init: total=%d filename=%q owner=%q", fake.total, fake.filename, fake.owner)
	}
	joined := bytes.Join([][]byte{fake.parts[0], fake.parts[1], fake.parts[2]}, nil)
	if !bytes.Equal(joined, content) || sent != len(content) {
		t.Fatalf("unexpected parts %q (sent %d)", joined, sent)
	}
}

func TestUploadChunkRetriesServerErrors(t *testing.T) {
	fake, c := newFakeServer(t)
	fake.failFirst = 2

	ack, err := c.UploadChunk(context.Background(), "sess-1", 0, []byte("abc"))
	if err != nil {
		t.Fatalf("UploadChunk() error = %v", err)
	}
	if !ack.OK || fake.chunkCalls != 3 {
		t.Fatalf("expected success on third attempt, ack=%+v calls=%d", ack, fake.chunkCalls)
	}
}

func TestUploadChunkDoesNotRetryClientErrors(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "upload sess-1 is completed"})
	}))
	defer srv.Close()
	c := New(srv.URL, Options{RetryDelay: time.Millisecond})

	_, err := c.UploadChunk(context.Background(), "sess-1", 0, []byte("x"))
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 api error, got %v", err)
	}
	if apiErr.Message != "upload sess-1 is completed" || calls != 1 {
		t.Fatalf("unexpected error %q after %d calls", apiErr.Message, calls)
	}
}

func TestProgressAndProcessArchives(t *testing.T) {
	var gotIDs, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/progress":
			gotIDs = r.URL.Query().Get("session_ids")
			_, _ = w.Write([]byte(`{"total_files":10,"processed_files":4,"completed_uploads":0,"total_uploads":2,"percentage":40,"status":"processing"}`))
		case "/v1/series/s-1/archives":
			raw, _ := io.ReadAll(r.Body)
			gotBody = string(raw)
			w.WriteHeader(http.StatusAccepted)
			_, _ = w.Write([]byte(`{"accepted_count":2}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()
	c := New(srv.URL, Options{})

	report, err := c.Progress(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("Progress() error = %v", err)
	}
	if gotIDs != "a,b" || report.Percentage != 40 || report.Status != "processing" {
		t.Fatalf("unexpected progress: ids=%q report=%+v", gotIDs, report)
	}

	accepted, err := c.ProcessArchives(context.Background(), "s-1", []string{"a", "b"})
	if err != nil {
		t.Fatalf("ProcessArchives() error = %v", err)
	}
	if accepted != 2 || gotBody != `{"session_ids":"a,b"}` {
		t.Fatalf("unexpected submit: accepted=%d body=%s", accepted, gotBody)
	}
}

func TestReprocessChapterSendsForceFlag(t *testing.T) {
	var calls []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.Method+" "+r.URL.RequestURI())
		if r.URL.Path == "/v1/chapters/missing/reprocess" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"chapter not found"}`))
			return
		}
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"chapter_id":"ch-1","status":"queued"}`))
	}))
	defer srv.Close()
	c := New(srv.URL, Options{})

	if err := c.ReprocessChapter(context.Background(), "ch-1", false); err != nil {
		t.Fatalf("ReprocessChapter() error = %v", err)
	}
	if err := c.ReprocessChapter(context.Background(), "ch-1", true); err != nil {
		t.Fatalf("ReprocessChapter(force) error = %v", err)
	}
	want := []string{"POST /v1/chapters/ch-1/reprocess", "POST /v1/chapters/ch-1/reprocess?force=true"}
	if len(calls) != 2 || calls[0] != want[0] || calls[1] != want[1] {
		t.Fatalf("unexpected requests %v", calls)
	}

	err := c.ReprocessChapter(context.Background(), "missing", false)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 api error, got %v", err)
	}
}
