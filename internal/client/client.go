// Package client talks to the ingest HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/mangaanimeden/chapter-ingest/internal/core/domain"
	"github.com/mangaanimeden/chapter-ingest/internal/infrastructure/chunking"
)

type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

// Retryable reports whether resending the same request can succeed.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}

type Options struct {
	HTTPClient    *http.Client
	Owner         string
	RetryAttempts uint
	RetryDelay    time.Duration
}

type Client struct {
	baseURL  string
	http     *http.Client
	owner    string
	attempts uint
	delay    time.Duration
}

func New(baseURL string, opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 2 * time.Minute}
	}
	attempts := opts.RetryAttempts
	if attempts == 0 {
		attempts = 4
	}
	delay := opts.RetryDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     httpClient,
		owner:    opts.Owner,
		attempts: attempts,
		delay:    delay,
	}
}

type ChunkAck struct {
	OK             bool                `json:"ok"`
	ReceivedChunks int                 `json:"received_chunks"`
	TotalChunks    int                 `json:"total_chunks"`
	Status         domain.UploadStatus `json:"status"`
}

func (c *Client) InitUpload(ctx context.Context, filename string, totalChunks int) (string, error) {
	var resp struct {
		SessionID string `json:"session_id"`
	}
	body := map[string]any{"filename": filename, "total_chunks": totalChunks}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/uploads", body, &resp); err != nil {
		return "", fmt.Errorf("init upload: %w", err)
	}
	return resp.SessionID, nil
}

// UploadChunk sends one part, resending the same index on network errors,
// 429 and 5xx responses.
func (c *Client) UploadChunk(ctx context.Context, sessionID string, index int, data []byte) (ChunkAck, error) {
	var ack ChunkAck
	err := retry.Do(
		func() error {
			return c.postChunk(ctx, sessionID, index, data, &ack)
		},
		retry.Context(ctx),
		retry.Attempts(c.attempts),
		retry.Delay(c.delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(isRetryable),
	)
	if err != nil {
		return ChunkAck{}, fmt.Errorf("upload chunk %d: %w", index, err)
	}
	return ack, nil
}

func (c *Client) postChunk(ctx context.Context, sessionID string, index int, data []byte, out *ChunkAck) error {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	if err := writer.WriteField("index", strconv.Itoa(index)); err != nil {
		return retry.Unrecoverable(err)
	}
	part, err := writer.CreateFormFile("chunk", fmt.Sprintf("part_%d", index))
	if err != nil {
		return retry.Unrecoverable(err)
	}
	if _, err := part.Write(data); err != nil {
		return retry.Unrecoverable(err)
	}
	if err := writer.Close(); err != nil {
		return retry.Unrecoverable(err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/v1/uploads/"+url.PathEscape(sessionID)+"/chunks", &body)
	if err != nil {
		return retry.Unrecoverable(err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return c.do(req, out)
}

func (c *Client) CompleteUpload(ctx context.Context, sessionID string) (string, error) {
	var resp struct {
		FinalLocation string `json:"final_location"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/uploads/"+url.PathEscape(sessionID)+"/complete", nil, &resp); err != nil {
		return "", fmt.Errorf("complete upload: %w", err)
	}
	return resp.FinalLocation, nil
}

func (c *Client) GetUpload(ctx context.Context, sessionID string) (*domain.UploadSession, error) {
	var session domain.UploadSession
	if err := c.doJSON(ctx, http.MethodGet, "/v1/uploads/"+url.PathEscape(sessionID), nil, &session); err != nil {
		return nil, fmt.Errorf("get upload: %w", err)
	}
	return &session, nil
}

func (c *Client) ProcessArchives(ctx context.Context, seriesID string, sessionIDs []string) (int, error) {
	var resp struct {
		AcceptedCount int `json:"accepted_count"`
	}
	body := map[string]string{"session_ids": strings.Join(sessionIDs, ",")}
	path := "/v1/series/" + url.PathEscape(seriesID) + "/archives"
	if err := c.doJSON(ctx, http.MethodPost, path, body, &resp); err != nil {
		return 0, fmt.Errorf("process archives: %w", err)
	}
	return resp.AcceptedCount, nil
}

func (c *Client) Progress(ctx context.Context, sessionIDs []string) (domain.ProgressReport, error) {
	var report domain.ProgressReport
	path := "/v1/progress?session_ids=" + url.QueryEscape(strings.Join(sessionIDs, ","))
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &report); err != nil {
		return domain.ProgressReport{}, fmt.Errorf("poll progress: %w", err)
	}
	return report, nil
}

// ReprocessChapter queues a rebuild of the chapter pages from its stored
// source archive. force replaces pages that already exist.
func (c *Client) ReprocessChapter(ctx context.Context, chapterID string, force bool) error {
	path := "/v1/chapters/" + url.PathEscape(chapterID) + "/reprocess"
	if force {
		path += "?force=true"
	}
	if err := c.doJSON(ctx, http.MethodPost, path, nil, nil); err != nil {
		return fmt.Errorf("reprocess chapter: %w", err)
	}
	return nil
}

// UploadFile splits the file into chunkSize parts, sends them in order and
// completes the session. onChunk receives the size of every accepted part.
func (c *Client) UploadFile(ctx context.Context, path string, chunkSize int64, onChunk func(n int)) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", path, err)
	}
	parts := chunking.NewSplitter(chunkSize).Split(info.Size())

	sessionID, err := c.InitUpload(ctx, filepath.Base(path), len(parts))
	if err != nil {
		return "", err
	}

	for _, part := range parts {
		data := make([]byte, part.Length)
		if _, err := f.ReadAt(data, part.Offset); err != nil && !errors.Is(err, io.EOF) {
			return sessionID, fmt.Errorf("read chunk %d: %w", part.Index, err)
		}
		if _, err := c.UploadChunk(ctx, sessionID, part.Index, data); err != nil {
			return sessionID, err
		}
		if onChunk != nil {
			onChunk(len(data))
		}
	}

	if _, err := c.CompleteUpload(ctx, sessionID); err != nil {
		return sessionID, err
	}
	return sessionID, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if c.owner != "" {
		req.Header.Set("X-User-Id", c.owner)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var payload struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if err := json.Unmarshal(raw, &payload); err != nil || payload.Error == "" {
			payload.Error = strings.TrimSpace(string(raw))
		}
		return &APIError{StatusCode: resp.StatusCode, Message: payload.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func isRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF)
}
