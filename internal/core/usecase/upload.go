package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mangaanimeden/chapter-ingest/internal/core/domain"
	"github.com/mangaanimeden/chapter-ingest/internal/core/ports"
)

const scratchRoot = "temp_uploads"

func sessionPrefix(sessionID string) string {
	return path.Join(scratchRoot, sessionID)
}

func partKey(sessionID string, index int) string {
	return path.Join(scratchRoot, sessionID, fmt.Sprintf("part_%d", index))
}

func assembledKey(sessionID, filename string) string {
	return path.Join(scratchRoot, "assembled", sessionID+"_"+sanitizeFilename(filename))
}

// stagedKey names a scratch copy of a stored chapter source.
func stagedKey(owner, sourceKey string) string {
	return path.Join(scratchRoot, "staged", owner+"_"+path.Base(sourceKey))
}

func assemblyLockKey(sessionID string) string {
	return path.Join(scratchRoot, "locks", sessionID+".lock")
}

type UploadSessionUseCase struct {
	repo    ports.UploadSessionRepository
	scratch ports.ScratchStore
	logger  *slog.Logger
}

func NewUploadSessionUseCase(
	repo ports.UploadSessionRepository,
	scratch ports.ScratchStore,
	logger *slog.Logger,
) *UploadSessionUseCase {
	if logger == nil {
		logger = slog.Default()
	}
	return &UploadSessionUseCase{
		repo:    repo,
		scratch: scratch,
		logger:  logger,
	}
}

func (uc *UploadSessionUseCase) Init(
	ctx context.Context,
	filename string,
	totalChunks int,
	owner string,
) (*domain.UploadSession, error) {
	if strings.TrimSpace(filename) == "" {
		return nil, domain.WrapError(domain.ErrInvalidRequest, "init upload", errors.New("filename is required"))
	}
	if totalChunks < 1 {
		return nil, domain.WrapError(
			domain.ErrInvalidRequest,
			"init upload",
			fmt.Errorf("total_chunks must be >= 1, got %d", totalChunks),
		)
	}

	now := time.Now().UTC()
	session := &domain.UploadSession{
		ID:          uuid.NewString(),
		Filename:    filename,
		Owner:       owner,
		TotalChunks: totalChunks,
		Status:      domain.UploadUploading,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := uc.repo.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("create upload session: %w", err)
	}
	return session, nil
}

func (uc *UploadSessionUseCase) GetByID(ctx context.Context, id string) (*domain.UploadSession, error) {
	return uc.repo.GetByID(ctx, id)
}

// SaveChunk stores part index of a session. Parts are keyed by index and
// replaced atomically, so a resent index overwrites the earlier part, and a
// resend that fails midway leaves the earlier part in place. The repository
// counts each index once.
func (uc *UploadSessionUseCase) SaveChunk(
	ctx context.Context,
	sessionID string,
	index int,
	body io.Reader,
) (*domain.UploadSession, error) {
	session, err := uc.repo.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status.Terminal() {
		return nil, domain.WrapError(
			domain.ErrInvalidState,
			"save chunk",
			fmt.Errorf("upload %s is %s", sessionID, session.Status),
		)
	}
	if index < 0 || index >= session.TotalChunks {
		return nil, domain.WrapError(
			domain.ErrInvalidRequest,
			"save chunk",
			fmt.Errorf("chunk index %d out of range [0,%d)", index, session.TotalChunks),
		)
	}

	if err := uc.scratch.Save(ctx, partKey(sessionID, index), body); err != nil {
		return nil, domain.WrapError(domain.ErrStorage, "write chunk", err)
	}

	updated, err := uc.repo.RecordChunk(ctx, sessionID, index)
	if err != nil {
		return nil, fmt.Errorf("record chunk: %w", err)
	}
	return updated, nil
}

// Assemble concatenates parts 0..total-1 in index order into one artifact.
// A missing part fails the session and keeps the parts that did arrive.
func (uc *UploadSessionUseCase) Assemble(ctx context.Context, sessionID string) (string, error) {
	release, ok, err := uc.scratch.TryLock(ctx, assemblyLockKey(sessionID))
	if err != nil {
		return "", domain.WrapError(domain.ErrStorage, "lock assembly", err)
	}
	if !ok {
		return "", domain.WrapError(
			domain.ErrInvalidState,
			"assemble upload",
			fmt.Errorf("assembly of %s already in progress", sessionID),
		)
	}
	defer release()

	session, err := uc.repo.GetByID(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if session.Status != domain.UploadProcessing {
		return "", domain.WrapError(
			domain.ErrInvalidState,
			"assemble upload",
			fmt.Errorf("upload %s is %s, want %s", sessionID, session.Status, domain.UploadProcessing),
		)
	}

	for i := 0; i < session.TotalChunks; i++ {
		exists, err := uc.scratch.Exists(ctx, partKey(sessionID, i))
		if err != nil {
			return "", domain.WrapError(domain.ErrStorage, "stat chunk", err)
		}
		if !exists {
			return "", uc.failMissing(ctx, sessionID, i)
		}
	}

	finalKey := assembledKey(sessionID, session.Filename)
	parts := uc.concatParts(ctx, session)
	err = uc.scratch.Save(ctx, finalKey, parts)
	_ = parts.Close()
	if err != nil {
		if delErr := uc.scratch.Delete(ctx, finalKey); delErr != nil {
			uc.logger.Warn("assembled_cleanup_failed", "session_id", sessionID, "error", delErr)
		}
		var missing *domain.MissingChunkError
		if errors.As(err, &missing) {
			return "", uc.failMissing(ctx, sessionID, missing.Index)
		}
		return "", domain.WrapError(domain.ErrStorage, "write assembled upload", err)
	}

	if err := uc.repo.MarkAssembled(ctx, sessionID, finalKey); err != nil {
		return "", fmt.Errorf("mark upload assembled: %w", err)
	}
	if err := uc.scratch.DeleteTree(ctx, sessionPrefix(sessionID)); err != nil {
		uc.logger.Warn("chunk_dir_cleanup_failed", "session_id", sessionID, "error", err)
	}

	uc.logger.Info("upload_assembled",
		"session_id", sessionID,
		"chunks", session.TotalChunks,
		"key", finalKey,
	)
	return finalKey, nil
}

// concatParts streams every part in order through a pipe so only one part
// is open at a time.
func (uc *UploadSessionUseCase) concatParts(ctx context.Context, session *domain.UploadSession) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		for i := 0; i < session.TotalChunks; i++ {
			if err := uc.copyPart(ctx, pw, session.ID, i); err != nil {
				_ = pw.CloseWithError(err)
				return
			}
		}
		_ = pw.Close()
	}()
	return pr
}

func (uc *UploadSessionUseCase) copyPart(ctx context.Context, dst io.Writer, sessionID string, index int) error {
	part, err := uc.scratch.Open(ctx, partKey(sessionID, index))
	if err != nil {
		return &domain.MissingChunkError{SessionID: sessionID, Index: index}
	}
	defer part.Close()

	if _, err := io.Copy(dst, part); err != nil {
		return fmt.Errorf("copy chunk %d: %w", index, err)
	}
	return nil
}

func (uc *UploadSessionUseCase) failMissing(ctx context.Context, sessionID string, index int) error {
	missing := &domain.MissingChunkError{SessionID: sessionID, Index: index}
	if err := uc.repo.MarkFailed(ctx, sessionID, missing.Error()); err != nil {
		return fmt.Errorf("%w; mark failed status: %v", missing, err)
	}
	uc.logger.Warn("upload_assembly_failed", "session_id", sessionID, "missing_index", index)
	return missing
}

func sanitizeFilename(name string) string {
	base := filepath.Base(name)
	base = strings.ReplaceAll(base, " ", "_")
	base = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r
		case r >= 'A' && r <= 'Z':
			return r
		case r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, base)
	if base == "" || base == "." {
		return "archive.bin"
	}
	return base
}
