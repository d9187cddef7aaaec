package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"nexus/internal/store"
)

const defaultContentType = "application/octet-stream"

// Blob kinds accepted for upload.
const (
	KindAvatar = "avatar"
	KindMedia  = "media"
)

var (
	// ErrTooLarge is returned when an upload exceeds the configured size.
	ErrTooLarge = errors.New("blob exceeds size limit")
	// ErrInvalidKind is returned for kinds other than avatar and media.
	ErrInvalidKind = errors.New("invalid blob kind")
	// ErrUnsupportedType is returned when the content is not an image, video,
	// or audio file the kind accepts.
	ErrUnsupportedType = errors.New("unsupported blob content type")
)

// Store coordinates blob bytes on disk with metadata in sqlite. Everything
// it holds is disposable: Purge runs at startup and on every room wipe.
type Store struct {
	rootDir  string
	meta     *store.Store
	maxBytes int64

	// Puts hold the read side, Purge the write side, so a purge never
	// observes half of an upload.
	mu sync.RWMutex
}

// PutInput contains the data required to write one blob.
type PutInput struct {
	Kind         string
	OriginalName string
	ContentType  string
	Reader       io.Reader
}

// OpenResult is a blob metadata + opened file stream tuple.
type OpenResult struct {
	Metadata store.BlobMetadata
	File     *os.File
}

// NewStore creates a blob store rooted at rootDir. maxBytes <= 0 means no
// size limit.
func NewStore(rootDir string, meta *store.Store, maxBytes int64) (*Store, error) {
	rootDir = strings.TrimSpace(rootDir)
	if rootDir == "" {
		return nil, fmt.Errorf("blob root directory is required")
	}
	if meta == nil {
		return nil, fmt.Errorf("sqlite metadata store is required")
	}
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob directory: %w", err)
	}
	slog.Debug("blob store initialized", "dir", rootDir, "max_bytes", maxBytes)
	return &Store{rootDir: rootDir, meta: meta, maxBytes: maxBytes}, nil
}

// Put writes bytes to disk as an opaque UUID-named blob and stores metadata in sqlite.
func (s *Store) Put(ctx context.Context, input PutInput) (store.BlobMetadata, error) {
	if input.Reader == nil {
		return store.BlobMetadata{}, fmt.Errorf("blob reader is required")
	}
	kind := strings.TrimSpace(input.Kind)
	if kind == "" {
		kind = KindMedia
	}
	if kind != KindAvatar && kind != KindMedia {
		return store.BlobMetadata{}, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	originalName := strings.TrimSpace(input.OriginalName)
	if originalName == "" {
		return store.BlobMetadata{}, fmt.Errorf("blob original name is required")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	id := uuid.NewString()
	tempFile, err := os.CreateTemp(s.rootDir, ".blob-write-*")
	if err != nil {
		return store.BlobMetadata{}, fmt.Errorf("create temp blob file: %w", err)
	}
	tempPath := tempFile.Name()

	src := input.Reader
	if s.maxBytes > 0 {
		src = io.LimitReader(src, s.maxBytes+1)
	}
	var head [512]byte
	n, _ := io.ReadFull(src, head[:])
	src = io.MultiReader(bytes.NewReader(head[:n]), src)

	size, copyErr := io.Copy(tempFile, src)
	closeErr := tempFile.Close()
	if copyErr != nil {
		_ = os.Remove(tempPath)
		return store.BlobMetadata{}, fmt.Errorf("write blob bytes: %w", copyErr)
	}
	if closeErr != nil {
		_ = os.Remove(tempPath)
		return store.BlobMetadata{}, fmt.Errorf("close blob file: %w", closeErr)
	}
	if s.maxBytes > 0 && size > s.maxBytes {
		_ = os.Remove(tempPath)
		return store.BlobMetadata{}, ErrTooLarge
	}

	contentType := baseType(input.ContentType)
	if contentType == "" || contentType == defaultContentType {
		contentType = baseType(http.DetectContentType(head[:n]))
	}
	if !Accepts(kind, contentType) {
		_ = os.Remove(tempPath)
		return store.BlobMetadata{}, fmt.Errorf("%w: %s upload of %s", ErrUnsupportedType, kind, contentType)
	}

	finalPath := filepath.Join(s.rootDir, id)
	if err := os.Rename(tempPath, finalPath); err != nil {
		_ = os.Remove(tempPath)
		return store.BlobMetadata{}, fmt.Errorf("move blob into place: %w", err)
	}

	meta := store.BlobMetadata{
		ID:           id,
		Kind:         kind,
		OriginalName: originalName,
		ContentType:  contentType,
		DiskName:     id,
		SizeBytes:    size,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.meta.CreateBlob(ctx, meta); err != nil {
		_ = os.Remove(finalPath)
		return store.BlobMetadata{}, fmt.Errorf("persist blob metadata: %w", err)
	}

	slog.Info("blob stored", "blob_id", id, "kind", kind, "size", size, "content_type", contentType)
	return meta, nil
}

// Open resolves blob metadata in sqlite and opens its corresponding on-disk blob.
func (s *Store) Open(ctx context.Context, id string) (OpenResult, error) {
	meta, err := s.meta.BlobByID(ctx, id)
	if err != nil {
		return OpenResult{}, err
	}

	path := filepath.Join(s.rootDir, meta.DiskName)
	f, err := os.Open(path)
	if err != nil {
		slog.Error("blob file open failed", "blob_id", id, "path", path, "err", err)
		return OpenResult{}, fmt.Errorf("open blob file: %w", err)
	}

	slog.Debug("blob opened", "blob_id", id, "size", meta.SizeBytes)
	return OpenResult{Metadata: meta, File: f}, nil
}

// Purge deletes every blob, including files left behind by interrupted
// writes, and returns how many files were removed.
func (s *Store) Purge(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.meta.DeleteAllBlobs(ctx); err != nil {
		return 0, fmt.Errorf("purge blob metadata: %w", err)
	}

	entries, err := os.ReadDir(s.rootDir)
	if err != nil {
		return 0, fmt.Errorf("read blob directory: %w", err)
	}
	removed := 0
	var errs []error
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(s.rootDir, entry.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	if len(errs) > 0 {
		return removed, fmt.Errorf("remove blob files: %w", errors.Join(errs...))
	}
	slog.Info("blobs purged", "count", removed)
	return removed, nil
}

// Accepts reports whether kind may hold contentType. Avatars are images,
// media is image, video, or audio. SVG is refused for both since browsers
// run scripts embedded in it.
func Accepts(kind, contentType string) bool {
	contentType = baseType(contentType)
	if contentType == "image/svg+xml" {
		return false
	}
	switch kind {
	case KindAvatar:
		return strings.HasPrefix(contentType, "image/")
	case KindMedia:
		return strings.HasPrefix(contentType, "image/") ||
			strings.HasPrefix(contentType, "video/") ||
			strings.HasPrefix(contentType, "audio/")
	default:
		return false
	}
}

// baseType lower-cases a media type and strips its parameters. Unparseable
// values come back empty.
func baseType(contentType string) string {
	contentType = strings.TrimSpace(contentType)
	if contentType == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return mt
}
