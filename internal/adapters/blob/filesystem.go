// Package blob archives session recordings.
package blob

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/crafter-station/cadence-sub000/internal/adapters/metrics"
	"github.com/crafter-station/cadence-sub000/internal/domain"
	"github.com/crafter-station/cadence-sub000/internal/ports"
	"github.com/crafter-station/cadence-sub000/pkg/otel"
)

var _ ports.BlobStore = (*FileStore)(nil)

// FileStore writes blobs under a root directory that is served at BaseURL
type FileStore struct {
	root    string
	baseURL string
}

func NewFileStore(root, baseURL string) (*FileStore, error) {
	if root == "" {
		return nil, fmt.Errorf("blob root directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob root: %w", err)
	}
	return &FileStore{root: root, baseURL: strings.TrimSuffix(baseURL, "/")}, nil
}

// Root returns the directory blobs are written to
func (s *FileStore) Root() string {
	return s.root
}

func (s *FileStore) Put(ctx context.Context, p string, data []byte, contentType string) (string, error) {
	ctx, span := otel.Tracer("cadence/blob").Start(ctx, "blob.put",
		trace.WithAttributes(otel.BlobPath(p)),
	)
	defer span.End()

	start := time.Now()
	err := s.write(ctx, p, data)
	metrics.ObserveProvider("blob", "put", time.Since(start).Seconds(), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", domain.NewProviderError("blob", "put", err)
	}
	span.SetStatus(codes.Ok, "")

	slog.Debug("blob: stored", "path", p, "bytes", len(data), "content_type", contentType)
	return s.URL(p), nil
}

func (s *FileStore) write(ctx context.Context, p string, data []byte) error {
	clean, err := cleanPath(p)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	dst := filepath.Join(s.root, filepath.FromSlash(clean))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	// write-then-rename so readers never see a partial file
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".blob-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to move blob into place: %w", err)
	}
	return nil
}

// URL returns the public URL of a stored path
func (s *FileStore) URL(p string) string {
	clean, err := cleanPath(p)
	if err != nil {
		return ""
	}
	segments := strings.Split(clean, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return s.baseURL + "/" + strings.Join(segments, "/")
}

func cleanPath(p string) (string, error) {
	clean := path.Clean("/" + strings.ReplaceAll(p, "\\", "/"))
	clean = strings.TrimPrefix(clean, "/")
	if clean == "" || clean == "." {
		return "", domain.NewValidationError("path", "blob path is empty")
	}
	return clean, nil
}
