// Package multimodal turns file attachments into inline message parts.
package multimodal

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"pmchat/internal/domain"
)

// Encoder defaults.
const (
	DefaultMaxSizeBytes  = 20 << 20 // 20MB
	DefaultMaxConcurrent = 4
)

// File is an attachment waiting to be encoded.
type File interface {
	Name() string
	// MediaType may be empty; the encoder then infers it.
	MediaType() string
	Open() (io.ReadCloser, error)
}

type pathFile struct {
	path      string
	mediaType string
}

// PathFile returns a File backed by a path on disk.
func PathFile(path, mediaType string) File {
	return pathFile{path: path, mediaType: mediaType}
}

func (f pathFile) Name() string                 { return filepath.Base(f.path) }
func (f pathFile) MediaType() string            { return f.mediaType }
func (f pathFile) Open() (io.ReadCloser, error) { return os.Open(f.path) }

type memoryFile struct {
	name      string
	mediaType string
	data      []byte
}

// MemoryFile returns a File over an in-memory payload.
func MemoryFile(name, mediaType string, data []byte) File {
	return memoryFile{name: name, mediaType: mediaType, data: data}
}

func (f memoryFile) Name() string      { return f.name }
func (f memoryFile) MediaType() string { return f.mediaType }
func (f memoryFile) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(f.data)), nil
}

// EncoderConfig configures an Encoder.
type EncoderConfig struct {
	MaxSizeBytes  int64 // per file, default 20MB
	MaxConcurrent int   // files read in parallel, default 4
	Logger        *slog.Logger
}

// Encoder reads attachments and produces inline-file parts.
type Encoder struct {
	maxSizeBytes  int64
	maxConcurrent int
	logger        *slog.Logger
}

// NewEncoder creates an Encoder.
func NewEncoder(cfg EncoderConfig) *Encoder {
	if cfg.MaxSizeBytes <= 0 {
		cfg.MaxSizeBytes = DefaultMaxSizeBytes
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Encoder{
		maxSizeBytes:  cfg.MaxSizeBytes,
		maxConcurrent: cfg.MaxConcurrent,
		logger:        cfg.Logger,
	}
}

// Encode returns one PartFile per input file, in input order. If any file
// fails, no parts are returned and the error is an *domain.EncodingError
// naming the first failure.
func (e *Encoder) Encode(ctx context.Context, files []File) ([]domain.Part, error) {
	parts := make([]domain.Part, len(files))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.maxConcurrent)
	for i, f := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return &domain.EncodingError{File: f.Name(), Err: err}
			}
			part, err := e.encodeOne(f)
			if err != nil {
				return &domain.EncodingError{File: f.Name(), Err: err}
			}
			parts[i] = part
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	e.logger.Debug("attachments encoded", "count", len(parts))
	return parts, nil
}

func (e *Encoder) encodeOne(f File) (domain.Part, error) {
	rc, err := f.Open()
	if err != nil {
		return domain.Part{}, fmt.Errorf("open: %w", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, e.maxSizeBytes+1))
	if err != nil {
		return domain.Part{}, fmt.Errorf("read: %w", err)
	}
	if int64(len(data)) > e.maxSizeBytes {
		return domain.Part{}, fmt.Errorf("file too large: more than %d bytes", e.maxSizeBytes)
	}

	return domain.FilePart(DetectMediaType(f.Name(), f.MediaType(), data), f.Name(), data), nil
}

// DetectMediaType resolves a media type from the declared value, then the
// file extension, then the content itself. Parameters such as charset are
// dropped.
func DetectMediaType(name, declared string, data []byte) string {
	candidates := []string{declared, mime.TypeByExtension(filepath.Ext(name))}
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if mt, _, err := mime.ParseMediaType(c); err == nil {
			return mt
		}
	}
	mt, _, _ := mime.ParseMediaType(http.DetectContentType(data))
	return mt
}
