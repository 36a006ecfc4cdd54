// Package intake accepts uploaded files, stores them and queues them for
// processing.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dharsanguruparan/ConvertDrop/internal/failure"
	"github.com/dharsanguruparan/ConvertDrop/internal/model"
	"github.com/dharsanguruparan/ConvertDrop/internal/queue"
	"github.com/dharsanguruparan/ConvertDrop/internal/registry"
	"github.com/dharsanguruparan/ConvertDrop/internal/repository"
	"github.com/dharsanguruparan/ConvertDrop/internal/storage"
)

// DefaultMaxFileSize is the upload ceiling when none is configured.
const DefaultMaxFileSize int64 = 50 << 20

// Client errors. Everything else Submit returns is an internal failure.
var (
	ErrUnsupportedType = errors.New("unsupported file type")
	ErrFileTooLarge    = errors.New("file exceeds size limit")
	ErrEmptyFile       = errors.New("empty file")
	ErrMissingName     = errors.New("file name is required")
	ErrUnreadableBody  = errors.New("upload body could not be read")
)

// ClientError reports whether err was caused by the submitted input.
func ClientError(err error) bool {
	return errors.Is(err, ErrUnsupportedType) || errors.Is(err, ErrFileTooLarge) ||
		errors.Is(err, ErrEmptyFile) || errors.Is(err, ErrMissingName) ||
		errors.Is(err, ErrUnreadableBody)
}

// Options configures a Service.
type Options struct {
	UploadBucket string
	RequestQueue string
	MaxFileSize  int64
	// TempDir holds uploads while they are measured. Empty means os.TempDir.
	TempDir string
}

// Receipt is returned to the submitter.
type Receipt struct {
	CorrelationID  string       `json:"correlationId"`
	FileName       string       `json:"fileName"`
	FileSize       int64        `json:"fileSize"`
	StoredLocation string       `json:"storedLocation"`
	Status         model.Status `json:"status"`
	ProcessorType  string       `json:"processorType"`
}

// Service implements submission intake.
type Service struct {
	opts      Options
	registry  *registry.Registry
	store     storage.ObjectStore
	repo      repository.Repository
	publisher queue.Publisher
	log       zerolog.Logger
	now       func() time.Time
}

// New constructs a Service.
func New(opts Options, reg *registry.Registry, store storage.ObjectStore, repo repository.Repository, publisher queue.Publisher, log zerolog.Logger) *Service {
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = DefaultMaxFileSize
	}
	return &Service{
		opts:      opts,
		registry:  reg,
		store:     store,
		repo:      repo,
		publisher: publisher,
		log:       log.With().Str("component", "intake").Logger(),
		now:       time.Now,
	}
}

// MaxFileSize is the configured upload ceiling in bytes.
func (s *Service) MaxFileSize() int64 { return s.opts.MaxFileSize }

// Submit validates, stores and queues one file. The stored object is written
// before the request is published.
func (s *Service) Submit(ctx context.Context, body io.Reader, fileName, contentType string) (*Receipt, error) {
	name := filepath.Base(strings.TrimSpace(fileName))
	if name == "" || name == "." || name == string(filepath.Separator) {
		return nil, ErrMissingName
	}
	if !s.registry.IsSupported(name) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, registry.Extension(name))
	}

	tmp, err := s.spool(body)
	if err != nil {
		return nil, err
	}
	defer tmp.discard()
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(tmp.sniff)
	}

	location, err := s.store.Upload(ctx, s.opts.UploadBucket, name, tmp.f, tmp.size, contentType)
	if err != nil {
		return nil, fmt.Errorf("store upload: %w", err)
	}

	correlationID := uuid.NewString()
	log := s.log.With().Str("correlation_id", correlationID).Str("file", name).Logger()
	sub := &model.Submission{
		CorrelationID:    correlationID,
		OriginalFileName: name,
		ContentType:      contentType,
		FileSize:         tmp.size,
		ProcessorType:    s.registry.ProcessorType(name),
		Status:           model.StatusQueued,
		CreatedAt:        s.now().UTC(),
	}
	if err := s.repo.Create(ctx, sub); err != nil {
		return nil, fmt.Errorf("record submission: %w", err)
	}
	failure.BestEffort(log, "log FileQueued", func() error {
		return s.repo.LogEvent(ctx, model.NewEvent(correlationID, model.EventFileQueued,
			fmt.Sprintf("File %s queued for %s", name, sub.ProcessorType), model.LevelInfo,
			map[string]any{"fileSize": tmp.size, "contentType": contentType, "location": location}))
	})

	req := model.ProcessingRequest{
		CorrelationID: correlationID,
		SourceLocator: name,
		FileName:      name,
		ContentType:   contentType,
		FileSize:      tmp.size,
		CreatedAt:     sub.CreatedAt,
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode processing request: %w", err)
	}
	if err := s.publisher.Publish(ctx, s.opts.RequestQueue, payload, correlationID); err != nil {
		// The stored upload stays behind; only the record is settled.
		failure.BestEffort(log, "mark unpublished submission failed", func() error {
			return s.repo.MarkFailed(context.WithoutCancel(ctx), correlationID, "failed to enqueue processing request", false)
		})
		return nil, fmt.Errorf("publish processing request: %w", err)
	}

	log.Info().Int64("size", tmp.size).Str("processor", sub.ProcessorType).Msg("file queued")
	return &Receipt{
		CorrelationID:  correlationID,
		FileName:       name,
		FileSize:       tmp.size,
		StoredLocation: location,
		Status:         model.StatusQueued,
		ProcessorType:  sub.ProcessorType,
	}, nil
}

type spooled struct {
	f     *os.File
	size  int64
	sniff []byte
}

func (t *spooled) discard() {
	t.f.Close()
	os.Remove(t.f.Name())
}

// spool copies body to a temp file, failing as soon as the size limit is
// crossed, and leaves the file rewound.
func (s *Service) spool(body io.Reader) (*spooled, error) {
	f, err := os.CreateTemp(s.opts.TempDir, "convertdrop-upload-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	tmp := &spooled{f: f}
	buf := make([]byte, 32*1024)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			tmp.size += int64(n)
			if tmp.size > s.opts.MaxFileSize {
				tmp.discard()
				return nil, fmt.Errorf("%w (%d bytes)", ErrFileTooLarge, s.opts.MaxFileSize)
			}
			if len(tmp.sniff) < 512 {
				tmp.sniff = append(tmp.sniff, buf[:min(n, 512-len(tmp.sniff))]...)
			}
			if _, err := f.Write(buf[:n]); err != nil {
				tmp.discard()
				return nil, fmt.Errorf("write temp file: %w", err)
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			tmp.discard()
			var maxErr *http.MaxBytesError
			if errors.As(readErr, &maxErr) {
				return nil, fmt.Errorf("%w (%d bytes)", ErrFileTooLarge, s.opts.MaxFileSize)
			}
			return nil, fmt.Errorf("%w: %v", ErrUnreadableBody, readErr)
		}
	}
	if tmp.size == 0 {
		tmp.discard()
		return nil, ErrEmptyFile
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		tmp.discard()
		return nil, fmt.Errorf("rewind temp file: %w", err)
	}
	return tmp, nil
}
