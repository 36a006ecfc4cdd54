// Package status answers "where is my file" queries. The persisted
// Submission is the source of truth; object storage is probed to confirm it
// and to hand out a download link.
package status

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dharsanguruparan/ConvertDrop/internal/cache"
	"github.com/dharsanguruparan/ConvertDrop/internal/model"
	"github.com/dharsanguruparan/ConvertDrop/internal/registry"
	"github.com/dharsanguruparan/ConvertDrop/internal/repository"
	"github.com/dharsanguruparan/ConvertDrop/internal/storage"
	"github.com/dharsanguruparan/ConvertDrop/internal/worker"
)

// StatusPending is reported for an upload with no record and no output yet.
const StatusPending = "Pending"

var (
	// ErrNotFound is returned when the upload or Submission does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidStatus is returned for a status filter that names no state.
	ErrInvalidStatus = errors.New("invalid status")
)

// FileStatus describes one uploaded file.
type FileStatus struct {
	FileName          string     `json:"fileName"`
	CorrelationID     string     `json:"correlationId,omitempty"`
	Status            string     `json:"status"`
	ProcessorType     string     `json:"processorType"`
	Processed         bool       `json:"processed"`
	ProcessedFileName string     `json:"processedFileName,omitempty"`
	ProcessedURL      string     `json:"processedUrl,omitempty"`
	ErrorMessage      string     `json:"errorMessage,omitempty"`
	DeadLettered      bool       `json:"deadLettered"`
	Consistent        bool       `json:"consistent"`
	UpdatedAt         *time.Time `json:"updatedAt,omitempty"`
}

// Timeline is a Submission and its events, oldest first.
type Timeline struct {
	Submission *model.Submission       `json:"submission"`
	Events     []model.ProcessingEvent `json:"events"`
}

// Options configures a Service.
type Options struct {
	UploadBucket    string
	ProcessedBucket string
	SignedURLTTL    time.Duration
}

// Service implements the status queries.
type Service struct {
	opts     Options
	registry *registry.Registry
	store    storage.ObjectStore
	signer   storage.URLSigner
	repo     repository.Repository
	urls     cache.Client
	log      zerolog.Logger
}

// New constructs a Service. A nil urls cache disables link caching.
func New(opts Options, reg *registry.Registry, store storage.ObjectStore, signer storage.URLSigner, repo repository.Repository, urls cache.Client, log zerolog.Logger) *Service {
	if opts.SignedURLTTL <= 0 {
		opts.SignedURLTTL = 15 * time.Minute
	}
	return &Service{
		opts:     opts,
		registry: reg,
		store:    store,
		signer:   signer,
		repo:     repo,
		urls:     urls,
		log:      log.With().Str("component", "status").Logger(),
	}
}

// ExpectedProcessedName is the processed object name for an upload.
func (s *Service) ExpectedProcessedName(fileName string) string {
	base := strings.TrimSuffix(fileName, filepath.Ext(fileName))
	return worker.ProcessedName(base + s.registry.ExpectedOutputExtension(fileName))
}

// GetStatus reports the state of the most recent submission of fileName.
func (s *Service) GetStatus(ctx context.Context, fileName string) (*FileStatus, error) {
	name := filepath.Base(fileName)
	uploaded, err := s.store.Exists(ctx, s.opts.UploadBucket, name)
	if err != nil {
		return nil, fmt.Errorf("probe upload: %w", err)
	}
	if !uploaded {
		return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
	}

	sub, err := s.repo.GetByFileName(ctx, name)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("load submission: %w", err)
	}

	st := &FileStatus{
		FileName:          name,
		ProcessorType:     s.registry.ProcessorType(name),
		ProcessedFileName: s.ExpectedProcessedName(name),
		Consistent:        true,
	}
	if sub != nil && sub.ProcessedFileName != nil {
		st.ProcessedFileName = *sub.ProcessedFileName
	}
	st.Processed, err = s.store.Exists(ctx, s.opts.ProcessedBucket, st.ProcessedFileName)
	if err != nil {
		return nil, fmt.Errorf("probe processed output: %w", err)
	}
	if st.Processed {
		if st.ProcessedURL, err = s.readURL(ctx, st.ProcessedFileName); err != nil {
			return nil, err
		}
	}

	if sub == nil {
		st.Status = StatusPending
		if st.Processed {
			st.Status = string(model.StatusProcessed)
		}
		return st, nil
	}

	st.CorrelationID = sub.CorrelationID
	st.Status = string(sub.Status)
	st.ProcessorType = sub.ProcessorType
	st.DeadLettered = sub.DeadLettered
	updated := sub.UpdatedAt
	st.UpdatedAt = &updated
	if sub.ErrorMessage != nil {
		st.ErrorMessage = *sub.ErrorMessage
	}
	if (sub.Status == model.StatusProcessed) != st.Processed {
		st.Consistent = false
		s.log.Warn().
			Str("correlation_id", sub.CorrelationID).
			Str("status", st.Status).
			Bool("output_exists", st.Processed).
			Msg("submission record and processed output disagree")
	}
	if !st.Processed {
		st.ProcessedFileName = ""
	}
	return st, nil
}

// readURL returns a signed link, reusing a cached one for up to half of its
// lifetime.
func (s *Service) readURL(ctx context.Context, name string) (string, error) {
	key := "url:" + storage.Locator(s.opts.ProcessedBucket, name)
	if s.urls != nil {
		cached, err := s.urls.Get(ctx, key)
		switch {
		case err == nil:
			return string(cached), nil
		case !errors.Is(err, cache.ErrCacheMiss):
			s.log.Warn().Err(err).Str("key", key).Msg("url cache read failed")
		}
	}
	url, err := s.signer.GenerateReadURL(ctx, s.opts.ProcessedBucket, name, s.opts.SignedURLTTL)
	if err != nil {
		return "", fmt.Errorf("sign %s: %w", name, err)
	}
	if s.urls != nil {
		if err := s.urls.Set(ctx, key, []byte(url), s.opts.SignedURLTTL/2); err != nil {
			s.log.Warn().Err(err).Str("key", key).Msg("url cache write failed")
		}
	}
	return url, nil
}

// GetStatusByCorrelationID returns a Submission with its event history.
func (s *Service) GetStatusByCorrelationID(ctx context.Context, correlationID string) (*Timeline, error) {
	sub, err := s.repo.GetByCorrelationID(ctx, correlationID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", correlationID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load submission: %w", err)
	}
	events, err := s.repo.ListEvents(ctx, correlationID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	if events == nil {
		events = []model.ProcessingEvent{}
	}
	return &Timeline{Submission: sub, Events: events}, nil
}

// Recent lists the newest submissions.
func (s *Service) Recent(ctx context.Context, limit int) ([]model.Submission, error) {
	return s.repo.ListRecent(ctx, limit)
}

// ByStatus lists the newest submissions in the given state.
func (s *Service) ByStatus(ctx context.Context, st model.Status, limit int) ([]model.Submission, error) {
	if !st.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, st)
	}
	return s.repo.ListByStatus(ctx, st, limit)
}
