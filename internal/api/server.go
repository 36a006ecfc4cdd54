// Package api serves the HTTP surface: uploads, status queries, listings
// and, in memory mode, signed downloads.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/dharsanguruparan/ConvertDrop/internal/intake"
	"github.com/dharsanguruparan/ConvertDrop/internal/model"
	"github.com/dharsanguruparan/ConvertDrop/internal/registry"
	"github.com/dharsanguruparan/ConvertDrop/internal/signing"
	"github.com/dharsanguruparan/ConvertDrop/internal/status"
	"github.com/dharsanguruparan/ConvertDrop/internal/storage"
)

// multipartOverhead allows for boundaries and part headers around the file.
const multipartOverhead = 1 << 20

// ObjectReader serves downloads for stores without native signed URLs.
type ObjectReader interface {
	Get(ctx context.Context, bucket, name string) (storage.Object, error)
}

// Server exposes the HTTP endpoints.
type Server struct {
	addr    string
	intake  *intake.Service
	status  *status.Service
	objects ObjectReader
	signer  *signing.Signer
	log     zerolog.Logger
	server  *http.Server
	once    sync.Once
}

// New constructs a Server.
func New(addr string, in *intake.Service, st *status.Service, log zerolog.Logger) *Server {
	return &Server{
		addr:   addr,
		intake: in,
		status: st,
		log:    log.With().Str("component", "api").Logger(),
	}
}

// WithDownloads enables GET /download for objects held by objects and links
// signed by signer.
func (s *Server) WithDownloads(objects ObjectReader, signer *signing.Signer) *Server {
	s.objects = objects
	s.signer = signer
	return s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(s.log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	r.Get("/healthz", s.handleHealth)
	r.Post("/upload", s.handleUpload)
	r.Get("/files/{fileName}/status", s.handleFileStatus)
	r.Get("/status/{correlationId}", s.handleTimeline)
	r.Get("/submissions", s.handleSubmissions)
	r.Get("/download", s.handleDownload)
	return r
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.once.Do(func() {
		s.server = &http.Server{
			Addr:              s.addr,
			Handler:           s.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
	})
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()
	s.log.Info().Str("addr", s.addr).Msg("api listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type uploadResponse struct {
	*intake.Receipt
	Message string `json:"message"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.intake.MaxFileSize()+multipartOverhead)
	mr, err := r.MultipartReader()
	if err != nil {
		respondError(w, http.StatusBadRequest, "Expecting a multipart/form-data upload.")
		return
	}
	part, err := nextFilePart(mr)
	if err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			respondError(w, http.StatusBadRequest, "No file provided.")
		case errors.As(err, &maxErr):
			respondError(w, http.StatusBadRequest, tooLargeMessage(s.intake.MaxFileSize()))
		default:
			respondError(w, http.StatusBadRequest, "Malformed multipart body.")
		}
		return
	}
	defer part.Close()

	rec, err := s.intake.Submit(r.Context(), part, part.FileName(), part.Header.Get("Content-Type"))
	switch {
	case errors.Is(err, intake.ErrUnsupportedType):
		respondError(w, http.StatusBadRequest, fmt.Sprintf("File type '%s' is not supported.", registry.Extension(part.FileName())))
		return
	case errors.Is(err, intake.ErrFileTooLarge):
		respondError(w, http.StatusBadRequest, tooLargeMessage(s.intake.MaxFileSize()))
		return
	case intake.ClientError(err):
		respondError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.log.Error().Err(err).Str("request_id", middleware.GetReqID(r.Context())).Msg("upload failed")
		respondError(w, http.StatusInternalServerError, "An error occurred while processing the upload.")
		return
	}
	respondJSON(w, http.StatusAccepted, uploadResponse{
		Receipt: rec,
		Message: "File uploaded successfully and queued for processing.",
	})
}

func (s *Server) handleFileStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.status.GetStatus(r.Context(), chi.URLParam(r, "fileName"))
	if errors.Is(err, status.ErrNotFound) {
		respondJSON(w, http.StatusNotFound, map[string]string{"status": "MissingBlob"})
		return
	}
	if err != nil {
		s.log.Error().Err(err).Msg("status query failed")
		respondError(w, http.StatusInternalServerError, "An error occurred while checking file status.")
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	tl, err := s.status.GetStatusByCorrelationID(r.Context(), chi.URLParam(r, "correlationId"))
	if errors.Is(err, status.ErrNotFound) {
		respondError(w, http.StatusNotFound, "Submission not found.")
		return
	}
	if err != nil {
		s.log.Error().Err(err).Msg("timeline query failed")
		respondError(w, http.StatusInternalServerError, "An error occurred while loading the submission.")
		return
	}
	respondJSON(w, http.StatusOK, tl)
}

func (s *Server) handleSubmissions(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	var (
		subs []model.Submission
		err  error
	)
	if filter := r.URL.Query().Get("status"); filter != "" {
		subs, err = s.status.ByStatus(r.Context(), model.Status(filter), limit)
	} else {
		subs, err = s.status.Recent(r.Context(), limit)
	}
	if errors.Is(err, status.ErrInvalidStatus) {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.log.Error().Err(err).Msg("listing failed")
		respondError(w, http.StatusInternalServerError, "An error occurred while listing submissions.")
		return
	}
	if subs == nil {
		subs = []model.Submission{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"items": subs})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	if s.objects == nil || s.signer == nil {
		http.NotFound(w, r)
		return
	}
	q := r.URL.Query()
	bucket, name := q.Get("bucket"), q.Get("name")
	if !s.signer.Validate(bucket, name, q.Get("expires"), q.Get("signature")) {
		respondError(w, http.StatusForbidden, "Invalid or expired link.")
		return
	}
	obj, err := s.objects.Get(r.Context(), bucket, name)
	if errors.Is(err, storage.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		s.log.Error().Err(err).Msg("download failed")
		respondError(w, http.StatusInternalServerError, "An error occurred while reading the file.")
		return
	}
	if obj.ContentType != "" {
		w.Header().Set("Content-Type", obj.ContentType)
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.Header().Set("Content-Length", strconv.Itoa(len(obj.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(obj.Data)
}

func nextFilePart(mr *multipart.Reader) (*multipart.Part, error) {
	for {
		part, err := mr.NextPart()
		if err != nil {
			return nil, err
		}
		if part.FileName() != "" {
			return part, nil
		}
		part.Close()
	}
}

func tooLargeMessage(limit int64) string {
	return fmt.Sprintf("File exceeds the maximum size of %d bytes.", limit)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Info().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Msg("http request")
		})
	}
}
