package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/example/smart-assets/api-go/internal/blob"
	"github.com/example/smart-assets/api-go/internal/events"
	"github.com/example/smart-assets/api-go/internal/logging"
	"github.com/example/smart-assets/api-go/internal/model"
	"github.com/example/smart-assets/api-go/internal/pipeline"
)

// VideoStore is the read side of the job record store.
type VideoStore interface {
	FindByID(ctx context.Context, id string) (model.Video, error)
	FindByStatus(ctx context.Context, status model.VideoStatus) ([]model.Video, error)
}

// Uploader runs the upload pipeline.
type Uploader interface {
	Upload(ctx context.Context, originalName string, body io.Reader) (pipeline.Result, error)
}

type Server struct {
	Processed blob.LocalFS
	Videos    VideoStore
	Pipeline  Uploader
	Events    *events.Broadcaster
	Log       zerolog.Logger

	RoutePrefix    string        // e.g. "/api/videos"
	BaseURL        string        // optional, for absolute processed URLs
	MaxUploadBytes int64         // 0 means unlimited
	EventBuffer    int           // per-listener live channel buffer
	Keepalive      time.Duration // SSE comment / WebSocket ping interval
}

const uploadField = "video"

func (s Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.RequestLogger(s.Log))
	r.Use(cors)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/events", s.handleEvents)
	r.Get("/ws", s.handleWebSocket)

	prefix := "/" + strings.Trim(s.RoutePrefix, "/")
	if prefix == "/" {
		s.videoRoutes(r)
	} else {
		r.Route(prefix, s.videoRoutes)
		r.Get("/processed/{filename}", s.handleProcessed)
		r.Head("/processed/{filename}", s.handleProcessed)
	}

	return r
}

func (s Server) videoRoutes(r chi.Router) {
	r.Post("/upload", s.handleUpload)
	r.Get("/processed/{filename}", s.handleProcessed)
	r.Head("/processed/{filename}", s.handleProcessed)
	r.Get("/{id}", s.handleGetVideo)
	r.Get("/", s.handleListProcessed)
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Range")
		w.Header().Set("Access-Control-Allow-Methods", "GET,HEAD,POST,OPTIONS")
		w.Header().Set("Access-Control-Expose-Headers", "Content-Range, Accept-Ranges, Content-Length")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.MaxUploadBytes)
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		s.Log.Warn().Err(err).Msg("rejecting upload: bad multipart body")
		writeError(w, model.ErrInvalidUpload)
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile(uploadField)
	if err != nil {
		writeError(w, model.ErrInvalidUpload)
		return
	}
	defer file.Close()

	// processing outlives a client that hangs up mid-request
	ctx := context.WithoutCancel(r.Context())
	res, err := s.Pipeline.Upload(ctx, header.Filename, file)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := map[string]any{
		"message":         "Video uploaded and processed successfully!",
		"videoId":         res.Video.ID,
		"processedVideo":  res.Video.ProcessedPath,
		"detectedObjects": res.DetectedObjects,
	}
	if s.BaseURL != "" {
		resp["processedUrl"] = strings.TrimRight(s.BaseURL, "/") + res.Video.ProcessedPath
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s Server) handleGetVideo(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	video, err := s.Videos.FindByID(r.Context(), id)
	if err != nil {
		if !errors.Is(err, model.ErrNotFound) {
			s.Log.Error().Err(err).Str("video_id", id).Msg("error fetching video details")
			writeErr(w, http.StatusInternalServerError, "Error fetching video details.")
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, video)
}

func (s Server) handleListProcessed(w http.ResponseWriter, r *http.Request) {
	videos, err := s.Videos.FindByStatus(r.Context(), model.VideoProcessed)
	if err != nil {
		s.Log.Error().Err(err).Msg("error fetching processed videos")
		writeErr(w, http.StatusInternalServerError, "Error fetching processed videos.")
		return
	}
	writeJSON(w, http.StatusOK, videos)
}

// errorResponse maps pipeline and store errors onto a status code and the
// message shown to clients.
func errorResponse(err error) (int, string) {
	switch {
	case errors.Is(err, model.ErrInvalidUpload):
		return http.StatusBadRequest, "No file uploaded or invalid file."
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound, "Video not found."
	case errors.Is(err, model.ErrInvalidOutput):
		return http.StatusInternalServerError, "Invalid output from Python script."
	case errors.Is(err, model.ErrProcessingFailed):
		return http.StatusInternalServerError, "Video processing failed!"
	default:
		return http.StatusInternalServerError, "An error occurred during video processing."
	}
}

func writeError(w http.ResponseWriter, err error) {
	code, msg := errorResponse(err)
	writeErr(w, code, msg)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"error": msg})
}
