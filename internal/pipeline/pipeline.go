package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/smart-assets/api-go/internal/blob"
	"github.com/example/smart-assets/api-go/internal/detect"
	"github.com/example/smart-assets/api-go/internal/events"
	"github.com/example/smart-assets/api-go/internal/model"
)

const (
	MsgStarted       = "Processing started."
	MsgCompleted     = "Processing completed!"
	MsgFailed        = "Processing failed."
	MsgInvalidOutput = "Processing failed: Invalid output."
	MsgInternal      = "An error occurred during processing."
)

// Records is the job record store the pipeline writes to.
type Records interface {
	Create(ctx context.Context, v model.Video) (string, error)
	Save(ctx context.Context, v model.Video) error
}

// Result is returned for a successfully processed upload.
type Result struct {
	Video           model.Video
	DetectedObjects []any
}

// Service runs one upload through storage, detection and status updates.
type Service struct {
	Uploads   blob.LocalFS
	Processed blob.LocalFS
	Records   Records
	Detector  detect.Detector
	Events    events.Publisher
	Log       zerolog.Logger

	// VerifyOutput fails the upload with model.ErrInvalidOutput when the
	// detector exits cleanly without writing the processed file.
	VerifyOutput bool

	Now func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// PublicPath is the URL path a processed file is served from.
func PublicPath(filename string) string {
	return path.Join("/processed", filename)
}

// Upload stores body, creates its record, runs detection and moves the
// record to a terminal status. Failures wrap model.ErrInvalidUpload,
// model.ErrProcessingFailed, model.ErrInvalidOutput or model.ErrInternal.
func (s *Service) Upload(ctx context.Context, originalName string, body io.Reader) (res Result, err error) {
	if body == nil || strings.TrimSpace(originalName) == "" {
		return Result{}, fmt.Errorf("%w: no file uploaded", model.ErrInvalidUpload)
	}

	var (
		video    model.Video
		created  bool
		terminal bool // a progress:100 event went out
	)
	defer func() {
		r := recover()
		if r == nil && (err == nil || isClassified(err)) {
			return
		}
		cause := err
		if r != nil {
			cause = fmt.Errorf("panic: %v", r)
		}
		s.Log.Error().Err(cause).Str("video_id", video.ID).Msg("upload pipeline error")
		if !terminal {
			s.publish(events.Event{Progress: 100, Message: MsgInternal, VideoID: video.ID})
			if created {
				s.markFailed(video)
			}
		}
		res = Result{}
		err = fmt.Errorf("%w: %v", model.ErrInternal, cause)
	}()

	filename, err := s.Uploads.PutUnique(originalName, body, s.now())
	if err != nil {
		return Result{}, fmt.Errorf("store upload: %w", err)
	}
	uploadPath, err := s.Uploads.Abs(filename)
	if err != nil {
		return Result{}, fmt.Errorf("resolve upload: %w", err)
	}

	video = model.Video{
		Filename:        filename,
		UploadPath:      filepath.ToSlash(uploadPath),
		Status:          model.VideoUploaded,
		DetectedObjects: []any{},
	}
	id, err := s.Records.Create(ctx, video)
	if err != nil {
		return Result{}, fmt.Errorf("create record: %w", err)
	}
	video.ID = id
	created = true

	log := s.Log.With().Str("video_id", id).Str("filename", filename).Logger()
	log.Info().Str("upload_path", video.UploadPath).Msg("video uploaded")
	s.publish(events.Event{Progress: 0, Message: MsgStarted, VideoID: id})

	out, detectErr := s.Detector.Detect(ctx, uploadPath, func(u detect.Update) {
		s.publish(events.Event{Progress: u.Progress, Message: u.Message, VideoID: id})
	})
	if detectErr != nil {
		log.Error().Err(detectErr).Msg("video processing failed")
		s.publish(events.Event{Progress: 100, Message: MsgFailed, VideoID: id})
		terminal = true
		if err := s.saveFailed(ctx, video); err != nil {
			return Result{}, err
		}
		return Result{}, fmt.Errorf("%w: %w", model.ErrProcessingFailed, detectErr)
	}

	if s.VerifyOutput && !s.Processed.Exists(filename) {
		log.Error().Msg("detector finished without writing processed video")
		s.publish(events.Event{Progress: 100, Message: MsgInvalidOutput, VideoID: id})
		terminal = true
		if err := s.saveFailed(ctx, video); err != nil {
			return Result{}, err
		}
		return Result{}, fmt.Errorf("%w: processed file %s missing", model.ErrInvalidOutput, filename)
	}

	objects := out.DetectedObjects
	if objects == nil {
		objects = []any{}
	}
	processedAt := s.now().UTC()
	video.Status = model.VideoProcessed
	video.ProcessedPath = PublicPath(filename)
	video.ProcessedAt = &processedAt
	video.DetectedObjects = objects
	if err := s.Records.Save(ctx, video); err != nil {
		return Result{}, fmt.Errorf("save processed record: %w", err)
	}

	s.publish(events.Event{Progress: 100, Message: MsgCompleted, VideoID: id})
	terminal = true
	log.Info().Int("detected_objects", len(objects)).Msg("video processed")
	return Result{Video: video, DetectedObjects: objects}, nil
}

func (s *Service) publish(ev events.Event) {
	if s.Events != nil {
		s.Events.Publish(ev)
	}
}

// saveFailed records processing_failed. A store failure here is unexpected
// and surfaces as an internal error.
func (s *Service) saveFailed(ctx context.Context, v model.Video) error {
	v.Status = model.VideoProcessingFailed
	v.ProcessedPath = ""
	v.ProcessedAt = nil
	v.DetectedObjects = []any{}
	if err := s.Records.Save(ctx, v); err != nil {
		return fmt.Errorf("save failed record: %w", err)
	}
	return nil
}

// markFailed is the best-effort update on the internal error path; it never
// panics or returns an error.
func (s *Service) markFailed(v model.Video) {
	defer func() {
		if r := recover(); r != nil {
			s.Log.Error().Interface("panic", r).Str("video_id", v.ID).Msg("marking video failed panicked")
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.saveFailed(ctx, v); err != nil {
		s.Log.Error().Err(err).Str("video_id", v.ID).Msg("could not mark video processing_failed")
	}
}

func isClassified(err error) bool {
	return errors.Is(err, model.ErrInvalidUpload) ||
		errors.Is(err, model.ErrProcessingFailed) ||
		errors.Is(err, model.ErrInvalidOutput)
}
