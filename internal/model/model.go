package model

import (
	"errors"
	"time"
)

type VideoStatus string

const (
	VideoUploaded         VideoStatus = "uploaded"
	VideoProcessed        VideoStatus = "processed"
	VideoProcessingFailed VideoStatus = "processing_failed"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidUpload     = errors.New("invalid upload")
	ErrProcessingFailed  = errors.New("processing failed")
	ErrInvalidOutput     = errors.New("invalid output")
	ErrInternal          = errors.New("internal error")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Video is the job record for one uploaded video.
//
// - UploadPath is the absolute path of the raw upload and never changes.
// - ProcessedPath, ProcessedAt and DetectedObjects only carry meaning once
//   Status is VideoProcessed. DetectedObjects are the detector's descriptors
//   as emitted (labels or JSON objects).
type Video struct {
	ID              string      `json:"id"`
	Filename        string      `json:"filename"`
	UploadPath      string      `json:"uploadPath"`
	Status          VideoStatus `json:"status"`
	ProcessedPath   string      `json:"processedPath,omitempty"`
	ProcessedAt     *time.Time  `json:"processedAt,omitempty"`
	DetectedObjects []any       `json:"detectedObjects"`
	CreatedAt       time.Time   `json:"createdAt"`
	UpdatedAt       time.Time   `json:"updatedAt"`
}

func (s VideoStatus) Valid() bool {
	switch s {
	case VideoUploaded, VideoProcessed, VideoProcessingFailed:
		return true
	}
	return false
}

func (s VideoStatus) Terminal() bool {
	return s == VideoProcessed || s == VideoProcessingFailed
}

// CanTransition reports whether a record in status from may be saved with status to.
// Saving a record with its current status is always allowed.
func CanTransition(from, to VideoStatus) bool {
	if from == to {
		return true
	}
	return from == VideoUploaded && to.Terminal()
}

// AllowedPrevious lists the statuses a record may hold before being saved as to.
func AllowedPrevious(to VideoStatus) []VideoStatus {
	if to.Terminal() {
		return []VideoStatus{VideoUploaded, to}
	}
	return []VideoStatus{to}
}
