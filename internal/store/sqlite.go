package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/example/smart-assets/api-go/internal/model"
)

type SQLite struct {
	db *sql.DB
}

func Open(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// single connection: concurrent uploads queue on it and ":memory:" stays one database
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS videos (
  id TEXT PRIMARY KEY,
  filename TEXT NOT NULL,
  upload_path TEXT NOT NULL,
  status TEXT NOT NULL,
  processed_path TEXT,
  processed_at INTEGER,
  detected_objects TEXT NOT NULL DEFAULT '[]',
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
`); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS videos_status ON videos (status)`); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

// Create inserts a new record and returns its id. An empty ID is replaced by
// a fresh UUID and an empty status defaults to uploaded.
func (s *SQLite) Create(ctx context.Context, v model.Video) (string, error) {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.Status == "" {
		v.Status = model.VideoUploaded
	}
	if !v.Status.Valid() {
		return "", fmt.Errorf("create video: unknown status %q", v.Status)
	}
	now := time.Now().UTC()
	if v.CreatedAt.IsZero() {
		v.CreatedAt = now
	}
	if v.UpdatedAt.IsZero() {
		v.UpdatedAt = v.CreatedAt
	}
	objects, err := encodeObjects(v.DetectedObjects)
	if err != nil {
		return "", err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO videos (id, filename, upload_path, status, processed_path, processed_at, detected_objects, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID,
		v.Filename,
		v.UploadPath,
		string(v.Status),
		nullableString(v.ProcessedPath),
		nullableTime(v.ProcessedAt),
		objects,
		v.CreatedAt.UnixMilli(),
		v.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return "", err
	}
	return v.ID, nil
}

// Save writes the mutable fields of v. The upload path, filename and creation
// time are never rewritten. A save that would move a terminal record to a
// different status fails with model.ErrInvalidTransition.
func (s *SQLite) Save(ctx context.Context, v model.Video) error {
	if !v.Status.Valid() {
		return fmt.Errorf("save video: unknown status %q", v.Status)
	}
	objects, err := encodeObjects(v.DetectedObjects)
	if err != nil {
		return err
	}

	prev := model.AllowedPrevious(v.Status)
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(prev)), ",")
	args := []any{
		time.Now().UnixMilli(),
		string(v.Status),
		nullableString(v.ProcessedPath),
		nullableTime(v.ProcessedAt),
		objects,
		v.ID,
	}
	for _, st := range prev {
		args = append(args, string(st))
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE videos
         SET updated_at = ?,
             status = ?,
             processed_path = ?,
             processed_at = ?,
             detected_objects = ?
         WHERE id = ? AND status IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	current, err := s.FindByID(ctx, v.ID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, current.Status, v.Status)
}

const selectVideo = `SELECT id, filename, upload_path, status, processed_path, processed_at, detected_objects, created_at, updated_at
       FROM videos`

func (s *SQLite) FindByID(ctx context.Context, id string) (model.Video, error) {
	row := s.db.QueryRowContext(ctx, selectVideo+` WHERE id = ?`, id)
	v, err := scanVideo(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Video{}, model.ErrNotFound
	}
	return v, err
}

// FindByStatus returns all records in status, most recently processed (then
// created) first.
func (s *SQLite) FindByStatus(ctx context.Context, status model.VideoStatus) ([]model.Video, error) {
	rows, err := s.db.QueryContext(ctx,
		selectVideo+` WHERE status = ? ORDER BY COALESCE(processed_at, created_at) DESC, created_at DESC`,
		string(status),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.Video{}
	for rows.Next() {
		v, err := scanVideo(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVideo(row rowScanner) (model.Video, error) {
	var (
		id, filename, uploadPath, statusStr, objects string
		createdMs, updatedMs                          int64
		processedPath                                 sql.NullString
		processedMs                                   sql.NullInt64
	)
	if err := row.Scan(&id, &filename, &uploadPath, &statusStr, &processedPath, &processedMs, &objects, &createdMs, &updatedMs); err != nil {
		return model.Video{}, err
	}
	v := model.Video{
		ID:              id,
		Filename:        filename,
		UploadPath:      uploadPath,
		Status:          model.VideoStatus(statusStr),
		CreatedAt:       time.UnixMilli(createdMs).UTC(),
		UpdatedAt:       time.UnixMilli(updatedMs).UTC(),
		DetectedObjects: []any{},
	}
	if processedPath.Valid {
		v.ProcessedPath = processedPath.String
	}
	if processedMs.Valid {
		at := time.UnixMilli(processedMs.Int64).UTC()
		v.ProcessedAt = &at
	}
	if err := json.Unmarshal([]byte(objects), &v.DetectedObjects); err != nil {
		return model.Video{}, fmt.Errorf("decode detected objects for %s: %w", id, err)
	}
	if v.DetectedObjects == nil {
		v.DetectedObjects = []any{}
	}
	return v, nil
}

func encodeObjects(objects []any) (string, error) {
	if objects == nil {
		objects = []any{}
	}
	raw, err := json.Marshal(objects)
	if err != nil {
		return "", fmt.Errorf("encode detected objects: %w", err)
	}
	return string(raw), nil
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableTime(v *time.Time) any {
	if v == nil {
		return nil
	}
	return v.UnixMilli()
}
