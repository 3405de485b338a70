package pgshipping

import (
	"context"
	"time"

	"github.com/lentmiien/dhl-server-app/internal/models"
	"github.com/pkg/errors"
)

func (s *Storage) CreateUpload(ctx context.Context, uploadedBy uint64, filename string, totalRows int) (*models.Upload, error) {
	now := time.Now().UTC()

	var id uint64
	err := s.db.QueryRow(ctx, `
INSERT INTO uploads (uploaded_by, filename, total_rows, processed_rows, failed_rows, status, created_at, updated_at)
VALUES ($1,$2,$3,0,0,$4,$5,$5)
RETURNING id
`, uploadedBy, filename, totalRows, models.UploadStatusProcessing, now).Scan(&id)
	if err != nil {
		return nil, errors.Wrap(err, "insert upload")
	}

	return s.GetUpload(ctx, id)
}

func (s *Storage) GetUpload(ctx context.Context, id uint64) (*models.Upload, error) {
	var u models.Upload
	err := s.db.QueryRow(ctx, `
SELECT id, uploaded_by, filename, total_rows, processed_rows, failed_rows, status, created_at, updated_at
FROM uploads
WHERE id = $1
`, id).Scan(
		&u.ID, &u.UploadedBy, &u.Filename, &u.TotalRows, &u.ProcessedRows, &u.FailedRows,
		&u.Status, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return nil, errors.Wrap(err, "select upload")
	}
	return &u, nil
}

func (s *Storage) ListUploads(ctx context.Context, uploadedBy uint64, status string) ([]*models.Upload, error) {
	rows, err := s.db.Query(ctx, `
SELECT id, uploaded_by, filename, total_rows, processed_rows, failed_rows, status, created_at, updated_at
FROM uploads
WHERE uploaded_by = $1
  AND ($2 = '' OR status = $2)
ORDER BY created_at DESC
`, uploadedBy, status)
	if err != nil {
		return nil, errors.Wrap(err, "select uploads")
	}
	defer rows.Close()

	var out []*models.Upload
	for rows.Next() {
		var u models.Upload
		if err := rows.Scan(
			&u.ID, &u.UploadedBy, &u.Filename, &u.TotalRows, &u.ProcessedRows, &u.FailedRows,
			&u.Status, &u.CreatedAt, &u.UpdatedAt,
		); err != nil {
			return nil, errors.Wrap(err, "scan upload")
		}
		out = append(out, &u)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func (s *Storage) UpdateUploadStatus(ctx context.Context, id uint64, status string, processedRows, failedRows int) error {
	_, err := s.db.Exec(ctx, `
UPDATE uploads
SET status = $2, processed_rows = $3, failed_rows = $4, updated_at = now()
WHERE id = $1
`, id, status, processedRows, failedRows)
	return errors.Wrap(err, "update upload status")
}
