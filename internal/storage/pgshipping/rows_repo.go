package pgshipping

import (
	"context"
	"time"

	"github.com/lentmiien/dhl-server-app/internal/models"
	"github.com/pkg/errors"
)

const rowColumns = `
  id, upload_id, row_number, raw_json,
  recipient_name, street, city, postal_code, country, phone, weight,
  status, error_msg, created_at, updated_at`

func (s *Storage) CreateRow(ctx context.Context, row *models.UploadRow) (*models.UploadRow, error) {
	now := time.Now().UTC()

	var id uint64
	err := s.db.QueryRow(ctx, `
INSERT INTO upload_rows (
  upload_id, row_number, raw_json,
  recipient_name, street, city, postal_code, country, phone, weight,
  status, error_msg, created_at, updated_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$13)
RETURNING id
`, row.UploadID, row.RowNumber, row.RawJSON,
		row.RecipientName, row.Street, row.City, row.PostalCode, row.Country, row.Phone, row.Weight,
		row.Status, row.ErrorMsg, now).Scan(&id)
	if err != nil {
		return nil, errors.Wrap(err, "insert upload row")
	}

	return s.GetRow(ctx, id)
}

func (s *Storage) GetRow(ctx context.Context, id uint64) (*models.UploadRow, error) {
	var r models.UploadRow
	err := s.db.QueryRow(ctx, `SELECT`+rowColumns+` FROM upload_rows WHERE id = $1`, id).Scan(
		&r.ID, &r.UploadID, &r.RowNumber, &r.RawJSON,
		&r.RecipientName, &r.Street, &r.City, &r.PostalCode, &r.Country, &r.Phone, &r.Weight,
		&r.Status, &r.ErrorMsg, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, errors.Wrap(err, "select upload row")
	}
	return &r, nil
}

// ListRows returns an upload's rows ordered by row_number. An empty
// status matches all rows.
func (s *Storage) ListRows(ctx context.Context, uploadID uint64, status string) ([]*models.UploadRow, error) {
	rows, err := s.db.Query(ctx, `
SELECT`+rowColumns+`
FROM upload_rows
WHERE upload_id = $1
  AND ($2 = '' OR status = $2)
ORDER BY row_number ASC
`, uploadID, status)
	if err != nil {
		return nil, errors.Wrap(err, "select upload rows")
	}
	defer rows.Close()

	var out []*models.UploadRow
	for rows.Next() {
		var r models.UploadRow
		if err := rows.Scan(
			&r.ID, &r.UploadID, &r.RowNumber, &r.RawJSON,
			&r.RecipientName, &r.Street, &r.City, &r.PostalCode, &r.Country, &r.Phone, &r.Weight,
			&r.Status, &r.ErrorMsg, &r.CreatedAt, &r.UpdatedAt,
		); err != nil {
			return nil, errors.Wrap(err, "scan upload row")
		}
		out = append(out, &r)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func (s *Storage) UpdateRowStatus(ctx context.Context, id uint64, status string, errorMsg *string) error {
	_, err := s.db.Exec(ctx, `
UPDATE upload_rows
SET status = $2, error_msg = $3, updated_at = now()
WHERE id = $1
`, id, status, errorMsg)
	return errors.Wrap(err, "update row status")
}

func (s *Storage) RowStatusCounts(ctx context.Context, uploadID uint64) (map[string]int, error) {
	rows, err := s.db.Query(ctx, `
SELECT status, COUNT(*) FROM upload_rows WHERE upload_id = $1 GROUP BY status
`, uploadID)
	if err != nil {
		return nil, errors.Wrap(err, "count row statuses")
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "scan status count")
		}
		out[status] = n
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}
