package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"

	"github.com/lentmiien/dhl-server-app/internal/audit"
	"github.com/lentmiien/dhl-server-app/internal/models"
	"github.com/pkg/errors"
)

// DefaultRequiredFields — колонки, без которых строка не годится для
// оформления отправления.
var DefaultRequiredFields = []string{"recipient_name", "street", "city", "postal_code", "country"}

const defaultWeight = 1.0

var ErrNoRows = errors.New("input contains no rows")

type Repository interface {
	CreateUpload(ctx context.Context, uploadedBy uint64, filename string, totalRows int) (*models.Upload, error)
	CreateRow(ctx context.Context, row *models.UploadRow) (*models.UploadRow, error)
}

type Tracker interface {
	UploadTo(ctx context.Context, upload *models.Upload, to string, processedRows, failedRows int) error
	FailUpload(ctx context.Context, upload *models.Upload) error
}

// Ingestor turns ordered raw records into upload rows. One row entity is
// created per input record, valid or not; a malformed record never stops
// the rest of the batch.
type Ingestor struct {
	repo     Repository
	tracker  Tracker
	auditLog audit.Logger

	requiredFields []string
}

func New(repo Repository, tracker Tracker, auditLog audit.Logger) *Ingestor {
	if auditLog == nil {
		auditLog = audit.Noop{}
	}
	return &Ingestor{
		repo:           repo,
		tracker:        tracker,
		auditLog:       auditLog,
		requiredFields: DefaultRequiredFields,
	}
}

func (s *Ingestor) WithRequiredFields(fields []string) *Ingestor {
	if len(fields) > 0 {
		s.requiredFields = fields
	}
	return s
}

type Result struct {
	Upload        *models.Upload
	ProcessedRows int
	FailedRows    int
}

// Ingest creates the upload and one row per record, preserving input
// order as row_number. Records missing required fields become ERROR rows
// carrying the comma-joined field list; the upload is settled afterwards.
func (s *Ingestor) Ingest(ctx context.Context, userID uint64, filename string, records []models.RawRow) (*Result, error) {
	upload, err := s.repo.CreateUpload(ctx, userID, filename, len(records))
	if err != nil {
		return nil, errors.Wrap(err, "create upload")
	}

	if len(records) == 0 {
		if ferr := s.tracker.FailUpload(ctx, upload); ferr != nil {
			slog.Error("fail empty upload", "upload_id", upload.ID, "error", ferr.Error())
		}
		return &Result{Upload: upload}, ErrNoRows
	}

	processed := 0
	failed := 0
	for i, rec := range records {
		row := s.buildRow(upload.ID, i+1, rec)
		if row.Status == models.RowStatusError {
			failed++
		} else {
			processed++
		}
		if _, err := s.repo.CreateRow(ctx, row); err != nil {
			// Ошибка хранилища фатальна только для этой строки.
			slog.Error("create upload row", "upload_id", upload.ID, "row_number", row.RowNumber, "error", err.Error())
			if row.Status != models.RowStatusError {
				processed--
				failed++
			}
		}
	}

	if err := s.tracker.UploadTo(ctx, upload, models.UploadStatusCompleted, processed, failed); err != nil {
		return nil, err
	}

	s.auditLog.Log(ctx, userID, "CSV_UPLOADED", map[string]any{
		"uploadId":      upload.ID,
		"filename":      filename,
		"totalRows":     len(records),
		"processedRows": processed,
		"failedRows":    failed,
	})

	return &Result{Upload: upload, ProcessedRows: processed, FailedRows: failed}, nil
}

func (s *Ingestor) buildRow(uploadID uint64, rowNumber int, rec models.RawRow) *models.UploadRow {
	raw, err := json.Marshal(rec)
	if err != nil {
		raw = []byte("{}")
	}

	row := &models.UploadRow{
		UploadID:  uploadID,
		RowNumber: rowNumber,
		RawJSON:   string(raw),
		Weight:    defaultWeight,
		Status:    models.RowStatusNew,
	}

	var missing []string
	for _, f := range s.requiredFields {
		if strings.TrimSpace(rec[f]) == "" {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		msg := "Missing required fields: " + strings.Join(missing, ", ")
		row.Status = models.RowStatusError
		row.ErrorMsg = &msg
		return row
	}

	row.RecipientName = rec["recipient_name"]
	row.Street = rec["street"]
	row.City = rec["city"]
	row.PostalCode = rec["postal_code"]
	row.Country = rec["country"]
	if p := strings.TrimSpace(rec["phone"]); p != "" {
		row.Phone = &p
	}
	if w, err := strconv.ParseFloat(rec["weight"], 64); err == nil && w > 0 {
		row.Weight = w
	}
	return row
}
