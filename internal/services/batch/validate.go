package batch

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"github.com/lentmiien/dhl-server-app/internal/integrations/dhl"
	"github.com/lentmiien/dhl-server-app/internal/models"
	"github.com/pkg/errors"
)

const msgAddressValidationFailed = "Address validation failed"

type PassResult struct {
	Total     int `json:"total"`
	Validated int `json:"validated"`
	Failed    int `json:"failed"`
}

// ValidateRows moves NEW rows through address validation. Rows with a
// deliverable address become VALIDATED, the rest become ERROR.
func (s *Service) ValidateRows(ctx context.Context, userID, uploadID uint64) (*PassResult, error) {
	upload, err := s.repo.GetUpload(ctx, uploadID)
	if err != nil {
		return nil, errors.Wrap(err, "get upload")
	}
	rows, err := s.repo.ListRows(ctx, uploadID, models.RowStatusNew)
	if err != nil {
		return nil, errors.Wrap(err, "list rows")
	}
	if len(rows) == 0 {
		return nil, ErrNoEligibleRows
	}
	res := s.runValidationPass(ctx, upload, rows)

	s.auditLog.Log(context.WithoutCancel(ctx), userID, "ROWS_VALIDATED", map[string]any{
		"uploadId":  uploadID,
		"validated": res.Validated,
		"failed":    res.Failed,
	})
	return res, nil
}

// RetryRows re-runs validation for rows that previously settled in ERROR
// or LABEL_ERROR. Rows that pass again become VALIDATED and are eligible
// for the next label pass.
func (s *Service) RetryRows(ctx context.Context, userID, uploadID uint64) (*PassResult, error) {
	upload, err := s.repo.GetUpload(ctx, uploadID)
	if err != nil {
		return nil, errors.Wrap(err, "get upload")
	}

	var rows []*models.UploadRow
	for _, st := range []string{models.RowStatusError, models.RowStatusLabelError} {
		part, err := s.repo.ListRows(ctx, uploadID, st)
		if err != nil {
			return nil, errors.Wrap(err, "list rows")
		}
		rows = append(rows, part...)
	}
	if len(rows) == 0 {
		return nil, ErrNoEligibleRows
	}
	if s.cache != nil {
		_ = s.cache.Del(ctx, summaryKey(uploadID))
	}

	res := s.runValidationPass(ctx, upload, rows)

	s.auditLog.Log(context.WithoutCancel(ctx), userID, "UPLOAD_RETRY", map[string]any{
		"uploadId":    uploadID,
		"retriedRows": res.Total,
		"validated":   res.Validated,
		"failed":      res.Failed,
	})
	return res, nil
}

func (s *Service) runValidationPass(ctx context.Context, upload *models.Upload, rows []*models.UploadRow) *PassResult {
	callCtx := context.WithoutCancel(ctx)

	results := make([]bool, len(rows))
	sem := make(chan struct{}, s.concurrency)
	var wg sync.WaitGroup
	for i, row := range rows {
		sem <- struct{}{}
		wg.Add(1)
		s.inFlight.Add(1)
		go func(i int, row *models.UploadRow) {
			defer func() {
				s.inFlight.Add(-1)
				<-sem
				wg.Done()
			}()
			results[i] = s.validateOne(ctx, callCtx, row)
		}(i, row)
	}
	wg.Wait()

	res := &PassResult{Total: len(rows)}
	for _, ok := range results {
		if ok {
			res.Validated++
		} else {
			res.Failed++
		}
	}
	s.settleUpload(callCtx, upload)
	return res
}

func (s *Service) validateOne(admitCtx, callCtx context.Context, row *models.UploadRow) bool {
	if msg, ok := restoreRowFields(row, s.requiredFields); !ok {
		s.rowError(callCtx, row, msg)
		return false
	}

	admit, cancel := context.WithTimeout(admitCtx, s.admitTimeout)
	err := s.rl.Acquire(admit)
	cancel()
	if err != nil {
		s.rowError(callCtx, row, errors.Wrap(err, "rate limiter admission").Error())
		return false
	}

	check, err := s.gw.ValidateAddress(callCtx, dhl.Address{
		Street:     row.Street,
		City:       row.City,
		PostalCode: row.PostalCode,
		Country:    row.Country,
	})
	if err != nil {
		s.noteError(err)
		s.rowError(callCtx, row, err.Error())
		return false
	}
	if !check.Valid {
		s.rowError(callCtx, row, msgAddressValidationFailed)
		return false
	}

	if err := s.tracker.RowTo(callCtx, row, models.RowStatusValidated, nil); err != nil {
		slog.Error("row validated transition", "row_id", row.ID, "error", err.Error())
		return false
	}
	return true
}

func (s *Service) rowError(ctx context.Context, row *models.UploadRow, msg string) {
	if err := s.tracker.RowTo(ctx, row, models.RowStatusError, &msg); err != nil {
		slog.Error("row error transition", "row_id", row.ID, "error", err.Error())
	}
}

// restoreRowFields refills address fields from the raw record when a row
// reached ERROR before they were ever populated. Returns the missing
// field message when the raw record still lacks required columns.
func restoreRowFields(row *models.UploadRow, required []string) (string, bool) {
	var raw map[string]string
	if err := json.Unmarshal([]byte(row.RawJSON), &raw); err != nil {
		raw = map[string]string{}
	}

	var missing []string
	for _, f := range required {
		have := strings.TrimSpace(raw[f]) != ""
		switch f {
		case "recipient_name":
			have = have || row.RecipientName != ""
		case "street":
			have = have || row.Street != ""
		case "city":
			have = have || row.City != ""
		case "postal_code":
			have = have || row.PostalCode != ""
		case "country":
			have = have || row.Country != ""
		}
		if !have {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return "Missing required fields: " + strings.Join(missing, ", "), false
	}

	if row.RecipientName == "" {
		row.RecipientName = raw["recipient_name"]
	}
	if row.Street == "" {
		row.Street = raw["street"]
	}
	if row.City == "" {
		row.City = raw["city"]
	}
	if row.PostalCode == "" {
		row.PostalCode = raw["postal_code"]
	}
	if row.Country == "" {
		row.Country = raw["country"]
	}
	return "", true
}
