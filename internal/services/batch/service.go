package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lentmiien/dhl-server-app/internal/audit"
	"github.com/lentmiien/dhl-server-app/internal/broker/messages"
	"github.com/lentmiien/dhl-server-app/internal/cache"
	"github.com/lentmiien/dhl-server-app/internal/integrations/dhl"
	"github.com/lentmiien/dhl-server-app/internal/models"
	"github.com/lentmiien/dhl-server-app/internal/services/ingest"
	"github.com/pkg/errors"
)

var ErrNoEligibleRows = errors.New("no eligible rows for this operation")

type Repository interface {
	GetUpload(ctx context.Context, id uint64) (*models.Upload, error)
	ListRows(ctx context.Context, uploadID uint64, status string) ([]*models.UploadRow, error)
	RowStatusCounts(ctx context.Context, uploadID uint64) (map[string]int, error)
	ListShipments(ctx context.Context, uploadID uint64, status string) ([]*models.Shipment, error)
}

type Tracker interface {
	RowTo(ctx context.Context, row *models.UploadRow, to string, errorMsg *string) error
	CreateLabeled(ctx context.Context, row *models.UploadRow, sh *models.Shipment) (*models.Shipment, error)
	UploadTo(ctx context.Context, upload *models.Upload, to string, processedRows, failedRows int) error
}

type Limiter interface {
	Acquire(ctx context.Context) error
}

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

// Service runs label passes over an upload: it submits one carrier task
// per eligible row through the rate limiter, applies row/shipment
// transitions as tasks settle and folds the outcomes into a summary.
type Service struct {
	repo     Repository
	tracker  Tracker
	gw       dhl.Client
	rl       Limiter
	producer Producer
	auditLog audit.Logger
	cache    cache.BytesCache

	topic          string
	concurrency    int
	admitTimeout   time.Duration
	summaryTTL     time.Duration
	requiredFields []string

	startedAtUnixNano int64
	totalSubmitted    atomic.Int64
	totalLabeled      atomic.Int64
	totalFailed       atomic.Int64
	inFlight          atomic.Int64
	lastErrorMu       sync.Mutex
	lastError         string
}

func New(repo Repository, tracker Tracker, gw dhl.Client, rl Limiter, auditLog audit.Logger) *Service {
	if auditLog == nil {
		auditLog = audit.Noop{}
	}
	return &Service{
		repo:              repo,
		tracker:           tracker,
		gw:                gw,
		rl:                rl,
		auditLog:          auditLog,
		topic:             "shipment.labeled",
		concurrency:       10,
		admitTimeout:      60 * time.Second,
		summaryTTL:        time.Hour,
		requiredFields:    ingest.DefaultRequiredFields,
		startedAtUnixNano: time.Now().UTC().UnixNano(),
	}
}

// WithRequiredFields sets the column set re-validation checks; the same
// set the ingestor was configured with.
func (s *Service) WithRequiredFields(fields []string) *Service {
	if len(fields) > 0 {
		s.requiredFields = fields
	}
	return s
}

func (s *Service) WithSettings(concurrency int, admitTimeout time.Duration) *Service {
	if concurrency > 0 {
		s.concurrency = concurrency
	}
	if admitTimeout > 0 {
		s.admitTimeout = admitTimeout
	}
	return s
}

func (s *Service) WithProducer(p Producer, topic string) *Service {
	s.producer = p
	if topic != "" {
		s.topic = topic
	}
	return s
}

func (s *Service) WithSummaryCache(c cache.BytesCache, ttl time.Duration) *Service {
	s.cache = c
	if ttl > 0 {
		s.summaryTTL = ttl
	}
	return s
}

type Stats struct {
	StartedAt      time.Time `json:"startedAt"`
	TotalSubmitted int64     `json:"totalSubmitted"`
	TotalLabeled   int64     `json:"totalLabeled"`
	TotalFailed    int64     `json:"totalFailed"`
	InFlight       int64     `json:"inFlight"`
	LastError      string    `json:"lastError,omitempty"`
}

func (s *Service) Stats() Stats {
	st := Stats{
		StartedAt:      time.Unix(0, s.startedAtUnixNano).UTC(),
		TotalSubmitted: s.totalSubmitted.Load(),
		TotalLabeled:   s.totalLabeled.Load(),
		TotalFailed:    s.totalFailed.Load(),
		InFlight:       s.inFlight.Load(),
	}
	s.lastErrorMu.Lock()
	st.LastError = s.lastError
	s.lastErrorMu.Unlock()
	return st
}

func (s *Service) noteError(err error) {
	s.lastErrorMu.Lock()
	s.lastError = err.Error()
	s.lastErrorMu.Unlock()
}

// CreateLabels runs one label pass. Submission follows row_number order;
// completions may arrive in any order, each keyed to its own row.
func (s *Service) CreateLabels(ctx context.Context, userID, uploadID uint64, statusFilter string) (*models.BatchSummary, error) {
	if statusFilter == "" {
		statusFilter = models.RowStatusValidated
	}

	upload, err := s.repo.GetUpload(ctx, uploadID)
	if err != nil {
		return nil, errors.Wrap(err, "get upload")
	}
	rows, err := s.repo.ListRows(ctx, uploadID, statusFilter)
	if err != nil {
		return nil, errors.Wrap(err, "list rows")
	}
	if len(rows) == 0 {
		return nil, ErrNoEligibleRows
	}

	s.auditLog.Log(ctx, userID, "BATCH_STARTED", map[string]any{
		"uploadId":  uploadID,
		"totalRows": len(rows),
	})
	if s.cache != nil {
		_ = s.cache.Del(ctx, summaryKey(uploadID))
	}

	// Выданные вызовы доводим до конца и применяем их результаты, даже
	// если вызывающий отменил контекст; отмена лишь перестаёт впускать
	// новые задачи через лимитер.
	callCtx := context.WithoutCancel(ctx)

	outcomes := make([]models.RowOutcome, len(rows))
	sem := make(chan struct{}, s.concurrency)
	var wg sync.WaitGroup
	for i, row := range rows {
		sem <- struct{}{}
		wg.Add(1)
		s.totalSubmitted.Add(1)
		s.inFlight.Add(1)
		go func(i int, row *models.UploadRow) {
			defer func() {
				s.inFlight.Add(-1)
				<-sem
				wg.Done()
			}()
			outcomes[i] = s.labelOne(ctx, callCtx, row)
		}(i, row)
	}
	wg.Wait() // все задачи получили исход — только теперь агрегируем

	summary := foldOutcomes(uploadID, outcomes)
	s.settleUpload(callCtx, upload)
	s.cacheSummary(callCtx, summary)

	s.auditLog.Log(callCtx, userID, "BATCH_LABELS_CREATED", map[string]any{
		"uploadId":     uploadID,
		"successCount": summary.SuccessCount,
		"failedCount":  summary.FailedCount,
		"totalRows":    len(rows),
	})
	slog.Info("batch label pass completed",
		"upload_id", uploadID,
		"success", summary.SuccessCount,
		"failed", summary.FailedCount)

	return summary, nil
}

// labelOne drives a single row through admission, the carrier call and
// the resulting transition. admitCtx is caller-bound; callCtx is not.
func (s *Service) labelOne(admitCtx, callCtx context.Context, row *models.UploadRow) models.RowOutcome {
	out := models.RowOutcome{RowID: row.ID, RowNumber: row.RowNumber}

	admit, cancel := context.WithTimeout(admitCtx, s.admitTimeout)
	err := s.rl.Acquire(admit)
	cancel()
	if err != nil {
		return s.failRow(callCtx, row, &out, errors.Wrap(err, "rate limiter admission"))
	}

	res, err := s.gw.CreateLabel(callCtx, labelRequest(row))
	if err != nil {
		return s.failRow(callCtx, row, &out, err)
	}

	sh := &models.Shipment{
		UploadID:       row.UploadID,
		UploadRowID:    row.ID,
		DHLRef:         res.DHLRef,
		TrackingNumber: res.TrackingNumber,
		LabelURL:       res.LabelURL,
		RecipientName:  row.RecipientName,
		AddressJSON:    addressSnapshot(row),
		CostAmount:     res.CostAmount,
		CostCurrency:   res.CostCurrency,
	}
	if !res.EstimatedDelivery.IsZero() {
		eta := res.EstimatedDelivery
		sh.EstimatedDelivery = &eta
	}

	created, err := s.tracker.CreateLabeled(callCtx, row, sh)
	if err != nil {
		return s.failRow(callCtx, row, &out, errors.Wrap(err, "persist label result"))
	}

	s.publishLabeled(callCtx, created)

	s.totalLabeled.Add(1)
	out.Success = true
	out.ShipmentID = created.ID
	out.TrackingNumber = created.TrackingNumber
	return out
}

func (s *Service) failRow(ctx context.Context, row *models.UploadRow, out *models.RowOutcome, cause error) models.RowOutcome {
	s.totalFailed.Add(1)
	s.noteError(cause)

	msg := cause.Error()
	out.Error = msg
	if err := s.tracker.RowTo(ctx, row, models.RowStatusLabelError, &msg); err != nil {
		slog.Error("row label error transition", "row_id", row.ID, "error", err.Error())
	}
	return *out
}

func (s *Service) publishLabeled(ctx context.Context, sh *models.Shipment) {
	if s.producer == nil {
		return
	}
	msg := messages.ShipmentLabeled{
		ShipmentID:     sh.ID,
		UploadID:       sh.UploadID,
		UploadRowID:    sh.UploadRowID,
		DHLRef:         sh.DHLRef,
		TrackingNumber: sh.TrackingNumber,
		LabeledAt:      time.Now().UTC(),
		CostAmount:     sh.CostAmount.String(),
		CostCurrency:   sh.CostCurrency,
	}
	b, err := json.Marshal(msg)
	if err != nil {
		slog.Warn("marshal shipment.labeled", "error", err.Error())
		return
	}
	key := []byte(fmt.Sprintf("%d", sh.UploadID))
	if err := s.producer.Publish(ctx, s.topic, key, b); err != nil {
		slog.Warn("publish shipment.labeled", "shipment_id", sh.ID, "error", err.Error())
	}
}

// settleUpload recomputes the upload counters from row statuses. A
// persistence failure here is logged and leaves row state untouched.
func (s *Service) settleUpload(ctx context.Context, upload *models.Upload) {
	counts, err := s.repo.RowStatusCounts(ctx, upload.ID)
	if err != nil {
		s.noteError(err)
		slog.Error("row status counts", "upload_id", upload.ID, "error", err.Error())
		return
	}
	failed := counts[models.RowStatusError] + counts[models.RowStatusLabelError]
	processed := upload.TotalRows - failed
	if err := s.tracker.UploadTo(ctx, upload, models.UploadStatusCompleted, processed, failed); err != nil {
		s.noteError(err)
		slog.Error("settle upload", "upload_id", upload.ID, "error", err.Error())
	}
}

func foldOutcomes(uploadID uint64, outcomes []models.RowOutcome) *models.BatchSummary {
	summary := &models.BatchSummary{UploadID: uploadID, Outcomes: outcomes}
	for _, o := range outcomes {
		if o.Success {
			summary.SuccessCount++
		} else {
			summary.FailedCount++
		}
	}
	return summary
}

func labelRequest(row *models.UploadRow) dhl.LabelRequest {
	req := dhl.LabelRequest{
		Recipient: dhl.Recipient{
			Name: row.RecipientName,
			Address: dhl.Address{
				Street:     row.Street,
				City:       row.City,
				PostalCode: row.PostalCode,
				Country:    row.Country,
			},
		},
		Package: dhl.Package{Weight: row.Weight, Length: 10, Width: 10, Height: 10},
	}
	if row.Phone != nil {
		req.Recipient.Phone = *row.Phone
	}

	var raw map[string]string
	if json.Unmarshal([]byte(row.RawJSON), &raw) == nil {
		if v, err := strconv.ParseFloat(raw["length"], 64); err == nil && v > 0 {
			req.Package.Length = v
		}
		if v, err := strconv.ParseFloat(raw["width"], 64); err == nil && v > 0 {
			req.Package.Width = v
		}
		if v, err := strconv.ParseFloat(raw["height"], 64); err == nil && v > 0 {
			req.Package.Height = v
		}
	}
	return req
}

func addressSnapshot(row *models.UploadRow) string {
	b, _ := json.Marshal(map[string]string{
		"street":      row.Street,
		"city":        row.City,
		"postal_code": row.PostalCode,
		"country":     row.Country,
	})
	return string(b)
}

func summaryKey(uploadID uint64) string {
	return fmt.Sprintf("batch:%d:summary", uploadID)
}

func (s *Service) cacheSummary(ctx context.Context, summary *models.BatchSummary) {
	if s.cache == nil {
		return
	}
	b, err := json.Marshal(summary)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, summaryKey(summary.UploadID), b, s.summaryTTL); err != nil {
		slog.Warn("cache batch summary", "upload_id", summary.UploadID, "error", err.Error())
	}
}

// Summary returns the settled summary for an upload. Repeated calls for
// a completed batch return identical counts and outcomes.
func (s *Service) Summary(ctx context.Context, uploadID uint64) (*models.BatchSummary, error) {
	if s.cache != nil {
		if b, ok, err := s.cache.Get(ctx, summaryKey(uploadID)); err == nil && ok {
			var summary models.BatchSummary
			if json.Unmarshal(b, &summary) == nil {
				return &summary, nil
			}
		}
	}

	rows, err := s.repo.ListRows(ctx, uploadID, "")
	if err != nil {
		return nil, errors.Wrap(err, "list rows")
	}
	shipments, err := s.repo.ListShipments(ctx, uploadID, "")
	if err != nil {
		return nil, errors.Wrap(err, "list shipments")
	}
	byRow := make(map[uint64]*models.Shipment, len(shipments))
	for _, sh := range shipments {
		byRow[sh.UploadRowID] = sh
	}

	summary := &models.BatchSummary{UploadID: uploadID}
	for _, row := range rows {
		switch row.Status {
		case models.RowStatusLabeled:
			o := models.RowOutcome{RowID: row.ID, RowNumber: row.RowNumber, Success: true}
			if sh := byRow[row.ID]; sh != nil {
				o.ShipmentID = sh.ID
				o.TrackingNumber = sh.TrackingNumber
			}
			summary.SuccessCount++
			summary.Outcomes = append(summary.Outcomes, o)
		case models.RowStatusError, models.RowStatusLabelError:
			o := models.RowOutcome{RowID: row.ID, RowNumber: row.RowNumber}
			if row.ErrorMsg != nil {
				o.Error = *row.ErrorMsg
			}
			summary.FailedCount++
			summary.Outcomes = append(summary.Outcomes, o)
		}
	}

	s.cacheSummary(ctx, summary)
	return summary, nil
}
