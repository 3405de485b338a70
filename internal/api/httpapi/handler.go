package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/lentmiien/dhl-server-app/internal/integrations/dhl"
	"github.com/lentmiien/dhl-server-app/internal/models"
	"github.com/lentmiien/dhl-server-app/internal/services/batch"
	"github.com/lentmiien/dhl-server-app/internal/services/ingest"
	"github.com/lentmiien/dhl-server-app/internal/services/status"
)

type UploadStore interface {
	GetUpload(ctx context.Context, id uint64) (*models.Upload, error)
	ListUploads(ctx context.Context, uploadedBy uint64, status string) ([]*models.Upload, error)
	ListRows(ctx context.Context, uploadID uint64, status string) ([]*models.UploadRow, error)
	RowStatusCounts(ctx context.Context, uploadID uint64) (map[string]int, error)
}

type Ingestor interface {
	Ingest(ctx context.Context, userID uint64, filename string, records []models.RawRow) (*ingest.Result, error)
}

type BatchService interface {
	CreateLabels(ctx context.Context, userID, uploadID uint64, statusFilter string) (*models.BatchSummary, error)
	ValidateRows(ctx context.Context, userID, uploadID uint64) (*batch.PassResult, error)
	RetryRows(ctx context.Context, userID, uploadID uint64) (*batch.PassResult, error)
	Summary(ctx context.Context, uploadID uint64) (*models.BatchSummary, error)
	Stats() batch.Stats
}

type ShipmentService interface {
	Get(ctx context.Context, id uint64) (*models.Shipment, error)
	List(ctx context.Context, uploadID uint64, status string) ([]*models.Shipment, error)
	LabelPDF(ctx context.Context, id uint64) ([]byte, error)
	InvoicePDF(ctx context.Context, id uint64) ([]byte, error)
	Track(ctx context.Context, id uint64) (*models.Shipment, dhl.TrackingInfo, error)
	Cancel(ctx context.Context, userID, id uint64) (*models.Shipment, dhl.CancelResult, error)
}

type Handler struct {
	store     UploadStore
	ingestor  Ingestor
	batches   BatchService
	shipments ShipmentService
}

func NewHandler(store UploadStore, ingestor Ingestor, batches BatchService, shipments ShipmentService) *Handler {
	return &Handler{store: store, ingestor: ingestor, batches: batches, shipments: shipments}
}

type uploadRequest struct {
	Filename string          `json:"filename"`
	Rows     []models.RawRow `json:"rows"`
}

// CreateUpload accepts either a JSON body with pre-parsed rows or a raw
// text/csv body with a filename query parameter.
func (h *Handler) CreateUpload(w http.ResponseWriter, r *http.Request) {
	userID := userFrom(r.Context())

	var filename string
	var records []models.RawRow

	if strings.HasPrefix(r.Header.Get("Content-Type"), "text/csv") {
		filename = r.URL.Query().Get("filename")
		if filename == "" {
			filename = "upload.csv"
		}
		rows, err := ingest.ParseCSV(r.Body)
		if err != nil && !errors.Is(err, ingest.ErrNoRows) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		records = rows
	} else {
		var req uploadRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
		filename = req.Filename
		if filename == "" {
			filename = "upload.json"
		}
		records = req.Rows
	}

	res, err := h.ingestor.Ingest(r.Context(), userID, filename, records)
	if errors.Is(err, ingest.ErrNoRows) {
		writeError(w, http.StatusBadRequest, "upload contains no rows")
		return
	}
	if err != nil {
		h.internalError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"uploadId":      res.Upload.ID,
		"status":        res.Upload.Status,
		"totalRows":     res.Upload.TotalRows,
		"processedRows": res.ProcessedRows,
		"failedRows":    res.FailedRows,
	})
}

func (h *Handler) ListUploads(w http.ResponseWriter, r *http.Request) {
	uploads, err := h.store.ListUploads(r.Context(), userFrom(r.Context()), r.URL.Query().Get("status"))
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"uploads": uploads})
}

func (h *Handler) GetUpload(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "uploadID")
	if !ok {
		return
	}
	upload, err := h.store.GetUpload(r.Context(), id)
	if err != nil {
		h.notFoundOrInternal(w, r, err)
		return
	}
	rows, err := h.store.ListRows(r.Context(), id, r.URL.Query().Get("status"))
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	counts, err := h.store.RowStatusCounts(r.Context(), id)
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"upload":       upload,
		"rows":         rows,
		"statusCounts": counts,
	})
}

func (h *Handler) ValidateUpload(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "uploadID")
	if !ok {
		return
	}
	res, err := h.batches.ValidateRows(r.Context(), userFrom(r.Context()), id)
	if err != nil {
		h.passError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) RetryUpload(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "uploadID")
	if !ok {
		return
	}
	res, err := h.batches.RetryRows(r.Context(), userFrom(r.Context()), id)
	if err != nil {
		h.passError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) CreateLabels(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "uploadID")
	if !ok {
		return
	}
	summary, err := h.batches.CreateLabels(r.Context(), userFrom(r.Context()), id, r.URL.Query().Get("rows"))
	if err != nil {
		h.passError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) UploadSummary(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "uploadID")
	if !ok {
		return
	}
	summary, err := h.batches.Summary(r.Context(), id)
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) ListShipments(w http.ResponseWriter, r *http.Request) {
	var uploadID uint64
	if v := r.URL.Query().Get("upload_id"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid upload_id")
			return
		}
		uploadID = n
	}
	shipments, err := h.shipments.List(r.Context(), uploadID, r.URL.Query().Get("status"))
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"shipments": shipments})
}

func (h *Handler) GetShipment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "shipmentID")
	if !ok {
		return
	}
	sh, err := h.shipments.Get(r.Context(), id)
	if err != nil {
		h.notFoundOrInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sh)
}

func (h *Handler) ShipmentLabelPDF(w http.ResponseWriter, r *http.Request) {
	h.servePDF(w, r, h.shipments.LabelPDF, "label")
}

func (h *Handler) ShipmentInvoicePDF(w http.ResponseWriter, r *http.Request) {
	h.servePDF(w, r, h.shipments.InvoicePDF, "invoice")
}

func (h *Handler) servePDF(w http.ResponseWriter, r *http.Request, fetch func(context.Context, uint64) ([]byte, error), kind string) {
	id, ok := pathID(w, r, "shipmentID")
	if !ok {
		return
	}
	b, err := fetch(r.Context(), id)
	if err != nil {
		h.notFoundOrInternal(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", "attachment; filename="+kind+"-"+strconv.FormatUint(id, 10)+".pdf")
	_, _ = w.Write(b)
}

func (h *Handler) TrackShipment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "shipmentID")
	if !ok {
		return
	}
	sh, info, err := h.shipments.Track(r.Context(), id)
	if err != nil {
		h.notFoundOrInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"shipment": sh,
		"tracking": map[string]any{
			"trackingNumber": info.TrackingNumber,
			"status":         info.Status,
			"events":         info.Events,
		},
	})
}

func (h *Handler) CancelShipment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "shipmentID")
	if !ok {
		return
	}
	sh, res, err := h.shipments.Cancel(r.Context(), userFrom(r.Context()), id)
	if err != nil {
		var tr *status.InvalidTransitionError
		if errors.As(err, &tr) {
			writeError(w, http.StatusConflict, tr.Error())
			return
		}
		h.notFoundOrInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"shipment":       sh,
		"cancelled":      res.Cancelled,
		"refundAmount":   res.RefundAmount,
		"refundCurrency": res.RefundCurrency,
	})
}

func (h *Handler) BatchStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.batches.Stats())
}

func (h *Handler) passError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, batch.ErrNoEligibleRows) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	var tr *status.InvalidTransitionError
	if errors.As(err, &tr) {
		writeError(w, http.StatusConflict, tr.Error())
		return
	}
	h.notFoundOrInternal(w, r, err)
}

func (h *Handler) notFoundOrInternal(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, pgx.ErrNoRows) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	h.internalError(w, r, err)
}

func (h *Handler) internalError(w http.ResponseWriter, r *http.Request, err error) {
	slog.Error("http handler", "path", r.URL.Path, "error", err.Error())
	writeError(w, http.StatusInternalServerError, "internal error")
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, name), 10, 64)
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
