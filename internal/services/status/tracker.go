package status

import (
	"context"
	"fmt"

	"github.com/lentmiien/dhl-server-app/internal/models"
	"github.com/pkg/errors"
)

// Repository is the slice of storage the tracker writes through.
type Repository interface {
	UpdateRowStatus(ctx context.Context, rowID uint64, status string, errorMsg *string) error
	UpdateUploadStatus(ctx context.Context, uploadID uint64, status string, processedRows, failedRows int) error
	CreateShipment(ctx context.Context, sh *models.Shipment) (*models.Shipment, error)
	UpdateShipmentStatus(ctx context.Context, shipmentID uint64, status string) error
}

// Tracker owns the upload/row/shipment state machines. All status writes
// go through it; everything else treats status fields as read-only.
type Tracker struct {
	repo Repository
}

func New(repo Repository) *Tracker {
	return &Tracker{repo: repo}
}

type InvalidTransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("%s transition %s -> %s is not allowed", e.Entity, e.From, e.To)
}

// Строка: NEW -> VALIDATED|ERROR; VALIDATED -> LABELED|LABEL_ERROR;
// ERROR и LABEL_ERROR восстанавливаются только явным retry через
// повторную валидацию.
var rowTransitions = map[string]map[string]bool{
	models.RowStatusNew: {
		models.RowStatusValidated: true,
		models.RowStatusError:     true,
	},
	models.RowStatusValidated: {
		models.RowStatusLabeled:    true,
		models.RowStatusLabelError: true,
	},
	models.RowStatusLabelError: {
		models.RowStatusValidated: true,
		models.RowStatusError:     true,
	},
	models.RowStatusError: {
		models.RowStatusValidated: true,
		models.RowStatusError:     true,
	},
}

var uploadTransitions = map[string]map[string]bool{
	models.UploadStatusProcessing: {
		models.UploadStatusCompleted: true,
		models.UploadStatusFailed:    true,
	},
	// Counters are recomputed after each later pass over the rows.
	models.UploadStatusCompleted: {
		models.UploadStatusCompleted: true,
	},
}

var shipmentTransitions = map[string]map[string]bool{
	models.ShipmentStatusPending: {
		models.ShipmentStatusLabeled:   true,
		models.ShipmentStatusCancelled: true,
	},
	models.ShipmentStatusLabeled: {
		models.ShipmentStatusShipped:   true,
		models.ShipmentStatusCancelled: true,
	},
	models.ShipmentStatusShipped: {
		models.ShipmentStatusDelivered: true,
		models.ShipmentStatusCancelled: true,
	},
}

// RowTo moves a row to the given status, persists it and mutates the
// in-memory row on success.
func (t *Tracker) RowTo(ctx context.Context, row *models.UploadRow, to string, errorMsg *string) error {
	if !rowTransitions[row.Status][to] {
		return &InvalidTransitionError{Entity: "upload row", From: row.Status, To: to}
	}
	if err := t.repo.UpdateRowStatus(ctx, row.ID, to, errorMsg); err != nil {
		return errors.Wrapf(err, "row %d -> %s", row.ID, to)
	}
	row.Status = to
	row.ErrorMsg = errorMsg
	return nil
}

// CreateLabeled records a successful label: the shipment is created
// first (the storage layer deduplicates per row), then the row moves to
// LABELED.
func (t *Tracker) CreateLabeled(ctx context.Context, row *models.UploadRow, sh *models.Shipment) (*models.Shipment, error) {
	if !rowTransitions[row.Status][models.RowStatusLabeled] {
		return nil, &InvalidTransitionError{Entity: "upload row", From: row.Status, To: models.RowStatusLabeled}
	}

	sh.Status = models.ShipmentStatusLabeled
	created, err := t.repo.CreateShipment(ctx, sh)
	if err != nil {
		return nil, errors.Wrapf(err, "create shipment for row %d", row.ID)
	}

	if err := t.repo.UpdateRowStatus(ctx, row.ID, models.RowStatusLabeled, nil); err != nil {
		return nil, errors.Wrapf(err, "row %d -> LABELED", row.ID)
	}
	row.Status = models.RowStatusLabeled
	row.ErrorMsg = nil
	return created, nil
}

func (t *Tracker) UploadTo(ctx context.Context, upload *models.Upload, to string, processedRows, failedRows int) error {
	if !uploadTransitions[upload.Status][to] {
		return &InvalidTransitionError{Entity: "upload", From: upload.Status, To: to}
	}
	if err := t.repo.UpdateUploadStatus(ctx, upload.ID, to, processedRows, failedRows); err != nil {
		return errors.Wrapf(err, "upload %d -> %s", upload.ID, to)
	}
	upload.Status = to
	upload.ProcessedRows = processedRows
	upload.FailedRows = failedRows
	return nil
}

// FailUpload marks a systemic ingestion failure. Per-row errors never
// take this path.
func (t *Tracker) FailUpload(ctx context.Context, upload *models.Upload) error {
	return t.UploadTo(ctx, upload, models.UploadStatusFailed, upload.ProcessedRows, upload.FailedRows)
}

func (t *Tracker) ShipmentTo(ctx context.Context, sh *models.Shipment, to string) error {
	if !shipmentTransitions[sh.Status][to] {
		return &InvalidTransitionError{Entity: "shipment", From: sh.Status, To: to}
	}
	if err := t.repo.UpdateShipmentStatus(ctx, sh.ID, to); err != nil {
		return errors.Wrapf(err, "shipment %d -> %s", sh.ID, to)
	}
	sh.Status = to
	return nil
}
