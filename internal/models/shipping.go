package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Upload statuses.
const (
	UploadStatusProcessing = "PROCESSING"
	UploadStatusCompleted  = "COMPLETED"
	UploadStatusFailed     = "FAILED"
)

// UploadRow statuses.
const (
	RowStatusNew        = "NEW"
	RowStatusValidated  = "VALIDATED"
	RowStatusError      = "ERROR"
	RowStatusLabeled    = "LABELED"
	RowStatusLabelError = "LABEL_ERROR"
)

// Shipment statuses.
const (
	ShipmentStatusPending   = "PENDING"
	ShipmentStatusLabeled   = "LABELED"
	ShipmentStatusShipped   = "SHIPPED"
	ShipmentStatusDelivered = "DELIVERED"
	ShipmentStatusCancelled = "CANCELLED"
)

// RawRow is one tabular input record keyed by column name.
type RawRow map[string]string

type Upload struct {
	ID            uint64
	UploadedBy    uint64
	Filename      string
	TotalRows     int
	ProcessedRows int
	FailedRows    int
	Status        string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type UploadRow struct {
	ID            uint64
	UploadID      uint64
	RowNumber     int
	RawJSON       string
	RecipientName string
	Street        string
	City          string
	PostalCode    string
	Country       string
	Phone         *string
	Weight        float64
	Status        string
	ErrorMsg      *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Shipment struct {
	ID                uint64
	UploadID          uint64
	UploadRowID       uint64
	DHLRef            string
	TrackingNumber    string
	LabelURL          string
	RecipientName     string
	AddressJSON       string
	Status            string
	EstimatedDelivery *time.Time
	CostAmount        decimal.Decimal
	CostCurrency      string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// RowOutcome is the per-row result of one label pass.
type RowOutcome struct {
	RowID          uint64 `json:"rowId"`
	RowNumber      int    `json:"rowNumber"`
	ShipmentID     uint64 `json:"shipmentId,omitempty"`
	TrackingNumber string `json:"trackingNumber,omitempty"`
	Error          string `json:"error,omitempty"`
	Success        bool   `json:"success"`
}

// BatchSummary aggregates one label pass over an upload.
// Outcomes are ordered by row number.
type BatchSummary struct {
	UploadID     uint64       `json:"uploadId"`
	SuccessCount int          `json:"successCount"`
	FailedCount  int          `json:"failedCount"`
	Outcomes     []RowOutcome `json:"results"`
}
