package dhl

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

type Address struct {
	Street     string
	City       string
	PostalCode string
	Country    string
}

type Recipient struct {
	Name    string
	Address Address
	Phone   string
}

type Package struct {
	Weight float64
	Length float64
	Width  float64
	Height float64
}

type LabelRequest struct {
	Recipient Recipient
	Package   Package
}

type LabelResult struct {
	DHLRef            string
	TrackingNumber    string
	LabelURL          string
	EstimatedDelivery time.Time
	CostAmount        decimal.Decimal
	CostCurrency      string
}

type AddressCheck struct {
	Valid       bool
	Suggestions []Address
}

type TrackingEvent struct {
	Timestamp   time.Time
	Location    string
	Description string
}

type TrackingInfo struct {
	TrackingNumber string
	Status         string
	Events         []TrackingEvent
}

type CancelResult struct {
	Cancelled      bool
	RefundAmount   decimal.Decimal
	RefundCurrency string
}

// Client is one logical carrier operation per method. Implementations
// retry transient failures internally and surface *APIError to callers.
type Client interface {
	ValidateAddress(ctx context.Context, addr Address) (AddressCheck, error)
	CreateLabel(ctx context.Context, req LabelRequest) (LabelResult, error)
	GetLabel(ctx context.Context, dhlRef string) ([]byte, error)
	GetInvoice(ctx context.Context, dhlRef string) ([]byte, error)
	TrackShipment(ctx context.Context, trackingNumber string) (TrackingInfo, error)
	CancelLabel(ctx context.Context, dhlRef string) (CancelResult, error)
}
