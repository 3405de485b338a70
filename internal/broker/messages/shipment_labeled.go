package messages

import "time"

// ShipmentLabeled is published after a row's label is created and its
// shipment persisted.
type ShipmentLabeled struct {
	ShipmentID     uint64    `json:"shipment_id"`
	UploadID       uint64    `json:"upload_id"`
	UploadRowID    uint64    `json:"upload_row_id"`
	DHLRef         string    `json:"dhl_ref"`
	TrackingNumber string    `json:"tracking_number"`
	LabeledAt      time.Time `json:"labeled_at"`

	CostAmount   string `json:"cost_amount,omitempty"`
	CostCurrency string `json:"cost_currency,omitempty"`
}
