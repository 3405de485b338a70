package pgshipping

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/lentmiien/dhl-server-app/internal/models"
	"github.com/pkg/errors"
)

const shipmentColumns = `
  id, upload_id, upload_row_id, dhl_ref, tracking_number, label_url,
  recipient_name, address_json, status, estimated_delivery,
  cost_amount, cost_currency, created_at, updated_at`

// CreateShipment inserts the shipment for a row. A row gets at most one
// shipment: on conflict the existing record is returned untouched.
func (s *Storage) CreateShipment(ctx context.Context, sh *models.Shipment) (*models.Shipment, error) {
	now := time.Now().UTC()

	var id uint64
	err := s.db.QueryRow(ctx, `
INSERT INTO shipments (
  upload_id, upload_row_id, dhl_ref, tracking_number, label_url,
  recipient_name, address_json, status, estimated_delivery,
  cost_amount, cost_currency, created_at, updated_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$12)
ON CONFLICT (upload_row_id) DO UPDATE SET updated_at = shipments.updated_at
RETURNING id
`, sh.UploadID, sh.UploadRowID, sh.DHLRef, sh.TrackingNumber, sh.LabelURL,
		sh.RecipientName, sh.AddressJSON, sh.Status, sh.EstimatedDelivery,
		sh.CostAmount, sh.CostCurrency, now).Scan(&id)
	if err != nil {
		return nil, errors.Wrap(err, "insert shipment")
	}

	return s.GetShipment(ctx, id)
}

func (s *Storage) GetShipment(ctx context.Context, id uint64) (*models.Shipment, error) {
	var sh models.Shipment
	err := s.db.QueryRow(ctx, `SELECT`+shipmentColumns+` FROM shipments WHERE id = $1`, id).Scan(
		&sh.ID, &sh.UploadID, &sh.UploadRowID, &sh.DHLRef, &sh.TrackingNumber, &sh.LabelURL,
		&sh.RecipientName, &sh.AddressJSON, &sh.Status, &sh.EstimatedDelivery,
		&sh.CostAmount, &sh.CostCurrency, &sh.CreatedAt, &sh.UpdatedAt,
	)
	if err != nil {
		return nil, errors.Wrap(err, "select shipment")
	}
	return &sh, nil
}

func (s *Storage) ListShipments(ctx context.Context, uploadID uint64, status string) ([]*models.Shipment, error) {
	rows, err := s.db.Query(ctx, `
SELECT`+shipmentColumns+`
FROM shipments
WHERE ($1 = 0 OR upload_id = $1)
  AND ($2 = '' OR status = $2)
ORDER BY created_at DESC
`, uploadID, status)
	if err != nil {
		return nil, errors.Wrap(err, "select shipments")
	}
	defer rows.Close()

	var out []*models.Shipment
	for rows.Next() {
		var sh models.Shipment
		if err := rows.Scan(
			&sh.ID, &sh.UploadID, &sh.UploadRowID, &sh.DHLRef, &sh.TrackingNumber, &sh.LabelURL,
			&sh.RecipientName, &sh.AddressJSON, &sh.Status, &sh.EstimatedDelivery,
			&sh.CostAmount, &sh.CostCurrency, &sh.CreatedAt, &sh.UpdatedAt,
		); err != nil {
			return nil, errors.Wrap(err, "scan shipment")
		}
		out = append(out, &sh)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func (s *Storage) UpdateShipmentStatus(ctx context.Context, id uint64, status string) error {
	_, err := s.db.Exec(ctx, `
UPDATE shipments SET status = $2, updated_at = now() WHERE id = $1
`, id, status)
	return errors.Wrap(err, "update shipment status")
}

func (s *Storage) InsertAuditLog(ctx context.Context, actorID uint64, action string, metadata []byte) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO audit_logs (event_id, actor_id, action, metadata, created_at)
VALUES ($1,$2,$3,$4,now())
`, uuid.NewString(), actorID, action, metadata)
	return errors.Wrap(err, "insert audit log")
}
