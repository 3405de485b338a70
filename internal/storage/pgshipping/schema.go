package pgshipping

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS uploads (
  id BIGSERIAL PRIMARY KEY,
  uploaded_by BIGINT NOT NULL,
  filename TEXT NOT NULL,
  total_rows INT NOT NULL DEFAULT 0,
  processed_rows INT NOT NULL DEFAULT 0,
  failed_rows INT NOT NULL DEFAULT 0,
  status TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_uploads_uploaded_by ON uploads(uploaded_by, created_at DESC)`,
		`
CREATE TABLE IF NOT EXISTS upload_rows (
  id BIGSERIAL PRIMARY KEY,
  upload_id BIGINT NOT NULL REFERENCES uploads(id) ON DELETE CASCADE,
  row_number INT NOT NULL,
  raw_json TEXT NOT NULL,
  recipient_name TEXT NOT NULL DEFAULT '',
  street TEXT NOT NULL DEFAULT '',
  city TEXT NOT NULL DEFAULT '',
  postal_code TEXT NOT NULL DEFAULT '',
  country TEXT NOT NULL DEFAULT '',
  phone TEXT NULL,
  weight DOUBLE PRECISION NOT NULL DEFAULT 1.0,
  status TEXT NOT NULL,
  error_msg TEXT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  UNIQUE (upload_id, row_number)
)`,
		`CREATE INDEX IF NOT EXISTS idx_upload_rows_upload_id_status ON upload_rows(upload_id, status)`,
		`
CREATE TABLE IF NOT EXISTS shipments (
  id BIGSERIAL PRIMARY KEY,
  upload_id BIGINT NOT NULL REFERENCES uploads(id) ON DELETE CASCADE,
  upload_row_id BIGINT NOT NULL REFERENCES upload_rows(id) ON DELETE CASCADE,
  dhl_ref TEXT NOT NULL,
  tracking_number TEXT NOT NULL,
  label_url TEXT NOT NULL DEFAULT '',
  recipient_name TEXT NOT NULL DEFAULT '',
  address_json TEXT NOT NULL DEFAULT '{}',
  status TEXT NOT NULL,
  estimated_delivery TIMESTAMPTZ NULL,
  cost_amount NUMERIC(12,2) NOT NULL DEFAULT 0,
  cost_currency TEXT NOT NULL DEFAULT 'USD',
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  UNIQUE (upload_row_id)
)`,
		`CREATE INDEX IF NOT EXISTS idx_shipments_upload_id ON shipments(upload_id)`,
		`CREATE INDEX IF NOT EXISTS idx_shipments_tracking_number ON shipments(tracking_number)`,
		`
CREATE TABLE IF NOT EXISTS audit_logs (
  id BIGSERIAL PRIMARY KEY,
  event_id UUID NOT NULL,
  actor_id BIGINT NOT NULL,
  action TEXT NOT NULL,
  metadata JSONB NULL,
  created_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_logs_actor_id ON audit_logs(actor_id, created_at DESC)`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
