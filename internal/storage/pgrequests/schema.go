package pgrequests

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS tracking_requests (
  id UUID PRIMARY KEY,
  owner_id TEXT NOT NULL,
  tracking_number TEXT NOT NULL,
  carrier TEXT NOT NULL DEFAULT '',
  state TEXT NOT NULL,
  metadata JSONB NOT NULL DEFAULT '{}',
  last_error TEXT NULL,
  dispatch_after TIMESTAMPTZ NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  UNIQUE (owner_id, tracking_number, carrier)
)`,
		`CREATE INDEX IF NOT EXISTS idx_tracking_requests_owner ON tracking_requests(owner_id)`,
		// Sweep path: only PENDING rows ever carry a due dispatch_after.
		`CREATE INDEX IF NOT EXISTS idx_tracking_requests_dispatch_after ON tracking_requests(dispatch_after) WHERE state = 'PENDING'`,
		`
CREATE TABLE IF NOT EXISTS shipment_results (
  request_id UUID PRIMARY KEY REFERENCES tracking_requests(id) ON DELETE CASCADE,
  tracking_number TEXT NOT NULL,
  carrier_name TEXT NOT NULL,
  current_status TEXT NOT NULL,
  current_location TEXT NOT NULL,
  expected_delivery_date TIMESTAMPTZ NULL,
  shipped_date TIMESTAMPTZ NULL,
  raw_payload JSONB NULL,
  created_at TIMESTAMPTZ NOT NULL
)`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
