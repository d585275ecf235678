package pgrequests

import (
	"context"
	"encoding/json"
	"time"

	"github.com/BearBump/ParcelDesk/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
)

const requestColumns = `
  r.id, r.owner_id, r.tracking_number, r.carrier, r.state,
  r.metadata, r.last_error, r.created_at, r.updated_at,
  sr.current_status, sr.current_location,
  sr.expected_delivery_date, sr.shipped_date, sr.raw_payload`

// TransitionPatch carries the fields written together with a state change.
// Result must be set exactly when transitioning to COMPLETED.
type TransitionPatch struct {
	Carrier       *string
	ErrorReason   *string
	DispatchAfter *time.Time
	Result        *models.ShipmentResult
}

func (s *Storage) Create(ctx context.Context, req *models.TrackingRequest) error {
	md, err := json.Marshal(req.Metadata)
	if err != nil {
		return errors.Wrap(err, "marshal metadata")
	}
	if req.Metadata == nil {
		md = []byte(`{}`)
	}

	var dispatchAfter *time.Time
	if req.State == models.StatePending {
		now := req.CreatedAt
		dispatchAfter = &now
	}

	_, err = s.db.Exec(ctx, `
INSERT INTO tracking_requests (
  id, owner_id, tracking_number, carrier, state, metadata, dispatch_after, created_at, updated_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$8)
`, req.ID, req.OwnerID, req.TrackingNumber, req.Carrier, req.State, md, dispatchAfter, req.CreatedAt.UTC())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return models.ErrDuplicate
		}
		return errors.Wrap(err, "insert tracking request")
	}
	return nil
}

// FindByIdentity returns the request matching the identity triple, or
// (nil, nil) when none exists.
func (s *Storage) FindByIdentity(ctx context.Context, ownerID, trackingNumber, carrier string) (*models.TrackingRequest, error) {
	row := s.db.QueryRow(ctx, `
SELECT `+requestColumns+`
FROM tracking_requests r
LEFT JOIN shipment_results sr ON sr.request_id = r.id
WHERE r.owner_id = $1 AND r.tracking_number = $2 AND r.carrier = $3
`, ownerID, trackingNumber, carrier)

	req, err := scanRequest(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "find by identity")
	}
	return req, nil
}

func (s *Storage) GetByID(ctx context.Context, id string) (*models.TrackingRequest, error) {
	row := s.db.QueryRow(ctx, `
SELECT `+requestColumns+`
FROM tracking_requests r
LEFT JOIN shipment_results sr ON sr.request_id = r.id
WHERE r.id = $1
`, id)

	req, err := scanRequest(row)
	if err == pgx.ErrNoRows {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get tracking request")
	}
	return req, nil
}

func (s *Storage) ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]*models.TrackingRequest, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.Query(ctx, `
SELECT `+requestColumns+`
FROM tracking_requests r
LEFT JOIN shipment_results sr ON sr.request_id = r.id
WHERE r.owner_id = $1
ORDER BY r.created_at DESC
LIMIT $2 OFFSET $3
`, ownerID, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "select tracking requests")
	}
	defer rows.Close()

	out := make([]*models.TrackingRequest, 0, limit)
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan tracking request")
		}
		out = append(out, req)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// Delete removes the owner's request; shipment_results cascade.
func (s *Storage) Delete(ctx context.Context, ownerID, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM tracking_requests WHERE id = $1 AND owner_id = $2`, id, ownerID)
	if err != nil {
		return errors.Wrap(err, "delete tracking request")
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// CompareAndTransition atomically moves the request from `from` to `to`,
// applying the patch in the same transaction. The pair must be allowed by
// models.CanTransition; anything else (a terminal state going backwards, a
// skipped step) fails with models.ErrInvalidTransition before touching the
// row. Returns false when the row is no longer in `from` (lost race), with no
// side effects in that case.
func (s *Storage) CompareAndTransition(ctx context.Context, id, from, to string, patch TransitionPatch) (bool, error) {
	if !models.CanTransition(from, to) {
		return false, errors.Wrapf(models.ErrInvalidTransition, "%s -> %s", from, to)
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
UPDATE tracking_requests
SET
  state = $3,
  carrier = COALESCE($4, carrier),
  last_error = $5,
  dispatch_after = $6,
  updated_at = now()
WHERE id = $1 AND state = $2
`, id, from, to, patch.Carrier, patch.ErrorReason, patch.DispatchAfter)
	if err != nil {
		return false, errors.Wrap(err, "update state")
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if patch.Result != nil {
		var raw any
		if len(patch.Result.RawPayload) > 0 {
			raw = []byte(patch.Result.RawPayload)
		}
		_, err := tx.Exec(ctx, `
INSERT INTO shipment_results (
  request_id, tracking_number, carrier_name, current_status, current_location,
  expected_delivery_date, shipped_date, raw_payload, created_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8, now())
`, id, patch.Result.TrackingNumber, patch.Result.CarrierName,
			patch.Result.CurrentStatus, patch.Result.CurrentLocation,
			patch.Result.ExpectedDeliveryDate, patch.Result.ShippedDate, raw)
		if err != nil {
			return false, errors.Wrap(err, "insert shipment result")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, errors.Wrap(err, "commit tx")
	}
	return true, nil
}

// ClaimDuePending выбирает пачку PENDING-заявок, чей enqueue-сигнал мог
// потеряться, и "бронирует" их на lease, чтобы параллельный sweep их не
// забрал. Использует SELECT ... FOR UPDATE SKIP LOCKED.
func (s *Storage) ClaimDuePending(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.TrackingRequest, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
SELECT `+requestColumns+`
FROM tracking_requests r
LEFT JOIN shipment_results sr ON sr.request_id = r.id
WHERE r.state = $1 AND r.dispatch_after IS NOT NULL AND r.dispatch_after <= $2
ORDER BY r.dispatch_after ASC
LIMIT $3
FOR UPDATE OF r SKIP LOCKED
`, models.StatePending, now.UTC(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "select due requests")
	}
	defer rows.Close()

	var picked []*models.TrackingRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan due request")
		}
		picked = append(picked, req)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}

	leaseUntil := now.UTC().Add(lease)
	for _, req := range picked {
		_, err := tx.Exec(ctx, `UPDATE tracking_requests SET dispatch_after = $2, updated_at = now() WHERE id = $1`, req.ID, leaseUntil)
		if err != nil {
			return nil, errors.Wrap(err, "lease request")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return picked, nil
}

func scanRequest(row pgx.Row) (*models.TrackingRequest, error) {
	var req models.TrackingRequest
	var md []byte
	var lastError *string
	var resStatus, resLocation *string
	var resExpected, resShipped *time.Time
	var resRaw []byte

	if err := row.Scan(
		&req.ID, &req.OwnerID, &req.TrackingNumber, &req.Carrier, &req.State,
		&md, &lastError, &req.CreatedAt, &req.UpdatedAt,
		&resStatus, &resLocation, &resExpected, &resShipped, &resRaw,
	); err != nil {
		return nil, err
	}

	req.LastError = lastError
	if len(md) > 0 {
		if err := json.Unmarshal(md, &req.Metadata); err != nil {
			return nil, errors.Wrap(err, "unmarshal metadata")
		}
	}

	if resStatus != nil {
		req.Result = &models.ShipmentResult{
			TrackingNumber:       req.TrackingNumber,
			CarrierName:          req.Carrier,
			CurrentStatus:        *resStatus,
			CurrentLocation:      derefOr(resLocation, models.ResultStatusUnknown),
			ExpectedDeliveryDate: resExpected,
			ShippedDate:          resShipped,
			RawPayload:           json.RawMessage(resRaw),
		}
	}
	return &req, nil
}

func derefOr(s *string, def string) string {
	if s == nil {
		return def
	}
	return *s
}
