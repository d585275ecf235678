package requests

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/BearBump/ParcelDesk/internal/adapters"
	"github.com/BearBump/ParcelDesk/internal/broker/messages"
	"github.com/BearBump/ParcelDesk/internal/cache"
	"github.com/BearBump/ParcelDesk/internal/carriers"
	"github.com/BearBump/ParcelDesk/internal/models"
	"github.com/BearBump/ParcelDesk/internal/storage/pgrequests"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Repository is the narrow persistence contract the lifecycle manager needs.
type Repository interface {
	Create(ctx context.Context, req *models.TrackingRequest) error
	FindByIdentity(ctx context.Context, ownerID, trackingNumber, carrier string) (*models.TrackingRequest, error)
	GetByID(ctx context.Context, id string) (*models.TrackingRequest, error)
	ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]*models.TrackingRequest, error)
	Delete(ctx context.Context, ownerID, id string) error
	CompareAndTransition(ctx context.Context, id, from, to string, patch pgrequests.TransitionPatch) (bool, error)
}

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

// Registry is the read side of the adapter registry the lifecycle manager
// consults before promoting a request to PENDING.
type Registry interface {
	Supports(carrier string) bool
	Carriers() []adapters.CarrierStatus
}

type Service struct {
	repo       Repository
	registry   Registry
	producer   Producer
	cache      cache.BytesCache
	topic      string
	currentTTL time.Duration
}

func New(repo Repository, registry Registry, producer Producer, c cache.BytesCache, topic string, currentTTL time.Duration) *Service {
	return &Service{
		repo:       repo,
		registry:   registry,
		producer:   producer,
		cache:      c,
		topic:      topic,
		currentTTL: currentTTL,
	}
}

// Submit creates a tracking request. Carrier resolution order: explicit
// carrier, then classifier; when the classifier comes up empty the request is
// either rejected (strict) or stored in AWAITING_CARRIER (DeferCarrier).
// A duplicate identity returns the existing record together with
// models.ErrDuplicate. Fulfillment never blocks this path: Submit returns
// after the durable write plus the enqueue signal.
func (s *Service) Submit(ctx context.Context, in models.SubmitInput) (*models.TrackingRequest, error) {
	if in.OwnerID == "" {
		return nil, errors.Wrap(models.ErrValidation, "ownerId is required")
	}
	if n := len(in.TrackingNumber); n < models.TrackingNumberMinLen || n > models.TrackingNumberMaxLen {
		return nil, errors.Wrapf(models.ErrValidation, "trackingNumber length must be %d..%d", models.TrackingNumberMinLen, models.TrackingNumberMaxLen)
	}
	if in.Carrier != "" && !models.KnownCarrier(in.Carrier) {
		return nil, errors.Wrapf(models.ErrValidation, "unknown carrier %q", in.Carrier)
	}

	carrier := in.Carrier
	if carrier == "" {
		if guessed := carriers.Classify(in.TrackingNumber); guessed != models.CarrierUnknown {
			carrier = guessed
		} else if !in.DeferCarrier {
			return nil, models.ErrCarrierUndetermined
		}
	}

	existing, err := s.repo.FindByIdentity(ctx, in.OwnerID, in.TrackingNumber, carrier)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, models.ErrDuplicate
	}

	now := time.Now().UTC()
	req := &models.TrackingRequest{
		ID:             uuid.NewString(),
		OwnerID:        in.OwnerID,
		TrackingNumber: in.TrackingNumber,
		Carrier:        carrier,
		State:          models.StatePending,
		Metadata:       in.Metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if carrier == "" {
		req.State = models.StateAwaitingCarrier
	}

	if err := s.repo.Create(ctx, req); err != nil {
		if errors.Is(err, models.ErrDuplicate) {
			// Проиграли гонку за identity: возвращаем победителя.
			winner, ferr := s.repo.FindByIdentity(ctx, in.OwnerID, in.TrackingNumber, carrier)
			if ferr == nil && winner != nil {
				return winner, models.ErrDuplicate
			}
		}
		return nil, err
	}

	if req.State == models.StatePending {
		s.enqueue(ctx, req)
	}
	s.cacheSet(ctx, req)
	return req, nil
}

// AssignCarrier moves an AWAITING_CARRIER request to PENDING and queues it.
func (s *Service) AssignCarrier(ctx context.Context, ownerID, id, carrier string) (*models.TrackingRequest, error) {
	if !models.KnownCarrier(carrier) {
		return nil, errors.Wrapf(models.ErrValidation, "unknown carrier %q", carrier)
	}

	req, err := s.getOwned(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if req.Carrier != "" {
		return nil, models.ErrCarrierAlreadyAssigned
	}
	if !s.registry.Supports(carrier) {
		return nil, errors.Wrapf(models.ErrCarrierUnsupported, "carrier %s", carrier)
	}

	dispatchAfter := time.Now().UTC()
	ok, err := s.repo.CompareAndTransition(ctx, id, models.StateAwaitingCarrier, models.StatePending, pgrequests.TransitionPatch{
		Carrier:       &carrier,
		DispatchAfter: &dispatchAfter,
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		// Заявка уже ушла из AWAITING_CARRIER — это гонка или баг вызова.
		return nil, errors.Wrapf(models.ErrInvalidTransition, "request %s is not awaiting carrier", id)
	}

	updated, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	s.enqueue(ctx, updated)
	s.cacheSet(ctx, updated)
	return updated, nil
}

func (s *Service) Get(ctx context.Context, ownerID, id string) (*models.TrackingRequest, error) {
	if s.cache != nil && s.currentTTL > 0 {
		if b, ok, err := s.cache.Get(ctx, cache.RequestCurrentKey(id)); err == nil && ok {
			var req models.TrackingRequest
			if json.Unmarshal(b, &req) == nil && req.OwnerID == ownerID {
				return &req, nil
			}
		}
	}

	req, err := s.getOwned(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	s.cacheSet(ctx, req)
	return req, nil
}

func (s *Service) List(ctx context.Context, ownerID string, limit, offset int) ([]*models.TrackingRequest, error) {
	if ownerID == "" {
		return nil, errors.Wrap(models.ErrValidation, "ownerId is required")
	}
	return s.repo.ListByOwner(ctx, ownerID, limit, offset)
}

func (s *Service) Delete(ctx context.Context, ownerID, id string) error {
	if err := s.repo.Delete(ctx, ownerID, id); err != nil {
		return err
	}
	if s.cache != nil && s.currentTTL > 0 {
		if err := s.cache.Del(ctx, cache.RequestCurrentKey(id)); err != nil {
			slog.Warn("drop cached request", "request_id", id, "error", err.Error())
		}
	}
	return nil
}

// Carriers exposes the registry listing for the API.
func (s *Service) Carriers() []adapters.CarrierStatus {
	return s.registry.Carriers()
}

func (s *Service) getOwned(ctx context.Context, ownerID, id string) (*models.TrackingRequest, error) {
	req, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.OwnerID != ownerID {
		// Чужая заявка неотличима от несуществующей.
		return nil, models.ErrNotFound
	}
	return req, nil
}

// enqueue publishes the dispatch signal. Failure is logged, not returned:
// the worker sweep picks up PENDING rows whose signal never arrived.
func (s *Service) enqueue(ctx context.Context, req *models.TrackingRequest) {
	if s.producer == nil {
		return
	}
	msg := messages.RequestDispatched{
		RequestID:  req.ID,
		Carrier:    req.Carrier,
		EnqueuedAt: time.Now().UTC(),
	}
	b, err := json.Marshal(msg)
	if err != nil {
		slog.Error("marshal dispatch msg", "request_id", req.ID, "error", err.Error())
		return
	}
	if err := s.producer.Publish(ctx, s.topic, []byte(req.ID), b); err != nil {
		slog.Warn("publish dispatch msg", "request_id", req.ID, "error", err.Error())
	}
}

func (s *Service) cacheSet(ctx context.Context, req *models.TrackingRequest) {
	if s.cache == nil || s.currentTTL <= 0 {
		return
	}
	b, err := json.Marshal(req)
	if err != nil {
		return
	}
	_ = s.cache.Set(ctx, cache.RequestCurrentKey(req.ID), b, s.currentTTL)
}
