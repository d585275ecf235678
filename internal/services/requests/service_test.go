package requests

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/BearBump/ParcelDesk/internal/adapters"
	"github.com/BearBump/ParcelDesk/internal/broker/messages"
	"github.com/BearBump/ParcelDesk/internal/models"
	"github.com/BearBump/ParcelDesk/internal/storage/pgrequests"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type fakeRepo struct {
	byID      map[string]*models.TrackingRequest
	createErr error
	casOK     bool
	casErr    error
	casCalls  int
	deleted   []string
	deleteErr error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{byID: map[string]*models.TrackingRequest{}, casOK: true}
}

func identityKey(owner, number, carrier string) string {
	return fmt.Sprintf("%s|%s|%s", owner, number, carrier)
}

func (f *fakeRepo) Create(ctx context.Context, req *models.TrackingRequest) error {
	if f.createErr != nil {
		return f.createErr
	}
	for _, r := range f.byID {
		if identityKey(r.OwnerID, r.TrackingNumber, r.Carrier) == identityKey(req.OwnerID, req.TrackingNumber, req.Carrier) {
			return models.ErrDuplicate
		}
	}
	f.byID[req.ID] = req
	return nil
}

func (f *fakeRepo) FindByIdentity(ctx context.Context, ownerID, trackingNumber, carrier string) (*models.TrackingRequest, error) {
	for _, r := range f.byID {
		if identityKey(r.OwnerID, r.TrackingNumber, r.Carrier) == identityKey(ownerID, trackingNumber, carrier) {
			return r, nil
		}
	}
	return nil, nil
}

func (f *fakeRepo) GetByID(ctx context.Context, id string) (*models.TrackingRequest, error) {
	r, ok := f.byID[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return r, nil
}

func (f *fakeRepo) ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]*models.TrackingRequest, error) {
	var out []*models.TrackingRequest
	for _, r := range f.byID {
		if r.OwnerID == ownerID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeRepo) Delete(ctx context.Context, ownerID, id string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	r, ok := f.byID[id]
	if !ok || r.OwnerID != ownerID {
		return models.ErrNotFound
	}
	delete(f.byID, id)
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeRepo) CompareAndTransition(ctx context.Context, id, from, to string, patch pgrequests.TransitionPatch) (bool, error) {
	f.casCalls++
	if f.casErr != nil {
		return false, f.casErr
	}
	if !f.casOK {
		return false, nil
	}
	r, ok := f.byID[id]
	if !ok || r.State != from {
		return false, nil
	}
	r.State = to
	if patch.Carrier != nil {
		r.Carrier = *patch.Carrier
	}
	if patch.Result != nil {
		r.Result = patch.Result
	}
	r.UpdatedAt = time.Now().UTC()
	return true, nil
}

type fakeProducer struct {
	topics []string
	keys   [][]byte
	values [][]byte
	err    error
}

func (p *fakeProducer) Publish(ctx context.Context, topic string, key, value []byte) error {
	p.topics = append(p.topics, topic)
	p.keys = append(p.keys, key)
	p.values = append(p.values, value)
	return p.err
}

type fakeRegistry struct {
	supported map[string]bool
}

func (r fakeRegistry) Supports(carrier string) bool { return r.supported[carrier] }
func (r fakeRegistry) Carriers() []adapters.CarrierStatus {
	out := make([]adapters.CarrierStatus, 0, len(r.supported))
	for name, ok := range r.supported {
		out = append(out, adapters.CarrierStatus{Name: name, Configured: ok})
	}
	return out
}

type fakeCache struct {
	m    map[string][]byte
	dels []string
}

func (c *fakeCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, ok := c.m[key]
	return b, ok, nil
}
func (c *fakeCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.m[key] = value
	return nil
}
func (c *fakeCache) Del(ctx context.Context, key string) error {
	c.dels = append(c.dels, key)
	delete(c.m, key)
	return nil
}

func newService(repo *fakeRepo, reg Registry, p Producer) *Service {
	return New(repo, reg, p, nil, "request.dispatched", 0)
}

func TestService_Submit_Validation(t *testing.T) {
	s := newService(newFakeRepo(), fakeRegistry{}, nil)

	_, err := s.Submit(context.Background(), models.SubmitInput{TrackingNumber: "1Z12345678901234AB"})
	require.ErrorIs(t, err, models.ErrValidation)

	_, err = s.Submit(context.Background(), models.SubmitInput{OwnerID: "u1", TrackingNumber: "short"})
	require.ErrorIs(t, err, models.ErrValidation)

	long := make([]byte, 51)
	for i := range long {
		long[i] = '1'
	}
	_, err = s.Submit(context.Background(), models.SubmitInput{OwnerID: "u1", TrackingNumber: string(long)})
	require.ErrorIs(t, err, models.ErrValidation)

	_, err = s.Submit(context.Background(), models.SubmitInput{OwnerID: "u1", TrackingNumber: "1Z12345678901234AB", Carrier: "CDEK"})
	require.ErrorIs(t, err, models.ErrValidation)
}

func TestService_Submit_ClassifiesAndEnqueues(t *testing.T) {
	repo := newFakeRepo()
	fp := &fakeProducer{}
	s := newService(repo, fakeRegistry{}, fp)

	req, err := s.Submit(context.Background(), models.SubmitInput{
		OwnerID:        "u1",
		TrackingNumber: "1Z12345678901234AB",
		Metadata:       map[string]string{"description": "птичий корм"},
	})
	require.NoError(t, err)
	require.Equal(t, models.CarrierUPS, req.Carrier)
	require.Equal(t, models.StatePending, req.State)
	require.NotEmpty(t, req.ID)

	require.Len(t, fp.topics, 1)
	require.Equal(t, "request.dispatched", fp.topics[0])
	var msg messages.RequestDispatched
	require.NoError(t, json.Unmarshal(fp.values[0], &msg))
	require.Equal(t, req.ID, msg.RequestID)
	require.Equal(t, models.CarrierUPS, msg.Carrier)
}

func TestService_Submit_UndeterminedStrict(t *testing.T) {
	repo := newFakeRepo()
	s := newService(repo, fakeRegistry{}, nil)

	_, err := s.Submit(context.Background(), models.SubmitInput{
		OwnerID:        "u1",
		TrackingNumber: "9400111206213859496247",
	})
	require.ErrorIs(t, err, models.ErrCarrierUndetermined)
	require.Empty(t, repo.byID)
}

func TestService_Submit_UndeterminedDeferred(t *testing.T) {
	repo := newFakeRepo()
	fp := &fakeProducer{}
	s := newService(repo, fakeRegistry{}, fp)

	req, err := s.Submit(context.Background(), models.SubmitInput{
		OwnerID:        "u1",
		TrackingNumber: "9400111206213859496247",
		DeferCarrier:   true,
	})
	require.NoError(t, err)
	require.Equal(t, models.StateAwaitingCarrier, req.State)
	require.Empty(t, req.Carrier)
	require.Empty(t, fp.topics) // без перевозчика диспатчить нечего
}

func TestService_Submit_Duplicate(t *testing.T) {
	repo := newFakeRepo()
	fp := &fakeProducer{}
	s := newService(repo, fakeRegistry{}, fp)

	first, err := s.Submit(context.Background(), models.SubmitInput{OwnerID: "u1", TrackingNumber: "1Z12345678901234AB"})
	require.NoError(t, err)

	second, err := s.Submit(context.Background(), models.SubmitInput{OwnerID: "u1", TrackingNumber: "1Z12345678901234AB"})
	require.ErrorIs(t, err, models.ErrDuplicate)
	require.Equal(t, first.ID, second.ID)
	require.Len(t, repo.byID, 1)
	require.Len(t, fp.topics, 1) // дубликат не диспатчится повторно

	// другой владелец — не дубликат
	_, err = s.Submit(context.Background(), models.SubmitInput{OwnerID: "u2", TrackingNumber: "1Z12345678901234AB"})
	require.NoError(t, err)
	require.Len(t, repo.byID, 2)
}

func TestService_AssignCarrier(t *testing.T) {
	repo := newFakeRepo()
	fp := &fakeProducer{}
	reg := fakeRegistry{supported: map[string]bool{models.CarrierUSPS: true}}
	s := newService(repo, reg, fp)

	req, err := s.Submit(context.Background(), models.SubmitInput{
		OwnerID:        "u1",
		TrackingNumber: "9400111206213859496247",
		DeferCarrier:   true,
	})
	require.NoError(t, err)

	// unknown enum
	_, err = s.AssignCarrier(context.Background(), "u1", req.ID, "CDEK")
	require.ErrorIs(t, err, models.ErrValidation)

	// unsupported by registry
	_, err = s.AssignCarrier(context.Background(), "u1", req.ID, models.CarrierDHL)
	require.ErrorIs(t, err, models.ErrCarrierUnsupported)

	// wrong owner
	_, err = s.AssignCarrier(context.Background(), "u2", req.ID, models.CarrierUSPS)
	require.ErrorIs(t, err, models.ErrNotFound)

	updated, err := s.AssignCarrier(context.Background(), "u1", req.ID, models.CarrierUSPS)
	require.NoError(t, err)
	require.Equal(t, models.StatePending, updated.State)
	require.Equal(t, models.CarrierUSPS, updated.Carrier)
	require.Len(t, fp.topics, 1)

	// повторное назначение
	_, err = s.AssignCarrier(context.Background(), "u1", req.ID, models.CarrierUSPS)
	require.ErrorIs(t, err, models.ErrCarrierAlreadyAssigned)
}

func TestService_AssignCarrier_RaceLost(t *testing.T) {
	repo := newFakeRepo()
	reg := fakeRegistry{supported: map[string]bool{models.CarrierUSPS: true}}
	s := newService(repo, reg, nil)

	now := time.Now().UTC()
	repo.byID["r1"] = &models.TrackingRequest{
		ID: "r1", OwnerID: "u1", TrackingNumber: "9400111206213859496247",
		State: models.StateAwaitingCarrier, CreatedAt: now, UpdatedAt: now,
	}
	repo.casOK = false

	_, err := s.AssignCarrier(context.Background(), "u1", "r1", models.CarrierUSPS)
	require.ErrorIs(t, err, models.ErrInvalidTransition)
}

func TestService_Get_CacheHitScopedToOwner(t *testing.T) {
	repo := newFakeRepo()
	c := &fakeCache{m: map[string][]byte{}}
	s := New(repo, fakeRegistry{}, nil, c, "t", 10*time.Minute)

	cached := &models.TrackingRequest{ID: "r7", OwnerID: "u1", State: models.StatePending}
	b, _ := json.Marshal(cached)
	c.m["request:r7:current"] = b

	got, err := s.Get(context.Background(), "u1", "r7")
	require.NoError(t, err)
	require.Equal(t, "r7", got.ID)

	// чужой владелец не должен видеть кэш
	_, err = s.Get(context.Background(), "u2", "r7")
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestService_Delete_DropsCache(t *testing.T) {
	repo := newFakeRepo()
	c := &fakeCache{m: map[string][]byte{}}
	s := New(repo, fakeRegistry{}, nil, c, "t", 10*time.Minute)

	repo.byID["r1"] = &models.TrackingRequest{ID: "r1", OwnerID: "u1"}
	require.NoError(t, s.Delete(context.Background(), "u1", "r1"))
	require.Equal(t, []string{"r1"}, repo.deleted)
	require.Equal(t, []string{"request:r1:current"}, c.dels)

	require.ErrorIs(t, s.Delete(context.Background(), "u1", "r1"), models.ErrNotFound)
}

func TestService_Submit_PublishFailureDoesNotFailIntake(t *testing.T) {
	repo := newFakeRepo()
	fp := &fakeProducer{err: errors.New("broker down")}
	s := newService(repo, fakeRegistry{}, fp)

	req, err := s.Submit(context.Background(), models.SubmitInput{OwnerID: "u1", TrackingNumber: "1Z12345678901234AB"})
	require.NoError(t, err)
	require.Equal(t, models.StatePending, req.State)
	require.Len(t, repo.byID, 1)
}
