package fulfill

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BearBump/ParcelDesk/internal/adapters"
	"github.com/BearBump/ParcelDesk/internal/adapters/fake"
	"github.com/BearBump/ParcelDesk/internal/callback"
	"github.com/BearBump/ParcelDesk/internal/models"
	"github.com/BearBump/ParcelDesk/internal/storage/pgrequests"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type fakeRepo struct {
	byID      map[string]*models.TrackingRequest
	due       []*models.TrackingRequest
	claimErr  error
	casOK     bool
	casErr    error
	lastTo    string
	lastPatch pgrequests.TransitionPatch
}

func newFakeRepo(reqs ...*models.TrackingRequest) *fakeRepo {
	r := &fakeRepo{byID: map[string]*models.TrackingRequest{}, casOK: true}
	for _, req := range reqs {
		r.byID[req.ID] = req
	}
	return r
}

func (r *fakeRepo) GetByID(ctx context.Context, id string) (*models.TrackingRequest, error) {
	req, ok := r.byID[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return req, nil
}

func (r *fakeRepo) ClaimDuePending(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.TrackingRequest, error) {
	if r.claimErr != nil {
		return nil, r.claimErr
	}
	out := r.due
	r.due = nil
	return out, nil
}

func (r *fakeRepo) CompareAndTransition(ctx context.Context, id, from, to string, patch pgrequests.TransitionPatch) (bool, error) {
	if r.casErr != nil {
		return false, r.casErr
	}
	if !r.casOK {
		return false, nil
	}
	req, ok := r.byID[id]
	if !ok || req.State != from {
		return false, nil
	}
	req.State = to
	if patch.Result != nil {
		req.Result = patch.Result
	}
	if patch.ErrorReason != nil {
		req.LastError = patch.ErrorReason
	}
	r.lastTo = to
	r.lastPatch = patch
	return true, nil
}

type fakeRL struct {
	allowed bool
	keys    []string
	limits  []int64
}

func (r *fakeRL) Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error) {
	r.keys = append(r.keys, key)
	r.limits = append(r.limits, limit)
	return r.allowed, 1, nil
}

type fakeNotifier struct {
	urls     []string
	payloads []callback.Payload
	err      error
}

func (n *fakeNotifier) Notify(ctx context.Context, url string, p callback.Payload) error {
	n.urls = append(n.urls, url)
	n.payloads = append(n.payloads, p)
	return n.err
}

func pendingRequest(id, carrier string) *models.TrackingRequest {
	return &models.TrackingRequest{
		ID:             id,
		OwnerID:        "u1",
		TrackingNumber: "9400110200881234567890",
		Carrier:        carrier,
		State:          models.StatePending,
	}
}

func registryWith(carrier string, a adapters.Adapter) *adapters.Registry {
	return adapters.NewRegistry().Register(carrier, a)
}

func TestWorker_Fulfill_Completes(t *testing.T) {
	req := pendingRequest("r1", models.CarrierUSPS)
	repo := newFakeRepo(req)
	ad := fake.New(models.CarrierUSPS)
	ad.FixedStatus = "Delivered"
	ad.FixedLocation = "New York, NY"
	w := New(repo, registryWith(models.CarrierUSPS, ad), nil, nil)

	require.NoError(t, w.fulfill(context.Background(), req))
	require.Equal(t, models.StateCompleted, req.State)
	require.NotNil(t, req.Result)
	require.Equal(t, "Delivered", req.Result.CurrentStatus)
	require.Equal(t, "New York, NY", req.Result.CurrentLocation)
	require.Equal(t, int64(1), w.Stats().TotalCompleted)
}

func TestWorker_Fulfill_AdapterErrorFails(t *testing.T) {
	req := pendingRequest("r1", models.CarrierUSPS)
	repo := newFakeRepo(req)
	ad := fake.New(models.CarrierUSPS)
	ad.Err = errors.New("upstream 503")
	w := New(repo, registryWith(models.CarrierUSPS, ad), nil, nil)

	require.NoError(t, w.fulfill(context.Background(), req))
	require.Equal(t, models.StateFailed, req.State)
	require.NotNil(t, req.LastError)
	require.Contains(t, *req.LastError, "upstream 503")
	require.Nil(t, req.Result)
	require.Equal(t, int64(1), w.Stats().TotalFailed)
}

func TestWorker_Fulfill_UnknownCarrierFails(t *testing.T) {
	req := pendingRequest("r1", models.CarrierDHL)
	repo := newFakeRepo(req)
	w := New(repo, adapters.NewRegistry(), nil, nil)

	require.NoError(t, w.fulfill(context.Background(), req))
	require.Equal(t, models.StateFailed, req.State)
	require.NotNil(t, req.LastError)
}

func TestWorker_Fulfill_ClaimRaceLostIsNoop(t *testing.T) {
	req := pendingRequest("r1", models.CarrierUSPS)
	repo := newFakeRepo(req)
	repo.casOK = false
	w := New(repo, registryWith(models.CarrierUSPS, fake.New(models.CarrierUSPS)), nil, nil)

	require.NoError(t, w.fulfill(context.Background(), req))
	require.Equal(t, models.StatePending, req.State)
	require.Empty(t, repo.lastTo)
}

func TestWorker_HandleDispatch(t *testing.T) {
	req := pendingRequest("r1", models.CarrierUSPS)
	repo := newFakeRepo(req)
	w := New(repo, registryWith(models.CarrierUSPS, fake.New(models.CarrierUSPS)), nil, nil)

	require.NoError(t, w.HandleDispatch(context.Background(), "r1"))
	require.Equal(t, models.StateCompleted, req.State)

	// неизвестный id и уже обработанная заявка не считаются ошибкой
	require.NoError(t, w.HandleDispatch(context.Background(), "nope"))
	require.NoError(t, w.HandleDispatch(context.Background(), "r1"))
}

func TestWorker_CallbackAfterTerminal(t *testing.T) {
	req := pendingRequest("r1", models.CarrierUSPS)
	req.Metadata = map[string]string{models.MetadataCallbackURL: "https://example.com/hook"}
	repo := newFakeRepo(req)
	fn := &fakeNotifier{}
	ad := fake.New(models.CarrierUSPS)
	ad.FixedStatus = "In Transit"
	w := New(repo, registryWith(models.CarrierUSPS, ad), nil, fn)

	require.NoError(t, w.fulfill(context.Background(), req))
	require.Len(t, fn.urls, 1)
	require.Equal(t, "https://example.com/hook", fn.urls[0])
	require.Equal(t, models.StateCompleted, fn.payloads[0].State)
	require.Equal(t, "r1", fn.payloads[0].RequestID)
	require.NotNil(t, fn.payloads[0].Result)
}

func TestWorker_CallbackFailureDoesNotUndoState(t *testing.T) {
	req := pendingRequest("r1", models.CarrierUSPS)
	req.Metadata = map[string]string{models.MetadataCallbackURL: "https://example.com/hook"}
	repo := newFakeRepo(req)
	fn := &fakeNotifier{err: errors.New("hook unreachable")}
	w := New(repo, registryWith(models.CarrierUSPS, fake.New(models.CarrierUSPS)), nil, fn)

	require.NoError(t, w.fulfill(context.Background(), req))
	require.True(t, models.TerminalState(req.State))
}

func TestWorker_CallbackOnFailureCarriesError(t *testing.T) {
	req := pendingRequest("r1", models.CarrierUSPS)
	req.Metadata = map[string]string{models.MetadataCallbackURL: "https://example.com/hook"}
	repo := newFakeRepo(req)
	fn := &fakeNotifier{}
	ad := fake.New(models.CarrierUSPS)
	ad.Err = errors.New("timeout")
	w := New(repo, registryWith(models.CarrierUSPS, ad), nil, fn)

	require.NoError(t, w.fulfill(context.Background(), req))
	require.Len(t, fn.payloads, 1)
	require.Equal(t, models.StateFailed, fn.payloads[0].State)
	require.Contains(t, fn.payloads[0].Error, "timeout")
	require.Nil(t, fn.payloads[0].Result)
}

func TestWorker_Throttle_PerCarrierOverride(t *testing.T) {
	req := pendingRequest("r1", models.CarrierDHL)
	repo := newFakeRepo(req)
	rl := &fakeRL{allowed: true}
	w := New(repo, registryWith(models.CarrierDHL, fake.New(models.CarrierDHL)), rl, nil).
		WithCarrierRateLimits(map[string]int64{models.CarrierDHL: 30})

	require.NoError(t, w.fulfill(context.Background(), req))
	require.Len(t, rl.limits, 1)
	require.Equal(t, int64(30), rl.limits[0])
	require.Contains(t, rl.keys[0], "rl:carrier:DHL:")
}

func TestWorker_Sweep_ProcessesClaimedBatch(t *testing.T) {
	r1 := pendingRequest("r1", models.CarrierUSPS)
	r2 := pendingRequest("r2", models.CarrierUSPS)
	r2.TrackingNumber = "9400110200881234567891"
	repo := newFakeRepo(r1, r2)
	repo.due = []*models.TrackingRequest{r1, r2}
	w := New(repo, registryWith(models.CarrierUSPS, fake.New(models.CarrierUSPS)), nil, nil)

	w.sweep(context.Background())
	require.Equal(t, models.StateCompleted, r1.State)
	require.Equal(t, models.StateCompleted, r2.State)

	st := w.Stats()
	require.Equal(t, int64(2), st.TotalClaimed)
	require.Equal(t, int64(2), st.TotalCompleted)
	require.NotNil(t, st.LastSweepAt)
	require.Equal(t, int64(0), st.InFlight)
}

func TestWorker_WithSettings(t *testing.T) {
	w := New(nil, nil, nil, nil).
		WithSettings(5*time.Second, 7, 9, 11*time.Second, 13*time.Second, 15)
	require.Equal(t, 5*time.Second, w.sweepInterval)
	require.Equal(t, 7, w.batchSize)
	require.Equal(t, 9, w.concurrency)
	require.Equal(t, 11*time.Second, w.lease)
	require.Equal(t, 13*time.Second, w.adapterTimeout)
	require.Equal(t, int64(15), w.rateLimitPerMinute)
}

func TestWorker_EndToEnd_HTTPCallback(t *testing.T) {
	var got callback.Payload
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		rw.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	req := pendingRequest("r1", models.CarrierUSPS)
	req.Metadata = map[string]string{models.MetadataCallbackURL: srv.URL}
	repo := newFakeRepo(req)
	ad := fake.New(models.CarrierUSPS)
	ad.FixedStatus = "Delivered"
	w := New(repo, registryWith(models.CarrierUSPS, ad), nil, callback.New(2*time.Second))

	require.NoError(t, w.fulfill(context.Background(), req))
	require.Equal(t, "r1", got.RequestID)
	require.Equal(t, models.StateCompleted, got.State)
	require.Equal(t, "Delivered", got.Result.CurrentStatus)
}
