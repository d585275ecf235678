package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BearBump/ParcelDesk/config"
	"github.com/BearBump/ParcelDesk/internal/adapters"
	"github.com/BearBump/ParcelDesk/internal/adapters/fake"
	"github.com/BearBump/ParcelDesk/internal/models"
	"github.com/stretchr/testify/require"
)

type fakeService struct{}

func (s fakeService) Submit(ctx context.Context, in models.SubmitInput) (*models.TrackingRequest, error) {
	now := time.Now().UTC()
	return &models.TrackingRequest{
		ID:             "req-1",
		OwnerID:        in.OwnerID,
		TrackingNumber: in.TrackingNumber,
		Carrier:        models.CarrierUPS,
		State:          models.StatePending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

func (s fakeService) AssignCarrier(ctx context.Context, ownerID, id, carrier string) (*models.TrackingRequest, error) {
	return nil, models.ErrNotFound
}

func (s fakeService) Get(ctx context.Context, ownerID, id string) (*models.TrackingRequest, error) {
	return nil, models.ErrNotFound
}

func (s fakeService) List(ctx context.Context, ownerID string, limit, offset int) ([]*models.TrackingRequest, error) {
	return nil, nil
}

func (s fakeService) Delete(ctx context.Context, ownerID, id string) error { return nil }

func (s fakeService) Carriers() []adapters.CarrierStatus { return nil }

func TestRunParcelAPI_ServesRoutes(t *testing.T) {
	dir := t.TempDir()
	sw := filepath.Join(dir, "openapi.json")
	require.NoError(t, os.WriteFile(sw, []byte(`{"openapi":"3.0.0"}`), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addrCh := make(chan string, 1)
	opts := parcelAPIOpts{
		httpAddr:    "127.0.0.1:0",
		swaggerPath: sw,
		onListen:    func(addr string) { addrCh <- addr },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- runParcelAPI(ctx, opts, fakeService{}) }()

	addr := <-addrCh

	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)

	resp, err = http.Get("http://" + addr + "/swagger.json")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)
	require.Contains(t, string(body), "openapi")

	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(map[string]any{"trackingNumber": "1Z12345678901234AB"}))
	req, err := http.NewRequest(http.MethodPost, "http://"+addr+"/v1/requests", &buf)
	require.NoError(t, err)
	req.Header.Set("X-Owner-Id", "u1")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	cancel()
	require.Error(t, <-errCh)
}

func TestRunParcelAPI_MissingSwagger(t *testing.T) {
	err := runParcelAPI(context.Background(), parcelAPIOpts{httpAddr: "127.0.0.1:0", swaggerPath: "/nope/openapi.json"}, fakeService{})
	require.Error(t, err)
}

func TestBuildRegistry_FakeByDefault(t *testing.T) {
	r := buildRegistry(&config.Config{})
	for _, c := range models.KnownCarriers {
		require.True(t, r.Supports(c))
		a, err := r.Resolve(c)
		require.NoError(t, err)
		_, ok := a.(*fake.Adapter)
		require.True(t, ok)
	}
}

func TestBuildRegistry_LiveUsesConfiguredFlag(t *testing.T) {
	cfg := &config.Config{}
	cfg.ParcelDesk.AdapterMode = "live"
	cfg.Carriers.USPS.UserID = "user"

	r := buildRegistry(cfg)
	statuses := r.Carriers()
	require.Len(t, statuses, len(models.KnownCarriers))

	_, err := r.Resolve(models.CarrierUSPS)
	require.NoError(t, err)

	// FedEx без ключей не сконфигурирован
	_, err = r.Resolve(models.CarrierFedEx)
	require.ErrorIs(t, err, models.ErrCarrierUnavailable)
}
