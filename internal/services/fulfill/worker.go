package fulfill

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BearBump/ParcelDesk/internal/adapters"
	"github.com/BearBump/ParcelDesk/internal/cache"
	"github.com/BearBump/ParcelDesk/internal/callback"
	"github.com/BearBump/ParcelDesk/internal/models"
	"github.com/BearBump/ParcelDesk/internal/storage/pgrequests"
	"github.com/pkg/errors"
)

type Repository interface {
	GetByID(ctx context.Context, id string) (*models.TrackingRequest, error)
	ClaimDuePending(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.TrackingRequest, error)
	CompareAndTransition(ctx context.Context, id, from, to string, patch pgrequests.TransitionPatch) (bool, error)
}

type Resolver interface {
	Resolve(carrier string) (adapters.Adapter, error)
}

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

type Notifier interface {
	Notify(ctx context.Context, url string, p callback.Payload) error
}

type Worker struct {
	repo     Repository
	registry Resolver
	rl       RateLimiter
	notifier Notifier
	cache    cache.BytesCache

	sweepInterval      time.Duration
	batchSize          int
	concurrency        int
	lease              time.Duration
	adapterTimeout     time.Duration
	rateLimitPerMinute int64
	carrierRateLimits  map[string]int64

	triggerCh chan struct{}

	startedAtUnixNano   int64
	lastSweepUnixNano   atomic.Int64
	lastTriggerUnixNano atomic.Int64
	totalClaimed        atomic.Int64
	totalCompleted      atomic.Int64
	totalFailed         atomic.Int64
	totalErrors         atomic.Int64
	inFlight            atomic.Int64
	lastErrorMu         sync.Mutex
	lastError           string
}

func New(repo Repository, registry Resolver, rl RateLimiter, notifier Notifier) *Worker {
	return &Worker{
		repo: repo, registry: registry, rl: rl, notifier: notifier,
		sweepInterval:      5 * time.Second,
		batchSize:          100,
		concurrency:        10,
		lease:              120 * time.Second,
		adapterTimeout:     30 * time.Second,
		rateLimitPerMinute: 120,
		triggerCh:          make(chan struct{}, 1),
		startedAtUnixNano:  time.Now().UTC().UnixNano(),
	}
}

func (w *Worker) WithSettings(sweepInterval time.Duration, batchSize, concurrency int, lease, adapterTimeout time.Duration, rlPerMin int64) *Worker {
	if sweepInterval > 0 {
		w.sweepInterval = sweepInterval
	}
	if batchSize > 0 {
		w.batchSize = batchSize
	}
	if concurrency > 0 {
		w.concurrency = concurrency
	}
	if lease > 0 {
		w.lease = lease
	}
	if adapterTimeout > 0 {
		w.adapterTimeout = adapterTimeout
	}
	if rlPerMin > 0 {
		w.rateLimitPerMinute = rlPerMin
	}
	return w
}

// WithCache hands over the snapshot cache intake writes to. Without it the
// API keeps serving the cached PENDING view until the TTL runs out.
func (w *Worker) WithCache(c cache.BytesCache) *Worker {
	w.cache = c
	return w
}

// WithCarrierRateLimits overrides the per-minute budget for individual
// carriers; anything not listed keeps the global limit.
func (w *Worker) WithCarrierRateLimits(perMin map[string]int64) *Worker {
	if len(perMin) > 0 {
		w.carrierRateLimits = perMin
	}
	return w
}

// Trigger forces an immediate sweep (best-effort, non-blocking).
func (w *Worker) Trigger() {
	w.lastTriggerUnixNano.Store(time.Now().UTC().UnixNano())
	select {
	case w.triggerCh <- struct{}{}:
	default:
	}
}

type Stats struct {
	StartedAt      time.Time  `json:"startedAt"`
	LastSweepAt    *time.Time `json:"lastSweepAt,omitempty"`
	LastTriggerAt  *time.Time `json:"lastTriggerAt,omitempty"`
	TotalClaimed   int64      `json:"totalClaimed"`
	TotalCompleted int64      `json:"totalCompleted"`
	TotalFailed    int64      `json:"totalFailed"`
	TotalErrors    int64      `json:"totalErrors"`
	InFlight       int64      `json:"inFlight"`
	LastError      string     `json:"lastError,omitempty"`
}

func (w *Worker) Stats() Stats {
	st := Stats{
		StartedAt:      time.Unix(0, w.startedAtUnixNano).UTC(),
		TotalClaimed:   w.totalClaimed.Load(),
		TotalCompleted: w.totalCompleted.Load(),
		TotalFailed:    w.totalFailed.Load(),
		TotalErrors:    w.totalErrors.Load(),
		InFlight:       w.inFlight.Load(),
	}
	if n := w.lastSweepUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastSweepAt = &t
	}
	if n := w.lastTriggerUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastTriggerAt = &t
	}
	w.lastErrorMu.Lock()
	st.LastError = w.lastError
	w.lastErrorMu.Unlock()
	return st
}

// Run sweeps for due PENDING requests until the context is cancelled. The
// sweep is the backstop for dispatch signals that never arrived; the normal
// path is HandleDispatch fed by the broker consumer.
func (w *Worker) Run(ctx context.Context) error {
	t := time.NewTicker(w.sweepInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			w.sweep(ctx)
		case <-w.triggerCh:
			w.sweep(ctx)
		}
	}
}

func (w *Worker) sweep(ctx context.Context) {
	now := time.Now().UTC()
	w.lastSweepUnixNano.Store(now.UnixNano())

	items, err := w.repo.ClaimDuePending(ctx, now, w.batchSize, w.lease)
	if err != nil {
		slog.Error("claim due requests", "error", err.Error())
		w.noteError(err)
		return
	}
	w.totalClaimed.Add(int64(len(items)))

	sem := make(chan struct{}, w.concurrency)
	var wg sync.WaitGroup
	for _, req := range items {
		sem <- struct{}{}
		wg.Add(1)
		reqCopy := req
		w.inFlight.Add(1)
		go func() {
			defer func() {
				w.inFlight.Add(-1)
				<-sem
				wg.Done()
			}()
			if err := w.fulfill(ctx, reqCopy); err != nil {
				w.totalErrors.Add(1)
				w.noteError(err)
				slog.Error("fulfill request", "request_id", reqCopy.ID, "error", err.Error())
			}
		}()
	}
	wg.Wait()
}

// HandleDispatch is the broker consumer entry point. Unknown ids and requests
// already past PENDING are skipped without error: the signal is at-least-once
// and the sweep may have got there first.
func (w *Worker) HandleDispatch(ctx context.Context, requestID string) error {
	req, err := w.repo.GetByID(ctx, requestID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			slog.Warn("dispatch for unknown request", "request_id", requestID)
			return nil
		}
		return err
	}
	if req.State != models.StatePending {
		return nil
	}
	return w.fulfill(ctx, req)
}

// fulfill drives one request from PENDING to a terminal state. The claim is a
// compare-and-set on PENDING, so concurrent consumers and the sweep cannot
// process the same request twice.
func (w *Worker) fulfill(ctx context.Context, req *models.TrackingRequest) error {
	ok, err := w.repo.CompareAndTransition(ctx, req.ID, models.StatePending, models.StateProcessing, pgrequests.TransitionPatch{})
	if err != nil {
		return errors.Wrap(err, "claim request")
	}
	if !ok {
		// Заявку уже забрал кто-то другой.
		return nil
	}

	if err := w.throttle(ctx, req.Carrier); err != nil {
		w.noteError(err)
	}

	adapter, err := w.registry.Resolve(req.Carrier)
	if err != nil {
		return w.finish(ctx, req, nil, err)
	}

	actx, cancel := context.WithTimeout(ctx, w.adapterTimeout)
	res, err := adapter.TrackPackage(actx, req.TrackingNumber)
	cancel()
	if err != nil {
		return w.finish(ctx, req, nil, err)
	}
	return w.finish(ctx, req, &res, nil)
}

func (w *Worker) throttle(ctx context.Context, carrier string) error {
	if w.rl == nil || w.rateLimitPerMinute <= 0 {
		return nil
	}
	limit := w.rateLimitPerMinute
	if n, ok := w.carrierRateLimits[carrier]; ok && n > 0 {
		limit = n
	}
	now := time.Now().UTC()
	minuteKey := fmt.Sprintf("rl:carrier:%s:%s", carrier, now.Format("200601021504"))
	allowed, n, err := w.rl.Allow(ctx, minuteKey, limit, 70*time.Second)
	if err != nil {
		return err
	}
	if !allowed {
		// Слишком много запросов в минуту: подождём немного, чтобы разгрузить источник.
		slog.Warn("rate limit exceeded", "carrier", carrier, "count", n)
		time.Sleep(500 * time.Millisecond)
	}
	return nil
}

// finish records the terminal state and then fires the advisory callback.
// The callback runs strictly after the durable transition and its outcome
// never changes the stored state.
func (w *Worker) finish(ctx context.Context, req *models.TrackingRequest, res *models.ShipmentResult, cause error) error {
	patch := pgrequests.TransitionPatch{}
	to := models.StateCompleted
	if cause != nil {
		to = models.StateFailed
		reason := cause.Error()
		patch.ErrorReason = &reason
	} else {
		patch.Result = res
	}

	ok, err := w.repo.CompareAndTransition(ctx, req.ID, models.StateProcessing, to, patch)
	if err != nil {
		return errors.Wrapf(err, "transition to %s", to)
	}
	if !ok {
		return errors.Errorf("request %s left PROCESSING unexpectedly", req.ID)
	}

	if to == models.StateCompleted {
		w.totalCompleted.Add(1)
	} else {
		w.totalFailed.Add(1)
	}

	w.invalidate(ctx, req.ID)
	w.notify(ctx, req, to, res, cause)
	return nil
}

// invalidate drops the request snapshot so the next read hits the store and
// sees the terminal state instead of the cached PENDING view.
func (w *Worker) invalidate(ctx context.Context, id string) {
	if w.cache == nil {
		return
	}
	if err := w.cache.Del(ctx, cache.RequestCurrentKey(id)); err != nil {
		slog.Warn("drop cached request", "request_id", id, "error", err.Error())
	}
}

func (w *Worker) notify(ctx context.Context, req *models.TrackingRequest, state string, res *models.ShipmentResult, cause error) {
	if w.notifier == nil {
		return
	}
	url := req.Metadata[models.MetadataCallbackURL]
	if url == "" {
		return
	}
	p := callback.Payload{
		RequestID:      req.ID,
		TrackingNumber: req.TrackingNumber,
		State:          state,
		Carrier:        req.Carrier,
		Result:         res,
		Timestamp:      time.Now().UTC(),
	}
	if cause != nil {
		p.Error = cause.Error()
	}
	if err := w.notifier.Notify(ctx, url, p); err != nil {
		// Колбэк только уведомляет, состояние уже записано.
		slog.Warn("callback delivery failed", "request_id", req.ID, "url", url, "error", err.Error())
	}
}

func (w *Worker) noteError(err error) {
	w.lastErrorMu.Lock()
	w.lastError = err.Error()
	w.lastErrorMu.Unlock()
}
