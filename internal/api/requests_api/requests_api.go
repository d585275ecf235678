package requests_api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/BearBump/ParcelDesk/internal/adapters"
	"github.com/BearBump/ParcelDesk/internal/models"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
)

const ownerHeader = "X-Owner-Id"

type Service interface {
	Submit(ctx context.Context, in models.SubmitInput) (*models.TrackingRequest, error)
	AssignCarrier(ctx context.Context, ownerID, id, carrier string) (*models.TrackingRequest, error)
	Get(ctx context.Context, ownerID, id string) (*models.TrackingRequest, error)
	List(ctx context.Context, ownerID string, limit, offset int) ([]*models.TrackingRequest, error)
	Delete(ctx context.Context, ownerID, id string) error
	Carriers() []adapters.CarrierStatus
}

type RequestsAPI struct {
	svc Service
}

func New(svc Service) *RequestsAPI {
	return &RequestsAPI{svc: svc}
}

func (a *RequestsAPI) Routes(r chi.Router) {
	r.Post("/v1/requests", a.submit)
	r.Get("/v1/requests", a.list)
	r.Get("/v1/requests/{id}", a.get)
	r.Delete("/v1/requests/{id}", a.remove)
	r.Post("/v1/requests/{id}/carrier", a.assignCarrier)
	r.Get("/v1/carriers", a.carriers)
}

type submitRequest struct {
	TrackingNumber string            `json:"trackingNumber"`
	Carrier        string            `json:"carrier,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	DeferCarrier   bool              `json:"deferCarrier,omitempty"`
}

type assignCarrierRequest struct {
	Carrier string `json:"carrier"`
}

type requestView struct {
	ID             string            `json:"id"`
	TrackingNumber string            `json:"trackingNumber"`
	Carrier        string            `json:"carrier,omitempty"`
	State          string            `json:"state"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Result         *resultView       `json:"result,omitempty"`
	LastError      string            `json:"lastError,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

type resultView struct {
	TrackingNumber       string          `json:"trackingNumber"`
	CarrierName          string          `json:"carrierName"`
	CurrentStatus        string          `json:"currentStatus"`
	CurrentLocation      string          `json:"currentLocation"`
	ExpectedDeliveryDate *time.Time      `json:"expectedDeliveryDate,omitempty"`
	ShippedDate          *time.Time      `json:"shippedDate,omitempty"`
	RawPayload           json.RawMessage `json:"rawPayload,omitempty"`
}

type submitResponse struct {
	Request   requestView `json:"request"`
	Duplicate bool        `json:"duplicate,omitempty"`
}

type listResponse struct {
	Requests []requestView `json:"requests"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (a *RequestsAPI) submit(w http.ResponseWriter, r *http.Request) {
	owner := r.Header.Get(ownerHeader)
	var in submitRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, errors.Wrap(models.ErrValidation, "invalid json body"))
		return
	}

	req, err := a.svc.Submit(r.Context(), models.SubmitInput{
		OwnerID:        owner,
		TrackingNumber: in.TrackingNumber,
		Carrier:        in.Carrier,
		Metadata:       in.Metadata,
		DeferCarrier:   in.DeferCarrier,
	})
	if errors.Is(err, models.ErrDuplicate) {
		// Повторная заявка не ошибка: отдаём существующую запись.
		writeJSON(w, http.StatusOK, submitResponse{Request: toView(req), Duplicate: true})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, submitResponse{Request: toView(req)})
}

func (a *RequestsAPI) get(w http.ResponseWriter, r *http.Request) {
	req, err := a.svc.Get(r.Context(), r.Header.Get(ownerHeader), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toView(req))
}

func (a *RequestsAPI) list(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	reqs, err := a.svc.List(r.Context(), r.Header.Get(ownerHeader), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	out := listResponse{Requests: make([]requestView, 0, len(reqs))}
	for _, req := range reqs {
		out.Requests = append(out.Requests, toView(req))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *RequestsAPI) remove(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.Delete(r.Context(), r.Header.Get(ownerHeader), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *RequestsAPI) assignCarrier(w http.ResponseWriter, r *http.Request) {
	var in assignCarrierRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, errors.Wrap(models.ErrValidation, "invalid json body"))
		return
	}
	req, err := a.svc.AssignCarrier(r.Context(), r.Header.Get(ownerHeader), chi.URLParam(r, "id"), in.Carrier)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toView(req))
}

func (a *RequestsAPI) carriers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"carriers": a.svc.Carriers()})
}

func toView(req *models.TrackingRequest) requestView {
	v := requestView{
		ID:             req.ID,
		TrackingNumber: req.TrackingNumber,
		Carrier:        req.Carrier,
		State:          req.State,
		Metadata:       req.Metadata,
		CreatedAt:      req.CreatedAt,
		UpdatedAt:      req.UpdatedAt,
	}
	if req.LastError != nil {
		v.LastError = *req.LastError
	}
	if req.Result != nil {
		v.Result = &resultView{
			TrackingNumber:       req.Result.TrackingNumber,
			CarrierName:          req.Result.CarrierName,
			CurrentStatus:        req.Result.CurrentStatus,
			CurrentLocation:      req.Result.CurrentLocation,
			ExpectedDeliveryDate: req.Result.ExpectedDeliveryDate,
			ShippedDate:          req.Result.ShippedDate,
			RawPayload:           req.Result.RawPayload,
		}
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err.Error())
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, models.ErrCarrierUndetermined),
		errors.Is(err, models.ErrCarrierUnsupported),
		errors.Is(err, models.ErrInvalidTransition):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrCarrierAlreadyAssigned):
		status = http.StatusConflict
	case errors.Is(err, models.ErrNotFound):
		status = http.StatusNotFound
	}
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err.Error())
		writeJSON(w, status, errorResponse{Error: "internal error"})
		return
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
