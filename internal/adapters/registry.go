package adapters

import (
	"sort"

	"github.com/BearBump/ParcelDesk/internal/models"
	"github.com/pkg/errors"
)

// Registry resolves a carrier name to its adapter. It is constructed once at
// startup and read-only afterwards, so no locking.
type Registry struct {
	byCarrier map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{byCarrier: make(map[string]Adapter)}
}

// Register binds an adapter to a carrier name. Last registration wins.
func (r *Registry) Register(carrier string, a Adapter) *Registry {
	r.byCarrier[carrier] = a
	return r
}

// Resolve returns the configured adapter for the carrier, or
// models.ErrCarrierUnavailable when the carrier is unregistered or the
// adapter lacks credentials. Callers decide whether that means "reject the
// assignment" or "fail the request".
func (r *Registry) Resolve(carrier string) (Adapter, error) {
	a, ok := r.byCarrier[carrier]
	if !ok {
		return nil, errors.Wrapf(models.ErrCarrierUnavailable, "no adapter for %s", carrier)
	}
	if !a.IsConfigured() {
		return nil, errors.Wrapf(models.ErrCarrierUnavailable, "adapter for %s not configured", carrier)
	}
	return a, nil
}

// Supports reports whether the carrier can be dispatched right now.
func (r *Registry) Supports(carrier string) bool {
	_, err := r.Resolve(carrier)
	return err == nil
}

type CarrierStatus struct {
	Name       string `json:"name"`
	Configured bool   `json:"configured"`
}

// Carriers lists every registered carrier and whether it is usable, sorted by
// name for stable output.
func (r *Registry) Carriers() []CarrierStatus {
	out := make([]CarrierStatus, 0, len(r.byCarrier))
	for name, a := range r.byCarrier {
		out = append(out, CarrierStatus{Name: name, Configured: a.IsConfigured()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
