package adapters

import (
	"context"
	"fmt"

	"github.com/BearBump/ParcelDesk/internal/models"
)

// Adapter is the per-carrier tracking lookup capability. TrackPackage does
// network I/O and must respect ctx; implementations return *AdapterError for
// any failure (transport, carrier-side error, parse, format rejection).
type Adapter interface {
	TrackPackage(ctx context.Context, trackingNumber string) (models.ShipmentResult, error)
	// IsConfigured reports whether the adapter has the credentials it needs
	// to reach the carrier API.
	IsConfigured() bool
	// ValidateFormat is the carrier's own sanity check of the number,
	// independent of the cross-carrier classifier.
	ValidateFormat(trackingNumber string) bool
}

type AdapterError struct {
	Carrier string
	Reason  string
	Err     error
}

func (e *AdapterError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s adapter: %s: %v", e.Carrier, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s adapter: %s", e.Carrier, e.Reason)
}

func (e *AdapterError) Unwrap() error { return e.Err }

func NewAdapterError(carrier, reason string, err error) *AdapterError {
	return &AdapterError{Carrier: carrier, Reason: reason, Err: err}
}
