package fake

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/BearBump/ParcelDesk/internal/models"
)

// Adapter — детерминированная заглушка перевозчика для демо и тестов.
// Статус выбирается по hash(carrier|number): часть посылок "доставлена".
type Adapter struct {
	carrier string

	// FixedStatus/FixedLocation, when set, override the hash-derived result.
	FixedStatus   string
	FixedLocation string
	// Err, when set, is returned from every TrackPackage call.
	Err error
}

func New(carrier string) *Adapter { return &Adapter{carrier: carrier} }

func (a *Adapter) IsConfigured() bool { return true }

func (a *Adapter) ValidateFormat(trackingNumber string) bool {
	return len(trackingNumber) >= models.TrackingNumberMinLen
}

func (a *Adapter) TrackPackage(ctx context.Context, trackingNumber string) (models.ShipmentResult, error) {
	if a.Err != nil {
		return models.ShipmentResult{}, a.Err
	}

	status := a.FixedStatus
	location := a.FixedLocation
	if status == "" {
		h := fnv.New32a()
		_, _ = h.Write([]byte(a.carrier))
		_, _ = h.Write([]byte("|"))
		_, _ = h.Write([]byte(trackingNumber))
		// 20% посылок считаем доставленными
		if h.Sum32()%5 == 0 {
			status = "Delivered"
		} else {
			status = "In Transit"
		}
	}

	now := time.Now().UTC()
	raw, _ := json.Marshal(map[string]string{
		"source":  "fake",
		"carrier": a.carrier,
		"status":  status,
	})

	res := models.ShipmentResult{
		TrackingNumber:  trackingNumber,
		CarrierName:     a.carrier,
		CurrentStatus:   status,
		CurrentLocation: location,
		ShippedDate:     &now,
		RawPayload:      raw,
	}
	res.Normalize()
	return res, nil
}

func (a *Adapter) String() string { return fmt.Sprintf("fake(%s)", a.carrier) }
