package models

import (
	"encoding/json"
	"time"
)

// Carrier names (closed set).
const (
	CarrierUSPS    = "USPS"
	CarrierUPS     = "UPS"
	CarrierFedEx   = "FEDEX"
	CarrierDHL     = "DHL"
	CarrierAmazon  = "AMAZON"
	CarrierUnknown = "UNKNOWN"
)

// KnownCarriers lists every carrier an adapter can exist for, in the
// classifier precedence order.
var KnownCarriers = []string{CarrierUPS, CarrierFedEx, CarrierUSPS, CarrierDHL, CarrierAmazon}

func KnownCarrier(name string) bool {
	for _, c := range KnownCarriers {
		if c == name {
			return true
		}
	}
	return false
}

// Request states.
const (
	StateAwaitingCarrier = "AWAITING_CARRIER"
	StatePending         = "PENDING"
	StateProcessing      = "PROCESSING"
	StateCompleted       = "COMPLETED"
	StateFailed          = "FAILED"
)

// allowedTransitions: переходы только вперёд, терминальные состояния не покидаем.
var allowedTransitions = map[string][]string{
	StateAwaitingCarrier: {StatePending},
	StatePending:         {StateProcessing},
	StateProcessing:      {StateCompleted, StateFailed},
	StateCompleted:       {},
	StateFailed:          {},
}

func CanTransition(from, to string) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func TerminalState(state string) bool {
	return state == StateCompleted || state == StateFailed
}

// MetadataCallbackURL is the metadata key the worker reads to fire the
// best-effort webhook after a terminal transition. Metadata is otherwise
// opaque to the core.
const MetadataCallbackURL = "callback_url"

const (
	TrackingNumberMinLen = 8
	TrackingNumberMaxLen = 50
)

type TrackingRequest struct {
	ID             string
	OwnerID        string
	TrackingNumber string
	Carrier        string // empty only while AWAITING_CARRIER
	State          string
	Metadata       map[string]string
	Result         *ShipmentResult // non-nil iff State == COMPLETED
	LastError      *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ShipmentResult is the normalized adapter output. RawPayload keeps the
// carrier response verbatim for audit/debug and is never parsed downstream.
type ShipmentResult struct {
	TrackingNumber       string
	CarrierName          string
	CurrentStatus        string
	CurrentLocation      string
	ExpectedDeliveryDate *time.Time
	ShippedDate          *time.Time
	RawPayload           json.RawMessage
}

const ResultStatusUnknown = "Unknown"

// Normalize fills the free-text fields the carrier left empty.
func (r *ShipmentResult) Normalize() {
	if r.CurrentStatus == "" {
		r.CurrentStatus = ResultStatusUnknown
	}
	if r.CurrentLocation == "" {
		r.CurrentLocation = ResultStatusUnknown
	}
}

type SubmitInput struct {
	OwnerID        string
	TrackingNumber string
	Carrier        string
	Metadata       map[string]string
	// DeferCarrier stores the request in AWAITING_CARRIER instead of failing
	// with ErrCarrierUndetermined when the classifier cannot resolve a carrier.
	DeferCarrier bool
}
