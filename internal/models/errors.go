package models

import "github.com/pkg/errors"

// Синхронные ошибки intake/assign. Ошибки fulfillment наблюдаются только
// через state/result (и best-effort webhook), см. воркер.
var (
	ErrValidation             = errors.New("validation failed")
	ErrCarrierUndetermined    = errors.New("carrier undetermined")
	ErrDuplicate              = errors.New("duplicate tracking request")
	ErrCarrierUnavailable     = errors.New("carrier unavailable")
	ErrCarrierUnsupported     = errors.New("carrier unsupported")
	ErrCarrierAlreadyAssigned = errors.New("carrier already assigned")
	ErrInvalidTransition      = errors.New("invalid state transition")
	ErrNotFound               = errors.New("tracking request not found")
)
