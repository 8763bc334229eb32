package softmac

import (
	"context"
	"errors"
	"fmt"
)

// Errors returned by a Device.
var (
	// Capability errors: the request cannot be served by this hardware or
	// peer and must not be retried unchanged.
	ErrNotSupported           = errors.New("softmac: operation not supported by driver")
	ErrNoUsableRate           = errors.New("softmac: no usable rate for station")
	ErrAggregationUnsupported = errors.New("softmac: station does not support aggregation")
	ErrAggregationRejected    = errors.New("softmac: aggregation session rejected")
	ErrQueueConflict          = errors.New("softmac: hardware queue already in use")
	ErrInvalidQueue           = errors.New("softmac: invalid hardware queue")
	ErrInvalidTxParams        = errors.New("softmac: invalid tx queue parameters")

	// Transient errors: expected during normal operation.
	ErrQueueStopped = errors.New("softmac: queue stopped")

	// Race errors: a concurrent operation already produced the result.
	ErrPSStateUnchanged = errors.New("softmac: station already in requested power save state")
	ErrSessionBusy      = errors.New("softmac: aggregation session already active")
	ErrStaleSubframe    = errors.New("softmac: subframe outside block ack window")

	// Fatal errors.
	ErrDeviceStart  = errors.New("softmac: device failed to start")
	ErrDeviceClosed = errors.New("softmac: device closed")

	// Misuse.
	ErrWrongPhase         = errors.New("softmac: frame is not in the requested phase")
	ErrInvalidTransition  = errors.New("softmac: invalid station state transition")
	ErrStationNotFound    = errors.New("softmac: station not found")
	ErrStationExists      = errors.New("softmac: station already exists")
	ErrInterfaceNotFound  = errors.New("softmac: interface not found")
	ErrStatusMismatch     = errors.New("softmac: tx status does not match offered retry chain")
	ErrInvalidRetryChain  = errors.New("softmac: invalid retry chain")
	ErrNotDriverOwnedPS   = errors.New("softmac: power save is not tracked by the driver")
	ErrRemainOnChannel    = errors.New("softmac: cannot remain on channel")
	ErrMalformedFrame     = errors.New("softmac: malformed 802.11 frame")
	ErrInvalidStationConf = errors.New("softmac: invalid station configuration")
)

// An ErrorClass groups errors by how a caller should react to them.
type ErrorClass int

// Possible ErrorClass values.
const (
	// ClassOther covers misuse and unknown errors.
	ClassOther ErrorClass = iota

	// ClassCapability errors are permanent for the given hardware or peer.
	ClassCapability

	// ClassTransient errors resolve on their own, for example by waiting
	// for a queue to wake or a station to wake up.
	ClassTransient

	// ClassRace errors report that the requested state was already
	// reached by a concurrent event. They are not failures.
	ClassRace

	// ClassFatal errors leave the device unusable.
	ClassFatal
)

// String returns the string representation of an ErrorClass.
func (c ErrorClass) String() string {
	switch c {
	case ClassOther:
		return "other"
	case ClassCapability:
		return "capability"
	case ClassTransient:
		return "transient"
	case ClassRace:
		return "race"
	case ClassFatal:
		return "fatal"
	default:
		return fmt.Sprintf("unknown(%d)", c)
	}
}

// Classify returns the ErrorClass of err.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassOther
	case errors.Is(err, ErrNotSupported),
		errors.Is(err, ErrNoUsableRate),
		errors.Is(err, ErrAggregationUnsupported),
		errors.Is(err, ErrAggregationRejected),
		errors.Is(err, ErrQueueConflict),
		errors.Is(err, ErrInvalidQueue),
		errors.Is(err, ErrInvalidTxParams):
		return ClassCapability
	case errors.Is(err, ErrQueueStopped),
		errors.Is(err, context.DeadlineExceeded):
		return ClassTransient
	case errors.Is(err, ErrPSStateUnchanged),
		errors.Is(err, ErrSessionBusy),
		errors.Is(err, ErrStaleSubframe):
		return ClassRace
	case errors.Is(err, ErrDeviceStart),
		errors.Is(err, ErrDeviceClosed):
		return ClassFatal
	default:
		return ClassOther
	}
}
