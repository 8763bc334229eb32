package softmac

import (
	"context"
	"fmt"
	"time"
)

// Hardware describes the capabilities a driver registers with a Device.
type Hardware struct {
	Flags HWFlags

	// NumQueues is the number of hardware queues, at most MaxQueues. Zero
	// means one queue per access category.
	NumQueues int

	// OffchannelQueue is the hardware queue used for frames sent during a
	// remain-on-channel period when HWQueueControl is set.
	OffchannelQueue uint8

	// Bands lists supported bands; the first one is the operating band.
	Bands []*SupportedBand

	// MaxRates is the number of retry chain stages the hardware can use.
	MaxRates int

	// MaxRateTries is the maximum count for a single stage.
	MaxRateTries uint8

	MaxRxAggregationSubframes uint8
	MaxTxAggregationSubframes uint8
}

// band returns the SupportedBand for b, or nil.
func (hw *Hardware) band(b Band) *SupportedBand {
	for _, sb := range hw.Bands {
		if sb.Band == b {
			return sb
		}
	}
	return nil
}

// A Driver is a device driver bound to a Device. The stack calls every method
// from the Device's worker goroutine, so implementations need no locking of
// their own against the stack. Drivers report back through the Device, and
// must only use its non-blocking entry points from within these methods.
type Driver interface {
	// Start brings up the hardware. dev is the Device the driver is bound
	// to.
	Start(ctx context.Context, dev *Device) error

	// Stop shuts down the hardware. No frames are sent afterwards.
	Stop()

	// AddInterface and RemoveInterface manage virtual interfaces. Drivers
	// with HWQueueControl fill vif.Queues in AddInterface.
	AddInterface(vif *Interface) error
	RemoveInterface(vif *Interface)

	// Tx hands a frame in PhaseControl to the driver. It must not fail:
	// a driver unable to send reports the frame as not acknowledged.
	Tx(f *Frame)

	// StaState is called for every step of a station state transition. An
	// error refuses an upward step and is ignored on downward steps.
	StaState(vif *Interface, sta *Station, old, new StationState) error
}

// An InterfaceChanger can change an interface's type without removing it.
type InterfaceChanger interface {
	ChangeInterface(vif *Interface, typ InterfaceType) error
}

// An AMPDUAction is a block ack session action requested of a driver.
type AMPDUAction int

// Possible AMPDUAction values.
const (
	AMPDURxStart AMPDUAction = iota
	AMPDURxStop
	AMPDUTxStart
	AMPDUTxStop
	AMPDUTxOperational
)

// String returns the string representation of an AMPDUAction.
func (a AMPDUAction) String() string {
	switch a {
	case AMPDURxStart:
		return "rx-start"
	case AMPDURxStop:
		return "rx-stop"
	case AMPDUTxStart:
		return "tx-start"
	case AMPDUTxStop:
		return "tx-stop"
	case AMPDUTxOperational:
		return "tx-operational"
	default:
		return fmt.Sprintf("unknown(%d)", a)
	}
}

// AMPDUParams are the arguments of an AMPDUAction.
type AMPDUParams struct {
	Action  AMPDUAction
	Station *Station
	TID     uint8
	SSN     uint16
	BufSize uint8
}

// An AMPDUDriver supports block ack sessions. Stop actions must be accepted
// even when the matching start was never confirmed.
type AMPDUDriver interface {
	AMPDUAction(vif *Interface, p AMPDUParams) error
}

// A StaNotifyCmd is a station power save notification.
type StaNotifyCmd int

// Possible StaNotifyCmd values.
const (
	StaNotifySleep StaNotifyCmd = iota
	StaNotifyAwake
)

// A StaNotifier is told when stations go to sleep and wake up.
type StaNotifier interface {
	StaNotify(vif *Interface, sta *Station, cmd StaNotifyCmd)
}

// A TIMSetter updates the traffic indication map for a station.
type TIMSetter interface {
	SetTIM(sta *Station, set bool) error
}

// A ReleaseReason is the reason frames are released to a sleeping station.
type ReleaseReason int

// Possible ReleaseReason values.
const (
	ReleasePSPoll ReleaseReason = iota
	ReleaseUAPSD
)

// String returns the string representation of a ReleaseReason.
func (r ReleaseReason) String() string {
	switch r {
	case ReleasePSPoll:
		return "ps-poll"
	case ReleaseUAPSD:
		return "uapsd"
	default:
		return fmt.Sprintf("unknown(%d)", r)
	}
}

// A BufferedFrameReleaser sends up to n frames the driver buffered for tids.
// If moreData is false the driver must still set the more-data bit when it
// holds more frames than it releases. The last frame ends the service period
// and must carry TxStatusEOSP; a driver with no frames ends the period with
// Device.EndOfServicePeriod.
type BufferedFrameReleaser interface {
	ReleaseBufferedFrames(sta *Station, tids TIDSet, n int, reason ReleaseReason, moreData bool)
}

// A BufferedFrameAllower is told that the stack is about to send n frames on
// tids to a sleeping station, so that frames held in hardware for that
// station are let through.
type BufferedFrameAllower interface {
	AllowBufferedFrames(sta *Station, tids TIDSet, n int, reason ReleaseReason, moreData bool)
}

// A TxConfigurer applies EDCA parameters to a hardware queue.
type TxConfigurer interface {
	ConfTx(vif *Interface, ac AC, queue uint8, p TxQueueParams) error
}

// A Flusher waits for, or drops with drop set, frames pending in hardware.
type Flusher interface {
	Flush(ctx context.Context, drop bool) error
}

// A RateChangeNotifier is told when a station's rates change. Drivers with
// HWHasRateControl use this in place of a RateController.
type RateChangeNotifier interface {
	StaRateChanged(vif *Interface, sta *Station, changed RateChange)
}

// A RemainOnChannelDriver implements remain-on-channel in hardware. It calls
// Device.ReadyOnChannel once on the channel and
// Device.RemainOnChannelExpired when the period ends.
type RemainOnChannelDriver interface {
	RemainOnChannel(freq int, d time.Duration) error
	CancelRemainOnChannel() error
}
