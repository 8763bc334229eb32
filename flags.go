package softmac

import (
	"fmt"
	"math/bits"
	"strings"
)

// TxFlags are per-frame transmit flags carried by a Frame through its control
// and status phases.
type TxFlags uint32

// Possible TxFlags values.
const (
	// TxCtlReqTxStatus requests that the driver report TX status for the
	// frame even if the stack would otherwise not care about it.
	TxCtlReqTxStatus TxFlags = 1 << iota

	// TxCtlNoAck indicates that the frame must not wait for an ack.
	TxCtlNoAck

	// TxCtlSendAfterDTIM indicates that the frame is sent on the content
	// after beacon queue.
	TxCtlSendAfterDTIM

	// TxCtlAMPDU indicates that the frame belongs to an aggregation session.
	TxCtlAMPDU

	// TxCtlNoPSBuffer indicates that the frame must be transmitted even if
	// the destination is asleep. Set on frames released by a service period.
	TxCtlNoPSBuffer

	// TxCtlUseMinRate forces the lowest usable rate.
	TxCtlUseMinRate

	// TxCtlOffchannel indicates that the frame is sent on the off-channel
	// queue during a remain-on-channel period.
	TxCtlOffchannel

	// TxCtlRateControlProbe marks a frame used to probe a rate.
	TxCtlRateControlProbe

	// TxStatusEOSP indicates that the frame ends a service period. The
	// driver must report TX status for it.
	TxStatusEOSP

	// TxStatAck is set by the driver when the frame was acknowledged.
	TxStatAck

	// TxStatFiltered is set by the driver when the frame was not sent
	// because the destination went to sleep.
	TxStatFiltered

	// TxStatTxFilteredNoAck marks a filtered frame that had no ack policy.
	TxStatTxFilteredNoAck

	// TxStatAMPDU indicates that the status describes an aggregate.
	TxStatAMPDU

	// TxStatAMPDUNoBack is set when no block ack was received.
	TxStatAMPDUNoBack
)

// TemporaryTxFlags are cleared from a frame whenever it is re-queued, for
// example after a filtered TX status.
const TemporaryTxFlags = TxCtlAMPDU | TxStatusEOSP | TxStatAck | TxStatFiltered |
	TxStatTxFilteredNoAck | TxStatAMPDU | TxStatAMPDUNoBack

var txFlagNames = []string{
	"req-tx-status",
	"no-ack",
	"send-after-dtim",
	"ampdu",
	"no-ps-buffer",
	"use-minrate",
	"offchannel",
	"rc-probe",
	"eosp",
	"ack",
	"filtered",
	"filtered-no-ack",
	"stat-ampdu",
	"ampdu-no-back",
}

// Has reports whether all flags in v are set.
func (f TxFlags) Has(v TxFlags) bool { return f&v == v }

// With returns f with v set.
func (f TxFlags) With(v TxFlags) TxFlags { return f | v }

// Without returns f with v cleared.
func (f TxFlags) Without(v TxFlags) TxFlags { return f &^ v }

// String returns the string representation of a TxFlags set.
func (f TxFlags) String() string { return flagString(uint32(f), txFlagNames) }

// RateFlags modify how a single retry chain stage is transmitted.
type RateFlags uint16

// Possible RateFlags values.
const (
	RateUseRTSCTS RateFlags = 1 << iota
	RateUseCTSProtect
	RateUseShortPreamble
	RateMCS
	RateGreenField
	Rate40MHzWidth
	RateDupData
	RateShortGI
)

var rateFlagNames = []string{
	"rts-cts",
	"cts-protect",
	"short-preamble",
	"mcs",
	"green-field",
	"40mhz",
	"dup-data",
	"short-gi",
}

// Has reports whether all flags in v are set.
func (f RateFlags) Has(v RateFlags) bool { return f&v == v }

// With returns f with v set.
func (f RateFlags) With(v RateFlags) RateFlags { return f | v }

// Without returns f with v cleared.
func (f RateFlags) Without(v RateFlags) RateFlags { return f &^ v }

// String returns the string representation of a RateFlags set.
func (f RateFlags) String() string { return flagString(uint32(f), rateFlagNames) }

// RxFlags describe how a frame was received.
type RxFlags uint32

// Possible RxFlags values.
const (
	RxMMICError RxFlags = 1 << iota
	RxDecrypted
	RxMMICStripped
	RxIVStripped
	RxFailedFCSCRC
	RxFailedPLCPCRC
	RxMACTimeStart
	RxShortPreamble
	RxHT
	Rx40MHz
	RxShortGI
	RxNoSignalValue
)

var rxFlagNames = []string{
	"mmic-error",
	"decrypted",
	"mmic-stripped",
	"iv-stripped",
	"failed-fcs-crc",
	"failed-plcp-crc",
	"mactime-start",
	"short-preamble",
	"ht",
	"40mhz",
	"short-gi",
	"no-signal-value",
}

// Has reports whether all flags in v are set.
func (f RxFlags) Has(v RxFlags) bool { return f&v == v }

// With returns f with v set.
func (f RxFlags) With(v RxFlags) RxFlags { return f | v }

// Without returns f with v cleared.
func (f RxFlags) Without(v RxFlags) RxFlags { return f &^ v }

// String returns the string representation of an RxFlags set.
func (f RxFlags) String() string { return flagString(uint32(f), rxFlagNames) }

// HWFlags are the capabilities a driver declares when it registers Hardware.
//
// A driver must only leave a capability unset if the hardware is truly unable
// to handle the corresponding frames or state; the stack falls back to
// software for every cleared bit.
type HWFlags uint32

// Possible HWFlags values.
const (
	// HWHasRateControl indicates that the hardware picks rates itself and
	// the Negotiator is bypassed.
	HWHasRateControl HWFlags = 1 << iota

	// HWAPLinkPS indicates that the driver tracks station power save state
	// and reports transitions with Device.PSTransition.
	HWAPLinkPS

	// HWQueueControl indicates that the driver assigns hardware queues per
	// interface in its AddInterface and ChangeInterface hooks.
	HWQueueControl

	// HWAMPDUAggregation indicates support for A-MPDU sessions.
	HWAMPDUAggregation

	// HWDeferredBAStop indicates that the driver completes TX block ack
	// teardown asynchronously by calling Device.TxBAStopped.
	HWDeferredBAStop

	// HWRxIncludesFCS indicates that received frames still carry their FCS.
	HWRxIncludesFCS

	// HWSignalDBM indicates that RxStatus.Signal is reported in dBm.
	HWSignalDBM

	// HWReportsTxAckStatus indicates that TX status reliably reports acks.
	HWReportsTxAckStatus
)

var hwFlagNames = []string{
	"has-rate-control",
	"ap-link-ps",
	"queue-control",
	"ampdu-aggregation",
	"deferred-ba-stop",
	"rx-includes-fcs",
	"signal-dbm",
	"reports-tx-ack-status",
}

// Has reports whether all flags in v are set.
func (f HWFlags) Has(v HWFlags) bool { return f&v == v }

// With returns f with v set.
func (f HWFlags) With(v HWFlags) HWFlags { return f | v }

// Without returns f with v cleared.
func (f HWFlags) Without(v HWFlags) HWFlags { return f &^ v }

// String returns the string representation of an HWFlags set.
func (f HWFlags) String() string { return flagString(uint32(f), hwFlagNames) }

// flagString renders a bit set as names joined by '|', with unnamed bits
// rendered in hexadecimal.
func flagString(v uint32, names []string) string {
	if v == 0 {
		return "none"
	}

	var ss []string
	for v != 0 {
		i := bits.TrailingZeros32(v)
		v &^= 1 << i

		if i < len(names) {
			ss = append(ss, names[i])
			continue
		}
		ss = append(ss, fmt.Sprintf("%#x", uint32(1)<<i))
	}

	return strings.Join(ss, "|")
}
