package softmac

import (
	"fmt"
	"net"
)

// A Phase is the stage of a Frame's life. Each phase has its own metadata and
// only that metadata is accessible while the frame is in the phase.
type Phase int

// Possible Phase values.
const (
	// PhaseControl is a frame on its way to the driver.
	PhaseControl Phase = iota

	// PhaseStatus is a transmitted frame being reported back.
	PhaseStatus

	// PhaseRX is a frame received by the driver.
	PhaseRX
)

// String returns the string representation of a Phase.
func (p Phase) String() string {
	switch p {
	case PhaseControl:
		return "control"
	case PhaseStatus:
		return "status"
	case PhaseRX:
		return "rx"
	default:
		return fmt.Sprintf("unknown(%d)", p)
	}
}

// A Frame is an 802.11 frame with the metadata exchanged between the stack and
// a driver.
type Frame struct {
	// Data is the 802.11 header and body, without FCS.
	Data []byte

	Flags     TxFlags
	Band      Band
	HWQueue   uint8
	AC        AC
	TID       uint8
	Interface int

	// Cookie is an opaque value drivers may use to match TX status.
	Cookie uint64

	phase   Phase
	control TxControl
	status  TxStatus
	rx      RxStatus

	// offered is the chain handed to the driver, kept for reconciliation
	// after the control metadata is gone.
	offered RetryChain

	// Attribution for TX status, since TxControl.Station is cleared.
	peer     net.HardwareAddr
	vifGen   uint64
	seq      uint16
	hasSeq   bool
	swRetry  int
	released bool
}

// TxControl is the metadata of a frame in PhaseControl.
type TxControl struct {
	// Rates is the retry chain the driver must try in order.
	Rates RetryChain

	// RTSCTSRate is the rate index for RTS/CTS frames, -1 if unused.
	RTSCTSRate int8

	// Station is the destination, nil for group addressed frames.
	Station *Station

	Key *KeyRef
	Vif *Interface
}

// TxStatus is the metadata of a frame in PhaseStatus.
type TxStatus struct {
	// Rates is the chain actually used: the same indices as the offered
	// chain, with counts set to the attempts made at each stage.
	Rates RetryChain

	Acked       bool
	AckSignal   int
	Antenna     uint8
	AMPDULen    uint8
	AMPDUAckLen uint8
}

// RxStatus is the metadata of a frame in PhaseRX.
type RxStatus struct {
	MACTime         uint64
	DeviceTimestamp uint32
	Freq            uint16
	Band            Band
	Signal          int8
	Antenna         uint8
	RateIndex       uint8
	Flags           RxFlags
}

// NewTxFrame returns a Frame in PhaseControl carrying data.
func NewTxFrame(data []byte) *Frame {
	return &Frame{
		Data:    data,
		phase:   PhaseControl,
		control: TxControl{Rates: EmptyRetryChain(), RTSCTSRate: -1},
		offered: EmptyRetryChain(),
	}
}

// NewRxFrame returns a Frame in PhaseRX carrying data.
func NewRxFrame(data []byte, rx RxStatus) *Frame {
	return &Frame{
		Data:  data,
		phase: PhaseRX,
		rx:    rx,
	}
}

// Phase returns the frame's current phase.
func (f *Frame) Phase() Phase { return f.phase }

// Control returns the control metadata, or ErrWrongPhase if the frame is not
// in PhaseControl.
func (f *Frame) Control() (*TxControl, error) {
	if f.phase != PhaseControl {
		return nil, fmt.Errorf("control metadata in %s phase: %w", f.phase, ErrWrongPhase)
	}
	return &f.control, nil
}

// Status returns the status metadata, or ErrWrongPhase if the frame is not in
// PhaseStatus.
func (f *Frame) Status() (*TxStatus, error) {
	if f.phase != PhaseStatus {
		return nil, fmt.Errorf("status metadata in %s phase: %w", f.phase, ErrWrongPhase)
	}
	return &f.status, nil
}

// RX returns the receive metadata, or ErrWrongPhase if the frame is not in
// PhaseRX.
func (f *Frame) RX() (*RxStatus, error) {
	if f.phase != PhaseRX {
		return nil, fmt.Errorf("rx metadata in %s phase: %w", f.phase, ErrWrongPhase)
	}
	return &f.rx, nil
}

// BeginStatus moves a transmitted frame from PhaseControl to PhaseStatus and
// returns the status metadata for the driver to fill. The status chain starts
// as the offered chain with all counts cleared. Station and key references are
// dropped since they may no longer be valid when status is processed.
//
// Calling BeginStatus on a frame already in PhaseStatus returns its status.
func (f *Frame) BeginStatus() (*TxStatus, error) {
	switch f.phase {
	case PhaseStatus:
		return &f.status, nil
	case PhaseControl:
	default:
		return nil, fmt.Errorf("begin status in %s phase: %w", f.phase, ErrWrongPhase)
	}

	f.offered = f.control.Rates
	rates := f.control.Rates
	for i := range rates {
		rates[i].Count = 0
	}

	f.control = TxControl{}
	f.status = TxStatus{Rates: rates}
	f.phase = PhaseStatus
	return &f.status, nil
}

// Offered returns the retry chain that was handed to the driver.
func (f *Frame) Offered() RetryChain {
	if f.phase == PhaseControl {
		return f.control.Rates
	}
	return f.offered
}

// requeue returns a frame in PhaseStatus to PhaseControl so it can be sent
// again, clearing its temporary flags.
func (f *Frame) requeue() {
	f.Flags = f.Flags.Without(TemporaryTxFlags)
	f.phase = PhaseControl
	f.control = TxControl{Rates: EmptyRetryChain(), RTSCTSRate: -1}
	f.status = TxStatus{}
	f.offered = EmptyRetryChain()
}
