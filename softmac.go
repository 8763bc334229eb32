// Package softmac implements the boundary between an 802.11 MAC sublayer and
// the device drivers beneath it: frame hand-off, TX status reconciliation,
// rate retry chains, block ack sessions, power save buffering and hardware
// queue control.
package softmac

import (
	"fmt"
	"net"
)

// A Band is a frequency band a device operates in.
type Band int

// Possible Band values.
const (
	Band2GHz Band = iota
	Band5GHz
	Band60GHz
)

// NumBands is the number of Band values.
const NumBands = 3

// String returns the string representation of a Band.
func (b Band) String() string {
	switch b {
	case Band2GHz:
		return "2.4GHz"
	case Band5GHz:
		return "5GHz"
	case Band60GHz:
		return "60GHz"
	default:
		return fmt.Sprintf("unknown(%d)", b)
	}
}

// An AC is a WMM access category. Lower values have higher priority.
type AC int

// Possible AC values, in priority order.
const (
	ACVoice AC = iota
	ACVideo
	ACBestEffort
	ACBackground
)

// NumACs is the number of access categories.
const NumACs = 4

// NumTIDs is the number of traffic identifiers.
const NumTIDs = 16

// String returns the string representation of an AC.
func (ac AC) String() string {
	switch ac {
	case ACVoice:
		return "voice"
	case ACVideo:
		return "video"
	case ACBestEffort:
		return "best-effort"
	case ACBackground:
		return "background"
	default:
		return fmt.Sprintf("unknown(%d)", ac)
	}
}

// TIDToAC maps a traffic identifier to its access category per 802.1D.
func TIDToAC(tid uint8) AC {
	switch tid & 7 {
	case 1, 2:
		return ACBackground
	case 0, 3:
		return ACBestEffort
	case 4, 5:
		return ACVideo
	default:
		return ACVoice
	}
}

// tidsForAC returns the TIDs mapped to an access category.
func tidsForAC(ac AC) TIDSet {
	switch ac {
	case ACVoice:
		return TIDSet(1<<6 | 1<<7)
	case ACVideo:
		return TIDSet(1<<4 | 1<<5)
	case ACBestEffort:
		return TIDSet(1<<0 | 1<<3)
	default:
		return TIDSet(1<<1 | 1<<2)
	}
}

// An ACSet is a set of access categories.
type ACSet uint8

// AllACs contains every access category.
const AllACs ACSet = 1<<NumACs - 1

// Has reports whether ac is in the set.
func (s ACSet) Has(ac AC) bool { return s&(1<<ac) != 0 }

// With returns s with ac added.
func (s ACSet) With(ac AC) ACSet { return s | 1<<ac }

// A TIDSet is a bitmap of traffic identifiers.
type TIDSet uint16

// Has reports whether tid is in the set.
func (s TIDSet) Has(tid uint8) bool { return s&(1<<tid) != 0 }

// With returns s with tid added.
func (s TIDSet) With(tid uint8) TIDSet { return s | 1<<tid }

// Without returns s with tid removed.
func (s TIDSet) Without(tid uint8) TIDSet { return s &^ (1 << tid) }

// An InterfaceType is the operating mode of an Interface.
type InterfaceType int

// Possible InterfaceType values.
const (
	InterfaceTypeUnspecified InterfaceType = iota
	InterfaceTypeAdHoc
	InterfaceTypeStation
	InterfaceTypeAP
	InterfaceTypeMonitor
	InterfaceTypeMeshPoint
	InterfaceTypeP2PClient
	InterfaceTypeP2PGroupOwner
)

// String returns the string representation of an InterfaceType.
func (t InterfaceType) String() string {
	switch t {
	case InterfaceTypeUnspecified:
		return "unspecified"
	case InterfaceTypeAdHoc:
		return "ad-hoc"
	case InterfaceTypeStation:
		return "station"
	case InterfaceTypeAP:
		return "access point"
	case InterfaceTypeMonitor:
		return "monitor"
	case InterfaceTypeMeshPoint:
		return "mesh point"
	case InterfaceTypeP2PClient:
		return "P2P client"
	case InterfaceTypeP2PGroupOwner:
		return "P2P group owner"
	default:
		return fmt.Sprintf("unknown(%d)", t)
	}
}

// An Interface is a virtual interface on a Device.
type Interface struct {
	// ID is assigned by Device.AddInterface.
	ID int

	// Addr is the interface's MAC address.
	Addr net.HardwareAddr

	// Type is the operating mode.
	Type InterfaceType

	// Queues maps access categories to hardware queues. Drivers with
	// HWQueueControl fill it in AddInterface and ChangeInterface.
	Queues QueueMap

	// BSS holds BSS parameters that affect rate selection.
	BSS BSSConfig

	// DriverPriv is reserved for the driver.
	DriverPriv any
}

// BSSConfig holds the BSS parameters consulted when selecting rates.
type BSSConfig struct {
	UseCTSProtection bool
	UseShortPreamble bool

	// RTSThreshold is the frame length above which RTS/CTS is used. Zero
	// means the configured default.
	RTSThreshold int
}

// A StationState is the association state of a Station. States are ordered.
type StationState int

// Possible StationState values.
const (
	StateNotExist StationState = iota
	StateNone
	StateAuth
	StateAssoc
	StateAuthorized
)

// String returns the string representation of a StationState.
func (s StationState) String() string {
	switch s {
	case StateNotExist:
		return "notexist"
	case StateNone:
		return "none"
	case StateAuth:
		return "auth"
	case StateAssoc:
		return "assoc"
	case StateAuthorized:
		return "authorized"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// A Station is a peer known to the stack. The stack never modifies a Station
// after AddStation; drivers may keep pointers to it until the station reaches
// StateNotExist.
type Station struct {
	Addr net.HardwareAddr
	AID  uint16

	// SupportedRates is a bitmap per band of indices into the band's
	// Bitrates.
	SupportedRates [NumBands]uint32

	HT  bool
	WME bool

	// UAPSDQueues are the trigger- and delivery-enabled access categories.
	UAPSDQueues ACSet

	// MaxSP is the maximum number of frames delivered per U-APSD service
	// period: 0 (all), 2, 4 or 6.
	MaxSP int

	// MaxRxAggregationSubframes limits the buffer size accepted for RX
	// block ack sessions from this station. Zero means no limit.
	MaxRxAggregationSubframes uint8

	DriverPriv any
}

// A KeyRef references key material owned by the driver or an upper layer.
type KeyRef struct {
	Index  uint8
	Cipher uint32
	HWIdx  int
}

// A RateChange describes which station parameters changed.
type RateChange uint8

// Possible RateChange values.
const (
	RateChangeSupportedRates RateChange = 1 << iota
	RateChangeBandwidth
	RateChangeSMPS
)
