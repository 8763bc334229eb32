package softmac

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/google/gopacket/layers"
)

const (
	fcsLen = 4

	// Block Ack action category and action codes.
	categoryBlockAck   = 3
	actionAddBARequest = 0
	actionAddBAResp    = 1
	actionDelBA        = 2

	// StatusSuccess and StatusRequestDeclined are ADDBA response status
	// codes.
	StatusSuccess         = 0
	StatusRequestDeclined = 37

	// ReasonUnspecified is the DELBA reason code sent by the stack.
	ReasonUnspecified = 1

	seqMask = 0x0fff
)

// A header is the part of an 802.11 MAC header the stack acts on.
type header struct {
	Type  layers.Dot11Type
	Flags layers.Dot11Flags

	Addr1, Addr2, Addr3 net.HardwareAddr

	Seq    uint16
	HasSeq bool

	QoS  bool
	TID  uint8
	EOSP bool

	// qosOff is the offset of the QoS control field, len is the header
	// length.
	qosOff int
	len    int
}

func (h header) mainType() layers.Dot11Type { return h.Type & 0x03 }
func (h header) isData() bool              { return h.mainType() == layers.Dot11TypeData }
func (h header) isMgmt() bool              { return h.mainType() == layers.Dot11TypeMgmt }
func (h header) isCtrl() bool              { return h.mainType() == layers.Dot11TypeCtrl }

// isNullData reports whether the frame is a data frame without a body.
func (h header) isNullData() bool {
	return h.Type == layers.Dot11TypeDataNull || h.Type == layers.Dot11TypeDataQOSNull
}

// bufferable reports whether the frame may be held for a sleeping station.
func (h header) bufferable() bool {
	switch h.Type {
	case layers.Dot11TypeMgmtAction, layers.Dot11TypeMgmtDisassociation,
		layers.Dot11TypeMgmtDeauthentication:
		return true
	}
	return h.isData()
}

func parseHeader(b []byte) (header, error) {
	if len(b) < 10 {
		return header{}, fmt.Errorf("%d byte frame: %w", len(b), ErrMalformedFrame)
	}

	h := header{
		Type:  layers.Dot11Type(b[0]&0xfc) >> 2,
		Flags: layers.Dot11Flags(b[1]),
		Addr1: net.HardwareAddr(b[4:10]),
		len:   10,
	}

	switch h.mainType() {
	case layers.Dot11TypeCtrl:
		switch h.Type {
		case layers.Dot11TypeCtrlPowersavePoll, layers.Dot11TypeCtrlRTS,
			layers.Dot11TypeCtrlBlockAckReq, layers.Dot11TypeCtrlBlockAck:
			if len(b) < 16 {
				return header{}, fmt.Errorf("short control frame: %w", ErrMalformedFrame)
			}
			h.Addr2 = net.HardwareAddr(b[10:16])
			h.len = 16
		}
		return h, nil
	case layers.Dot11TypeMgmt, layers.Dot11TypeData:
	default:
		return header{}, fmt.Errorf("reserved frame type: %w", ErrMalformedFrame)
	}

	if len(b) < 24 {
		return header{}, fmt.Errorf("short %s frame: %w", h.Type, ErrMalformedFrame)
	}
	h.Addr2 = net.HardwareAddr(b[10:16])
	h.Addr3 = net.HardwareAddr(b[16:22])
	h.Seq = binary.LittleEndian.Uint16(b[22:24]) >> 4
	h.HasSeq = true
	h.len = 24

	if !h.isData() {
		return h, nil
	}

	if h.Flags.ToDS() && h.Flags.FromDS() {
		h.len += 6
	}

	// QoS subtypes have bit 3 of the subtype set.
	if (h.Type>>2)&0x8 != 0 {
		if len(b) < h.len+2 {
			return header{}, fmt.Errorf("short QoS header: %w", ErrMalformedFrame)
		}
		h.QoS = true
		h.qosOff = h.len
		h.TID = b[h.qosOff] & 0x0f
		h.EOSP = b[h.qosOff]&0x10 != 0
		h.len += 2
	}

	return h, nil
}

func isDataFrame(b []byte) bool {
	return len(b) > 0 && layers.Dot11Type(b[0]&0xfc)>>2&0x03 == layers.Dot11TypeData
}

func frameControl(t layers.Dot11Type, flags layers.Dot11Flags) []byte {
	return []byte{byte(t) << 2, byte(flags)}
}

func setSeq(b []byte, seq uint16) {
	frag := binary.LittleEndian.Uint16(b[22:24]) & 0x000f
	binary.LittleEndian.PutUint16(b[22:24], seq<<4|frag)
}

func setFlag(b []byte, flag layers.Dot11Flags, on bool) {
	if on {
		b[1] |= byte(flag)
	} else {
		b[1] &^= byte(flag)
	}
}

func setEOSP(b []byte, h header, on bool) {
	if !h.QoS {
		return
	}
	if on {
		b[h.qosOff] |= 0x10
	} else {
		b[h.qosOff] &^= 0x10
	}
}

func seqNext(seq uint16) uint16 { return (seq + 1) & seqMask }
func seqSub(a, b uint16) uint16 { return (a - b) & seqMask }
func seqLess(a, b uint16) bool  { return seqSub(a, b) > seqMask/2 }
func cloneAddr(a net.HardwareAddr) net.HardwareAddr {
	return append(net.HardwareAddr(nil), a...)
}

// NewDataFrame builds a data frame. QoS data frames carry tid in their QoS
// control field.
func NewDataFrame(qos bool, flags layers.Dot11Flags, a1, a2, a3 net.HardwareAddr, tid uint8, payload []byte) []byte {
	t := layers.Dot11TypeData
	if qos {
		t = layers.Dot11TypeDataQOSData
	}
	return appendDataHeader(t, flags, a1, a2, a3, tid, payload)
}

// NewNullFrame builds a (QoS) null data frame, used for U-APSD triggers and
// for ending empty service periods.
func NewNullFrame(qos bool, flags layers.Dot11Flags, a1, a2, a3 net.HardwareAddr, tid uint8) []byte {
	t := layers.Dot11TypeDataNull
	if qos {
		t = layers.Dot11TypeDataQOSNull
	}
	return appendDataHeader(t, flags, a1, a2, a3, tid, nil)
}

func appendDataHeader(t layers.Dot11Type, flags layers.Dot11Flags, a1, a2, a3 net.HardwareAddr, tid uint8, payload []byte) []byte {
	b := make([]byte, 0, 26+len(payload))
	b = append(b, frameControl(t, flags)...)
	b = append(b, 0, 0)
	b = append(b, a1...)
	b = append(b, a2...)
	b = append(b, a3...)
	b = append(b, 0, 0)
	if (t>>2)&0x8 != 0 {
		b = append(b, tid&0x0f, 0)
	}
	return append(b, payload...)
}

// NewPSPoll builds a PS-Poll frame from a station with the given association
// ID to its BSS.
func NewPSPoll(aid uint16, bssid, ta net.HardwareAddr) []byte {
	b := frameControl(layers.Dot11TypeCtrlPowersavePoll, layers.Dot11FlagsPowerManagement)
	// The two most significant bits of the AID field are always set.
	b = binary.LittleEndian.AppendUint16(b, aid|0xc000)
	b = append(b, bssid...)
	return append(b, ta...)
}

// NewBlockAckReq builds a BlockAckReq moving the receiver's window for tid
// to ssn.
func NewBlockAckReq(ra, ta net.HardwareAddr, tid uint8, ssn uint16) []byte {
	b := frameControl(layers.Dot11TypeCtrlBlockAckReq, 0)
	b = append(b, 0, 0)
	b = append(b, ra...)
	b = append(b, ta...)
	b = binary.LittleEndian.AppendUint16(b, uint16(tid&0x0f)<<12)
	return binary.LittleEndian.AppendUint16(b, (ssn&seqMask)<<4)
}

// AddBAParams are the fields of ADDBA request and response frames.
type AddBAParams struct {
	Dialog  uint8
	TID     uint8
	BufSize uint16
	Timeout uint16

	// SSN is only present in requests, Status only in responses.
	SSN    uint16
	Status uint16
}

// DelBAParams are the fields of a DELBA frame.
type DelBAParams struct {
	TID       uint8
	Initiator bool
	Reason    uint16
}

func baParamSet(p AddBAParams) uint16 {
	// Immediate block ack policy.
	return 1<<1 | uint16(p.TID&0x0f)<<2 | (p.BufSize&0x3ff)<<6
}

func appendActionHeader(da, sa, bssid net.HardwareAddr, action byte) []byte {
	b := make([]byte, 0, 33)
	b = append(b, frameControl(layers.Dot11TypeMgmtAction, 0)...)
	b = append(b, 0, 0)
	b = append(b, da...)
	b = append(b, sa...)
	b = append(b, bssid...)
	b = append(b, 0, 0)
	return append(b, categoryBlockAck, action)
}

// NewAddBARequest builds an ADDBA request action frame.
func NewAddBARequest(da, sa, bssid net.HardwareAddr, p AddBAParams) []byte {
	b := appendActionHeader(da, sa, bssid, actionAddBARequest)
	b = append(b, p.Dialog)
	b = binary.LittleEndian.AppendUint16(b, baParamSet(p))
	b = binary.LittleEndian.AppendUint16(b, p.Timeout)
	return binary.LittleEndian.AppendUint16(b, (p.SSN&seqMask)<<4)
}

// NewAddBAResponse builds an ADDBA response action frame.
func NewAddBAResponse(da, sa, bssid net.HardwareAddr, p AddBAParams) []byte {
	b := appendActionHeader(da, sa, bssid, actionAddBAResp)
	b = append(b, p.Dialog)
	b = binary.LittleEndian.AppendUint16(b, p.Status)
	b = binary.LittleEndian.AppendUint16(b, baParamSet(p))
	return binary.LittleEndian.AppendUint16(b, p.Timeout)
}

// NewDelBA builds a DELBA action frame.
func NewDelBA(da, sa, bssid net.HardwareAddr, p DelBAParams) []byte {
	b := appendActionHeader(da, sa, bssid, actionDelBA)
	params := uint16(p.TID&0x0f) << 12
	if p.Initiator {
		params |= 1 << 11
	}
	b = binary.LittleEndian.AppendUint16(b, params)
	return binary.LittleEndian.AppendUint16(b, p.Reason)
}

// A baAction is a decoded Block Ack category action frame.
type baAction struct {
	Action byte
	AddBA  AddBAParams
	DelBA  DelBAParams
}

// parseBAAction decodes the body of a Block Ack action frame. ok is false for
// frames of other categories.
func parseBAAction(b []byte, h header) (baAction, bool, error) {
	body := b[h.len:]
	if len(body) < 2 || body[0] != categoryBlockAck {
		return baAction{}, false, nil
	}

	a := baAction{Action: body[1]}
	body = body[2:]

	switch a.Action {
	case actionAddBARequest:
		if len(body) < 7 {
			return baAction{}, true, fmt.Errorf("short ADDBA request: %w", ErrMalformedFrame)
		}
		a.AddBA.Dialog = body[0]
		decodeParamSet(&a.AddBA, binary.LittleEndian.Uint16(body[1:3]))
		a.AddBA.Timeout = binary.LittleEndian.Uint16(body[3:5])
		a.AddBA.SSN = binary.LittleEndian.Uint16(body[5:7]) >> 4
	case actionAddBAResp:
		if len(body) < 7 {
			return baAction{}, true, fmt.Errorf("short ADDBA response: %w", ErrMalformedFrame)
		}
		a.AddBA.Dialog = body[0]
		a.AddBA.Status = binary.LittleEndian.Uint16(body[1:3])
		decodeParamSet(&a.AddBA, binary.LittleEndian.Uint16(body[3:5]))
		a.AddBA.Timeout = binary.LittleEndian.Uint16(body[5:7])
	case actionDelBA:
		if len(body) < 4 {
			return baAction{}, true, fmt.Errorf("short DELBA: %w", ErrMalformedFrame)
		}
		params := binary.LittleEndian.Uint16(body[0:2])
		a.DelBA = DelBAParams{
			TID:       uint8(params >> 12),
			Initiator: params&(1<<11) != 0,
			Reason:    binary.LittleEndian.Uint16(body[2:4]),
		}
	}

	return a, true, nil
}

func decodeParamSet(p *AddBAParams, v uint16) {
	p.TID = uint8(v>>2) & 0x0f
	p.BufSize = v >> 6
}

// parseBAR returns the TID and starting sequence number of a BlockAckReq.
func parseBAR(b []byte, h header) (uint8, uint16, error) {
	if len(b) < h.len+4 {
		return 0, 0, fmt.Errorf("short BlockAckReq: %w", ErrMalformedFrame)
	}
	ctl := binary.LittleEndian.Uint16(b[h.len : h.len+2])
	ssn := binary.LittleEndian.Uint16(b[h.len+2:h.len+4]) >> 4
	return uint8(ctl >> 12), ssn, nil
}
