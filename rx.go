package softmac

import (
	"github.com/google/gopacket/layers"
)

// receive processes a frame submitted through Receiver. Frames the stack
// consumes itself, such as PS-Polls and block ack signalling, are not passed
// on to the receive handler.
func (d *Device) receive(f *Frame) {
	rx, err := f.RX()
	if err != nil {
		d.m.rxDropped.WithLabelValues("invalid").Inc()
		d.log.Error().Err(err).Msg("driver submitted frame not in rx phase")
		return
	}

	switch {
	case rx.Flags.Has(RxFailedFCSCRC):
		d.m.rxDropped.WithLabelValues("fcs").Inc()
		return
	case rx.Flags.Has(RxFailedPLCPCRC):
		d.m.rxDropped.WithLabelValues("plcp").Inc()
		return
	}

	if d.hw.Flags.Has(HWRxIncludesFCS) {
		if len(f.Data) < fcsLen {
			d.m.rxDropped.WithLabelValues("malformed").Inc()
			return
		}
		f.Data = f.Data[:len(f.Data)-fcsLen]
	}

	h, err := parseHeader(f.Data)
	if err != nil {
		d.m.rxDropped.WithLabelValues("malformed").Inc()
		d.log.Debug().Err(err).Msg("dropped malformed frame")
		return
	}
	d.m.rxFrames.WithLabelValues(typeLabel(h)).Inc()

	var si *staInfo
	if h.Addr2 != nil {
		si = d.stations.get(h.Addr2)
	}

	if si != nil && d.rxPowerSave(si, h) {
		return
	}

	switch {
	case h.Type == layers.Dot11TypeMgmtAction && si != nil:
		if d.rxBlockAckAction(si, f, h) {
			return
		}
	case h.Type == layers.Dot11TypeCtrlBlockAckReq:
		if si == nil {
			return
		}
		tid, ssn, err := parseBAR(f.Data, h)
		if err != nil {
			d.m.rxDropped.WithLabelValues("malformed").Inc()
			return
		}
		d.blockAckReq(si, tid, ssn)
		return
	case h.isNullData():
		return
	case h.QoS && si != nil:
		if d.rxReorder(si, h) {
			d.m.rxDropped.WithLabelValues("stale").Inc()
			return
		}
	}

	if d.onReceive != nil {
		d.onReceive(f)
	}
}

func typeLabel(h header) string {
	switch h.mainType() {
	case layers.Dot11TypeMgmt:
		return "mgmt"
	case layers.Dot11TypeCtrl:
		return "ctrl"
	default:
		return "data"
	}
}

// rxPowerSave applies the power management signalling of a frame from a
// known station. It reports whether the frame was consumed.
func (d *Device) rxPowerSave(si *staInfo, h header) bool {
	switch si.vif.Type {
	case InterfaceTypeAP, InterfaceTypeP2PGroupOwner:
	default:
		return false
	}

	if h.Type == layers.Dot11TypeCtrlPowersavePoll {
		d.psTriggered(si, ReleasePSPoll, 0)
		return true
	}
	if h.isCtrl() || h.Flags.MF() {
		return false
	}

	pm := h.Flags.PowerManagement()
	if pm && si.ps.asleep && h.QoS && si.station().UAPSDQueues.Has(TIDToAC(h.TID)) {
		d.psTriggered(si, ReleaseUAPSD, h.TID)
	}

	if d.hw.Flags.Has(HWAPLinkPS) {
		return false
	}
	if pm {
		d.psSleep(si)
	} else if si.ps.asleep {
		d.psWake(si)
	}
	return false
}

// rxBlockAckAction handles Block Ack category action frames. It reports
// whether the frame was consumed.
func (d *Device) rxBlockAckAction(si *staInfo, f *Frame, h header) bool {
	a, ok, err := parseBAAction(f.Data, h)
	switch {
	case !ok:
		return false
	case err != nil:
		d.m.rxDropped.WithLabelValues("malformed").Inc()
		staAddr(d.log.Debug(), si.station().Addr).Err(err).Msg("dropped malformed block ack action")
		return true
	}

	switch a.Action {
	case actionAddBARequest:
		d.addBARequest(si, a.AddBA)
	case actionAddBAResp:
		d.addBAResponse(si, a.AddBA)
	case actionDelBA:
		d.delBA(si, a.DelBA)
	}
	return true
}
