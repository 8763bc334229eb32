package softmac

import (
	"context"
	"fmt"
	"net"
)

// Transmit sends a frame in PhaseControl from interface id. It returns once
// the frame was handed to the driver, queued behind a stopped hardware queue,
// held for a sleeping station or held for a pending block ack session.
//
// Errors are capability errors, such as ErrNoUsableRate; the frame is
// dropped in that case.
func (d *Device) Transmit(ctx context.Context, id int, f *Frame) error {
	if f.phase != PhaseControl {
		return fmt.Errorf("transmit: %w", ErrWrongPhase)
	}

	var err error
	if werr := d.w.do(ctx, func() { err = d.transmit(id, f) }); werr != nil {
		return werr
	}
	return err
}

func (d *Device) transmit(id int, f *Frame) error {
	vif, ok := d.vifs[id]
	if !ok {
		return fmt.Errorf("interface %d: %w", id, ErrInterfaceNotFound)
	}
	if d.txStopped {
		d.drop(f, "stopped")
		return fmt.Errorf("transmit: %w", ErrQueueStopped)
	}

	h, err := parseHeader(f.Data)
	if err != nil {
		return err
	}

	var si *staInfo
	if !isGroup(h.Addr1) {
		if si = d.stations.get(h.Addr1); si != nil && si.vif != vif {
			si = nil
		}
	}

	d.prepare(vif, si, f, h)
	return d.txStation(si, f)
}

// frameStation returns the station a prepared frame is addressed to, if it
// is still known on the frame's interface.
func (d *Device) frameStation(f *Frame) *staInfo {
	if f.peer == nil {
		return nil
	}
	vif, ok := d.vifs[f.Interface]
	if !ok {
		return nil
	}
	si := d.stations.get(f.peer)
	if si == nil || si.vif != vif {
		return nil
	}
	return si
}

func isGroup(addr net.HardwareAddr) bool { return len(addr) > 0 && addr[0]&0x01 != 0 }

// prepare attributes f to its interface and station, classifies it and
// assigns its sequence number.
func (d *Device) prepare(vif *vifInfo, si *staInfo, f *Frame, h header) {
	f.Interface = vif.ID
	f.vifGen = vif.gen
	if si != nil {
		f.peer = cloneAddr(si.station().Addr)
	}

	switch {
	case h.QoS:
		f.TID = h.TID
		f.AC = TIDToAC(h.TID)
	case h.isData():
		f.TID = 0
		f.AC = ACBestEffort
	default:
		f.AC = ACVoice
	}

	if !h.HasSeq || f.hasSeq {
		return
	}

	var seq uint16
	if si != nil && h.QoS && !h.isNullData() {
		t := &si.tids[h.TID]
		seq, t.seq = t.seq, seqNext(t.seq)
	} else {
		seq, vif.seq = vif.seq, seqNext(vif.seq)
	}
	setSeq(f.Data, seq)
	f.seq, f.hasSeq = seq, true
}

// txStation sends a prepared frame, holding it first for power save and then
// for block ack sessions as needed.
func (d *Device) txStation(si *staInfo, f *Frame) error {
	if si == nil {
		return d.hand(nil, f)
	}

	h, err := parseHeader(f.Data)
	if err != nil {
		return err
	}

	if !f.Flags.Has(TxCtlNoPSBuffer) && h.bufferable() && si.ps.holds() {
		d.psBuffer(si, f)
		return nil
	}

	if h.QoS && !h.isNullData() && d.aggHold(si, f) {
		return nil
	}

	return d.hand(si, f)
}

// hand selects rates and a hardware queue for f and gives it to the driver,
// or to the queue's backlog while the queue is stopped.
func (d *Device) hand(si *staInfo, f *Frame) error {
	vif, ok := d.vifs[f.Interface]
	if !ok {
		d.drop(f, "interface_removed")
		return fmt.Errorf("interface %d: %w", f.Interface, ErrInterfaceNotFound)
	}

	var sta *Station
	if si != nil {
		sta = si.station()
	}

	ctl := &f.control
	ctl.Station = sta
	ctl.Vif = vif.Interface
	f.Band = d.band().Band

	if d.neg != nil {
		chain, err := d.neg.Select(&RateRequest{
			Band:    d.band(),
			Station: sta,
			Vif:     vif.Interface,
			Frame:   f,
		})
		if err != nil {
			d.drop(f, "no_rate")
			return err
		}
		ctl.Rates = chain
	}

	f.HWQueue = d.queueFor(vif, f)

	ok, err := d.qc.admit(f)
	switch {
	case err != nil:
		d.drop(f, "backlog_full")
		return err
	case ok:
		d.sendToDriver(f)
	}
	return nil
}

func (d *Device) queueFor(vif *vifInfo, f *Frame) uint8 {
	switch {
	case f.Flags.Has(TxCtlOffchannel) && d.hw.Flags.Has(HWQueueControl):
		return d.hw.OffchannelQueue
	case f.Flags.Has(TxCtlSendAfterDTIM) && vif.Queues.CAB != InvalidQueue:
		return vif.Queues.CAB
	default:
		return vif.Queues.AC[f.AC]
	}
}

func (d *Device) sendToDriver(f *Frame) {
	d.m.txFrames.WithLabelValues(f.AC.String()).Inc()
	d.drv.Tx(f)
}

// sendManagement builds and sends a frame originated by the stack itself.
func (d *Device) sendManagement(vif *vifInfo, si *staInfo, b []byte) {
	f := NewTxFrame(b)
	h, err := parseHeader(b)
	if err != nil {
		d.log.Error().Err(err).Msg("built malformed frame")
		return
	}

	d.prepare(vif, si, f, h)
	if err := d.txStation(si, f); err != nil {
		d.log.Warn().Err(err).Int("vif", vif.ID).Msg("failed to send management frame")
	}
}

// bssid returns the BSSID used in frames between vif and peer.
func bssid(vif *vifInfo, peer net.HardwareAddr) net.HardwareAddr {
	if vif.Type == InterfaceTypeStation || vif.Type == InterfaceTypeP2PClient {
		return peer
	}
	return vif.Addr
}

// txStatus processes a frame reported through StatusReporter.
func (d *Device) txStatus(f *Frame) {
	st, err := f.Status()
	if err != nil {
		d.m.txStatus.WithLabelValues("invalid").Inc()
		d.log.Error().Err(err).Msg("driver reported status for frame not in status phase")
		return
	}

	vif, ok := d.vifs[f.Interface]
	if !ok || vif.gen != f.vifGen {
		d.m.txStatus.WithLabelValues("orphaned").Inc()
		return
	}

	st.Acked = st.Acked || f.Flags.Has(TxStatAck)
	if st.Acked {
		f.Flags = f.Flags.With(TxStatAck)
	}
	filtered := f.Flags.Has(TxStatFiltered)

	if d.neg != nil && f.offered.Len() > 0 {
		exhaustive := !filtered && !f.Flags.Has(TxCtlNoAck)
		chain, err := reconcile(f.offered, st.Rates, st.Acked, exhaustive)
		if err != nil {
			d.m.statusMismatch.Inc()
			d.log.Warn().
				Err(err).
				Stringer("offered", f.offered).
				Stringer("reported", st.Rates).
				Msg("clamped inconsistent tx status")
		}
		st.Rates = chain
	}

	si := d.frameStation(f)
	eosp := f.Flags.Has(TxStatusEOSP)

	if filtered && si != nil {
		d.m.txStatus.WithLabelValues("filtered").Inc()
		if eosp {
			d.endServicePeriod(si)
		}
		d.psFiltered(si, f)
		return
	}

	if st.Acked {
		d.m.txStatus.WithLabelValues("acked").Inc()
	} else {
		d.m.txStatus.WithLabelValues("unacked").Inc()
	}

	if si != nil && d.neg != nil {
		d.rc.TxStatus(d.band(), si.station(), f)
	}

	if eosp && si != nil {
		d.endServicePeriod(si)
	}

	if d.onStatus != nil && f.Flags.Has(TxCtlReqTxStatus) {
		d.onStatus(f)
	}

	if si != nil && f.Flags.Has(TxCtlAMPDU) {
		d.aggStatus(si, f, st.Acked)
	}
}
