package softmac

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// A Direction is the direction of a block ack session.
type Direction int

// Possible Direction values.
const (
	DirectionTX Direction = iota
	DirectionRX
)

// String returns the string representation of a Direction.
func (d Direction) String() string {
	switch d {
	case DirectionTX:
		return "tx"
	case DirectionRX:
		return "rx"
	default:
		return fmt.Sprintf("unknown(%d)", d)
	}
}

// A SessionState is the state of a block ack session.
type SessionState int

// Possible SessionState values.
const (
	SessionIdle SessionState = iota
	SessionRequested
	SessionOperational
	SessionStopping
)

// String returns the string representation of a SessionState.
func (s SessionState) String() string {
	switch s {
	case SessionIdle:
		return "idle"
	case SessionRequested:
		return "requested"
	case SessionOperational:
		return "operational"
	case SessionStopping:
		return "stopping"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// SessionInfo describes a block ack session.
type SessionInfo struct {
	State   SessionState
	SSN     uint16
	BufSize uint8
}

// defaultBufSize is used when neither side limits the buffer size.
const defaultBufSize = 64

type tidState struct {
	// seq is the next sequence number for QoS data on this TID.
	seq uint16

	tx txSession
	rx rxSession
}

type txSession struct {
	state   SessionState
	ssn     uint16
	bufSize uint8
	dialog  uint8

	driverReady bool
	peerReady   bool
	peerBufSize uint16

	// pending holds frames while the session is being set up or torn down,
	// or while the window is full.
	pending []*Frame
	window  *txWindow

	timer *time.Timer
	token uint64
}

type rxSession struct {
	state   SessionState
	ssn     uint16
	head    uint16
	bufSize uint8
	dialog  uint8
}

func (d *Device) ampduDriver() (AMPDUDriver, bool) {
	ad, ok := d.drv.(AMPDUDriver)
	return ad, ok && d.hw.Flags.Has(HWAMPDUAggregation)
}

func (d *Device) baTransition(dir Direction, s SessionState) {
	d.m.baSessions.WithLabelValues(dir.String(), s.String()).Inc()
}

func validTID(tid uint8) error {
	if tid >= NumTIDs {
		return fmt.Errorf("tid %d: %w", tid, ErrNotSupported)
	}
	return nil
}

// Session returns the block ack session of a station's TID.
func (d *Device) Session(ctx context.Context, addr net.HardwareAddr, tid uint8, dir Direction) (SessionInfo, error) {
	if err := validTID(tid); err != nil {
		return SessionInfo{}, err
	}

	var (
		info SessionInfo
		err  error
	)
	if werr := d.w.do(ctx, func() {
		si := d.stations.get(addr)
		if si == nil {
			err = fmt.Errorf("station %s: %w", addr, ErrStationNotFound)
			return
		}

		t := &si.tids[tid]
		if dir == DirectionTX {
			info = SessionInfo{State: t.tx.state, SSN: t.tx.ssn, BufSize: t.tx.bufSize}
		} else {
			info = SessionInfo{State: t.rx.state, SSN: t.rx.ssn, BufSize: t.rx.bufSize}
		}
	}); werr != nil {
		return SessionInfo{}, werr
	}
	return info, err
}

// StartTxBA requests a TX block ack session with a station. The session
// becomes operational once the driver calls TxBAReady and the peer accepts
// with an ADDBA response. Frames for the TID are held until then.
func (d *Device) StartTxBA(ctx context.Context, addr net.HardwareAddr, tid uint8) error {
	if err := validTID(tid); err != nil {
		return err
	}

	var err error
	if werr := d.w.do(ctx, func() {
		si := d.stations.get(addr)
		if si == nil {
			err = fmt.Errorf("station %s: %w", addr, ErrStationNotFound)
			return
		}
		err = d.startTxBA(si, tid)
	}); werr != nil {
		return werr
	}
	return err
}

func (d *Device) startTxBA(si *staInfo, tid uint8) error {
	sta := si.station()
	ad, ok := d.ampduDriver()
	switch {
	case !ok:
		return fmt.Errorf("tx aggregation: %w", ErrNotSupported)
	case !sta.HT || !sta.WME:
		return fmt.Errorf("station %s: %w", sta.Addr, ErrAggregationUnsupported)
	case si.State() < StateAssoc:
		return fmt.Errorf("station %s not associated: %w", sta.Addr, ErrAggregationUnsupported)
	}

	t := &si.tids[tid]
	s := &t.tx
	if s.state != SessionIdle {
		return fmt.Errorf("station %s tid %d %s: %w", sta.Addr, tid, s.state, ErrSessionBusy)
	}

	d.dialog++
	*s = txSession{
		state:   SessionRequested,
		ssn:     t.seq,
		dialog:  d.dialog,
		pending: s.pending,
		token:   s.token + 1,
	}
	d.baTransition(DirectionTX, SessionRequested)

	err := ad.AMPDUAction(si.vif.Interface, AMPDUParams{
		Action:  AMPDUTxStart,
		Station: sta,
		TID:     tid,
		SSN:     s.ssn,
	})
	if err != nil {
		d.finishTxStop(si, tid)
		return fmt.Errorf("%w: %v", ErrAggregationRejected, err)
	}

	bufSize := uint16(d.hw.MaxTxAggregationSubframes)
	if bufSize == 0 {
		bufSize = defaultBufSize
	}
	d.sendManagement(si.vif, si, NewAddBARequest(sta.Addr, si.vif.Addr, bssid(si.vif, sta.Addr), AddBAParams{
		Dialog:  s.dialog,
		TID:     tid,
		BufSize: bufSize,
		SSN:     s.ssn,
	}))

	token := s.token
	s.timer = time.AfterFunc(d.cfg.Aggregation.AddBATimeout, func() {
		d.w.post(func() {
			if s.token != token || s.state != SessionRequested {
				return
			}
			staAddr(d.baLog.Info(), sta.Addr).Uint8("tid", tid).Msg("ADDBA response timed out")
			d.stopTx(si, tid, true)
		})
	})

	staAddr(d.baLog.Debug(), sta.Addr).Uint8("tid", tid).Uint16("ssn", s.ssn).Msg("tx block ack requested")
	return nil
}

// TxBAReady is called by the driver once it is ready for a TX session it
// was asked to start. It does not block.
func (d *Device) TxBAReady(addr net.HardwareAddr, tid uint8) {
	d.w.post(func() {
		si := d.stations.get(addr)
		if si == nil || tid >= NumTIDs {
			return
		}

		s := &si.tids[tid].tx
		if s.state != SessionRequested {
			staAddr(d.baLog.Debug(), addr).Uint8("tid", tid).Stringer("state", s.state).Msg("ignoring late tx block ack ready")
			return
		}
		s.driverReady = true
		d.maybeOperational(si, tid)
	})
}

// HandleAddBAResponse processes an ADDBA response from a peer as if it had
// been received.
func (d *Device) HandleAddBAResponse(addr net.HardwareAddr, p AddBAParams) {
	d.w.post(func() {
		if si := d.stations.get(addr); si != nil {
			d.addBAResponse(si, p)
		}
	})
}

func (d *Device) addBAResponse(si *staInfo, p AddBAParams) {
	if p.TID >= NumTIDs {
		return
	}
	s := &si.tids[p.TID].tx
	if s.state != SessionRequested || p.Dialog != s.dialog {
		staAddr(d.baLog.Debug(), si.station().Addr).Uint8("tid", p.TID).Msg("ignoring unexpected ADDBA response")
		return
	}

	if p.Status != StatusSuccess {
		staAddr(d.baLog.Info(), si.station().Addr).
			Uint8("tid", p.TID).
			Uint16("status", p.Status).
			Msg("peer declined tx block ack")
		d.stopTx(si, p.TID, false)
		return
	}

	s.peerReady = true
	s.peerBufSize = p.BufSize
	d.maybeOperational(si, p.TID)
}

func (d *Device) maybeOperational(si *staInfo, tid uint8) {
	s := &si.tids[tid].tx
	if !s.driverReady || !s.peerReady {
		return
	}

	buf := s.peerBufSize
	if buf == 0 || buf > defaultBufSize {
		buf = defaultBufSize
	}
	if hw := uint16(d.hw.MaxTxAggregationSubframes); hw > 0 && hw < buf {
		buf = hw
	}

	s.state = SessionOperational
	s.bufSize = uint8(buf)
	s.window = newTxWindow(s.bufSize)
	if s.timer != nil {
		s.timer.Stop()
	}
	d.baTransition(DirectionTX, SessionOperational)

	sta := si.station()
	if ad, ok := d.ampduDriver(); ok {
		if err := ad.AMPDUAction(si.vif.Interface, AMPDUParams{
			Action:  AMPDUTxOperational,
			Station: sta,
			TID:     tid,
			SSN:     s.ssn,
			BufSize: s.bufSize,
		}); err != nil {
			staAddr(d.baLog.Warn(), sta.Addr).Err(err).Uint8("tid", tid).Msg("driver failed to make tx session operational")
		}
	}

	staAddr(d.baLog.Info(), sta.Addr).Uint8("tid", tid).Uint8("buf_size", s.bufSize).Msg("tx block ack operational")
	d.releasePending(si, tid)
}

// StopTxBA tears down a TX block ack session. It is never refused; stopping
// an idle session does nothing.
func (d *Device) StopTxBA(ctx context.Context, addr net.HardwareAddr, tid uint8) error {
	return d.w.do(ctx, func() {
		if si := d.stations.get(addr); si != nil && tid < NumTIDs {
			d.stopTx(si, tid, true)
		}
	})
}

// stopTx moves a TX session to STOPPING and tells the driver. The session
// becomes idle immediately, or after TxBAStopped for drivers with
// HWDeferredBAStop.
func (d *Device) stopTx(si *staInfo, tid uint8, sendDelBA bool) {
	s := &si.tids[tid].tx
	if s.state == SessionIdle || s.state == SessionStopping {
		return
	}

	s.state = SessionStopping
	s.token++
	if s.timer != nil {
		s.timer.Stop()
	}
	d.baTransition(DirectionTX, SessionStopping)

	sta := si.station()
	if ad, ok := d.ampduDriver(); ok {
		if err := ad.AMPDUAction(si.vif.Interface, AMPDUParams{
			Action:  AMPDUTxStop,
			Station: sta,
			TID:     tid,
		}); err != nil {
			staAddr(d.baLog.Warn(), sta.Addr).Err(err).Uint8("tid", tid).Msg("driver failed to stop tx session, ignoring")
		}
	}

	if sendDelBA {
		d.sendManagement(si.vif, si, NewDelBA(sta.Addr, si.vif.Addr, bssid(si.vif, sta.Addr), DelBAParams{
			TID:       tid,
			Initiator: true,
			Reason:    ReasonUnspecified,
		}))
	}

	if !d.hw.Flags.Has(HWDeferredBAStop) {
		d.finishTxStop(si, tid)
	}
}

// TxBAStopped is called by drivers with HWDeferredBAStop once a TX session
// is torn down. It does not block.
func (d *Device) TxBAStopped(addr net.HardwareAddr, tid uint8) {
	d.w.post(func() {
		si := d.stations.get(addr)
		if si == nil || tid >= NumTIDs || si.tids[tid].tx.state != SessionStopping {
			return
		}
		d.finishTxStop(si, tid)
	})
}

func (d *Device) finishTxStop(si *staInfo, tid uint8) {
	s := &si.tids[tid].tx
	if s.timer != nil {
		s.timer.Stop()
	}
	*s = txSession{state: SessionIdle, pending: s.pending, token: s.token + 1}
	d.baTransition(DirectionTX, SessionIdle)

	staAddr(d.baLog.Debug(), si.station().Addr).Uint8("tid", tid).Msg("tx block ack stopped")
	d.releasePending(si, tid)
}

// releasePending sends frames held by a TX session in their original order.
func (d *Device) releasePending(si *staInfo, tid uint8) {
	s := &si.tids[tid].tx
	pending := s.pending
	s.pending = nil

	for i, f := range pending {
		if err := d.txStation(si, f); err != nil {
			staAddr(d.baLog.Debug(), si.station().Addr).Err(err).Msg("dropped held frame")
		}

		// A full window holds the remaining frames again, behind this one.
		if len(s.pending) > 0 {
			s.pending = append(s.pending, pending[i+1:]...)
			return
		}
	}
}

// aggHold holds or marks a QoS data frame according to its TID's session. It
// reports whether the frame was held.
func (d *Device) aggHold(si *staInfo, f *Frame) bool {
	if f.TID >= NumTIDs {
		return false
	}
	s := &si.tids[f.TID].tx

	switch s.state {
	case SessionRequested, SessionStopping:
		s.pending = append(s.pending, f)
		return true
	case SessionOperational:
	default:
		return false
	}

	// Frames numbered before the session started are sent normally.
	if !f.hasSeq || seqLess(f.seq, s.ssn) {
		return false
	}

	if len(s.pending) > 0 || !s.window.admit(f.seq) {
		s.pending = append(s.pending, f)
		return true
	}

	f.Flags = f.Flags.With(TxCtlAMPDU)
	return false
}

// aggStatus updates a TX session's window with the status of an aggregated
// frame. Unacked subframes are resent while they remain within the window,
// and otherwise dropped with a BlockAckReq moving the peer past them.
func (d *Device) aggStatus(si *staInfo, f *Frame, acked bool) {
	s := &si.tids[f.TID].tx
	if s.state != SessionOperational || s.window == nil || !s.window.outstanding(f.seq) {
		return
	}

	if !acked {
		err := s.window.canRetransmit(f.seq)
		if err == nil && s.window.retries(f.seq) < d.cfg.Aggregation.SoftwareRetries {
			s.window.retried(f.seq)
			f.requeue()
			f.Flags = f.Flags.With(TxCtlAMPDU)
			if err := d.hand(si, f); err != nil {
				staAddr(d.baLog.Debug(), si.station().Addr).Err(err).Uint16("seq", f.seq).Msg("failed to resend subframe")
			}
			return
		}
		d.skipSubframe(si, f, err)
	} else {
		s.window.complete(f.seq)
	}

	d.releasePending(si, f.TID)
}

// aggDropped takes a subframe the stack dropped out of its session's window.
// Unless the device is stopping, the peer is moved past it and frames held
// behind the window are released on the worker.
func (d *Device) aggDropped(si *staInfo, f *Frame) {
	s := &si.tids[f.TID].tx
	if !f.hasSeq || s.state != SessionOperational || s.window == nil || !s.window.outstanding(f.seq) {
		return
	}
	if d.txStopped {
		s.window.complete(f.seq)
		return
	}

	d.skipSubframe(si, f, errSubframeDropped)

	tid, token := f.TID, s.token
	d.w.post(func() {
		if s.token == token && s.state == SessionOperational {
			d.releasePending(si, tid)
		}
	})
}

var errSubframeDropped = errors.New("subframe dropped")

// skipSubframe abandons an outstanding subframe and sends a BlockAckReq
// moving the peer past it.
func (d *Device) skipSubframe(si *staInfo, f *Frame, reason error) {
	s := &si.tids[f.TID].tx
	s.window.complete(f.seq)

	ssn := seqNext(f.seq)
	if oldest, ok := s.window.oldest(); ok && seqLess(oldest, ssn) {
		ssn = oldest
	}

	staAddr(d.baLog.Debug(), si.station().Addr).
		AnErr("reason", reason).
		Uint8("tid", f.TID).
		Uint16("seq", f.seq).
		Uint16("ssn", ssn).
		Msg("giving up on subframe, sending BAR")
	d.sendBAR(si, f.TID, ssn)
}

func (d *Device) sendBAR(si *staInfo, tid uint8, ssn uint16) {
	sta := si.station()
	f := NewTxFrame(NewBlockAckReq(sta.Addr, si.vif.Addr, tid, ssn))
	f.Flags = f.Flags.With(TxCtlNoPSBuffer)
	h, _ := parseHeader(f.Data)
	d.prepare(si.vif, si, f, h)
	if err := d.hand(si, f); err != nil {
		staAddr(d.baLog.Warn(), sta.Addr).Err(err).Msg("failed to send BAR")
	}
}

// stopSessions stops every TX and RX session of a station.
func (d *Device) stopSessions(si *staInfo) {
	for tid := uint8(0); tid < NumTIDs; tid++ {
		d.stopTx(si, tid, true)
		d.stopRx(si, tid, true)
	}
}

// forceSessionsIdle completes TX teardown without waiting for the driver,
// for stations that are going away.
func (d *Device) forceSessionsIdle(si *staInfo) {
	for tid := uint8(0); tid < NumTIDs; tid++ {
		if si.tids[tid].tx.state == SessionStopping {
			d.finishTxStop(si, tid)
		}
		for _, f := range si.tids[tid].tx.pending {
			d.drop(f, "station_removed")
		}
		si.tids[tid].tx.pending = nil
	}
}

// addBARequest handles a peer's request for an RX session.
func (d *Device) addBARequest(si *staInfo, p AddBAParams) {
	sta := si.station()
	resp := p
	resp.Status = StatusRequestDeclined

	send := func() {
		d.sendManagement(si.vif, si, NewAddBAResponse(sta.Addr, si.vif.Addr, bssid(si.vif, sta.Addr), resp))
	}

	ad, ok := d.ampduDriver()
	if !ok || !sta.HT || p.TID >= NumTIDs {
		send()
		return
	}

	r := &si.tids[p.TID].rx
	if r.state != SessionIdle {
		d.stopRx(si, p.TID, false)
	}

	buf := p.BufSize
	if buf == 0 || buf > defaultBufSize {
		buf = defaultBufSize
	}
	if hw := uint16(d.hw.MaxRxAggregationSubframes); hw > 0 && hw < buf {
		buf = hw
	}
	if lim := uint16(sta.MaxRxAggregationSubframes); lim > 0 && lim < buf {
		buf = lim
	}

	*r = rxSession{
		state:   SessionRequested,
		ssn:     p.SSN,
		head:    p.SSN,
		bufSize: uint8(buf),
		dialog:  p.Dialog,
	}
	d.baTransition(DirectionRX, SessionRequested)

	err := ad.AMPDUAction(si.vif.Interface, AMPDUParams{
		Action:  AMPDURxStart,
		Station: sta,
		TID:     p.TID,
		SSN:     p.SSN,
		BufSize: r.bufSize,
	})
	if err != nil {
		staAddr(d.baLog.Info(), sta.Addr).Err(err).Uint8("tid", p.TID).Msg("driver declined rx block ack")
		*r = rxSession{}
		d.baTransition(DirectionRX, SessionIdle)
		send()
		return
	}

	r.state = SessionOperational
	d.baTransition(DirectionRX, SessionOperational)

	resp.Status = StatusSuccess
	resp.BufSize = buf
	send()

	staAddr(d.baLog.Info(), sta.Addr).Uint8("tid", p.TID).Uint16("buf_size", buf).Msg("rx block ack operational")
}

// stopRx tears down an RX session. It is never refused.
func (d *Device) stopRx(si *staInfo, tid uint8, sendDelBA bool) {
	r := &si.tids[tid].rx
	if r.state == SessionIdle {
		return
	}

	r.state = SessionStopping
	d.baTransition(DirectionRX, SessionStopping)

	sta := si.station()
	if ad, ok := d.ampduDriver(); ok {
		if err := ad.AMPDUAction(si.vif.Interface, AMPDUParams{
			Action:  AMPDURxStop,
			Station: sta,
			TID:     tid,
		}); err != nil {
			staAddr(d.baLog.Warn(), sta.Addr).Err(err).Uint8("tid", tid).Msg("driver failed to stop rx session, ignoring")
		}
	}

	if sendDelBA {
		d.sendManagement(si.vif, si, NewDelBA(sta.Addr, si.vif.Addr, bssid(si.vif, sta.Addr), DelBAParams{
			TID:    tid,
			Reason: ReasonUnspecified,
		}))
	}

	*r = rxSession{}
	d.baTransition(DirectionRX, SessionIdle)
}

// delBA handles a DELBA from a peer. The initiator bit names the peer's role
// in the session being torn down.
func (d *Device) delBA(si *staInfo, p DelBAParams) {
	if p.TID >= NumTIDs {
		return
	}
	if p.Initiator {
		d.stopRx(si, p.TID, false)
		return
	}
	d.stopTx(si, p.TID, false)
}

// StopRxBA tears down the RX sessions for tids with peer on the interface
// with address vifAddr. It does not block.
func (d *Device) StopRxBA(vifAddr net.HardwareAddr, tids TIDSet, peer net.HardwareAddr) {
	d.w.post(func() {
		si := d.stations.get(peer)
		if si == nil || si.vif.Addr.String() != vifAddr.String() {
			return
		}
		for tid := uint8(0); tid < NumTIDs; tid++ {
			if tids.Has(tid) {
				d.stopRx(si, tid, true)
			}
		}
	})
}

// ChangeRxBAMaxSubframes changes the RX buffer size accepted from peer.
// Existing RX sessions are torn down so the peer negotiates new ones within
// the limit. It does not block.
func (d *Device) ChangeRxBAMaxSubframes(peer net.HardwareAddr, n uint8) {
	d.w.post(func() {
		si := d.stations.get(peer)
		if si == nil {
			return
		}

		sta := *si.station()
		sta.MaxRxAggregationSubframes = n
		si.sta.Store(&sta)

		for tid := uint8(0); tid < NumTIDs; tid++ {
			if si.tids[tid].rx.state != SessionIdle {
				d.stopRx(si, tid, true)
			}
		}
	})
}

// rxReorder updates the RX session window with a received QoS data frame and
// reports whether the frame is stale and must be dropped.
func (d *Device) rxReorder(si *staInfo, h header) bool {
	if h.TID >= NumTIDs {
		return false
	}
	r := &si.tids[h.TID].rx
	if r.state != SessionOperational {
		return false
	}

	switch {
	case seqLess(h.Seq, r.head):
		return true
	case seqSub(h.Seq, r.head) >= uint16(r.bufSize):
		r.head = seqNext(seqSub(h.Seq, uint16(r.bufSize)))
	}
	if h.Seq == r.head {
		r.head = seqNext(r.head)
	}
	return false
}

// blockAckReq moves an RX session's window to ssn.
func (d *Device) blockAckReq(si *staInfo, tid uint8, ssn uint16) {
	if tid >= NumTIDs {
		return
	}
	r := &si.tids[tid].rx
	if r.state == SessionOperational && seqLess(r.head, ssn) {
		r.head = ssn
	}
}
