package softmac

import (
	"context"
	"fmt"
	"math"
	"net"

	"github.com/google/gopacket/layers"
)

// powerSave is the power save state of a station, owned by the worker.
type powerSave struct {
	asleep      bool
	blocked     bool
	wakePending bool
	tim         bool

	// driverBuffered are TIDs the driver holds frames for.
	driverBuffered TIDSet

	// buffered holds frames per access category while the station sleeps,
	// and filtered holds frames the driver returned with TxStatFiltered.
	// Filtered frames are older and go out first.
	buffered [NumACs][]*Frame
	filtered []*Frame

	sp      *servicePeriod
	trigger *psTrigger
}

// A servicePeriod is an open period of delivery to a sleeping station.
type servicePeriod struct {
	reason   ReleaseReason
	moreData bool
	frames   int
}

// A psTrigger is a PS-Poll or U-APSD trigger received while the station was
// blocked.
type psTrigger struct {
	reason ReleaseReason
	tid    uint8
}

// holds reports whether bufferable frames must be held.
func (ps *powerSave) holds() bool { return ps.asleep || ps.blocked }

func (ps *powerSave) count() int {
	n := len(ps.filtered)
	for _, q := range ps.buffered {
		n += len(q)
	}
	return n
}

// PowerSaveInfo describes the power save state of a station.
type PowerSaveInfo struct {
	Asleep          bool
	Blocked         bool
	Buffered        int
	DriverBuffered  TIDSet
	InServicePeriod bool
	TIM             bool
}

// PowerSave returns the power save state of a station.
func (d *Device) PowerSave(ctx context.Context, addr net.HardwareAddr) (PowerSaveInfo, error) {
	var (
		info PowerSaveInfo
		err  error
	)
	if werr := d.w.do(ctx, func() {
		si := d.stations.get(addr)
		if si == nil {
			err = fmt.Errorf("station %s: %w", addr, ErrStationNotFound)
			return
		}

		ps := &si.ps
		info = PowerSaveInfo{
			Asleep:          ps.asleep,
			Blocked:         ps.blocked,
			Buffered:        ps.count(),
			DriverBuffered:  ps.driverBuffered,
			InServicePeriod: ps.sp != nil,
			TIM:             ps.tim,
		}
	}); werr != nil {
		return PowerSaveInfo{}, werr
	}
	return info, err
}

// PSTransition reports a station's power save transition detected by a
// driver with HWAPLinkPS. It returns ErrPSStateUnchanged if the station is
// already in the requested state, in which case nothing else happens.
func (d *Device) PSTransition(ctx context.Context, addr net.HardwareAddr, asleep bool) error {
	if !d.hw.Flags.Has(HWAPLinkPS) {
		return ErrNotDriverOwnedPS
	}

	var err error
	if werr := d.w.do(ctx, func() {
		si := d.stations.get(addr)
		if si == nil {
			err = fmt.Errorf("station %s: %w", addr, ErrStationNotFound)
			return
		}

		var changed bool
		if asleep {
			changed = d.psSleep(si)
		} else {
			changed = d.psWake(si)
		}
		if !changed {
			err = fmt.Errorf("station %s asleep=%t: %w", addr, asleep, ErrPSStateUnchanged)
		}
	}); werr != nil {
		return werr
	}
	return err
}

func (d *Device) psSleep(si *staInfo) bool {
	ps := &si.ps
	if ps.wakePending {
		ps.wakePending = false
		return true
	}
	if ps.asleep {
		return false
	}

	ps.asleep = true
	si.asleep.Store(true)

	if n, ok := d.drv.(StaNotifier); ok {
		n.StaNotify(si.vif.Interface, si.station(), StaNotifySleep)
	}
	d.updateTIM(si)

	staAddr(d.psLog.Debug(), si.station().Addr).Msg("station asleep")
	return true
}

// psWake wakes a station, or marks the wake pending while the station is
// blocked.
func (d *Device) psWake(si *staInfo) bool {
	ps := &si.ps
	if !ps.asleep || ps.wakePending {
		return false
	}

	if ps.blocked {
		ps.wakePending = true
		staAddr(d.psLog.Debug(), si.station().Addr).Msg("station wake deferred while blocked")
		return true
	}

	d.psAwake(si)
	return true
}

func (d *Device) psAwake(si *staInfo) {
	ps := &si.ps
	ps.asleep = false
	ps.wakePending = false
	ps.sp = nil
	ps.trigger = nil
	ps.driverBuffered = 0
	si.asleep.Store(false)

	if n, ok := d.drv.(StaNotifier); ok {
		n.StaNotify(si.vif.Interface, si.station(), StaNotifyAwake)
	}

	staAddr(d.psLog.Debug(), si.station().Addr).Int("buffered", ps.count()).Msg("station awake")
	d.psDeliverAll(si)
}

// psDeliverAll sends every held frame of an awake, unblocked station:
// filtered frames first, then buffered frames by access category.
func (d *Device) psDeliverAll(si *staInfo) {
	ps := &si.ps
	frames := ps.filtered
	ps.filtered = nil
	for ac := range ps.buffered {
		frames = append(frames, ps.buffered[ac]...)
		ps.buffered[ac] = nil
	}
	d.m.psBuffered.Sub(float64(len(frames)))

	for _, f := range frames {
		if err := d.txStation(si, f); err != nil {
			staAddr(d.psLog.Debug(), si.station().Addr).Err(err).Msg("dropped buffered frame")
		}
	}
	d.updateTIM(si)
}

// BlockAwake forces the stack to treat a station as asleep while block is
// set, for example while the driver still holds frames for it. Clearing it
// resumes delivery and applies a wake that arrived meanwhile. It does not
// block.
func (d *Device) BlockAwake(addr net.HardwareAddr, block bool) {
	d.w.post(func() {
		si := d.stations.get(addr)
		if si == nil {
			return
		}

		ps := &si.ps
		if ps.blocked == block {
			return
		}
		ps.blocked = block
		if block {
			return
		}

		switch {
		case ps.wakePending:
			d.psAwake(si)
		case !ps.asleep:
			d.psDeliverAll(si)
		case ps.trigger != nil:
			t := ps.trigger
			ps.trigger = nil
			d.psServe(si, t.reason, t.tid)
		}
	})
}

// SetBuffered is called by a driver that holds frames for a sleeping station
// on tid, so that its TIM bit reflects them. It does not block.
func (d *Device) SetBuffered(addr net.HardwareAddr, tid uint8, buffered bool) {
	d.w.post(func() {
		si := d.stations.get(addr)
		if si == nil || tid >= NumTIDs {
			return
		}

		if buffered {
			si.ps.driverBuffered = si.ps.driverBuffered.With(tid)
		} else {
			si.ps.driverBuffered = si.ps.driverBuffered.Without(tid)
		}
		d.updateTIM(si)
	})
}

// EndOfServicePeriod ends a station's service period, for drivers that
// released no frame carrying TxStatusEOSP. It does not block.
func (d *Device) EndOfServicePeriod(addr net.HardwareAddr) {
	d.w.post(func() {
		if si := d.stations.get(addr); si != nil {
			d.endServicePeriod(si)
		}
	})
}

func (d *Device) endServicePeriod(si *staInfo) {
	ps := &si.ps
	sp := ps.sp
	if sp == nil {
		return
	}
	ps.sp = nil

	staAddr(d.psLog.Debug(), si.station().Addr).
		Stringer("reason", sp.reason).
		Int("frames", sp.frames).
		Bool("more_data", sp.moreData).
		Msg("service period ended")

	if d.cfg.PowerSave.WakeOnDrainedSP && ps.asleep && !sp.moreData &&
		ps.count() == 0 && ps.driverBuffered == 0 {
		d.psWake(si)
	}
}

// abortServicePeriod closes a service period whose terminal frame was
// dropped. The station keeps its power save state.
func (d *Device) abortServicePeriod(si *staInfo) {
	sp := si.ps.sp
	if sp == nil {
		return
	}
	si.ps.sp = nil

	staAddr(d.psLog.Debug(), si.station().Addr).
		Stringer("reason", sp.reason).
		Int("frames", sp.frames).
		Msg("service period aborted")
}

// psBuffer holds a frame for a sleeping or blocked station. When the station
// is over its limit the oldest frame of the same access category is dropped.
func (d *Device) psBuffer(si *staInfo, f *Frame) {
	ps := &si.ps
	if ps.count() >= d.cfg.PowerSave.MaxBuffered {
		q := ps.buffered[f.AC]
		if len(q) == 0 {
			d.drop(f, "ps_buffer_full")
			return
		}
		d.drop(q[0], "ps_buffer_full")
		q[0] = nil
		ps.buffered[f.AC] = q[1:]
		d.m.psBuffered.Dec()
	}

	ps.buffered[f.AC] = append(ps.buffered[f.AC], f)
	d.m.psBuffered.Inc()
	d.updateTIM(si)
}

// psFiltered takes back a frame the driver could not send because the
// station went to sleep.
func (d *Device) psFiltered(si *staInfo, f *Frame) {
	f.requeue()
	ps := &si.ps
	if !ps.holds() {
		if err := d.txStation(si, f); err != nil {
			staAddr(d.psLog.Debug(), si.station().Addr).Err(err).Msg("dropped filtered frame")
		}
		return
	}

	if ps.count() >= d.cfg.PowerSave.MaxBuffered {
		d.drop(f, "ps_buffer_full")
		return
	}
	ps.filtered = append(ps.filtered, f)
	d.m.psBuffered.Inc()
	d.updateTIM(si)
}

// psDrop discards everything held for a station that is going away.
func (d *Device) psDrop(si *staInfo) {
	ps := &si.ps
	n := ps.count()
	for _, f := range ps.filtered {
		d.drop(f, "station_removed")
	}
	for _, q := range ps.buffered {
		for _, f := range q {
			d.drop(f, "station_removed")
		}
	}
	d.m.psBuffered.Sub(float64(n))
	*ps = powerSave{}
}

func (d *Device) updateTIM(si *staInfo) {
	ps := &si.ps
	want := ps.count() > 0 || ps.driverBuffered != 0
	if want == ps.tim {
		return
	}
	ps.tim = want

	if ts, ok := d.drv.(TIMSetter); ok {
		if err := ts.SetTIM(si.station(), want); err != nil {
			staAddr(d.psLog.Warn(), si.station().Addr).Err(err).Msg("failed to update TIM")
		}
	}
}

// psTriggered handles a PS-Poll or U-APSD trigger from a sleeping station.
// Only one service period is open per station; triggers arriving during it
// are absorbed.
func (d *Device) psTriggered(si *staInfo, reason ReleaseReason, tid uint8) {
	ps := &si.ps
	if !ps.asleep {
		return
	}

	if ps.sp != nil {
		d.m.absorbed.Inc()
		staAddr(d.psLog.Debug(), si.station().Addr).Stringer("reason", reason).Msg("trigger absorbed by open service period")
		return
	}

	if ps.blocked {
		if ps.trigger == nil {
			ps.trigger = &psTrigger{reason: reason, tid: tid}
		} else {
			d.m.absorbed.Inc()
		}
		return
	}

	d.psServe(si, reason, tid)
}

// psServe opens a service period and releases frames for it.
func (d *Device) psServe(si *staInfo, reason ReleaseReason, tid uint8) {
	sta := si.station()
	ps := &si.ps

	n := 1
	var ignore ACSet
	switch reason {
	case ReleasePSPoll:
		// PS-Poll serves the legacy access categories, unless all of
		// them are delivery-enabled.
		if sta.UAPSDQueues != AllACs {
			ignore = sta.UAPSDQueues
		}
	case ReleaseUAPSD:
		ignore = AllACs &^ sta.UAPSDQueues
		if n = sta.MaxSP; n == 0 {
			n = math.MaxInt
		}
	}

	var frames []*Frame
	keep := ps.filtered[:0]
	for _, f := range ps.filtered {
		if len(frames) < n && !ignore.Has(f.AC) {
			frames = append(frames, f)
			continue
		}
		keep = append(keep, f)
	}
	ps.filtered = keep

	for ac := ACVoice; ac <= ACBackground && len(frames) < n; ac++ {
		if ignore.Has(ac) {
			continue
		}
		q := ps.buffered[ac]
		k := n - len(frames)
		if k > len(q) {
			k = len(q)
		}
		frames = append(frames, q[:k]...)
		ps.buffered[ac] = q[k:]
	}
	d.m.psBuffered.Sub(float64(len(frames)))

	var driverTIDs TIDSet
	if len(frames) == 0 {
		for ac := ACVoice; ac <= ACBackground; ac++ {
			if !ignore.Has(ac) {
				driverTIDs |= ps.driverBuffered & tidsForAC(ac)
			}
		}
	}

	moreData := ps.count() > 0 || ps.driverBuffered&^driverTIDs != 0

	sp := &servicePeriod{reason: reason, moreData: moreData, frames: len(frames)}
	ps.sp = sp
	d.m.servicePeriods.WithLabelValues(reason.String()).Inc()

	staAddr(d.psLog.Debug(), sta.Addr).
		Stringer("reason", reason).
		Int("frames", len(frames)).
		Uint16("driver_tids", uint16(driverTIDs)).
		Bool("more_data", moreData).
		Msg("service period started")

	switch {
	case len(frames) > 0:
		d.psRelease(si, frames, reason, moreData)
	case driverTIDs != 0:
		if r, ok := d.drv.(BufferedFrameReleaser); ok {
			r.ReleaseBufferedFrames(sta, driverTIDs, n, reason, moreData)
			break
		}
		fallthrough
	default:
		d.psNullResponse(si, reason, tid, moreData)
	}

	d.updateTIM(si)
}

// psRelease sends frames for a service period. Every frame but the last
// carries more-data; the last one carries it only if traffic remains, and
// ends the service period.
func (d *Device) psRelease(si *staInfo, frames []*Frame, reason ReleaseReason, moreData bool) {
	sta := si.station()

	if a, ok := d.drv.(BufferedFrameAllower); ok {
		var tids TIDSet
		for _, f := range frames {
			tids = tids.With(f.TID)
		}
		a.AllowBufferedFrames(sta, tids, len(frames), reason, moreData)
	}

	for i, f := range frames {
		last := i == len(frames)-1

		setFlag(f.Data, layers.Dot11FlagsMD, !last || moreData)
		f.Flags = f.Flags.With(TxCtlNoPSBuffer)
		if last {
			f.Flags = f.Flags.With(TxStatusEOSP | TxCtlReqTxStatus)
			if reason == ReleaseUAPSD {
				if h, err := parseHeader(f.Data); err == nil {
					setEOSP(f.Data, h, true)
				}
			}
		}

		if err := d.hand(si, f); err != nil {
			staAddr(d.psLog.Debug(), sta.Addr).Err(err).Msg("dropped released frame")
		}
	}
}

// psNullResponse ends a service period with nothing to deliver.
func (d *Device) psNullResponse(si *staInfo, reason ReleaseReason, tid uint8, moreData bool) {
	sta := si.station()
	vif := si.vif
	qos := reason == ReleaseUAPSD && sta.WME

	flags := layers.Dot11FlagsFromDS
	if moreData {
		flags |= layers.Dot11FlagsMD
	}
	b := NewNullFrame(qos, flags, sta.Addr, vif.Addr, bssid(vif, sta.Addr), tid)

	f := NewTxFrame(b)
	f.Flags = TxCtlNoPSBuffer | TxStatusEOSP | TxCtlReqTxStatus
	h, err := parseHeader(b)
	if err != nil {
		d.endServicePeriod(si)
		return
	}
	setEOSP(b, h, true)
	d.prepare(vif, si, f, h)

	if err := d.hand(si, f); err != nil {
		staAddr(d.psLog.Debug(), sta.Addr).Err(err).Msg("failed to send null response")
		d.endServicePeriod(si)
	}
}
