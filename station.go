package softmac

import (
	"context"
	"fmt"
	"net"
)

// Stations returns a snapshot of the stations known to the Device. It does
// not wait for the worker.
func (d *Device) Stations() StationSnapshot {
	return StationSnapshot{m: d.stations.load()}
}

// AddStation adds sta to interface id in StateNone. The Device keeps sta; the
// caller must not modify it afterwards.
func (d *Device) AddStation(ctx context.Context, id int, sta *Station) error {
	if len(sta.Addr) != 6 {
		return fmt.Errorf("station address %q: %w", sta.Addr, ErrInvalidStationConf)
	}
	switch sta.MaxSP {
	case 0, 2, 4, 6:
	default:
		return fmt.Errorf("max service period %d: %w", sta.MaxSP, ErrInvalidStationConf)
	}

	var err error
	if werr := d.w.do(ctx, func() { err = d.addStation(id, sta) }); werr != nil {
		return werr
	}
	return err
}

func (d *Device) addStation(id int, sta *Station) error {
	vif, ok := d.vifs[id]
	if !ok {
		return fmt.Errorf("interface %d: %w", id, ErrInterfaceNotFound)
	}
	if d.stations.get(sta.Addr) != nil {
		return fmt.Errorf("station %s: %w", sta.Addr, ErrStationExists)
	}

	if err := d.drv.StaState(vif.Interface, sta, StateNotExist, StateNone); err != nil {
		return fmt.Errorf("add station %s: %w", sta.Addr, err)
	}

	si := &staInfo{vif: vif}
	si.sta.Store(sta)
	si.state.Store(int32(StateNone))
	d.stations.insert(si)

	staAddr(d.log.Info(), sta.Addr).Int("vif", id).Msg("station added")
	return nil
}

// MoveStation changes the state of a station. Upward moves must be exactly
// one step and can be refused by the driver, in which case the station keeps
// its state. Downward moves may skip states; they are walked one step at a
// time and always succeed. Moving to StateNotExist removes the station.
func (d *Device) MoveStation(ctx context.Context, addr net.HardwareAddr, target StationState) error {
	if target < StateNotExist || target > StateAuthorized {
		return fmt.Errorf("target state %s: %w", target, ErrInvalidTransition)
	}

	var err error
	if werr := d.w.do(ctx, func() {
		si := d.stations.get(addr)
		if si == nil {
			err = fmt.Errorf("station %s: %w", addr, ErrStationNotFound)
			return
		}
		err = d.moveStation(si, target)
	}); werr != nil {
		return werr
	}
	return err
}

// RemoveStation moves a station to StateNotExist.
func (d *Device) RemoveStation(ctx context.Context, addr net.HardwareAddr) error {
	return d.MoveStation(ctx, addr, StateNotExist)
}

func (d *Device) moveStation(si *staInfo, target StationState) error {
	cur := si.State()
	switch {
	case target == cur:
		return nil
	case target < cur:
		d.moveDown(si, target)
		return nil
	case target != cur+1:
		return fmt.Errorf("station %s %s to %s: %w", si.station().Addr, cur, target, ErrInvalidTransition)
	}

	sta := si.station()
	if err := d.drv.StaState(si.vif.Interface, sta, cur, target); err != nil {
		staAddr(d.log.Warn(), sta.Addr).
			Err(err).
			Stringer("from", cur).
			Stringer("to", target).
			Msg("driver refused station transition")
		return fmt.Errorf("station %s %s to %s: %w", sta.Addr, cur, target, err)
	}
	si.state.Store(int32(target))

	if target == StateAssoc && d.neg != nil {
		d.rc.RateInit(d.band(), sta)
	}

	staAddr(d.log.Debug(), sta.Addr).Stringer("state", target).Msg("station state changed")
	return nil
}

// moveDown walks a station down to target. Driver errors are logged and
// ignored.
func (d *Device) moveDown(si *staInfo, target StationState) {
	sta := si.station()
	for s := si.State(); s > target; s-- {
		if s == StateAssoc {
			d.stopSessions(si)
			if d.neg != nil {
				d.rc.RateRemove(sta)
			}
		}

		if err := d.drv.StaState(si.vif.Interface, sta, s, s-1); err != nil {
			staAddr(d.log.Warn(), sta.Addr).
				Err(err).
				Stringer("from", s).
				Stringer("to", s-1).
				Msg("driver failed downward station transition, ignoring")
		}
		si.state.Store(int32(s - 1))
	}

	if target == StateNotExist {
		d.stopSessions(si)
		d.forceSessionsIdle(si)
		d.psDrop(si)
		d.stations.remove(sta.Addr)
		staAddr(d.log.Info(), sta.Addr).Msg("station removed")
	}
}

// UpdateStationRates replaces a station's supported rates and informs the
// rate controller, or the driver when the hardware controls rates.
func (d *Device) UpdateStationRates(ctx context.Context, addr net.HardwareAddr, rates [NumBands]uint32) error {
	var err error
	if werr := d.w.do(ctx, func() {
		si := d.stations.get(addr)
		if si == nil {
			err = fmt.Errorf("station %s: %w", addr, ErrStationNotFound)
			return
		}

		sta := *si.station()
		sta.SupportedRates = rates
		si.sta.Store(&sta)

		if d.neg == nil {
			if n, ok := d.drv.(RateChangeNotifier); ok {
				n.StaRateChanged(si.vif.Interface, &sta, RateChangeSupportedRates)
			}
			return
		}
		if si.State() >= StateAssoc {
			d.rc.RateUpdate(d.band(), &sta, RateChangeSupportedRates)
		}
	}); werr != nil {
		return werr
	}
	return err
}
