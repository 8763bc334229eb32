package softmac

import (
	"net"
	"sort"
	"sync/atomic"
)

// A staInfo is the stack's record of a Station. Fields other than the
// atomics are owned by the Device's worker.
type staInfo struct {
	vif *vifInfo

	// sta is replaced, never modified, when the station's parameters
	// change.
	sta    atomic.Pointer[Station]
	state  atomic.Int32
	asleep atomic.Bool

	ps   powerSave
	tids [NumTIDs]tidState
}

func (si *staInfo) State() StationState { return StationState(si.state.Load()) }
func (si *staInfo) station() *Station    { return si.sta.Load() }

// A stationTable is a copy-on-write map of stations. Writers run on the
// worker; readers on any goroutine load an immutable map.
type stationTable struct {
	p atomic.Pointer[map[string]*staInfo]
}

func (t *stationTable) load() map[string]*staInfo {
	if m := t.p.Load(); m != nil {
		return *m
	}
	return nil
}

func (t *stationTable) get(addr net.HardwareAddr) *staInfo {
	return t.load()[addr.String()]
}

func (t *stationTable) update(fn func(m map[string]*staInfo)) {
	old := t.load()
	m := make(map[string]*staInfo, len(old)+1)
	for k, v := range old {
		m[k] = v
	}
	fn(m)
	t.p.Store(&m)
}

func (t *stationTable) insert(si *staInfo) {
	t.update(func(m map[string]*staInfo) { m[si.station().Addr.String()] = si })
}

func (t *stationTable) remove(addr net.HardwareAddr) {
	t.update(func(m map[string]*staInfo) { delete(m, addr.String()) })
}

// A StationSnapshot is a consistent view of the stations known to a Device.
// It remains valid while held, even if stations are added or removed.
type StationSnapshot struct {
	m map[string]*staInfo
}

// A StationView describes a station in a StationSnapshot. State and Asleep
// are read when the view is created.
type StationView struct {
	Station   *Station
	Interface int
	State     StationState
	Asleep    bool
}

func viewOf(si *staInfo) StationView {
	return StationView{
		Station:   si.station(),
		Interface: si.vif.ID,
		State:     si.State(),
		Asleep:    si.asleep.Load(),
	}
}

// Lookup returns the station with addr.
func (s StationSnapshot) Lookup(addr net.HardwareAddr) (StationView, bool) {
	si, ok := s.m[addr.String()]
	if !ok {
		return StationView{}, false
	}
	return viewOf(si), true
}

// Len returns the number of stations.
func (s StationSnapshot) Len() int { return len(s.m) }

// All returns every station, ordered by address.
func (s StationSnapshot) All() []StationView {
	out := make([]StationView, 0, len(s.m))
	for _, si := range s.m {
		out = append(out, viewOf(si))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Station.Addr.String() < out[j].Station.Addr.String()
	})
	return out
}
