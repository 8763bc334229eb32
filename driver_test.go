package softmac

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket/layers"
)

var (
	apAddr   = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0xaa}
	staAddr1 = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	staAddr2 = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
)

type stateChange struct {
	Addr     string
	Old, New StationState
}

type ampduCall struct {
	Action  AMPDUAction
	TID     uint8
	SSN     uint16
	BufSize uint8
}

type release struct {
	TIDs     TIDSet
	N        int
	Reason   ReleaseReason
	MoreData bool
}

// A fakeDriver records every call made by a Device.
type fakeDriver struct {
	mu sync.Mutex

	dev     *Device
	running bool

	// assign sets the queue map of interfaces for HWQueueControl tests.
	assign func(vif *Interface)

	tx       []*Frame
	states   []stateChange
	refuse   map[StationState]error
	failDown error

	ampdu    []ampduCall
	ampduErr map[AMPDUAction]error

	notify   []StaNotifyCmd
	tim      map[string]bool
	allowed  []release
	released []release
	conf     map[AC]TxQueueParams
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		refuse:   make(map[StationState]error),
		ampduErr: make(map[AMPDUAction]error),
		tim:      make(map[string]bool),
		conf:     make(map[AC]TxQueueParams),
	}
}

func (fd *fakeDriver) Start(_ context.Context, dev *Device) error {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	fd.dev = dev
	fd.running = true
	return nil
}

func (fd *fakeDriver) Stop() {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	fd.running = false
}

func (fd *fakeDriver) AddInterface(vif *Interface) error {
	if fd.assign != nil {
		fd.assign(vif)
	}
	return nil
}

func (fd *fakeDriver) RemoveInterface(*Interface) {}

func (fd *fakeDriver) Tx(f *Frame) {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	fd.tx = append(fd.tx, f)
}

func (fd *fakeDriver) StaState(_ *Interface, sta *Station, old, new StationState) error {
	fd.mu.Lock()
	defer fd.mu.Unlock()

	if new > old {
		if err := fd.refuse[new]; err != nil {
			return err
		}
	}
	fd.states = append(fd.states, stateChange{Addr: sta.Addr.String(), Old: old, New: new})
	if new < old {
		return fd.failDown
	}
	return nil
}

func (fd *fakeDriver) AMPDUAction(_ *Interface, p AMPDUParams) error {
	fd.mu.Lock()
	defer fd.mu.Unlock()

	fd.ampdu = append(fd.ampdu, ampduCall{Action: p.Action, TID: p.TID, SSN: p.SSN, BufSize: p.BufSize})
	return fd.ampduErr[p.Action]
}

func (fd *fakeDriver) StaNotify(_ *Interface, _ *Station, cmd StaNotifyCmd) {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	fd.notify = append(fd.notify, cmd)
}

func (fd *fakeDriver) SetTIM(sta *Station, set bool) error {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	fd.tim[sta.Addr.String()] = set
	return nil
}

func (fd *fakeDriver) ReleaseBufferedFrames(_ *Station, tids TIDSet, n int, reason ReleaseReason, moreData bool) {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	fd.released = append(fd.released, release{TIDs: tids, N: n, Reason: reason, MoreData: moreData})
}

func (fd *fakeDriver) AllowBufferedFrames(_ *Station, tids TIDSet, n int, reason ReleaseReason, moreData bool) {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	fd.allowed = append(fd.allowed, release{TIDs: tids, N: n, Reason: reason, MoreData: moreData})
}

func (fd *fakeDriver) ConfTx(_ *Interface, ac AC, _ uint8, p TxQueueParams) error {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	fd.conf[ac] = p
	return nil
}

// take returns and forgets the frames handed to the driver.
func (fd *fakeDriver) take() []*Frame {
	fd.mu.Lock()
	defer fd.mu.Unlock()

	tx := fd.tx
	fd.tx = nil
	return tx
}

func (fd *fakeDriver) ampduCalls() []ampduCall {
	fd.mu.Lock()
	defer fd.mu.Unlock()

	calls := fd.ampdu
	fd.ampdu = nil
	return calls
}

func (fd *fakeDriver) stateChanges() []stateChange {
	fd.mu.Lock()
	defer fd.mu.Unlock()

	states := fd.states
	fd.states = nil
	return states
}

func testContext(t *testing.T) context.Context {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func testHardware() Hardware {
	return Hardware{
		Flags: HWAMPDUAggregation,
		Bands: []*SupportedBand{{
			Band: Band2GHz,
			Bitrates: []Bitrate{
				{Rate: 10},
				{Rate: 20, ShortPreamble: true},
				{Rate: 55, ShortPreamble: true},
				{Rate: 110, ShortPreamble: true},
				{Rate: 60, ERP: true},
				{Rate: 120, ERP: true},
			},
		}},
		MaxRates:     4,
		MaxRateTries: 4,
	}
}

// testDevice returns a started Device bound to a fakeDriver. Status and
// received frames are processed on the worker; tests call settle before
// looking at the results.
func testDevice(t *testing.T, hw Hardware, opts ...Option) (*Device, *fakeDriver) {
	t.Helper()

	fd := newFakeDriver()
	d, err := New(fd, hw, opts...)
	if err != nil {
		t.Fatalf("failed to create device: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })

	if err := d.Start(testContext(t)); err != nil {
		t.Fatalf("failed to start device: %v", err)
	}
	return d, fd
}

func addAP(t *testing.T, d *Device) *Interface {
	t.Helper()

	vif := &Interface{Addr: apAddr, Type: InterfaceTypeAP}
	if err := d.AddInterface(testContext(t), vif); err != nil {
		t.Fatalf("failed to add interface: %v", err)
	}
	return vif
}

// addStation adds a station to vif and walks it up to state. fn may adjust
// the station before it is added.
func addStation(t *testing.T, d *Device, vif *Interface, addr net.HardwareAddr, state StationState, fn func(sta *Station)) *Station {
	t.Helper()

	sta := &Station{
		Addr:           addr,
		AID:            1,
		SupportedRates: [NumBands]uint32{0x3f},
		HT:             true,
		WME:            true,
	}
	if fn != nil {
		fn(sta)
	}

	ctx := testContext(t)
	if err := d.AddStation(ctx, vif.ID, sta); err != nil {
		t.Fatalf("failed to add station: %v", err)
	}
	for s := StateAuth; s <= state; s++ {
		if err := d.MoveStation(ctx, addr, s); err != nil {
			t.Fatalf("failed to move station to %s: %v", s, err)
		}
	}
	return sta
}

func settle(t *testing.T, d *Device) {
	t.Helper()

	if err := d.Sync(testContext(t)); err != nil {
		t.Fatalf("failed to sync: %v", err)
	}
}

// qosData returns a QoS data frame from the AP to addr.
func qosData(addr net.HardwareAddr, tid uint8) *Frame {
	return NewTxFrame(NewDataFrame(true, layers.Dot11FlagsFromDS, addr, apAddr, apAddr, tid, []byte("hello")))
}

func transmit(t *testing.T, d *Device, vif *Interface, f *Frame) {
	t.Helper()

	if err := d.Transmit(testContext(t), vif.ID, f); err != nil {
		t.Fatalf("failed to transmit: %v", err)
	}
}

// report completes a frame the driver was given, acked on the given
// attempt, or never acked for attempt 0.
func report(t *testing.T, d *Device, f *Frame, attempt int, flags TxFlags) {
	t.Helper()

	offered := f.Offered()
	st, err := f.BeginStatus()
	if err != nil {
		t.Fatalf("failed to begin status: %v", err)
	}
	st.Rates, st.Acked = StatusChain(offered, attempt)
	f.Flags = f.Flags.With(flags)

	d.StatusReporter().Deliver(f)
	settle(t, d)
}

// rxFrame submits a received frame and waits for it to be processed.
func rxFrame(t *testing.T, d *Device, b []byte) {
	t.Helper()

	d.Receiver().Deliver(NewRxFrame(b, RxStatus{Band: Band2GHz, Freq: 2412}))
	settle(t, d)
}

func mustHeader(t *testing.T, b []byte) header {
	t.Helper()

	h, err := parseHeader(b)
	if err != nil {
		t.Fatalf("failed to parse header: %v", err)
	}
	return h
}
