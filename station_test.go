package softmac

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDeviceStationLifecycle(t *testing.T) {
	d, fd := testDevice(t, testHardware())
	vif := addAP(t, d)
	addStation(t, d, vif, staAddr1, StateAuthorized, nil)

	sta := staAddr1.String()
	want := []stateChange{
		{Addr: sta, Old: StateNotExist, New: StateNone},
		{Addr: sta, Old: StateNone, New: StateAuth},
		{Addr: sta, Old: StateAuth, New: StateAssoc},
		{Addr: sta, Old: StateAssoc, New: StateAuthorized},
	}
	if diff := cmp.Diff(want, fd.stateChanges()); diff != "" {
		t.Fatalf("unexpected upward transitions (-want +got):\n%s", diff)
	}

	if err := d.RemoveStation(testContext(t), staAddr1); err != nil {
		t.Fatalf("failed to remove station: %v", err)
	}

	// Removal walks down one state at a time.
	want = []stateChange{
		{Addr: sta, Old: StateAuthorized, New: StateAssoc},
		{Addr: sta, Old: StateAssoc, New: StateAuth},
		{Addr: sta, Old: StateAuth, New: StateNone},
		{Addr: sta, Old: StateNone, New: StateNotExist},
	}
	if diff := cmp.Diff(want, fd.stateChanges()); diff != "" {
		t.Fatalf("unexpected downward transitions (-want +got):\n%s", diff)
	}

	if n := d.Stations().Len(); n != 0 {
		t.Fatalf("expected no stations, but got %d", n)
	}
}

func TestDeviceMoveStationUpwardOneStep(t *testing.T) {
	d, _ := testDevice(t, testHardware())
	vif := addAP(t, d)
	addStation(t, d, vif, staAddr1, StateNone, nil)

	err := d.MoveStation(testContext(t), staAddr1, StateAssoc)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, but got: %v", err)
	}

	assertState(t, d, StateNone)
}

func TestDeviceMoveStationRefused(t *testing.T) {
	d, fd := testDevice(t, testHardware())
	vif := addAP(t, d)
	addStation(t, d, vif, staAddr1, StateAuth, nil)

	errRefused := errors.New("association refused")
	fd.mu.Lock()
	fd.refuse[StateAssoc] = errRefused
	fd.mu.Unlock()

	err := d.MoveStation(testContext(t), staAddr1, StateAssoc)
	if !errors.Is(err, errRefused) {
		t.Fatalf("expected driver error, but got: %v", err)
	}

	assertState(t, d, StateAuth)
}

func TestDeviceMoveStationDownwardIgnoresDriver(t *testing.T) {
	d, fd := testDevice(t, testHardware())
	vif := addAP(t, d)
	addStation(t, d, vif, staAddr1, StateAuthorized, nil)

	fd.mu.Lock()
	fd.failDown = errors.New("hardware gone")
	fd.mu.Unlock()

	if err := d.MoveStation(testContext(t), staAddr1, StateNone); err != nil {
		t.Fatalf("failed to move station down: %v", err)
	}

	assertState(t, d, StateNone)
}

func TestDeviceAddStationErrors(t *testing.T) {
	d, _ := testDevice(t, testHardware())
	vif := addAP(t, d)
	addStation(t, d, vif, staAddr1, StateNone, nil)

	tests := []struct {
		name string
		id   int
		sta  *Station
		err  error
	}{
		{
			name: "bad address",
			id:   vif.ID,
			sta:  &Station{Addr: staAddr2[:4]},
			err:  ErrInvalidStationConf,
		},
		{
			name: "bad max service period",
			id:   vif.ID,
			sta:  &Station{Addr: staAddr2, MaxSP: 3},
			err:  ErrInvalidStationConf,
		},
		{
			name: "unknown interface",
			id:   vif.ID + 1,
			sta:  &Station{Addr: staAddr2},
			err:  ErrInterfaceNotFound,
		},
		{
			name: "duplicate",
			id:   vif.ID,
			sta:  &Station{Addr: staAddr1},
			err:  ErrStationExists,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := d.AddStation(testContext(t), tt.id, tt.sta)
			if !errors.Is(err, tt.err) {
				t.Fatalf("unexpected error:\n- want: %v\n-  got: %v", tt.err, err)
			}
		})
	}
}

func TestDeviceUpdateStationRates(t *testing.T) {
	d, _ := testDevice(t, testHardware())
	vif := addAP(t, d)
	old := addStation(t, d, vif, staAddr1, StateAssoc, nil)

	rates := [NumBands]uint32{0x03}
	if err := d.UpdateStationRates(testContext(t), staAddr1, rates); err != nil {
		t.Fatalf("failed to update rates: %v", err)
	}

	v, ok := d.Stations().Lookup(staAddr1)
	if !ok {
		t.Fatal("station not found")
	}
	if diff := cmp.Diff(rates, v.Station.SupportedRates); diff != "" {
		t.Fatalf("unexpected rates (-want +got):\n%s", diff)
	}

	// The Station given to AddStation is never modified.
	if old.SupportedRates == rates {
		t.Fatal("original station was modified")
	}
}

func assertState(t *testing.T, d *Device, want StationState) {
	t.Helper()

	v, ok := d.Stations().Lookup(staAddr1)
	if !ok {
		t.Fatal("station not found")
	}
	if want != v.State {
		t.Fatalf("unexpected state: want %s, got %s", want, v.State)
	}
}
