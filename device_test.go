package softmac

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/gopacket/layers"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewErrors(t *testing.T) {
	tests := []struct {
		name string
		hw   func(hw *Hardware)
		ok   bool
		err  error
	}{
		{
			name: "OK",
			hw:   func(*Hardware) {},
			ok:   true,
		},
		{
			name: "too few queues",
			hw:   func(hw *Hardware) { hw.NumQueues = 1 },
			err:  ErrInvalidQueue,
		},
		{
			name: "single queue with queue control",
			hw: func(hw *Hardware) {
				hw.NumQueues = 1
				hw.Flags = hw.Flags.With(HWQueueControl)
			},
			ok: true,
		},
		{
			name: "too many queues",
			hw:   func(hw *Hardware) { hw.NumQueues = MaxQueues + 1 },
			err:  ErrInvalidQueue,
		},
		{
			name: "off-channel queue out of range",
			hw: func(hw *Hardware) {
				hw.NumQueues = 4
				hw.OffchannelQueue = 4
				hw.Flags = hw.Flags.With(HWQueueControl)
			},
			err: ErrInvalidQueue,
		},
		{
			name: "no bands",
			hw:   func(hw *Hardware) { hw.Bands = nil },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hw := testHardware()
			tt.hw(&hw)

			d, err := New(newFakeDriver(), hw)
			if tt.ok {
				if err != nil {
					t.Fatalf("failed to create device: %v", err)
				}
				_ = d.Close()
				return
			}

			if err == nil {
				t.Fatal("expected an error, but none occurred")
			}
			if tt.err != nil && !errors.Is(err, tt.err) {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

type failingDriver struct {
	*fakeDriver
	err error
}

func (fd *failingDriver) Start(context.Context, *Device) error { return fd.err }

func TestDeviceStartFailure(t *testing.T) {
	d, err := New(&failingDriver{fakeDriver: newFakeDriver(), err: errors.New("no firmware")}, testHardware())
	if err != nil {
		t.Fatalf("failed to create device: %v", err)
	}
	defer d.Close()

	err = d.Start(testContext(t))
	if !errors.Is(err, ErrDeviceStart) {
		t.Fatalf("unexpected error: %v", err)
	}
	if want, got := ClassFatal, Classify(err); want != got {
		t.Fatalf("unexpected class: want %s, got %s", want, got)
	}
}

func TestDeviceDirectDiscipline(t *testing.T) {
	var got [][]byte
	d, _ := testDevice(t, testHardware(),
		WithRxDiscipline(DisciplineDirect),
		WithReceiveHandler(func(f *Frame) { got = append(got, f.Data) }),
	)

	data := NewDataFrame(false, layers.Dot11FlagsToDS, apAddr, staAddr1, apAddr, 0, []byte("now"))

	// No Sync: a direct sink has processed the frame when Deliver returns.
	d.Receiver().Deliver(NewRxFrame(data, RxStatus{Band: Band2GHz, Freq: 2412}))

	if diff := cmp.Diff([][]byte{data}, got); diff != "" {
		t.Fatalf("unexpected received frames (-want +got):\n%s", diff)
	}
}

func TestDeviceClosed(t *testing.T) {
	d, fd := testDevice(t, testHardware())

	if err := d.Close(); err != nil {
		t.Fatalf("failed to close device: %v", err)
	}
	// Closing twice is harmless.
	if err := d.Close(); err != nil {
		t.Fatalf("failed to close device again: %v", err)
	}

	fd.mu.Lock()
	running := fd.running
	fd.mu.Unlock()
	if running {
		t.Fatal("driver still running after close")
	}

	err := d.AddInterface(testContext(t), &Interface{Addr: apAddr, Type: InterfaceTypeAP})
	if !errors.Is(err, ErrDeviceClosed) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDeviceDeliverAfterClose(t *testing.T) {
	for _, disc := range []Discipline{DisciplineDeferred, DisciplineDirect} {
		t.Run(disc.String(), func(t *testing.T) {
			d, _ := testDevice(t, testHardware(),
				WithRxDiscipline(disc),
				WithStatusDiscipline(disc),
			)
			if err := d.Close(); err != nil {
				t.Fatalf("failed to close device: %v", err)
			}

			data := NewDataFrame(false, layers.Dot11FlagsToDS, apAddr, staAddr1, apAddr, 0, nil)
			d.Receiver().Deliver(NewRxFrame(data, RxStatus{Band: Band2GHz, Freq: 2412}))

			f := NewTxFrame(data)
			if _, err := f.BeginStatus(); err != nil {
				t.Fatalf("failed to begin status: %v", err)
			}
			d.StatusReporter().Deliver(f)

			if got := testutil.ToFloat64(d.m.rxDropped.WithLabelValues("closed")); got != 1 {
				t.Fatalf("unexpected closed rx count: %v", got)
			}
			if got := testutil.ToFloat64(d.m.txStatus.WithLabelValues("closed")); got != 1 {
				t.Fatalf("unexpected closed status count: %v", got)
			}
		})
	}
}
