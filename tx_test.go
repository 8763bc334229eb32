package softmac

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/gopacket/layers"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestDeviceTransmitStatus(t *testing.T) {
	var reported []*Frame
	d, fd := testDevice(t, testHardware(), WithStatusHandler(func(f *Frame) {
		reported = append(reported, f)
	}))
	vif := addAP(t, d)
	addStation(t, d, vif, staAddr1, StateAssoc, nil)

	f := qosData(staAddr1, 0)
	f.Flags = TxCtlReqTxStatus
	transmit(t, d, vif, f)

	tx := fd.take()
	if len(tx) != 1 {
		t.Fatalf("expected 1 frame at driver, but got %d", len(tx))
	}

	ctl, err := tx[0].Control()
	if err != nil {
		t.Fatalf("failed to get control metadata: %v", err)
	}

	offered := NewRetryChain(
		Rate{Index: 5, Count: 2},
		Rate{Index: 4, Count: 2},
		Rate{Index: 3, Count: 2},
	)
	if diff := cmp.Diff(offered, ctl.Rates); diff != "" {
		t.Fatalf("unexpected offered chain (-want +got):\n%s", diff)
	}
	if want, got := uint8(2), tx[0].HWQueue; want != got {
		t.Fatalf("unexpected hardware queue: want %d, got %d", want, got)
	}

	report(t, d, tx[0], 5, 0)

	if len(reported) != 1 {
		t.Fatalf("expected 1 status report, but got %d", len(reported))
	}
	st, err := reported[0].Status()
	if err != nil {
		t.Fatalf("failed to get status: %v", err)
	}

	want := NewRetryChain(
		Rate{Index: 5, Count: 2},
		Rate{Index: 4, Count: 2},
		Rate{Index: 3, Count: 1},
	)
	if diff := cmp.Diff(want, st.Rates); diff != "" {
		t.Fatalf("unexpected status chain (-want +got):\n%s", diff)
	}
	if !st.Acked || !reported[0].Flags.Has(TxStatAck) {
		t.Fatal("frame should be acked")
	}

	if got := testutil.ToFloat64(d.m.txStatus.WithLabelValues("acked")); got != 1 {
		t.Fatalf("unexpected acked count: %v", got)
	}
}

func TestDeviceTransmitSequenceNumbers(t *testing.T) {
	d, fd := testDevice(t, testHardware())
	vif := addAP(t, d)
	addStation(t, d, vif, staAddr1, StateAssoc, nil)

	transmit(t, d, vif, qosData(staAddr1, 0))
	transmit(t, d, vif, qosData(staAddr1, 5))
	transmit(t, d, vif, qosData(staAddr1, 0))
	transmit(t, d, vif, NewTxFrame(NewDataFrame(false, layers.Dot11FlagsFromDS, broadcastAddr, apAddr, apAddr, 0, nil)))

	var got []uint16
	for _, f := range fd.take() {
		got = append(got, mustHeader(t, f.Data).Seq)
	}

	// QoS data is numbered per TID, everything else per interface.
	want := []uint16{0, 0, 1, 0}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected sequence numbers (-want +got):\n%s", diff)
	}
}

func TestDeviceTransmitNoUsableRate(t *testing.T) {
	d, fd := testDevice(t, testHardware())
	vif := addAP(t, d)
	addStation(t, d, vif, staAddr1, StateAssoc, func(sta *Station) {
		sta.SupportedRates = [NumBands]uint32{}
	})

	err := d.Transmit(testContext(t), vif.ID, qosData(staAddr1, 0))
	if !errors.Is(err, ErrNoUsableRate) {
		t.Fatalf("expected no usable rate, but got: %v", err)
	}
	if c := Classify(err); c != ClassCapability {
		t.Fatalf("unexpected error class: %s", c)
	}
	if n := len(fd.take()); n != 0 {
		t.Fatalf("expected no frames at driver, but got %d", n)
	}
}

func TestDeviceTxStatusOrphaned(t *testing.T) {
	var reported int
	d, fd := testDevice(t, testHardware(), WithStatusHandler(func(*Frame) { reported++ }))
	vif := addAP(t, d)
	addStation(t, d, vif, staAddr1, StateAssoc, nil)

	f := qosData(staAddr1, 0)
	f.Flags = TxCtlReqTxStatus
	transmit(t, d, vif, f)

	if err := d.RemoveInterface(testContext(t), vif.ID); err != nil {
		t.Fatalf("failed to remove interface: %v", err)
	}

	// An interface with the same address comes back with a new identity.
	addAP(t, d)

	report(t, d, fd.take()[0], 1, 0)

	if reported != 0 {
		t.Fatalf("status for removed interface was reported %d times", reported)
	}
	if got := testutil.ToFloat64(d.m.txStatus.WithLabelValues("orphaned")); got != 1 {
		t.Fatalf("unexpected orphaned count: %v", got)
	}
}

func TestDeviceTxStatusWrongPhase(t *testing.T) {
	d, _ := testDevice(t, testHardware())

	d.StatusReporter().Deliver(qosData(staAddr1, 0))
	settle(t, d)

	if got := testutil.ToFloat64(d.m.txStatus.WithLabelValues("invalid")); got != 1 {
		t.Fatalf("unexpected invalid count: %v", got)
	}
}

func TestDeviceQueueStopWake(t *testing.T) {
	d, fd := testDevice(t, testHardware())
	vif := addAP(t, d)
	addStation(t, d, vif, staAddr1, StateAssoc, nil)

	const be = 2
	d.StopQueue(be, ReasonDriver)
	d.StopQueue(be, ReasonPS)

	for i := 0; i < 3; i++ {
		transmit(t, d, vif, qosData(staAddr1, 0))
	}

	if n := len(fd.take()); n != 0 {
		t.Fatalf("expected no frames at driver, but got %d", n)
	}
	if want, got := 3, d.QueueBacklog(be); want != got {
		t.Fatalf("unexpected backlog: want %d, got %d", want, got)
	}
	if !d.ACQueueStopped(vif, ACBestEffort) || d.ACQueueStopped(vif, ACVoice) {
		t.Fatal("unexpected access category queue states")
	}

	// The queue runs only once every reason is cleared.
	d.WakeQueue(be, ReasonDriver)
	settle(t, d)
	if want, got := ReasonPS, d.QueueStopReasons(be); want != got {
		t.Fatalf("unexpected stop reasons: want %s, got %s", want, got)
	}
	if n := len(fd.take()); n != 0 {
		t.Fatalf("expected no frames at driver, but got %d", n)
	}

	// Frames sent now queue behind the backlog.
	transmit(t, d, vif, qosData(staAddr1, 0))

	d.WakeQueue(be, ReasonPS)
	settle(t, d)

	var got []uint16
	for _, f := range fd.take() {
		got = append(got, mustHeader(t, f.Data).Seq)
	}
	if diff := cmp.Diff([]uint16{0, 1, 2, 3}, got); diff != "" {
		t.Fatalf("unexpected frame order (-want +got):\n%s", diff)
	}
	if d.QueueStopped(be) {
		t.Fatal("queue should be running")
	}
}

func TestDeviceQueueBacklogFull(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Queues.MaxBacklog = 1

	d, _ := testDevice(t, testHardware(), WithConfig(cfg))
	vif := addAP(t, d)
	addStation(t, d, vif, staAddr1, StateAssoc, nil)

	d.StopQueues(ReasonFlush)
	transmit(t, d, vif, qosData(staAddr1, 0))

	err := d.Transmit(testContext(t), vif.ID, qosData(staAddr1, 0))
	if !errors.Is(err, ErrQueueStopped) {
		t.Fatalf("expected queue stopped, but got: %v", err)
	}
	if c := Classify(err); c != ClassTransient {
		t.Fatalf("unexpected error class: %s", c)
	}
}

func TestDeviceInterfaceQueues(t *testing.T) {
	hw := testHardware()
	hw.Flags |= HWQueueControl
	hw.NumQueues = 8
	hw.OffchannelQueue = 7

	d, fd := testDevice(t, hw)

	maps := []QueueMap{
		{AC: [NumACs]uint8{0, 1, 2, 3}, CAB: 4},
		{AC: [NumACs]uint8{3, 4, 5, 6}, CAB: InvalidQueue},
		{AC: [NumACs]uint8{4, 5, 6, 7}, CAB: InvalidQueue},
		{AC: [NumACs]uint8{0, 1, 2, 3}, CAB: InvalidQueue},
	}
	fd.assign = func(vif *Interface) {
		vif.Queues = maps[0]
		maps = maps[1:]
	}

	tests := []struct {
		name string
		typ  InterfaceType
		err  error
	}{
		{name: "access point", typ: InterfaceTypeAP},
		{name: "shared queue", typ: InterfaceTypeStation, err: ErrQueueConflict},
		{name: "off-channel queue", typ: InterfaceTypeStation, err: ErrQueueConflict},
		{name: "access point without CAB", typ: InterfaceTypeAP, err: ErrInvalidQueue},
	}

	for _, tt := range tests {
		err := d.AddInterface(testContext(t), &Interface{Addr: apAddr, Type: tt.typ})
		if !errors.Is(err, tt.err) {
			t.Fatalf("%s: unexpected error:\n- want: %v\n-  got: %v", tt.name, tt.err, err)
		}
	}

	vifs, err := d.Interfaces(testContext(t))
	if err != nil {
		t.Fatalf("failed to list interfaces: %v", err)
	}
	if len(vifs) != 1 {
		t.Fatalf("expected 1 interface, but got %d", len(vifs))
	}
}

func TestDeviceConfigureTx(t *testing.T) {
	d, fd := testDevice(t, testHardware())
	vif := addAP(t, d)

	p := TxQueueParams{AIFS: 2, CWMin: 3, CWMax: 7, TXOP: 47}
	if err := d.ConfigureTx(testContext(t), vif.ID, ACVoice, p); err != nil {
		t.Fatalf("failed to configure queue: %v", err)
	}
	if diff := cmp.Diff(p, fd.conf[ACVoice]); diff != "" {
		t.Fatalf("unexpected driver parameters (-want +got):\n%s", diff)
	}

	for _, bad := range []TxQueueParams{
		{CWMin: 16, CWMax: 1023},
		{CWMin: 15, CWMax: 65535},
		{CWMin: 1023, CWMax: 15},
	} {
		err := d.ConfigureTx(testContext(t), vif.ID, ACVoice, bad)
		if !errors.Is(err, ErrInvalidTxParams) {
			t.Fatalf("expected invalid parameters for %+v, but got: %v", bad, err)
		}
	}
}
