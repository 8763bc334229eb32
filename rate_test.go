package softmac

import (
	"errors"
	"net"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestNegotiatorSelect(t *testing.T) {
	hw := testHardware()
	sb := hw.Bands[0]

	legacy := &Station{Addr: staAddr1, SupportedRates: [NumBands]uint32{0x0f}}
	erp := &Station{Addr: staAddr2, SupportedRates: [NumBands]uint32{0x3f}}

	noAck := qosData(staAddr1, 0)
	noAck.Flags = TxCtlNoAck

	tests := []struct {
		name      string
		threshold int
		rc        RateController
		req       *RateRequest
		want      RetryChain
		err       error
	}{
		{
			name: "group addressed",
			req:  &RateRequest{Band: sb, Frame: qosData(broadcastAddr, 0)},
			want: NewRetryChain(Rate{Index: 0, Count: 4}),
		},
		{
			name: "no usable rate",
			req: &RateRequest{
				Band:    sb,
				Station: &Station{Addr: staAddr1},
				Frame:   qosData(staAddr1, 0),
			},
			err: ErrNoUsableRate,
		},
		{
			name: "no ack",
			req:  &RateRequest{Band: sb, Station: legacy, Frame: noAck},
			want: NewRetryChain(Rate{Index: 0, Count: 4}),
		},
		{
			name: "management",
			req: &RateRequest{
				Band:    sb,
				Station: legacy,
				Frame:   NewTxFrame(NewAddBARequest(staAddr1, apAddr, apAddr, AddBAParams{})),
			},
			want: NewRetryChain(Rate{Index: 0, Count: 4}),
		},
		{
			name: "data",
			req:  &RateRequest{Band: sb, Station: legacy, Frame: qosData(staAddr1, 0)},
			want: NewRetryChain(
				Rate{Index: 3, Count: 2},
				Rate{Index: 2, Count: 2},
				Rate{Index: 1, Count: 2},
			),
		},
		{
			name:      "RTS above threshold",
			threshold: 20,
			req:       &RateRequest{Band: sb, Station: legacy, Frame: qosData(staAddr1, 0)},
			want: NewRetryChain(
				Rate{Index: 3, Count: 2, Flags: RateUseRTSCTS},
				Rate{Index: 2, Count: 2, Flags: RateUseRTSCTS},
				Rate{Index: 1, Count: 2, Flags: RateUseRTSCTS},
			),
		},
		{
			name: "CTS protection and short preamble",
			req: &RateRequest{
				Band:    sb,
				Station: erp,
				Vif: &Interface{BSS: BSSConfig{
					UseCTSProtection: true,
					UseShortPreamble: true,
				}},
				Frame: qosData(staAddr2, 0),
			},
			want: NewRetryChain(
				Rate{Index: 5, Count: 2, Flags: RateUseCTSProtect},
				Rate{Index: 4, Count: 2, Flags: RateUseCTSProtect},
				Rate{Index: 3, Count: 2, Flags: RateUseShortPreamble},
			),
		},
		{
			name: "sanitized controller chain",
			rc: &staticRC{chain: NewRetryChain(
				Rate{Index: 7, Count: 2},
				Rate{Index: 2},
				Rate{Index: 1, Count: 9},
			)},
			req:  &RateRequest{Band: sb, Station: legacy, Frame: qosData(staAddr1, 0)},
			want: NewRetryChain(Rate{Index: 1, Count: 4}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rc := tt.rc
			if rc == nil {
				rc = NewFallbackRateControl(FallbackConfig{Stages: 3, TriesPerStage: 2, Window: 10})
			}
			threshold := tt.threshold
			if threshold == 0 {
				threshold = 2347
			}

			got, err := NewNegotiator(rc, hw, threshold).Select(tt.req)
			if tt.err != nil {
				if !errors.Is(err, tt.err) {
					t.Fatalf("unexpected error:\n- want: %v\n-  got: %v", tt.err, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("failed to select rates: %v", err)
			}

			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("unexpected chain (-want +got):\n%s", diff)
			}
		})
	}
}

var broadcastAddr = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

func TestReconcile(t *testing.T) {
	offered := NewRetryChain(
		Rate{Index: 3, Count: 2},
		Rate{Index: 2, Count: 2},
		Rate{Index: 1, Count: 4},
	)

	tests := []struct {
		name       string
		reported   RetryChain
		acked      bool
		exhaustive bool
		want       RetryChain
		mismatch   bool
	}{
		{
			name: "acked on fifth attempt",
			reported: NewRetryChain(
				Rate{Index: 3, Count: 2},
				Rate{Index: 2, Count: 2},
				Rate{Index: 1, Count: 1},
			),
			acked:      true,
			exhaustive: true,
			want: NewRetryChain(
				Rate{Index: 3, Count: 2},
				Rate{Index: 2, Count: 2},
				Rate{Index: 1, Count: 1},
			),
		},
		{
			name:       "unacked and exhausted",
			reported:   offered,
			exhaustive: true,
			want:       offered,
		},
		{
			name: "trailing stage without attempts",
			reported: NewRetryChain(
				Rate{Index: 3, Count: 1},
				Rate{Index: 2, Count: 0},
			),
			acked:      true,
			exhaustive: true,
			want:       NewRetryChain(Rate{Index: 3, Count: 1}),
		},
		{
			name: "more stages than offered",
			reported: NewRetryChain(
				Rate{Index: 3, Count: 2},
				Rate{Index: 2, Count: 2},
				Rate{Index: 1, Count: 4},
				Rate{Index: 0, Count: 1},
			),
			exhaustive: true,
			want:       offered,
			mismatch:   true,
		},
		{
			name:       "more attempts than offered",
			reported:   NewRetryChain(Rate{Index: 3, Count: 5}),
			acked:      true,
			exhaustive: true,
			want:       NewRetryChain(Rate{Index: 3, Count: 2}),
			mismatch:   true,
		},
		{
			name:       "changed rate",
			reported:   NewRetryChain(Rate{Index: 4, Count: 1}),
			acked:      true,
			exhaustive: true,
			want:       NewRetryChain(Rate{Index: 3, Count: 1}),
			mismatch:   true,
		},
		{
			name: "stage left early",
			reported: NewRetryChain(
				Rate{Index: 3, Count: 1},
				Rate{Index: 2, Count: 1},
			),
			acked:      true,
			exhaustive: true,
			want: NewRetryChain(
				Rate{Index: 3, Count: 1},
				Rate{Index: 2, Count: 1},
			),
			mismatch: true,
		},
		{
			name: "unacked before end of chain",
			reported: NewRetryChain(
				Rate{Index: 3, Count: 2},
				Rate{Index: 2, Count: 2},
			),
			exhaustive: true,
			want: NewRetryChain(
				Rate{Index: 3, Count: 2},
				Rate{Index: 2, Count: 2},
			),
			mismatch: true,
		},
		{
			name:       "acked without attempts",
			reported:   EmptyRetryChain(),
			acked:      true,
			exhaustive: true,
			want:       NewRetryChain(Rate{Index: 3, Count: 1}),
			mismatch:   true,
		},
		{
			name:     "filtered after one attempt",
			reported: NewRetryChain(Rate{Index: 3, Count: 1}),
			want:     NewRetryChain(Rate{Index: 3, Count: 1}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := reconcile(offered, tt.reported, tt.acked, tt.exhaustive)
			if tt.mismatch != errors.Is(err, ErrStatusMismatch) {
				t.Fatalf("unexpected mismatch error: %v", err)
			}
			if !tt.mismatch && err != nil {
				t.Fatalf("failed to reconcile: %v", err)
			}

			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("unexpected chain (-want +got):\n%s", diff)
			}
		})
	}
}

func TestNegotiatorReconcileExhaustive(t *testing.T) {
	n := NewNegotiator(&staticRC{}, testHardware(), 0)

	offered := NewRetryChain(Rate{Index: 3, Count: 2}, Rate{Index: 2, Count: 2})
	_, err := n.Reconcile(offered, NewRetryChain(Rate{Index: 3, Count: 1}), false)
	if !errors.Is(err, ErrStatusMismatch) {
		t.Fatalf("expected status mismatch, but got: %v", err)
	}
}

func TestFallbackRateControlAdapts(t *testing.T) {
	sb := testHardware().Bands[0]
	sta := &Station{Addr: staAddr1, SupportedRates: [NumBands]uint32{0x0f}}

	rc := NewFallbackRateControl(FallbackConfig{Stages: 2, TriesPerStage: 1, Window: 4})
	rc.RateInit(sb, sta)

	chain := func() RetryChain {
		return rc.GetRate(&RateRequest{Band: sb, Station: sta})
	}
	feed := func(attempt int) {
		offered := chain()
		f := NewTxFrame(nil)
		f.control.Rates = offered

		st, err := f.BeginStatus()
		if err != nil {
			t.Fatalf("failed to begin status: %v", err)
		}
		st.Rates, st.Acked = StatusChain(offered, attempt)
		rc.TxStatus(sb, sta, f)
	}

	want := NewRetryChain(Rate{Index: 3, Count: 1}, Rate{Index: 2, Count: 1})
	if diff := cmp.Diff(want, chain()); diff != "" {
		t.Fatalf("unexpected initial chain (-want +got):\n%s", diff)
	}

	for i := 0; i < 4; i++ {
		feed(0)
	}

	want = NewRetryChain(Rate{Index: 2, Count: 1}, Rate{Index: 1, Count: 1})
	if diff := cmp.Diff(want, chain()); diff != "" {
		t.Fatalf("unexpected chain after losses (-want +got):\n%s", diff)
	}

	for i := 0; i < 4; i++ {
		feed(1)
	}

	want = NewRetryChain(Rate{Index: 3, Count: 1}, Rate{Index: 2, Count: 1})
	if diff := cmp.Diff(want, chain()); diff != "" {
		t.Fatalf("unexpected chain after recovery (-want +got):\n%s", diff)
	}
}

// A staticRC always offers the same chain.
type staticRC struct {
	chain RetryChain
}

func (*staticRC) Name() string                                    { return "static" }
func (*staticRC) RateInit(*SupportedBand, *Station)               {}
func (*staticRC) RateUpdate(*SupportedBand, *Station, RateChange) {}
func (*staticRC) RateRemove(*Station)                             {}
func (rc *staticRC) GetRate(*RateRequest) RetryChain              { return rc.chain }
func (*staticRC) TxStatus(*SupportedBand, *Station, *Frame)       {}

func TestLegacyBand(t *testing.T) {
	tests := []struct {
		name  string
		band  Band
		n     int
		first Bitrate
		erp   bool
	}{
		{
			name:  "2.4GHz",
			band:  Band2GHz,
			n:     12,
			first: Bitrate{Rate: 10},
			erp:   true,
		},
		{
			name:  "5GHz",
			band:  Band5GHz,
			n:     8,
			first: Bitrate{Rate: 60},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sb := LegacyBand(tt.band)
			if diff := cmp.Diff(tt.n, len(sb.Bitrates)); diff != "" {
				t.Fatalf("unexpected number of rates (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.first, sb.Bitrates[0]); diff != "" {
				t.Fatalf("unexpected lowest rate (-want +got):\n%s", diff)
			}

			last := sb.Bitrates[len(sb.Bitrates)-1]
			if last.Rate != 540 || last.ERP != tt.erp {
				t.Fatalf("unexpected highest rate: %+v", last)
			}
		})
	}
}
