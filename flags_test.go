package softmac

import "testing"

func TestFlagsString(t *testing.T) {
	tests := []struct {
		name string
		f    interface{ String() string }
		s    string
	}{
		{
			name: "no TX flags",
			f:    TxFlags(0),
			s:    "none",
		},
		{
			name: "TX flags",
			f:    TxCtlNoAck | TxCtlAMPDU | TxStatAck,
			s:    "no-ack|ampdu|ack",
		},
		{
			name: "unnamed TX flag",
			f:    TxCtlReqTxStatus | TxFlags(1<<31),
			s:    "req-tx-status|0x80000000",
		},
		{
			name: "rate flags",
			f:    RateUseRTSCTS | RateUseShortPreamble,
			s:    "rts-cts|short-preamble",
		},
		{
			name: "RX flags",
			f:    RxFailedFCSCRC | RxDecrypted,
			s:    "decrypted|failed-fcs-crc",
		},
		{
			name: "hardware flags",
			f:    HWAPLinkPS | HWDeferredBAStop,
			s:    "ap-link-ps|deferred-ba-stop",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if want, got := tt.s, tt.f.String(); want != got {
				t.Fatalf("unexpected string:\n- want: %q\n-  got: %q", want, got)
			}
		})
	}
}

func TestTxFlagsHasWith(t *testing.T) {
	f := TxCtlNoAck.With(TxCtlAMPDU)
	if !f.Has(TxCtlNoAck) || !f.Has(TxCtlAMPDU) {
		t.Fatalf("expected both flags set: %s", f)
	}

	f = f.Without(TemporaryTxFlags)
	if f.Has(TxCtlAMPDU) {
		t.Fatalf("temporary flag survived: %s", f)
	}
	if !f.Has(TxCtlNoAck) {
		t.Fatalf("persistent flag cleared: %s", f)
	}
}
