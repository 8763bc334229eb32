package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/mdlayher/softmac"
	"github.com/mdlayher/softmac/internal/medium"
	"github.com/rs/zerolog"
)

func TestCapture(t *testing.T) {
	var buf bytes.Buffer
	c, err := newCapture(&buf, softmac.LegacyBand(softmac.Band2GHz), zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create capture: %v", err)
	}

	sta := []byte{0x02, 0x00, 0x00, 0x00, 0x01, 0x01}
	data := softmac.NewDataFrame(false, layers.Dot11FlagsFromDS, sta, apAddr, apAddr, 0, []byte("hello"))

	c.write(medium.Capture{
		Time:      time.Unix(1, 0),
		Data:      data,
		Freq:      2437,
		RateIndex: 11,
		Signal:    -42,
	})

	n, err := c.done()
	if err != nil || n != 1 {
		t.Fatalf("unexpected capture result: %d, %v", n, err)
	}

	r, err := pcapgo.NewReader(&buf)
	if err != nil {
		t.Fatalf("failed to read pcap: %v", err)
	}
	if diff := cmp.Diff(layers.LinkTypeIEEE80211Radio, r.LinkType()); diff != "" {
		t.Fatalf("unexpected link type (-want +got):\n%s", diff)
	}

	b, ci, err := r.ReadPacketData()
	if err != nil {
		t.Fatalf("failed to read packet: %v", err)
	}
	if !ci.Timestamp.Equal(time.Unix(1, 0)) {
		t.Fatalf("unexpected timestamp: %v", ci.Timestamp)
	}

	p := gopacket.NewPacket(b, layers.LayerTypeRadioTap, gopacket.Default)
	rt, ok := p.Layer(layers.LayerTypeRadioTap).(*layers.RadioTap)
	if !ok {
		t.Fatalf("no radiotap layer: %v", p)
	}

	// 54 Mbps in 500 kbps units.
	if rt.ChannelFrequency != 2437 || rt.DBMAntennaSignal != -42 || rt.Rate != 108 {
		t.Fatalf("unexpected radiotap header: %+v", rt)
	}

	// Frames are captured without an FCS, so the decoder appends one it
	// computed itself.
	if len(rt.Payload) != len(data)+4 {
		t.Fatalf("unexpected payload length: %d", len(rt.Payload))
	}
	if diff := cmp.Diff(data, rt.Payload[:len(data)]); diff != "" {
		t.Fatalf("unexpected frame (-want +got):\n%s", diff)
	}

	dot11, ok := p.Layer(layers.LayerTypeDot11).(*layers.Dot11)
	if !ok {
		t.Fatalf("no 802.11 layer: %v", p)
	}
	if diff := cmp.Diff(sta, []byte(dot11.Address1)); diff != "" {
		t.Fatalf("unexpected receiver address (-want +got):\n%s", diff)
	}
}
