package main

import (
	"io"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/mdlayher/softmac"
	"github.com/mdlayher/softmac/internal/medium"
	"github.com/rs/zerolog"
)

const snaplen = 65536

// A capture writes frames seen on the medium to a pcap stream with a
// radiotap header per frame.
type capture struct {
	log   zerolog.Logger
	rates []softmac.Bitrate

	mu     sync.Mutex
	w      *pcapgo.Writer
	frames int
	err    error
}

func newCapture(w io.Writer, sb *softmac.SupportedBand, log zerolog.Logger) (*capture, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(snaplen, layers.LinkTypeIEEE80211Radio); err != nil {
		return nil, err
	}

	return &capture{
		log:   log,
		rates: sb.Bitrates,
		w:     pw,
	}, nil
}

// write is a medium tap. It may be called concurrently by every radio.
func (c *capture) write(mc medium.Capture) {
	rt := &layers.RadioTap{
		Present:          layers.RadioTapPresentChannel | layers.RadioTapPresentDBMAntennaSignal,
		ChannelFrequency: layers.RadioTapChannelFrequency(mc.Freq),
		DBMAntennaSignal: mc.Signal,
	}
	if mc.Freq >= 5000 {
		rt.ChannelFlags = layers.RadioTapChannelFlagsOFDM | layers.RadioTapChannelFlagsGhz5
	} else {
		rt.ChannelFlags = layers.RadioTapChannelFlagsGhz2
	}
	if i := int(mc.RateIndex); i >= 0 && i < len(c.rates) {
		rt.Present |= layers.RadioTapPresentRate
		// Radiotap rates are in 500 kbps units.
		rt.Rate = layers.RadioTapRate(c.rates[i].Rate / 5)
	}

	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true}, rt, gopacket.Payload(mc.Data)); err != nil {
		c.log.Warn().Err(err).Msg("failed to serialize capture")
		return
	}
	b := buf.Bytes()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.err != nil {
		return
	}
	c.err = c.w.WritePacket(gopacket.CaptureInfo{
		Timestamp:     mc.Time,
		CaptureLength: len(b),
		Length:        len(b),
	}, b)
	if c.err != nil {
		c.log.Error().Err(c.err).Msg("capture stopped")
		return
	}
	c.frames++
}

// done returns the number of frames written and the error that stopped the
// capture, if any.
func (c *capture) done() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames, c.err
}
