// Package hwsim implements a softmac.Driver which exchanges frames with a
// userspace wireless medium using the mac80211_hwsim generic netlink
// protocol.
//
// Every transmitted frame is sent to the medium as a frame command carrying
// its retry chain and a cookie. The medium answers with a TX info command for
// the same cookie, which completes the frame, and sends frames from other
// radios as frame commands addressed to this one.
//
// A Device using the Driver must use softmac.DisciplineDeferred for received
// frames and TX status, the default.
package hwsim

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/mdlayher/genetlink"
	"github.com/mdlayher/netlink"
	"github.com/mdlayher/softmac"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Generic netlink family, commands, attributes and flags of the
// mac80211_hwsim protocol.
const (
	familyName = "MAC80211_HWSIM"

	cmdRegister    = 1
	cmdFrame       = 2
	cmdTxInfoFrame = 3

	attrAddrReceiver    = 1
	attrAddrTransmitter = 2
	attrFrame           = 3
	attrFlags           = 4
	attrRxRate          = 5
	attrSignal          = 6
	attrTxInfo          = 7
	attrCookie          = 8
	attrFreq            = 19

	flagReqTxStatus = 1 << 0
	flagNoAck       = 1 << 1
	flagStatAck     = 1 << 2
)

var errUnimplemented = errors.New("hwsim: not implemented on this platform")

// An osConn is a generic netlink connection to the medium.
type osConn interface {
	Close() error
	Register() error
	Send(cmd uint8, ae *netlink.AttributeEncoder) error
	Receive() ([]genetlink.Message, error)
}

// Config configures a Driver.
type Config struct {
	// Addr is the radio's address on the medium.
	Addr net.HardwareAddr

	// Freq is the operating frequency in MHz.
	Freq uint16

	Logger zerolog.Logger
}

// A Driver is a softmac.Driver backed by a mac80211_hwsim medium.
type Driver struct {
	c    osConn
	addr net.HardwareAddr
	freq uint16
	log  zerolog.Logger

	mu      sync.Mutex
	dev     *softmac.Device
	rx      softmac.FrameSink
	status  softmac.FrameSink
	cookie  uint64
	pending map[uint64]*softmac.Frame

	cancel  context.CancelFunc
	eg      *errgroup.Group
	closing bool
}

var _ softmac.Driver = &Driver{}

// New dials the medium and returns a Driver for the radio described by cfg.
func New(cfg Config) (*Driver, error) {
	if len(cfg.Addr) != 6 {
		return nil, fmt.Errorf("hwsim: invalid radio address %q", cfg.Addr)
	}

	c, err := newClient()
	if err != nil {
		return nil, err
	}

	return newDriver(c, cfg), nil
}

func newDriver(c osConn, cfg Config) *Driver {
	return &Driver{
		c:       c,
		addr:    cfg.Addr,
		freq:    cfg.Freq,
		log:     cfg.Logger.With().Str("component", "hwsim").Stringer("radio", cfg.Addr).Logger(),
		pending: make(map[uint64]*softmac.Frame),
	}
}

// Hardware returns the capabilities to register with a Device for the radio:
// the legacy rates of its band and hwsim's four stage retry chains.
func (d *Driver) Hardware() softmac.Hardware {
	band := softmac.Band2GHz
	if d.freq >= 5000 {
		band = softmac.Band5GHz
	}

	return softmac.Hardware{
		Flags:        softmac.HWSignalDBM | softmac.HWReportsTxAckStatus,
		Bands:        []*softmac.SupportedBand{softmac.LegacyBand(band)},
		MaxRates:     4,
		MaxRateTries: 4,
	}
}

// Start registers the radio with the medium and starts receiving from it.
func (d *Driver) Start(ctx context.Context, dev *softmac.Device) error {
	if err := d.c.Register(); err != nil {
		return fmt.Errorf("hwsim: register radio: %w", err)
	}

	d.mu.Lock()
	d.dev = dev
	d.rx = dev.Receiver()
	d.status = dev.StatusReporter()
	d.mu.Unlock()

	// The receive loop outlives Start's context.
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return d.receive(ctx) })

	d.cancel = cancel
	d.eg = eg

	d.log.Info().Uint16("freq", d.freq).Msg("radio registered with medium")
	return nil
}

// Stop closes the connection to the medium and discards frames still waiting
// for TX info.
func (d *Driver) Stop() {
	d.mu.Lock()
	d.closing = true
	d.mu.Unlock()

	if d.cancel != nil {
		d.cancel()
	}
	_ = d.c.Close()

	if d.eg != nil {
		if err := d.eg.Wait(); err != nil {
			d.log.Warn().Err(err).Msg("receive loop failed")
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if n := len(d.pending); n > 0 {
		d.log.Debug().Int("frames", n).Msg("discarded frames pending TX info")
	}
	d.pending = make(map[uint64]*softmac.Frame)
}

// AddInterface implements softmac.Driver.
func (*Driver) AddInterface(*softmac.Interface) error { return nil }

// RemoveInterface implements softmac.Driver.
func (*Driver) RemoveInterface(*softmac.Interface) {}

// StaState implements softmac.Driver. The medium keeps no per-station state.
func (*Driver) StaState(*softmac.Interface, *softmac.Station, softmac.StationState, softmac.StationState) error {
	return nil
}

// Tx sends a frame to the medium. A frame that cannot be sent is reported as
// not acknowledged.
func (d *Driver) Tx(f *softmac.Frame) {
	ctl, err := f.Control()
	if err != nil {
		d.log.Error().Err(err).Msg("driver given frame not in control phase")
		return
	}

	var flags uint32
	if f.Flags.Has(softmac.TxCtlReqTxStatus) {
		flags |= flagReqTxStatus
	}
	if f.Flags.Has(softmac.TxCtlNoAck) {
		flags |= flagNoAck
	}

	freq := d.freq
	if f.Flags.Has(softmac.TxCtlOffchannel) && d.dev != nil {
		if ch, ok := d.dev.OnChannel(); ok {
			freq = ch
		}
	}

	d.mu.Lock()
	d.cookie++
	cookie := d.cookie
	d.pending[cookie] = f
	d.mu.Unlock()

	f.Cookie = cookie

	ae := netlink.NewAttributeEncoder()
	ae.Bytes(attrAddrTransmitter, d.addr)
	ae.Bytes(attrFrame, f.Data)
	ae.Uint32(attrFlags, flags)
	ae.Bytes(attrTxInfo, encodeTxInfo(ctl.Rates))
	ae.Uint64(attrCookie, cookie)
	ae.Uint32(attrFreq, uint32(freq))

	if err := d.c.Send(cmdFrame, ae); err != nil {
		d.log.Warn().Err(err).Uint64("cookie", cookie).Msg("failed to send frame to medium")
		d.complete(cookie, txInfo{rates: softmac.EmptyRetryChain()})
	}
}

// receive processes messages from the medium until ctx is canceled or the
// connection fails.
func (d *Driver) receive(ctx context.Context) error {
	for ctx.Err() == nil {
		msgs, err := d.c.Receive()
		if err != nil {
			if ctx.Err() != nil || d.isClosing() {
				return nil
			}
			if temporary(err) {
				d.log.Debug().Err(err).Msg("receive overrun")
				continue
			}
			return err
		}

		for _, m := range msgs {
			if err := d.handle(m); err != nil {
				d.log.Debug().Err(err).Uint8("cmd", m.Header.Command).Msg("dropped malformed message")
			}
		}
	}

	return nil
}

func (d *Driver) isClosing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closing
}

// handle processes a single message from the medium.
func (d *Driver) handle(m genetlink.Message) error {
	switch m.Header.Command {
	case cmdTxInfoFrame:
		ti, err := parseTxInfo(m.Data)
		if err != nil {
			return err
		}
		if !bytes.Equal(ti.transmitter, d.addr) {
			return nil
		}
		d.complete(ti.cookie, ti)
	case cmdFrame:
		rf, err := parseRxFrame(m.Data)
		if err != nil {
			return err
		}
		if !bytes.Equal(rf.receiver, d.addr) {
			return nil
		}
		d.deliver(rf)
	}

	return nil
}

// complete reports the TX status of the frame sent with cookie.
func (d *Driver) complete(cookie uint64, ti txInfo) {
	d.mu.Lock()
	f, ok := d.pending[cookie]
	delete(d.pending, cookie)
	status := d.status
	d.mu.Unlock()

	if !ok {
		d.log.Debug().Uint64("cookie", cookie).Msg("TX info for unknown frame")
		return
	}

	offered := f.Offered()
	st, err := f.BeginStatus()
	if err != nil {
		d.log.Error().Err(err).Msg("failed to begin TX status")
		return
	}

	if ti.rates.Attempts() > 0 {
		st.Rates = ti.rates
	} else {
		// Never sent: every stage of the offered chain was exhausted.
		st.Rates = offered
	}
	st.AckSignal = int(ti.signal)
	if ti.flags&flagStatAck != 0 {
		st.Acked = true
		f.Flags = f.Flags.With(softmac.TxStatAck)
	}

	if status != nil {
		status.Deliver(f)
	}
}

// deliver passes a frame from the medium up to the Device.
func (d *Driver) deliver(rf rxFrame) {
	d.mu.Lock()
	rx := d.rx
	d.mu.Unlock()

	if rx == nil {
		return
	}

	freq := rf.freq
	if freq == 0 {
		freq = d.freq
	}

	band := softmac.Band2GHz
	if freq >= 5000 {
		band = softmac.Band5GHz
	}

	rx.Deliver(softmac.NewRxFrame(rf.data, softmac.RxStatus{
		Freq:      freq,
		Band:      band,
		Signal:    int8(rf.signal),
		RateIndex: uint8(rf.rate),
	}))
}

// encodeTxInfo packs a retry chain as the medium's array of signed rate index
// and count pairs.
func encodeTxInfo(c softmac.RetryChain) []byte {
	b := make([]byte, 0, 2*softmac.MaxRates)
	for _, r := range c {
		b = append(b, byte(r.Index), r.Count)
	}
	return b
}

func decodeTxInfo(b []byte) (softmac.RetryChain, error) {
	if len(b) != 2*softmac.MaxRates {
		return softmac.RetryChain{}, fmt.Errorf("hwsim: TX info of %d bytes", len(b))
	}

	c := softmac.EmptyRetryChain()
	for i := range c {
		idx := int8(b[2*i])
		if idx < 0 {
			break
		}
		c[i] = softmac.Rate{Index: idx, Count: b[2*i+1]}
	}
	return c, nil
}

// txInfo is a decoded TX info command.
type txInfo struct {
	transmitter net.HardwareAddr
	flags       uint32
	rates       softmac.RetryChain
	cookie      uint64
	signal      int32
}

func parseTxInfo(b []byte) (txInfo, error) {
	ad, err := netlink.NewAttributeDecoder(b)
	if err != nil {
		return txInfo{}, err
	}

	ti := txInfo{rates: softmac.EmptyRetryChain()}
	var seen bool
	for ad.Next() {
		switch ad.Type() {
		case attrAddrTransmitter:
			ti.transmitter = net.HardwareAddr(ad.Bytes())
		case attrFlags:
			ti.flags = ad.Uint32()
		case attrTxInfo:
			rates, err := decodeTxInfo(ad.Bytes())
			if err != nil {
				return txInfo{}, err
			}
			ti.rates = rates
		case attrCookie:
			ti.cookie = ad.Uint64()
			seen = true
		case attrSignal:
			ti.signal = int32(ad.Uint32())
		}
	}
	if err := ad.Err(); err != nil {
		return txInfo{}, err
	}
	if !seen {
		return txInfo{}, errors.New("hwsim: TX info without cookie")
	}

	return ti, nil
}

// rxFrame is a decoded frame command addressed to this radio.
type rxFrame struct {
	receiver net.HardwareAddr
	data     []byte
	rate     uint32
	signal   int32
	freq     uint16
}

func parseRxFrame(b []byte) (rxFrame, error) {
	ad, err := netlink.NewAttributeDecoder(b)
	if err != nil {
		return rxFrame{}, err
	}

	var rf rxFrame
	for ad.Next() {
		switch ad.Type() {
		case attrAddrReceiver:
			rf.receiver = net.HardwareAddr(ad.Bytes())
		case attrFrame:
			rf.data = ad.Bytes()
		case attrRxRate:
			rf.rate = ad.Uint32()
		case attrSignal:
			rf.signal = int32(ad.Uint32())
		case attrFreq:
			rf.freq = uint16(ad.Uint32())
		}
	}
	if err := ad.Err(); err != nil {
		return rxFrame{}, err
	}
	if len(rf.data) == 0 {
		return rxFrame{}, errors.New("hwsim: frame command without frame")
	}

	return rf, nil
}
