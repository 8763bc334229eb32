package medium

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/mdlayher/softmac"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// hwRetries is the number of attempts a radio makes when it picks rates
// itself.
const hwRetries = 4

var errAggregationRejected = errors.New("medium: radio does not aggregate")

// RadioConfig configures a Radio.
type RadioConfig struct {
	// Freq is the operating frequency in MHz. Zero means 2412.
	Freq uint16

	// AirQueue is the number of frames the radio accepts before stopping
	// the hardware queue they were sent on. Zero means no limit.
	AirQueue int

	// RejectAggregation makes the radio refuse to start block ack sessions.
	RejectAggregation bool

	// DeferredBAStop makes the radio confirm TX session teardown with
	// Device.TxBAStopped.
	DeferredBAStop bool
}

// A Radio is a softmac driver attached to a Medium. Its Device must use
// softmac.DisciplineDeferred for status and received frames.
type Radio struct {
	m   *Medium
	cfg RadioConfig
	log zerolog.Logger

	kick chan struct{}

	mu      sync.Mutex
	dev     *softmac.Device
	vifs    []net.HardwareAddr
	queue   []*softmac.Frame
	busy    bool
	stopped map[uint8]bool
	asleep  map[string]bool
	tim     map[string]bool
	txq     map[softmac.AC]softmac.TxQueueParams
	roc     uint16
	rocT    *time.Timer

	cancel context.CancelFunc
	eg     *errgroup.Group
}

var (
	_ softmac.Driver                = &Radio{}
	_ softmac.AMPDUDriver           = &Radio{}
	_ softmac.StaNotifier           = &Radio{}
	_ softmac.TIMSetter             = &Radio{}
	_ softmac.TxConfigurer          = &Radio{}
	_ softmac.Flusher               = &Radio{}
	_ softmac.RemainOnChannelDriver = &Radio{}
	_ softmac.InterfaceChanger      = &Radio{}
)

// NewRadio creates a Radio attached to m. It joins the medium when its
// Device adds an interface.
func (m *Medium) NewRadio(cfg RadioConfig) *Radio {
	if cfg.Freq == 0 {
		cfg.Freq = 2412
	}

	return &Radio{
		m:       m,
		cfg:     cfg,
		log:     m.log.With().Str("component", "radio").Uint16("freq", cfg.Freq).Logger(),
		kick:    make(chan struct{}, 1),
		stopped: make(map[uint8]bool),
		asleep:  make(map[string]bool),
		tim:     make(map[string]bool),
		txq:     make(map[softmac.AC]softmac.TxQueueParams),
	}
}

// Hardware returns the capabilities to register with a Device for r.
func (r *Radio) Hardware() softmac.Hardware {
	hw := softmac.Hardware{
		Flags:        softmac.HWAMPDUAggregation | softmac.HWReportsTxAckStatus | softmac.HWSignalDBM,
		Bands:        []*softmac.SupportedBand{softmac.LegacyBand(bandOf(r.cfg.Freq))},
		MaxRates:     4,
		MaxRateTries: hwRetries,
	}
	if r.cfg.DeferredBAStop {
		hw.Flags = hw.Flags.With(softmac.HWDeferredBAStop)
	}
	return hw
}

// Start starts sending frames onto the medium.
func (r *Radio) Start(ctx context.Context, dev *softmac.Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.dev = dev

	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return r.air(ctx) })

	r.cancel = cancel
	r.eg = eg

	r.log.Info().Msg("radio started")
	return nil
}

// Stop stops sending frames. Frames not yet sent are discarded.
func (r *Radio) Stop() {
	r.mu.Lock()
	cancel, eg := r.cancel, r.eg
	r.cancel, r.eg = nil, nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	_ = eg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()

	if n := len(r.queue); n > 0 {
		r.log.Debug().Int("frames", n).Msg("discarded unsent frames")
	}
	r.queue = nil
	r.stopped = make(map[uint8]bool)
	if r.rocT != nil {
		r.rocT.Stop()
		r.rocT = nil
	}
	r.roc = 0
}

// AddInterface joins the medium with the interface's address.
func (r *Radio) AddInterface(vif *softmac.Interface) error {
	r.mu.Lock()
	r.vifs = append(r.vifs, vif.Addr)
	r.mu.Unlock()

	r.m.attach(vif.Addr, r)
	return nil
}

// RemoveInterface leaves the medium with the interface's address.
func (r *Radio) RemoveInterface(vif *softmac.Interface) {
	r.m.detach(vif.Addr)

	r.mu.Lock()
	defer r.mu.Unlock()

	for i, a := range r.vifs {
		if a.String() == vif.Addr.String() {
			r.vifs = append(r.vifs[:i], r.vifs[i+1:]...)
			break
		}
	}
}

// ChangeInterface implements softmac.InterfaceChanger. The medium does not
// care about interface types.
func (r *Radio) ChangeInterface(vif *softmac.Interface, typ softmac.InterfaceType) error {
	r.log.Debug().Stringer("addr", vif.Addr).Stringer("type", typ).Msg("interface type changed")
	return nil
}

// StaState implements softmac.Driver.
func (r *Radio) StaState(_ *softmac.Interface, sta *softmac.Station, old, new softmac.StationState) error {
	if new == softmac.StateNotExist {
		r.mu.Lock()
		delete(r.asleep, sta.Addr.String())
		delete(r.tim, sta.Addr.String())
		r.mu.Unlock()
	}
	return nil
}

// Tx queues a frame for the air. The frame's hardware queue is stopped once
// AirQueue frames are waiting.
func (r *Radio) Tx(f *softmac.Frame) {
	r.mu.Lock()
	r.queue = append(r.queue, f)
	if r.cfg.AirQueue > 0 && len(r.queue) >= r.cfg.AirQueue && !r.stopped[f.HWQueue] {
		r.stopped[f.HWQueue] = true
		r.dev.StopQueue(f.HWQueue, softmac.ReasonDriver)
	}
	r.mu.Unlock()

	select {
	case r.kick <- struct{}{}:
	default:
	}
}

func (r *Radio) air(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.kick:
		}

		for {
			f, ok := r.next()
			if !ok {
				break
			}
			r.m.transmit(r, f)
			r.sent()

			if ctx.Err() != nil {
				return nil
			}
		}
	}
}

func (r *Radio) next() (*softmac.Frame, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.queue) == 0 {
		return nil, false
	}
	f := r.queue[0]
	r.queue = r.queue[1:]
	r.busy = true
	return f, true
}

// sent wakes stopped queues once the air queue drained to half its limit.
func (r *Radio) sent() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.busy = false
	if len(r.queue) > r.cfg.AirQueue/2 {
		return
	}
	r.wakeQueues()
}

// wakeQueues requires r.mu.
func (r *Radio) wakeQueues() {
	for q := range r.stopped {
		delete(r.stopped, q)
		r.dev.WakeQueue(q, softmac.ReasonDriver)
	}
}

// complete reports a transmitted frame to the Device.
func (r *Radio) complete(f *softmac.Frame, chain softmac.RetryChain, acked bool, signal int8) {
	ampdu := f.Flags.Has(softmac.TxCtlAMPDU)

	st, err := f.BeginStatus()
	if err != nil {
		r.log.Error().Err(err).Msg("cannot report status")
		return
	}

	st.Rates = chain
	st.Acked = acked
	if acked {
		f.Flags = f.Flags.With(softmac.TxStatAck)
		st.AckSignal = int(signal)
	}
	if ampdu {
		f.Flags = f.Flags.With(softmac.TxStatAMPDU)
		st.AMPDULen = 1
		if acked {
			st.AMPDUAckLen = 1
		} else {
			f.Flags = f.Flags.With(softmac.TxStatAMPDUNoBack)
		}
	}

	r.mu.Lock()
	dev := r.dev
	r.mu.Unlock()

	if dev != nil {
		dev.StatusReporter().Deliver(f)
	}
}

// receive hands a frame heard on freq to the Device. It reports whether the
// radio was listening on freq.
func (r *Radio) receive(b []byte, freq uint16, signal, rate int8) bool {
	r.mu.Lock()
	dev := r.dev
	listening := dev != nil && r.cancel != nil && (freq == r.cfg.Freq || freq == r.roc)
	r.mu.Unlock()

	if !listening {
		return false
	}

	if rate < 0 {
		rate = 0
	}

	dev.Receiver().Deliver(softmac.NewRxFrame(append([]byte(nil), b...), softmac.RxStatus{
		Freq:      freq,
		Band:      bandOf(freq),
		Signal:    signal,
		RateIndex: uint8(rate),
	}))
	return true
}

func (r *Radio) txFreq(f *softmac.Frame) uint16 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if f.Flags.Has(softmac.TxCtlOffchannel) && r.roc != 0 {
		return r.roc
	}
	return r.cfg.Freq
}

func (r *Radio) isAsleep(addr net.HardwareAddr) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.asleep[addr.String()]
}

// AMPDUAction implements softmac.AMPDUDriver.
func (r *Radio) AMPDUAction(_ *softmac.Interface, p softmac.AMPDUParams) error {
	switch p.Action {
	case softmac.AMPDUTxStart:
		if r.cfg.RejectAggregation {
			return errAggregationRejected
		}
		r.dev.TxBAReady(p.Station.Addr, p.TID)
	case softmac.AMPDURxStart:
		if r.cfg.RejectAggregation {
			return errAggregationRejected
		}
	case softmac.AMPDUTxStop:
		if r.cfg.DeferredBAStop {
			r.dev.TxBAStopped(p.Station.Addr, p.TID)
		}
	}

	r.log.Debug().
		Stringer("sta", p.Station.Addr).
		Uint8("tid", p.TID).
		Stringer("action", p.Action).
		Msg("block ack action")
	return nil
}

// StaNotify implements softmac.StaNotifier. Unicast frames for a sleeping
// station are returned filtered.
func (r *Radio) StaNotify(_ *softmac.Interface, sta *softmac.Station, cmd softmac.StaNotifyCmd) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.asleep[sta.Addr.String()] = cmd == softmac.StaNotifySleep
}

// SetTIM implements softmac.TIMSetter.
func (r *Radio) SetTIM(sta *softmac.Station, set bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tim[sta.Addr.String()] = set
	return nil
}

// TIM reports whether the traffic indication bit for addr is set.
func (r *Radio) TIM(addr net.HardwareAddr) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tim[addr.String()]
}

// ConfTx implements softmac.TxConfigurer.
func (r *Radio) ConfTx(_ *softmac.Interface, ac softmac.AC, queue uint8, p softmac.TxQueueParams) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.txq[ac] = p
	r.log.Debug().Stringer("ac", ac).Uint8("queue", queue).Msg("configured tx queue")
	return nil
}

// Flush waits until the air queue is empty, or reports every queued frame as
// not acknowledged with drop set.
func (r *Radio) Flush(ctx context.Context, drop bool) error {
	if drop {
		r.mu.Lock()
		q := r.queue
		r.queue = nil
		r.wakeQueues()
		r.mu.Unlock()

		for _, f := range q {
			chain, _ := softmac.StatusChain(f.Offered(), 0)
			r.complete(f, chain, false, 0)
		}
		return nil
	}

	t := time.NewTicker(time.Millisecond)
	defer t.Stop()

	for {
		r.mu.Lock()
		idle := len(r.queue) == 0 && !r.busy
		r.mu.Unlock()
		if idle {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("medium: flush: %w", ctx.Err())
		case <-t.C:
		}
	}
}

// RemainOnChannel implements softmac.RemainOnChannelDriver.
func (r *Radio) RemainOnChannel(freq int, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.rocT != nil {
		r.rocT.Stop()
	}
	r.roc = uint16(freq)
	dev := r.dev
	r.rocT = time.AfterFunc(d, func() {
		r.mu.Lock()
		r.roc = 0
		r.rocT = nil
		r.mu.Unlock()
		dev.RemainOnChannelExpired()
	})

	dev.ReadyOnChannel()
	return nil
}

// CancelRemainOnChannel implements softmac.RemainOnChannelDriver.
func (r *Radio) CancelRemainOnChannel() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.rocT != nil {
		r.rocT.Stop()
		r.rocT = nil
	}
	r.roc = 0
	return nil
}

func bandOf(freq uint16) softmac.Band {
	if freq >= 5000 {
		return softmac.Band5GHz
	}
	return softmac.Band2GHz
}
