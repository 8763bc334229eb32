package softmac

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// A Discipline selects how a FrameSink hands frames to the stack.
type Discipline int

// Possible Discipline values.
const (
	// DisciplineDeferred queues the frame for the Device's worker and
	// returns immediately. It is safe from any goroutine, including from
	// within Driver methods.
	DisciplineDeferred Discipline = iota

	// DisciplineDirect processes the frame before Deliver returns. It must
	// not be used from within Driver methods.
	DisciplineDirect
)

// String returns the string representation of a Discipline.
func (d Discipline) String() string {
	switch d {
	case DisciplineDeferred:
		return "deferred"
	case DisciplineDirect:
		return "direct"
	default:
		return fmt.Sprintf("unknown(%d)", d)
	}
}

// A FrameSink accepts frames from a driver.
type FrameSink interface {
	Deliver(f *Frame)
}

type directSink struct {
	w    *worker
	fn   func(*Frame)
	lost func()
}

func (s directSink) Deliver(f *Frame) {
	if err := s.w.do(context.Background(), func() { s.fn(f) }); err != nil {
		s.lost()
	}
}

type deferredSink struct {
	w    *worker
	fn   func(*Frame)
	lost func()
}

func (s deferredSink) Deliver(f *Frame) {
	if !s.w.post(func() { s.fn(f) }) {
		s.lost()
	}
}

// An Option configures a Device.
type Option func(*Device) error

// WithConfig sets the Device configuration.
func WithConfig(cfg Config) Option {
	return func(d *Device) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		d.cfg = cfg
		return nil
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l zerolog.Logger) Option {
	return func(d *Device) error {
		d.log = l
		return nil
	}
}

// WithRegisterer registers the Device's metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(d *Device) error {
		d.reg = reg
		return nil
	}
}

// WithRateControl replaces the built-in rate controller.
func WithRateControl(rc RateController) Option {
	return func(d *Device) error {
		if rc == nil {
			return errors.New("softmac: nil rate controller")
		}
		d.rc = rc
		return nil
	}
}

// WithRxDiscipline sets how frames given to Receiver are processed.
func WithRxDiscipline(disc Discipline) Option {
	return func(d *Device) error {
		d.rxDisc = disc
		return nil
	}
}

// WithStatusDiscipline sets how frames given to StatusReporter are processed.
func WithStatusDiscipline(disc Discipline) Option {
	return func(d *Device) error {
		d.statusDisc = disc
		return nil
	}
}

// WithReceiveHandler sets the function received frames are passed up to. It
// runs on the Device's worker.
func WithReceiveHandler(fn func(*Frame)) Option {
	return func(d *Device) error {
		d.onReceive = fn
		return nil
	}
}

// WithStatusHandler sets the function called with the TX status of frames
// flagged TxCtlReqTxStatus. It runs on the Device's worker.
func WithStatusHandler(fn func(*Frame)) Option {
	return func(d *Device) error {
		d.onStatus = fn
		return nil
	}
}

// A Device binds a Driver to the MAC sublayer. All station, block ack and
// power save state is owned by a single worker goroutine; exported methods
// either wait for the worker or queue work for it, as documented on each.
type Device struct {
	drv Driver
	hw  Hardware
	cfg Config
	log zerolog.Logger
	reg prometheus.Registerer

	psLog, baLog zerolog.Logger

	m *metrics
	w *worker

	rc  RateController
	neg *Negotiator
	qc  *queueController

	rxDisc, statusDisc Discipline
	rx, status         FrameSink
	onReceive          func(*Frame)
	onStatus           func(*Frame)

	stations stationTable
	started  atomic.Bool
	roc      rocState

	// Owned by the worker.
	vifs      map[int]*vifInfo
	nextVif   int
	gen       uint64
	dialog    uint8
	txStopped bool
}

// A vifInfo is the stack's record of an Interface.
type vifInfo struct {
	*Interface
	gen      uint64
	seq      uint16
	txParams [NumACs]TxQueueParams
}

// New binds drv to a new Device with capabilities hw.
func New(drv Driver, hw Hardware, opts ...Option) (*Device, error) {
	if drv == nil {
		return nil, errors.New("softmac: nil driver")
	}

	if hw.NumQueues == 0 {
		hw.NumQueues = NumACs
	}
	switch {
	case hw.NumQueues < NumACs && !hw.Flags.Has(HWQueueControl):
		return nil, fmt.Errorf("%d hardware queues without queue control: %w", hw.NumQueues, ErrInvalidQueue)
	case hw.NumQueues > MaxQueues:
		return nil, fmt.Errorf("%d hardware queues: %w", hw.NumQueues, ErrInvalidQueue)
	case hw.Flags.Has(HWQueueControl) && int(hw.OffchannelQueue) >= hw.NumQueues:
		return nil, fmt.Errorf("off-channel queue %d: %w", hw.OffchannelQueue, ErrInvalidQueue)
	case len(hw.Bands) == 0:
		return nil, errors.New("softmac: hardware registers no bands")
	}

	d := &Device{
		drv:  drv,
		hw:   hw,
		cfg:  DefaultConfig(),
		log:  zerolog.Nop(),
		vifs: make(map[int]*vifInfo),
	}

	for _, o := range opts {
		if err := o(d); err != nil {
			return nil, err
		}
	}

	d.psLog = component(d.log, "powersave")
	d.baLog = component(d.log, "ampdu")

	d.m = newMetrics(d.reg)
	d.w = newWorker()
	d.qc = newQueueController(hw.NumQueues, d.cfg.Queues.MaxBacklog,
		func(q uint8) { d.w.post(func() { d.drainQueue(q) }) },
		func(r QueueStopReason) { d.m.queueStops.WithLabelValues(r.String()).Inc() },
	)

	if !hw.Flags.Has(HWHasRateControl) {
		if d.rc == nil {
			d.rc = NewFallbackRateControl(FallbackConfig{
				Stages:        d.cfg.Rate.Stages,
				TriesPerStage: d.cfg.Rate.TriesPerStage,
				Window:        d.cfg.Rate.Window,
			})
		}
		d.neg = NewNegotiator(d.rc, hw, d.cfg.Rate.RTSThreshold)
	}

	d.rx = d.sink(d.rxDisc, d.receive, func() {
		d.m.rxDropped.WithLabelValues("closed").Inc()
	})
	d.status = d.sink(d.statusDisc, d.txStatus, func() {
		d.m.txStatus.WithLabelValues("closed").Inc()
	})

	d.log.Debug().
		Stringer("flags", hw.Flags).
		Int("queues", hw.NumQueues).
		Stringer("rx", d.rxDisc).
		Stringer("status", d.statusDisc).
		Msg("device created")

	return d, nil
}

// sink returns a FrameSink feeding fn. lost is called for frames delivered
// after the Device was closed.
func (d *Device) sink(disc Discipline, fn func(*Frame), lost func()) FrameSink {
	if disc == DisciplineDirect {
		return directSink{w: d.w, fn: fn, lost: lost}
	}
	return deferredSink{w: d.w, fn: fn, lost: lost}
}

// Receiver returns the sink a driver submits received frames to.
func (d *Device) Receiver() FrameSink { return d.rx }

// StatusReporter returns the sink a driver reports transmitted frames to,
// after moving them to PhaseStatus with Frame.BeginStatus.
func (d *Device) StatusReporter() FrameSink { return d.status }

// Hardware returns the registered capabilities.
func (d *Device) Hardware() Hardware { return d.hw }

// Start starts the driver.
func (d *Device) Start(ctx context.Context) error {
	var err error
	if werr := d.w.do(ctx, func() {
		if d.started.Load() {
			return
		}
		if err = d.drv.Start(ctx, d); err != nil {
			return
		}
		d.txStopped = false
		d.started.Store(true)
	}); werr != nil {
		return werr
	}

	if err != nil {
		d.log.Error().Err(err).Msg("driver failed to start")
		return fmt.Errorf("%w: %v", ErrDeviceStart, err)
	}
	return nil
}

// Stop stops the driver. Frames still backlogged are dropped.
func (d *Device) Stop(ctx context.Context) error {
	return d.w.do(ctx, d.stop)
}

func (d *Device) stop() {
	if !d.started.Load() {
		return
	}

	d.txStopped = true
	for _, f := range d.qc.purge(func(*Frame) bool { return true }) {
		d.drop(f, "stopped")
	}
	d.drv.Stop()
	d.started.Store(false)
}

// Close stops the driver and the Device's worker. The Device cannot be used
// afterwards.
func (d *Device) Close() error {
	if err := d.w.do(context.Background(), d.stop); err != nil && !errors.Is(err, ErrDeviceClosed) {
		return err
	}
	d.roc.reset()
	d.w.close()
	return nil
}

// Sync waits until the worker has processed everything queued for it,
// including work queued while waiting.
func (d *Device) Sync(ctx context.Context) error {
	for {
		if err := d.w.do(ctx, func() {}); err != nil {
			return err
		}
		if d.w.len() == 0 {
			return nil
		}
	}
}

// AddInterface adds a virtual interface and assigns its ID. Without
// HWQueueControl the interface gets DefaultQueueMap.
func (d *Device) AddInterface(ctx context.Context, vif *Interface) error {
	var err error
	if werr := d.w.do(ctx, func() { err = d.addInterface(vif) }); werr != nil {
		return werr
	}
	return err
}

func (d *Device) addInterface(vif *Interface) error {
	vif.ID = d.nextVif
	if !d.hw.Flags.Has(HWQueueControl) {
		vif.Queues = DefaultQueueMap()
	}

	if err := d.drv.AddInterface(vif); err != nil {
		return fmt.Errorf("add %s interface: %w", vif.Type, err)
	}

	if err := d.checkQueues(vif, nil); err != nil {
		d.drv.RemoveInterface(vif)
		return err
	}

	d.nextVif++
	d.gen++
	d.vifs[vif.ID] = &vifInfo{Interface: vif, gen: d.gen}

	d.log.Info().
		Int("vif", vif.ID).
		Stringer("addr", vif.Addr).
		Stringer("type", vif.Type).
		Msg("interface added")
	return nil
}

// checkQueues validates vif's queue map against the hardware and against
// other interfaces, ignoring skip.
func (d *Device) checkQueues(vif *Interface, skip *vifInfo) error {
	if !d.hw.Flags.Has(HWQueueControl) {
		return nil
	}

	if err := vif.Queues.validate(vif.Type, d.hw.NumQueues); err != nil {
		return err
	}

	for _, q := range vif.Queues.queues() {
		if q == d.hw.OffchannelQueue {
			return fmt.Errorf("queue %d is the off-channel queue: %w", q, ErrQueueConflict)
		}
	}

	for _, other := range d.vifs {
		if other == skip || (other.Queues.Shared && vif.Queues.Shared) {
			continue
		}
		for _, a := range vif.Queues.queues() {
			for _, b := range other.Queues.queues() {
				if a == b {
					return fmt.Errorf("queue %d used by interface %d: %w", a, other.ID, ErrQueueConflict)
				}
			}
		}
	}
	return nil
}

// RemoveInterface removes a virtual interface and every station on it.
// Backlogged frames from the interface are dropped, and TX status for its
// frames still in the driver is discarded.
func (d *Device) RemoveInterface(ctx context.Context, id int) error {
	var err error
	if werr := d.w.do(ctx, func() { err = d.removeInterface(id) }); werr != nil {
		return werr
	}
	return err
}

func (d *Device) removeInterface(id int) error {
	vif, ok := d.vifs[id]
	if !ok {
		return fmt.Errorf("interface %d: %w", id, ErrInterfaceNotFound)
	}

	for _, si := range d.stations.load() {
		if si.vif == vif {
			d.moveDown(si, StateNotExist)
		}
	}

	for _, f := range d.qc.purge(func(f *Frame) bool { return f.Interface == id }) {
		d.drop(f, "interface_removed")
	}

	delete(d.vifs, id)
	d.drv.RemoveInterface(vif.Interface)

	d.log.Info().Int("vif", id).Msg("interface removed")
	return nil
}

// ChangeInterface changes an interface's type. Drivers that do not implement
// InterfaceChanger see the interface removed and added again.
func (d *Device) ChangeInterface(ctx context.Context, id int, typ InterfaceType) error {
	var err error
	if werr := d.w.do(ctx, func() { err = d.changeInterface(id, typ) }); werr != nil {
		return werr
	}
	return err
}

func (d *Device) changeInterface(id int, typ InterfaceType) error {
	vif, ok := d.vifs[id]
	if !ok {
		return fmt.Errorf("interface %d: %w", id, ErrInterfaceNotFound)
	}
	if vif.Type == typ {
		return nil
	}

	prev := *vif.Interface
	if ic, ok := d.drv.(InterfaceChanger); ok {
		if err := ic.ChangeInterface(vif.Interface, typ); err != nil {
			return fmt.Errorf("change interface %d to %s: %w", id, typ, err)
		}
	} else {
		d.drv.RemoveInterface(vif.Interface)
		vif.Type = typ
		if err := d.drv.AddInterface(vif.Interface); err != nil {
			*vif.Interface = prev
			_ = d.drv.AddInterface(vif.Interface)
			return fmt.Errorf("change interface %d to %s: %w", id, typ, err)
		}
	}
	vif.Type = typ

	if err := d.checkQueues(vif.Interface, vif); err != nil {
		d.log.Warn().Err(err).Int("vif", id).Msg("driver assigned conflicting queues")
		return err
	}
	return nil
}

// Interfaces returns copies of the Device's interfaces, ordered by ID.
func (d *Device) Interfaces(ctx context.Context) ([]Interface, error) {
	var out []Interface
	err := d.w.do(ctx, func() {
		for _, vif := range d.vifs {
			out = append(out, *vif.Interface)
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

// StopQueue stops a hardware queue for a reason. It is safe to call from any
// goroutine, including from within Driver methods.
func (d *Device) StopQueue(q uint8, r QueueStopReason) { d.qc.stop(q, r) }

// WakeQueue clears a stop reason. Once a queue has no reasons left, frames
// that were submitted while it was stopped are sent in order.
func (d *Device) WakeQueue(q uint8, r QueueStopReason) { d.qc.wake(q, r) }

// StopQueues stops every hardware queue for a reason.
func (d *Device) StopQueues(r QueueStopReason) { d.qc.stopAll(r) }

// WakeQueues clears a stop reason from every hardware queue.
func (d *Device) WakeQueues(r QueueStopReason) { d.qc.wakeAll(r) }

// QueueStopped reports whether hardware queue q is stopped.
func (d *Device) QueueStopped(q uint8) bool { return d.qc.isStopped(q) }

// QueueStopReasons returns the reasons hardware queue q is stopped for.
func (d *Device) QueueStopReasons(q uint8) QueueStopReason { return d.qc.stopReasons(q) }

// ACQueueStopped reports whether the logical queue of vif for ac is stopped.
func (d *Device) ACQueueStopped(vif *Interface, ac AC) bool {
	return d.qc.isStopped(vif.Queues.AC[ac])
}

// QueueBacklog returns the number of frames waiting on hardware queue q.
func (d *Device) QueueBacklog(q uint8) int { return d.qc.pending(q) }

func (d *Device) drainQueue(q uint8) {
	for {
		f, ok := d.qc.next(q)
		if !ok {
			return
		}
		d.sendToDriver(f)
	}
}

// ConfigureTx applies EDCA parameters to the queue of vif for ac.
func (d *Device) ConfigureTx(ctx context.Context, id int, ac AC, p TxQueueParams) error {
	if ac < ACVoice || ac > ACBackground {
		return fmt.Errorf("access category %d: %w", ac, ErrInvalidTxParams)
	}
	if err := p.Validate(); err != nil {
		return err
	}

	var err error
	if werr := d.w.do(ctx, func() {
		vif, ok := d.vifs[id]
		if !ok {
			err = fmt.Errorf("interface %d: %w", id, ErrInterfaceNotFound)
			return
		}

		if tc, ok := d.drv.(TxConfigurer); ok {
			if err = tc.ConfTx(vif.Interface, ac, vif.Queues.AC[ac], p); err != nil {
				err = fmt.Errorf("configure %s queue: %w", ac, err)
				return
			}
		}
		vif.txParams[ac] = p
	}); werr != nil {
		return werr
	}
	return err
}

// Flush waits for frames pending in the driver, or drops them with drop set.
// Frames waiting on stopped queues are dropped with drop set.
func (d *Device) Flush(ctx context.Context, drop bool) error {
	var err error
	if werr := d.w.do(ctx, func() {
		if drop {
			for _, f := range d.qc.purge(func(*Frame) bool { return true }) {
				d.drop(f, "flush")
			}
		}
		if fl, ok := d.drv.(Flusher); ok {
			err = fl.Flush(ctx, drop)
		}
	}); werr != nil {
		return werr
	}
	return err
}

// drop discards a frame the stack will not send. A dropped frame still ends
// its service period and leaves its block ack window.
func (d *Device) drop(f *Frame, reason string) {
	d.m.txDropped.WithLabelValues(reason).Inc()
	d.log.Debug().
		Str("reason", reason).
		Int("vif", f.Interface).
		Uint8("tid", f.TID).
		Msg("frame dropped")

	si := d.frameStation(f)
	if si == nil {
		return
	}
	if f.Flags.Has(TxStatusEOSP) {
		d.abortServicePeriod(si)
	}
	if f.Flags.Has(TxCtlAMPDU) {
		d.aggDropped(si, f)
	}
}

func (d *Device) band() *SupportedBand { return d.hw.Bands[0] }
