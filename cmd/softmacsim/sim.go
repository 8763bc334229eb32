package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/mdlayher/softmac"
	"github.com/mdlayher/softmac/internal/medium"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var apAddr = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x00}

// A node is one radio and its Device.
type node struct {
	name  string
	radio *medium.Radio
	dev   *softmac.Device
	vif   *softmac.Interface

	received atomic.Uint64
	acked    atomic.Uint64
	lost     atomic.Uint64
}

func newNode(ctx context.Context, m *medium.Medium, name string, addr net.HardwareAddr, typ softmac.InterfaceType,
	rc medium.RadioConfig, cfg simConfig, log zerolog.Logger, reg prometheus.Registerer) (*node, error) {
	n := &node{
		name:  name,
		radio: m.NewRadio(rc),
	}

	dev, err := softmac.New(n.radio, n.radio.Hardware(),
		softmac.WithConfig(cfg.Device),
		softmac.WithLogger(log.With().Str("radio", name).Logger()),
		softmac.WithRegisterer(prometheus.WrapRegistererWith(prometheus.Labels{"radio": name}, reg)),
		softmac.WithReceiveHandler(func(*softmac.Frame) { n.received.Add(1) }),
		softmac.WithStatusHandler(n.status),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", name, err)
	}
	n.dev = dev

	if err := dev.Start(ctx); err != nil {
		_ = dev.Close()
		return nil, fmt.Errorf("start %s: %w", name, err)
	}

	n.vif = &softmac.Interface{Addr: addr, Type: typ}
	if err := dev.AddInterface(ctx, n.vif); err != nil {
		_ = dev.Close()
		return nil, fmt.Errorf("add %s interface: %w", name, err)
	}
	return n, nil
}

func (n *node) status(f *softmac.Frame) {
	st, err := f.Status()
	if err != nil {
		return
	}
	if st.Acked {
		n.acked.Add(1)
	} else {
		n.lost.Add(1)
	}
}

// associate adds peer to n's interface and moves it to authorized.
func (n *node) associate(ctx context.Context, peer net.HardwareAddr, aid uint16) error {
	sta := &softmac.Station{
		Addr:           peer,
		AID:            aid,
		SupportedRates: [softmac.NumBands]uint32{1<<len(n.radio.Hardware().Bands[0].Bitrates) - 1},
		HT:             true,
		WME:            true,
	}
	if err := n.dev.AddStation(ctx, n.vif.ID, sta); err != nil {
		return err
	}
	for s := softmac.StateAuth; s <= softmac.StateAuthorized; s++ {
		if err := n.dev.MoveStation(ctx, peer, s); err != nil {
			return err
		}
	}
	return nil
}

// send transmits a frame from n and asks for its status.
func (n *node) send(ctx context.Context, b []byte) error {
	f := softmac.NewTxFrame(b)
	f.Flags = softmac.TxCtlReqTxStatus
	return n.dev.Transmit(ctx, n.vif.ID, f)
}

// A report summarizes a simulation run.
type report struct {
	Acked, Lost uint64
	Received    map[string]uint64
}

// runMedium runs an access point and cfg.Stations stations on an in-process
// medium until ctx is done. The access point sends QoS data to every station
// each interval.
func runMedium(ctx context.Context, cfg simConfig, log zerolog.Logger, reg prometheus.Registerer, tap func(medium.Capture)) (report, error) {
	m := medium.New(log)
	if tap != nil {
		m.Tap(tap)
	}

	rc := medium.RadioConfig{Freq: cfg.Freq, AirQueue: cfg.AirQueue}
	ap, err := newNode(ctx, m, "ap", apAddr, softmac.InterfaceTypeAP, rc, cfg, log, reg)
	if err != nil {
		return report{}, err
	}
	defer ap.dev.Close()

	link := medium.Link{AckOn: cfg.AckOn, Signal: cfg.Signal}

	stas := make([]*node, 0, cfg.Stations)
	for i := 0; i < cfg.Stations; i++ {
		addr := net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x01, byte(i + 1)}
		sta, err := newNode(ctx, m, fmt.Sprintf("sta%d", i+1), addr, softmac.InterfaceTypeStation, rc, cfg, log, reg)
		if err != nil {
			return report{}, err
		}
		defer sta.dev.Close()
		stas = append(stas, sta)

		if err := ap.associate(ctx, addr, uint16(i+1)); err != nil {
			return report{}, fmt.Errorf("associate %s: %w", sta.name, err)
		}
		if err := sta.associate(ctx, apAddr, 0); err != nil {
			return report{}, fmt.Errorf("associate %s: %w", sta.name, err)
		}

		m.SetLink(apAddr, addr, link)
		m.SetLink(addr, apAddr, link)

		if cfg.Aggregate {
			if err := ap.dev.StartTxBA(ctx, addr, 0); err != nil {
				log.Warn().Err(err).Stringer("sta", addr).Msg("failed to start block ack")
			}
		}
	}

	log.Info().
		Int("stations", len(stas)).
		Uint16("freq", cfg.Freq).
		Dur("interval", cfg.Interval).
		Msg("simulation started")

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return traffic(ctx, cfg, ap, stas) })
	if cfg.PowerSave && len(stas) > 0 {
		eg.Go(func() error { return doze(ctx, cfg, stas[0], log) })
	}

	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return report{}, err
	}

	// Account for everything still on the air before reporting.
	fctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := ap.dev.Flush(fctx, false); err != nil {
		log.Warn().Err(err).Msg("failed to flush access point")
	}

	r := report{
		Acked:    ap.acked.Load(),
		Lost:     ap.lost.Load(),
		Received: make(map[string]uint64, len(stas)),
	}
	log.Info().Uint64("acked", r.Acked).Uint64("lost", r.Lost).Msg("access point finished")

	for _, sta := range stas {
		r.Received[sta.name] = sta.received.Load()
		log.Info().Str("radio", sta.name).Uint64("received", r.Received[sta.name]).Msg("station finished")
	}
	return r, nil
}

// traffic sends one QoS data frame to every station each interval.
func traffic(ctx context.Context, cfg simConfig, ap *node, stas []*node) error {
	t := time.NewTicker(cfg.Interval)
	defer t.Stop()

	var seq uint64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}

		seq++
		payload := []byte(fmt.Sprintf("softmacsim %d", seq))
		for _, sta := range stas {
			b := softmac.NewDataFrame(true, layers.Dot11FlagsFromDS, sta.vif.Addr, apAddr, apAddr, 0, payload)
			if err := ap.send(ctx, b); err != nil {
				return err
			}
		}
	}
}

// doze puts sta to sleep for a few intervals at a time and retrieves what
// the access point buffered with PS-Polls.
func doze(ctx context.Context, cfg simConfig, sta *node, log zerolog.Logger) error {
	wait := func(n int) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(n) * cfg.Interval):
			return nil
		}
	}

	for {
		if err := wait(2); err != nil {
			return err
		}

		log.Debug().Str("radio", sta.name).Msg("dozing")
		pm := layers.Dot11FlagsToDS | layers.Dot11FlagsPowerManagement
		if err := sta.send(ctx, softmac.NewNullFrame(false, pm, apAddr, sta.vif.Addr, apAddr, 0)); err != nil {
			return err
		}
		if err := wait(4); err != nil {
			return err
		}

		for i := 0; i < 4; i++ {
			if err := sta.send(ctx, softmac.NewPSPoll(1, apAddr, sta.vif.Addr)); err != nil {
				return err
			}
		}

		if err := sta.send(ctx, softmac.NewNullFrame(false, layers.Dot11FlagsToDS, apAddr, sta.vif.Addr, apAddr, 0)); err != nil {
			return err
		}
		log.Debug().Str("radio", sta.name).Msg("awake")
	}
}
