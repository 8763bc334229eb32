package main

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/mdlayher/softmac"
	"github.com/mdlayher/softmac/internal/hwsim"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

var broadcast = []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// runHWSim attaches one access point radio to a mac80211_hwsim medium and
// broadcasts a data frame each interval until ctx is done. Frames heard from
// other radios are counted.
func runHWSim(ctx context.Context, cfg simConfig, log zerolog.Logger, reg prometheus.Registerer) error {
	drv, err := hwsim.New(hwsim.Config{
		Addr:   cfg.HWSimAddr,
		Freq:   cfg.Freq,
		Logger: log,
	})
	if err != nil {
		return err
	}

	var received, acked atomic.Uint64
	dev, err := softmac.New(drv, drv.Hardware(),
		softmac.WithConfig(cfg.Device),
		softmac.WithLogger(log),
		softmac.WithRegisterer(prometheus.WrapRegistererWith(prometheus.Labels{"radio": "hwsim"}, reg)),
		softmac.WithReceiveHandler(func(*softmac.Frame) { received.Add(1) }),
		softmac.WithStatusHandler(func(f *softmac.Frame) {
			if st, err := f.Status(); err == nil && st.Acked {
				acked.Add(1)
			}
		}),
	)
	if err != nil {
		return err
	}
	defer dev.Close()

	if err := dev.Start(ctx); err != nil {
		return err
	}

	vif := &softmac.Interface{Addr: cfg.HWSimAddr, Type: softmac.InterfaceTypeAP}
	if err := dev.AddInterface(ctx, vif); err != nil {
		return fmt.Errorf("add interface: %w", err)
	}

	log.Info().Stringer("addr", cfg.HWSimAddr).Uint16("freq", cfg.Freq).Msg("broadcasting on mac80211_hwsim")

	t := time.NewTicker(cfg.Interval)
	defer t.Stop()

	var sent int
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-t.C:
		}

		b := softmac.NewDataFrame(false, layers.Dot11FlagsFromDS, broadcast, vif.Addr, vif.Addr, 0,
			[]byte(fmt.Sprintf("softmacsim %d", sent)))
		f := softmac.NewTxFrame(b)
		f.Flags = softmac.TxCtlReqTxStatus
		if err := dev.Transmit(ctx, vif.ID, f); err != nil {
			if ctx.Err() != nil {
				break loop
			}
			return err
		}
		sent++
	}

	sctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := dev.Sync(sctx); err != nil {
		return err
	}

	log.Info().
		Int("sent", sent).
		Uint64("acked", acked.Load()).
		Uint64("received", received.Load()).
		Msg("hwsim radio finished")
	return nil
}
