// Command softmacsim runs a simulated 802.11 network on top of softmac
// Devices, either on an in-process medium or on a mac80211_hwsim medium.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mdlayher/softmac"
	"github.com/mdlayher/softmac/internal/medium"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

func main() {
	var (
		configPath  = flag.String("c", "", "path to a TOML simulation config")
		metricsAddr = flag.String("metrics", "", "serve Prometheus metrics on this address")
		pcapPath    = flag.String("pcap", "", "write frames seen on the in-process medium to this pcap file")
		duration    = flag.Duration("d", 0, "stop after this long; 0 runs until interrupted")
		level       = flag.String("log", "", "log level, overriding the config")
	)
	flag.Parse()

	if err := run(*configPath, *metricsAddr, *pcapPath, *duration, *level); err != nil {
		fmt.Fprintf(os.Stderr, "softmacsim: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, metricsAddr, pcapPath string, duration time.Duration, level string) error {
	cfg := defaultSimConfig()
	if configPath != "" {
		var err error
		if cfg, err = loadSimConfig(configPath); err != nil {
			return err
		}
	}
	if duration > 0 {
		cfg.Duration = duration
	}
	if level != "" {
		cfg.Device.Log.Level = level
	}

	log := softmac.NewConsoleLogger(os.Stderr, cfg.Device.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if cfg.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Duration)
		defer cancel()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	eg, ctx := errgroup.WithContext(ctx)
	if metricsAddr != "" {
		eg.Go(func() error { return serveMetrics(ctx, metricsAddr, reg, log) })
	}

	eg.Go(func() error {
		defer stop()

		if cfg.HWSimAddr != nil {
			return runHWSim(ctx, cfg, log, reg)
		}

		var tap func(medium.Capture)
		if pcapPath != "" {
			f, err := os.Create(pcapPath)
			if err != nil {
				return err
			}
			defer f.Close()

			c, err := newCapture(f, softmac.LegacyBand(bandOf(cfg.Freq)), log)
			if err != nil {
				return fmt.Errorf("write pcap header: %w", err)
			}
			tap = c.write

			defer func() {
				n, err := c.done()
				log.Info().Int("frames", n).AnErr("error", err).Str("path", pcapPath).Msg("capture finished")
			}()
		}

		_, err := runMedium(ctx, cfg, log, reg, tap)
		return err
	})

	return eg.Wait()
}

// serveMetrics serves reg until ctx is done.
func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, log zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	log.Info().Str("addr", addr).Msg("serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve metrics: %w", err)
	}
	return nil
}

func bandOf(freq uint16) softmac.Band {
	if freq >= 5000 {
		return softmac.Band5GHz
	}
	return softmac.Band2GHz
}
