// Command cmdchan-sim runs a command channel against a simulated guest,
// writing a configurable mix of ring commands and synchronous buffers, and
// optionally serving the channel metrics over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.yaml.in/yaml/v3"
	"golang.org/x/sync/errgroup"

	"github.com/joeycumines/go-cmdchan"
	"github.com/joeycumines/go-cmdchan/guestmem"
	"github.com/joeycumines/go-cmdchan/ring"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file, defaults are used when unset")
	configTest := flag.Bool("test", false, "Print the resolved config and exit")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %s\n", err)
		os.Exit(1)
	}

	if *configTest {
		b, err := yaml.Marshal(cfg)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		_, _ = os.Stdout.Write(b)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "cmdchan-sim: %s\n", err)
		os.Exit(1)
	}
}

func newLogger(cfg LogConfig, w io.Writer) *logiface.Logger[logiface.Event] {
	level, _ := parseLevel(cfg.Level)
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w)),
		stumpy.L.WithLevel(level),
	).Logger()
}

func run(ctx context.Context, cfg *Config, out io.Writer) (err error) {
	logger := newLogger(cfg.Log, out)

	region, err := guestmem.New(cfg.Region.Size)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, region.Close()) }()

	mem, err := guestmem.New(cfg.Region.GuestPages * guestmem.PageSize)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, mem.Close()) }()

	ringMem := region.Bytes()[cfg.Region.RingOffset:]
	if err := ring.Format(ringMem, cfg.Region.RingData); err != nil {
		return err
	}
	producer, err := ring.NewProducer(ringMem)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	metrics, err := cmdchan.NewMetrics(reg)
	if err != nil {
		return err
	}

	g := newGuest(cfg.Producer, logger, producer, mem, cfg.Region.RingOffset)
	g.prepare()

	ch, err := cmdchan.New(region.Bytes(),
		cmdchan.WithLogger(logger),
		cmdchan.WithBackend(&logBackend{logger: logger}),
		cmdchan.WithPageMapper(mem),
		cmdchan.WithMetrics(metrics),
		cmdchan.WithBufferWorkers(cfg.Channel.BufferWorkers),
		cmdchan.WithTornWriteRetry(cfg.Channel.TornWriteInterval, cfg.Channel.TornWriteRetries, cfg.Channel.TornWriteBackoff),
		cmdchan.WithCommandCompleteHook(g.interrupt),
	)
	if err != nil {
		return err
	}
	g.ch = ch

	eg, ctx := errgroup.WithContext(ctx)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	eg.Go(func() error {
		if err := ch.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	if cfg.Stats.Listen != "" {
		srv := &http.Server{
			Addr:              cfg.Stats.Listen,
			Handler:           statsHandler(cfg.Stats.Path, reg),
			ReadHeaderTimeout: 10 * time.Second,
		}
		eg.Go(func() error {
			logger.Info().Str("listen", cfg.Stats.Listen).Log("serving metrics")
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		eg.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	eg.Go(func() error {
		defer cancel()
		stats, err := g.run(ctx, cfg.Region.RingOffset)
		logger.Info().
			Int64("written", stats.Written).
			Int64("cancelled", stats.Cancelled).
			Int64("buffers", stats.Buffers).
			Int64("irqs", stats.IRQs).
			Log("guest finished")
		if err != nil {
			return err
		}
		return ch.Shutdown(ctx)
	})

	err = eg.Wait()
	if closeErr := ch.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

func statsHandler(path string, reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}
