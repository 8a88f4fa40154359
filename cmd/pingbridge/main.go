// Command pingbridge serves an in-process event bus to browsers over
// websockets.
//
//	pingbridge --listen=:8081 --prefix=/eventbus --policy=policy.yaml
//
// Clients open ws://localhost:8081/eventbus/websocket and exchange JSON
// frames:
//
//	{"type":"register","address":"news"}
//	{"type":"publish","address":"news","body":{"headline":"hi"}}
//	{"type":"send","address":"svc","body":1,"replyAddress":"r1"}
//	{"type":"unregister","address":"news"}
//
// Messages for a registered address arrive as
//
//	{"type":"rec","address":"news","body":{"headline":"hi"}}
//
// and failures as {"type":"err","failureCode":403,"failureType":"access_denied"}.
// Nothing is allowed unless a policy rule permits it. Everything is
// ephemeral: a message reaches the subscribers connected when it is sent
// and is then forgotten.
//
// Publish from outside by POSTing to the address:
//
//	curl localhost:8081/publish/news -d '{"headline":"hi"}' -H 'Content-Type: application/json'
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/facebookgo/httpdown"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/Automattic/pingbridge/internal/bridge"
	"github.com/Automattic/pingbridge/internal/bus"
	"github.com/Automattic/pingbridge/internal/config"
	"github.com/Automattic/pingbridge/internal/log"
	"github.com/Automattic/pingbridge/internal/metrics"
	"github.com/Automattic/pingbridge/internal/policy"
	"github.com/Automattic/pingbridge/internal/ticker"
	"github.com/Automattic/pingbridge/internal/transport"
)

func main() {
	cfg, err := config.Parse("pingbridge", os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "pingbridge:", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		base := log.Base()
		base.Error().Err(err).Msg("pingbridge stopped")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	log.Configure(log.Config{Level: cfg.Log.Level, Service: cfg.Log.Service})
	logger := log.WithComponent("main")
	metrics.Configure(os.Stderr, cfg.Metrics.Tick)

	pol, err := cfg.Policy()
	if err != nil {
		return err
	}

	b := bus.New()
	defer b.Close()

	srv := bridge.NewServer(bridge.Options{
		Bus:                  b,
		Policy:               pol,
		Pipeline:             bridge.NewPipeline(cfg.Bridge.EventTimeout, bridge.LogInterceptor(log.WithComponent("events")), bridge.MetricsInterceptor()),
		MaxAddressLength:     cfg.Bridge.MaxAddressLength,
		MaxHandlersPerSocket: cfg.Bridge.MaxHandlersPerSocket,
		OutboundQueueSize:    cfg.Bridge.OutboundQueueSize,
		ReplyTimeout:         cfg.Bridge.ReplyTimeout,
	})

	var pings *ticker.Multi
	if cfg.Transport.PingPeriod > 0 {
		pings = ticker.New(cfg.Transport.PingPeriod)
		defer pings.Stop()
	}

	server := &http.Server{
		Addr: cfg.Listen,
		Handler: transport.NewHandler(srv, b, transport.Options{
			Prefix:         cfg.Prefix,
			Origin:         cfg.Origin,
			MaxMessageSize: cfg.Transport.MaxMessageSize,
			PongWait:       cfg.Transport.PongWait,
			WriteWait:      cfg.Transport.WriteWait,
			Pings:          pings,
			FrameRate:      cfg.Transport.FrameRate,
			FrameBurst:     cfg.Transport.FrameBurst,
		}),
	}
	hd := &httpdown.HTTP{
		StopTimeout: cfg.StopTimeout,
		KillTimeout: cfg.KillTimeout,
	}
	hs, err := hd.ListenAndServe(server)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Listen, err)
	}
	logger.Info().Str("listen", cfg.Listen).Str(log.FieldPath, cfg.Prefix).Msg("pingbridge listening")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(hs.Wait)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.StopTimeout)
		defer cancel()
		// Websockets are hijacked, so httpdown no longer tracks them.
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("sessions did not close in time")
		}
		return hs.Stop()
	})
	if cfg.Metrics.Tick > 0 {
		g.Go(func() error { return metrics.Start(gctx) })
	}
	g.Go(func() error {
		return config.NewPolicyWatcher(cfg, func(p *policy.Policy) { srv.ApplyPolicy(p) }).Run(gctx)
	})
	if cfg.Counter.Address != "" {
		g.Go(func() error {
			return runCounter(gctx, b, cfg.Counter.Address, cfg.Counter.Interval)
		})
	}
	return g.Wait()
}
