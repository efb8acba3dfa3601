// softphone консольный SIP телефон: звонки, удержание и завершение с
// кодом причины
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/arzzra/callsession/internal/config"
	"github.com/arzzra/callsession/internal/logging"
	"github.com/arzzra/callsession/pkg/call"
	"github.com/arzzra/callsession/pkg/media_sdp"
	"github.com/arzzra/callsession/pkg/phone"
	"github.com/arzzra/callsession/pkg/sip/dialog"
	"github.com/arzzra/callsession/pkg/sip/transaction"
	"github.com/arzzra/callsession/pkg/sip/transport"
)

func main() {
	configPath := flag.String("config", "", "Путь к файлу конфигурации (YAML/TOML/JSON)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	logger, err := logging.New(cfg.Logging())
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("softphone stopped", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var ph *phone.Phone
	tcfg := transport.DefaultConfig()
	tcfg.DSCP = cfg.SIP.DSCP
	udp, err := transport.NewUDPTransport(cfg.SIP.Listen, tcfg, func(data []byte, source string) {
		ph.HandleRaw(data, source)
	}, transport.WithLogger(logger.Named("transport")))
	if err != nil {
		return err
	}

	console := newConsole(os.Stdout)
	ph = phone.New(udp, cfg.Dialog(viaHost(cfg.SIP.Listen, udp.LocalAddr())), mediaFactory(cfg.Media),
		phone.WithLogger(logger),
		phone.WithMetrics(phone.NewMetrics(reg), call.NewMetrics(reg), transaction.NewMetrics(reg)),
		phone.WithTimers(cfg.TransactionTimers()),
		phone.WithIntentTimeout(cfg.Call.IntentTimeout),
		phone.WithObserver(console),
		phone.OnIncoming(console.incoming),
	)
	console.phone = ph

	logger.Info("softphone started",
		zap.Stringer("sip", udp.LocalAddr()),
		zap.String("local_uri", cfg.SIP.LocalURI),
		zap.String("metrics", cfg.Metrics.Listen))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(udp.Serve)

	if cfg.Metrics.Listen != "" {
		srv := &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		return console.run(gctx, os.Stdin)
	})

	g.Go(func() error {
		<-gctx.Done()
		console.hangupAll()
		ph.Close()
		return udp.Close()
	})

	err = g.Wait()
	if errors.Is(err, errQuit) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// viaHost возвращает host:port для Via: хост из listen и фактический порт
// сокета. Для 0.0.0.0 берется адрес сокета целиком.
func viaHost(listen string, local net.Addr) string {
	host, _, err := net.SplitHostPort(listen)
	if err != nil || host == "" || net.ParseIP(host).IsUnspecified() {
		return local.String()
	}
	_, port, _ := net.SplitHostPort(local.String())
	return net.JoinHostPort(host, port)
}

// mediaFactory выдает SDP сессии с RTP портами из диапазона по кругу
func mediaFactory(cfg config.MediaConfig) phone.MediaFactory {
	var next atomic.Int64
	span := int64((cfg.PortMax-cfg.PortMin)/2 + 1)

	return func() (dialog.Media, error) {
		mcfg := media_sdp.DefaultConfig()
		mcfg.Address = cfg.Address
		mcfg.Port = cfg.PortMin + int((next.Add(1)-1)%span)*2
		return media_sdp.NewSession(mcfg)
	}
}
