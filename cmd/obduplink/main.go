package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/shaunagostinho/obd-uplink/internal/logger"
	"github.com/shaunagostinho/obd-uplink/internal/obd"
	"github.com/shaunagostinho/obd-uplink/internal/server"
	"github.com/shaunagostinho/obd-uplink/internal/telemetry"
	"github.com/shaunagostinho/obd-uplink/internal/uart"
	"github.com/shaunagostinho/obd-uplink/web"
)

func main() {
	configPath := flag.String("config", server.DefaultConfigPath, "Path to config file")
	demo := flag.Bool("demo", false, "Run against a simulated ELM327 adapter")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	flag.Parse()

	os.Exit(run(*configPath, *demo, *listenAddr))
}

func run(configPath string, demo bool, listenAddr string) int {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.Println("[main] obduplink starting")

	cfg := server.LoadConfig(configPath)

	if demo {
		cfg.OBD.Type = "demo"
		cfg.OBD.Decoder = obd.DecoderELM327
	}
	if listenAddr != "" {
		cfg.Server.ListenAddr = listenAddr
	}
	if lvl, err := log.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(lvl)
	}
	if err := cfg.Validate(); err != nil {
		log.Errorf("[main] invalid config: %v", err)
		return 2
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %v, shutting down", sig)
		cancel()
	}()

	srv := server.New(cfg, web.FS)

	csvLog := logger.New(cfg.LoggerConfig())
	defer csvLog.Close()

	sender, hub := telemetrySink(cfg, srv)
	if hub != nil {
		defer hub.Close()
		go connectWithRetry(ctx, "azure", hub, 0)
	}

	var (
		wg     sync.WaitGroup
		failed atomic.Bool
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := poll(ctx, cfg, srv, sender, csvLog); err != nil {
			log.Errorf("[main] %v", err)
			failed.Store(true)
			cancel()
		}
	}()

	if err := srv.Run(ctx); err != nil {
		log.Errorf("[main] server exited: %v", err)
		failed.Store(true)
		cancel()
	}
	wg.Wait()

	if failed.Load() {
		return 1
	}
	return 0
}

// poll opens the adapter, then runs the coolant event loop until ctx is
// done or an I/O error terminates the session.
func poll(ctx context.Context, cfg *server.Config, srv *server.Server, sender telemetry.Sender, csvLog *logger.Logger) error {
	link := &uartLink{cfg: cfg.OBD}
	if err := connectWithRetry(ctx, "uart", link, cfg.OBD.OpenAttempts); err != nil {
		if errors.Cause(err) == context.Canceled {
			return nil
		}
		return err
	}

	sess, err := obd.NewSession(link.port, obd.Options{
		BufferSize:      cfg.OBD.BufferSize,
		Decoder:         cfg.OBD.Decoder,
		Telemetry:       sender,
		MaxPayloadBytes: cfg.Telemetry.MaxPayloadBytes,
		Observers:       []obd.Observer{srv, csvLog},
	})
	if err != nil {
		link.Close()
		return err
	}
	defer sess.Close()
	srv.SetSession(sess)

	err = obd.Run(ctx, sess, cfg.OBD.PollPeriod())
	if errors.Cause(err) == context.Canceled {
		return nil
	}
	return err
}

// telemetrySink returns the session's sender and the hub it must connect.
// With telemetry disabled both are nil and no payload is formatted; when
// enabled, the status page mirrors what the hub is sent.
func telemetrySink(cfg *server.Config, srv *server.Server) (telemetry.Sender, *telemetry.AzureIoT) {
	if !cfg.Telemetry.Enabled {
		return nil, nil
	}
	hub := telemetry.NewAzureIoT(cfg.Telemetry.Azure)
	return telemetry.Fanout{hub, srv}, hub
}

// connectable is satisfied by the serial link and the cloud sender.
type connectable interface {
	Connect() error
	Close() error
}

// uartLink opens either the real adapter or the simulated one.
type uartLink struct {
	cfg  server.OBDConfig
	port uart.Port
}

func (l *uartLink) Connect() error {
	if l.cfg.Type == "demo" {
		l.port = uart.NewDemoPort()
		return nil
	}
	p, err := uart.Open(l.cfg.UART())
	if err != nil {
		return err
	}
	l.port = p
	return nil
}

func (l *uartLink) Close() error {
	if l.port == nil {
		return nil
	}
	return l.port.Close()
}

// overridden in tests
var (
	retryBaseDelay = 1 * time.Second
	retryMaxDelay  = 60 * time.Second
)

// connectWithRetry attempts to connect with exponential backoff.
// Starts at retryBaseDelay, doubles each attempt up to retryMaxDelay and
// gives up after maxAttempts failures. maxAttempts <= 0 retries until ctx
// is done.
func connectWithRetry(ctx context.Context, name string, c connectable, maxAttempts int) error {
	delay := retryBaseDelay
	attempt := 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := c.Connect()
		if err == nil {
			log.Printf("[%s] connected successfully (attempt %d)", name, attempt+1)
			return nil
		}

		attempt++
		if maxAttempts > 0 && attempt >= maxAttempts {
			return errors.Wrapf(err, "%s: giving up after %d attempt(s)", name, attempt)
		}
		if maxAttempts > 0 {
			log.Warnf("[%s] connect attempt %d/%d failed: %v (retry in %v)",
				name, attempt, maxAttempts, err, delay)
		} else {
			log.Warnf("[%s] connect attempt %d failed: %v (retry in %v)",
				name, attempt, err, delay)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if delay > retryMaxDelay {
			delay = retryMaxDelay
		}
	}
}
