package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/zabeloliver/ha-companion/ha-api/haLocation"
	"github.com/zabeloliver/ha-companion/ha-api/haStream"
)

const shutdownTimeout = 5 * time.Second

// run streams events into the metrics registry, optionally tracks the device location
// and serves /metrics until ctx is done.
func (a *companion) run(ctx context.Context) error {
	conn := a.client.Config()
	stream := haStream.NewHaStreamClient(conn, a.notifier, a.logger,
		haStream.WithBackoff(a.config.StreamBackoff()),
		haStream.WithStateObserver(a.metrics.observeStreamState))
	stream.Subscribe("*", writeStreamEventsToMetricsRegistry(a.metrics, a.logger))

	var reporter *haLocation.HaLocationReporter
	if a.config.Location.Tracking {
		provider := haLocation.NewFeedProvider()
		reporter = a.newLocationReporter(provider)
		if err := reporter.StartTracking(a.config.Location.DeviceId); err != nil {
			a.logger.Errorf("Location tracking incomplete: %v", err)
		}
		source, err := openLocationSource(a.config.Location.Source)
		if err != nil {
			reporter.Close()
			return err
		}
		defer source.Close()
		go feedLocations(source, provider, a.logger)
	}

	stream.Start(ctx)

	mux := http.NewServeMux()
	// Expose metrics and custom registry via an HTTP server
	// using the HandleFor function. "/metrics" is the usual endpoint for that.
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry}))
	server := &http.Server{
		Addr:              ":" + strconv.Itoa(a.config.Metrics.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Infof("Serving metrics on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var errs error
	select {
	case <-ctx.Done():
		a.logger.Info("Shutting down")
	case err := <-serveErr:
		errs = multierr.Append(errs, err)
	}

	stream.Stop()
	if reporter != nil {
		reporter.Close()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return multierr.Append(errs, server.Shutdown(shutdownCtx))
}

func openLocationSource(source string) (io.ReadCloser, error) {
	if source == "" || source == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(source)
}

// feedLocations reads one "lat,lon[,accuracy]" fix per line into provider.
func feedLocations(r io.Reader, provider *haLocation.FeedProvider, logger *zap.SugaredLogger) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fix, err := haLocation.ParseFix(line)
		if err != nil {
			logger.Warnf("Skipping location: %v", err)
			continue
		}
		provider.Feed(fix)
	}
	if err := scanner.Err(); err != nil {
		logger.Errorf("Location source failed: %v", err)
		provider.Fail(err)
	}
}

func main() {
	flags, err := initCliFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	cfg, err := initConfig(flags.configPath)
	if err != nil {
		initLogger("").Fatal(err)
	}

	sugar := initLogger(cfg.Logging.File)
	defer sugar.Sync() // flushes buffer, if any

	app, err := newCompanion(cfg, os.Stdout, sugar)
	if err != nil {
		sugar.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		sugar.Info("Catch Keyboard interrupt")
		cancel()
	}()

	if err := app.runCommand(ctx, flags.args); err != nil {
		cancel()
		sugar.Fatal(err)
	}
	cancel()
}
