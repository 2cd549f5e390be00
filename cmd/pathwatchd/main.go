// Command pathwatchd runs the probing engine and topology aggregator as a
// standalone daemon: it owns the Controller's lifecycle, exposes Prometheus
// metrics, and serves as the stand-in for whatever external adapter (HTTP,
// gRPC, a CLI query tool) eventually sits in front of the query surface.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/mtrtopo/pathwatch/internal/addr"
	"github.com/mtrtopo/pathwatch/internal/backend"
	_ "github.com/mtrtopo/pathwatch/internal/backend/icmp"
	"github.com/mtrtopo/pathwatch/internal/controller"
	"github.com/mtrtopo/pathwatch/internal/lookup"
	"github.com/mtrtopo/pathwatch/internal/persistence"
	"github.com/mtrtopo/pathwatch/internal/persistence/boltsink"
	"github.com/mtrtopo/pathwatch/internal/privsep"
	"github.com/mtrtopo/pathwatch/internal/session"
	"github.com/mtrtopo/pathwatch/internal/transport"
	"github.com/mtrtopo/pathwatch/internal/util"
)

const maxScanInterval = time.Hour

var Version = "(unknown)" // Set via -ldflags

var (
	source       = pflag.String("source", "", "Source address label recorded against every scan (defaults to hostname).")
	scanInterval = pflag.DurationP("interval", "i", 30*time.Second, "Interval between scans of each target.")
	queries      = pflag.IntP("queries", "q", 3, "Number of probes per hop.")
	maxTTL       = pflag.Int("max_ttl", 30, "Maximum path length to trace.")
	workers      = pflag.IntP("workers", "w", 4, "Number of concurrent scan workers.")
	dbPath       = pflag.String("db", "pathwatch.db", "Path to the bbolt persistence file.")
	metricsAddr  = pflag.String("metrics_addr", ":9090", "Address to serve /metrics on.")
	stopTimeout  = pflag.Duration("stop_timeout", 10*time.Second, "Grace period for in-flight scans on shutdown.")
	numeric      = pflag.BoolP("numeric", "n", false, "Only display numeric IP addresses (disables reverse DNS labelling).")
	printVersion = pflag.BoolP("version", "v", false, "Output the version number.")
)

func main() {
	privsepCleanup := privsep.Initialize()
	defer privsepCleanup()

	pflag.Parse()
	lookup.NumericMode = *numeric

	if *printVersion {
		printVersionInfo()
		os.Exit(0)
	}

	if len(pflag.Args()) == 0 {
		fmt.Fprintln(os.Stderr, "usage: pathwatchd [flags] target [target...]")
		pflag.Usage()
		os.Exit(1)
	}

	if *scanInterval > maxScanInterval {
		fmt.Fprintf(os.Stderr, "scan interval may not exceed %v\n", maxScanInterval)
		os.Exit(1)
	}

	log, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error initializing logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	sugar := log.Sugar()

	src := resolveSource(*source, sugar)

	targets := make([]addr.Address, 0, len(pflag.Args()))
	for _, a := range pflag.Args() {
		t, err := lookup.Resolve(a)
		if err != nil {
			sugar.Fatalw("error resolving target", "target", a, "error", err)
		}
		targets = append(targets, t)
	}

	prober, err := newMultiplex(sugar)
	if err != nil {
		sugar.Fatalw("error opening backend", "error", err)
	}
	defer prober.Close()

	sink, err := boltsink.Open(*dbPath, &persistence.Options{}, sugar)
	if err != nil {
		sugar.Fatalw("error opening persistence sink", "path", *dbPath, "error", err)
	}
	defer sink.Close()

	reg := prometheus.NewRegistry()

	cfg := controller.Config{
		Source:       src,
		Targets:      targets,
		WorkerCount:  *workers,
		ScanInterval: *scanInterval,
		SessionOptions: &session.Options{
			ProbesPerHop: *queries,
			MaxHops:      *maxTTL,
		},
	}
	ctrl := controller.New(prober, sink, cfg, reg, nil, sugar)
	if err := ctrl.Start(); err != nil {
		sugar.Fatalw("error starting controller", "error", err)
	}

	srv := startMetricsServer(*metricsAddr, reg, sugar)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()

	sugar.Infow("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), *stopTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		sugar.Errorw("error shutting down metrics server", "error", err)
	}
	if err := ctrl.Stop(*stopTimeout); err != nil {
		sugar.Errorw("error stopping controller", "error", err)
	}
}

// newMultiplex opens one ICMP backend per address family, so a single
// Controller can drive both IPv4 and IPv6 targets (see transport.Multiplex).
func newMultiplex(log *zap.SugaredLogger) (*transport.Multiplex, error) {
	v4Conn, err4 := backend.New(backend.ICMP, util.IPv4)
	v6Conn, err6 := backend.New(backend.ICMP, util.IPv6)
	if err4 != nil && err6 != nil {
		return nil, fmt.Errorf("no usable backend for either address family: ipv4: %w; ipv6: %v", err4, err6)
	}

	m := &transport.Multiplex{}
	if err4 != nil {
		log.Warnw("ipv4 backend unavailable", "error", err4)
	} else {
		m.V4 = transport.New(v4Conn, transport.WithLogger(log))
	}
	if err6 != nil {
		log.Warnw("ipv6 backend unavailable", "error", err6)
	} else {
		m.V6 = transport.New(v6Conn, transport.WithLogger(log))
	}
	return m, nil
}

func startMetricsServer(listenAddr string, reg *prometheus.Registry, log *zap.SugaredLogger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: listenAddr, Handler: mux}
	go func() {
		log.Infow("serving metrics", "addr", listenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorw("metrics server error", "error", err)
		}
	}()
	return srv
}

// resolveSource determines the Address tagged as this daemon's vantage
// point: the --source flag if given, or the host's own name otherwise.
func resolveSource(flagVal string, log *zap.SugaredLogger) addr.Address {
	if flagVal != "" {
		a, err := lookup.Resolve(flagVal)
		if err != nil {
			log.Fatalw("error resolving --source", "source", flagVal, "error", err)
		}
		return a
	}
	hostname, err := os.Hostname()
	if err != nil {
		log.Warnw("error determining hostname, source left unresolved", "error", err)
		return addr.Zero
	}
	a, err := lookup.Resolve(hostname)
	if err != nil {
		log.Warnw("error resolving hostname, source left unresolved", "hostname", hostname, "error", err)
		return addr.Zero
	}
	return a
}

func printVersionInfo() {
	inf, ok := debug.ReadBuildInfo()
	if !ok {
		fmt.Println("pathwatchd: unknown version")
		return
	}
	fmt.Printf("%s %s\nbuilt with %s\n", path.Base(inf.Path), Version, inf.GoVersion)
}
