//go:build linux

// tinyportmapper -- a single-threaded, epoll-based TCP/UDP port forwarder.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/dantte-lp/tinyportmapper/internal/config"
	"github.com/dantte-lp/tinyportmapper/internal/metrics"
	"github.com/dantte-lp/tinyportmapper/internal/netutil"
	"github.com/dantte-lp/tinyportmapper/internal/reactor"
	"github.com/dantte-lp/tinyportmapper/internal/tcpconn"
	"github.com/dantte-lp/tinyportmapper/internal/udpsess"
	appversion "github.com/dantte-lp/tinyportmapper/internal/version"
)

// shutdownTimeout is the maximum time to wait for the metrics HTTP
// server to drain active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

// acceptBacklog is the TCP listen() backlog.
const acceptBacklog = 1024

func main() {
	os.Exit(run())
}

// cliOverrides holds the flag values a user may pass on the command
// line, layered on top of the file+env configuration loaded by
// config.Load (spec §6: "single root command with flags for every
// CLI-surfaced field").
type cliOverrides struct {
	configPath string
	check      bool

	listen       string
	remote       string
	enableTCP    bool
	enableUDP    bool
	fwdType      string
	bufferSizeKB int
	iface        string
	fragment     bool
	tcpTimeout   time.Duration
	udpTimeout   time.Duration
	maxConns     int
	sweepRatio   int
	sweepMin     int
	logLevel     string
	logFormat    string
	metricsAddr  string
	metricsPath  string
}

func run() int {
	var cli cliOverrides

	rootCmd := &cobra.Command{
		Use:   "tinyportmapper",
		Short: "A user-space TCP/UDP port forwarder",
		Long:  "tinyportmapper accepts connections and datagrams on a listen endpoint and relays them to a fixed remote endpoint via a single-threaded epoll reactor.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd, cli)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.Flags()
	flags.StringVar(&cli.configPath, "config", "", "path to configuration file (YAML)")
	flags.BoolVar(&cli.check, "check", false, "load and validate the configuration, then exit without forwarding")
	flags.StringVar(&cli.listen, "listen", "", "listen endpoint, e.g. :3322 or 127.0.0.1:3322")
	flags.StringVar(&cli.remote, "remote", "", "remote endpoint, e.g. 127.0.0.1:5201")
	flags.BoolVar(&cli.enableTCP, "tcp", false, "forward TCP traffic")
	flags.BoolVar(&cli.enableUDP, "udp", false, "forward UDP traffic")
	flags.StringVar(&cli.fwdType, "fwd-type", "", "address-family translation: normal, 4to6, 6to4")
	flags.IntVar(&cli.bufferSizeKB, "buffer-size-kb", 0, "per-socket buffer size in KiB (10-10240)")
	flags.StringVar(&cli.iface, "interface", "", "bind outbound sockets to this network interface (Linux only)")
	flags.BoolVar(&cli.fragment, "fragment", false, "use full-size (65535 byte) UDP receive buffers")
	flags.DurationVar(&cli.tcpTimeout, "tcp-timeout", 0, "TCP idle timeout")
	flags.DurationVar(&cli.udpTimeout, "udp-timeout", 0, "UDP idle timeout")
	flags.IntVar(&cli.maxConns, "max-connections", 0, "maximum combined TCP connections + UDP sessions")
	flags.IntVar(&cli.sweepRatio, "sweep-ratio", 0, "per-sweep eviction quota divisor")
	flags.IntVar(&cli.sweepMin, "sweep-min", 0, "per-sweep eviction quota floor")
	flags.StringVar(&cli.logLevel, "log-level", "", "never, fatal, error, warn, info, debug, trace")
	flags.StringVar(&cli.logFormat, "log-format", "", "json or text")
	flags.StringVar(&cli.metricsAddr, "metrics-addr", "", "metrics HTTP listen address")
	flags.StringVar(&cli.metricsPath, "metrics-path", "", "metrics HTTP path")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(*cobra.Command, []string) error {
			fmt.Println(appversion.Full("tinyportmapper"))
			return nil
		},
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return exitCode
}

// exitCode carries the process exit status out of RunE, since cobra
// itself only distinguishes error/no-error (spec §6: "Process exit
// code: 0 on orderly shutdown, non-zero on fatal configuration or
// listener-bind error").
var exitCode int

func runDaemon(cmd *cobra.Command, cli cliOverrides) error {
	cfg, err := config.Load(cli.configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()))
		exitCode = 1
		return nil
	}
	applyOverrides(cfg, cmd, cli)

	if err := config.Validate(cfg); err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("invalid configuration",
			slog.String("error", err.Error()))
		exitCode = 1
		return nil
	}

	if cli.check {
		fmt.Println("configuration OK")
		exitCode = 0
		return nil
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("tinyportmapper starting",
		slog.String("version", appversion.Version),
		slog.String("listen", cfg.Forward.Listen),
		slog.String("remote", cfg.Forward.Remote),
		slog.Bool("tcp", cfg.Forward.EnableTCP),
		slog.Bool("udp", cfg.Forward.EnableUDP),
	)

	// SIGPIPE on a send to a peer that has reset the connection must
	// not terminate the process (spec §6 "SIGPIPE ignored").
	signal.Ignore(syscall.SIGPIPE)

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	if err := runServers(cfg, collector, reg, logger); err != nil {
		logger.Error("tinyportmapper exited with error", slog.String("error", err.Error()))
		exitCode = 1
		return nil
	}

	logger.Info("tinyportmapper stopped")
	exitCode = 0
	return nil
}

// applyOverrides layers flags the user actually passed on top of the
// file+env configuration; unset flags leave the loaded value in place.
func applyOverrides(cfg *config.Config, cmd *cobra.Command, cli cliOverrides) {
	changed := cmd.Flags().Changed

	if changed("listen") {
		cfg.Forward.Listen = cli.listen
	}
	if changed("remote") {
		cfg.Forward.Remote = cli.remote
	}
	if changed("tcp") {
		cfg.Forward.EnableTCP = cli.enableTCP
	}
	if changed("udp") {
		cfg.Forward.EnableUDP = cli.enableUDP
	}
	if changed("fwd-type") {
		cfg.Forward.FwdType = cli.fwdType
	}
	if changed("buffer-size-kb") {
		cfg.Forward.BufferSizeKB = cli.bufferSizeKB
	}
	if changed("interface") {
		cfg.Forward.Interface = cli.iface
	}
	if changed("fragment") {
		cfg.Forward.Fragment = cli.fragment
	}
	if changed("tcp-timeout") {
		cfg.Limits.TCPTimeout = cli.tcpTimeout
	}
	if changed("udp-timeout") {
		cfg.Limits.UDPTimeout = cli.udpTimeout
	}
	if changed("max-connections") {
		cfg.Limits.MaxConnections = cli.maxConns
	}
	if changed("sweep-ratio") {
		cfg.Limits.SweepRatio = cli.sweepRatio
	}
	if changed("sweep-min") {
		cfg.Limits.SweepMin = cli.sweepMin
	}
	if changed("log-level") {
		cfg.Log.Level = cli.logLevel
	}
	if changed("log-format") {
		cfg.Log.Format = cli.logFormat
	}
	if changed("metrics-addr") {
		cfg.Metrics.Addr = cli.metricsAddr
	}
	if changed("metrics-path") {
		cfg.Metrics.Path = cli.metricsPath
	}
}

// runServers binds the listener sockets, builds the reactor, and runs
// it alongside the metrics HTTP server using an errgroup with a
// signal-aware context for graceful shutdown (spec §6 "SIGINT and
// SIGTERM set the shutdown flag").
func runServers(cfg *config.Config, collector *metrics.Collector, reg *prometheus.Registry, logger *slog.Logger) error {
	listen, err := cfg.ListenEndpoint()
	if err != nil {
		return fmt.Errorf("listen endpoint: %w", err)
	}
	remote, err := cfg.RemoteEndpoint()
	if err != nil {
		return fmt.Errorf("remote endpoint: %w", err)
	}
	fwdType, err := cfg.FwdTypeValue()
	if err != nil {
		return fmt.Errorf("fwd type: %w", err)
	}

	var tcpListenerFD, udpListenerFD int
	if cfg.Forward.EnableTCP {
		tcpListenerFD, err = netutil.ListenTCP(listen.IP(), listen.Port(), acceptBacklog)
		if err != nil {
			return fmt.Errorf("bind tcp listener: %w", err)
		}
		defer func() { _ = unix.Close(tcpListenerFD) }()
	}
	if cfg.Forward.EnableUDP {
		udpListenerFD, err = netutil.ListenUDP(listen.IP(), listen.Port())
		if err != nil {
			return fmt.Errorf("bind udp listener: %w", err)
		}
		defer func() { _ = unix.Close(udpListenerFD) }()
	}

	bufSize := cfg.BufferSizeBytes()

	loop, err := reactor.New(reactor.Config{
		TCPListenerFD: tcpListenerFD,
		UDPListenerFD: udpListenerFD,
		TCP: tcpconn.Config{
			Remote:        remote,
			FwdType:       fwdType,
			BufferSize:    bufSize,
			BindInterface: cfg.Forward.Interface,
		},
		UDP: udpsess.Config{
			Remote:        remote,
			FwdType:       fwdType,
			BufferSize:    bufSize,
			Fragment:      cfg.Forward.Fragment,
			BindInterface: cfg.Forward.Interface,
		},
		TCPTimeout:     cfg.Limits.TCPTimeout,
		UDPTimeout:     cfg.Limits.UDPTimeout,
		SweepRatio:     cfg.Limits.SweepRatio,
		SweepMin:       cfg.Limits.SweepMin,
		MaxConnections: cfg.Limits.MaxConnections,
		StatsInterval:  cfg.Metrics.StatsInterval,
		Logger:         logger,
		TCPMetrics:     collector,
		UDPMetrics:     collector,
		OnStats: func(s reactor.Stats) {
			logger.Info("forwarder stats",
				slog.Int("tcp_connections", s.TCPConnections),
				slog.Int("udp_sessions", s.UDPSessions),
			)
		},
	})
	if err != nil {
		return fmt.Errorf("build reactor: %w", err)
	}

	metricsSrv := newMetricsServer(cfg.Metrics, reg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return loop.Run(gCtx)
	})

	g.Go(func() error {
		return listenAndServeMetrics(gCtx, metricsSrv, cfg.Metrics.Addr)
	})

	notifyReady(logger)
	g.Go(func() error {
		return runWatchdog(gCtx, logger)
	})

	g.Go(func() error {
		<-gCtx.Done()
		loop.RequestShutdown()
		return shutdownMetricsServer(metricsSrv, logger)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run servers: %w", err)
	}
	return nil
}

func shutdownMetricsServer(srv *http.Server, logger *slog.Logger) error {
	notifyStopping(logger)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown metrics server: %w", err)
	}
	return nil
}

func listenAndServeMetrics(ctx context.Context, srv *http.Server, address string) error {
	_ = ctx
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve metrics on %s: %w", address, err)
	}
	return nil
}

func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// -------------------------------------------------------------------------
// Systemd Integration — sd_notify + watchdog
// -------------------------------------------------------------------------

func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

// runWatchdog sends periodic watchdog keepalives to systemd, at half
// the configured watchdog interval. No-op when the watchdog is not
// configured.
func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog", slog.String("error", err.Error()))
		return nil
	}
	if interval == 0 {
		return nil
	}

	tickInterval := interval / 2
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				logger.Warn("failed to send watchdog keepalive", slog.String("error", err.Error()))
			}
		}
	}
}

// newLoggerWithLevel creates a structured logger using a shared
// LevelVar (spec §6 seven-level taxonomy via config.ParseLogLevel).
func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
