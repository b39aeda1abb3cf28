//go:build linux

package reactor

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/dantte-lp/tinyportmapper/internal/handle"
	"github.com/dantte-lp/tinyportmapper/internal/pollctl"
	"github.com/dantte-lp/tinyportmapper/internal/tcpconn"
	"github.com/dantte-lp/tinyportmapper/internal/udpsess"
)

// pollTimeout is the timer quantum the main loop blocks for per
// iteration (spec §4.5: "Block in poll with a timeout of 400 ms").
const pollTimeout = 400 * time.Millisecond

// sweepInterval is the periodic timer cadence checked after each drain
// of readiness events (spec §4.5). defaultStatsInterval is the
// statistics cadence used when Config.StatsInterval is left zero (spec
// §6: "Periodic statistics line every 10 s").
const (
	sweepInterval        = 400 * time.Millisecond
	defaultStatsInterval = 10 * time.Second
)

// Stats is a snapshot reported on the statistics cadence: the current
// TCP connection count and UDP session count. It carries no byte
// totals; bytes forwarded per direction are counted only by the
// TCPMetrics/UDPMetrics implementations.
type Stats struct {
	TCPConnections int
	UDPSessions    int
}

// Loop is the single-threaded reactor: it owns the epoll instance,
// the TCP and UDP handlers, and the tables they operate on, and
// drives readiness dispatch plus the sweep/statistics timers (spec
// §4.5).
type Loop struct {
	poller  *Poller
	handles *handle.Registry

	tcpTable   *tcpconn.Table
	tcpHandler *tcpconn.Handler
	udpTable   *udpsess.Table
	udpHandler *udpsess.Handler

	tcpListenerFD int // 0 if TCP forwarding is disabled
	udpListenerFD int // 0 if UDP forwarding is disabled
	udpListenerH  handle.Handle

	maxConnections int
	statsInterval  time.Duration
	logger         *slog.Logger
	onStats        func(Stats)

	shuttingDown atomic.Bool
}

// Config collects everything needed to construct a Loop: both
// listener sockets (already bound and listening/bound by the caller —
// spec §1 treats bind/socket-option setup as an external collaborator),
// and the forwarding parameters for each protocol.
type Config struct {
	TCPListenerFD int
	UDPListenerFD int

	TCP tcpconn.Config
	UDP udpsess.Config

	TCPTimeout     time.Duration
	UDPTimeout     time.Duration
	SweepRatio     int
	SweepMin       int
	MaxConnections int

	// StatsInterval is the cadence of OnStats callbacks. Zero selects
	// defaultStatsInterval (spec §6: "every 10 s").
	StatsInterval time.Duration

	Logger     *slog.Logger
	TCPMetrics tcpconn.Metrics
	UDPMetrics udpsess.Metrics
	OnStats    func(Stats)
}

// New builds a Loop ready to Run. At least one of TCPListenerFD or
// UDPListenerFD must be non-zero.
func New(cfg Config) (*Loop, error) {
	poller, err := NewPoller()
	if err != nil {
		return nil, fmt.Errorf("create poller: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	statsInterval := cfg.StatsInterval
	if statsInterval <= 0 {
		statsInterval = defaultStatsInterval
	}

	l := &Loop{
		poller:         poller,
		handles:        handle.New(),
		tcpTable:       tcpconn.New(cfg.TCPTimeout, cfg.SweepRatio, cfg.SweepMin),
		udpTable:       udpsess.New(cfg.UDPTimeout, cfg.SweepRatio, cfg.SweepMin),
		tcpListenerFD:  cfg.TCPListenerFD,
		udpListenerFD:  cfg.UDPListenerFD,
		maxConnections: cfg.MaxConnections,
		statsInterval:  statsInterval,
		logger:         logger,
		onStats:        cfg.OnStats,
	}

	l.tcpHandler = &tcpconn.Handler{
		Table:      l.tcpTable,
		Handles:    l.handles,
		Poller:     poller,
		Config:     cfg.TCP,
		Logger:     logger.With(slog.String("component", "tcp")),
		Metrics:    cfg.TCPMetrics,
		AtCapacity: l.atCapacity,
	}
	l.udpHandler = &udpsess.Handler{
		Table:      l.udpTable,
		Handles:    l.handles,
		Poller:     poller,
		Config:     cfg.UDP,
		Logger:     logger.With(slog.String("component", "udp")),
		Metrics:    cfg.UDPMetrics,
		AtCapacity: l.atCapacity,
	}

	now := time.Now()
	if l.tcpListenerFD != 0 {
		if err := poller.Register(l.tcpListenerFD, pollctl.TCPListener, true, false); err != nil {
			return nil, fmt.Errorf("register tcp listener: %w", err)
		}
	}
	if l.udpListenerFD != 0 {
		l.udpListenerH = l.handles.Mint(l.udpListenerFD, now)
		if err := poller.Register(l.udpListenerFD, pollctl.UDPListener, true, false); err != nil {
			return nil, fmt.Errorf("register udp listener: %w", err)
		}
	}

	return l, nil
}

func (l *Loop) atCapacity() bool {
	if l.maxConnections <= 0 {
		return false
	}
	return l.tcpTable.Len()+l.udpTable.Len() >= l.maxConnections
}

// RequestShutdown sets the shutdown flag the main loop checks between
// poll iterations (spec §5: "a separate helper thread that sets a
// process-wide 'about to exit' flag"). Safe to call from a signal
// handler goroutine.
func (l *Loop) RequestShutdown() {
	l.shuttingDown.Store(true)
}

// Run blocks, driving the reactor until ctx is cancelled or
// RequestShutdown is called, then performs orderly teardown and
// returns (spec §4.5 step 4).
func (l *Loop) Run(ctx context.Context) error {
	defer l.poller.Close()

	evbuf := make([]unix.EpollEvent, 256)
	lastSweep := time.Now()
	lastStats := time.Now()

	for {
		if ctx.Err() != nil || l.shuttingDown.Load() {
			l.teardown()
			return nil
		}

		events, err := l.poller.Wait(int(pollTimeout.Milliseconds()), evbuf)
		if err != nil {
			return fmt.Errorf("reactor poll: %w", err)
		}

		now := time.Now()
		for _, ev := range events {
			l.dispatch(ev, now)
		}

		if now.Sub(lastSweep) >= sweepInterval {
			l.tcpHandler.Sweep(now)
			l.udpHandler.Sweep(now)
			lastSweep = now
		}

		if l.onStats != nil && now.Sub(lastStats) >= l.statsInterval {
			l.onStats(Stats{
				TCPConnections: l.tcpTable.Len(),
				UDPSessions:    l.udpTable.Len(),
			})
			lastStats = now
		}
	}
}

func (l *Loop) dispatch(ev Event, now time.Time) {
	switch ev.Role {
	case pollctl.TCPListener:
		if ev.Readable {
			l.tcpHandler.OnListenerReadable(ev.FD, now)
		}
	case pollctl.TCPLocal, pollctl.TCPRemote:
		h, ok := l.handles.HandleOf(ev.FD)
		if !ok {
			return
		}
		if ev.Readable || ev.Err {
			l.tcpHandler.OnReadable(h, now)
		}
		if ev.Writable {
			l.tcpHandler.OnWritable(h, now)
		}
	case pollctl.UDPListener:
		if ev.Readable {
			l.udpHandler.OnListenerReadable(ev.FD, l.udpListenerH, now)
		}
	case pollctl.UDPRemote:
		h, ok := l.handles.HandleOf(ev.FD)
		if !ok {
			return
		}
		if ev.Readable || ev.Err {
			l.udpHandler.OnOutboundReadable(h, now)
		}
	}
}

// teardown performs the orderly shutdown sequence: stop accepting,
// destroy every live connection and session (spec §4.5 step 4).
func (l *Loop) teardown() {
	if l.tcpListenerFD != 0 {
		l.poller.Unregister(l.tcpListenerFD)
	}
	if l.udpListenerFD != 0 {
		l.poller.Unregister(l.udpListenerFD)
	}

	l.tcpHandler.DrainAll()
	l.udpHandler.DrainAll()

	l.logger.Info("reactor shutdown complete")
}
