// Package monitor drives periodic sampling: each period it takes one sample,
// pushes it to the live sink and appends it to the historical store.
package monitor

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"emperror.dev/errors"

	"github.com/cptspacemanspiff/vitals-monitor/internal/collector"
)

// ErrAlreadyRunning is returned by Run when the loop is already active.
const ErrAlreadyRunning = errors.Sentinel("monitor already running")

const (
	DefaultInterval      = 2 * time.Second
	DefaultJumpThreshold = 15 * time.Second

	// DefaultSinkGrace bounds how long Run waits for an in-flight Publish
	// after cancellation.
	DefaultSinkGrace = 2 * time.Second
)

// State is the lifecycle state of a Monitor.
type State int32

const (
	Idle State = iota
	Running
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	default:
		return "unknown"
	}
}

// Sampler produces one sample per call.
type Sampler interface {
	Sample(ctx context.Context) collector.VitalsSample
}

// Store persists the CPU and memory columns of a sample.
type Store interface {
	Append(ctx context.Context, cpuUsage, memUsed, memTotal, memAvailable float64, ts time.Time) (int64, error)
}

// Options tunes a Monitor. Zero values select the defaults.
type Options struct {
	Interval      time.Duration
	JumpThreshold time.Duration
	SinkGrace     time.Duration
}

// Monitor runs the sampling loop.
type Monitor struct {
	sampler Sampler
	store   Store
	sink    Sink
	log     *slog.Logger

	jumpThreshold time.Duration
	sinkGrace     time.Duration

	state    atomic.Int32
	interval atomic.Int64
	reset    chan struct{}
	trigger  chan struct{}
	dropped  atomic.Uint64
}

// New creates an idle Monitor. A nil sink discards live updates.
func New(sampler Sampler, store Store, sink Sink, logger *slog.Logger, opts Options) *Monitor {
	if sink == nil {
		sink = MultiSink(nil)
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.JumpThreshold <= 0 {
		opts.JumpThreshold = DefaultJumpThreshold
	}
	if opts.SinkGrace <= 0 {
		opts.SinkGrace = DefaultSinkGrace
	}
	m := &Monitor{
		sampler:       sampler,
		store:         store,
		sink:          sink,
		log:           logger,
		jumpThreshold: opts.JumpThreshold,
		sinkGrace:     opts.SinkGrace,
		reset:         make(chan struct{}, 1),
		trigger:       make(chan struct{}, 1),
	}
	m.interval.Store(int64(opts.Interval))
	return m
}

// State reports whether Run is active.
func (m *Monitor) State() State {
	return State(m.state.Load())
}

// Interval returns the current sampling period.
func (m *Monitor) Interval() time.Duration {
	return time.Duration(m.interval.Load())
}

// DroppedUpdates counts live updates replaced before the sink consumed them.
func (m *Monitor) DroppedUpdates() uint64 {
	return m.dropped.Load()
}

// SetInterval changes the sampling period. A running loop restarts its
// ticker with the new period. Non-positive values are ignored.
func (m *Monitor) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	if time.Duration(m.interval.Swap(int64(d))) == d {
		return
	}
	select {
	case m.reset <- struct{}{}:
	default:
	}
}

// Trigger requests an immediate sample. Requests made while one is pending
// are coalesced.
func (m *Monitor) Trigger() {
	select {
	case m.trigger <- struct{}{}:
	default:
	}
}

// Run samples immediately and then once per interval until ctx is
// cancelled, at which point it returns nil. A sink still publishing after
// cancellation is given the sink grace period and then abandoned.
func (m *Monitor) Run(ctx context.Context) error {
	if !m.state.CompareAndSwap(int32(Idle), int32(Running)) {
		return ErrAlreadyRunning
	}
	defer m.state.Store(int32(Idle))

	disp := newDispatcher(m.sink, func() { m.dropped.Add(1) })
	defer func() {
		if !disp.close(m.sinkGrace) {
			m.log.Warn("live sink still publishing, abandoning delivery", "grace", m.sinkGrace)
		}
	}()

	period := m.Interval()
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	m.log.Info("monitor started", "interval", period)
	var last time.Time
	for ctx.Err() == nil {
		last = m.step(ctx, disp, last)
		if !m.wait(ctx, ticker, &period) {
			break
		}
	}
	m.log.Info("monitor stopped")
	return nil
}

// wait blocks until the next tick or trigger, applying interval changes as
// they arrive. It returns false when ctx is done.
func (m *Monitor) wait(ctx context.Context, ticker *time.Ticker, period *time.Duration) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			return true
		case <-m.trigger:
			m.log.Debug("sample triggered")
			ticker.Reset(*period)
			return true
		case <-m.reset:
			*period = m.Interval()
			ticker.Reset(*period)
			m.log.Info("sampling interval changed", "interval", *period)
		}
	}
}

func (m *Monitor) step(ctx context.Context, disp *dispatcher, last time.Time) time.Time {
	s := m.sampler.Sample(ctx)
	if !last.IsZero() {
		gap := s.Timestamp.Sub(last)
		switch {
		case gap > m.jumpThreshold:
			m.log.Info("wall-clock jump detected", "gap_secs", int(gap.Seconds()))
		case gap < 0:
			m.log.Warn("wall clock moved backwards", "gap_secs", int(gap.Seconds()))
		}
	}

	disp.offer(NewLiveUpdate(s))

	// Only measured CPU loads are stored.
	if s.RateWindowShort {
		m.log.Debug("cpu rate unavailable, sample not persisted", "timestamp", s.Timestamp)
		return s.Timestamp
	}
	if _, err := m.store.Append(ctx, s.CPUUsagePercent, s.MemoryUsedGB, s.MemoryTotalGB, s.MemoryAvailableGB, s.Timestamp); err != nil {
		if ctx.Err() == nil {
			m.log.Error("persist sample", "err", errors.WithDetails(err, "timestamp", s.Timestamp))
		}
	}
	return s.Timestamp
}
