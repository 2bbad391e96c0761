package collector

import (
	"context"
	"log/slog"

	"github.com/godbus/dbus/v5"
)

const (
	logindInterface   = "org.freedesktop.login1.Manager"
	prepareForSleep   = logindInterface + ".PrepareForSleep"
	sleepSignalMember = "PrepareForSleep"
)

// SleepMonitor watches systemd-logind for resume from suspend. Counter deltas
// that span a suspend are still valid averages, but the dashboard should not
// wait a full period for fresh data after resume, so the daemon samples
// immediately on each wake notification.
type SleepMonitor struct {
	conn    *dbus.Conn
	signals chan *dbus.Signal
	wake    chan struct{}
	log     *slog.Logger
}

// NewSleepMonitor subscribes to PrepareForSleep on the system bus. The monitor
// stops when ctx is cancelled.
func NewSleepMonitor(ctx context.Context, logger *slog.Logger) (*SleepMonitor, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, err
	}
	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface(logindInterface),
		dbus.WithMatchMember(sleepSignalMember),
	); err != nil {
		conn.Close()
		return nil, err
	}

	m := &SleepMonitor{
		conn:    conn,
		signals: make(chan *dbus.Signal, 16),
		wake:    make(chan struct{}, 1),
		log:     logger,
	}
	conn.Signal(m.signals)
	go m.listen(ctx)
	return m, nil
}

// Wake receives a value each time the system resumes. Wakes that arrive while
// a previous one is still pending are coalesced.
func (m *SleepMonitor) Wake() <-chan struct{} {
	return m.wake
}

func (m *SleepMonitor) listen(ctx context.Context) {
	defer m.conn.Close()
	defer m.conn.RemoveSignal(m.signals)

	for {
		select {
		case sig := <-m.signals:
			if sig == nil || sig.Name != prepareForSleep || len(sig.Body) < 1 {
				continue
			}
			sleeping, ok := sig.Body[0].(bool)
			if !ok {
				continue
			}
			if sleeping {
				m.log.Info("system going to sleep")
				continue
			}
			m.log.Info("system woke up")
			select {
			case m.wake <- struct{}{}:
			default:
			}
		case <-ctx.Done():
			return
		}
	}
}
