package dbus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	godbus "github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	"github.com/cptspacemanspiff/vitals-monitor/internal/aggregate"
	"github.com/cptspacemanspiff/vitals-monitor/internal/collector"
	"github.com/cptspacemanspiff/vitals-monitor/internal/monitor"
	"github.com/cptspacemanspiff/vitals-monitor/internal/storage"
)

const (
	BusName    = "org.gnome.VitalsMonitor"
	ObjectPath = "/org/gnome/VitalsMonitor"
	Interface  = "org.gnome.VitalsMonitor"

	// UpdatedSignal is the fully qualified live-update signal name.
	UpdatedSignal = Interface + ".VitalsUpdated"
)

const (
	maxHistoryWindow = 366 * 24 * time.Hour
	// Buckets restart at every hour, so wider ones would still be hourly.
	maxBucketMinutes  = 60
	historyQueryLimit = 30 * time.Second
)

const introspectXML = `
<node>
  <interface name="` + Interface + `">
    <method name="GetCurrentStats">
      <arg direction="out" type="s" name="json"/>
    </method>
    <method name="GetHistory">
      <arg direction="in" type="s" name="window"/>
      <arg direction="in" type="i" name="bucket_minutes"/>
      <arg direction="out" type="s" name="json"/>
    </method>
    <method name="GetSnapshot">
      <arg direction="out" type="s" name="json"/>
    </method>
    <method name="GetWindows">
      <arg direction="out" type="s" name="json"/>
    </method>
    <signal name="VitalsUpdated">
      <arg type="x" name="timestamp_ms"/>
      <arg type="d" name="cpu_percent"/>
      <arg type="d" name="mem_total_gb"/>
      <arg type="d" name="mem_used_gb"/>
      <arg type="d" name="mem_available_gb"/>
      <arg type="d" name="disk_total_gb"/>
      <arg type="d" name="disk_used_gb"/>
      <arg type="d" name="disk_available_gb"/>
      <arg type="d" name="upload_kbps"/>
      <arg type="d" name="download_kbps"/>
    </signal>
  </interface>
` + introspect.IntrospectDataString + `
</node>`

// HistorySource answers relative-window queries.
type HistorySource interface {
	QueryWindow(ctx context.Context, window time.Duration) ([]storage.Record, error)
}

// LatestSource holds the most recent sample and its export map.
type LatestSource interface {
	Last() (collector.VitalsSample, bool)
	Snapshot() (map[string]string, bool)
}

// History is the GetHistory payload.
type History struct {
	Window        string           `json:"window"`
	BucketMinutes int              `json:"bucket_minutes"`
	Records       []storage.Record `json:"records"`
}

// Service exposes the vitals monitor over D-Bus and broadcasts live updates.
type Service struct {
	history HistorySource
	latest  LatestSource
	log     *slog.Logger

	mu            sync.Mutex
	conn          *godbus.Conn
	defaultWindow string
}

// NewService creates a new D-Bus service. defaultWindow answers GetHistory
// calls made with an empty window.
func NewService(history HistorySource, latest LatestSource, defaultWindow string, logger *slog.Logger) *Service {
	return &Service{history: history, latest: latest, log: logger, defaultWindow: defaultWindow}
}

// SetDefaultWindow replaces the window used for empty GetHistory requests.
func (s *Service) SetDefaultWindow(window string) {
	s.mu.Lock()
	s.defaultWindow = window
	s.mu.Unlock()
}

// Export registers the service on the session bus.
func (s *Service) Export() (*godbus.Conn, error) {
	conn, err := godbus.SessionBus()
	if err != nil {
		return nil, fmt.Errorf("connect session bus: %w", err)
	}

	if err := conn.Export(s, ObjectPath, Interface); err != nil {
		return nil, fmt.Errorf("export service: %w", err)
	}
	if err := conn.Export(introspect.Introspectable(introspectXML), ObjectPath, "org.freedesktop.DBus.Introspectable"); err != nil {
		return nil, fmt.Errorf("export introspection: %w", err)
	}

	reply, err := conn.RequestName(BusName, godbus.NameFlagDoNotQueue)
	if err != nil {
		return nil, fmt.Errorf("request name: %w", err)
	}
	if reply != godbus.RequestNameReplyPrimaryOwner {
		return nil, fmt.Errorf("name %s already taken", BusName)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	return conn, nil
}

// GetCurrentStats returns the latest sample as JSON.
func (s *Service) GetCurrentStats() (string, *godbus.Error) {
	sample, ok := s.latest.Last()
	if !ok {
		return "", godbus.MakeFailedError(fmt.Errorf("no sample collected yet"))
	}
	return marshal(sample)
}

// GetHistory returns the records of a relative window as JSON. An empty
// window selects the configured default. bucketMinutes of 0 returns raw
// records, a positive value averages them into buckets of that width, and a
// negative value picks a width suited to the window.
func (s *Service) GetHistory(window string, bucketMinutes int32) (string, *godbus.Error) {
	if strings.TrimSpace(window) == "" {
		s.mu.Lock()
		window = s.defaultWindow
		s.mu.Unlock()
	}
	d, err := storage.ParseWindow(window)
	if err != nil {
		return "", godbus.MakeFailedError(err)
	}
	if d > maxHistoryWindow {
		return "", godbus.MakeFailedError(fmt.Errorf("window %q exceeds %s", window, maxHistoryWindow))
	}
	if bucketMinutes > maxBucketMinutes {
		return "", godbus.MakeFailedError(fmt.Errorf("bucket_minutes must be at most %d, got %d", maxBucketMinutes, bucketMinutes))
	}

	ctx, cancel := context.WithTimeout(context.Background(), historyQueryLimit)
	defer cancel()
	records, err := s.history.QueryWindow(ctx, d)
	if err != nil {
		s.log.Error("query history", "window", window, "err", err)
		return "", godbus.MakeFailedError(err)
	}

	bucket := int(bucketMinutes)
	if bucket < 0 {
		bucket = aggregate.BucketFor(d)
	}
	if bucket > 0 {
		records = aggregate.Buckets(s.log, records, bucket)
	}

	return marshal(History{Window: window, BucketMinutes: bucket, Records: records})
}

// GetSnapshot returns the export map of the latest sample as JSON.
func (s *Service) GetSnapshot() (string, *godbus.Error) {
	snap, ok := s.latest.Snapshot()
	if !ok {
		return "", godbus.MakeFailedError(fmt.Errorf("no sample collected yet"))
	}
	return marshal(snap)
}

// GetWindows returns the preset history windows and their suggested bucket
// widths as JSON.
func (s *Service) GetWindows() (string, *godbus.Error) {
	type window struct {
		Label         string `json:"label"`
		Seconds       int64  `json:"seconds"`
		BucketMinutes int    `json:"bucket_minutes"`
	}
	out := make([]window, 0, len(storage.Windows))
	for _, w := range storage.Windows {
		out = append(out, window{
			Label:         w.Label,
			Seconds:       int64(w.Duration / time.Second),
			BucketMinutes: aggregate.BucketFor(w.Duration),
		})
	}
	return marshal(out)
}

// Publish emits VitalsUpdated for u. It does nothing until Export succeeds.
func (s *Service) Publish(u monitor.LiveUpdate) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}

	err := conn.Emit(ObjectPath, UpdatedSignal, SignalArgs(u)...)
	if err != nil {
		s.log.Warn("emit live update", "err", err)
	}
}

// SignalArgs orders u's fields as the VitalsUpdated signal body.
func SignalArgs(u monitor.LiveUpdate) []any {
	return []any{
		u.Timestamp.UnixMilli(),
		u.CPUPercent,
		u.MemTotalGB,
		u.MemUsedGB,
		u.MemAvailableGB,
		u.DiskTotalGB,
		u.DiskUsedGB,
		u.DiskAvailableGB,
		u.UploadKbps,
		u.DownloadKbps,
	}
}

// ParseSignal is the inverse of SignalArgs.
func ParseSignal(body []any) (monitor.LiveUpdate, error) {
	if len(body) != 10 {
		return monitor.LiveUpdate{}, fmt.Errorf("VitalsUpdated: want 10 values, got %d", len(body))
	}
	ms, ok := body[0].(int64)
	if !ok {
		return monitor.LiveUpdate{}, fmt.Errorf("VitalsUpdated: timestamp is %T, want int64", body[0])
	}
	var vals [9]float64
	for i := range vals {
		v, ok := body[i+1].(float64)
		if !ok {
			return monitor.LiveUpdate{}, fmt.Errorf("VitalsUpdated: value %d is %T, want float64", i+1, body[i+1])
		}
		vals[i] = v
	}
	return monitor.LiveUpdate{
		Timestamp:       time.UnixMilli(ms),
		CPUPercent:      vals[0],
		MemTotalGB:      vals[1],
		MemUsedGB:       vals[2],
		MemAvailableGB:  vals[3],
		DiskTotalGB:     vals[4],
		DiskUsedGB:      vals[5],
		DiskAvailableGB: vals[6],
		UploadKbps:      vals[7],
		DownloadKbps:    vals[8],
	}, nil
}

func marshal(v any) (string, *godbus.Error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", godbus.MakeFailedError(err)
	}
	return string(data), nil
}
