package monitor

import (
	"log/slog"
	"time"

	"github.com/cptspacemanspiff/vitals-monitor/internal/collector"
)

// LiveUpdate is the per-sample payload pushed to live consumers. Disk fields
// describe the primary volume.
type LiveUpdate struct {
	Timestamp       time.Time `json:"timestamp"`
	CPUPercent      float64   `json:"cpu_percent"`
	MemTotalGB      float64   `json:"mem_total_gb"`
	MemUsedGB       float64   `json:"mem_used_gb"`
	MemAvailableGB  float64   `json:"mem_available_gb"`
	DiskTotalGB     float64   `json:"disk_total_gb"`
	DiskUsedGB      float64   `json:"disk_used_gb"`
	DiskAvailableGB float64   `json:"disk_available_gb"`
	UploadKbps      float64   `json:"upload_kbps"`
	DownloadKbps    float64   `json:"download_kbps"`
}

// NewLiveUpdate projects a sample onto the live-update fields.
func NewLiveUpdate(s collector.VitalsSample) LiveUpdate {
	disk := s.PrimaryDisk()
	return LiveUpdate{
		Timestamp:       s.Timestamp,
		CPUPercent:      s.CPUUsagePercent,
		MemTotalGB:      s.MemoryTotalGB,
		MemUsedGB:       s.MemoryUsedGB,
		MemAvailableGB:  s.MemoryAvailableGB,
		DiskTotalGB:     disk.TotalGB,
		DiskUsedGB:      disk.UsedGB,
		DiskAvailableGB: disk.AvailableGB(),
		UploadKbps:      s.UploadKbps,
		DownloadKbps:    s.DownloadKbps,
	}
}

// Sink consumes live updates. Publish is never called concurrently by the
// Monitor, and may block without delaying sampling.
type Sink interface {
	Publish(LiveUpdate)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(LiveUpdate)

func (f SinkFunc) Publish(u LiveUpdate) { f(u) }

// MultiSink fans one update out to every sink in order.
type MultiSink []Sink

func (m MultiSink) Publish(u LiveUpdate) {
	for _, s := range m {
		if s != nil {
			s.Publish(u)
		}
	}
}

// LogSink logs each update at Info level.
func LogSink(logger *slog.Logger) Sink {
	return SinkFunc(func(u LiveUpdate) {
		logger.Info("sample",
			"cpu_pct", round1(u.CPUPercent),
			"mem_used_gb", round2(u.MemUsedGB),
			"mem_total_gb", round2(u.MemTotalGB),
			"disk_used_gb", round2(u.DiskUsedGB),
			"up_kbps", round1(u.UploadKbps),
			"down_kbps", round1(u.DownloadKbps))
	})
}

func round1(v float64) float64 { return float64(int64(v*10+0.5)) / 10 }
func round2(v float64) float64 { return float64(int64(v*100+0.5)) / 100 }

// dispatcher delivers updates to a sink from a single goroutine. It holds at
// most one pending update; a newer update replaces an undelivered one.
type dispatcher struct {
	sink    Sink
	pending chan LiveUpdate
	stop    chan struct{}
	done    chan struct{}
	dropped func()
}

func newDispatcher(sink Sink, dropped func()) *dispatcher {
	d := &dispatcher{
		sink:    sink,
		pending: make(chan LiveUpdate, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		dropped: dropped,
	}
	go d.run()
	return d
}

// offer queues u without blocking. Only one goroutine may call offer.
func (d *dispatcher) offer(u LiveUpdate) {
	for {
		select {
		case d.pending <- u:
			return
		default:
		}
		select {
		case <-d.pending:
			if d.dropped != nil {
				d.dropped()
			}
		default:
		}
	}
}

func (d *dispatcher) run() {
	defer close(d.done)
	for {
		select {
		case <-d.stop:
			return
		case u := <-d.pending:
			d.sink.Publish(u)
		}
	}
}

// close stops delivery and waits up to grace for an in-flight Publish to
// return. It reports false if the sink was still busy; the dispatcher
// goroutine then exits on its own once Publish returns.
func (d *dispatcher) close(grace time.Duration) bool {
	close(d.stop)
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-d.done:
		return true
	case <-t.C:
		return false
	}
}
