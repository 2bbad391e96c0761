package collector

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"emperror.dev/errors"
	"github.com/c2h5oh/datasize"
)

// Sampler computes VitalsSamples by diffing fresh hardware readings against
// its Counter Store.
//
// Sample must only be called from one goroutine at a time; the counters are
// not locked. Last and Snapshot may be called concurrently with Sample.
type Sampler struct {
	hw       Hardware
	counters *Counters
	log      *slog.Logger
	now      func() time.Time

	mu   sync.RWMutex
	last VitalsSample
	has  bool
}

// NewSampler creates a Sampler and primes its counters with an initial CPU and
// network reading, so the first Sample after the minimum interval already
// reports real rates.
func NewSampler(ctx context.Context, hw Hardware, logger *slog.Logger) *Sampler {
	return newSampler(ctx, hw, logger, wallNow)
}

func newSampler(ctx context.Context, hw Hardware, logger *slog.Logger, now func() time.Time) *Sampler {
	s := &Sampler{
		hw:       hw,
		counters: NewCounters(),
		log:      logger,
		now:      now,
	}
	s.prime(ctx)
	return s
}

// wallNow strips the monotonic reading so intervals that span a suspend are
// measured in wall-clock time.
func wallNow() time.Time {
	return time.Now().Round(0)
}

func (s *Sampler) prime(ctx context.Context) {
	if ticks, err := s.hw.CPUTicks(ctx); err == nil {
		s.counters.CPULoad(s.now(), ticks)
	} else {
		s.logReadError("cpu", err)
	}
	if ifaces, err := s.hw.NetCounters(ctx); err == nil {
		s.counters.Throughput(s.now(), ifaces)
	} else {
		s.logReadError("network", err)
	}
}

// Sample reads every hardware domain and returns a new VitalsSample. A domain
// that cannot be read reports zero values; Sample itself never fails.
//
// The sample is stamped when Sample starts, but each counter is diffed against
// the instant its own read returned, so a slow read of another domain does not
// skew the rates.
func (s *Sampler) Sample(ctx context.Context) VitalsSample {
	out := VitalsSample{Timestamp: s.now()}

	if ticks, err := s.hw.CPUTicks(ctx); err == nil {
		at := s.now()
		if pct, ok := s.counters.CPULoad(at, ticks); ok {
			out.CPUUsagePercent = pct
		} else {
			out.RateWindowShort = true
			s.log.Debug("cpu rate window too short", "since", at.Sub(s.counters.Snapshot().CPUTakenAt))
		}
	} else {
		s.logReadError("cpu", err)
	}

	if temp, err := s.hw.CPUTemperature(ctx); err == nil {
		out.CPUTemperatureC = temp
	} else {
		s.logReadError("temperature", err)
	}

	if mhz, err := s.hw.CPUClockMHz(ctx); err == nil {
		out.CPUClockMHz = mhz
	} else {
		s.logReadError("clock", err)
	}

	if n, err := s.hw.ProcessCount(ctx); err == nil {
		out.ProcessCount = n
	} else {
		s.logReadError("processes", err)
	}

	if m, err := s.hw.Memory(ctx); err == nil {
		avail := min(m.AvailableBytes, m.TotalBytes)
		out.MemoryTotalGB = gigabytes(m.TotalBytes)
		out.MemoryAvailableGB = gigabytes(avail)
		out.MemoryUsedGB = gigabytes(m.TotalBytes - avail)
	} else {
		s.logReadError("memory", err)
	}

	volumes, err := s.hw.Volumes(ctx)
	if err != nil {
		s.logReadError("disk", err)
	}
	out.Disks = diskEntries(volumes)

	if ifaces, err := s.hw.NetCounters(ctx); err == nil {
		at := s.now()
		if up, down, ok := s.counters.Throughput(at, ifaces); ok {
			out.UploadKbps, out.DownloadKbps = up, down
		} else {
			s.log.Debug("network rate window too short", "since", at.Sub(s.counters.Snapshot().NetTakenAt))
		}
	} else {
		s.logReadError("network", err)
	}

	s.mu.Lock()
	s.last, s.has = out, true
	s.mu.Unlock()
	return out
}

// Last returns the most recent sample. ok is false before the first Sample.
func (s *Sampler) Last() (VitalsSample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	last := s.last
	last.Disks = append([]DiskEntry(nil), s.last.Disks...)
	return last, s.has
}

// Snapshot returns the export map built from the most recent sample.
func (s *Sampler) Snapshot() (map[string]string, bool) {
	last, ok := s.Last()
	if !ok {
		return nil, false
	}
	return Snapshot(last), true
}

func (s *Sampler) logReadError(domain string, err error) {
	if errors.Is(err, ErrSensorUnavailable) {
		s.log.Debug("sensor unavailable", "domain", domain, "err", err)
		return
	}
	s.log.Warn("hardware read failed", "domain", domain, "err", err)
}

// diskEntries converts volume readings, synthesizing a zeroed placeholder when
// none were found so consumers always see at least one disk.
func diskEntries(volumes []VolumeReading) []DiskEntry {
	if len(volumes) == 0 {
		return []DiskEntry{{VolumeID: rootVolume}}
	}
	out := make([]DiskEntry, 0, len(volumes))
	for _, v := range volumes {
		usable := min(v.UsableBytes, v.TotalBytes)
		out = append(out, DiskEntry{
			VolumeID: v.Mountpoint,
			UsedGB:   gigabytes(v.TotalBytes - usable),
			TotalGB:  gigabytes(v.TotalBytes),
		})
	}
	return out
}

func gigabytes(b uint64) float64 {
	return datasize.ByteSize(b).GBytes()
}
