package collector

import (
	"context"
	"strings"
	"time"

	"emperror.dev/errors"
	"github.com/jellydator/ttlcache/v3"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	psnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
)

const (
	// ErrSensorUnavailable is returned when the host has no such sensor.
	ErrSensorUnavailable = errors.Sentinel("sensor unavailable")
	// ErrReadTimeout is returned when a hardware read does not finish in time.
	ErrReadTimeout = errors.Sentinel("hardware read timed out")
)

const (
	rootVolume       = "/"
	clockSpeedKey    = "clock_mhz"
	clockSpeedMaxAge = 10 * time.Minute
)

// Hardware is the source of raw host readings consumed by the Sampler.
type Hardware interface {
	CPUTicks(ctx context.Context) (CPUTicks, error)
	CPUTemperature(ctx context.Context) (float64, error)
	CPUClockMHz(ctx context.Context) (float64, error)
	ProcessCount(ctx context.Context) (int, error)
	Memory(ctx context.Context) (MemoryReading, error)
	Volumes(ctx context.Context) ([]VolumeReading, error)
	NetCounters(ctx context.Context) ([]InterfaceCounters, error)
}

// cpuSensorPrefixes lists temperature sensor keys that describe the CPU
// package, most specific first.
var cpuSensorPrefixes = []string{
	"coretemp_package",
	"k10temp_tctl",
	"k10temp_tdie",
	"zenpower_tdie",
	"cpu_thermal",
	"coretemp",
	"k10temp",
	"acpitz",
}

// skippedFstypes are read-only image mounts that are not real volumes.
var skippedFstypes = map[string]bool{
	"squashfs": true,
	"iso9660":  true,
}

// HostHardware reads the local host through gopsutil. Every read is bounded by
// readTimeout so a stuck sensor cannot stall sampling.
type HostHardware struct {
	readTimeout time.Duration
	clockCache  *ttlcache.Cache[string, float64]
}

// NewHostHardware creates a HostHardware with the given per-read timeout.
func NewHostHardware(readTimeout time.Duration) *HostHardware {
	if readTimeout <= 0 {
		readTimeout = 1500 * time.Millisecond
	}
	return &HostHardware{
		readTimeout: readTimeout,
		clockCache: ttlcache.New[string, float64](
			ttlcache.WithTTL[string, float64](clockSpeedMaxAge),
		),
	}
}

// CPUTicks returns the aggregate tick vector across all cores.
func (h *HostHardware) CPUTicks(ctx context.Context) (CPUTicks, error) {
	times, err := bounded(ctx, h.readTimeout, func(ctx context.Context) ([]cpu.TimesStat, error) {
		return cpu.TimesWithContext(ctx, false)
	})
	if err != nil {
		return CPUTicks{}, errors.Wrap(err, "read cpu times")
	}
	if len(times) == 0 {
		return CPUTicks{}, errors.Wrap(ErrSensorUnavailable, "no cpu times")
	}
	t := times[0]
	return CPUTicks{
		User:    t.User,
		Nice:    t.Nice,
		System:  t.System,
		Idle:    t.Idle,
		IOWait:  t.Iowait,
		IRQ:     t.Irq,
		SoftIRQ: t.Softirq,
		Steal:   t.Steal,
	}, nil
}

// CPUTemperature returns the CPU package temperature in degrees Celsius.
func (h *HostHardware) CPUTemperature(ctx context.Context) (float64, error) {
	temps, err := bounded(ctx, h.readTimeout, func(ctx context.Context) ([]host.TemperatureStat, error) {
		return host.SensorsTemperaturesWithContext(ctx)
	})
	// gopsutil returns partial results together with a warning error.
	if len(temps) == 0 {
		if err != nil {
			return 0, errors.Wrap(err, "read temperatures")
		}
		return 0, errors.Wrap(ErrSensorUnavailable, "no temperature sensors")
	}
	if t, ok := pickCPUTemperature(temps); ok {
		return t, nil
	}
	return 0, errors.Wrap(ErrSensorUnavailable, "no cpu temperature sensor")
}

func pickCPUTemperature(temps []host.TemperatureStat) (float64, bool) {
	for _, prefix := range cpuSensorPrefixes {
		for _, t := range temps {
			if strings.HasPrefix(strings.ToLower(t.SensorKey), prefix) && t.Temperature > 0 {
				return t.Temperature, true
			}
		}
	}
	return 0, false
}

// CPUClockMHz returns the processor's rated clock speed. The value is static
// for the life of the host, so it is cached.
func (h *HostHardware) CPUClockMHz(ctx context.Context) (float64, error) {
	if item := h.clockCache.Get(clockSpeedKey); item != nil {
		return item.Value(), nil
	}
	infos, err := bounded(ctx, h.readTimeout, func(ctx context.Context) ([]cpu.InfoStat, error) {
		return cpu.InfoWithContext(ctx)
	})
	if err != nil {
		return 0, errors.Wrap(err, "read cpu info")
	}
	var mhz float64
	for _, info := range infos {
		mhz = max(mhz, info.Mhz)
	}
	if mhz == 0 {
		return 0, errors.Wrap(ErrSensorUnavailable, "no cpu clock speed")
	}
	h.clockCache.Set(clockSpeedKey, mhz, ttlcache.DefaultTTL)
	return mhz, nil
}

// ProcessCount returns the number of running processes.
func (h *HostHardware) ProcessCount(ctx context.Context) (int, error) {
	pids, err := bounded(ctx, h.readTimeout, process.PidsWithContext)
	if err != nil {
		return 0, errors.Wrap(err, "list processes")
	}
	return len(pids), nil
}

// Memory returns total and available physical memory.
func (h *HostHardware) Memory(ctx context.Context) (MemoryReading, error) {
	vm, err := bounded(ctx, h.readTimeout, mem.VirtualMemoryWithContext)
	if err != nil {
		return MemoryReading{}, errors.Wrap(err, "read virtual memory")
	}
	return MemoryReading{TotalBytes: vm.Total, AvailableBytes: vm.Available}, nil
}

// Volumes returns capacity readings for every fixed local volume. A volume
// whose usage cannot be read is skipped.
func (h *HostHardware) Volumes(ctx context.Context) ([]VolumeReading, error) {
	parts, err := bounded(ctx, h.readTimeout, func(ctx context.Context) ([]disk.PartitionStat, error) {
		return disk.PartitionsWithContext(ctx, false)
	})
	if err != nil {
		return nil, errors.Wrap(err, "list partitions")
	}

	seen := make(map[string]bool, len(parts))
	var volumes []VolumeReading
	var errs []error
	for _, p := range parts {
		if seen[p.Mountpoint] || skippedFstypes[p.Fstype] || strings.HasPrefix(p.Device, "/dev/loop") {
			continue
		}
		seen[p.Mountpoint] = true

		usage, err := bounded(ctx, h.readTimeout, func(ctx context.Context) (*disk.UsageStat, error) {
			return disk.UsageWithContext(ctx, p.Mountpoint)
		})
		if err != nil {
			errs = append(errs, errors.WithDetails(errors.Wrap(err, "read volume usage"), "mountpoint", p.Mountpoint))
			continue
		}
		volumes = append(volumes, VolumeReading{
			Mountpoint:  p.Mountpoint,
			TotalBytes:  usage.Total,
			UsableBytes: usage.Free,
		})
	}
	if len(volumes) == 0 && len(errs) > 0 {
		return nil, errors.Combine(errs...)
	}
	return volumes, nil
}

// NetCounters returns per-interface byte counters.
func (h *HostHardware) NetCounters(ctx context.Context) ([]InterfaceCounters, error) {
	stats, err := bounded(ctx, h.readTimeout, func(ctx context.Context) ([]psnet.IOCountersStat, error) {
		return psnet.IOCountersWithContext(ctx, true)
	})
	if err != nil {
		return nil, errors.Wrap(err, "read network counters")
	}
	out := make([]InterfaceCounters, 0, len(stats))
	for _, s := range stats {
		out = append(out, InterfaceCounters{Name: s.Name, BytesSent: s.BytesSent, BytesRecv: s.BytesRecv})
	}
	return out, nil
}

// bounded runs read with a deadline. gopsutil does not honour the context for
// every file read, so the call runs on its own goroutine and is abandoned when
// the deadline passes.
func bounded[T any](ctx context.Context, timeout time.Duration, read func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		val T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := read(ctx)
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		return r.val, r.err
	case <-ctx.Done():
		var zero T
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, errors.WithDetails(ErrReadTimeout, "timeout", timeout)
		}
		return zero, ctx.Err()
	}
}
