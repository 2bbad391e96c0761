package collector

import (
	"maps"
	"time"
)

// MinRateInterval is the shortest interval over which a rate is computed.
// Readings closer together than this report a zero rate and leave the stored
// counters untouched.
const MinRateInterval = time.Second

// CounterSnapshot is a copy of the counter state held between samples.
type CounterSnapshot struct {
	CPU        CPUTicks
	CPUTakenAt time.Time
	Interfaces map[string]InterfaceCounters
	NetTakenAt time.Time
}

// Counters holds the last-seen value of each monotonically increasing hardware
// counter. It is owned by a single Sampler and is not safe for concurrent use:
// the Sampler is only ever driven by one monitor loop.
type Counters struct {
	cpu    CPUTicks
	cpuAt  time.Time
	cpuSet bool

	net    map[string]InterfaceCounters
	netAt  time.Time
	netSet bool
}

// NewCounters returns an empty counter store.
func NewCounters() *Counters {
	return &Counters{net: make(map[string]InterfaceCounters)}
}

// CPULoad returns the busy percentage between the stored tick vector and ticks.
// ok is false when no load could be computed (first reading, interval too short,
// or the clock stepped backwards).
func (c *Counters) CPULoad(now time.Time, ticks CPUTicks) (pct float64, ok bool) {
	if !c.cpuSet || now.Before(c.cpuAt) {
		c.cpu, c.cpuAt, c.cpuSet = ticks, now, true
		return 0, false
	}
	if now.Sub(c.cpuAt) < MinRateInterval {
		return 0, false
	}

	totalDelta := ticks.Total() - c.cpu.Total()
	busyDelta := ticks.Busy() - c.cpu.Busy()
	c.cpu, c.cpuAt = ticks, now
	if totalDelta <= 0 {
		return 0, true
	}
	return clamp(busyDelta/totalDelta*100, 0, 100), true
}

// Throughput returns upload and download rates in Kbps summed over every
// interface present in both the stored reading and ifaces.
func (c *Counters) Throughput(now time.Time, ifaces []InterfaceCounters) (upKbps, downKbps float64, ok bool) {
	if !c.netSet || now.Before(c.netAt) {
		c.storeNet(now, ifaces)
		return 0, 0, false
	}
	elapsed := now.Sub(c.netAt)
	if elapsed < MinRateInterval {
		return 0, 0, false
	}

	var sent, recv uint64
	for _, cur := range ifaces {
		prev, seen := c.net[cur.Name]
		if !seen {
			continue
		}
		// A counter that went backwards was reset; it contributes nothing.
		if cur.BytesSent >= prev.BytesSent {
			sent += cur.BytesSent - prev.BytesSent
		}
		if cur.BytesRecv >= prev.BytesRecv {
			recv += cur.BytesRecv - prev.BytesRecv
		}
	}
	c.storeNet(now, ifaces)

	secs := elapsed.Seconds()
	upKbps = max(0, 8*float64(sent)/secs/1024)
	downKbps = max(0, 8*float64(recv)/secs/1024)
	return upKbps, downKbps, true
}

// Snapshot returns a copy of the stored counters.
func (c *Counters) Snapshot() CounterSnapshot {
	return CounterSnapshot{
		CPU:        c.cpu,
		CPUTakenAt: c.cpuAt,
		Interfaces: maps.Clone(c.net),
		NetTakenAt: c.netAt,
	}
}

func (c *Counters) storeNet(now time.Time, ifaces []InterfaceCounters) {
	next := make(map[string]InterfaceCounters, len(ifaces))
	for _, i := range ifaces {
		next[i.Name] = i
	}
	c.net, c.netAt, c.netSet = next, now, true
}

func clamp(v, lo, hi float64) float64 {
	return min(max(v, lo), hi)
}
