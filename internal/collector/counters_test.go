package collector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.Local)

func ticks(busy, idle float64) CPUTicks {
	return CPUTicks{User: busy, Idle: idle}
}

func TestCPULoad_FirstReadingInitializes(t *testing.T) {
	c := NewCounters()

	pct, ok := c.CPULoad(t0, ticks(100, 900))
	assert.False(t, ok)
	assert.Zero(t, pct)
	assert.Equal(t, ticks(100, 900), c.Snapshot().CPU)
}

func TestCPULoad_DeltaBetweenReadings(t *testing.T) {
	c := NewCounters()
	c.CPULoad(t0, ticks(100, 900))

	// 30 busy of 100 total ticks elapsed.
	pct, ok := c.CPULoad(t0.Add(2*time.Second), ticks(130, 970))
	require.True(t, ok)
	assert.InDelta(t, 30.0, pct, 1e-9)

	// Next reading diffs against the one just stored, not the first.
	pct, ok = c.CPULoad(t0.Add(4*time.Second), ticks(140, 1060))
	require.True(t, ok)
	assert.InDelta(t, 10.0, pct, 1e-9)
}

func TestCPULoad_ShortIntervalKeepsPrevious(t *testing.T) {
	c := NewCounters()
	c.CPULoad(t0, ticks(100, 900))

	pct, ok := c.CPULoad(t0.Add(500*time.Millisecond), ticks(150, 900))
	assert.False(t, ok)
	assert.Zero(t, pct)
	assert.Equal(t, ticks(100, 900), c.Snapshot().CPU)
	assert.Equal(t, t0, c.Snapshot().CPUTakenAt)

	pct, ok = c.CPULoad(t0.Add(time.Second), ticks(150, 950))
	require.True(t, ok)
	assert.InDelta(t, 50.0, pct, 1e-9)
}

func TestCPULoad_ClampedToRange(t *testing.T) {
	tests := []struct {
		name string
		prev CPUTicks
		cur  CPUTicks
		want float64
	}{
		{
			name: "idle went backwards",
			prev: CPUTicks{User: 100, Idle: 900},
			cur:  CPUTicks{User: 200, Idle: 850},
			want: 100,
		},
		{
			name: "busy went backwards",
			prev: CPUTicks{User: 100, Idle: 900},
			cur:  CPUTicks{User: 90, Idle: 1000},
			want: 0,
		},
		{
			name: "no ticks elapsed",
			prev: CPUTicks{User: 100, Idle: 900},
			cur:  CPUTicks{User: 100, Idle: 900},
			want: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCounters()
			c.CPULoad(t0, tt.prev)
			pct, ok := c.CPULoad(t0.Add(time.Second), tt.cur)
			require.True(t, ok)
			assert.Equal(t, tt.want, pct)
			assert.GreaterOrEqual(t, pct, 0.0)
			assert.LessOrEqual(t, pct, 100.0)
		})
	}
}

func TestCPULoad_ClockSteppedBackRebaselines(t *testing.T) {
	c := NewCounters()
	c.CPULoad(t0, ticks(100, 900))

	earlier := t0.Add(-time.Hour)
	_, ok := c.CPULoad(earlier, ticks(110, 910))
	assert.False(t, ok)
	assert.Equal(t, earlier, c.Snapshot().CPUTakenAt)

	pct, ok := c.CPULoad(earlier.Add(time.Second), ticks(120, 920))
	require.True(t, ok)
	assert.InDelta(t, 50.0, pct, 1e-9)
}

func TestThroughput_Kbps(t *testing.T) {
	c := NewCounters()
	_, _, ok := c.Throughput(t0, []InterfaceCounters{
		{Name: "eth0", BytesSent: 1000, BytesRecv: 5000},
		{Name: "wlan0", BytesSent: 0, BytesRecv: 0},
	})
	require.False(t, ok)

	// eth0 sends 1024 bytes, wlan0 receives 2048 bytes over 2s.
	up, down, ok := c.Throughput(t0.Add(2*time.Second), []InterfaceCounters{
		{Name: "eth0", BytesSent: 2024, BytesRecv: 5000},
		{Name: "wlan0", BytesSent: 0, BytesRecv: 2048},
	})
	require.True(t, ok)
	assert.InDelta(t, 4.0, up, 1e-9)
	assert.InDelta(t, 8.0, down, 1e-9)
}

func TestThroughput_ShortIntervalDoesNotAdvance(t *testing.T) {
	c := NewCounters()
	c.Throughput(t0, []InterfaceCounters{{Name: "eth0", BytesSent: 0, BytesRecv: 0}})

	up, down, ok := c.Throughput(t0.Add(400*time.Millisecond), []InterfaceCounters{
		{Name: "eth0", BytesSent: 512, BytesRecv: 512},
	})
	assert.False(t, ok)
	assert.Zero(t, up)
	assert.Zero(t, down)
	assert.Equal(t, uint64(0), c.Snapshot().Interfaces["eth0"].BytesSent)
	assert.Equal(t, t0, c.Snapshot().NetTakenAt)

	// The third reading diffs against the first, not the intermediate one.
	up, down, ok = c.Throughput(t0.Add(time.Second), []InterfaceCounters{
		{Name: "eth0", BytesSent: 1024, BytesRecv: 2048},
	})
	require.True(t, ok)
	assert.InDelta(t, 8.0, up, 1e-9)
	assert.InDelta(t, 16.0, down, 1e-9)
}

func TestThroughput_NewAndResetInterfaces(t *testing.T) {
	c := NewCounters()
	c.Throughput(t0, []InterfaceCounters{{Name: "eth0", BytesSent: 10000, BytesRecv: 10000}})

	up, down, ok := c.Throughput(t0.Add(time.Second), []InterfaceCounters{
		{Name: "eth0", BytesSent: 100, BytesRecv: 10128},
		{Name: "tun0", BytesSent: 1 << 30, BytesRecv: 1 << 30},
	})
	require.True(t, ok)
	assert.Zero(t, up)
	assert.InDelta(t, 1.0, down, 1e-9)
	assert.Contains(t, c.Snapshot().Interfaces, "tun0")
}
