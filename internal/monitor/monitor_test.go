package monitor

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"emperror.dev/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cptspacemanspiff/vitals-monitor/internal/collector"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSampler struct {
	mu    sync.Mutex
	calls int
	start time.Time
	step  time.Duration

	// shortFirst marks the first sample as taken inside the rate window.
	shortFirst bool
}

func (f *fakeSampler) Sample(context.Context) collector.VitalsSample {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return collector.VitalsSample{
		Timestamp:         f.start.Add(time.Duration(f.calls) * f.step),
		CPUUsagePercent:   float64(f.calls),
		MemoryTotalGB:     16,
		MemoryUsedGB:      4,
		MemoryAvailableGB: 12,
		Disks:             []collector.DiskEntry{{VolumeID: "/", UsedGB: 100, TotalGB: 500}},
		UploadKbps:        8,
		DownloadKbps:      16,
		RateWindowShort:   f.shortFirst && f.calls == 1,
	}
}

func (f *fakeSampler) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeStore struct {
	mu      sync.Mutex
	err     error
	appends []float64
}

func (f *fakeStore) Append(_ context.Context, cpu, _, _, _ float64, _ time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.appends = append(f.appends, cpu)
	return int64(len(f.appends)), nil
}

func (f *fakeStore) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.appends)
}

type recordingSink struct {
	mu      sync.Mutex
	updates []LiveUpdate
}

func (r *recordingSink) Publish(u LiveUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

func (r *recordingSink) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.updates)
}

func (r *recordingSink) First() LiveUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updates[0]
}

func newSampler() *fakeSampler {
	return &fakeSampler{start: time.Date(2024, 3, 1, 10, 0, 0, 0, time.Local), step: 2 * time.Second}
}

// runMonitor starts m.Run and returns a stop function that cancels it and
// waits for Run to return.
func runMonitor(t *testing.T, m *Monitor) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- m.Run(ctx) }()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			select {
			case err := <-errCh:
				assert.NoError(t, err)
			case <-time.After(5 * time.Second):
				t.Fatal("Run did not return after cancel")
			}
		})
	}
	t.Cleanup(stop)
	return stop
}

func TestRun_SamplesImmediately(t *testing.T) {
	sampler, store, sink := newSampler(), &fakeStore{}, &recordingSink{}
	m := New(sampler, store, sink, discardLogger(), Options{Interval: time.Hour})

	runMonitor(t, m)

	require.Eventually(t, func() bool { return sink.Len() == 1 && store.Len() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, Running, m.State())

	u := sink.First()
	assert.InDelta(t, 1.0, u.CPUPercent, 1e-9)
	assert.InDelta(t, 500.0, u.DiskTotalGB, 1e-9)
	assert.InDelta(t, 400.0, u.DiskAvailableGB, 1e-9)
	assert.InDelta(t, 16.0, u.DownloadKbps, 1e-9)
}

func TestRun_SamplesEveryInterval(t *testing.T) {
	sampler, store, sink := newSampler(), &fakeStore{}, &recordingSink{}
	m := New(sampler, store, sink, discardLogger(), Options{Interval: 10 * time.Millisecond})

	runMonitor(t, m)

	require.Eventually(t, func() bool { return store.Len() >= 4 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return sink.Len() >= 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestRun_StoreFailureDoesNotStopPublishing(t *testing.T) {
	sampler, sink := newSampler(), &recordingSink{}
	store := &fakeStore{err: errors.New("disk full")}
	m := New(sampler, store, sink, discardLogger(), Options{Interval: 10 * time.Millisecond})

	runMonitor(t, m)

	require.Eventually(t, func() bool { return sampler.Calls() >= 3 && sink.Len() >= 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, store.Len())
}

func TestRun_ShortRateWindowPublishedButNotStored(t *testing.T) {
	sampler, store, sink := newSampler(), &fakeStore{}, &recordingSink{}
	sampler.shortFirst = true
	m := New(sampler, store, sink, discardLogger(), Options{Interval: time.Hour})

	runMonitor(t, m)
	require.Eventually(t, func() bool { return sink.Len() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, store.Len())

	m.Trigger()
	require.Eventually(t, func() bool { return store.Len() == 1 }, 2*time.Second, 5*time.Millisecond)
	store.mu.Lock()
	assert.Equal(t, []float64{2}, store.appends)
	store.mu.Unlock()
}

func TestRun_CancelReturnsNil(t *testing.T) {
	sampler := newSampler()
	m := New(sampler, &fakeStore{}, nil, discardLogger(), Options{Interval: time.Hour})

	stop := runMonitor(t, m)
	require.Eventually(t, func() bool { return sampler.Calls() == 1 }, 2*time.Second, 5*time.Millisecond)

	stop()
	assert.Equal(t, Idle, m.State())

	calls := sampler.Calls()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, calls, sampler.Calls())
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	sampler := newSampler()
	m := New(sampler, &fakeStore{}, nil, discardLogger(), Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, m.Run(ctx))
	assert.Zero(t, sampler.Calls())
	assert.Equal(t, Idle, m.State())
}

func TestRun_AlreadyRunning(t *testing.T) {
	m := New(newSampler(), &fakeStore{}, nil, discardLogger(), Options{Interval: time.Hour})
	runMonitor(t, m)

	require.Eventually(t, func() bool { return m.State() == Running }, 2*time.Second, 5*time.Millisecond)
	err := m.Run(context.Background())
	assert.True(t, errors.Is(err, ErrAlreadyRunning))
}

func TestTrigger_SamplesNow(t *testing.T) {
	sampler := newSampler()
	m := New(sampler, &fakeStore{}, nil, discardLogger(), Options{Interval: time.Hour})

	runMonitor(t, m)
	require.Eventually(t, func() bool { return sampler.Calls() == 1 }, 2*time.Second, 5*time.Millisecond)

	m.Trigger()
	require.Eventually(t, func() bool { return sampler.Calls() == 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestTrigger_NonBlockingWhenIdle(t *testing.T) {
	m := New(newSampler(), &fakeStore{}, nil, discardLogger(), Options{})

	for i := 0; i < 10; i++ {
		m.Trigger()
	}
	m.SetInterval(time.Second)
	m.SetInterval(3 * time.Second)
	assert.Equal(t, 3*time.Second, m.Interval())
}

func TestSetInterval_AppliesToRunningLoop(t *testing.T) {
	sampler := newSampler()
	m := New(sampler, &fakeStore{}, nil, discardLogger(), Options{Interval: time.Hour})

	runMonitor(t, m)
	require.Eventually(t, func() bool { return sampler.Calls() == 1 }, 2*time.Second, 5*time.Millisecond)

	m.SetInterval(10 * time.Millisecond)
	require.Eventually(t, func() bool { return sampler.Calls() >= 3 }, 2*time.Second, 5*time.Millisecond)
}

func TestSetInterval_IgnoresNonPositive(t *testing.T) {
	m := New(newSampler(), &fakeStore{}, nil, discardLogger(), Options{Interval: 5 * time.Second})

	m.SetInterval(0)
	m.SetInterval(-time.Second)
	assert.Equal(t, 5*time.Second, m.Interval())
}

func TestRun_SlowSinkDoesNotBlockSampling(t *testing.T) {
	sampler, store := newSampler(), &fakeStore{}
	release := make(chan struct{})
	var published atomic.Int32
	sink := SinkFunc(func(LiveUpdate) {
		published.Add(1)
		<-release
	})
	m := New(sampler, store, sink, discardLogger(), Options{Interval: 5 * time.Millisecond})

	runMonitor(t, m)
	t.Cleanup(func() { close(release) })

	require.Eventually(t, func() bool { return store.Len() >= 10 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), published.Load())
	assert.NotZero(t, m.DroppedUpdates())
}

func TestRun_StuckSinkDoesNotBlockShutdown(t *testing.T) {
	sampler := newSampler()
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	sink := SinkFunc(func(LiveUpdate) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
	})
	m := New(sampler, &fakeStore{}, sink, discardLogger(), Options{
		Interval:  time.Hour,
		SinkGrace: 20 * time.Millisecond,
	})
	t.Cleanup(func() { close(release) })

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- m.Run(ctx) }()

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("sink never received an update")
	}
	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run still blocked on the sink after cancel")
	}
	assert.Equal(t, Idle, m.State())
}

func TestRun_SinkNeverConcurrent(t *testing.T) {
	sampler := newSampler()
	var inFlight, maxInFlight, calls atomic.Int32
	sink := SinkFunc(func(LiveUpdate) {
		n := inFlight.Add(1)
		for {
			cur := maxInFlight.Load()
			if n <= cur || maxInFlight.CompareAndSwap(cur, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		inFlight.Add(-1)
		calls.Add(1)
	})
	m := New(sampler, &fakeStore{}, sink, discardLogger(), Options{Interval: time.Millisecond})

	runMonitor(t, m)

	require.Eventually(t, func() bool { return calls.Load() >= 10 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), maxInFlight.Load())
}

func TestMultiSink_FansOutInOrder(t *testing.T) {
	var order []string
	a := SinkFunc(func(LiveUpdate) { order = append(order, "a") })
	b := SinkFunc(func(LiveUpdate) { order = append(order, "b") })

	MultiSink{a, nil, b}.Publish(LiveUpdate{})

	assert.Equal(t, []string{"a", "b"}, order)
}

func TestNewLiveUpdate_PlaceholderDisk(t *testing.T) {
	u := NewLiveUpdate(collector.VitalsSample{CPUUsagePercent: 12})

	assert.InDelta(t, 12.0, u.CPUPercent, 1e-9)
	assert.Zero(t, u.DiskTotalGB)
	assert.Zero(t, u.DiskAvailableGB)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "running", Running.String())
	assert.Equal(t, "unknown", State(9).String())
}
