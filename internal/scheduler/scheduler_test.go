package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/farm-advisory/internal/observability"
)

func newTestScheduler(t *testing.T) (*Scheduler, *observability.Metrics) {
	t.Helper()
	metrics := observability.NewMetricsForTesting()
	s := New(slog.New(slog.NewTextHandler(io.Discard, nil)), metrics)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s, metrics
}

func counterValue(t *testing.T, m interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	var out dto.Metric
	require.NoError(t, m.Write(&out))
	return out.GetCounter().GetValue()
}

func noop(context.Context) error { return nil }

func TestSchedule_ConfigErrors(t *testing.T) {
	s, _ := newTestScheduler(t)
	require.NoError(t, s.Schedule("weather", time.Minute, noop))

	tests := []struct {
		name     string
		job      string
		interval time.Duration
		fn       JobFunc
	}{
		{"duplicate name", "weather", time.Minute, noop},
		{"zero interval", "market", 0, noop},
		{"negative interval", "market", -time.Second, noop},
		{"empty name", "", time.Minute, noop},
		{"nil func", "market", time.Minute, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Schedule(tt.job, tt.interval, tt.fn)
			var cerr *ConfigError
			require.ErrorAs(t, err, &cerr)
			assert.Equal(t, tt.job, cerr.Job)
		})
	}
	assert.Equal(t, []string{"weather"}, s.Jobs())
}

func TestRunNow_SingleFlight(t *testing.T) {
	s, _ := newTestScheduler(t)
	release := make(chan struct{})
	started := make(chan struct{}, 4)
	var concurrent, maxConcurrent atomic.Int32

	require.NoError(t, s.Schedule("weather", time.Hour, func(context.Context) error {
		n := concurrent.Add(1)
		if n > maxConcurrent.Load() {
			maxConcurrent.Store(n)
		}
		started <- struct{}{}
		<-release
		concurrent.Add(-1)
		return nil
	}))
	s.Start(context.Background(), false)

	require.NoError(t, s.RunNow("weather"))
	<-started
	assert.True(t, s.Running("weather"))

	require.ErrorIs(t, s.RunNow("weather"), ErrJobRunning)
	require.ErrorIs(t, s.RunNow("weather"), ErrJobRunning)

	close(release)
	require.Eventually(t, func() bool { return !s.Running("weather") }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, s.RunNow("weather"))
	<-started
	require.Eventually(t, func() bool { return !s.Running("weather") }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), maxConcurrent.Load())
}

func TestRunNow_UnknownJob(t *testing.T) {
	s, _ := newTestScheduler(t)
	require.ErrorIs(t, s.RunNow("nope"), ErrUnknownJob)
}

func TestTick_SkipsWhileRunning(t *testing.T) {
	s, metrics := newTestScheduler(t)
	var calls, concurrent, maxConcurrent atomic.Int32

	require.NoError(t, s.Schedule("weather", 20*time.Millisecond, func(context.Context) error {
		calls.Add(1)
		n := concurrent.Add(1)
		if n > maxConcurrent.Load() {
			maxConcurrent.Store(n)
		}
		time.Sleep(150 * time.Millisecond)
		concurrent.Add(-1)
		return nil
	}))
	s.Start(context.Background(), false)

	require.Eventually(t, func() bool {
		return counterValue(t, metrics.JobSkipped.WithLabelValues("weather")) > 0
	}, 3*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))

	assert.Equal(t, int32(1), maxConcurrent.Load())
	assert.GreaterOrEqual(t, calls.Load(), int32(1))
}

func TestStop_WaitsForInFlightJob(t *testing.T) {
	s, _ := newTestScheduler(t)
	release := make(chan struct{})
	started := make(chan struct{})
	var finished atomic.Bool
	var ctxErr atomic.Value

	require.NoError(t, s.Schedule("market", time.Hour, func(ctx context.Context) error {
		close(started)
		<-release
		if err := ctx.Err(); err != nil {
			ctxErr.Store(err)
		}
		finished.Store(true)
		return nil
	}))

	startCtx, cancelStart := context.WithCancel(context.Background())
	s.Start(startCtx, false)
	require.NoError(t, s.RunNow("market"))
	<-started
	cancelStart()

	stopped := make(chan error, 1)
	go func() { stopped <- s.Stop(context.Background()) }()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a job was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the job finished")
	}
	assert.True(t, finished.Load())
	assert.Nil(t, ctxErr.Load(), "job context must not be cancelled by shutdown")

	require.ErrorIs(t, s.RunNow("market"), ErrStopped)
}

func TestStop_HonoursDeadline(t *testing.T) {
	s, _ := newTestScheduler(t)
	release := make(chan struct{})
	started := make(chan struct{})
	defer close(release)

	require.NoError(t, s.Schedule("slow", time.Hour, func(context.Context) error {
		close(started)
		<-release
		return nil
	}))
	s.Start(context.Background(), false)
	require.NoError(t, s.RunNow("slow"))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, s.Stop(ctx), context.DeadlineExceeded)
}

func TestStop_HonoursDeadlineForScheduledRun(t *testing.T) {
	s, _ := newTestScheduler(t)
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	defer close(release)

	require.NoError(t, s.Schedule("slow", 20*time.Millisecond, func(context.Context) error {
		once.Do(func() { close(started) })
		<-release
		return nil
	}))
	s.Start(context.Background(), false)

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduled run did not start")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	begin := time.Now()
	require.ErrorIs(t, s.Stop(ctx), context.DeadlineExceeded)
	assert.Less(t, time.Since(begin), time.Second, "Stop must return at its deadline while a scheduled run is blocked")
}

func TestRun_ErrorsAndPanicsAreSwallowed(t *testing.T) {
	s, metrics := newTestScheduler(t)
	var calls atomic.Int32

	require.NoError(t, s.Schedule("flaky", time.Hour, func(context.Context) error {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		return errors.New("upstream down")
	}))
	s.Start(context.Background(), false)

	require.NoError(t, s.RunNow("flaky"))
	require.Eventually(t, func() bool {
		return counterValue(t, metrics.JobRuns.WithLabelValues("flaky", "panic")) == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool { return s.RunNow("flaky") == nil }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return counterValue(t, metrics.JobRuns.WithLabelValues("flaky", "error")) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStart_RunOnStart(t *testing.T) {
	s, _ := newTestScheduler(t)
	ran := make(chan string, 2)
	require.NoError(t, s.Schedule("weather", time.Hour, func(context.Context) error { ran <- "weather"; return nil }))
	require.NoError(t, s.Schedule("market", time.Hour, func(context.Context) error { ran <- "market"; return nil }))

	s.Start(context.Background(), true)

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case name := <-ran:
			got[name] = true
		case <-time.After(2 * time.Second):
			t.Fatal("job did not run on start")
		}
	}
	assert.Equal(t, map[string]bool{"weather": true, "market": true}, got)
}
