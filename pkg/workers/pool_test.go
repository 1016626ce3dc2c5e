package workers

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adcplatform/adc/pkg/errors"
)

// cpuStub feeds the supervision loop a controllable load figure.
type cpuStub struct {
	value atomic.Value
}

func newCPUStub(initial float64) *cpuStub {
	s := &cpuStub{}
	s.value.Store(initial)
	return s
}

func (s *cpuStub) set(v float64) { s.value.Store(v) }

func (s *cpuStub) percent(context.Context) (float64, error) {
	return s.value.Load().(float64), nil
}

func startPool(t *testing.T, cfg Config) *Pool {
	t.Helper()
	p := NewPool(cfg)
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { _ = p.Stop() })
	return p
}

func workerCount(p *Pool) int {
	return len(p.Workers())
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestDispatchRunsMethod(t *testing.T) {
	t.Parallel()
	stub := newCPUStub(50)
	p := startPool(t, Config{MinWorkers: 1, MaxWorkers: 2, CPUPercent: stub.percent})

	sum := func(_ context.Context, args []any) (any, error) {
		return args[0].(int) + args[1].(int), nil
	}
	out, err := p.Dispatch(context.Background(), sum, []any{2, 3})
	require.NoError(t, err)
	assert.Equal(t, 5, out)
}

func TestDispatchTimeoutMarksWorkerSuspect(t *testing.T) {
	t.Parallel()
	stub := newCPUStub(50)
	p := startPool(t, Config{
		MinWorkers:     1,
		MaxWorkers:     2,
		CallTimeout:    20 * time.Millisecond,
		SampleInterval: time.Hour,
		CPUPercent:     stub.percent,
	})

	release := make(chan struct{})
	slow := func(context.Context, []any) (any, error) {
		<-release
		return nil, nil
	}
	_, err := p.Dispatch(context.Background(), slow, nil)
	require.Error(t, err)
	assert.True(t, errors.IsTimeout(err))
	close(release)

	waitFor(t, func() bool {
		for _, info := range p.Workers() {
			if info.Suspect {
				return true
			}
		}
		return false
	})
}

func TestSuspectWorkerIsNotPicked(t *testing.T) {
	t.Parallel()
	stub := newCPUStub(50)
	p := startPool(t, Config{
		MinWorkers:     2,
		MaxWorkers:     4,
		CallTimeout:    20 * time.Millisecond,
		SampleInterval: time.Hour,
		CPUPercent:     stub.percent,
	})

	release := make(chan struct{})
	slow := func(context.Context, []any) (any, error) {
		<-release
		return nil, nil
	}
	_, err := p.Dispatch(context.Background(), slow, nil)
	require.True(t, errors.IsTimeout(err))
	defer close(release)

	// later calls still succeed on the healthy worker
	ok := func(context.Context, []any) (any, error) { return "fine", nil }
	for i := 0; i < 5; i++ {
		out, err := p.Dispatch(context.Background(), ok, nil)
		require.NoError(t, err)
		assert.Equal(t, "fine", out)
	}
}

func TestPoolGrowsUnderHighCPU(t *testing.T) {
	t.Parallel()
	stub := newCPUStub(95)
	p := startPool(t, Config{
		MinWorkers:     1,
		MaxWorkers:     3,
		SampleInterval: 10 * time.Millisecond,
		CPUPercent:     stub.percent,
	})

	waitFor(t, func() bool { return workerCount(p) == 3 })

	// the maximum is a hard ceiling
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 3, workerCount(p))
}

func TestPoolShrinksWhenIdleAndCool(t *testing.T) {
	t.Parallel()
	stub := newCPUStub(95)
	p := startPool(t, Config{
		MinWorkers:     1,
		MaxWorkers:     3,
		SampleInterval: 10 * time.Millisecond,
		CPUPercent:     stub.percent,
	})
	waitFor(t, func() bool { return workerCount(p) == 3 })

	stub.set(10)
	waitFor(t, func() bool { return workerCount(p) == 1 })

	// the minimum is a hard floor
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, workerCount(p))
}

func TestSuspectWorkersAreRetired(t *testing.T) {
	t.Parallel()
	stub := newCPUStub(50)
	p := startPool(t, Config{
		MinWorkers:     1,
		MaxWorkers:     2,
		CallTimeout:    10 * time.Millisecond,
		SampleInterval: 10 * time.Millisecond,
		CPUPercent:     stub.percent,
	})

	release := make(chan struct{})
	slow := func(context.Context, []any) (any, error) {
		<-release
		return nil, nil
	}
	_, err := p.Dispatch(context.Background(), slow, nil)
	require.True(t, errors.IsTimeout(err))
	close(release)

	waitFor(t, func() bool {
		for _, info := range p.Workers() {
			if info.Suspect {
				return false
			}
		}
		return workerCount(p) >= 1
	})
}

func TestRetirementWaitsForClaimedDispatch(t *testing.T) {
	t.Parallel()
	stub := newCPUStub(50)
	p := startPool(t, Config{
		MinWorkers:     1,
		MaxWorkers:     2,
		SampleInterval: time.Hour,
		CPUPercent:     stub.percent,
	})

	// claim a worker the way Dispatch does, then mark it suspect and
	// retire it before the task is handed over
	w, err := p.leastLoaded()
	require.NoError(t, err)
	w.suspect.Store(true)
	p.retireSuspects()

	tk := &task{
		ctx: context.Background(),
		method: func(context.Context, []any) (any, error) {
			return "done", nil
		},
		reply: make(chan taskResult, 1),
	}
	assert.NotPanics(t, func() { w.tasks <- tk })
	res := <-tk.reply
	require.NoError(t, res.err)
	assert.Equal(t, "done", res.value)

	// with the claim settled the retired worker drains and exits
	select {
	case <-w.exited:
	case <-time.After(2 * time.Second):
		t.Fatal("retired worker did not exit after its claim settled")
	}
}

func TestLeastLoadedSpreadsWork(t *testing.T) {
	t.Parallel()
	stub := newCPUStub(50)
	p := startPool(t, Config{
		MinWorkers:     2,
		MaxWorkers:     2,
		SampleInterval: time.Hour,
		CPUPercent:     stub.percent,
	})

	started := make(chan struct{}, 2)
	block := make(chan struct{})

	slow := func(context.Context, []any) (any, error) {
		started <- struct{}{}
		<-block
		return nil, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = p.Dispatch(context.Background(), slow, nil)
		}()
	}
	// both calls must be running at once, so they landed on distinct
	// workers
	<-started
	<-started
	close(block)
	wg.Wait()
}

func TestDispatchAfterStopFails(t *testing.T) {
	t.Parallel()
	stub := newCPUStub(50)
	p := NewPool(Config{MinWorkers: 1, MaxWorkers: 1, CPUPercent: stub.percent})
	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Stop())

	_, err := p.Dispatch(context.Background(), func(context.Context, []any) (any, error) {
		return nil, nil
	}, nil)
	assert.True(t, errors.IsLifecycle(err))
}

func TestStopDrainsQueuedWork(t *testing.T) {
	t.Parallel()
	stub := newCPUStub(50)
	p := NewPool(Config{MinWorkers: 1, MaxWorkers: 1, CPUPercent: stub.percent})
	require.NoError(t, p.Start(context.Background()))

	var ran atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = p.Dispatch(context.Background(), func(context.Context, []any) (any, error) {
				time.Sleep(5 * time.Millisecond)
				ran.Add(1)
				return nil, nil
			}, nil)
		}()
	}
	wg.Wait()
	require.NoError(t, p.Stop())
	assert.Equal(t, int64(5), ran.Load())
}

func TestPanicInTaskBecomesError(t *testing.T) {
	t.Parallel()
	stub := newCPUStub(50)
	p := startPool(t, Config{MinWorkers: 1, MaxWorkers: 1, CPUPercent: stub.percent})

	_, err := p.Dispatch(context.Background(), func(context.Context, []any) (any, error) {
		panic("boom")
	}, nil)
	require.Error(t, err)
	assert.True(t, errors.IsInternal(err))

	// the worker survives the panic
	out, err := p.Dispatch(context.Background(), func(context.Context, []any) (any, error) {
		return "alive", nil
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "alive", out)
}

func TestDefaultMaxWorkersFloor(t *testing.T) {
	t.Parallel()
	assert.GreaterOrEqual(t, DefaultMaxWorkers(), 2)
}
