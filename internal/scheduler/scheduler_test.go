package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timerbot/internal/dispatch"
	"timerbot/internal/storage"
	"timerbot/internal/timer"
	logx "timerbot/pkg/logx"
)

var now = time.Date(2024, 1, 1, 19, 0, 0, 0, time.UTC)

func clock() time.Time { return now }

func mkTimer(id string, start time.Time, rec timer.Recurrence) timer.Timer {
	return timer.Timer{
		ID:           id,
		GroupID:      "-1001",
		Name:         "Event " + id,
		Location:     "Hall",
		LocationKind: timer.LocationText,
		Channel:      "-1001",
		Timezone:     "UTC",
		StartAt:      start,
		EndAt:        start.Add(time.Hour),
		Recurrence:   rec,
		Status:       timer.StatusScheduled,
	}
}

type countingStore struct {
	storage.Store
	findDue atomic.Int32
	fail    error
}

func (c *countingStore) FindDue(ctx context.Context, before time.Time, afterID string, pageSize int) (storage.Page, error) {
	c.findDue.Add(1)
	if c.fail != nil {
		return storage.Page{}, c.fail
	}
	return c.Store.FindDue(ctx, before, afterID, pageSize)
}

type recordingQueue struct {
	mu    sync.Mutex
	tasks []dispatch.Task
}

func (q *recordingQueue) Submit(ctx context.Context, t dispatch.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, t)
	return nil
}

func (q *recordingQueue) Drain(ctx context.Context) error { return nil }

type fakeNotifier struct {
	mu        sync.Mutex
	delivered []string
	err       error
	delay     time.Duration
}

func (f *fakeNotifier) Deliver(ctx context.Context, t timer.Timer) error {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.delivered = append(f.delivered, t.ID)
	return nil
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.delivered)
}

func seed(t *testing.T, st storage.Store, timers ...timer.Timer) {
	t.Helper()
	for _, tm := range timers {
		require.NoError(t, st.Create(context.Background(), tm))
	}
}

func TestRunCyclePagesThroughAllDueTimers(t *testing.T) {
	st := &countingStore{Store: storage.NewMemory()}
	for i := 0; i < 450; i++ {
		seed(t, st, mkTimer(fmt.Sprintf("t%04d", i), now.Add(-time.Minute), timer.None))
	}
	seed(t, st, mkTimer("future", now.Add(time.Hour), timer.None))

	q := &recordingQueue{}
	s, err := New(Config{Spec: "@yearly"}, st, q, NewProcessor(st, &fakeNotifier{}, 0, logx.Nop(), nil), logx.Nop(), nil, WithClock(clock))
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	rep, err := s.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Pages)
	assert.Equal(t, 450, rep.Found)
	assert.Equal(t, 450, rep.Enqueued)
	assert.EqualValues(t, 3, st.findDue.Load())
	assert.Len(t, q.tasks, 450)
	assert.Equal(t, "t0000", q.tasks[0].Key)
}

func TestRunCycleFindsEveryTimerWhileWorkersDeliver(t *testing.T) {
	st := storage.NewMemory()
	for i := 0; i < 450; i++ {
		seed(t, st, mkTimer(fmt.Sprintf("t%04d", i), now.Add(-time.Minute), timer.None))
	}
	n := &fakeNotifier{}
	q := dispatch.New(dispatch.Config{Workers: 100}, logx.Nop(), nil)
	q.Start(context.Background())
	defer q.Stop(context.Background())

	s, err := New(Config{Spec: "@yearly"}, st, q, NewProcessor(st, n, 0, logx.Nop(), nil), logx.Nop(), nil, WithClock(clock))
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	rep, err := s.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 450, rep.Found)
	assert.Equal(t, 450, rep.Enqueued)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.Equal(t, 450, n.count())

	left, err := st.FindDue(context.Background(), now, "", 10)
	require.NoError(t, err)
	assert.Empty(t, left.Items)
}

func TestRunCycleAbortsOnStoreError(t *testing.T) {
	st := &countingStore{Store: storage.NewMemory(), fail: fmt.Errorf("find due: %w", storage.ErrUnavailable)}
	s, err := New(Config{Spec: "@yearly"}, st, &recordingQueue{}, nil, logx.Nop(), nil, WithClock(clock))
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	_, err = s.RunCycle(context.Background())
	require.ErrorIs(t, err, storage.ErrUnavailable)
	snap := s.Snapshot()
	assert.EqualValues(t, 1, snap.CycleErrors)
	require.NotNil(t, snap.Last)
	assert.NotEmpty(t, snap.Last.Error)
}

func TestProcessDeletesOneShotOnce(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory()
	tm := mkTimer("once", now.Add(-time.Minute), timer.None)
	seed(t, st, tm)
	n := &fakeNotifier{}
	p := NewProcessor(st, n, 0, logx.Nop(), nil)

	require.NoError(t, p.Process(ctx, tm))
	_, err := st.Get(ctx, "once")
	require.ErrorIs(t, err, storage.ErrNotFound)

	// a duplicate run after removal is a no-op
	require.NoError(t, p.Process(ctx, tm))
	page, err := st.FindDue(ctx, now, "", 10)
	require.NoError(t, err)
	assert.Empty(t, page.Items)
}

func TestProcessAdvancesWeekly(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory()
	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	tm := mkTimer("weekly", start, timer.Weekly)
	seed(t, st, tm)
	p := NewProcessor(st, &fakeNotifier{}, 0, logx.Nop(), nil)

	require.NoError(t, p.Process(ctx, tm))
	got, err := st.Get(ctx, "weekly")
	require.NoError(t, err)
	assert.True(t, got.StartAt.Equal(time.Date(2024, 1, 8, 10, 0, 0, 0, time.UTC)), got.StartAt)
	assert.True(t, got.EndAt.Equal(time.Date(2024, 1, 8, 11, 0, 0, 0, time.UTC)), got.EndAt)

	// stale copy: the conditional advance sees the new start and leaves it alone
	require.NoError(t, p.Process(ctx, tm))
	got, err = st.Get(ctx, "weekly")
	require.NoError(t, err)
	assert.True(t, got.StartAt.Equal(time.Date(2024, 1, 8, 10, 0, 0, 0, time.UTC)), got.StartAt)
}

func TestProcessAdvancesMonthlyWithClamp(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory()
	start := time.Date(2024, 1, 31, 9, 0, 0, 0, time.UTC)
	tm := mkTimer("monthly", start, timer.Monthly)
	seed(t, st, tm)

	require.NoError(t, NewProcessor(st, &fakeNotifier{}, 0, logx.Nop(), nil).Process(ctx, tm))
	got, err := st.Get(ctx, "monthly")
	require.NoError(t, err)
	assert.True(t, got.StartAt.Equal(time.Date(2024, 2, 29, 9, 0, 0, 0, time.UTC)), got.StartAt)
}

func TestProcessFailureLeavesTimerDue(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory()
	tm := mkTimer("flaky", now.Add(-time.Minute), timer.Weekly)
	seed(t, st, tm)
	p := NewProcessor(st, &fakeNotifier{err: errors.New("chat not found")}, 0, logx.Nop(), nil)

	require.Error(t, p.Process(ctx, tm))
	got, err := st.Get(ctx, "flaky")
	require.NoError(t, err)
	assert.True(t, got.StartAt.Equal(tm.StartAt))
	assert.Equal(t, 1, got.Attempts)

	page, err := st.FindDue(ctx, now, "", 10)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
}

func TestProcessDeadLettersAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory()
	tm := mkTimer("dead", now.Add(-time.Minute), timer.None)
	seed(t, st, tm)
	p := NewProcessor(st, &fakeNotifier{err: errors.New("forbidden")}, 2, logx.Nop(), nil)

	require.Error(t, p.Process(ctx, tm))
	require.Error(t, p.Process(ctx, tm))
	got, err := st.Get(ctx, "dead")
	require.NoError(t, err)
	assert.Equal(t, timer.StatusFailed, got.Status)

	page, err := st.FindDue(ctx, now, "", 10)
	require.NoError(t, err)
	assert.Empty(t, page.Items)
}

func TestStopWaitsForInFlightDeliveries(t *testing.T) {
	st := storage.NewMemory()
	for i := 0; i < 10; i++ {
		seed(t, st, mkTimer(fmt.Sprintf("t%d", i), now.Add(-time.Minute), timer.None))
	}
	n := &fakeNotifier{delay: 50 * time.Millisecond}
	q := dispatch.New(dispatch.Config{Workers: 10}, logx.Nop(), nil)
	q.Start(context.Background())
	defer q.Stop(context.Background())

	s, err := New(Config{Spec: "@yearly"}, st, q, NewProcessor(st, n, 0, logx.Nop(), nil), logx.Nop(), nil, WithClock(clock))
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	rep, err := s.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 10, rep.Enqueued)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.Equal(t, 10, n.count())
	assert.Equal(t, StateStopped, s.State())

	_, err = s.RunCycle(context.Background())
	require.ErrorIs(t, err, ErrNotRunning)
	require.ErrorIs(t, s.Start(context.Background()), ErrNotIdle)
	require.NoError(t, s.Stop(ctx))
}

func TestOverlapSkipRejectsConcurrentCycle(t *testing.T) {
	st := storage.NewMemory()
	seed(t, st, mkTimer("a", now.Add(-time.Minute), timer.None))
	q := &blockingQueue{entered: make(chan struct{}), release: make(chan struct{})}
	s, err := New(Config{Spec: "@yearly", Overlap: OverlapSkip}, st, q, nil, logx.Nop(), nil, WithClock(clock))
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	done := make(chan error, 1)
	go func() {
		_, err := s.RunCycle(context.Background())
		done <- err
	}()
	<-q.entered
	_, err = s.RunCycle(context.Background())
	require.ErrorIs(t, err, ErrCycleBusy)
	close(q.release)
	require.NoError(t, <-done)
	require.NoError(t, s.Stop(context.Background()))
}

type blockingQueue struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (q *blockingQueue) Submit(ctx context.Context, t dispatch.Task) error {
	q.once.Do(func() { close(q.entered) })
	<-q.release
	return nil
}

func (q *blockingQueue) Drain(ctx context.Context) error { return nil }

func TestNormalizeSpec(t *testing.T) {
	tests := []struct {
		raw, want string
		wantErr   bool
	}{
		{raw: "", want: DefaultSpec},
		{raw: "*/5 * * * *", want: "*/5 * * * *"},
		{raw: "cron:@hourly", want: "@hourly"},
		{raw: "30s", want: "@every 30s"},
		{raw: "00:05", want: "@every 5m0s"},
		{raw: "every-now-and-then", wantErr: true},
		{raw: "61 * * * *", wantErr: true},
	}
	for _, tt := range tests {
		got, err := NormalizeSpec(tt.raw)
		if tt.wantErr {
			require.Error(t, err, "NormalizeSpec(%q) = %q", tt.raw, got)
			continue
		}
		require.NoError(t, err, tt.raw)
		assert.Equal(t, tt.want, got, tt.raw)
	}
}

func TestNextRunsAlignToMinute(t *testing.T) {
	runs, err := NextRuns(DefaultSpec, time.Date(2024, 1, 1, 10, 0, 17, 0, time.UTC), 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, time.Date(2024, 1, 1, 10, 1, 0, 0, time.UTC), runs[0])
	assert.Equal(t, time.Date(2024, 1, 1, 10, 2, 0, 0, time.UTC), runs[1])
}
