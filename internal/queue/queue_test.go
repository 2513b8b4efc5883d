package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nodeflow-dev/nodeflow-server/internal/codec"
	"github.com/nodeflow-dev/nodeflow-server/internal/registry"
)

type fakeConn struct {
	mu   sync.Mutex
	sent []codec.Frame
}

func (c *fakeConn) SendCritical(_ context.Context, f codec.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, f)
	return nil
}
func (c *fakeConn) SendBestEffort(f codec.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, f)
}
func (c *fakeConn) Close(string)              {}
func (c *fakeConn) Closed() <-chan struct{}   { return make(chan struct{}) }
func (c *fakeConn) frames() []codec.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]codec.Frame(nil), c.sent...)
}

var _ registry.Conn = (*fakeConn)(nil)

func TestEnqueueAssignsStrictlyIncreasingJobIDs(t *testing.T) {
	q := New(WithPositionInterval(time.Hour))
	j1, err := q.Enqueue(&fakeConn{}, "s1", nil)
	require.NoError(t, err)
	j2, err := q.Enqueue(&fakeConn{}, "s1", nil)
	require.NoError(t, err)
	require.Less(t, j1.ID, j2.ID)
}

func TestNextReturnsJobsInFIFOOrder(t *testing.T) {
	q := New(WithPositionInterval(time.Hour))
	j1, _ := q.Enqueue(&fakeConn{}, "s1", nil)
	j2, _ := q.Enqueue(&fakeConn{}, "s1", nil)

	got1, ok := q.Next()
	require.True(t, ok)
	require.Equal(t, j1.ID, got1.ID)
	require.Equal(t, StateRunning, got1.State())

	q.MarkDone(got1)

	got2, ok := q.Next()
	require.True(t, ok)
	require.Equal(t, j2.ID, got2.ID)
}

func TestPositionReportsRunningPendingAndUnknown(t *testing.T) {
	q := New(WithPositionInterval(time.Hour))
	j1, _ := q.Enqueue(&fakeConn{}, "s1", nil)
	j2, _ := q.Enqueue(&fakeConn{}, "s1", nil)

	require.Equal(t, 1, q.Position(j1))
	require.Equal(t, 2, q.Position(j2))

	running, _ := q.Next()
	require.Equal(t, 0, q.Position(running))
	require.Equal(t, 1, q.Position(j2))

	q.MarkDone(running)
	require.Equal(t, -1, q.Position(running))
}

func TestCancelPendingJobResolvesDoneSignalWithoutRunning(t *testing.T) {
	q := New(WithPositionInterval(time.Hour))
	conn := &fakeConn{}
	job, _ := q.Enqueue(conn, "s1", nil)

	q.Cancel(job)

	select {
	case <-job.DoneSignal():
	case <-time.After(time.Second):
		t.Fatal("done signal did not resolve")
	}
	require.Equal(t, StateDone, job.State())

	// No status{running} should ever be emitted for a job cancelled while
	// still pending.
	for _, f := range conn.frames() {
		if sf, ok := f.(codec.StatusFrame); ok {
			require.NotEqual(t, codec.StatusRunning, sf.State)
		}
	}
}

func TestCancelRunningJobFiresCancelSignalButNotDoneUntilMarkDone(t *testing.T) {
	q := New(WithPositionInterval(time.Hour))
	job, _ := q.Enqueue(&fakeConn{}, "s1", nil)
	running, _ := q.Next()
	require.Equal(t, job.ID, running.ID)

	q.Cancel(running)
	select {
	case <-running.CancelSignal():
	default:
		t.Fatal("cancel signal did not fire")
	}
	select {
	case <-running.DoneSignal():
		t.Fatal("done signal must not resolve before the worker finishes teardown")
	default:
	}

	q.MarkDone(running)
	select {
	case <-running.DoneSignal():
	default:
		t.Fatal("done signal should resolve after MarkDone")
	}
}

func TestCancelIsNoOpOnAlreadyDoneJob(t *testing.T) {
	q := New(WithPositionInterval(time.Hour))
	job, _ := q.Enqueue(&fakeConn{}, "s1", nil)
	q.MarkDone(job)

	require.NotPanics(t, func() { q.Cancel(job) })
	require.Equal(t, StateDone, job.State())
}

func TestSingleFlightModeRejectsConcurrentEnqueue(t *testing.T) {
	q := New(WithMode(ModeSingleFlight), WithPositionInterval(time.Hour))
	_, err := q.Enqueue(&fakeConn{}, "s1", nil)
	require.NoError(t, err)

	_, err = q.Enqueue(&fakeConn{}, "s1", nil)
	require.ErrorIs(t, err, ErrBusy)
}

func TestShutdownCancelsPendingAndRunningAndEndsNext(t *testing.T) {
	q := New(WithPositionInterval(time.Hour))
	runningJob, _ := q.Enqueue(&fakeConn{}, "s1", nil)
	pendingJob, _ := q.Enqueue(&fakeConn{}, "s1", nil)
	running, _ := q.Next()
	require.Equal(t, runningJob.ID, running.ID)

	q.Shutdown()

	// Next hands out any pending job before it looks at shutdown, so it is
	// called once Shutdown has emptied pending; it must then return
	// ok=false instead of blocking.
	done := make(chan struct{})
	go func() {
		_, ok := q.Next()
		require.False(t, ok)
		close(done)
	}()

	select {
	case <-pendingJob.DoneSignal():
	case <-time.After(time.Second):
		t.Fatal("pending job's done signal did not resolve on shutdown")
	}
	select {
	case <-running.CancelSignal():
	case <-time.After(time.Second):
		t.Fatal("running job's cancel signal did not fire on shutdown")
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Next() did not return after shutdown")
	}
}

func TestQueuePositionUpdatesSentAtLeastOnceImmediately(t *testing.T) {
	q := New(WithPositionInterval(time.Hour))
	conn := &fakeConn{}
	_, err := q.Enqueue(conn, "s1", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for _, f := range conn.frames() {
			if _, ok := f.(codec.QueuePositionFrame); ok {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}
