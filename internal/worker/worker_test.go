package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nodeflow-dev/nodeflow-server/internal/codec"
	"github.com/nodeflow-dev/nodeflow-server/internal/graphexec"
	"github.com/nodeflow-dev/nodeflow-server/internal/queue"
	"github.com/nodeflow-dev/nodeflow-server/internal/registry"
)

type fakeConn struct {
	mu       sync.Mutex
	sent     []codec.Frame
	closedCh chan struct{}
}

func newFakeConn() *fakeConn { return &fakeConn{closedCh: make(chan struct{})} }

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
func (c *fakeConn) Close(string)            {}
func (c *fakeConn) Closed() <-chan struct{} { return c.closedCh }
func (c *fakeConn) frames() []codec.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]codec.Frame(nil), c.sent...)
}

var _ registry.Conn = (*fakeConn)(nil)

// scriptedExecutor is a graphexec.GraphExecutor test double whose Execute
// behavior is driven entirely by the test: it can emit progress/result
// callbacks, block until stopped, or return immediately with a fixed result.
type scriptedExecutor struct {
	mu        sync.Mutex
	stopped   bool
	stopCh    chan struct{}
	stopOnce  sync.Once
	progressFn func(graphexec.ProgressEvent)
	resultFn   func(string, graphexec.NodeOutput)

	blockUntilStop bool
	results        map[string]graphexec.NodeOutput
	err            error
	emitBeforeWait func(e *scriptedExecutor)
}

func newScriptedExecutor() *scriptedExecutor {
	return &scriptedExecutor{stopCh: make(chan struct{})}
}

func (e *scriptedExecutor) SetProgressCallback(fn func(graphexec.ProgressEvent)) { e.progressFn = fn }
func (e *scriptedExecutor) SetResultCallback(fn func(string, graphexec.NodeOutput)) { e.resultFn = fn }

func (e *scriptedExecutor) ForceStop(reason string) {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()
	e.stopOnce.Do(func() { close(e.stopCh) })
}

func (e *scriptedExecutor) Execute(ctx context.Context) (map[string]graphexec.NodeOutput, error) {
	if e.emitBeforeWait != nil {
		e.emitBeforeWait(e)
	}
	if e.blockUntilStop {
		select {
		case <-e.stopCh:
		case <-ctx.Done():
		}
		return nil, nil
	}
	return e.results, e.err
}

func testFactory(exec *scriptedExecutor) graphexec.Factory {
	return func(graph json.RawMessage, registry graphexec.NodeRegistry, store graphexec.CredentialStore) (graphexec.GraphExecutor, error) {
		return exec, nil
	}
}

func newTestQueue() *queue.Queue {
	return queue.New(queue.WithPositionInterval(time.Hour))
}

func frameTypes(frames []codec.Frame) []string {
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i] = frameKind(f)
	}
	return out
}

func frameKind(f codec.Frame) string {
	switch v := f.(type) {
	case codec.StatusFrame:
		return "status:" + v.State
	case codec.DataFrame:
		return "data"
	case codec.ProgressFrame:
		return "progress:" + v.State
	case codec.StoppedFrame:
		return "stopped"
	case codec.ErrorFrame:
		return "error"
	case codec.QueuePositionFrame:
		return "queue_position"
	default:
		return "other"
	}
}

func TestRunJobCompletesSuccessfullySendsRunningThenDataThenFinished(t *testing.T) {
	q := newTestQueue()
	conn := newFakeConn()
	_, err := q.Enqueue(conn, "s1", json.RawMessage(`{}`))
	require.NoError(t, err)
	job, ok := q.Next()
	require.True(t, ok)

	exec := newScriptedExecutor()
	exec.results = map[string]graphexec.NodeOutput{"n1": {"value": 1}}

	w := New(q, testFactory(exec), nil, nil, WithDisconnectPoll(0))
	w.runJob(context.Background(), job)

	require.Equal(t, queue.StateDone, job.State())
	types := frameTypes(conn.frames())
	require.Contains(t, types, "status:running")
	require.Contains(t, types, "data")
	require.Contains(t, types, "status:finished")
}

func TestRunJobExecutorErrorSendsErrorFrameAndStatusError(t *testing.T) {
	q := newTestQueue()
	conn := newFakeConn()
	_, _ = q.Enqueue(conn, "s1", json.RawMessage(`{}`))
	job, _ := q.Next()

	exec := newScriptedExecutor()
	exec.err = errors.New("boom")

	w := New(q, testFactory(exec), nil, nil, WithDisconnectPoll(0))
	w.runJob(context.Background(), job)

	types := frameTypes(conn.frames())
	require.Contains(t, types, "error")
	require.Contains(t, types, "status:error")
	require.Equal(t, queue.StateDone, job.State())
}

func TestRunJobCancelSignalStopsExecutorWithoutSendingStopped(t *testing.T) {
	q := newTestQueue()
	conn := newFakeConn()
	_, _ = q.Enqueue(conn, "s1", json.RawMessage(`{}`))
	job, _ := q.Next()

	exec := newScriptedExecutor()
	exec.blockUntilStop = true

	w := New(q, testFactory(exec), nil, nil, WithDisconnectPoll(0))

	done := make(chan struct{})
	go func() {
		w.runJob(context.Background(), job)
		close(done)
	}()

	// Give the worker a moment to reach its select, then cancel.
	time.Sleep(20 * time.Millisecond)
	q.Cancel(job)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runJob did not return after cancel")
	}

	require.True(t, exec.stopped)
	// The worker no longer sends the "stopped" frame itself — that
	// confirmation is owned by the connection handler, which waits on
	// job.DoneSignal() after calling queue.Cancel (see internal/httpapi),
	// so a single cancellation can never produce two terminal sends.
	types := frameTypes(conn.frames())
	require.NotContains(t, types, "stopped")
	require.Equal(t, queue.StateDone, job.State())
}

func TestRunJobTimeoutStopsExecutorAndSendsError(t *testing.T) {
	q := newTestQueue()
	conn := newFakeConn()
	_, _ = q.Enqueue(conn, "s1", json.RawMessage(`{}`))
	job, _ := q.Next()

	exec := newScriptedExecutor()
	exec.blockUntilStop = true

	w := New(q, testFactory(exec), nil, nil, WithExecutionTimeout(10*time.Millisecond), WithDisconnectPoll(0))
	w.runJob(context.Background(), job)

	require.True(t, exec.stopped)
	types := frameTypes(conn.frames())
	require.Contains(t, types, "error")
	require.Contains(t, types, "status:error")
	require.Equal(t, queue.StateDone, job.State())
}

func TestRunJobSkipsIfConnectionAlreadyClosed(t *testing.T) {
	q := newTestQueue()
	conn := newFakeConn()
	_, _ = q.Enqueue(conn, "s1", json.RawMessage(`{}`))
	job, _ := q.Next()
	conn.Close("test")
	close(conn.closedCh)

	exec := newScriptedExecutor()
	w := New(q, testFactory(exec), nil, nil, WithDisconnectPoll(0))
	w.runJob(context.Background(), job)

	require.Equal(t, queue.StateDone, job.State())
	// Enqueue and Next already sent queue_position frames on this conn;
	// runJob itself must send nothing once the connection is closed.
	for _, kind := range frameTypes(conn.frames()) {
		require.Equal(t, "queue_position", kind)
	}
}

func TestRunJobResultCallbackFramesAreExcludedFromFinalDataFrame(t *testing.T) {
	q := newTestQueue()
	conn := newFakeConn()
	_, _ = q.Enqueue(conn, "s1", json.RawMessage(`{}`))
	job, _ := q.Next()

	exec := newScriptedExecutor()
	exec.results = map[string]graphexec.NodeOutput{
		"immediate": {"value": 1},
		"batched":   {"value": 2},
	}
	exec.emitBeforeWait = func(e *scriptedExecutor) {
		e.resultFn("immediate", graphexec.NodeOutput{"value": 1})
	}

	w := New(q, testFactory(exec), nil, nil, WithDisconnectPoll(0))
	w.runJob(context.Background(), job)

	var dataFrames []codec.DataFrame
	for _, f := range conn.frames() {
		if df, ok := f.(codec.DataFrame); ok {
			dataFrames = append(dataFrames, df)
		}
	}
	require.Len(t, dataFrames, 2)
	require.Contains(t, dataFrames[0].Results, "immediate")
	require.NotContains(t, dataFrames[1].Results, "immediate")
	require.Contains(t, dataFrames[1].Results, "batched")
}

func TestRunJobRecoversFromPanicAndStillMarksDone(t *testing.T) {
	q := newTestQueue()
	conn := newFakeConn()
	_, _ = q.Enqueue(conn, "s1", json.RawMessage(`{}`))
	job, _ := q.Next()

	badFactory := func(graph json.RawMessage, r graphexec.NodeRegistry, s graphexec.CredentialStore) (graphexec.GraphExecutor, error) {
		panic("factory exploded")
	}

	w := New(q, badFactory, nil, nil, WithDisconnectPoll(0))
	require.NotPanics(t, func() { w.runJob(context.Background(), job) })
	require.Equal(t, queue.StateDone, job.State())
}
