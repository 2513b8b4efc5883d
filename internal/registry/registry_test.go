package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nodeflow-dev/nodeflow-server/internal/codec"
)

type fakeConn struct {
	name       string
	sent       []codec.Frame
	closedWith string
	closedCh   chan struct{}
}

func newFakeConn(name string) *fakeConn {
	return &fakeConn{name: name, closedCh: make(chan struct{})}
}

func (c *fakeConn) SendCritical(_ context.Context, f codec.Frame) error {
	c.sent = append(c.sent, f)
	return nil
}
func (c *fakeConn) SendBestEffort(f codec.Frame) { c.sent = append(c.sent, f) }
func (c *fakeConn) Close(reason string) {
	c.closedWith = reason
	close(c.closedCh)
}
func (c *fakeConn) Closed() <-chan struct{} { return c.closedCh }

type fakeJob struct{ conn Conn }

func (j *fakeJob) SetConnection(c Conn) { j.conn = c }

func TestEstablishMintsFreshSessionWhenNoneGiven(t *testing.T) {
	r := New()
	conn := newFakeConn("a")
	sid, err := r.Establish(context.Background(), conn, "")
	require.NoError(t, err)
	require.NotEmpty(t, sid)
	require.Len(t, conn.sent, 1)
	require.Equal(t, codec.SessionFrame{SessionID: sid}, conn.sent[0])
}

func TestEstablishReusesKnownSession(t *testing.T) {
	r := New()
	connA := newFakeConn("a")
	sid, err := r.Establish(context.Background(), connA, "")
	require.NoError(t, err)

	connB := newFakeConn("b")
	sid2, err := r.Establish(context.Background(), connB, sid)
	require.NoError(t, err)
	require.Equal(t, sid, sid2)
}

func TestEstablishMintsFreshSessionForUnknownID(t *testing.T) {
	r := New()
	conn := newFakeConn("a")
	sid, err := r.Establish(context.Background(), conn, "nonexistent-session")
	require.NoError(t, err)
	require.NotEqual(t, "nonexistent-session", sid)
}

func TestRegisterReplacesPriorConnectionAtomically(t *testing.T) {
	r := New()
	connA := newFakeConn("a")
	r.Register("s1", connA)

	connB := newFakeConn("b")
	r.Register("s1", connB)

	require.Equal(t, "session replaced", connA.closedWith)
	got, ok := r.GetConnection("s1")
	require.True(t, ok)
	require.Same(t, connB, got)
}

func TestRegisterRebindsActiveJobConnection(t *testing.T) {
	r := New()
	connA := newFakeConn("a")
	r.Register("s1", connA)

	job := &fakeJob{}
	r.SetJob("s1", job)
	require.Same(t, connA, job.conn)

	connB := newFakeConn("b")
	r.Register("s1", connB)
	require.Same(t, connB, job.conn)
}

func TestUnregisterIsRaceSafeAgainstNewerConnection(t *testing.T) {
	r := New()
	connA := newFakeConn("a")
	r.Register("s1", connA)

	connB := newFakeConn("b")
	r.Register("s1", connB)

	// Unregistering the stale connA must not disturb connB's binding.
	r.Unregister("s1", connA)
	got, ok := r.GetConnection("s1")
	require.True(t, ok)
	require.Same(t, connB, got)
}

func TestUnregisterRemovesCurrentBinding(t *testing.T) {
	r := New()
	conn := newFakeConn("a")
	r.Register("s1", conn)
	r.Unregister("s1", conn)

	_, ok := r.GetConnection("s1")
	require.False(t, ok)
}

func TestSetJobAndGetJob(t *testing.T) {
	r := New()
	job := &fakeJob{}
	r.SetJob("s1", job)

	got, ok := r.GetJob("s1")
	require.True(t, ok)
	require.Same(t, job, got)

	r.SetJob("s1", nil)
	_, ok = r.GetJob("s1")
	require.False(t, ok)
}
