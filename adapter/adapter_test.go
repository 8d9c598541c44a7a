package adapter

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mini-pool/errs"
	"mini-pool/manager"
	"mini-pool/pool"
	"mini-pool/route"
	"mini-pool/transport"
)

var testRoute = route.Direct(route.NewHost("http", "a.example", 80), false)

type release struct {
	state     any
	keepAlive time.Duration
}

// recorder 记录每一次 ReleaseConnection 调用
type recorder struct {
	*manager.PoolingManager

	mu       sync.Mutex
	releases []release
}

func (r *recorder) ReleaseConnection(p *manager.Proxy, state any, keepAlive time.Duration) error {
	r.mu.Lock()
	r.releases = append(r.releases, release{state, keepAlive})
	r.mu.Unlock()
	return r.PoolingManager.ReleaseConnection(p, state, keepAlive)
}

func (r *recorder) calls() []release {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]release(nil), r.releases...)
}

// pipeFactory 返回绑定在 net.Pipe 上的连接，另一端回显
func pipeFactory() transport.Factory {
	return transport.FactoryFunc(func(ctx context.Context, r route.Route, cfg transport.ConnConfig) (transport.Conn, error) {
		client, server := net.Pipe()
		go func() {
			defer server.Close()
			io.Copy(server, server)
		}()
		c := transport.NewNetConn(cfg)
		c.Bind(client)
		return c, nil
	})
}

func newRecorder(t *testing.T) *recorder {
	t.Helper()
	logger, _ := test.NewNullLogger()
	m, err := manager.NewPoolingManager(2, 2, manager.WithFactory(pipeFactory()), manager.WithLogger(logger))
	require.NoError(t, err)
	t.Cleanup(m.Shutdown)
	return &recorder{PoolingManager: m}
}

func lease(t *testing.T, r *recorder, state any) *Adapter {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	p, err := r.RequestConnection(testRoute, state).Get(ctx)
	require.NoError(t, err)
	return New(r, p)
}

func exchange(t *testing.T, a *Adapter, msg string) {
	t.Helper()
	_, err := a.Write([]byte(msg))
	require.NoError(t, err)
	buf := make([]byte, len(msg))
	_, err = io.ReadFull(a, buf)
	require.NoError(t, err)
	assert.Equal(t, msg, string(buf))
}

func TestIOClearsReusableMark(t *testing.T) {
	r := newRecorder(t)
	a := lease(t, r, nil)

	a.MarkReusable()
	assert.True(t, a.IsMarkedReusable())
	exchange(t, a, "ping")
	assert.False(t, a.IsMarkedReusable())

	a.MarkReusable()
	a.UnmarkReusable()
	assert.False(t, a.IsMarkedReusable())
	require.NoError(t, a.ReleaseConnection())
}

func TestReleaseReusable(t *testing.T) {
	r := newRecorder(t)
	a := lease(t, r, nil)

	exchange(t, a, "hello")
	a.MarkReusable()
	a.SetIdleDuration(30 * time.Second)
	a.SetState("alice")
	require.NoError(t, a.ReleaseConnection())
	require.NoError(t, a.ReleaseConnection())

	assert.Equal(t, []release{{"alice", 30 * time.Second}}, r.calls())
	assert.Equal(t, pool.Stats{Available: 1, Max: 2}, r.Stats(testRoute))
	assert.True(t, a.IsReleased())

	_, err := a.Write([]byte("late"))
	assert.ErrorIs(t, err, errs.ErrConnectionShutdown)
	assert.ErrorIs(t, a.Connect(context.Background(), time.Second), errs.ErrConnectionShutdown)

	// the stored state selects the connection again
	b := lease(t, r, "alice")
	exchange(t, b, "again")
	assert.Equal(t, pool.Stats{Leased: 1, Max: 2}, r.Stats(testRoute))
}

// 未调用 SetState 时沿用租用时的状态
func TestReleaseKeepsLeaseState(t *testing.T) {
	r := newRecorder(t)
	a := lease(t, r, "alice")
	assert.Equal(t, "alice", a.State())

	exchange(t, a, "hello")
	a.MarkReusable()
	require.NoError(t, a.ReleaseConnection())
	assert.Equal(t, []release{{"alice", 0}}, r.calls())

	b := lease(t, r, "alice")
	exchange(t, b, "again")
	assert.Equal(t, pool.Stats{Leased: 1, Max: 2}, r.Stats(testRoute))
}

func TestReleaseUnmarked(t *testing.T) {
	r := newRecorder(t)
	a := lease(t, r, nil)
	proxy := a.Proxy()

	exchange(t, a, "half")
	a.SetIdleDuration(time.Minute)
	require.NoError(t, a.ReleaseConnection())

	assert.Equal(t, []release{{nil, 0}}, r.calls())
	assert.True(t, proxy.IsDetached())
	assert.Equal(t, pool.Stats{Max: 2}, r.Stats(testRoute))
}

func TestAbort(t *testing.T) {
	r := newRecorder(t)
	a := lease(t, r, nil)

	a.MarkReusable()
	a.SetIdleDuration(time.Minute)
	require.NoError(t, a.AbortConnection())
	require.NoError(t, a.AbortConnection())
	require.NoError(t, a.ReleaseConnection())

	assert.False(t, a.IsMarkedReusable())
	assert.Len(t, r.calls(), 1)
	assert.Equal(t, time.Duration(0), r.calls()[0].keepAlive)
	assert.Equal(t, pool.Stats{Max: 2}, r.TotalStats())
}

func TestAbortAfterRelease(t *testing.T) {
	r := newRecorder(t)
	a := lease(t, r, nil)

	a.MarkReusable()
	require.NoError(t, a.ReleaseConnection())
	require.NoError(t, a.AbortConnection())

	assert.Len(t, r.calls(), 1)
	assert.Equal(t, 1, r.Stats(testRoute).Available, "abort after release leaves the pooled connection alone")
}

func TestAbortNeverLeaksSlot(t *testing.T) {
	r := newRecorder(t)
	for i := 0; i < 10; i++ {
		a := lease(t, r, nil)
		require.NoError(t, a.Shutdown())
		require.NoError(t, a.AbortConnection())
	}
	assert.Equal(t, 0, r.TotalStats().Leased)
}

func TestRouteComplete(t *testing.T) {
	r := newRecorder(t)
	a := lease(t, r, nil)

	assert.False(t, a.IsRouteComplete())
	require.NoError(t, a.RouteComplete())
	assert.True(t, a.IsRouteComplete())
	got, err := a.Route()
	require.NoError(t, err)
	assert.Equal(t, testRoute, got)
	require.NoError(t, a.AbortConnection())
}
