package manager

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"mini-pool/errs"
	"mini-pool/middleware"
	"mini-pool/pool"
	"mini-pool/route"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newPooling(t *testing.T, perRoute, total int, opts ...Option) (*PoolingManager, *memFactory) {
	t.Helper()
	f := &memFactory{}
	opts = append([]Option{WithFactory(f), WithLogger(quietLogger())}, opts...)
	m, err := NewPoolingManager(perRoute, total, opts...)
	require.NoError(t, err)
	t.Cleanup(m.Shutdown)
	return m, f
}

func get(t *testing.T, m Manager, r route.Route, state any) *Proxy {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	p, err := m.RequestConnection(r, state).Get(ctx)
	require.NoError(t, err)
	return p
}

func TestPoolingReleaseAndReuse(t *testing.T) {
	m, f := newPooling(t, 2, 4)

	p := get(t, m, routeX, nil)
	id, _ := p.ID()
	require.NoError(t, m.ReleaseConnection(p, "alice", time.Minute))
	assert.Equal(t, pool.Stats{Available: 1, Max: 2}, m.Stats(routeX))

	// 只有 route 和 state 都相同的连接才会被复用
	other := get(t, m, routeX, "bob")
	otherID, _ := other.ID()
	assert.NotEqual(t, id, otherID)

	again := get(t, m, routeX, "alice")
	againID, _ := again.ID()
	assert.Equal(t, id, againID)
	assert.Equal(t, 2, f.created())

	y := get(t, m, routeY, "alice")
	yID, _ := y.ID()
	assert.NotEqual(t, id, yID)
	assert.Equal(t, pool.Stats{Leased: 3, Max: 4}, m.TotalStats())
	assert.ElementsMatch(t, []route.Route{routeX, routeY}, m.Routes())
}

func TestPoolingReleaseIdempotent(t *testing.T) {
	m, _ := newPooling(t, 2, 2)

	p := get(t, m, routeX, nil)
	require.NoError(t, m.ReleaseConnection(p, nil, time.Minute))
	require.NoError(t, m.ReleaseConnection(p, nil, time.Minute))
	assert.Equal(t, pool.Stats{Available: 1, Max: 2}, m.Stats(routeX))

	_, err := p.Write([]byte("late"))
	assert.ErrorIs(t, err, errs.ErrConnectionShutdown)
}

// 同一个请求多次 Get 只得到同一个代理，释放后不能再操作别人的连接
func TestPoolingRequestGetReturnsSameProxy(t *testing.T) {
	m, f := newPooling(t, 1, 1)
	ctx := context.Background()

	req := m.RequestConnection(routeX, nil)
	p1, err := req.Get(ctx)
	require.NoError(t, err)
	p2, err := req.Get(ctx)
	require.NoError(t, err)
	assert.Same(t, p1, p2)

	require.NoError(t, m.ReleaseConnection(p1, nil, time.Minute))
	q := get(t, m, routeX, nil)
	qID, _ := q.ID()

	stale, err := req.Get(ctx)
	require.NoError(t, err)
	assert.True(t, stale.IsDetached())
	_, err = stale.Write([]byte("stale"))
	assert.ErrorIs(t, err, errs.ErrConnectionShutdown)
	require.NoError(t, m.ReleaseConnection(stale, nil, time.Minute))
	assert.Equal(t, pool.Stats{Leased: 1, Max: 1}, m.Stats(routeX), "q is still leased")

	require.NoError(t, m.ReleaseConnection(q, nil, time.Minute))
	again := get(t, m, routeX, nil)
	againID, _ := again.ID()
	assert.Equal(t, qID, againID)
	assert.Equal(t, 1, f.created())
}

func TestPoolingReleaseForeign(t *testing.T) {
	m, _ := newPooling(t, 2, 2)
	other, _ := newPooling(t, 2, 2)

	p := get(t, other, routeX, nil)
	err := m.ReleaseConnection(p, nil, 0)
	assert.True(t, errs.IsUsage(err))
	assert.ErrorIs(t, err, errs.ErrForeignConnection)
	assert.True(t, p.IsOpen(), "a rejected release leaves the proxy attached")

	assert.True(t, errs.IsUsage(m.ReleaseConnection(nil, nil, 0)))
	assert.True(t, errs.IsUsage(m.Connect(context.Background(), p, time.Second)))
	assert.True(t, errs.IsUsage(m.RouteComplete(p)))
}

func TestPoolingClosedConnectionDiscarded(t *testing.T) {
	m, f := newPooling(t, 2, 2)

	p := get(t, m, routeX, nil)
	require.NoError(t, p.Close())
	require.NoError(t, m.ReleaseConnection(p, nil, time.Minute))
	assert.Equal(t, pool.Stats{Max: 2}, m.Stats(routeX))

	get(t, m, routeX, nil)
	assert.Equal(t, 2, f.created())
}

func TestPoolingLeaseTimeout(t *testing.T) {
	m, _ := newPooling(t, 1, 1)
	held := get(t, m, routeX, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := m.RequestConnection(routeX, nil).Get(ctx)
	require.Error(t, err)
	assert.True(t, errs.IsTimeout(err))
	assert.Equal(t, 0, m.Stats(routeX).Pending)

	require.NoError(t, m.ReleaseConnection(held, nil, time.Minute))
	assert.Equal(t, pool.Stats{Available: 1, Max: 1}, m.Stats(routeX))
}

func TestPoolingCancel(t *testing.T) {
	m, _ := newPooling(t, 1, 1)
	held := get(t, m, routeX, nil)

	req := m.RequestConnection(routeX, nil)
	assert.True(t, req.Cancel())
	_, err := req.Get(context.Background())
	assert.ErrorIs(t, err, errs.ErrLeaseCanceled)

	require.NoError(t, m.ReleaseConnection(held, nil, time.Minute))
	assert.Equal(t, 1, m.Stats(routeX).Available)
}

func TestPoolingConcurrentSingleSlot(t *testing.T) {
	m, f := newPooling(t, 1, 5)

	var g errgroup.Group
	for i := 0; i < 10; i++ {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			p, err := m.RequestConnection(routeX, nil).Get(ctx)
			if err != nil {
				return err
			}
			if _, err := p.Write([]byte("x")); err != nil {
				return err
			}
			return m.ReleaseConnection(p, nil, time.Minute)
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, 1, f.created())
}

func TestPoolingValidateAfterInactivity(t *testing.T) {
	c := &clock{t: time.Unix(1000, 0)}
	m, f := newPooling(t, 2, 2, WithClock(c.Now), WithValidateAfterInactivity(time.Second))

	p := get(t, m, routeX, nil)
	require.NoError(t, m.ReleaseConnection(p, nil, time.Hour))

	// idle below the threshold: handed out without a check
	f.conns[0].stale.Store(true)
	c.Advance(500 * time.Millisecond)
	p = get(t, m, routeX, nil)
	assert.Equal(t, 1, f.created())
	require.NoError(t, m.ReleaseConnection(p, nil, time.Hour))

	c.Advance(2 * time.Second)
	p = get(t, m, routeX, nil)
	assert.Equal(t, 2, f.created())
	assert.False(t, f.conns[0].IsOpen())
	assert.True(t, p.IsOpen())
	assert.Equal(t, pool.Stats{Leased: 1, Max: 2}, m.Stats(routeX))
}

func TestPoolingConnectEcho(t *testing.T) {
	target := startEchoServer(t)
	r := route.Direct(target, false)
	m, err := NewPoolingManager(2, 2, WithLogger(quietLogger()))
	require.NoError(t, err)
	defer m.Shutdown()

	p := get(t, m, r, nil)
	assert.False(t, p.IsOpen(), "new connections are unbound")
	require.NoError(t, m.Connect(context.Background(), p, time.Second))
	require.NoError(t, m.RouteComplete(p))
	assert.True(t, p.IsRouteComplete())

	_, err = p.Write([]byte("hello"))
	require.NoError(t, err)
	buf := make([]byte, 5)
	_, err = io.ReadFull(p, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))

	addr, err := p.RemoteAddr()
	require.NoError(t, err)
	assert.Contains(t, addr.String(), "127.0.0.1")

	require.NoError(t, m.ReleaseConnection(p, nil, time.Minute))

	again := get(t, m, r, nil)
	assert.True(t, again.IsOpen())
	assert.True(t, again.IsRouteComplete())

	err = m.Upgrade(context.Background(), again)
	assert.True(t, errs.IsUsage(err), "plain routes cannot be upgraded")
	assert.ErrorIs(t, err, errs.ErrInvalidRoute)
}

func TestPoolingApplyLimits(t *testing.T) {
	m, _ := newPooling(t, 2, 4)

	require.NoError(t, m.ApplyLimits(Limits{MaxTotal: 10, DefaultMaxPerRoute: 3, PerRoute: map[route.Route]int{routeX: 5}}))
	assert.Equal(t, 10, m.MaxTotal())
	assert.Equal(t, 3, m.DefaultMaxPerRoute())
	assert.Equal(t, 5, m.MaxPerRoute(routeX))
	assert.Equal(t, 3, m.MaxPerRoute(routeY))

	require.NoError(t, m.ApplyLimits(Limits{MaxTotal: 10, DefaultMaxPerRoute: 4}))
	assert.Equal(t, 4, m.MaxPerRoute(routeX), "dropped overrides fall back to the default")

	err := m.ApplyLimits(Limits{MaxTotal: 0, DefaultMaxPerRoute: 1})
	assert.ErrorIs(t, err, errs.ErrInvalidLimits)
	err = m.ApplyLimits(Limits{MaxTotal: 1, DefaultMaxPerRoute: 1, PerRoute: map[route.Route]int{routeY: -1}})
	assert.True(t, errs.IsUsage(err))
	assert.Equal(t, 10, m.MaxTotal(), "rejected limits are not applied")

	assert.True(t, errs.IsUsage(m.SetMaxTotal(0)))
	require.NoError(t, m.SetDefaultMaxPerRoute(1))
	m.SetMaxPerRoute(routeY, 7)
	assert.Equal(t, 7, m.MaxPerRoute(routeY))
}

func TestPoolingEvictor(t *testing.T) {
	m, _ := newPooling(t, 2, 2)

	p := get(t, m, routeX, nil)
	require.NoError(t, m.ReleaseConnection(p, nil, 20*time.Millisecond))
	pinned := get(t, m, routeY, nil)
	require.NoError(t, m.ReleaseConnection(pinned, nil, 0))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartEvictor(ctx, 5*time.Millisecond, time.Millisecond)

	assert.Eventually(t, func() bool { return m.Stats(routeX).Available == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, m.Stats(routeY).Available, "pinned connections survive the evictor")

	m.Shutdown()
	m.StartEvictor(ctx, 5*time.Millisecond, 0)
}

func TestPoolingMiddleware(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	m, _ := newPooling(t, 1, 1, WithMiddleware(middleware.LoggingMiddleware(logger)))

	get(t, m, routeX, nil)
	var messages []string
	for _, e := range hook.AllEntries() {
		messages = append(messages, e.Message)
	}
	assert.Contains(t, messages, "connection created")
}

func TestPoolingShutdown(t *testing.T) {
	m, f := newPooling(t, 1, 2)

	idle := get(t, m, routeX, nil)
	require.NoError(t, m.ReleaseConnection(idle, nil, time.Minute))
	busy := get(t, m, routeY, nil)

	m.Shutdown()
	m.Shutdown()

	assert.False(t, f.conns[0].IsOpen())
	assert.EqualValues(t, 1, f.conns[1].shutdowns.Load())
	assert.NoError(t, m.ReleaseConnection(busy, nil, time.Minute))
	assert.Equal(t, 0, m.TotalStats().Available)

	_, err := m.RequestConnection(routeX, nil).Get(context.Background())
	assert.ErrorIs(t, err, errs.ErrPoolShutdown)
}
