package metrics

import (
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/smira/go-statsd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mini-pool/pool"
	"mini-pool/route"
)

var (
	routeA = route.Direct(route.NewHost("http", "a.example", 80), false)
	routeB = route.Direct(route.NewHost("https", "b.example", 443), true)
)

type staticSource map[route.Route]pool.Stats

func (s staticSource) TotalStats() pool.Stats {
	var total pool.Stats
	for _, st := range s {
		total.Leased += st.Leased
		total.Available += st.Available
		total.Pending += st.Pending
	}
	total.Max = 10
	return total
}

func (s staticSource) Routes() []route.Route {
	routes := make([]route.Route, 0, len(s))
	for r := range s {
		routes = append(routes, r)
	}
	return routes
}

func (s staticSource) Stats(r route.Route) pool.Stats { return s[r] }

type gaugeCall struct {
	stat  string
	value int64
	tags  []statsd.Tag
}

type gaugeSink struct {
	mu    sync.Mutex
	calls []gaugeCall
}

func (g *gaugeSink) Gauge(stat string, value int64, tags ...statsd.Tag) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, gaugeCall{stat, value, tags})
}

// get 返回最近一次匹配 stat 和 tags 的值
func (g *gaugeSink) get(stat string, tags ...statsd.Tag) (int64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i := len(g.calls) - 1; i >= 0; i-- {
		c := g.calls[i]
		if c.stat == stat && len(c.tags) == len(tags) && (len(tags) == 0 || c.tags[0] == tags[0]) {
			return c.value, true
		}
	}
	return 0, false
}

func TestReport(t *testing.T) {
	src := staticSource{
		routeA: {Leased: 2, Available: 1, Max: 4},
		routeB: {Leased: 1, Pending: 3, Max: 2},
	}
	sink := &gaugeSink{}
	logger, _ := test.NewNullLogger()
	NewReporter(src, sink, logger).Report()

	tagA := statsd.StringTag("route", routeA.String())
	tagB := statsd.StringTag("route", routeB.String())
	for _, want := range []gaugeCall{
		{"pool.leased", 3, nil},
		{"pool.available", 1, nil},
		{"pool.pending", 3, nil},
		{"pool.max", 10, nil},
		{"route.leased", 2, []statsd.Tag{tagA}},
		{"route.max", 4, []statsd.Tag{tagA}},
		{"route.pending", 3, []statsd.Tag{tagB}},
		{"route.max", 2, []statsd.Tag{tagB}},
	} {
		got, ok := sink.get(want.stat, want.tags...)
		require.True(t, ok, want.stat)
		assert.Equal(t, want.value, got, want.stat)
	}
}

func TestRunReportsUntilCanceled(t *testing.T) {
	sink := &gaugeSink{}
	logger, _ := test.NewNullLogger()
	r := NewReporter(staticSource{}, sink, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx, 5*time.Millisecond)
		close(done)
	}()
	assert.Eventually(t, func() bool {
		_, ok := sink.get("pool.max")
		return ok
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

// 通过真实的 statsd 客户端发往本地 UDP 端口
func TestStatsdClient(t *testing.T) {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer conn.Close()

	client := NewStatsdClient(conn.LocalAddr().String(), "minipool.")
	logger, _ := test.NewNullLogger()
	NewReporter(staticSource{routeA: {Leased: 1, Max: 2}}, client, logger).Report()
	require.NoError(t, client.Close())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 64*1024)
	n, _, err := conn.ReadFrom(buf)
	require.NoError(t, err)
	packet := string(buf[:n])
	assert.True(t, strings.Contains(packet, "minipool.pool.leased:1|g"), packet)
}
