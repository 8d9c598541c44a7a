package route

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http/httpproxy"

	"mini-pool/errs"
)

func TestPlanDefaultPort(t *testing.T) {
	p := &DefaultPlanner{}

	r, err := p.Plan(&Host{Scheme: "https", Name: "a.example"}, Request{})
	require.NoError(t, err)
	assert.Equal(t, NewHost("https", "a.example", 443), r.Target())
	assert.True(t, r.IsSecure())

	r, err = p.Plan(&Host{Name: "a.example"}, Request{})
	require.NoError(t, err)
	assert.Equal(t, 80, r.Target().Port)
	assert.False(t, r.IsSecure())

	r, err = p.Plan(&Host{Scheme: "http", Name: "a.example", Port: 8080}, Request{LocalAddr: "127.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, 8080, r.Target().Port)
	assert.Equal(t, "127.0.0.1", r.LocalAddr())
}

func TestPlanMissingTarget(t *testing.T) {
	p := &DefaultPlanner{}

	_, err := p.Plan(nil, Request{})
	assert.True(t, errs.IsUsage(err))
	assert.ErrorIs(t, err, errs.ErrNoTarget)

	_, err = p.Plan(&Host{Scheme: "http"}, Request{})
	assert.ErrorIs(t, err, errs.ErrNoTarget)

	_, err = p.Plan(&Host{Scheme: "gopher", Name: "a"}, Request{})
	assert.ErrorIs(t, err, errs.ErrInvalidRoute)
}

func TestPlanExplicitProxyWins(t *testing.T) {
	selected := NewHost("http", "selected", 3128)
	p := &DefaultPlanner{Proxy: func(Host) (*Host, error) { return &selected, nil }}

	r, err := p.Plan(&Host{Scheme: "https", Name: "a.example"}, Request{})
	require.NoError(t, err)
	ph, ok := r.ProxyHost()
	require.True(t, ok)
	assert.Equal(t, selected, ph)

	explicit := Host{Scheme: "http", Name: "explicit"}
	r, err = p.Plan(&Host{Scheme: "https", Name: "a.example"}, Request{Proxy: &explicit})
	require.NoError(t, err)
	ph, _ = r.ProxyHost()
	assert.Equal(t, NewHost("http", "explicit", 80), ph)
	assert.True(t, r.IsTunnelled())
}

func TestConfigProxySelector(t *testing.T) {
	sel := ConfigProxySelector(&httpproxy.Config{
		HTTPSProxy: "http://proxy.internal:3128",
		NoProxy:    "skip.example",
	})
	p := &DefaultPlanner{Proxy: sel}

	r, err := p.Plan(&Host{Scheme: "https", Name: "a.example"}, Request{})
	require.NoError(t, err)
	ph, ok := r.ProxyHost()
	require.True(t, ok)
	assert.Equal(t, NewHost("http", "proxy.internal", 3128), ph)

	r, err = p.Plan(&Host{Scheme: "https", Name: "skip.example"}, Request{})
	require.NoError(t, err)
	_, ok = r.ProxyHost()
	assert.False(t, ok)

	// No HTTP_PROXY configured, plain http goes direct.
	r, err = p.Plan(&Host{Scheme: "http", Name: "a.example"}, Request{})
	require.NoError(t, err)
	assert.Equal(t, 1, r.HopCount())
}
