package route

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHost(t *testing.T) {
	cases := []struct {
		in     string
		expect Host
	}{
		{"example.com", Host{Scheme: "http", Name: "example.com"}},
		{"https://Example.com:8443", Host{Scheme: "https", Name: "example.com", Port: 8443}},
		{"http://[::1]:8080", Host{Scheme: "http", Name: "::1", Port: 8080}},
	}
	for _, tc := range cases {
		h, err := ParseHost(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.expect, h, tc.in)
	}

	_, err := ParseHost("")
	assert.Error(t, err)
	_, err = ParseHost("http://a:99999")
	assert.Error(t, err)
}

func TestRouteEquality(t *testing.T) {
	target := NewHost("https", "a.example", 443)
	proxy := NewHost("http", "proxy", 3128)

	r1 := ViaProxy(target, proxy, true)
	r2 := ViaProxy(target, proxy, true)
	r3 := Direct(target, true)

	assert.True(t, r1 == r2)
	assert.True(t, r1.Equal(r2))
	assert.False(t, r1.Equal(r3))
	assert.False(t, Direct(target, false).Equal(r3))

	m := map[Route]int{r1: 1}
	assert.Equal(t, 1, m[r2])
}

func TestRouteHops(t *testing.T) {
	target := NewHost("https", "a.example", 443)
	p1 := NewHost("http", "p1", 3128)
	p2 := NewHost("http", "p2", 8080)

	r := New(target, []Host{p1, p2}, "10.0.0.1", true)
	assert.Equal(t, 3, r.HopCount())
	assert.Equal(t, []Host{p1, p2}, r.Proxies())
	assert.Equal(t, p1, r.FirstHop())
	assert.True(t, r.IsTunnelled())
	assert.True(t, r.IsLayered())
	assert.Equal(t, "10.0.0.1", r.LocalAddr())

	h, err := r.HopTarget(2)
	require.NoError(t, err)
	assert.Equal(t, target, h)
	h, err = r.HopTarget(1)
	require.NoError(t, err)
	assert.Equal(t, p2, h)
	_, err = r.HopTarget(3)
	assert.Error(t, err)

	d := Direct(target, true)
	assert.Equal(t, 1, d.HopCount())
	assert.Equal(t, target, d.FirstHop())
	assert.False(t, d.IsTunnelled())
	_, ok := d.ProxyHost()
	assert.False(t, ok)

	assert.Equal(t, "10.0.0.1->{ts}->http://p1:3128->http://p2:8080->https://a.example:443", r.String())
}
