package client

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"mini-pool/adapter"
	"mini-pool/route"
)

// ConnectTunneler opens the tunnel with an HTTP CONNECT request to the
// first hop of the route.
type ConnectTunneler struct {
	// Header is sent with every CONNECT, typically Proxy-Authorization.
	Header http.Header
}

func (t *ConnectTunneler) Tunnel(ctx context.Context, a *adapter.Adapter, r route.Route) error {
	target := r.Target().HostPort()
	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Host: target},
		Host:   target,
		Header: t.Header.Clone(),
	}
	if req.Header == nil {
		req.Header = make(http.Header)
	}

	if deadline, ok := ctx.Deadline(); ok {
		if err := a.SetDeadline(deadline); err != nil {
			return err
		}
		defer a.SetDeadline(time.Time{})
	}

	if err := req.Write(a); err != nil {
		return fmt.Errorf("write CONNECT to %s: %w", r.FirstHop(), err)
	}
	// the proxy sends nothing past the status until the client speaks, so
	// the reader cannot swallow tunnel bytes
	resp, err := http.ReadResponse(bufio.NewReader(a), req)
	if err != nil {
		return fmt.Errorf("read CONNECT response from %s: %w", r.FirstHop(), err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return fmt.Errorf("proxy %s refused tunnel to %s: %s", r.FirstHop(), target, resp.Status)
	}
	return nil
}
