package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/bt-bridge/avatar-relay/shared"
)

func serveAdmin(h fasthttp.RequestHandler, path string) *fasthttp.Response {
	var req fasthttp.Request
	req.SetRequestURI(path)
	var ctx fasthttp.RequestCtx
	ctx.Init(&req, nil, nil)
	h(&ctx)
	resp := new(fasthttp.Response)
	ctx.Response.CopyTo(resp)
	return resp
}

func TestAdminHandler(t *testing.T) {
	srv, err := NewServer(shared.NewNopLogger(), ServerConfig{
		Connection: ConnectionConfig{Dialer: &fakeDialer{}},
	})
	require.NoError(t, err)
	h := AdminHandler(srv)

	resp := serveAdmin(h, "/healthz")
	assert.Equal(t, fasthttp.StatusServiceUnavailable, resp.StatusCode())
	assert.JSONEq(t, `{"ready":false,"upstream_credentials":false,"connections":0}`, string(resp.Body()))

	resp = serveAdmin(h, "/metrics")
	assert.Equal(t, fasthttp.StatusOK, resp.StatusCode())
	assert.Contains(t, string(resp.Body()), "avatar_relay_live_connections")

	resp = serveAdmin(h, "/nope")
	assert.Equal(t, fasthttp.StatusNotFound, resp.StatusCode())
}
