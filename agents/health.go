package agents

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/valyala/fasthttp"

	relay "github.com/bt-bridge/avatar-relay"
	"github.com/bt-bridge/avatar-relay/shared"
)

const healthTimeout = 5 * time.Second

// healthURL derives the relay's /healthz address from its WebSocket URL.
func healthURL(relayURL string) (string, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return "", fmt.Errorf("parsing relay url: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported relay url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(strings.TrimSuffix(u.Path, "/"), "/ws") + "/healthz"
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

// CheckRelay fetches the relay's health status.
func CheckRelay(ctx context.Context, relayURL string) (relay.Status, error) {
	var st relay.Status
	target, err := healthURL(relayURL)
	if err != nil {
		return st, err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(target)
	req.Header.SetMethod(fasthttp.MethodGet)

	timeout := healthTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if err := ctx.Err(); err != nil {
		return st, err
	}
	if err := fasthttp.DoTimeout(req, resp, timeout); err != nil {
		return st, fmt.Errorf("%w: performing HTTP request: %w", shared.ErrConnectionLost, err)
	}
	switch resp.StatusCode() {
	case fasthttp.StatusOK, fasthttp.StatusServiceUnavailable:
	default:
		return st, fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode(), string(resp.Body()))
	}
	if err := sonic.Unmarshal(resp.Body(), &st); err != nil {
		return st, fmt.Errorf("decoding relay status: %w", err)
	}
	return st, nil
}
