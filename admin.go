package relay

import (
	"context"
	"net"

	"github.com/bytedance/sonic"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/zap"

	"github.com/bt-bridge/avatar-relay/shared"
)

// AdminHandler serves /healthz and /metrics for operators.
func AdminHandler(s *Server) fasthttp.RequestHandler {
	metrics := fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler())
	return func(ctx *fasthttp.RequestCtx) {
		switch string(ctx.Path()) {
		case "/healthz":
			st := s.Status()
			data, err := sonic.Marshal(st)
			if err != nil {
				ctx.Error(err.Error(), fasthttp.StatusInternalServerError)
				return
			}
			ctx.SetContentType("application/json")
			if !st.Ready {
				ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
			}
			ctx.SetBody(data)
		case "/metrics":
			metrics(ctx)
		default:
			ctx.Error("not found", fasthttp.StatusNotFound)
		}
	}
}

// ServeAdmin runs the admin listener on ln until ctx is cancelled.
func ServeAdmin(ctx context.Context, logger shared.LoggerAdapter, ln net.Listener, s *Server) error {
	srv := &fasthttp.Server{
		Handler:          AdminHandler(s),
		Name:             "avatar-relay-admin",
		NoDefaultDate:    true,
		DisableKeepalive: true,
	}
	go func() {
		<-ctx.Done()
		if err := srv.Shutdown(); err != nil {
			logger.Debug("admin shutdown", zap.Error(err))
		}
	}()
	logger.Info("admin listening", zap.String("addr", ln.Addr().String()))
	return srv.Serve(ln)
}
