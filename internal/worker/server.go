package worker

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/ridesync/internal/metrics"
	"github.com/erauner12/ridesync/internal/rpc"
)

// Handler returns the worker's front server: the RPC websocket, metrics,
// health, and the interceptor for everything else
func (w *Worker) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(correlation)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		rw.Write([]byte("ok"))
	})
	r.Handle("/metrics", metrics.Handler())
	r.Get("/rpc", w.serveRPC)
	r.Handle("/*", w.Interceptor)

	return r
}

func (w *Worker) originPatterns() []string {
	if w.cfg.DevMode {
		return []string{"*"}
	}
	return w.cfg.AllowedOrigins
}

// serveRPC upgrades to a websocket and serves RPC messages until the
// foreground disconnects
func (w *Worker) serveRPC(rw http.ResponseWriter, r *http.Request) {
	logger := log.Ctx(r.Context())

	conn, err := rpc.Accept(rw, r, w.originPatterns())
	if err != nil {
		logger.Warn().Err(err).Msg("rpc websocket upgrade failed")
		return
	}
	defer conn.Close()

	logger.Info().Str("remote", r.RemoteAddr).Msg("rpc client connected")
	if err := w.Router.Serve(r.Context(), conn); err != nil {
		logger.Warn().Err(err).Msg("rpc connection ended with error")
		return
	}
	logger.Info().Msg("rpc client disconnected")
}

// Connect returns an in-process caller, for a foreground living in the
// same process as the worker
func (w *Worker) Connect(ctx context.Context) *rpc.Caller {
	client, server := rpc.Pipe()
	go func() {
		if err := w.Router.Serve(ctx, server); err != nil {
			log.Ctx(ctx).Warn().Err(err).Msg("in-process rpc ended with error")
		}
	}()
	return rpc.NewCaller(client, w.cfg.RPCTimeout.Duration)
}
