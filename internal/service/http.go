package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// httpServer carries the operational endpoints: /healthz and /metrics.
type httpServer struct {
	server   *http.Server
	listener net.Listener
}

// startHTTP binds addr and serves in the background. Binding, not
// serving, is the step that can fail, so Start surfaces it synchronously.
func startHTTP(addr string, registry *prometheus.Registry, healthz http.HandlerFunc, logger *slog.Logger) (*httpServer, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", healthz)

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("http listen: %w", err)
	}

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()
	return &httpServer{server: server, listener: listener}, nil
}

func (s *httpServer) addr() string {
	return s.listener.Addr().String()
}

func (s *httpServer) stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (r *Runtime) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
