package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server serves the Prometheus scrape endpoint. It implements
// sched.Runnable so it runs under the same Runner as everything else.
type Server struct {
	Addr string
	Path string
}

// NewServer creates a scrape server on addr. An empty path defaults
// to /metrics.
func NewServer(addr, path string) *Server {
	if path == "" {
		path = "/metrics"
	}
	return &Server{Addr: addr, Path: path}
}

// Name implements Named.
func (s *Server) Name() string {
	return "metrics"
}

// Run implements Runnable.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle(s.Path, promhttp.Handler())
	server := &http.Server{
		Addr:        s.Addr,
		Handler:     mux,
		ReadTimeout: 5 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	glog.V(1).Infof("metrics on http://%s%s", s.Addr, s.Path)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
		<-errCh
		return context.Canceled
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
