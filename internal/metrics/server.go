package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusServer exposes a Prometheus scrape endpoint on addr.
type PrometheusServer struct {
	addr string
	path string
	srv  *http.Server
}

// NewPrometheusServer builds a PrometheusServer that serves the default
// Prometheus registry's metrics at path.
func NewPrometheusServer(addr, path string) *PrometheusServer {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{}))
	return &PrometheusServer{
		addr: addr,
		path: path,
		srv:  &http.Server{Addr: addr, Handler: mux},
	}
}

// Start runs the scrape endpoint until ctx is cancelled.
func (s *PrometheusServer) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		_ = s.srv.Shutdown(context.Background())
		return ctx.Err()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
