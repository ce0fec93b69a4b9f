// Package health serves liveness and expvar metrics endpoints.
package health

import (
	"expvar"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Handler answers /healthz with "OK" and /metrics with the expvar set.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "OK")
	})
	mux.Handle("/metrics", expvar.Handler())
	return mux
}

// StartHealthServer serves Handler on addr in the background. The caller
// owns shutdown of the returned server.
func StartHealthServer(addr string) (*http.Server, net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("health listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		_ = srv.Serve(ln)
	}()
	return srv, ln, nil
}
