package server

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"

	"render-realtime/internal/config"
)

func NewHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// Listen binds the server's address so port conflicts surface before the
// process reports itself started.
func Listen(srv *http.Server) (net.Listener, error) {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen on %s", srv.Addr)
	}
	return ln, nil
}

// Serve blocks until the server stops. A graceful shutdown is not an error.
func Serve(cfg config.Config, srv *http.Server, ln net.Listener) error {
	var err error
	if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
		err = srv.ServeTLS(ln, cfg.TLSCertFile, cfg.TLSKeyFile)
	} else {
		err = srv.Serve(ln)
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
