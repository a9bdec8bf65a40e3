package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/crypto/acme"

	"github.com/edgeline/edgeline/internal/certs"
	"github.com/edgeline/edgeline/pkg/config"
)

// Server runs the two gateway listeners. The plain listener serves http
// entrypoint services and redirects tls-only ones; the TLS listener
// terminates TLS using the certificate manager for SNI resolution.
type Server struct {
	cfg     config.ServerConfig
	router  *Router
	certMgr *certs.Manager
	logger  *slog.Logger

	mu      sync.Mutex
	httpSrv *http.Server
	tlsSrv  *http.Server
}

// NewServer wires a Server from the listener config, router and certificate
// manager. certMgr may be nil, in which case the TLS listener is not started.
func NewServer(cfg config.ServerConfig, router *Router, certMgr *certs.Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, router: router, certMgr: certMgr, logger: logger}
}

// Start binds both listeners and begins serving. It returns once the
// listeners are bound; serve errors are reported on the returned channel.
func (s *Server) Start() (<-chan error, error) {
	errCh := make(chan error, 2)

	httpLn, err := net.Listen("tcp", s.cfg.HTTPAddress)
	if err != nil {
		return nil, fmt.Errorf("bind http listener on %s: %w", s.cfg.HTTPAddress, err)
	}

	s.mu.Lock()
	s.httpSrv = &http.Server{
		Handler:      otelhttp.NewHandler(s.router.Handler(false), "gateway.http"),
		IdleTimeout:  s.cfg.IdleTimeout,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	s.mu.Unlock()

	s.logger.Info("http listener started", "address", s.cfg.HTTPAddress)
	go func() {
		if err := s.httpSrv.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http listener: %w", err)
		}
	}()

	if s.certMgr == nil {
		return errCh, nil
	}

	tlsLn, err := net.Listen("tcp", s.cfg.TLSAddress)
	if err != nil {
		_ = httpLn.Close()
		return nil, fmt.Errorf("bind tls listener on %s: %w", s.cfg.TLSAddress, err)
	}

	tlsCfg := &tls.Config{
		MinVersion:     tls.VersionTLS12,
		GetCertificate: s.certMgr.GetCertificate,
		NextProtos:     []string{"h2", "http/1.1", acme.ALPNProto},
	}

	s.mu.Lock()
	s.tlsSrv = &http.Server{
		Handler:      otelhttp.NewHandler(s.router.Handler(true), "gateway.tls"),
		IdleTimeout:  s.cfg.IdleTimeout,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	s.mu.Unlock()

	s.logger.Info("tls listener started", "address", s.cfg.TLSAddress)
	go func() {
		if err := s.tlsSrv.Serve(tls.NewListener(tlsLn, tlsCfg)); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("tls listener: %w", err)
		}
	}()

	return errCh, nil
}

// Shutdown drains both listeners, letting in-flight requests finish until ctx
// expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	httpSrv, tlsSrv := s.httpSrv, s.tlsSrv
	s.mu.Unlock()

	var errs []error
	if httpSrv != nil {
		if err := httpSrv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown http listener: %w", err))
		}
	}
	if tlsSrv != nil {
		if err := tlsSrv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tls listener: %w", err))
		}
	}
	return errors.Join(errs...)
}
