package collector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/sheerbytes/gridsend/internal/transferquic"
	"github.com/sheerbytes/gridsend/internal/wsclient"
	"golang.org/x/sync/errgroup"
)

// Listeners holds the endpoints a collector serves. TCP is required, the
// others are optional.
type Listeners struct {
	TCP    net.Listener
	QUIC   *transferquic.Listener
	WSAddr string
}

// Run serves every configured listener until ctx is cancelled or one of
// them fails, then waits for open connections to finish.
func (s *Server) Run(ctx context.Context, l Listeners) error {
	if l.TCP == nil {
		return errors.New("tcp listener is required")
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.ServeTCP(gctx, l.TCP) })
	if l.QUIC != nil {
		g.Go(func() error { return s.ServeQUIC(gctx, l.QUIC) })
	}
	if l.WSAddr != "" {
		g.Go(func() error { return s.ServeWS(gctx, l.WSAddr) })
	}
	err := g.Wait()
	s.Wait()
	return err
}

// ServeQUIC accepts QUIC connections from ln until ctx is cancelled. Each
// connection carries one stream.
func (s *Server) ServeQUIC(ctx context.Context, ln *transferquic.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	s.logger.Info("collector listening", "transport", "quic", "addr", ln.Addr().String())

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			stream, err := conn.AcceptStream(ctx)
			if err != nil {
				s.logger.Debug("no stream opened", "remote_addr", conn.RemoteAddr().String(), "error", err)
				return
			}
			s.Handle(ctx, stream, "quic", conn.RemoteAddr().String())
		}()
	}
}

// WSHandler returns an http.Handler that serves agents over WebSocket at
// wsclient.Path.
func (s *Server) WSHandler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(wsclient.Path, wsclient.NewHandler(func(r *http.Request, c *wsclient.Conn) {
		s.wg.Add(1)
		defer s.wg.Done()
		s.Handle(ctx, c, "ws", r.RemoteAddr)
	}, s.logger))
	return mux
}

// ServeWS listens for WebSocket agents on addr until ctx is cancelled.
func (s *Server) ServeWS(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("websocket listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           s.WSHandler(ctx),
		ReadHeaderTimeout: 5 * time.Second,
	}
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
	defer stop()

	s.logger.Info("collector listening", "transport", "ws", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
