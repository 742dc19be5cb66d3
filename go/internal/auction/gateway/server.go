package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/subasta/go/internal/auction/transport"
)

// Server accepts bidder connections on the line protocol listener and
// hands each one to the coordinator.
type Server struct {
	coordinator *Coordinator
	config      transport.Config

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// NewServer creates a line protocol server bound to c.
func NewServer(c *Coordinator, config transport.Config) *Server {
	return &Server{
		coordinator: c,
		config:      config,
	}
}

// ListenAndServe listens on addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the accept loop on ln. It returns nil once ctx is cancelled
// and every connection handler has exited.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	log.Info().Str("addr", ln.Addr().String()).Msg("auction server listening")

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}

			// Temporary accept failures (fd exhaustion and the like)
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff *= 2; backoff > time.Second {
				backoff = time.Second
			}
			log.Error().Err(err).Dur("retry_in", backoff).Msg("accept failed")
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.ServeChannel(ctx, transport.NewLineChannel(conn, s.config), "tcp")
		}()
	}
}

// Addr returns the bound listener address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ServeChannel admits a connected peer and runs its session to completion.
func (s *Server) ServeChannel(ctx context.Context, ch transport.Channel, transportName string) {
	session, err := s.coordinator.Admit(ch, transportName)
	if err != nil {
		return
	}
	session.Run(ctx)
}
