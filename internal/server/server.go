// Package server accepts BNDP client connections and drives one session
// per connection against the tuner pool and catalog.
package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bondnet/bonproxy/internal/catalog"
	"github.com/bondnet/bonproxy/internal/log"
	"github.com/bondnet/bonproxy/internal/tuner"
)

// Config tunes the connection layer.
type Config struct {
	MaxConnections int           // concurrent client sessions, 0 for default
	RequestTimeout time.Duration // per-request handling budget
}

const (
	defaultMaxConnections = 32
	defaultRequestTimeout = 10 * time.Second
)

// Server owns the accept loop and the live session set.
type Server struct {
	cfg    Config
	pool   *tuner.Pool
	sel    *tuner.Selector
	store  *catalog.Store
	logger zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

func New(pool *tuner.Pool, sel *tuner.Selector, store *catalog.Store, cfg Config) *Server {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = defaultMaxConnections
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	return &Server{
		cfg:      cfg,
		pool:     pool,
		sel:      sel,
		store:    store,
		logger:   log.WithComponent("server"),
		sessions: make(map[string]*Session),
	}
}

// Serve accepts connections on ln until the context ends. The listener
// may already be TLS-wrapped; the server does not care.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Warn().Err(err).Msg("accept failed")
			continue
		}

		s.mu.Lock()
		if len(s.sessions) >= s.cfg.MaxConnections {
			s.mu.Unlock()
			s.logger.Warn().
				Str(log.FieldClientAddr, conn.RemoteAddr().String()).
				Int("limit", s.cfg.MaxConnections).
				Msg("connection rejected, session limit reached")
			_ = conn.Close()
			continue
		}
		sess := newSession(s, conn)
		s.sessions[sess.ID] = sess
		s.mu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			sess.run(ctx)
			s.mu.Lock()
			delete(s.sessions, sess.ID)
			s.mu.Unlock()
		}()
	}

	wg.Wait()
	return nil
}

// SessionInfo is a point-in-time view of one session, for status
// surfaces.
type SessionInfo struct {
	ID         string
	RemoteAddr string
	State      string
	DriverPath string
	Group      string
	TunerID    string
}

// Sessions snapshots the live session set.
func (s *Server) Sessions() []SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SessionInfo, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.info())
	}
	return out
}
