// Copyright 2024-2026 Aiku AI

package gateway

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/irc.v4"
)

// Version identifies the gateway in the welcome sequence. Overridden at
// build time with -ldflags.
var Version = "0.1.0"

func versionString() string {
	return "mattermost-ircd-" + Version
}

// Server accepts protocol clients and binds them to one authenticated
// remote identity. All sessions share the directory, the tracker, and the
// remote client.
type Server struct {
	cfg       *Config
	log       zerolog.Logger
	remote    RemoteClient
	dir       *Directory
	tracker   *Tracker
	startedAt time.Time

	mu       sync.RWMutex
	sessions map[*Session]struct{}

	stopOnce sync.Once
	stopChan chan struct{}
}

// NewServer wires a server around an already-constructed remote client.
// Connect and the directory warm-up happen in Run.
func NewServer(cfg *Config, log zerolog.Logger, remote RemoteClient) *Server {
	return &Server{
		cfg:       cfg,
		log:       log.With().Str("component", "server").Logger(),
		remote:    remote,
		tracker:   NewTracker(),
		startedAt: time.Now(),
		sessions:  make(map[*Session]struct{}),
		stopChan:  make(chan struct{}),
	}
}

// Run connects to the remote workspace, warms the directory, starts the
// event translator, and serves the listener until ctx is cancelled or
// Shutdown is called. It blocks.
func (srv *Server) Run(ctx context.Context, ln net.Listener) error {
	if err := srv.remote.Connect(ctx); err != nil {
		return fmt.Errorf("remote connect: %w", err)
	}
	me := srv.remote.Me()
	srv.dir = NewDirectory(srv.log, me.ID)

	users, err := srv.remote.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("initial user listing: %w", err)
	}
	convs, err := srv.remote.ListConversations(ctx)
	if err != nil {
		return fmt.Errorf("initial conversation listing: %w", err)
	}
	srv.dir.WarmUp(append(users, me), convs)
	srv.log.Info().
		Int("users", len(users)).
		Int("conversations", len(convs)).
		Str("self", srv.dir.SelfNick()).
		Msg("Directory warmed up")

	go srv.runTranslator(ctx)

	go func() {
		select {
		case <-ctx.Done():
			srv.Shutdown("Server shutting down")
		case <-srv.stopChan:
		}
		_ = ln.Close()
	}()

	srv.log.Info().Str("listen_addr", ln.Addr().String()).Msg("Accepting clients")
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-srv.stopChan:
				return nil
			default:
				return fmt.Errorf("accept: %w", err)
			}
		}
		sess := newSession(srv, conn)
		srv.addSession(sess)
		go sess.run(ctx)
	}
}

func (srv *Server) addSession(s *Session) {
	srv.mu.Lock()
	srv.sessions[s] = struct{}{}
	srv.mu.Unlock()
	srv.log.Debug().Str("remote_addr", s.conn.RemoteAddr().String()).Msg("Client connected")
}

func (srv *Server) removeSession(s *Session) {
	srv.mu.Lock()
	delete(srv.sessions, s)
	srv.mu.Unlock()
	srv.log.Debug().Str("remote_addr", s.conn.RemoteAddr().String()).Msg("Client disconnected")
}

func (srv *Server) sessionCount() int {
	srv.mu.RLock()
	defer srv.mu.RUnlock()
	return len(srv.sessions)
}

// forEachRegistered applies f to every session that completed the welcome
// sequence.
func (srv *Server) forEachRegistered(f func(s *Session)) {
	srv.mu.RLock()
	sessions := make([]*Session, 0, len(srv.sessions))
	for s := range srv.sessions {
		sessions = append(sessions, s)
	}
	srv.mu.RUnlock()
	for _, s := range sessions {
		if s.isRegistered() {
			f(s)
		}
	}
}

// markReadAsync advances the read watermark for a conversation without
// blocking the caller's command handling.
func (srv *Server) markReadAsync(conv ConversationID) {
	srv.tracker.MarkRead(conv, time.Now())
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), markReadTimeout)
		defer cancel()
		if err := srv.remote.MarkRead(ctx, conv); err != nil {
			srv.log.Warn().Err(err).Str("conversation_id", string(conv)).Msg("Failed to mark read")
		}
	}()
}

// Shutdown closes the remote feed, notifies connected clients, and gives
// their write queues a bounded grace period to drain. Safe to call more
// than once.
func (srv *Server) Shutdown(reason string) {
	srv.stopOnce.Do(func() {
		srv.log.Info().Str("reason", reason).Msg("Shutting down")
		srv.remote.Close()

		srv.mu.RLock()
		sessions := make([]*Session, 0, len(srv.sessions))
		for s := range srv.sessions {
			sessions = append(sessions, s)
		}
		srv.mu.RUnlock()

		for _, s := range sessions {
			s.send(&irc.Message{
				Prefix:  &irc.Prefix{Name: srv.cfg.ServerName},
				Command: "NOTICE",
				Params:  []string{s.currentNick(), reason},
			})
			s.send(&irc.Message{Command: "ERROR", Params: []string{reason}})
		}

		// Bounded drain: sessions whose queue empties in time get the
		// farewell, slow ones are cut off.
		if !drainOutQueues(sessions, srv.cfg.ShutdownGrace) {
			srv.log.Warn().Msg("Shutdown grace period expired with undrained sessions")
		}

		for _, s := range sessions {
			s.stop()
		}
		close(srv.stopChan)
	})
}

// drainOutQueues polls until every session's write queue is empty or the
// grace period elapses. A session whose writer died keeps a non-empty
// queue forever, so the deadline applies to the whole loop. Reports whether
// everything drained.
func drainOutQueues(sessions []*Session, grace time.Duration) bool {
	deadline := time.Now().Add(grace)
	for _, s := range sessions {
		for len(s.out) > 0 {
			if time.Now().After(deadline) {
				return false
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
	return true
}
