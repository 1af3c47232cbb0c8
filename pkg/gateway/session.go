// Copyright 2024-2026 Aiku AI

package gateway

import (
	"context"
	"fmt"
	"net"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/irc.v4"
)

// sessionState tracks a client's progress through registration.
type sessionState int

const (
	stateConnected sessionState = iota
	stateNickSet
	stateUserSet
	stateRegistered
	stateClosing
)

// outBuffer absorbs broadcast bursts while the client connection drains.
const outBuffer = 128

// Session is one connected protocol client. All inbound commands for a
// session are processed sequentially on its read loop; outbound messages
// are serialized through the out channel onto the write loop. The mutex
// only guards the fields the translator loop reads concurrently.
type Session struct {
	srv  *Server
	log  zerolog.Logger
	conn net.Conn

	out      chan *irc.Message
	stopOnce sync.Once
	stopChan chan struct{}

	mu       sync.Mutex
	state    sessionState
	nick     string
	username string
	realname string
	joined   map[ConversationID]struct{}
}

func newSession(srv *Server, conn net.Conn) *Session {
	return &Session{
		srv:      srv,
		log:      srv.log.With().Str("component", "session").Str("remote_addr", conn.RemoteAddr().String()).Logger(),
		conn:     conn,
		out:      make(chan *irc.Message, outBuffer),
		stopChan: make(chan struct{}),
		joined:   make(map[ConversationID]struct{}),
	}
}

// run drives the session until the client disconnects or the server shuts
// it down. It blocks; the server calls it on a dedicated goroutine.
func (s *Session) run(ctx context.Context) {
	defer s.stop()
	defer s.srv.removeSession(s)

	go s.writeLoop()

	reader := irc.NewReader(s.conn)
	for {
		msg, err := reader.ReadMessage()
		if err != nil {
			select {
			case <-s.stopChan:
			default:
				s.log.Debug().Err(err).Msg("Client read loop ended")
			}
			return
		}
		s.dispatch(ctx, msg)
		if s.currentState() == stateClosing {
			return
		}
	}
}

func (s *Session) writeLoop() {
	writer := irc.NewWriter(s.conn)
	for {
		select {
		case <-s.stopChan:
			return
		case msg := <-s.out:
			if err := writer.WriteMessage(msg); err != nil {
				s.log.Debug().Err(err).Msg("Client write failed")
				s.stop()
				return
			}
		}
	}
}

// stop tears the connection down. Safe to call from any goroutine and
// more than once.
func (s *Session) stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.state = stateClosing
		s.mu.Unlock()
		close(s.stopChan)
		_ = s.conn.Close()
	})
}

// send queues a message for the client. Messages to a stopped session are
// dropped.
func (s *Session) send(msg *irc.Message) {
	select {
	case <-s.stopChan:
	case s.out <- msg:
	}
}

// dispatch routes one inbound command. A panicking handler produces an
// error notice and a log entry but never tears down the session.
func (s *Session) dispatch(ctx context.Context, msg *irc.Message) {
	command := strings.ToUpper(msg.Command)
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().
				Interface("panic", r).
				Str("command", command).
				Bytes("stack", debug.Stack()).
				Msg("Handler panicked")
			s.send(serverReply(s.srv.cfg.ServerName, "NOTICE", s.replyTarget(),
				fmt.Sprintf("Internal error handling %s", command)))
		}
	}()

	handler, ok := handlers[command]
	if !ok {
		s.reply(errUnknownCommand, command, "Unknown command")
		return
	}
	if s.currentState() != stateRegistered && !preRegistration[command] {
		s.reply(errNotRegistered, "You have not registered")
		return
	}
	handler(ctx, s, msg)
}

func (s *Session) currentState() sessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// currentNick returns the nick to address replies to, or "*" before one is
// known.
func (s *Session) currentNick() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nick == "" {
		return "*"
	}
	return s.nick
}

func (s *Session) replyTarget() string {
	return s.currentNick()
}

// reply sends a numeric reply addressed to the session's nick.
func (s *Session) reply(code string, params ...string) {
	s.send(serverReply(s.srv.cfg.ServerName, code, s.replyTarget(), params...))
}

func (s *Session) markJoined(conv ConversationID) {
	s.mu.Lock()
	s.joined[conv] = struct{}{}
	s.mu.Unlock()
}

func (s *Session) markParted(conv ConversationID) {
	s.mu.Lock()
	delete(s.joined, conv)
	s.mu.Unlock()
}

func (s *Session) isJoined(conv ConversationID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.joined[conv]
	return ok
}

func (s *Session) isRegistered() bool {
	return s.currentState() == stateRegistered
}

// advanceRegistration moves the state machine after NICK or USER and emits
// the welcome sequence once both are in.
func (s *Session) advanceRegistration() {
	s.mu.Lock()
	switch s.state {
	case stateConnected:
		if s.nick != "" && s.username != "" {
			s.state = stateUserSet
		} else if s.nick != "" {
			s.state = stateNickSet
		}
	case stateNickSet:
		if s.username != "" {
			s.state = stateUserSet
		}
	}
	ready := s.state == stateUserSet && s.nick != "" && s.username != ""
	if ready {
		s.state = stateRegistered
	}
	s.mu.Unlock()

	if ready {
		s.welcome()
	}
}

// welcome enforces the canonical nick and sends the registration burst.
// The counts are a point-in-time directory snapshot.
func (s *Session) welcome() {
	canonical := s.srv.dir.SelfNick()

	s.mu.Lock()
	old := s.nick
	if old != canonical {
		s.nick = canonical
	}
	s.mu.Unlock()

	if old != canonical {
		// Forced rename: the client's chosen nick must match the
		// authenticated remote identity.
		s.send(userMsg(old, "NICK", canonical))
		s.log.Debug().Str("requested", old).Str("canonical", canonical).Msg("Forced nick rename")
	}

	server := s.srv.cfg.ServerName
	counts := s.srv.dir.Counts()

	s.reply(rplWelcome, fmt.Sprintf("Welcome to %s, %s", s.srv.remote.ServerName(), canonical))
	s.reply(rplYourHost, fmt.Sprintf("Your host is %s, running %s", server, versionString()))
	s.reply(rplCreated, "This server was created "+s.srv.startedAt.Format(time.RFC1123))
	s.reply(rplMyInfo, server, versionString(), "", "nt")
	s.reply(rplLuserClient, fmt.Sprintf("There are %d users and %d bots on 1 server", counts.Users, counts.Bots))
	s.reply(rplLuserOp, fmt.Sprintf("%d", counts.Admins), "admin(s) online")
	s.reply(rplLuserChannels, fmt.Sprintf("%d", counts.Channels), "channels formed")
	s.reply(rplLuserMe, fmt.Sprintf("I have %d clients and 1 servers", s.srv.sessionCount()))
	s.reply(errNoMOTD, "MOTD File is missing")

	s.log.Info().Str("nick", canonical).Msg("Client registered")
}
