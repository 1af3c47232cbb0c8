// Copyright 2024-2026 Aiku AI

package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"gopkg.in/irc.v4"

	"github.com/aiku/mattermost-ircd/pkg/gateway/mmfmt"
)

// markReadTimeout bounds the fire-and-forget read marker calls.
const markReadTimeout = 10 * time.Second

type handlerFunc func(ctx context.Context, s *Session, msg *irc.Message)

// handlers maps each protocol verb to its handler. Verbs outside this
// table get an unknown-command error.
var handlers = map[string]handlerFunc{
	"NICK":     handleNick,
	"USER":     handleUser,
	"CAP":      handleCap,
	"PASS":     handlePass,
	"PING":     handlePing,
	"PONG":     handlePong,
	"QUIT":     handleQuit,
	"JOIN":     handleJoin,
	"PART":     handlePart,
	"PRIVMSG":  handlePrivmsg,
	"NOTICE":   handlePrivmsg,
	"TOPIC":    handleTopic,
	"MODE":     handleMode,
	"WHO":      handleWho,
	"WHOIS":    handleWhois,
	"WHOWAS":   handleWhowas,
	"USERHOST": handleUserhost,
	"NAMES":    handleNames,
	"LIST":     handleList,
	"AWAY":     handleAway,
}

// preRegistration lists the verbs accepted before the welcome sequence.
var preRegistration = map[string]bool{
	"NICK": true,
	"USER": true,
	"CAP":  true,
	"PASS": true,
	"PING": true,
	"PONG": true,
	"QUIT": true,
}

func handleNick(ctx context.Context, s *Session, msg *irc.Message) {
	if len(msg.Params) == 0 || msg.Params[0] == "" {
		s.reply(errNoNicknameGiven, "No nickname given")
		return
	}
	if s.isRegistered() {
		// The nick is pinned to the remote identity after welcome.
		s.reply(errErroneousNickname, msg.Params[0], "Nick is bound to the workspace identity")
		return
	}
	s.mu.Lock()
	s.nick = msg.Params[0]
	s.mu.Unlock()
	s.advanceRegistration()
}

func handleUser(ctx context.Context, s *Session, msg *irc.Message) {
	if s.isRegistered() {
		s.reply(errAlreadyRegistered, "You may not reregister")
		return
	}
	if len(msg.Params) < 4 {
		s.reply(errNeedMoreParams, "USER", "Not enough parameters")
		return
	}
	s.mu.Lock()
	s.username = msg.Params[0]
	s.realname = msg.Params[3]
	s.mu.Unlock()
	s.advanceRegistration()
}

// handleCap answers capability negotiation with an empty capability set.
// Clients that wait for a CAP reply proceed once they see it.
func handleCap(ctx context.Context, s *Session, msg *irc.Message) {
	if len(msg.Params) == 0 {
		s.reply(errNeedMoreParams, "CAP", "Not enough parameters")
		return
	}
	sub := strings.ToUpper(msg.Params[0])
	switch sub {
	case "LS", "LIST":
		s.send(serverReply(s.srv.cfg.ServerName, "CAP", s.replyTarget(), sub, ""))
	case "REQ":
		requested := ""
		if len(msg.Params) > 1 {
			requested = msg.Params[1]
		}
		s.send(serverReply(s.srv.cfg.ServerName, "CAP", s.replyTarget(), "NAK", requested))
	case "END":
	}
}

// handlePass accepts and discards PASS. Authentication to the remote side
// is configured out of band, but some clients always send one.
func handlePass(ctx context.Context, s *Session, msg *irc.Message) {
	if s.isRegistered() {
		s.reply(errAlreadyRegistered, "You may not reregister")
	}
}

func handlePing(ctx context.Context, s *Session, msg *irc.Message) {
	token := s.srv.cfg.ServerName
	if len(msg.Params) > 0 {
		token = msg.Params[0]
	}
	s.send(serverReply(s.srv.cfg.ServerName, "PONG", s.srv.cfg.ServerName, token))
}

func handlePong(ctx context.Context, s *Session, msg *irc.Message) {}

func handleQuit(ctx context.Context, s *Session, msg *irc.Message) {
	s.send(&irc.Message{Command: "ERROR", Params: []string{"Closing Link"}})
	s.stop()
}

func handleJoin(ctx context.Context, s *Session, msg *irc.Message) {
	if len(msg.Params) == 0 || msg.Params[0] == "" {
		// Some clients probe with a bare JOIN during connect and hang
		// if nothing comes back.
		s.reply(errNeedMoreParams, "JOIN", "Not enough parameters")
		return
	}
	for _, name := range strings.Split(msg.Params[0], ",") {
		s.joinOne(ctx, name)
	}
}

func (s *Session) joinOne(ctx context.Context, name string) {
	if !strings.HasPrefix(name, "#") {
		s.reply(errNoSuchChannel, name, "No such channel")
		return
	}
	conv, err := s.srv.dir.ConvByName(name)
	switch {
	case errors.Is(err, ErrDeactivated):
		s.reply(errNoSuchChannel, name, "Channel is archived")
		return
	case err != nil:
		s.reply(errNoSuchChannel, name, "No such channel")
		return
	}

	if conv.Kind == KindChannel && !memberOf(conv, s.srv.dir.SelfID()) {
		if err := s.srv.remote.JoinConversation(ctx, conv.ID); err != nil {
			s.log.Warn().Err(err).Str("channel", name).Msg("Remote join failed")
			s.reply(errNoSuchChannel, name, "Cannot join channel")
			return
		}
		s.srv.dir.MemberJoin(conv.ID, s.srv.dir.SelfID())
	}

	s.markJoined(conv.ID)
	s.send(userMsg(s.currentNick(), "JOIN", name))
	s.sendTopic(conv, name)
	s.sendNames(conv, name)
}

func handlePart(ctx context.Context, s *Session, msg *irc.Message) {
	if len(msg.Params) == 0 {
		s.reply(errNeedMoreParams, "PART", "Not enough parameters")
		return
	}
	for _, name := range strings.Split(msg.Params[0], ",") {
		s.partOne(ctx, name)
	}
}

func (s *Session) partOne(ctx context.Context, name string) {
	conv, err := s.srv.dir.ConvByName(name)
	if err != nil && !errors.Is(err, ErrDeactivated) {
		s.reply(errNoSuchChannel, name, "No such channel")
		return
	}
	if !s.isJoined(conv.ID) {
		s.reply(errNotOnChannel, name, "You're not on that channel")
		return
	}

	// Thread conversations are a local projection; leaving one never
	// touches the remote side. Group conversations use the distinct
	// leave path because their remote lifecycle differs from channels.
	var remoteErr error
	switch conv.Kind {
	case KindThread:
	case KindGroup, KindGroupDirect:
		remoteErr = s.srv.remote.LeaveGroup(ctx, conv.ID)
	default:
		remoteErr = s.srv.remote.LeaveConversation(ctx, conv.ID)
	}
	if remoteErr != nil {
		s.log.Warn().Err(remoteErr).Str("channel", name).Msg("Remote leave failed")
	}

	s.markParted(conv.ID)
	s.send(userMsg(s.currentNick(), "PART", name))
}

func handlePrivmsg(ctx context.Context, s *Session, msg *irc.Message) {
	if len(msg.Params) < 2 {
		s.reply(errNeedMoreParams, msg.Command, "Not enough parameters")
		return
	}
	target, text := msg.Params[0], msg.Params[1]
	if text == "" {
		return
	}

	opts := PostOptions{}
	if action, ok := parseCTCPAction(text); ok {
		text = action
		opts.Action = true
	}
	text = mmfmt.Render(text)

	if strings.HasPrefix(target, "#") {
		s.sendToConversation(ctx, target, text, opts)
		return
	}
	s.sendDirect(ctx, target, text, opts)
}

func (s *Session) sendToConversation(ctx context.Context, target, text string, opts PostOptions) {
	conv, err := s.srv.dir.ConvByName(target)
	switch {
	case errors.Is(err, ErrDeactivated):
		s.reply(errCannotSendToChan, target, "Channel is archived")
		return
	case err != nil:
		s.reply(errNoSuchChannel, target, "No such channel")
		return
	}

	dest := conv.ID
	if conv.Kind == KindThread {
		dest = conv.ThreadParent
		opts.ThreadRoot = conv.ThreadRoot
	}
	if err := s.srv.remote.PostMessage(ctx, dest, text, opts); err != nil {
		s.log.Error().Err(err).Str("channel", target).Msg("Failed to post message")
		s.reply(errCannotSendToChan, target, "Could not deliver message")
		return
	}
	s.srv.markReadAsync(dest)
}

func (s *Session) sendDirect(ctx context.Context, target, text string, opts PostOptions) {
	peer, err := s.srv.dir.UserByNick(target)
	if err != nil {
		s.reply(errNoSuchNick, target, "No such nick")
		return
	}
	convID, err := s.srv.remote.OpenDirect(ctx, peer.ID)
	if err != nil {
		s.log.Error().Err(err).Str("nick", target).Msg("Failed to open direct conversation")
		s.reply(errNoSuchNick, target, "Could not open conversation")
		return
	}
	if err := s.srv.remote.PostMessage(ctx, convID, text, opts); err != nil {
		s.log.Error().Err(err).Str("nick", target).Msg("Failed to post direct message")
		s.reply(errNoSuchNick, target, "Could not deliver message")
		return
	}
	s.srv.markReadAsync(convID)

	// Mirror the peer's away state on every send, the one place the
	// protocol lets the server volunteer it.
	if peer.Away {
		away := peer.StatusText
		if away == "" {
			away = "away"
		}
		s.reply(rplAway, target, oneLine(away))
	}
}

func handleTopic(ctx context.Context, s *Session, msg *irc.Message) {
	if len(msg.Params) == 0 {
		s.reply(errNeedMoreParams, "TOPIC", "Not enough parameters")
		return
	}
	name := msg.Params[0]
	conv, err := s.srv.dir.ConvByName(name)
	if err != nil && !errors.Is(err, ErrDeactivated) {
		s.reply(errNoSuchChannel, name, "No such channel")
		return
	}

	if len(msg.Params) == 1 {
		s.sendTopic(conv, name)
		return
	}

	topic := msg.Params[1]
	if conv.Kind == KindThread {
		// Thread topics are local; the remote side has no header for a
		// thread.
		s.srv.dir.SetTopic(conv.ID, topic)
	} else if err := s.srv.remote.SetTopic(ctx, conv.ID, topic); err != nil {
		s.log.Error().Err(err).Str("channel", name).Msg("Failed to set topic")
		s.reply(errNotOnChannel, name, "Could not set topic")
		return
	} else {
		s.srv.dir.SetTopic(conv.ID, topic)
	}
	s.send(userMsg(s.currentNick(), "TOPIC", name, topic))
}

// handleMode reports the static channel modes. The remote side has no
// mode concept, so queries get fixed answers and changes are rejected.
func handleMode(ctx context.Context, s *Session, msg *irc.Message) {
	if len(msg.Params) == 0 {
		s.reply(errNeedMoreParams, "MODE", "Not enough parameters")
		return
	}
	target := msg.Params[0]
	if !strings.HasPrefix(target, "#") {
		s.reply(rplUmodeIs, "+i")
		return
	}
	if _, err := s.srv.dir.ConvByName(target); err != nil && !errors.Is(err, ErrDeactivated) {
		s.reply(errNoSuchChannel, target, "No such channel")
		return
	}
	if len(msg.Params) == 1 {
		s.reply(rplChannelModeIs, target, "+nt")
		return
	}
	mode := strings.TrimPrefix(msg.Params[1], "+")
	if mode == "b" {
		s.reply(rplEndOfBanList, target, "End of channel ban list")
		return
	}
	s.reply(errUnknownMode, msg.Params[1], "is unknown mode char to me")
}

func handleWho(ctx context.Context, s *Session, msg *irc.Message) {
	if len(msg.Params) == 0 {
		s.reply(rplEndOfWho, "*", "End of WHO list")
		return
	}
	target := msg.Params[0]
	if strings.HasPrefix(target, "#") {
		if conv, err := s.srv.dir.ConvByName(target); err == nil || errors.Is(err, ErrDeactivated) {
			for _, id := range conv.Members {
				if u, err := s.srv.dir.User(id); err == nil {
					s.sendWhoReply(target, u)
				}
			}
		}
	} else if u, err := s.srv.dir.UserByNick(target); err == nil {
		s.sendWhoReply("*", u)
	}
	s.reply(rplEndOfWho, target, "End of WHO list")
}

func (s *Session) sendWhoReply(channel string, u *RemoteUser) {
	nick := s.srv.dir.UserNick(u.ID)
	here := "H"
	if u.Away {
		here = "G"
	}
	s.reply(rplWhoReply, channel, strings.ToLower(nick), "workspace",
		s.srv.cfg.ServerName, nick, here, "0 "+u.RealName)
}

func handleWhois(ctx context.Context, s *Session, msg *irc.Message) {
	if len(msg.Params) == 0 {
		s.reply(errNoNicknameGiven, "No nickname given")
		return
	}
	target := msg.Params[0]
	u, err := s.srv.dir.UserByNick(target)
	if err != nil {
		s.reply(errNoSuchNick, target, "No such nick")
		s.reply(rplEndOfWhois, target, "End of WHOIS list")
		return
	}
	nick := s.srv.dir.UserNick(u.ID)

	s.reply(rplWhoisUser, nick, strings.ToLower(nick), "workspace", "*", u.RealName)
	s.reply(rplWhoisServer, nick, s.srv.cfg.ServerName, s.srv.remote.ServerName())
	if u.IsAdmin {
		s.reply(rplWhoisOperator, nick, "is a workspace administrator")
	}
	if u.Away {
		away := u.StatusText
		if away == "" {
			away = "away"
		}
		s.reply(rplAway, nick, oneLine(away))
	}
	if idle, ok := s.srv.tracker.IdleFor(u.ID); ok {
		s.reply(rplWhoisIdle, nick, fmt.Sprintf("%d", int(idle.Seconds())), "seconds idle")
	}
	if channels := s.srv.dir.UserChannels(u.ID); len(channels) > 0 {
		s.reply(rplWhoisChannels, nick, strings.Join(channels, " "))
	}
	for _, line := range profileLines(u) {
		s.reply(rplWhoisSpecial, nick, line)
	}
	s.reply(rplEndOfWhois, nick, "End of WHOIS list")
}

// profileLines renders the optional profile fields, one per line, skipping
// the empty ones.
func profileLines(u *RemoteUser) []string {
	var lines []string
	if u.Title != "" {
		lines = append(lines, "Title: "+u.Title)
	}
	if u.Email != "" {
		lines = append(lines, "Email: "+u.Email)
	}
	if u.AvatarURL != "" {
		lines = append(lines, "Avatar: "+u.AvatarURL)
	}
	if u.IsBot {
		lines = append(lines, "Bot account")
	}
	return lines
}

func handleWhowas(ctx context.Context, s *Session, msg *irc.Message) {
	if len(msg.Params) == 0 {
		s.reply(errNoNicknameGiven, "No nickname given")
		return
	}
	target := msg.Params[0]
	entry, ok := s.srv.tracker.Whowas(target)
	if !ok {
		s.reply(errWasNoSuchNick, target, "There was no such nickname")
		s.reply(rplEndOfWhowas, target, "End of WHOWAS")
		return
	}
	s.reply(rplWhowasUser, entry.Nick, entry.Username, "workspace", "*", entry.RealName)
	s.reply(rplEndOfWhowas, target, "End of WHOWAS")
}

func handleUserhost(ctx context.Context, s *Session, msg *irc.Message) {
	if len(msg.Params) == 0 {
		s.reply(errNeedMoreParams, "USERHOST", "Not enough parameters")
		return
	}
	var entries []string
	for i, nick := range msg.Params {
		if i >= 5 {
			break
		}
		u, err := s.srv.dir.UserByNick(nick)
		if err != nil {
			continue
		}
		canonical := s.srv.dir.UserNick(u.ID)
		marker := ""
		if u.IsAdmin {
			marker = "*"
		}
		presence := "+"
		if u.Away {
			presence = "-"
		}
		entries = append(entries, fmt.Sprintf("%s%s=%s%s@workspace",
			canonical, marker, presence, strings.ToLower(canonical)))
	}
	s.reply(rplUserhost, strings.Join(entries, " "))
}

func handleNames(ctx context.Context, s *Session, msg *irc.Message) {
	if len(msg.Params) == 0 {
		s.reply(rplEndOfNames, "*", "End of NAMES list")
		return
	}
	for _, name := range strings.Split(msg.Params[0], ",") {
		conv, err := s.srv.dir.ConvByName(name)
		if err != nil && !errors.Is(err, ErrDeactivated) {
			s.reply(errNoSuchChannel, name, "No such channel")
			continue
		}
		s.sendNames(conv, name)
	}
}

func handleList(ctx context.Context, s *Session, msg *irc.Message) {
	s.reply(rplListStart, "Channel", "Users Name")
	for _, conv := range s.srv.dir.Conversations() {
		if conv.Kind == KindDirect || conv.Archived {
			continue
		}
		name := s.srv.dir.ConvName(conv.ID)
		s.reply(rplList, name, fmt.Sprintf("%d", len(conv.Members)), oneLine(conv.Topic))
	}
	s.reply(rplListEnd, "End of LIST")
}

func handleAway(ctx context.Context, s *Session, msg *irc.Message) {
	away := len(msg.Params) > 0 && msg.Params[0] != ""
	if err := s.srv.remote.SetAway(ctx, away); err != nil {
		s.log.Error().Err(err).Msg("Failed to update presence")
		return
	}
	if away {
		s.reply(rplNowAway, "You have been marked as being away")
		return
	}
	s.reply(rplUnaway, "You are no longer marked as being away")
}

// sendTopic replies with the topic of a conversation, or the no-topic
// numeric when it has none.
func (s *Session) sendTopic(conv *RemoteConversation, name string) {
	if conv.Topic == "" {
		s.reply(rplNoTopic, name, "No topic is set")
		return
	}
	s.reply(rplTopic, name, oneLine(conv.Topic))
}

// sendNames replies with the member list of a conversation.
func (s *Session) sendNames(conv *RemoteConversation, name string) {
	nicks := make([]string, 0, len(conv.Members))
	for _, id := range conv.Members {
		nicks = append(nicks, s.srv.dir.UserNick(id))
	}
	sort.Strings(nicks)
	if len(nicks) > 0 {
		s.reply(rplNamReply, "=", name, strings.Join(nicks, " "))
	}
	s.reply(rplEndOfNames, name, "End of NAMES list")
}

// memberOf reports whether the given user is in the conversation's member
// set.
func memberOf(conv *RemoteConversation, id UserID) bool {
	for _, m := range conv.Members {
		if m == id {
			return true
		}
	}
	return false
}
