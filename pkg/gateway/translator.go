// Copyright 2024-2026 Aiku AI

package gateway

import (
	"context"
	"strings"

	"gopkg.in/irc.v4"

	"github.com/aiku/mattermost-ircd/pkg/gateway/ircfmt"
)

// threadExcerptLen bounds the root-message excerpt used to label thread
// traffic.
const threadExcerptLen = 30

// runTranslator consumes the remote event feed and fans the results out to
// client sessions. It runs on a single goroutine so edits and deletes are
// never reordered relative to the original post, and renames always apply
// before later messages referencing the new name.
func (srv *Server) runTranslator(ctx context.Context) {
	for ev := range srv.remote.Events() {
		srv.handleRemoteEvent(ctx, ev)
	}
	srv.log.Debug().Msg("Remote event feed closed")
}

func (srv *Server) handleRemoteEvent(ctx context.Context, ev RemoteEvent) {
	switch ev := ev.(type) {
	case EvUserUpdated:
		srv.applyUserUpdate(ev)
	case EvPresenceChanged:
		srv.dir.SetPresence(ev.User, ev.Away)
	case EvMessage:
		srv.deliverMessage(ctx, ev)
	case EvMessageEdited:
		srv.deliverEdit(ctx, ev)
	case EvMessageDeleted:
		srv.deliverDelete(ctx, ev)
	case EvConversationCreated:
		srv.applyConvUpdate(ev.Conversation)
	case EvConversationUpdated:
		srv.applyConvUpdate(ev.Conversation)
	case EvConversationArchived:
		srv.applyArchive(ev.ID)
	case EvTopicChanged:
		srv.applyTopicChange(ev)
	case EvMemberJoined:
		srv.applyMemberJoin(ev)
	case EvMemberLeft:
		srv.applyMemberLeave(ev)
	case EvGroupJoined:
		srv.applyConvUpdate(ev.Conversation)
		srv.notifyAll("You were added to " + srv.dir.ConvName(ev.Conversation.ID))
	case EvTyping:
		srv.tracker.TouchUser(ev.User)
	case EvFeedError:
		srv.notifyAll("Remote event feed error: " + ev.Err.Error())
	}
}

// applyUserUpdate refreshes a user and, when the canonical nick changed,
// lets every client follow the rename.
func (srv *Server) applyUserUpdate(ev EvUserUpdated) {
	rename := srv.dir.UpsertUser(ev.User)
	if rename == nil {
		return
	}
	srv.tracker.RememberNick(rename.Old, ev.User)
	srv.forEachRegistered(func(s *Session) {
		s.send(userMsg(rename.Old, "NICK", rename.New))
	})
}

// resolveConversation returns the directory entry for an id, fetching it
// from the remote side on first reference.
func (srv *Server) resolveConversation(ctx context.Context, id ConversationID) *RemoteConversation {
	conv, err := srv.dir.Conversation(id)
	if err == nil || conv != nil {
		return conv
	}
	remote, ferr := srv.remote.FetchConversation(ctx, id)
	if ferr != nil {
		srv.log.Warn().Err(ferr).Str("conversation_id", string(id)).Msg("Failed to fetch unseen conversation")
		return nil
	}
	srv.applyConvUpdate(remote)
	conv, _ = srv.dir.Conversation(id)
	return conv
}

func (srv *Server) deliverMessage(ctx context.Context, ev EvMessage) {
	conv := srv.resolveConversation(ctx, ev.Conversation)
	if conv == nil {
		return
	}
	srv.tracker.TouchUser(ev.Sender)
	srv.tracker.RememberText(ev.ID, ev.Text)

	target := conv
	text := ircfmt.Render(ev.Text)
	if ev.ThreadRoot != "" && ev.ThreadRoot != ev.ID && conv.Kind != KindDirect {
		target, text = srv.routeThreadReply(conv, ev, text)
	}

	nick := ev.SenderName
	if nick == "" {
		nick = srv.dir.UserNick(ev.Sender)
	}

	lines := splitLines(text)
	for _, f := range ev.Files {
		lines = append(lines, "[file] "+f.Name+" <"+f.URL+">")
	}
	for _, line := range lines {
		if ev.Action {
			line = ctcpAction(line)
		}
		srv.deliverLine(target, ev.Sender, nick, line)
	}
}

// routeThreadReply places a thread reply either in a synthetic thread
// conversation or inline in the parent, per configuration.
func (srv *Server) routeThreadReply(parent *RemoteConversation, ev EvMessage, text string) (*RemoteConversation, string) {
	rootText, _ := srv.tracker.SeenText(ev.ThreadRoot)

	if srv.cfg.ThreadMode == ThreadModeInline {
		label := "[thread]"
		if rootText != "" {
			label = "[thread: " + excerpt(rootText, threadExcerptLen) + "]"
		}
		return parent, label + " " + text
	}

	thread, created := srv.dir.EnsureThread(parent.ID, ev.ThreadRoot, rootText)
	if created {
		// Sessions watching the parent follow into the thread channel
		// so the reply has somewhere visible to land.
		name := srv.dir.ConvName(thread.ID)
		srv.forEachRegistered(func(s *Session) {
			if !s.isJoined(parent.ID) {
				return
			}
			s.markJoined(thread.ID)
			s.send(userMsg(s.currentNick(), "JOIN", name))
			s.sendTopic(thread, name)
		})
	}
	return thread, text
}

// deliverLine sends one protocol line to every session that should see it.
// Direct messages go to every registered session; conversation messages
// only to sessions joined to it.
func (srv *Server) deliverLine(conv *RemoteConversation, sender UserID, nick, line string) {
	if conv.Kind == KindDirect {
		srv.forEachRegistered(func(s *Session) {
			if sender == srv.dir.SelfID() {
				// Own message sent from another client: show it under
				// the session's own prefix, addressed at the peer.
				peer := srv.dir.UserNick(conv.DMPeer)
				s.send(userMsg(s.currentNick(), "PRIVMSG", peer, line))
				return
			}
			s.send(userMsg(nick, "PRIVMSG", s.currentNick(), line))
		})
		return
	}

	name := srv.dir.ConvName(conv.ID)
	srv.forEachRegistered(func(s *Session) {
		if s.isJoined(conv.ID) {
			s.send(userMsg(nick, "PRIVMSG", name, line))
		}
	})
}

// deliverEdit announces an edit. When the original text was seen it is
// included for context; an edit of an unseen message still carries the new
// text.
func (srv *Server) deliverEdit(ctx context.Context, ev EvMessageEdited) {
	conv := srv.resolveConversation(ctx, ev.Conversation)
	if conv == nil {
		return
	}
	old, seen := srv.tracker.SeenText(ev.ID)
	srv.tracker.RememberText(ev.ID, ev.NewText)

	line := "[edit] " + oneLine(ircfmt.Render(ev.NewText))
	if seen && old != ev.NewText {
		line = "[edit of: " + excerpt(old, threadExcerptLen) + "] " + oneLine(ircfmt.Render(ev.NewText))
	}
	nick := srv.dir.UserNick(ev.Sender)
	srv.deliverLine(conv, ev.Sender, nick, line)
}

func (srv *Server) deliverDelete(ctx context.Context, ev EvMessageDeleted) {
	conv := srv.resolveConversation(ctx, ev.Conversation)
	if conv == nil {
		return
	}
	line := "[deleted] (message not seen)"
	if old, seen := srv.tracker.SeenText(ev.ID); seen {
		line = "[deleted] " + excerpt(old, threadExcerptLen)
		srv.tracker.ForgetText(ev.ID)
	}
	nick := srv.dir.UserNick(ev.Sender)
	srv.deliverLine(conv, ev.Sender, nick, line)
}

// applyConvUpdate upserts a conversation and surfaces the resulting
// renames, topic changes, and archive transitions to joined sessions.
func (srv *Server) applyConvUpdate(remote *RemoteConversation) {
	changes := srv.dir.UpsertConversation(remote)

	if changes.Renamed {
		srv.forEachRegistered(func(s *Session) {
			if !s.isJoined(remote.ID) {
				return
			}
			// Protocol channels cannot be renamed in place; the client
			// follows by parting the old window and joining the new.
			s.send(userMsg(s.currentNick(), "PART", changes.OldName, "Renamed to "+changes.NewName))
			s.send(userMsg(s.currentNick(), "JOIN", changes.NewName))
		})
	}
	if changes.TopicChanged {
		name := srv.dir.ConvName(remote.ID)
		srv.forEachRegistered(func(s *Session) {
			if s.isJoined(remote.ID) {
				s.send(serverReply(srv.cfg.ServerName, "TOPIC", name, oneLine(changes.Topic)))
			}
		})
	}
	if changes.Archived {
		srv.partAll(remote.ID, "Channel archived")
	}
}

func (srv *Server) applyArchive(id ConversationID) {
	if !srv.dir.Tombstone(id) {
		return
	}
	srv.partAll(id, "Channel archived")
}

// partAll forces every joined session out of a conversation.
func (srv *Server) partAll(id ConversationID, reason string) {
	name := srv.dir.ConvName(id)
	srv.forEachRegistered(func(s *Session) {
		if !s.isJoined(id) {
			return
		}
		s.markParted(id)
		s.send(userMsg(s.currentNick(), "PART", name, reason))
	})
}

func (srv *Server) applyTopicChange(ev EvTopicChanged) {
	if !srv.dir.SetTopic(ev.Conversation, ev.Topic) {
		return
	}
	name := srv.dir.ConvName(ev.Conversation)
	nick := srv.dir.UserNick(ev.User)
	srv.forEachRegistered(func(s *Session) {
		if s.isJoined(ev.Conversation) {
			s.send(userMsg(nick, "TOPIC", name, oneLine(ev.Topic)))
		}
	})
}

func (srv *Server) applyMemberJoin(ev EvMemberJoined) {
	if !srv.dir.MemberJoin(ev.Conversation, ev.User) {
		return
	}
	if ev.User == srv.dir.SelfID() {
		// The session decides for itself when to join a window.
		return
	}
	name := srv.dir.ConvName(ev.Conversation)
	nick := srv.dir.UserNick(ev.User)
	srv.forEachRegistered(func(s *Session) {
		if s.isJoined(ev.Conversation) {
			s.send(userMsg(nick, "JOIN", name))
		}
	})
}

func (srv *Server) applyMemberLeave(ev EvMemberLeft) {
	if !srv.dir.MemberLeave(ev.Conversation, ev.User) {
		return
	}
	if ev.User == srv.dir.SelfID() {
		srv.partAll(ev.Conversation, "Removed from conversation")
		return
	}
	name := srv.dir.ConvName(ev.Conversation)
	nick := srv.dir.UserNick(ev.User)
	srv.forEachRegistered(func(s *Session) {
		if s.isJoined(ev.Conversation) {
			s.send(userMsg(nick, "PART", name))
		}
	})
}

// notifyAll sends a server notice to every registered session.
func (srv *Server) notifyAll(text string) {
	srv.forEachRegistered(func(s *Session) {
		s.send(&irc.Message{
			Prefix:  &irc.Prefix{Name: srv.cfg.ServerName},
			Command: "NOTICE",
			Params:  []string{s.currentNick(), text},
		})
	})
}

// excerpt truncates a string to n runes on a single line.
func excerpt(s string, n int) string {
	s = oneLine(s)
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return strings.TrimSpace(string(runes[:n])) + "..."
}
