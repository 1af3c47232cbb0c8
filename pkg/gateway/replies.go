// Copyright 2024-2026 Aiku AI

package gateway

import (
	"strings"

	"gopkg.in/irc.v4"
)

// Reply numerics used by the gateway's outbound surface.
const (
	rplWelcome       = "001"
	rplYourHost      = "002"
	rplCreated       = "003"
	rplMyInfo        = "004"
	rplUmodeIs       = "221"
	rplLuserClient   = "251"
	rplLuserOp       = "252"
	rplLuserChannels = "254"
	rplLuserMe       = "255"
	rplAway          = "301"
	rplUserhost      = "302"
	rplUnaway        = "305"
	rplNowAway       = "306"
	rplWhoisUser     = "311"
	rplWhoisServer   = "312"
	rplWhoisOperator = "313"
	rplWhowasUser    = "314"
	rplEndOfWho      = "315"
	rplWhoisIdle     = "317"
	rplEndOfWhois    = "318"
	rplWhoisChannels = "319"
	rplWhoisSpecial  = "320"
	rplListStart     = "321"
	rplList          = "322"
	rplListEnd       = "323"
	rplChannelModeIs = "324"
	rplNoTopic       = "331"
	rplTopic         = "332"
	rplWhoReply      = "352"
	rplNamReply      = "353"
	rplEndOfNames    = "366"
	rplEndOfBanList  = "368"
	rplEndOfWhowas   = "369"

	errNoSuchNick        = "401"
	errNoSuchChannel     = "403"
	errCannotSendToChan  = "404"
	errWasNoSuchNick     = "406"
	errUnknownCommand    = "421"
	errNoMOTD            = "422"
	errNoNicknameGiven   = "431"
	errErroneousNickname = "432"
	errNotOnChannel      = "442"
	errNotRegistered     = "451"
	errNeedMoreParams    = "461"
	errAlreadyRegistered = "462"
	errUnknownMode       = "472"
)

// serverReply builds a numeric (or named) reply originating from the
// gateway server itself.
func serverReply(server, command, target string, params ...string) *irc.Message {
	return &irc.Message{
		Prefix:  &irc.Prefix{Name: server},
		Command: command,
		Params:  append([]string{target}, params...),
	}
}

// userMsg builds a message originating from a protocol user.
func userMsg(nick, command string, params ...string) *irc.Message {
	return &irc.Message{
		Prefix:  userPrefix(nick),
		Command: command,
		Params:  params,
	}
}

// userPrefix derives the full nick!user@host prefix for a protocol nick.
// The user and host parts carry no routing meaning; they exist because
// clients expect a well-formed hostmask.
func userPrefix(nick string) *irc.Prefix {
	return &irc.Prefix{
		Name: nick,
		User: strings.ToLower(nick),
		Host: "workspace",
	}
}

// ctcpAction wraps text in the CTCP ACTION convention used for "/me".
func ctcpAction(text string) string {
	return "\x01ACTION " + text + "\x01"
}

// parseCTCPAction extracts the action text if the message is a CTCP ACTION.
func parseCTCPAction(text string) (string, bool) {
	if strings.HasPrefix(text, "\x01ACTION ") && strings.HasSuffix(text, "\x01") {
		return strings.TrimSuffix(strings.TrimPrefix(text, "\x01ACTION "), "\x01"), true
	}
	return "", false
}

// oneLine collapses a possibly multi-line remote string (topics, statuses)
// into a single protocol-safe line.
func oneLine(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	parts := strings.Split(s, "\n")
	out := parts[:0]
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, " | ")
}

// splitLines splits a remote message into the individual protocol lines it
// must be delivered as. Empty interior lines are kept as a single space so
// the line count is preserved.
func splitLines(s string) []string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = strings.Trim(s, "\n")
	if s == "" {
		return nil
	}
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		if l == "" {
			lines[i] = " "
		}
	}
	return lines
}
