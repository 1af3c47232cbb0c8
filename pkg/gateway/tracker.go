// Copyright 2024-2026 Aiku AI

package gateway

import (
	"strings"
	"sync"
	"time"

	"go.mau.fi/util/exsync"
)

const (
	// whowasCapacity bounds the recent-nicknames cache consulted by WHOWAS.
	whowasCapacity = 256
	// seenCapacity bounds the recent-message text cache used to render
	// edit and delete notices with the prior text.
	seenCapacity = 4096
)

// WhowasEntry is one retired or observed nickname with the user state at
// the time it was recorded.
type WhowasEntry struct {
	Nick     string
	Username string
	RealName string
	Seen     time.Time
}

// Tracker holds the cross-cutting read-state and activity bookkeeping:
// per-conversation read watermarks, per-user last-activity timestamps (for
// WHOIS idle), a bounded recent-nicknames cache (WHOWAS), and a bounded
// cache of recently seen message texts (edit/delete notices).
type Tracker struct {
	watermarks   *exsync.Map[ConversationID, time.Time]
	lastActivity *exsync.Map[UserID, time.Time]

	mu        sync.Mutex
	whowas    []WhowasEntry
	seenTexts map[MessageID]string
	seenOrder []MessageID
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		watermarks:   exsync.NewMap[ConversationID, time.Time](),
		lastActivity: exsync.NewMap[UserID, time.Time](),
		seenTexts:    make(map[MessageID]string),
	}
}

// MarkRead records the local read watermark for a conversation. The remote
// mark-read call is the caller's fire-and-forget side effect; the tracker
// only keeps the local view.
func (t *Tracker) MarkRead(conv ConversationID, at time.Time) {
	t.watermarks.Set(conv, at)
}

// ReadWatermark returns the last recorded read time for a conversation.
func (t *Tracker) ReadWatermark(conv ConversationID) (time.Time, bool) {
	return t.watermarks.Get(conv)
}

// TouchUser records activity for a user. Feeds WHOIS idle computation.
func (t *Tracker) TouchUser(id UserID) {
	t.lastActivity.Set(id, time.Now())
}

// IdleFor returns how long a user has been idle, and whether any activity
// was ever recorded.
func (t *Tracker) IdleFor(id UserID) (time.Duration, bool) {
	last, ok := t.lastActivity.Get(id)
	if !ok {
		return 0, false
	}
	return time.Since(last), true
}

// RememberNick records a nickname sighting for WHOWAS. The cache is a
// bounded FIFO; the newest sighting of a nick wins.
func (t *Tracker) RememberNick(nick string, u *RemoteUser) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.whowas = append(t.whowas, WhowasEntry{
		Nick:     nick,
		Username: u.Username,
		RealName: u.RealName,
		Seen:     time.Now(),
	})
	if len(t.whowas) > whowasCapacity {
		t.whowas = t.whowas[len(t.whowas)-whowasCapacity:]
	}
}

// Whowas returns the most recent entry matching the nick, or false.
func (t *Tracker) Whowas(nick string) (WhowasEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.whowas) - 1; i >= 0; i-- {
		if strings.EqualFold(t.whowas[i].Nick, nick) {
			return t.whowas[i], true
		}
	}
	return WhowasEntry{}, false
}

// RememberText stores a message's text so a later edit or delete can show
// what changed. Bounded FIFO eviction.
func (t *Tracker) RememberText(id MessageID, text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.seenTexts[id]; !ok {
		t.seenOrder = append(t.seenOrder, id)
	}
	t.seenTexts[id] = text
	for len(t.seenOrder) > seenCapacity {
		evict := t.seenOrder[0]
		t.seenOrder = t.seenOrder[1:]
		delete(t.seenTexts, evict)
	}
}

// SeenText returns the last known text of a message. Messages posted before
// the gateway connected were never seen; callers emit best-effort notices
// in that case.
func (t *Tracker) SeenText(id MessageID) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	text, ok := t.seenTexts[id]
	return text, ok
}

// ForgetText drops a message from the seen cache (after deletion).
func (t *Tracker) ForgetText(id MessageID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.seenTexts, id)
}
