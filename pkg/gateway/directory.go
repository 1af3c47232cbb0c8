// Copyright 2024-2026 Aiku AI

package gateway

import (
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// maxDerivedNameLen bounds names derived from member lists so multi-party
// conversations with many members stay usable as channel names.
const maxDerivedNameLen = 32

// Directory is the bidirectional cache mapping remote users and
// conversations to protocol-visible names. It is the single source of truth
// for identity resolution: no other component derives or caches a protocol
// name on its own.
//
// All mutation goes through the write lock; reads hand out copies so
// callers never observe a half-updated entity.
type Directory struct {
	log    zerolog.Logger
	selfID UserID

	mu         sync.RWMutex
	users      map[UserID]*RemoteUser
	nickOf     map[UserID]string
	userByNick map[string]UserID // lowercase nick -> id
	convs      map[ConversationID]*RemoteConversation
	nameOf     map[ConversationID]string
	convByName map[string]ConversationID // lowercase name -> id
}

// RenameNotice reports that an entity's protocol name changed. The old name
// is retired atomically with the new one becoming resolvable.
type RenameNotice struct {
	Old string
	New string
}

// ConvChanges describes what an upsert changed, so the translator can emit
// the matching protocol notifications.
type ConvChanges struct {
	Created      bool
	Renamed      bool
	OldName      string
	NewName      string
	TopicChanged bool
	Topic        string
	Archived     bool
}

// Counts is a point-in-time snapshot used for the welcome banner.
type Counts struct {
	Users    int
	Bots     int
	Admins   int
	Channels int
}

// NewDirectory creates an empty directory for the given authenticated
// identity.
func NewDirectory(log zerolog.Logger, selfID UserID) *Directory {
	return &Directory{
		log:        log.With().Str("component", "directory").Logger(),
		selfID:     selfID,
		users:      make(map[UserID]*RemoteUser),
		nickOf:     make(map[UserID]string),
		userByNick: make(map[string]UserID),
		convs:      make(map[ConversationID]*RemoteConversation),
		nameOf:     make(map[ConversationID]string),
		convByName: make(map[string]ConversationID),
	}
}

// WarmUp loads an initial snapshot of users and conversations. Meant to be
// called once after connecting, before sessions are accepted.
func (d *Directory) WarmUp(users []*RemoteUser, convs []*RemoteConversation) {
	for _, u := range users {
		d.UpsertUser(u)
	}
	for _, c := range convs {
		d.UpsertConversation(c)
	}
	d.log.Info().Int("users", len(users)).Int("conversations", len(convs)).Msg("Directory warmed up")
}

// SelfID returns the authenticated identity's user id.
func (d *Directory) SelfID() UserID {
	return d.selfID
}

// SelfNick returns the canonical protocol nickname of the authenticated
// identity.
func (d *Directory) SelfNick() string {
	return d.UserNick(d.selfID)
}

// UpsertUser inserts or refreshes a user. If the refresh changes the
// derived nickname, the old nick is retired and a RenameNotice is returned
// so sessions can be told; otherwise nil.
func (d *Directory) UpsertUser(u *RemoteUser) *RenameNotice {
	d.mu.Lock()
	defer d.mu.Unlock()

	cp := *u
	prev, known := d.users[u.ID]
	if known {
		// Presence state is owned by the directory; a profile refresh
		// must not clobber it.
		cp.Away = prev.Away
		if cp.StatusText == "" {
			cp.StatusText = prev.StatusText
		}
	}
	d.users[u.ID] = &cp

	oldNick, hadNick := d.nickOf[u.ID]
	if !hadNick {
		d.claimNickLocked(u.ID, u.Username)
		return nil
	}

	wanted := sanitizeNick(u.Username)
	if wanted == "" || strings.EqualFold(oldNick, wanted) || strings.HasPrefix(strings.ToLower(oldNick), strings.ToLower(wanted)+"-") {
		return nil
	}

	delete(d.userByNick, strings.ToLower(oldNick))
	delete(d.nickOf, u.ID)
	newNick := d.claimNickLocked(u.ID, u.Username)
	d.log.Info().Str("old", oldNick).Str("new", newNick).Msg("User renamed")
	return &RenameNotice{Old: oldNick, New: newNick}
}

// SetPresence updates the away flag of a user. Status text is profile
// state and only changes through UpsertUser. Returns false if the user is
// unknown.
func (d *Directory) SetPresence(id UserID, away bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.users[id]
	if !ok {
		return false
	}
	u.Away = away
	return true
}

// User returns a copy of the cached user, or ErrNotFound.
func (d *Directory) User(id UserID) (*RemoteUser, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

// UserNick resolves a user id to its protocol nickname, creating the
// mapping on first sight. Unknown ids get a deterministic fallback nick so
// translation never fails on an id the cache has not seen.
func (d *Directory) UserNick(id UserID) string {
	d.mu.RLock()
	nick, ok := d.nickOf[id]
	d.mu.RUnlock()
	if ok {
		return nick
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if nick, ok = d.nickOf[id]; ok {
		return nick
	}
	base := "user-" + idFragment(id, 6)
	if u, known := d.users[id]; known {
		base = u.Username
	}
	return d.claimNickLocked(id, base)
}

// UserByNick resolves a protocol nickname back to the user most recently
// mapped to it. Deactivated users still resolve; callers check Deleted.
func (d *Directory) UserByNick(nick string) (*RemoteUser, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.userByNick[strings.ToLower(nick)]
	if !ok {
		return nil, ErrNotFound
	}
	u, ok := d.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

// UpsertConversation inserts or refreshes a conversation and reports what
// changed. A rename atomically retires the old protocol name.
func (d *Directory) UpsertConversation(c *RemoteConversation) ConvChanges {
	d.mu.Lock()
	defer d.mu.Unlock()

	var ch ConvChanges
	cp := *c
	cp.Members = append([]UserID(nil), c.Members...)

	prev, known := d.convs[c.ID]
	d.convs[c.ID] = &cp

	if !known {
		ch.Created = true
		ch.NewName = d.claimConvNameLocked(&cp)
		return ch
	}

	oldName := d.nameOf[c.ID]
	if prev.Topic != cp.Topic {
		ch.TopicChanged = true
		ch.Topic = cp.Topic
	}
	if !prev.Archived && cp.Archived {
		ch.Archived = true
	}

	// Preserve the established name unless the remote display name
	// actually changed.
	if prev.Name == cp.Name || cp.Kind == KindDirect {
		ch.NewName = oldName
		return ch
	}

	delete(d.convByName, strings.ToLower(oldName))
	delete(d.nameOf, c.ID)
	newName := d.claimConvNameLocked(&cp)
	ch.Renamed = true
	ch.OldName = oldName
	ch.NewName = newName
	d.log.Info().Str("old", oldName).Str("new", newName).Msg("Conversation renamed")
	return ch
}

// Conversation returns a copy of the cached conversation. Tombstoned
// entries are returned alongside ErrDeactivated so stale references can
// degrade instead of erroring.
func (d *Directory) Conversation(id ConversationID) (*RemoteConversation, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.convs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	cp.Members = append([]UserID(nil), c.Members...)
	if c.Archived {
		return &cp, ErrDeactivated
	}
	return &cp, nil
}

// ConvName resolves a conversation id to its protocol name, creating the
// mapping on first sight.
func (d *Directory) ConvName(id ConversationID) string {
	d.mu.RLock()
	name, ok := d.nameOf[id]
	d.mu.RUnlock()
	if ok {
		return name
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if name, ok = d.nameOf[id]; ok {
		return name
	}
	c, known := d.convs[id]
	if !known {
		c = &RemoteConversation{ID: id, Kind: KindChannel, Name: "conv-" + idFragment(UserID(id), 6)}
		d.convs[id] = c
	}
	return d.claimConvNameLocked(c)
}

// ConvByName resolves a protocol channel name back to its conversation.
// Tombstoned conversations return the entity plus ErrDeactivated.
func (d *Directory) ConvByName(name string) (*RemoteConversation, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.convByName[strings.ToLower(name)]
	if !ok {
		return nil, ErrNotFound
	}
	c := d.convs[id]
	cp := *c
	cp.Members = append([]UserID(nil), c.Members...)
	if c.Archived {
		return &cp, ErrDeactivated
	}
	return &cp, nil
}

// Tombstone marks a conversation archived. The name stays resolvable so
// late references degrade gracefully. Idempotent: returns true only the
// first time the state actually changes.
func (d *Directory) Tombstone(id ConversationID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.convs[id]
	if !ok {
		// A tombstone for an unseen conversation still leaves a marker
		// so later references resolve to a deactivated entity.
		c = &RemoteConversation{ID: id, Kind: KindChannel, Name: "conv-" + idFragment(UserID(id), 6), Archived: true}
		d.convs[id] = c
		d.claimConvNameLocked(c)
		return true
	}
	if c.Archived {
		return false
	}
	c.Archived = true
	return true
}

// SetTopic updates a conversation's topic in place. Returns false when the
// conversation is unknown or the topic already matches.
func (d *Directory) SetTopic(id ConversationID, topic string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.convs[id]
	if !ok || c.Topic == topic {
		return false
	}
	c.Topic = topic
	return true
}

// EnsureThread returns the synthetic conversation for a thread root,
// creating it on first reference. The boolean reports creation.
func (d *Directory) EnsureThread(parent ConversationID, root MessageID, topic string) (*RemoteConversation, bool) {
	id := ThreadConversationID(parent, root)

	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.convs[id]; ok {
		cp := *c
		return &cp, false
	}

	parentName := "unknown"
	if pn, ok := d.nameOf[parent]; ok {
		parentName = strings.TrimPrefix(pn, "#")
	}
	c := &RemoteConversation{
		ID:           id,
		Kind:         KindThread,
		Name:         "t-" + parentName + "-" + idFragment(UserID(root), 8),
		Topic:        topic,
		ThreadParent: parent,
		ThreadRoot:   root,
	}
	d.convs[id] = c
	d.claimConvNameLocked(c)
	cp := *c
	return &cp, true
}

// ThreadConversationID derives the synthetic conversation id for a thread.
func ThreadConversationID(parent ConversationID, root MessageID) ConversationID {
	return ConversationID(string(parent) + ":" + string(root))
}

// MemberJoin records a user joining a conversation. Returns false if the
// conversation is unknown or the user was already a member.
func (d *Directory) MemberJoin(conv ConversationID, user UserID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.convs[conv]
	if !ok {
		return false
	}
	for _, m := range c.Members {
		if m == user {
			return false
		}
	}
	c.Members = append(c.Members, user)
	return true
}

// MemberLeave records a user leaving a conversation. Returns false if the
// user was not a member.
func (d *Directory) MemberLeave(conv ConversationID, user UserID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.convs[conv]
	if !ok {
		return false
	}
	for i, m := range c.Members {
		if m == user {
			c.Members = append(c.Members[:i], c.Members[i+1:]...)
			return true
		}
	}
	return false
}

// Counts returns a point-in-time snapshot for the welcome banner.
func (d *Directory) Counts() Counts {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var n Counts
	for _, u := range d.users {
		switch {
		case u.Deleted:
		case u.IsBot:
			n.Bots++
		default:
			n.Users++
			if u.IsAdmin {
				n.Admins++
			}
		}
	}
	for _, c := range d.convs {
		if !c.Archived && (c.Kind == KindChannel || c.Kind == KindGroup) {
			n.Channels++
		}
	}
	return n
}

// Conversations returns copies of all live channel-like conversations,
// sorted by protocol name. Used by LIST.
func (d *Directory) Conversations() []*RemoteConversation {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*RemoteConversation, 0, len(d.convs))
	for _, c := range d.convs {
		if c.Archived || c.Kind == KindDirect {
			continue
		}
		cp := *c
		cp.Members = append([]UserID(nil), c.Members...)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return d.nameOf[out[i].ID] < d.nameOf[out[j].ID]
	})
	return out
}

// UserChannels returns the protocol names of live conversations the user is
// a member of. Used by WHOIS.
func (d *Directory) UserChannels(id UserID) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var names []string
	for _, c := range d.convs {
		if c.Archived || c.Kind == KindDirect || c.Kind == KindThread {
			continue
		}
		for _, m := range c.Members {
			if m == id {
				names = append(names, d.nameOf[c.ID])
				break
			}
		}
	}
	sort.Strings(names)
	return names
}

// claimNickLocked derives and registers a unique nickname for a user.
// Collisions between users deriving the same display name are broken by
// suffixing a fragment of the remote id, extending it until unique.
func (d *Directory) claimNickLocked(id UserID, base string) string {
	nick := sanitizeNick(base)
	if nick == "" {
		nick = "user-" + idFragment(id, 6)
	}
	for frag := 4; ; frag += 4 {
		lower := strings.ToLower(nick)
		owner, taken := d.userByNick[lower]
		if !taken || owner == id {
			break
		}
		nick = sanitizeNick(base) + "-" + idFragment(id, frag)
	}
	d.nickOf[id] = nick
	d.userByNick[strings.ToLower(nick)] = id
	return nick
}

// claimConvNameLocked derives and registers a unique protocol name for a
// conversation. Must be called with the write lock held.
func (d *Directory) claimConvNameLocked(c *RemoteConversation) string {
	var name string
	switch c.Kind {
	case KindDirect:
		// DMs are addressed by the peer's nickname, never by a channel
		// name; the derived name is display-only.
		peer := c.DMPeer
		if peer == "" {
			peer = d.otherMemberLocked(c)
		}
		name = d.nickLocked(peer)
		d.nameOf[c.ID] = name
		return name
	case KindGroupDirect:
		name = "#" + d.derivedGroupNameLocked(c)
	default:
		base := sanitizeChannel(c.Name)
		if base == "" {
			base = "conv-" + idFragment(UserID(c.ID), 6)
		}
		name = "#" + base
	}

	base := strings.TrimPrefix(name, "#")
	for frag := 4; ; frag += 4 {
		lower := strings.ToLower(name)
		owner, taken := d.convByName[lower]
		if !taken || owner == c.ID {
			break
		}
		name = "#" + base + "-" + idFragment(UserID(c.ID), frag)
	}
	d.nameOf[c.ID] = name
	d.convByName[strings.ToLower(name)] = c.ID
	return name
}

// derivedGroupNameLocked builds a deterministic name for a multi-party
// direct conversation: member nicks minus self, sorted, joined with "+",
// truncated.
func (d *Directory) derivedGroupNameLocked(c *RemoteConversation) string {
	var nicks []string
	for _, m := range c.Members {
		if m == d.selfID {
			continue
		}
		nicks = append(nicks, d.nickLocked(m))
	}
	sort.Strings(nicks)
	name := strings.Join(nicks, "+")
	if name == "" {
		name = "mpim-" + idFragment(UserID(c.ID), 6)
	}
	if len(name) > maxDerivedNameLen {
		name = name[:maxDerivedNameLen]
	}
	return name
}

func (d *Directory) otherMemberLocked(c *RemoteConversation) UserID {
	for _, m := range c.Members {
		if m != d.selfID {
			return m
		}
	}
	return d.selfID
}

// nickLocked is UserNick for callers already holding the write lock.
func (d *Directory) nickLocked(id UserID) string {
	if nick, ok := d.nickOf[id]; ok {
		return nick
	}
	base := "user-" + idFragment(id, 6)
	if u, known := d.users[id]; known {
		base = u.Username
	}
	return d.claimNickLocked(id, base)
}

// sanitizeNick strips characters that are not valid in a protocol nickname.
func sanitizeNick(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-', r == '_', r == '[', r == ']', r == '\\', r == '^', r == '{', r == '}', r == '|', r == '`':
			b.WriteRune(r)
		case r == '.', r == ' ':
			b.WriteRune('_')
		}
	}
	return b.String()
}

// sanitizeChannel strips characters that are not valid in a channel name.
func sanitizeChannel(s string) string {
	var b strings.Builder
	for _, r := range strings.TrimPrefix(s, "#") {
		switch {
		case r == ' ', r == ',', r == ':', r == '\a', r == 0:
			b.WriteRune('-')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// idFragment returns up to n leading characters of a remote id, lowercased,
// for use as a stable disambiguator.
func idFragment[T ~string](id T, n int) string {
	s := strings.ToLower(string(id))
	s = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return -1
	}, s)
	if len(s) > n {
		return s[:n]
	}
	if s == "" {
		return "x"
	}
	return s
}
