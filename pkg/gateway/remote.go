// Copyright 2024-2026 Aiku AI

package gateway

import (
	"context"
	"errors"
	"time"
)

// UserID is the stable remote identifier of a workspace user.
type UserID string

// ConversationID is the stable remote identifier of a conversation.
// Synthetic thread conversations use "<parent>:<root message>".
type ConversationID string

// MessageID is the remote identifier of a single message.
type MessageID string

// Sentinel errors shared across the package.
var (
	// ErrNotFound is returned when a name or id does not resolve to any
	// known entity.
	ErrNotFound = errors.New("no such entity")
	// ErrDeactivated is returned when a name resolves to a tombstoned
	// (archived or deleted) entity.
	ErrDeactivated = errors.New("entity is deactivated")
	// ErrRemoteUnavailable wraps failures of the remote platform API.
	ErrRemoteUnavailable = errors.New("remote unavailable")
)

// ConversationKind distinguishes the remote surfaces a message can live on.
type ConversationKind int

const (
	KindChannel ConversationKind = iota // public channel
	KindGroup                           // private channel / group
	KindDirect                          // 1:1 direct message
	KindGroupDirect                     // multi-party direct message
	KindThread                          // synthetic thread conversation
)

func (k ConversationKind) String() string {
	switch k {
	case KindChannel:
		return "channel"
	case KindGroup:
		return "group"
	case KindDirect:
		return "direct"
	case KindGroupDirect:
		return "group-direct"
	case KindThread:
		return "thread"
	default:
		return "unknown"
	}
}

// RemoteUser is the cached identity of a workspace user. Instances are
// owned by the Directory; everything handed out is a copy.
type RemoteUser struct {
	ID         UserID
	Username   string
	RealName   string
	Title      string
	Email      string
	AvatarURL  string
	StatusText string
	Away       bool
	IsAdmin    bool
	IsBot      bool
	Deleted    bool
}

// RemoteConversation is the cached state of a remote conversation.
// Tombstoned conversations keep their entry so late references resolve to a
// deactivated marker instead of erroring.
type RemoteConversation struct {
	ID       ConversationID
	Kind     ConversationKind
	Name     string // raw remote display name, empty for DMs
	Topic    string
	Members  []UserID
	Archived bool

	// DMPeer is the other party for KindDirect conversations.
	DMPeer UserID
	// ThreadParent and ThreadRoot identify the origin of a KindThread
	// conversation.
	ThreadParent ConversationID
	ThreadRoot   MessageID
}

// FileAttachment describes a file shared in a remote message.
type FileAttachment struct {
	Name     string
	MimeType string
	URL      string
	Size     int64
}

// PostOptions carries optional parameters for PostMessage.
type PostOptions struct {
	// ThreadRoot posts the message as a reply in the given thread.
	ThreadRoot MessageID
	// Action sends the message as a "/me" style action.
	Action bool
}

// RemoteEvent is the tagged union of events produced by the remote feed.
// The translator owns the single consuming loop and dispatches on the
// concrete type.
type RemoteEvent interface {
	remoteEvent()
}

// EvMessage is a message posted in a conversation.
type EvMessage struct {
	Conversation ConversationID
	Sender       UserID
	// SenderName overrides the sender identity for bot/webhook posts
	// that carry a username but no resolvable user.
	SenderName string
	ID         MessageID
	ThreadRoot MessageID
	Text       string
	Action     bool
	Files      []FileAttachment
	Timestamp  time.Time
}

// EvMessageEdited is an edit of a previously posted message. The gateway
// may never have seen the original; translation must still succeed.
type EvMessageEdited struct {
	Conversation ConversationID
	Sender       UserID
	ID           MessageID
	ThreadRoot   MessageID
	NewText      string
}

// EvMessageDeleted is a deletion of a previously posted message.
type EvMessageDeleted struct {
	Conversation ConversationID
	Sender       UserID
	ID           MessageID
}

// EvConversationCreated announces a conversation that did not exist before.
type EvConversationCreated struct {
	Conversation *RemoteConversation
}

// EvConversationUpdated carries the full new state of a conversation.
// Renames and topic changes are detected by diffing against the directory.
type EvConversationUpdated struct {
	Conversation *RemoteConversation
}

// EvConversationArchived tombstones a conversation. Archival and deletion
// are the same lifecycle step on the remote side.
type EvConversationArchived struct {
	ID ConversationID
}

// EvTopicChanged is a topic change performed by a remote user.
type EvTopicChanged struct {
	Conversation ConversationID
	User         UserID
	Topic        string
}

// EvMemberJoined is a user joining a channel.
type EvMemberJoined struct {
	Conversation ConversationID
	User         UserID
}

// EvMemberLeft is a user leaving a channel.
type EvMemberLeft struct {
	Conversation ConversationID
	User         UserID
}

// EvGroupJoined is the authenticated identity being added to a private
// group or multi-party direct conversation. Distinct from EvMemberJoined
// because the conversation may not have existed locally before.
type EvGroupJoined struct {
	Conversation *RemoteConversation
}

// EvPresenceChanged is an away-state update for a user. Custom status text
// travels on EvUserUpdated profile refreshes, not here.
type EvPresenceChanged struct {
	User UserID
	Away bool
}

// EvUserUpdated carries a full profile refresh for a user.
type EvUserUpdated struct {
	User *RemoteUser
}

// EvTyping is a typing indicator. The protocol has no typing push; it only
// feeds activity tracking.
type EvTyping struct {
	Conversation ConversationID
	User         UserID
}

// EvFeedError reports a connection-level error on the event feed. The feed
// resumes on its own; the event exists so sessions can be notified.
type EvFeedError struct {
	Err error
}

func (EvMessage) remoteEvent() {}
func (EvMessageEdited) remoteEvent() {}
func (EvMessageDeleted) remoteEvent() {}
func (EvConversationCreated) remoteEvent() {}
func (EvConversationUpdated) remoteEvent() {}
func (EvConversationArchived) remoteEvent() {}
func (EvTopicChanged) remoteEvent() {}
func (EvMemberJoined) remoteEvent() {}
func (EvMemberLeft) remoteEvent() {}
func (EvGroupJoined) remoteEvent() {}
func (EvPresenceChanged) remoteEvent() {}
func (EvUserUpdated) remoteEvent() {}
func (EvTyping) remoteEvent() {}
func (EvFeedError) remoteEvent() {}

// RemoteClient is the capability the core consumes to talk to the
// workspace platform. Implementations own retry/backoff for their own
// transport; every method is a fallible network operation.
type RemoteClient interface {
	// Connect authenticates, warms the identity, and starts the event
	// feed. It must be called before any other method.
	Connect(ctx context.Context) error
	// Me returns the authenticated identity. Valid after Connect.
	Me() *RemoteUser
	// ServerName returns a human-readable name of the remote workspace.
	ServerName() string

	ListUsers(ctx context.Context) ([]*RemoteUser, error)
	ListConversations(ctx context.Context) ([]*RemoteConversation, error)
	// FetchConversation loads a single conversation with its member
	// set, for ids first seen in the event feed.
	FetchConversation(ctx context.Context, conv ConversationID) (*RemoteConversation, error)

	PostMessage(ctx context.Context, conv ConversationID, text string, opts PostOptions) error
	MarkRead(ctx context.Context, conv ConversationID) error
	SetTopic(ctx context.Context, conv ConversationID, topic string) error
	SetAway(ctx context.Context, away bool) error

	JoinConversation(ctx context.Context, conv ConversationID) error
	// LeaveConversation leaves a public channel.
	LeaveConversation(ctx context.Context, conv ConversationID) error
	// LeaveGroup leaves a private group or multi-party direct
	// conversation. Kept separate from LeaveConversation because the
	// remote lifecycle differs: a group can cease to exist for this
	// identity without any channel-level event.
	LeaveGroup(ctx context.Context, conv ConversationID) error
	// OpenDirect returns (creating if needed) the direct conversation
	// with the given user.
	OpenDirect(ctx context.Context, user UserID) (ConversationID, error)

	// Events returns the remote event feed. The channel stays open
	// across reconnects and is closed only by Close.
	Events() <-chan RemoteEvent
	// Close tears down the feed and releases the connection.
	Close()
}
