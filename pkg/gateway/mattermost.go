// Copyright 2024-2026 Aiku AI

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"
)

const (
	// userPageSize is the page size for the users listing.
	userPageSize = 200
	// eventBuffer absorbs bursts from the websocket without blocking the
	// read loop while the translator catches up.
	eventBuffer = 256
	// reconnectMax caps the websocket reconnect backoff.
	reconnectMax = 30 * time.Second
)

// MattermostRemote implements RemoteClient against a Mattermost server
// using the official REST and WebSocket clients.
type MattermostRemote struct {
	cfg MattermostConfig
	log zerolog.Logger

	client *model.Client4
	ws     *model.WebSocketClient

	me         *RemoteUser
	teamID     string
	serverName string

	events   chan RemoteEvent
	stopOnce sync.Once
	stopChan chan struct{}

	mu         sync.Mutex
	knownUsers map[string]struct{}
	sentSelf   map[string]struct{} // post ids created through this gateway
}

var _ RemoteClient = (*MattermostRemote)(nil)

// NewMattermostRemote creates an unconnected remote client.
func NewMattermostRemote(cfg MattermostConfig, log zerolog.Logger) *MattermostRemote {
	client := model.NewAPIv4Client(cfg.ServerURL)
	client.SetToken(cfg.Token)
	return &MattermostRemote{
		cfg:        cfg,
		log:        log.With().Str("component", "mm_remote").Logger(),
		client:     client,
		stopChan:   make(chan struct{}),
		events:     make(chan RemoteEvent, eventBuffer),
		knownUsers: make(map[string]struct{}),
		sentSelf:   make(map[string]struct{}),
	}
}

// Connect verifies the token, resolves the team, and starts the websocket
// event feed.
func (r *MattermostRemote) Connect(ctx context.Context) error {
	me, _, err := r.client.GetMe(ctx, "")
	if err != nil {
		return fmt.Errorf("%w: failed to verify session: %v", ErrRemoteUnavailable, err)
	}
	r.me = r.mmUserToRemote(me)
	r.markKnown(me.Id)
	r.log.Info().Str("user_id", me.Id).Str("username", me.Username).Msg("Authenticated")

	if r.cfg.Team != "" {
		team, _, err := r.client.GetTeamByName(ctx, r.cfg.Team, "")
		if err != nil {
			return fmt.Errorf("%w: failed to resolve team %q: %v", ErrRemoteUnavailable, r.cfg.Team, err)
		}
		r.teamID = team.Id
		r.serverName = team.DisplayName
	} else {
		teams, _, err := r.client.GetTeamsForUser(ctx, me.Id, "")
		if err != nil {
			return fmt.Errorf("%w: failed to get teams: %v", ErrRemoteUnavailable, err)
		}
		if len(teams) > 0 {
			r.teamID = teams[0].Id
			r.serverName = teams[0].DisplayName
		}
	}
	if r.serverName == "" {
		r.serverName = r.cfg.ServerURL
	}

	if err := r.connectWebSocket(); err != nil {
		return err
	}
	go r.listenWebSocket()
	return nil
}

// Me returns the authenticated identity. Valid after Connect.
func (r *MattermostRemote) Me() *RemoteUser {
	return r.me
}

// ServerName returns the workspace (team) display name.
func (r *MattermostRemote) ServerName() string {
	return r.serverName
}

// Events returns the remote event feed.
func (r *MattermostRemote) Events() <-chan RemoteEvent {
	return r.events
}

// Close stops the feed. The websocket listener owns the event channel and
// closes it on its way out, so late emits never race a closed channel.
func (r *MattermostRemote) Close() {
	r.stopOnce.Do(func() {
		close(r.stopChan)
		if r.ws != nil {
			r.ws.Close()
		}
	})
}

func (r *MattermostRemote) connectWebSocket() error {
	wsURL := httpToWS(r.cfg.ServerURL)
	ws, err := model.NewWebSocketClient4(wsURL, r.client.AuthToken)
	if err != nil {
		return fmt.Errorf("%w: failed to create websocket client: %v", ErrRemoteUnavailable, err)
	}
	ws.Listen()
	r.ws = ws
	r.log.Info().Str("ws_url", wsURL).Msg("WebSocket connected")
	return nil
}

// httpToWS converts an HTTP(S) URL to a WS(S) URL.
func httpToWS(url string) string {
	if strings.HasPrefix(url, "https://") {
		return "wss://" + strings.TrimPrefix(url, "https://")
	}
	if strings.HasPrefix(url, "http://") {
		return "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url
}

// listenWebSocket pumps websocket events into the RemoteEvent feed,
// reconnecting with backoff when the server drops the connection. The feed
// channel itself stays open across reconnects.
func (r *MattermostRemote) listenWebSocket() {
	// Sole sender on the feed; closing it here lets consumers range to
	// completion without racing a send.
	defer close(r.events)
	backoff := time.Second
	for {
		select {
		case <-r.stopChan:
			return
		case evt, ok := <-r.ws.EventChannel:
			if !ok {
				r.log.Warn().Msg("WebSocket event channel closed, reconnecting")
				r.emit(EvFeedError{Err: fmt.Errorf("%w: event feed disconnected", ErrRemoteUnavailable)})
				if !r.reconnect(&backoff) {
					return
				}
				continue
			}
			if evt == nil {
				continue
			}
			backoff = time.Second
			r.handleEvent(evt)
		}
	}
}

// reconnect retries the websocket connection until it succeeds or the
// client is closed. Returns false when closed.
func (r *MattermostRemote) reconnect(backoff *time.Duration) bool {
	for {
		select {
		case <-r.stopChan:
			return false
		case <-time.After(*backoff):
		}
		if *backoff < reconnectMax {
			*backoff *= 2
		}
		if err := r.connectWebSocket(); err != nil {
			r.log.Error().Err(err).Dur("backoff", *backoff).Msg("WebSocket reconnect failed")
			continue
		}
		return true
	}
}

// emit delivers an event unless the client has been closed.
func (r *MattermostRemote) emit(ev RemoteEvent) {
	select {
	case <-r.stopChan:
	case r.events <- ev:
	}
}

// handleEvent dispatches a Mattermost WebSocket event to the appropriate
// translation.
func (r *MattermostRemote) handleEvent(evt *model.WebSocketEvent) {
	switch evt.EventType() {
	case model.WebsocketEventPosted:
		r.handlePosted(evt)
	case model.WebsocketEventPostEdited:
		r.handlePostEdited(evt)
	case model.WebsocketEventPostDeleted:
		r.handlePostDeleted(evt)
	case model.WebsocketEventChannelCreated:
		r.handleChannelCreated(evt)
	case model.WebsocketEventChannelUpdated:
		r.handleChannelUpdated(evt)
	case model.WebsocketEventChannelDeleted:
		r.handleChannelDeleted(evt)
	case model.WebsocketEventDirectAdded, model.WebsocketEventGroupAdded:
		r.handleGroupAdded(evt)
	case model.WebsocketEventUserAdded:
		r.handleUserAdded(evt)
	case model.WebsocketEventUserRemoved:
		r.handleUserRemoved(evt)
	case model.WebsocketEventUserUpdated:
		r.handleUserUpdated(evt)
	case model.WebsocketEventStatusChange:
		r.handleStatusChange(evt)
	case model.WebsocketEventTyping:
		r.handleTyping(evt)
	default:
		r.log.Trace().Str("event_type", string(evt.EventType())).Msg("Unhandled event type")
	}
}

// parsePostEvent extracts a post from a WebSocket event. Returns (nil, nil)
// to skip silently.
func (r *MattermostRemote) parsePostEvent(evt *model.WebSocketEvent) (*model.Post, error) {
	postJSON, ok := evt.GetData()["post"].(string)
	if !ok {
		return nil, nil
	}
	var post model.Post
	if err := json.Unmarshal([]byte(postJSON), &post); err != nil {
		return nil, fmt.Errorf("failed to unmarshal post: %w", err)
	}
	// Skip messages this gateway itself sent; the session already echoed
	// them. Own messages from *other* clients still pass through.
	if r.wasSentBySelf(post.Id) {
		return nil, nil
	}
	return &post, nil
}

func (r *MattermostRemote) handlePosted(evt *model.WebSocketEvent) {
	post, err := r.parsePostEvent(evt)
	if err != nil {
		r.log.Warn().Err(err).Msg("Failed to parse posted event")
		return
	}
	if post == nil {
		return
	}

	action := false
	switch post.Type {
	case model.PostTypeDefault:
	case model.PostTypeMe:
		action = true
	case model.PostTypeHeaderChange:
		if header, ok := post.GetProp("new_header").(string); ok {
			r.emit(EvTopicChanged{
				Conversation: ConversationID(post.ChannelId),
				User:         UserID(post.UserId),
				Topic:        header,
			})
		}
		return
	default:
		// Join/leave and other system posts are covered by their own
		// websocket events.
		return
	}

	r.ensureUserKnown(post.UserId)

	text := post.Message
	if action {
		// Action posts store their message wrapped in asterisks.
		text = strings.TrimSuffix(strings.TrimPrefix(text, "*"), "*")
	}

	r.emit(EvMessage{
		Conversation: ConversationID(post.ChannelId),
		Sender:       UserID(post.UserId),
		SenderName:   overrideUsername(post),
		ID:           MessageID(post.Id),
		ThreadRoot:   MessageID(post.RootId),
		Text:         appendAttachmentText(text, post),
		Action:       action,
		Files:        r.fileAttachments(post),
		Timestamp:    time.UnixMilli(post.CreateAt),
	})
}

func (r *MattermostRemote) handlePostEdited(evt *model.WebSocketEvent) {
	post, err := r.parsePostEvent(evt)
	if err != nil {
		r.log.Error().Err(err).Msg("Failed to parse post edited event")
		return
	}
	if post == nil {
		return
	}
	r.ensureUserKnown(post.UserId)
	r.emit(EvMessageEdited{
		Conversation: ConversationID(post.ChannelId),
		Sender:       UserID(post.UserId),
		ID:           MessageID(post.Id),
		ThreadRoot:   MessageID(post.RootId),
		NewText:      post.Message,
	})
}

func (r *MattermostRemote) handlePostDeleted(evt *model.WebSocketEvent) {
	post, err := r.parsePostEvent(evt)
	if err != nil {
		r.log.Error().Err(err).Msg("Failed to parse post deleted event")
		return
	}
	if post == nil {
		return
	}
	r.emit(EvMessageDeleted{
		Conversation: ConversationID(post.ChannelId),
		Sender:       UserID(post.UserId),
		ID:           MessageID(post.Id),
	})
}

func (r *MattermostRemote) handleChannelCreated(evt *model.WebSocketEvent) {
	channelID, ok := evt.GetData()["channel_id"].(string)
	if !ok {
		return
	}
	conv, err := r.FetchConversation(context.Background(), ConversationID(channelID))
	if err != nil {
		r.log.Warn().Err(err).Str("channel_id", channelID).Msg("Failed to fetch created channel")
		return
	}
	r.emit(EvConversationCreated{Conversation: conv})
}

func (r *MattermostRemote) handleChannelUpdated(evt *model.WebSocketEvent) {
	channelJSON, ok := evt.GetData()["channel"].(string)
	if !ok {
		return
	}
	var channel model.Channel
	if err := json.Unmarshal([]byte(channelJSON), &channel); err != nil {
		r.log.Warn().Err(err).Msg("Failed to unmarshal updated channel")
		return
	}
	r.emit(EvConversationUpdated{Conversation: r.mmChannelToRemote(&channel, nil)})
}

func (r *MattermostRemote) handleChannelDeleted(evt *model.WebSocketEvent) {
	channelID, ok := evt.GetData()["channel_id"].(string)
	if !ok {
		return
	}
	r.emit(EvConversationArchived{ID: ConversationID(channelID)})
}

// handleGroupAdded covers both direct_added and group_added: the
// authenticated identity gained a new direct or multi-party conversation.
func (r *MattermostRemote) handleGroupAdded(evt *model.WebSocketEvent) {
	channelID := evt.GetBroadcast().ChannelId
	if channelID == "" {
		return
	}
	conv, err := r.FetchConversation(context.Background(), ConversationID(channelID))
	if err != nil {
		r.log.Warn().Err(err).Str("channel_id", channelID).Msg("Failed to fetch added conversation")
		return
	}
	if conv.Kind == KindDirect {
		r.emit(EvConversationCreated{Conversation: conv})
		return
	}
	r.emit(EvGroupJoined{Conversation: conv})
}

func (r *MattermostRemote) handleUserAdded(evt *model.WebSocketEvent) {
	userID, ok := evt.GetData()["user_id"].(string)
	if !ok {
		return
	}
	channelID := evt.GetBroadcast().ChannelId
	if channelID == "" {
		return
	}
	r.ensureUserKnown(userID)
	r.emit(EvMemberJoined{Conversation: ConversationID(channelID), User: UserID(userID)})
}

func (r *MattermostRemote) handleUserRemoved(evt *model.WebSocketEvent) {
	userID, _ := evt.GetData()["user_id"].(string)
	channelID := evt.GetBroadcast().ChannelId
	if channelID == "" {
		// When this identity is removed, the channel id travels in the
		// data payload and the broadcast targets the user.
		channelID, _ = evt.GetData()["channel_id"].(string)
		userID = string(r.me.ID)
	}
	if userID == "" || channelID == "" {
		return
	}
	r.emit(EvMemberLeft{Conversation: ConversationID(channelID), User: UserID(userID)})
}

func (r *MattermostRemote) handleUserUpdated(evt *model.WebSocketEvent) {
	raw, ok := evt.GetData()["user"]
	if !ok {
		return
	}
	// The user arrives as a decoded JSON object, not a string.
	buf, err := json.Marshal(raw)
	if err != nil {
		return
	}
	var user model.User
	if err := json.Unmarshal(buf, &user); err != nil {
		r.log.Warn().Err(err).Msg("Failed to unmarshal updated user")
		return
	}
	r.markKnown(user.Id)
	r.emit(EvUserUpdated{User: r.mmUserToRemote(&user)})
}

func (r *MattermostRemote) handleStatusChange(evt *model.WebSocketEvent) {
	userID, ok := evt.GetData()["user_id"].(string)
	if !ok {
		return
	}
	status, _ := evt.GetData()["status"].(string)
	r.emit(EvPresenceChanged{
		User: UserID(userID),
		Away: status != model.StatusOnline,
	})
}

func (r *MattermostRemote) handleTyping(evt *model.WebSocketEvent) {
	userID, ok := evt.GetData()["user_id"].(string)
	if !ok {
		return
	}
	r.emit(EvTyping{
		Conversation: ConversationID(evt.GetBroadcast().ChannelId),
		User:         UserID(userID),
	})
}

// ensureUserKnown lazily fetches users referenced by events before the
// event mentioning them is emitted, so the directory never has to invent a
// placeholder for an id the remote side can describe.
func (r *MattermostRemote) ensureUserKnown(userID string) {
	if userID == "" {
		return
	}
	r.mu.Lock()
	_, known := r.knownUsers[userID]
	r.mu.Unlock()
	if known {
		return
	}
	user, _, err := r.client.GetUser(context.Background(), userID, "")
	if err != nil {
		r.log.Warn().Err(err).Str("user_id", userID).Msg("Failed to fetch unknown user")
		return
	}
	r.markKnown(userID)
	r.emit(EvUserUpdated{User: r.mmUserToRemote(user)})
}

func (r *MattermostRemote) markKnown(userID string) {
	r.mu.Lock()
	r.knownUsers[userID] = struct{}{}
	r.mu.Unlock()
}

func (r *MattermostRemote) wasSentBySelf(postID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sentSelf[postID]; ok {
		delete(r.sentSelf, postID)
		return true
	}
	return false
}

// ListUsers fetches all workspace users, page by page, and overlays their
// current presence.
func (r *MattermostRemote) ListUsers(ctx context.Context) ([]*RemoteUser, error) {
	var all []*RemoteUser
	var ids []string
	for page := 0; ; page++ {
		users, _, err := r.client.GetUsers(ctx, page, userPageSize, "")
		if err != nil {
			return nil, fmt.Errorf("%w: failed to list users: %v", ErrRemoteUnavailable, err)
		}
		for _, u := range users {
			all = append(all, r.mmUserToRemote(u))
			ids = append(ids, u.Id)
			r.markKnown(u.Id)
		}
		if len(users) < userPageSize {
			break
		}
	}

	// Presence arrives separately; a failure here degrades to everyone
	// appearing present rather than failing the listing.
	byID := make(map[UserID]*RemoteUser, len(all))
	for _, u := range all {
		byID[u.ID] = u
	}
	for start := 0; start < len(ids); start += userPageSize {
		end := min(start+userPageSize, len(ids))
		statuses, _, err := r.client.GetUsersStatusesByIds(ctx, ids[start:end])
		if err != nil {
			r.log.Warn().Err(err).Msg("Failed to fetch user statuses")
			break
		}
		for _, st := range statuses {
			if u, ok := byID[UserID(st.UserId)]; ok {
				u.Away = st.Status != model.StatusOnline
			}
		}
	}
	return all, nil
}

// ListConversations fetches every channel the identity is a member of,
// including direct and multi-party conversations.
func (r *MattermostRemote) ListConversations(ctx context.Context) ([]*RemoteConversation, error) {
	channels, _, err := r.client.GetChannelsForUserWithLastDeleteAt(ctx, string(r.me.ID), 0)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list conversations: %v", ErrRemoteUnavailable, err)
	}
	var out []*RemoteConversation
	for _, ch := range channels {
		if r.teamID != "" && ch.TeamId != "" && ch.TeamId != r.teamID {
			continue
		}
		members, _, err := r.client.GetChannelMembers(ctx, ch.Id, 0, userPageSize, "")
		if err != nil {
			r.log.Warn().Err(err).Str("channel_id", ch.Id).Msg("Failed to get channel members")
		}
		out = append(out, r.mmChannelToRemote(ch, members))
	}
	return out, nil
}

// FetchConversation loads a single conversation with members.
func (r *MattermostRemote) FetchConversation(ctx context.Context, conv ConversationID) (*RemoteConversation, error) {
	channelID := string(conv)
	channel, _, err := r.client.GetChannel(ctx, channelID, "")
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get channel: %v", ErrRemoteUnavailable, err)
	}
	members, _, err := r.client.GetChannelMembers(ctx, channelID, 0, userPageSize, "")
	if err != nil {
		r.log.Warn().Err(err).Str("channel_id", channelID).Msg("Failed to get channel members")
	}
	return r.mmChannelToRemote(channel, members), nil
}

// PostMessage posts to a conversation, optionally as a thread reply or an
// action. The created post id is recorded for echo suppression.
func (r *MattermostRemote) PostMessage(ctx context.Context, conv ConversationID, text string, opts PostOptions) error {
	post := &model.Post{
		ChannelId: string(conv),
		Message:   text,
		RootId:    string(opts.ThreadRoot),
	}
	if opts.Action {
		post.Type = model.PostTypeMe
		post.Message = "*" + text + "*"
	}
	created, _, err := r.client.CreatePost(ctx, post)
	if err != nil {
		return fmt.Errorf("%w: failed to post message: %v", ErrRemoteUnavailable, err)
	}
	r.mu.Lock()
	r.sentSelf[created.Id] = struct{}{}
	r.mu.Unlock()
	return nil
}

// MarkRead marks a conversation viewed for the authenticated identity.
func (r *MattermostRemote) MarkRead(ctx context.Context, conv ConversationID) error {
	_, _, err := r.client.ViewChannel(ctx, string(r.me.ID), &model.ChannelView{ChannelId: string(conv)})
	if err != nil {
		return fmt.Errorf("%w: failed to mark read: %v", ErrRemoteUnavailable, err)
	}
	return nil
}

// SetTopic updates the conversation header.
func (r *MattermostRemote) SetTopic(ctx context.Context, conv ConversationID, topic string) error {
	patch := &model.ChannelPatch{Header: &topic}
	_, _, err := r.client.PatchChannel(ctx, string(conv), patch)
	if err != nil {
		return fmt.Errorf("%w: failed to set topic: %v", ErrRemoteUnavailable, err)
	}
	return nil
}

// SetAway forces the identity's presence to away or back to automatic.
func (r *MattermostRemote) SetAway(ctx context.Context, away bool) error {
	status := model.StatusOnline
	if away {
		status = model.StatusAway
	}
	_, _, err := r.client.UpdateUserStatus(ctx, string(r.me.ID), &model.Status{
		UserId: string(r.me.ID),
		Status: status,
		Manual: away,
	})
	if err != nil {
		return fmt.Errorf("%w: failed to set presence: %v", ErrRemoteUnavailable, err)
	}
	return nil
}

// JoinConversation adds the identity to a channel.
func (r *MattermostRemote) JoinConversation(ctx context.Context, conv ConversationID) error {
	_, _, err := r.client.AddChannelMember(ctx, string(conv), string(r.me.ID))
	if err != nil {
		return fmt.Errorf("%w: failed to join conversation: %v", ErrRemoteUnavailable, err)
	}
	return nil
}

// LeaveConversation removes the identity from a public channel.
func (r *MattermostRemote) LeaveConversation(ctx context.Context, conv ConversationID) error {
	_, err := r.client.RemoveUserFromChannel(ctx, string(conv), string(r.me.ID))
	if err != nil {
		return fmt.Errorf("%w: failed to leave conversation: %v", ErrRemoteUnavailable, err)
	}
	return nil
}

// LeaveGroup removes the identity from a private group or multi-party
// conversation. The REST call matches LeaveConversation, but the remote
// lifecycle differs: for this identity the group disappears entirely, so
// the error path is logged distinctly.
func (r *MattermostRemote) LeaveGroup(ctx context.Context, conv ConversationID) error {
	_, err := r.client.RemoveUserFromChannel(ctx, string(conv), string(r.me.ID))
	if err != nil {
		return fmt.Errorf("%w: failed to leave group: %v", ErrRemoteUnavailable, err)
	}
	return nil
}

// OpenDirect returns the direct conversation with the given user, creating
// it if none exists yet.
func (r *MattermostRemote) OpenDirect(ctx context.Context, user UserID) (ConversationID, error) {
	channel, _, err := r.client.CreateDirectChannel(ctx, string(r.me.ID), string(user))
	if err != nil {
		return "", fmt.Errorf("%w: failed to open direct conversation: %v", ErrRemoteUnavailable, err)
	}
	return ConversationID(channel.Id), nil
}

// fileAttachments resolves the file metadata attached to a post.
func (r *MattermostRemote) fileAttachments(post *model.Post) []FileAttachment {
	if len(post.FileIds) == 0 {
		return nil
	}
	var files []FileAttachment
	for _, fileID := range post.FileIds {
		info, _, err := r.client.GetFileInfo(context.Background(), fileID)
		if err != nil {
			r.log.Warn().Err(err).Str("file_id", fileID).Msg("Failed to get file info")
			continue
		}
		files = append(files, FileAttachment{
			Name:     info.Name,
			MimeType: info.MimeType,
			URL:      fmt.Sprintf("%s/api/v4/files/%s", r.cfg.ServerURL, fileID),
			Size:     info.Size,
		})
	}
	return files
}

// mmChannelToRemote converts a Mattermost channel (and optional member
// list) to the gateway's conversation model.
func (r *MattermostRemote) mmChannelToRemote(ch *model.Channel, members model.ChannelMembers) *RemoteConversation {
	conv := &RemoteConversation{
		ID:       ConversationID(ch.Id),
		Topic:    ch.Header,
		Archived: ch.DeleteAt > 0,
	}
	if conv.Topic == "" {
		conv.Topic = ch.Purpose
	}
	for _, m := range members {
		conv.Members = append(conv.Members, UserID(m.UserId))
	}

	switch ch.Type {
	case model.ChannelTypeDirect:
		conv.Kind = KindDirect
		conv.DMPeer = UserID(directPeer(ch.Name, string(r.me.ID)))
	case model.ChannelTypeGroup:
		conv.Kind = KindGroupDirect
	case model.ChannelTypePrivate:
		conv.Kind = KindGroup
		conv.Name = pickChannelName(ch)
	default:
		conv.Kind = KindChannel
		conv.Name = pickChannelName(ch)
	}
	return conv
}

// pickChannelName prefers the URL-safe name over the display name.
func pickChannelName(ch *model.Channel) string {
	if ch.Name != "" {
		return ch.Name
	}
	return ch.DisplayName
}

// directPeer extracts the other party from a direct channel's internal
// name, which Mattermost encodes as "<id>__<id>".
func directPeer(channelName, selfID string) string {
	parts := strings.SplitN(channelName, "__", 2)
	if len(parts) != 2 {
		return ""
	}
	if parts[0] == selfID {
		return parts[1]
	}
	return parts[0]
}

// mmUserToRemote converts a Mattermost user to the gateway's user model.
func (r *MattermostRemote) mmUserToRemote(u *model.User) *RemoteUser {
	ru := &RemoteUser{
		ID:        UserID(u.Id),
		Username:  u.Username,
		RealName:  strings.TrimSpace(u.FirstName + " " + u.LastName),
		Title:     u.Position,
		Email:     u.Email,
		AvatarURL: r.cfg.ServerURL + "/api/v4/users/" + u.Id + "/image",
		IsAdmin:   strings.Contains(u.Roles, model.SystemAdminRoleId),
		IsBot:     u.IsBot,
		Deleted:   u.DeleteAt > 0,
	}
	if ru.RealName == "" {
		ru.RealName = u.Username
	}
	if u.Nickname != "" && ru.RealName == u.Username {
		ru.RealName = u.Nickname
	}
	if text := customStatusText(u); text != "" {
		ru.StatusText = text
	}
	return ru
}

// customStatusText extracts the custom status text Mattermost stores as a
// JSON blob in the user props.
func customStatusText(u *model.User) string {
	raw, ok := u.Props[model.UserPropsKeyCustomStatus]
	if !ok || raw == "" {
		return ""
	}
	var st struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return ""
	}
	return st.Text
}

// overrideUsername returns the webhook/bot display username of a post, if
// any. Posts with an override are rendered under that name even though the
// user id points at the integration account.
func overrideUsername(post *model.Post) string {
	if name, ok := post.GetProp("override_username").(string); ok {
		return name
	}
	return ""
}

// appendAttachmentText folds slack-style message attachments into the
// message body, one quoted line per attachment line.
func appendAttachmentText(text string, post *model.Post) string {
	attachments := post.Attachments()
	if len(attachments) == 0 {
		return text
	}
	lines := []string{text}
	for _, att := range attachments {
		body := att.Text
		if body == "" {
			body = att.Fallback
		}
		for _, line := range strings.Split(body, "\n") {
			if line != "" {
				lines = append(lines, "| "+line)
			}
		}
	}
	return strings.Join(lines, "\n")
}
