// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package gateway implements a bidirectional IRC gateway to a Mattermost
// workspace.
//
// Standard IRC clients connect to the gateway's listener and see the
// workspace as an IRC network: channels map to conversations, nicks map
// to workspace users, and direct messages map to query windows. One
// gateway process serves one authenticated workspace identity; every
// connected client acts as that identity.
//
// # Core Types
//
// [Server] owns the listener, the shared state, and the remote
// connection. It accepts clients and fans remote events out to them.
//
// [Directory] is the entity directory: the authoritative bidirectional
// mapping between remote ids and protocol names. Names are stable for the
// lifetime of the process; renames retire the old name atomically and
// collisions are resolved with id-derived suffixes.
//
// [Session] is one connected client. Registration follows the usual
// NICK/USER state machine, after which the nick is pinned to the remote
// identity.
//
// [RemoteClient] abstracts the workspace platform. [MattermostRemote] is
// the production implementation, built on the official Mattermost REST
// and WebSocket clients.
//
// # Threads
//
// Message threads have no IRC equivalent. The gateway either folds thread
// replies inline into the parent channel with an excerpt label, or
// projects each thread as a synthetic channel, per configuration.
//
// # Sub-packages
//
//   - ircfmt converts Mattermost markdown to IRC formatting codes.
//   - mmfmt converts IRC formatting codes to Mattermost markdown.
package gateway
