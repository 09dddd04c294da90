// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package connector bridges Matrix rooms to Mattermost channels from a Matrix
// application service.
//
// Remote users appear in Matrix as ghosts. Matrix users post to Mattermost
// either through the shared relay account, with their name framed into the
// message, or through their own puppet account when a credential is known.
// Puppets come from the environment (MATTERMOST_PUPPET_*), from the
// set_access_token admin command, or from POST /api/reload-puppets.
//
// # Core Types
//
// [Orchestrator] owns every [RoomBridge] and implements the admin operations:
// link, unlink, make portal and list.
//
// [RoomBridge] relays one Mattermost channel to its linked Matrix rooms and
// portal. Each direction runs through its own queue, so events of one room
// are processed in order.
//
// [IdentityDirectory] maps remote users to ghosts and local users to
// puppets or relay labels.
//
// [MattermostClient] is the [RemoteService] backed by the Mattermost REST
// API and websocket.
//
// # Echo Prevention
//
// A message the bridge posted must not come back. Sends in flight are
// tracked until their post IDs are recorded. Incoming posts with a recorded
// ID or from the relay account are dropped, as are posts by usernames with
// the configured bot prefix.
//
// # Sub-packages
//
//   - matrixfmt converts Matrix HTML to Mattermost markdown.
//   - mattermostfmt converts Mattermost markdown to Matrix HTML and renders edits.
//   - remotecall rate limits and retries remote calls.
//   - presence decides when a remote user counts as online.
//   - database persists links, identities and accounts.
package connector
