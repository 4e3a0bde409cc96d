// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

/*
Package cli implements the veilchat command line.

Commands are built with cobra. Every command that talks to the service
goes through the same bootstrap: config, zap logging, optional Prometheus
endpoint, client key pair, HTTP transport and conversation store, then a
session.Controller over the chosen conversation.

# Commands

	veilchat chat      interactive screen (needs a terminal)
	veilchat ask       one message, reply streamed to stdout
	veilchat history   show, delete and clear saved conversations
	veilchat keygen    create or show the client key pair
	veilchat config    show, get, set, path and keys

Global flags: --config, --model, --verbose, --json.

# Exit Codes

Errors map to stable exit codes (see GetExitCode): 2 for usage, 3 for
config, 4 for auth, 5 for network, 7 for a missing conversation, 8 for
timeouts and 130 when the user interrupts a reply.
*/
package cli
