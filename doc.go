// Package relay multiplexes browser and terminal avatar clients onto
// independent upstream voice sessions.
//
// Each client WebSocket is served by a Connection that owns at most one
// Session. Audio, transcripts and tool calls flow through the Connection's
// event loop in both directions; all Session state changes happen on that
// loop, so one Connection never observes another's state. The upstream
// service is reached through the provider-neutral upstream package.
package relay
