// # RepoRecon Audio Bridge
//
// This repository provides a Go backend that relays two-way voice conversations between a browser websocket client and a Gemini Live session. The bridge streams raw PCM audio in both directions, intercepts tool calls from the model to run GitHub issue reconnaissance locally, and notifies the client UI whenever a tool executes.
package reporecon
