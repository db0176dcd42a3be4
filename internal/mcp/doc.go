// Package mcp hosts external MCP (Model Context Protocol) capability
// servers and republishes what they offer to in-process consumers.
//
// The layers, leaves first:
//
//   - A [Transport] moves newline-delimited JSON-RPC 2.0 frames to and
//     from one server, either a child process on stdio or a streamable
//     HTTP endpoint.
//   - A [Client] runs the handshake on a transport, correlates requests
//     with responses through a pending table, and fans out server
//     notifications.
//   - A [Session] supervises one configured server: it opens a
//     transport, builds a client, discovers capabilities, and restarts
//     with exponential backoff when the server dies.
//   - The [Manager] owns every session, reconciles them against
//     configuration, and maintains the merged [Catalog] of qualified
//     names (server.tool).
//   - The [Bridge] is the consumer surface: capability listing and
//     invocation with structured outcomes, plus republishing tools into
//     the tool-calling pipeline.
//
// This is the client/host side only; the host never acts as an MCP
// server.
package mcp
