// Package mcp implements the client side of the Model Context Protocol
// (MCP), a JSON-RPC 2.0 based bidirectional messaging protocol that hosts
// use to connect to servers exposing tools, resources, prompts, and optional
// sampling and logging features.
//
// The package provides three layers. Transport carries opaque frames over a
// byte stream, with two concrete implementations: StdioTransport, which
// spawns a child process and frames messages as newline-delimited JSON, and
// SSETransport, which pairs a long-lived Server-Sent Events GET with POSTs
// to a server-advertised endpoint. Client is one connection's protocol
// machine: it performs the initialize handshake, correlates concurrent typed
// requests, enforces negotiated capabilities, routes progress notifications,
// and serves server-initiated requests such as roots/list and
// sampling/createMessage. Host aggregates a named set of clients, keeping
// per-connection tool, resource, and prompt caches fresh from list_changed
// notifications and answering health queries across the set.
package mcp
