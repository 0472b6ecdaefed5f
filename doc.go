// Package toolbox implements a client for the MCP Toolbox for Databases
// server, loading tool definitions over HTTP and invoking them remotely.
// Tools can be fetched one at a time or as named toolsets, and the server
// can speak either the native Toolbox API or the Model Context Protocol
// (MCP) following https://spec.modelcontextprotocol.io/specification/.
//
// Loaded tools validate their arguments locally, support pre-bound
// parameter values, and attach authentication tokens from registered
// getters, so they can be handed to LLM orchestration frameworks as
// self-contained callables.
package toolbox
