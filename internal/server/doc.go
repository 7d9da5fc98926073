// Package server implements the HTTP and WebSocket surface of the Nexus chat
// server.
//
// The implementation is organized into specialized files for configuration,
// hub management, clients, envelope routing, and HTTP handlers. A Hub owns
// the set of live clients; each Client runs a read and a write pump; the
// Router gates and delivers every decoded envelope.
package server
