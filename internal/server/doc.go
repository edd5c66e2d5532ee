// Package server implements the client-side process core: the single-owner
// extension socket acceptor, the pending-request correlation engine with
// per-tool deadlines, the agent session table, the event subscription
// fan-out, and the tool catalogue surface.
//
// The core owns exactly one live extension connection at a time. Accepting
// a replacement destroys the prior socket and fails everything still
// pending on it; results arriving on a stale socket are never delivered.
package server
