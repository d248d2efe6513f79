// Package taskdeck is the client-side synchronization core of the
// Taskdeck productivity workspace. It keeps in-memory snapshots of
// shared, multi-writer collections (tasks, friends, shared lists, the
// dashboard layout) consistent with a remote backend that changes from
// three directions at once: the local user's own mutations, a realtime
// change feed, and collaborators with different permission levels.
//
// One manager owns each resource family. Managers expose the same
// surface: Subscribe/Snapshot for reads, SetUser to bind the
// authenticated actor, Refresh for reconciliation, and the resource
// family's mutation methods. Snapshots are plain values; every state
// transition produces a new one, so subscribers may hold onto a previous
// snapshot for diffing.
//
// Snapshot callbacks are invoked synchronously and in registration
// order. A callback must return promptly and must not call back into the
// manager's mutation methods; reading Snapshot from a callback is fine.
//
// The backend is opaque: managers speak only to the gateway.Gateway
// interface. pkg/gateway/wsrpc implements it over a websocket RPC
// connection.
package taskdeck
