/*
Package rpc implements the line-delimited JSON-RPC framing spoken with the child process, and the Broker that correlates replies with their callers.

Each message is one JSON object terminated by a newline. Requests look like {"jsonrpc":"2.0","id":"<token>","method":"...","params":{...}}, and replies carry the same id with either a "result" or an "error" object.

The Broker keeps a registry of outstanding calls keyed by id. Every call is resolved exactly once, by whichever of these happens first:

1. A reply with a matching id is dispatched.
2. The call's deadline passes (ErrTimeout).
3. The broker is invalidated because the child went away (ErrProcessTerminated).
4. The caller cancels it (ErrCancelled).

Replies for ids that are no longer outstanding are discarded.
*/
package rpc
