/*
Package session provides the client and server ends of a bridge session.

A session is a single stream connection over which the client sends Commands and the server sends back Results. The server reads Commands in a loop and hands each one to its own dispatch goroutine, which submits it to the Executor and writes the Result back. The reader never waits for a Command to finish, so any number of Commands can be in flight on one connection, and their Results may come back in any order.

Every Command gets exactly one reply on the synchronous path:

1. NoCallback: the server waits for the Executor and replies with the Result, in NoCallback mode.
2. HasCallback: the server immediately replies with an acknowledgment whose payload is the Command's tag, in NoCallback mode. Once the Executor is done it sends the real Result in HasCallback mode, which the client routes to the Callback registered for that tag.

The acknowledgment is always written before the real Result.

If the server can't decode a frame, it replies with a VersionMismatch Result carrying a diagnostic and the server's version, and keeps reading. The client appends its own version and returns that text from Call as if it were an ordinary payload, so both versions end up in front of whoever made the call.

A Result frame the client can't decode ends the session: the waiting Call and any pending Callbacks fail with an error wrapping ErrConnectionBroken and envelope.ErrIncompatible.

On the client, synchronous Results are delivered in the order they arrive and are not matched against the tag of the pending call. A Client therefore supports one outstanding Call at a time. Use one Client per goroutine that needs to make calls concurrently.
*/
package session
