/*
Package envelope implements the bridge wire format.

Every message is a frame: a 4-byte big-endian length N followed by N bytes of payload. The payload is a CBOR array of two items, the message and its delivery mode:

	[[kind, tag, body], mode]   client -> server, a Command
	[[tag, payload], mode]      server -> client, a Result

Tags are the 16 raw bytes of the Command's UUID. Mode values are those of command.DeliveryMode.

Result payloads are not typed on the wire, so they decode to CBOR's generic Go types: integers become int64, floats float64, arrays []any, and maps map[string]any. A payload round-trips unchanged only if it is already made of those types (plus string, []byte, bool and nil).

Anything that doesn't decode into one of those shapes (including a Command of a kind this build doesn't know) is reported as ErrIncompatible. The server answers such frames in-band with a VersionMismatch Result instead of dropping the connection.
*/
package envelope
