/*
Package command defines the data model shared by both ends of a bridge session: Commands, which are sent from the client and executed on the server, the Results they produce, and the DeliveryMode that tells the receiving side how to route a Result.

Commands are polymorphic. A concrete Command embeds Base (which assigns a unique Tag at construction) and is registered by kind with Register, so that the server can reconstruct it from the wire and call its Execute method against the host environment.

Callbacks live only on the client. A Callback is registered against the Tag of the Command it waits for, and is invoked with the payload of the Result the server sends once the Command has actually finished executing.
*/
package command
