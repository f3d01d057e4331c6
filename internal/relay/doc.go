// Package relay contains the signaling core: the room table that owns
// membership state, the connection registry that maps connection ids to live
// transports, and the router that turns inbound envelopes into unicasts and
// room broadcasts.
//
// The room table is the only shared mutable state. The router serializes each
// inbound envelope end to end, so membership mutations and the broadcasts they
// produce are observed in apply order.
package relay
