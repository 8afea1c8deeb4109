// Package policy decides which destinations a room socket may send to when a
// client asks for a raw UDP send to an explicit address (relay_send_udp).
//
// Forwarding between peers of the same room never consults the policy; it
// only targets endpoints the relay discovered or a peer registered.
package policy
